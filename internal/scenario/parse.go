package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/uiprobe/api/schemas"
)

// -- File Format --

// document is the on-disk shape of a scenario.
type document struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Tags        []string  `yaml:"tags"`
	BaseURL     string    `yaml:"base_url"`
	Settle      duration  `yaml:"settle"`
	Timeout     duration  `yaml:"timeout"`
	Steps       []rawStep `yaml:"steps"`
}

// rawStep holds exactly one action key plus the common modifiers.
type rawStep struct {
	line int

	Navigate         *string    `yaml:"navigate"`
	Click            *rawRef    `yaml:"click"`
	Fill             *rawFill   `yaml:"fill"`
	WaitForLoadState *string    `yaml:"wait_for_load_state"`
	Sleep            *duration  `yaml:"sleep"`
	Assert           *rawAssert `yaml:"assert"`

	Description string      `yaml:"description"`
	Timeout     duration    `yaml:"timeout"`
	Settle      *duration   `yaml:"settle"`
	Optional    bool        `yaml:"optional"`
	AllFrames   bool        `yaml:"all_frames"`
	Context     *rawContext `yaml:"context"`
}

var (
	actionKeys = []string{"navigate", "click", "fill", "wait_for_load_state", "sleep", "assert"}
	stepKeys   = map[string]bool{
		"navigate": true, "click": true, "fill": true, "wait_for_load_state": true, "sleep": true, "assert": true,
		"description": true, "timeout": true, "settle": true, "optional": true, "all_frames": true, "context": true,
	}
)

// UnmarshalYAML rejects unknown keys and more than one action per step.
func (s *rawStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: a step must be a mapping", node.Line)
	}
	var actions []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !stepKeys[key] {
			return fmt.Errorf("line %d: unknown step key %q", node.Content[i].Line, key)
		}
		for _, a := range actionKeys {
			if key == a {
				actions = append(actions, key)
			}
		}
	}
	switch len(actions) {
	case 0:
		return fmt.Errorf("line %d: step has no action (one of %s)", node.Line, strings.Join(actionKeys, ", "))
	case 1:
	default:
		return fmt.Errorf("line %d: step has %d actions (%s), want exactly one", node.Line, len(actions), strings.Join(actions, ", "))
	}

	type plain rawStep
	if err := node.Decode((*plain)(s)); err != nil {
		return err
	}
	s.line = node.Line
	return nil
}

// rawRef is an element reference written either as a selector string or as
// a mapping with path, nth and frame.
type rawRef struct {
	ref   schemas.ElementRef
	frame string
}

func (r *rawRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		ref, err := schemas.ParseRef(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		r.ref = ref
		return nil
	case yaml.MappingNode:
		var m struct {
			Path  string `yaml:"path"`
			Nth   int    `yaml:"nth"`
			Frame string `yaml:"frame"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		ref, err := schemas.ParseRef(m.Path)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		if m.Nth < 0 {
			return fmt.Errorf("line %d: nth must not be negative", node.Line)
		}
		r.ref = ref.At(m.Nth)
		r.frame = m.Frame
		return nil
	}
	return fmt.Errorf("line %d: element reference must be a string or a mapping", node.Line)
}

type rawFill struct {
	Ref  rawRef `yaml:"ref"`
	Text string `yaml:"text"`
}

type rawAssert struct {
	Visible       *rawRef          `yaml:"visible"`
	Hidden        *rawRef          `yaml:"hidden"`
	TextContains  *rawTextContains `yaml:"text_contains"`
	CountAtLeast  *rawCount        `yaml:"count_at_least"`
	URLContains   *string          `yaml:"url_contains"`
	TitleContains *string          `yaml:"title_contains"`
}

type rawTextContains struct {
	Ref  rawRef `yaml:"ref"`
	Text string `yaml:"text"`
}

type rawCount struct {
	Ref   rawRef `yaml:"ref"`
	Count int    `yaml:"count"`
}

type rawContext struct {
	Page  string `yaml:"page"`
	Frame string `yaml:"frame"`
}

// duration accepts Go duration syntax ("250ms", "3s").
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string such as \"3s\"", node.Line)
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = duration(v)
	return nil
}

// -- Conversion --

// Parse decodes and validates one scenario. source names the input in
// error messages and is recorded on the scenario.
func Parse(r io.Reader, source string) (*schemas.Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", source, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty scenario file", source)
		}
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	sc, err := doc.scenario()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	sc.Source = source
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	return sc, nil
}

func (d *document) scenario() (*schemas.Scenario, error) {
	sc := &schemas.Scenario{
		ID:          strings.TrimSpace(d.ID),
		Name:        d.Name,
		Description: d.Description,
		Tags:        d.Tags,
		BaseURL:     d.BaseURL,
		Settle:      time.Duration(d.Settle),
		Timeout:     time.Duration(d.Timeout),
	}
	if sc.Name == "" {
		sc.Name = sc.ID
	}
	for i, raw := range d.Steps {
		step, err := raw.step()
		if err != nil {
			return nil, fmt.Errorf("step %d (line %d): %w", i, raw.line, err)
		}
		sc.Steps = append(sc.Steps, step)
	}
	return sc, nil
}

func (r *rawStep) step() (schemas.Step, error) {
	var (
		step  schemas.Step
		frame string
	)
	switch {
	case r.Navigate != nil:
		step = schemas.Navigate(*r.Navigate)
	case r.Click != nil:
		step = schemas.Click(r.Click.ref)
		frame = r.Click.frame
	case r.Fill != nil:
		step = schemas.Fill(r.Fill.Ref.ref, r.Fill.Text)
		frame = r.Fill.Ref.frame
	case r.WaitForLoadState != nil:
		state, err := schemas.ParseLoadState(*r.WaitForLoadState)
		if err != nil {
			return step, err
		}
		step = schemas.WaitForLoadState(state)
		step.AllFrames = r.AllFrames
	case r.Sleep != nil:
		step = schemas.Sleep(time.Duration(*r.Sleep))
	case r.Assert != nil:
		p, f, err := r.Assert.predicate()
		if err != nil {
			return step, err
		}
		step = schemas.Assert(p)
		frame = f
	}
	if r.AllFrames && step.Kind != schemas.StepWaitForLoadState {
		return step, fmt.Errorf("all_frames only applies to wait_for_load_state")
	}

	step.Description = r.Description
	step.Timeout = time.Duration(r.Timeout)
	step.Optional = r.Optional
	if r.Settle != nil {
		v := time.Duration(*r.Settle)
		step.Settle = &v
	}

	ctx, err := r.context(frame)
	if err != nil {
		return step, err
	}
	step.Context = ctx
	return step, nil
}

// context merges the step's context block with a frame named on its
// element reference. The reference wins only when the block names no frame.
func (r *rawStep) context(refFrame string) (*schemas.ContextTarget, error) {
	if r.Context == nil && refFrame == "" {
		return nil, nil
	}
	var page, frame string
	if r.Context != nil {
		page, frame = r.Context.Page, r.Context.Frame
	}
	if frame == "" {
		frame = refFrame
	}
	ps, err := schemas.ParsePageSelector(page)
	if err != nil {
		return nil, err
	}
	fs, err := schemas.ParseFrameSelector(frame)
	if err != nil {
		return nil, err
	}
	return &schemas.ContextTarget{Page: ps, Frame: fs}, nil
}

func (a *rawAssert) predicate() (schemas.Predicate, string, error) {
	var (
		preds []schemas.Predicate
		frame string
	)
	if a.Visible != nil {
		preds = append(preds, schemas.Predicate{Kind: schemas.PredicateVisible, Ref: a.Visible.ref})
		frame = a.Visible.frame
	}
	if a.Hidden != nil {
		preds = append(preds, schemas.Predicate{Kind: schemas.PredicateHidden, Ref: a.Hidden.ref})
		frame = a.Hidden.frame
	}
	if a.TextContains != nil {
		preds = append(preds, schemas.Predicate{Kind: schemas.PredicateTextContains, Ref: a.TextContains.Ref.ref, Text: a.TextContains.Text})
		frame = a.TextContains.Ref.frame
	}
	if a.CountAtLeast != nil {
		preds = append(preds, schemas.Predicate{Kind: schemas.PredicateCountAtLeast, Ref: a.CountAtLeast.Ref.ref, Count: a.CountAtLeast.Count})
		frame = a.CountAtLeast.Ref.frame
	}
	if a.URLContains != nil {
		preds = append(preds, schemas.Predicate{Kind: schemas.PredicateURLContains, Text: *a.URLContains})
	}
	if a.TitleContains != nil {
		preds = append(preds, schemas.Predicate{Kind: schemas.PredicateTitleContains, Text: *a.TitleContains})
	}
	if len(preds) != 1 {
		return schemas.Predicate{}, "", fmt.Errorf("assert needs exactly one predicate, got %d", len(preds))
	}
	return preds[0], frame, nil
}
