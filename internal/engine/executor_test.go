package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser/browsertest"
)

func TestExecutor_Navigate(t *testing.T) {
	t.Run("ResolvesRelativeURL", func(t *testing.T) {
		f := newFixture(t, propertySite, testOptions())
		outs := f.run(t, schemas.Navigate("/contact"))

		require.Len(t, outs, 1)
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Empty(t, outs[0].Diagnostic)
		assert.Equal(t, []string{"http://estate.test/contact"}, f.page.Navigations())
		assert.Same(t, f.page.Main(), f.cur.Frame)
	})

	t.Run("ReturnsOnCommitWhenFramesLag", func(t *testing.T) {
		site := func(p *browsertest.Page, url string) {
			p.Main().AddChild("map", "http://maps.test/embed").HoldAt(schemas.LoadCommitted)
		}
		f := newFixture(t, site, testOptions())

		start := time.Now()
		outs := f.run(t, schemas.Navigate("http://estate.test/"))
		elapsed := time.Since(start)

		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Equal(t, "committed; not yet domcontentloaded: map", outs[0].Diagnostic)
		assert.Less(t, elapsed, time.Second, "the readiness wait is bounded by one shared budget")
	})

	t.Run("CommitTimeoutIsNavigationFailed", func(t *testing.T) {
		f := newFixture(t, propertySite, testOptions())
		f.automation.NavigateDelay = time.Second

		outs := f.run(t, schemas.Navigate("/properties"))
		assert.Equal(t, schemas.StepFailed, outs[0].Status)
		assert.Equal(t, schemas.ErrNavigationFailed, outs[0].ErrorKind)
		assert.Equal(t, "expected commit within 300ms, observed no commit", outs[0].Diagnostic)
	})

	t.Run("BrowserErrorIsNavigationFailed", func(t *testing.T) {
		f := newFixture(t, propertySite, testOptions())
		f.page.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

		outs := f.run(t, schemas.Navigate("/"))
		assert.Equal(t, schemas.ErrNavigationFailed, outs[0].ErrorKind)
		assert.Contains(t, outs[0].Diagnostic, "ERR_NAME_NOT_RESOLVED")
	})

	t.Run("RelativeURLWithoutBase", func(t *testing.T) {
		opts := testOptions()
		opts.BaseURL = ""
		f := newFixture(t, propertySite, opts)

		outs := f.run(t, schemas.Navigate("/contact"))
		assert.Equal(t, schemas.ErrInvalidStep, outs[0].ErrorKind)
		assert.Empty(t, f.page.Navigations())
	})
}

func TestExecutor_Click(t *testing.T) {
	t.Run("ActsExactlyOnce", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		btn := f.page.Main().Add(filtersButton, browsertest.Button("Filters"))
		btn.VisibleAfter = 30 * time.Millisecond

		outs := f.run(t, schemas.Click(ref(filtersButton)))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Equal(t, 1, btn.Clicks())
		assert.Equal(t, 1, outs[0].Matched)
	})

	t.Run("ClickErrorIsNotRetried", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		btn := f.page.Main().Add(filtersButton, browsertest.Button("Filters"))
		btn.ClickErr = errors.New("node is detached from document")

		outs := f.run(t, schemas.Click(ref(filtersButton)))
		assert.Equal(t, schemas.StepFailed, outs[0].Status)
		assert.Equal(t, schemas.ErrActionFailed, outs[0].ErrorKind)
		assert.Zero(t, btn.Clicks())
	})

	t.Run("NeverVisibleFailsWithActionableTimeout", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		btn := f.page.Main().Add(filtersButton, browsertest.Button("Filters"))
		btn.Hidden = true

		outs := f.run(t, schemas.Click(ref(filtersButton)))
		assert.Equal(t, schemas.StepFailed, outs[0].Status)
		assert.Equal(t, schemas.ErrActionableTimeout, outs[0].ErrorKind)
		assert.Contains(t, outs[0].Diagnostic, "not visible")
		assert.Zero(t, btn.Clicks())
	})

	t.Run("MissingElementIsElementNotFound", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		step := schemas.Click(ref(cityPune))
		step.Timeout = 50 * time.Millisecond

		outs := f.run(t, step)
		assert.Equal(t, schemas.ErrElementNotFound, outs[0].ErrorKind)
	})

	t.Run("OptionalStepIsSkipped", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		step := schemas.Click(ref("#cookie-banner button"))
		step.Optional = true
		step.Timeout = 40 * time.Millisecond

		outs := f.run(t, step)
		assert.Equal(t, schemas.StepSkipped, outs[0].Status)
		assert.Equal(t, schemas.ErrElementNotFound, outs[0].ErrorKind)
	})

	t.Run("SettleOverride", func(t *testing.T) {
		opts := testOptions()
		opts.Settle = 500 * time.Millisecond
		f := newFixture(t, nil, opts)
		f.page.Main().Add(filtersButton, browsertest.Button("Filters"))

		step := schemas.Click(ref(filtersButton))
		zero := time.Duration(0)
		step.Settle = &zero

		start := time.Now()
		outs := f.run(t, step)
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})
}

func TestExecutor_Fill(t *testing.T) {
	t.Run("LastFillWins", func(t *testing.T) {
		f := newFixture(t, propertySite, testOptions())
		f.run(t, schemas.Navigate("/contact"))
		outs := f.run(t,
			schemas.Fill(ref(contactName), "Asha"),
			schemas.Fill(ref(contactName), "Asha Rao"),
		)
		for _, o := range outs {
			assert.Equal(t, schemas.StepSucceeded, o.Status)
		}

		res, err := Resolver{}.Resolve(context.Background(), f.page.Main(), ref(contactName))
		require.NoError(t, err)
		field := res.Element.(*browsertest.Element)
		assert.Equal(t, "Asha Rao", field.CurrentValue())
		assert.Equal(t, []string{"Asha", "Asha Rao"}, field.Fills())
	})

	t.Run("ReadOnlyFieldTimesOut", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		field := f.page.Main().Add(contactEmail, browsertest.NewElement())
		field.ReadOnly = true
		step := schemas.Fill(ref(contactEmail), "a@b.test")
		step.Timeout = 60 * time.Millisecond

		outs := f.run(t, step)
		assert.Equal(t, schemas.ErrActionableTimeout, outs[0].ErrorKind)
		assert.Contains(t, outs[0].Diagnostic, "not editable")
		assert.Empty(t, field.Fills())
	})

	t.Run("EmptyAfterFillFails", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		// A control that drops typed text, as a select does.
		field := f.page.Main().Add("#city", browsertest.NewElement())
		field.FillTransform = func(string) string { return "" }

		outs := f.run(t, schemas.Fill(ref("#city"), "Pune"))
		assert.Equal(t, schemas.StepFailed, outs[0].Status)
		assert.Equal(t, schemas.ErrActionFailed, outs[0].ErrorKind)
		assert.Equal(t, `expected field holding "Pune", observed field is empty`, outs[0].Diagnostic)
		assert.Equal(t, []string{"Pune"}, field.Fills())
	})

	t.Run("ClearingToEmptySucceeds", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		field := f.page.Main().Add("#search", browsertest.NewElement())

		outs := f.run(t, schemas.Fill(ref("#search"), "Pune"), schemas.Fill(ref("#search"), ""))
		assert.Equal(t, schemas.StepSucceeded, outs[1].Status)
		assert.Empty(t, field.CurrentValue())
	})

	t.Run("MaskedValueIsNoted", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		field := f.page.Main().Add("#phone", browsertest.NewElement())
		field.FillTransform = func(s string) string { return "+91 " + s }

		outs := f.run(t, schemas.Fill(ref("#phone"), "9876543210"))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Equal(t, `field now holds "+91 9876543210"`, outs[0].Diagnostic)
	})
}

func TestExecutor_WaitForLoadState(t *testing.T) {
	t.Run("Reached", func(t *testing.T) {
		f := newFixture(t, propertySite, testOptions())
		outs := f.run(t, schemas.Navigate("/"), schemas.WaitForLoadState(schemas.LoadNetworkIdle))
		assert.Equal(t, schemas.StepSucceeded, outs[1].Status)
	})

	t.Run("TimeoutIsNonFatal", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		f.page.Main().HoldAt(schemas.LoadDOMContentLoaded)

		outs := f.run(t, schemas.WaitForLoadState(schemas.LoadNetworkIdle))
		assert.Equal(t, schemas.StepSkipped, outs[0].Status)
		assert.Equal(t, schemas.ErrLoadStateTimeout, outs[0].ErrorKind)
		assert.Equal(t, "expected networkidle within 80ms, observed domcontentloaded", outs[0].Diagnostic)
	})

	t.Run("AllFrames", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		f.page.Main().AddChild("map", "http://maps.test/").HoldAt(schemas.LoadCommitted)

		step := schemas.WaitForLoadState(schemas.LoadLoaded)
		outs := f.run(t, step)
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status, "only the current frame by default")

		step.AllFrames = true
		outs = f.run(t, step)
		assert.Equal(t, schemas.StepSkipped, outs[0].Status)
		assert.Equal(t, schemas.ErrLoadStateTimeout, outs[0].ErrorKind)
	})
}

func TestExecutor_Sleep(t *testing.T) {
	f := newFixture(t, nil, testOptions())

	start := time.Now()
	outs := f.run(t, schemas.Sleep(30*time.Millisecond))
	assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start = time.Now()
	out, _ := f.exec.Execute(ctx, f.tracker, f.cur, 1, schemas.Sleep(5*time.Second))
	assert.Equal(t, schemas.StepFailed, out.Status)
	assert.Equal(t, schemas.ErrCancelled, out.ErrorKind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecutor_Assert(t *testing.T) {
	t.Run("HiddenHoldsForWindow", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		start := time.Now()
		outs := f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateHidden, Ref: ref(contactThanks)}))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond, "absence is observed for the full window")
	})

	t.Run("HiddenFailsOnLateAppearance", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		late := browsertest.NewElement()
		late.AppearAfter = 60 * time.Millisecond
		f.page.Main().Add(contactThanks, late)

		outs := f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateHidden, Ref: ref(contactThanks)}))
		assert.Equal(t, schemas.StepFailed, outs[0].Status)
		assert.Equal(t, schemas.ErrAssertionMismatch, outs[0].ErrorKind)
		assert.Equal(t, "expected absent for 120ms, observed element visible", outs[0].Diagnostic)
	})

	t.Run("HiddenElementCountsAsHidden", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		el := browsertest.NewElement()
		el.Hidden = true
		f.page.Main().Add("#error", el)

		outs := f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateHidden, Ref: ref("#error")}))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
	})

	t.Run("VisibleWaitsUntilTrue", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		el := browsertest.NewElement()
		el.AppearAfter = 40 * time.Millisecond
		f.page.Main().Add(contactThanks, el)

		outs := f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateVisible, Ref: ref(contactThanks)}))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
	})

	t.Run("VisibleLeavesScrollPositionAlone", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		el := browsertest.NewElement()
		el.Offscreen = true
		f.page.Main().Add("#footer", el)

		outs := f.run(t,
			schemas.Assert(schemas.Predicate{Kind: schemas.PredicateVisible, Ref: ref("#footer")}),
			schemas.Assert(schemas.Predicate{Kind: schemas.PredicateHidden, Ref: ref("#missing")}),
		)
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Equal(t, schemas.StepSucceeded, outs[1].Status)
		assert.Zero(t, el.Scrolls(), "assertions only observe")

		outs = f.run(t, schemas.Click(ref("#footer")))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Equal(t, 1, el.Scrolls())
		assert.Equal(t, 1, el.Clicks())
	})

	t.Run("VisibleMismatch", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		outs := f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateVisible, Ref: ref(contactThanks)}))
		assert.Equal(t, schemas.ErrAssertionMismatch, outs[0].ErrorKind)
		assert.Equal(t, "expected element visible, observed no matching element", outs[0].Diagnostic)
	})

	t.Run("TextContainsNormalizesWhitespace", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		el := browsertest.NewElement()
		el.TextContent = "  Thank you\n   for your   message!  "
		f.page.Main().Add("#toast", el)

		outs := f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateTextContains, Ref: ref("#toast"), Text: contactThanks}))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)

		outs = f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateTextContains, Ref: ref("#toast"), Text: "Sorry"}))
		assert.Equal(t, schemas.ErrAssertionMismatch, outs[0].ErrorKind)
		assert.Equal(t, `expected text containing "Sorry", observed text "Thank you for your message!"`, outs[0].Diagnostic)
	})

	t.Run("CountAtLeast", func(t *testing.T) {
		f := newFixture(t, nil, testOptions())
		for i := 0; i < 2; i++ {
			f.page.Main().Add(propertyCard, browsertest.NewElement())
		}
		late := browsertest.NewElement()
		late.AppearAfter = 30 * time.Millisecond
		f.page.Main().Add(propertyCard, late)

		outs := f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateCountAtLeast, Ref: ref(propertyCard), Count: 3}))
		assert.Equal(t, schemas.StepSucceeded, outs[0].Status)
		assert.Equal(t, 3, outs[0].Matched)

		outs = f.run(t, schemas.Assert(schemas.Predicate{Kind: schemas.PredicateCountAtLeast, Ref: ref(propertyCard), Count: 5}))
		assert.Equal(t, schemas.ErrAssertionMismatch, outs[0].ErrorKind)
		assert.Equal(t, "expected at least 5 match(es), observed 3 match(es)", outs[0].Diagnostic)
	})

	t.Run("PageLevel", func(t *testing.T) {
		f := newFixture(t, propertySite, testOptions())
		outs := f.run(t,
			schemas.Navigate("/"),
			schemas.Click(ref(navContact)),
			schemas.Assert(schemas.Predicate{Kind: schemas.PredicateURLContains, Text: "/contact"}),
			schemas.Assert(schemas.Predicate{Kind: schemas.PredicateTitleContains, Text: "Estate"}),
			schemas.Assert(schemas.Predicate{Kind: schemas.PredicateURLContains, Text: "/about"}),
		)
		assert.Equal(t, schemas.StepSucceeded, outs[2].Status)
		assert.Equal(t, schemas.StepSucceeded, outs[3].Status)
		assert.Equal(t, schemas.ErrAssertionMismatch, outs[4].ErrorKind)
		assert.Equal(t, `expected url containing "/about", observed url "http://estate.test/contact"`, outs[4].Diagnostic)
	})

	t.Run("ClosedPageIsContextStale", func(t *testing.T) {
		opts := testOptions()
		f := newFixture(t, nil, opts)
		tr := NewTracker(f.session, false, nopLogger())
		cur := tr.Initial(f.page)
		f.page.Close()

		out, _ := f.exec.Execute(context.Background(), tr, cur, 0,
			schemas.Assert(schemas.Predicate{Kind: schemas.PredicateURLContains, Text: "x"}))
		assert.Equal(t, schemas.ErrContextStale, out.ErrorKind)
	})
}

func TestExecutor_InvalidStep(t *testing.T) {
	f := newFixture(t, nil, testOptions())
	outs := f.run(t,
		schemas.Step{Kind: "hover"},
		schemas.Sleep(0),
		schemas.Click(schemas.ElementRef{}),
	)
	for _, o := range outs {
		assert.Equal(t, schemas.StepFailed, o.Status)
		assert.Equal(t, schemas.ErrInvalidStep, o.ErrorKind)
	}
}

func TestExecutor_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, nil, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	step := schemas.Click(ref(filtersButton))
	step.Optional = true
	out, next := f.exec.Execute(ctx, f.tracker, f.cur, 0, step)
	assert.Equal(t, schemas.StepFailed, out.Status, "optional steps never hide cancellation")
	assert.Equal(t, schemas.ErrCancelled, out.ErrorKind)
	assert.Same(t, f.page, next.Page)
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, ref, want string
		wantErr         bool
	}{
		{"http://estate.test", "/contact", "http://estate.test/contact", false},
		{"http://estate.test/app/", "listing?city=pune", "http://estate.test/app/listing?city=pune", false},
		{"http://estate.test", "https://other.test/x", "https://other.test/x", false},
		{"", "https://other.test/x", "https://other.test/x", false},
		{"", "/contact", "", true},
		{"not a url", "/contact", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.base+" "+tt.ref, func(t *testing.T) {
			got, err := ResolveURL(tt.base, tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncateAndNormalize(t *testing.T) {
	assert.Equal(t, "a b c", normalizeSpace(" a \n b\t c "))
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, strings.Repeat("x", 4)+"...", truncate(strings.Repeat("x", 10), 4))
}
