package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/uiprobe/api/schemas"
	"github.com/xkilldash9x/uiprobe/internal/browser/browsertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Recorded paths from the property site.
const (
	navProperties = "/html/body/nav/div/div/div[1]/a[2]"
	navContact    = "/html/body/nav/div/div/div[1]/a[6]"
	filtersButton = "/html/body/main/section[1]/div[2]/div[1]/button"
	cityCombobox  = "/html/body/main/section[1]/div[2]/div[2]/div/div[2]/div[1]/button"
	cityPune      = "/html/body/div[3]/div/div/div[8]"
	propertyCard  = ".property-card"
	contactName   = "/html/body/main/section[3]/div/div/div[1]/div/form/div[1]/div[1]/input"
	contactEmail  = "/html/body/main/section[3]/div/div/div[1]/div/form/div[1]/div[2]/input"
	contactSubmit = "/html/body/main/section[3]/div/div/div[1]/div/form/button"
	contactThanks = "Thank you for your message"
)

func testOptions() Options {
	return Options{
		DefaultTimeout:    300 * time.Millisecond,
		NavigationTimeout: 300 * time.Millisecond,
		DOMReadyTimeout:   80 * time.Millisecond,
		LoadStateTimeout:  80 * time.Millisecond,
		AssertTimeout:     120 * time.Millisecond,
		ActionTimeout:     200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		BaseURL:           "http://estate.test",
	}
}

// propertySite renders a small model of the real-estate application: a home
// page with navigation, a listing page whose city filter loads asynchronously,
// and a contact page whose form only acknowledges complete submissions.
func propertySite(p *browsertest.Page, url string) {
	main := p.Main()
	switch {
	case strings.HasSuffix(url, "/contact"):
		p.SetTitle("Contact Us")
		renderContact(main)
	default:
		p.SetTitle("Estate Finder")
		props := main.Add(navProperties, browsertest.Button("Properties"))
		props.OnClick = func(p *browsertest.Page) {
			p.SetURL("http://estate.test/properties")
			renderListing(p.Main())
		}
		contact := main.Add(navContact, browsertest.Button("Contact"))
		contact.OnClick = func(p *browsertest.Page) {
			p.SetURL("http://estate.test/contact")
			renderContact(p.Main())
		}
	}
}

func renderListing(main *browsertest.Frame) {
	filters := main.Add(filtersButton, browsertest.Button("Filters"))
	filters.OnClick = func(p *browsertest.Page) {
		combo := browsertest.Button("All cities")
		combo.VisibleAfter = 20 * time.Millisecond
		combo.OnClick = func(p *browsertest.Page) {
			pune := browsertest.Button("Pune")
			// The option list is fetched before it renders.
			pune.AppearAfter = 40 * time.Millisecond
			pune.OnClick = func(p *browsertest.Page) {
				for i := 0; i < 3; i++ {
					card := browsertest.NewElement()
					card.TextContent = "3 BHK Apartment, Pune"
					p.Main().Add(propertyCard, card)
				}
			}
			p.Main().Add(cityPune, pune)
		}
		p.Main().Add(cityCombobox, combo)
	}
}

func renderContact(main *browsertest.Frame) {
	name := main.Add(contactName, browsertest.NewElement())
	email := main.Add(contactEmail, browsertest.NewElement())
	submit := main.Add(contactSubmit, browsertest.Button("Send Message"))
	submit.OnClick = func(p *browsertest.Page) {
		if name.CurrentValue() == "" || email.CurrentValue() == "" {
			return
		}
		thanks := browsertest.NewElement()
		thanks.TextContent = contactThanks
		thanks.AppearAfter = 20 * time.Millisecond
		p.Main().Add(contactThanks, thanks)
	}
}

// fixture wires a fake session with one page, a tracker and an executor.
type fixture struct {
	automation *browsertest.Automation
	session    *browsertest.Session
	page       *browsertest.Page
	tracker    *Tracker
	exec       *Executor
	cur        Context
}

func newFixture(t *testing.T, site browsertest.Site, opts Options) *fixture {
	t.Helper()
	a := browsertest.NewAutomation(site)
	s, err := a.NewSession(context.Background())
	require.NoError(t, err)
	p, err := s.NewPage(context.Background())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	f := &fixture{
		automation: a,
		session:    s.(*browsertest.Session),
		page:       p.(*browsertest.Page),
		tracker:    NewTracker(s, true, logger),
		exec:       NewExecutor(opts, nil, logger),
	}
	f.cur = f.tracker.Initial(p)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return f
}

// run executes steps in order, threading the context, and returns every outcome.
func (f *fixture) run(t *testing.T, steps ...schemas.Step) []schemas.StepOutcome {
	t.Helper()
	var outs []schemas.StepOutcome
	for i, step := range steps {
		out, next := f.exec.Execute(context.Background(), f.tracker, f.cur, i, step)
		outs = append(outs, out)
		f.cur = next
	}
	return outs
}

func nopLogger() *zap.Logger { return zap.NewNop() }

func ref(raw string) schemas.ElementRef { return schemas.MustRef(raw) }
