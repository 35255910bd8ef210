// Package visibility forces a form's visibility dropdown to its private option.
//
// A Controller lives for one page load. It attempts immediately, retries on a
// bounded ticker, and re-attempts on every subtree mutation until the value
// actually changes or the page unloads. The first change raises exactly one
// alert and disconnects the observer.
package visibility

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/pagepilot/internal/dom"
	"github.com/Rorqualx/pagepilot/internal/rules"
	"github.com/Rorqualx/pagepilot/internal/scripts"
)

// Name identifies the script in outcomes, events and metrics.
const Name = "visibility"

// Result describes one application of the private option.
type Result struct {
	Changed bool
	// From is the label selected before, or "" when unknown.
	From string
	// To is the target label, or "" when the control has no such option.
	To string
}

// Controller holds the per-page state of the override.
type Controller struct {
	doc   dom.Document
	rules rules.Visibility
	sink  scripts.Sink

	mu       sync.Mutex
	notified bool
	observer dom.Observer
	attempts int
	found    bool
	last     Result
	alert    string
	observed bool
}

// New creates a Controller for doc.
func New(doc dom.Document, r rules.Visibility, sink scripts.Sink) *Controller {
	return &Controller{doc: doc, rules: r, sink: sink}
}

// Notified reports whether the alert has fired.
func (c *Controller) Notified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notified
}

// LocateControl returns the first select offering the target label, looking
// at selects hidden from assistive technology before all others.
func (c *Controller) LocateControl(ctx context.Context) dom.Element {
	for _, sel := range []string{c.rules.HiddenSelectSelector, c.rules.SelectSelector} {
		els, err := c.doc.QueryAll(ctx, sel)
		if err != nil {
			log.Debug().Err(err).Str("selector", sel).Msg("Select query failed")
			continue
		}
		for _, el := range els {
			opts, err := el.Options(ctx)
			if err != nil {
				log.Debug().Err(err).Msg("Reading select options failed")
				continue
			}
			if indexOf(opts, c.rules.Label) >= 0 {
				return el
			}
		}
	}
	return nil
}

func indexOf(opts []dom.Option, label string) int {
	for i, o := range opts {
		if strings.TrimSpace(o.Text) == label {
			return i
		}
	}
	return -1
}

// selectedLabel mirrors select.selectedOptions[0].textContent. A single
// select keeps the last option marked selected.
func selectedLabel(opts []dom.Option, value string) string {
	for i := len(opts) - 1; i >= 0; i-- {
		if opts[i].Selected {
			return opts[i].Text
		}
	}
	for _, o := range opts {
		if o.Value == value {
			return o.Text
		}
	}
	return ""
}

// ApplyPrivate selects the target option on el. It fires input and change
// events and blurs el if it had focus. An already-private control is left
// untouched.
func (c *Controller) ApplyPrivate(ctx context.Context, el dom.Element) (Result, error) {
	opts, err := el.Options(ctx)
	if err != nil {
		return Result{}, err
	}
	idx := indexOf(opts, c.rules.Label)
	if idx < 0 {
		return Result{}, nil
	}
	target := opts[idx]

	before, err := el.Value(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{From: selectedLabel(opts, before), To: c.rules.Label}
	if before == target.Value {
		return res, nil
	}

	if err := el.SetValue(ctx, target.Value); err != nil {
		return res, err
	}
	for _, name := range []string{"input", "change"} {
		if err := el.DispatchEvent(ctx, name); err != nil {
			return res, err
		}
	}
	if focused, err := el.Focused(ctx); err == nil && focused {
		if err := el.Blur(ctx); err != nil {
			log.Debug().Err(err).Msg("Blur failed")
		}
	}

	after, err := el.Value(ctx)
	if err != nil {
		return res, err
	}
	res.Changed = before != after
	return res, nil
}

// Attempt locates the control and applies the private option once. The first
// change alerts and disconnects the observer.
func (c *Controller) Attempt(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	c.sink.Emit(Name, scripts.EventAttempt, c.attempts, "")

	el := c.LocateControl(ctx)
	if el == nil {
		c.found = false
		return Result{}
	}

	res, err := c.ApplyPrivate(ctx, el)
	if err != nil {
		log.Debug().Err(err).Int("attempt", c.attempts).Msg("Applying private option failed")
		return Result{}
	}
	c.found = true
	c.last = res

	if res.Changed && !c.notified {
		c.notified = true
		c.alert = c.rules.FormatAlert(res.From, res.To)
		if err := c.doc.Alert(ctx, c.alert); err != nil {
			log.Warn().Err(err).Msg("Failed to show alert")
		}
		c.sink.Emit(Name, scripts.EventAlert, c.attempts, c.alert)
		c.disconnectLocked("applied")
	}
	return res
}

// Stop disconnects the observer. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked("stopped")
}

func (c *Controller) disconnectLocked(reason string) {
	if c.observer == nil || !c.observer.Connected() {
		return
	}
	c.observer.Disconnect()
	c.sink.Emit(Name, scripts.EventDisconnect, c.attempts, reason)
}

// Run drives the override until the value changes, the page unloads or ctx
// ends. The observer is always disconnected on return.
func (c *Controller) Run(ctx context.Context) scripts.Outcome {
	start := time.Now()

	unloaded := make(chan struct{})
	var unloadOnce sync.Once
	cancelUnload := c.doc.OnUnload(func() {
		unloadOnce.Do(func() { close(unloaded) })
		c.Stop()
	})
	defer cancelUnload()
	defer c.Stop()

	if c.Attempt(ctx).Changed {
		return c.outcome(scripts.StatusApplied, start)
	}

	mutations := make(chan struct{}, 1)
	obs, err := c.doc.Observe(ctx, func() {
		select {
		case mutations <- struct{}{}:
		default:
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Mutation observer unavailable, polling only")
	} else {
		c.mu.Lock()
		c.observer = obs
		c.observed = true
		c.mu.Unlock()
		c.sink.Emit(Name, scripts.EventObserve, c.attemptCount(), "")
	}

	ticker := time.NewTicker(c.rules.Interval)
	defer ticker.Stop()
	tick := ticker.C
	ticks := 0
	if c.rules.MaxAttempts == 0 {
		ticker.Stop()
		tick = nil
	}

	for {
		select {
		case <-ctx.Done():
			return c.outcome(c.pendingStatus(), start)

		case <-unloaded:
			return c.outcome(scripts.StatusUnloaded, start)

		case <-tick:
			ticks++
			if ticks >= c.rules.MaxAttempts {
				ticker.Stop()
				tick = nil
				log.Debug().Int("ticks", ticks).Msg("Retry budget exhausted, observer only")
			}
			if c.Attempt(ctx).Changed {
				return c.outcome(scripts.StatusApplied, start)
			}

		case <-mutations:
			if c.Attempt(ctx).Changed {
				return c.outcome(scripts.StatusApplied, start)
			}
		}
	}
}

func (c *Controller) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller) pendingStatus() scripts.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.found {
		return scripts.StatusUnchanged
	}
	return scripts.StatusNotFound
}

func (c *Controller) outcome(status scripts.Status, start time.Time) scripts.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := scripts.Outcome{
		Script:     Name,
		Status:     status,
		Attempts:   c.attempts,
		From:       c.last.From,
		To:         c.last.To,
		Alert:      c.alert,
		Observed:   c.observed,
		DurationMs: time.Since(start).Milliseconds(),
	}
	c.sink.Emit(Name, scripts.EventDone, c.attempts, string(status))
	return out
}

// Script runs a fresh Controller on every page.
type Script struct {
	Rules rules.Visibility
	Sink  scripts.Sink
}

// Name implements scripts.Script.
func (Script) Name() string { return Name }

// Run implements scripts.Script.
func (s Script) Run(ctx context.Context, doc dom.Document) scripts.Outcome {
	return New(doc, s.Rules, s.Sink).Run(ctx)
}
