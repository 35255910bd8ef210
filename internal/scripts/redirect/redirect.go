// Package redirect clicks through a messaging app's transitional redirect page.
package redirect

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
const Name = "redirect"

// Controller activates the redirect link once per page load.
type Controller struct {
	doc   dom.Document
	rules rules.Redirect
	sink  scripts.Sink

	mu       sync.Mutex
	observer dom.Observer
	attempts int
	observed bool
}

// New creates a Controller for doc.
func New(doc dom.Document, r rules.Redirect, sink scripts.Sink) *Controller {
	return &Controller{doc: doc, rules: r, sink: sink}
}

// LocateAndClick clicks the redirect link under root. It reports false when
// the link is missing or the click fails.
func (c *Controller) LocateAndClick(ctx context.Context, root dom.Root) bool {
	link, err := root.Query(ctx, c.rules.LinkQuery())
	if err != nil {
		log.Debug().Err(err).Msg("Redirect link query failed")
		return false
	}
	if link == nil {
		return false
	}
	if err := link.Click(ctx); err != nil {
		log.Debug().Err(err).Msg("Redirect link click failed")
		return false
	}
	c.sink.Emit(Name, scripts.EventClick, c.attemptCount(), "")
	return true
}

// attempt clicks within the container when present, else within root.
func (c *Controller) attempt(ctx context.Context, fallback dom.Root) (clicked, containerPresent bool) {
	c.mu.Lock()
	c.attempts++
	n := c.attempts
	c.mu.Unlock()
	c.sink.Emit(Name, scripts.EventAttempt, n, "")

	container, err := c.doc.Query(ctx, c.rules.ContainerSelector)
	if err != nil {
		log.Debug().Err(err).Msg("Redirect container query failed")
	}
	root := fallback
	if container != nil {
		root = container
	}
	if root == nil {
		return false, false
	}
	return c.LocateAndClick(ctx, root), container != nil
}

// Stop disconnects the observer. Safe to call more than once.
func (c *Controller) Stop() {
	c.disconnect("stopped")
}

func (c *Controller) disconnect(reason string) {
	c.mu.Lock()
	obs := c.observer
	n := c.attempts
	c.mu.Unlock()

	if obs == nil || !obs.Connected() {
		return
	}
	obs.Disconnect()
	c.sink.Emit(Name, scripts.EventDisconnect, n, reason)
}

// Run clicks the redirect link if the page is a transitional page. Other pages
// are left untouched.
func (c *Controller) Run(ctx context.Context) scripts.Outcome {
	start := time.Now()

	path, err := c.doc.Path(ctx)
	if err != nil {
		return c.failed(err, start)
	}
	if !strings.HasPrefix(path, c.rules.PathPrefix) {
		return c.outcome(scripts.StatusInactive, start)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unloaded := make(chan struct{})
	var unloadOnce sync.Once
	cancelUnload := c.doc.OnUnload(func() {
		unloadOnce.Do(func() { close(unloaded) })
		c.disconnect("unload")
		cancel()
	})
	defer cancelUnload()
	defer c.Stop()

	state, err := c.doc.ReadyState(runCtx)
	if err != nil {
		return c.failed(err, start)
	}
	if state == dom.ReadyLoading {
		if err := c.doc.WaitReady(runCtx); err != nil {
			return c.outcome(c.endStatus(unloaded), start)
		}
	}

	if clicked, _ := c.attempt(runCtx, c.doc); clicked {
		return c.outcome(scripts.StatusClicked, start)
	}

	mutations := make(chan struct{}, 1)
	obs, err := c.doc.Observe(runCtx, func() {
		select {
		case mutations <- struct{}{}:
		default:
		}
	})
	if err != nil {
		if runCtx.Err() != nil {
			return c.outcome(c.endStatus(unloaded), start)
		}
		return c.failed(err, start)
	}
	c.mu.Lock()
	c.observer = obs
	c.observed = true
	n := c.attempts
	c.mu.Unlock()
	c.sink.Emit(Name, scripts.EventObserve, n, "")

	for {
		select {
		case <-runCtx.Done():
			return c.outcome(c.endStatus(unloaded), start)

		case <-mutations:
			clicked, present := c.attempt(runCtx, nil)
			if clicked {
				c.disconnect("clicked")
				return c.outcome(scripts.StatusClicked, start)
			}
			if !present {
				c.disconnect("container gone")
				return c.outcome(scripts.StatusAbandoned, start)
			}
		}
	}
}

func (c *Controller) endStatus(unloaded <-chan struct{}) scripts.Status {
	select {
	case <-unloaded:
		return scripts.StatusUnloaded
	default:
		return scripts.StatusNotFound
	}
}

func (c *Controller) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Controller) failed(err error, start time.Time) scripts.Outcome {
	log.Warn().Err(err).Str("script", Name).Msg("Redirect run failed")
	out := c.outcome(scripts.StatusFailed, start)
	out.Error = err.Error()
	return out
}

func (c *Controller) outcome(status scripts.Status, start time.Time) scripts.Outcome {
	c.mu.Lock()
	out := scripts.Outcome{
		Script:     Name,
		Status:     status,
		Attempts:   c.attempts,
		Observed:   c.observed,
		DurationMs: time.Since(start).Milliseconds(),
	}
	c.mu.Unlock()
	c.sink.Emit(Name, scripts.EventDone, out.Attempts, string(status))
	return out
}

// Script runs a fresh Controller on every page.
type Script struct {
	Rules rules.Redirect
	Sink  scripts.Sink
}

// Name implements scripts.Script.
func (Script) Name() string { return Name }

// Run implements scripts.Script.
func (s Script) Run(ctx context.Context, doc dom.Document) scripts.Outcome {
	return New(doc, s.Rules, s.Sink).Run(ctx)
}
