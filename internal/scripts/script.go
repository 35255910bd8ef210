// Package scripts defines the vocabulary shared by the page automations.
package scripts

import (
	"context"
	"time"

	"github.com/Rorqualx/pagepilot/internal/dom"
)

// Status is the terminal state of an automation run.
type Status string

// Run statuses.
const (
	// StatusApplied means the visibility control was changed.
	StatusApplied Status = "applied"
	// StatusUnchanged means the control was found already set.
	StatusUnchanged Status = "unchanged"
	StatusClicked   Status = "clicked"
	StatusNotFound  Status = "not_found"
	// StatusInactive means the page was out of scope and nothing was touched.
	StatusInactive  Status = "inactive"
	StatusAbandoned Status = "abandoned"
	StatusUnloaded  Status = "unloaded"
	StatusFailed    Status = "failed"
)

// Outcome summarizes a finished run.
type Outcome struct {
	Script     string `json:"script"`
	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Alert      string `json:"alert,omitempty"`
	Observed   bool   `json:"observed"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// EventKind classifies progress events.
type EventKind string

// Event kinds.
const (
	EventAttempt    EventKind = "attempt"
	EventObserve    EventKind = "observe"
	EventDisconnect EventKind = "disconnect"
	EventAlert      EventKind = "alert"
	EventClick      EventKind = "click"
	EventDone       EventKind = "done"
)

// Event reports progress of a run.
type Event struct {
	Script  string    `json:"script"`
	Kind    EventKind `json:"kind"`
	Attempt int       `json:"attempt,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// Sink receives events. It is called synchronously and must not block.
type Sink func(Event)

// Emit sends an event to s if s is non-nil.
func (s Sink) Emit(script string, kind EventKind, attempt int, detail string) {
	if s == nil {
		return
	}
	s(Event{Script: script, Kind: kind, Attempt: attempt, Detail: detail, Time: time.Now()})
}

// Script is a page automation.
type Script interface {
	Name() string
	// Run drives the automation on doc until it reaches a terminal state or
	// ctx ends. It never panics on page errors; they surface in the Outcome.
	Run(ctx context.Context, doc dom.Document) Outcome
}
