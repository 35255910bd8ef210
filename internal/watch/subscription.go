// Package watch provides a stop-once wrapper for event subscriptions.
//
// Observers in this module are torn down from several places: on success,
// when the watched region disappears, on page unload and when a run ends.
// A Subscription makes every one of those calls safe.
package watch

import (
	"sync"
	"sync/atomic"
)

// Subscription owns a stop function and guarantees it runs at most once.
type Subscription struct {
	once    sync.Once
	stop    func()
	stopped atomic.Bool
	done    chan struct{}
}

// New returns an active Subscription. stop may be nil.
func New(stop func()) *Subscription {
	return &Subscription{
		stop: stop,
		done: make(chan struct{}),
	}
}

// Stop runs the stop function on the first call and is a no-op afterwards.
// It is safe for concurrent use.
func (s *Subscription) Stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.stopped.Store(true)
		if s.stop != nil {
			s.stop()
		}
		close(s.done)
	})
}

// Stopped reports whether Stop has been called.
func (s *Subscription) Stopped() bool {
	if s == nil {
		return true
	}
	return s.stopped.Load()
}

// Done is closed once the stop function has returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
