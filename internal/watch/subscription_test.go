package watch

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSubscriptionStopRunsOnce(t *testing.T) {
	var calls atomic.Int32
	s := New(func() { calls.Add(1) })

	if s.Stopped() {
		t.Fatal("new subscription should not be stopped")
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("stop function ran %d times, want 1", got)
	}
	if !s.Stopped() {
		t.Error("expected Stopped() to be true")
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done() should be closed after Stop")
	}
}

func TestSubscriptionNilStop(t *testing.T) {
	s := New(nil)
	s.Stop()
	s.Stop()
	if !s.Stopped() {
		t.Error("expected Stopped() to be true")
	}
}

func TestNilSubscription(t *testing.T) {
	var s *Subscription
	s.Stop()
	if !s.Stopped() {
		t.Error("nil subscription should report stopped")
	}
}
