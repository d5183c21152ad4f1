package pipeline

import (
	"context"
	"sync"
)

// Supervisor runs at most one task at a time. Starting a task cancels the
// one in flight and waits for it to unwind first, so the latest trigger
// always wins.
type Supervisor struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Trigger cancels the current task, waits for it to return, then starts fn
// in a new goroutine with a context derived from ctx. The returned channel
// receives fn's error.
func (s *Supervisor) Trigger(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	result := make(chan error, 1)
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer cancel()
		result <- fn(runCtx)
	}()
	return result
}

// Stop cancels the current task, if any, and waits for it to return.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Busy reports whether a task is running.
func (s *Supervisor) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}
