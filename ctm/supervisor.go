package ctm

import (
	"context"
	"sync"
	"sync/atomic"
)

// supervisor runs a single long-lived loop exactly once and provides
// idempotent start/stop/isRunning semantics as one reusable type.
type supervisor struct {
	loop func(ctx context.Context)

	running int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newSupervisor(loop func(ctx context.Context)) *supervisor {
	return &supervisor{loop: loop}
}

// Run starts the loop and blocks until ctx is cancelled or Stop is called,
// then waits for the loop to return.
func (s *supervisor) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return newErr(ErrKindFatal, "supervisor already running")
	}
	defer atomic.StoreInt32(&s.running, 0)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		// cleared before done closes, so Stop never returns while
		// IsRunning still reports true
		defer atomic.StoreInt32(&s.running, 0)
		s.loop(runCtx)
	}()

	<-done
	return nil
}

// Stop cancels the running loop and waits for it to finish, or for ctx to
// be cancelled first.
func (s *supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the loop is currently active.
func (s *supervisor) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}
