package reqcast

import "sync"

// signal is a close-once stop channel. It is attached to anything whose lifetime
// can be ended from another goroutine: a scope, a scheduled task, a tracker.
// calling stop() closes stopC exactly once so every waiter observes it.
type signal struct {
	stopC  chan struct{}
	closed bool
	mu     *sync.Mutex
}

func newSignal() *signal {
	return &signal{
		stopC: make(chan struct{}),
		mu:    new(sync.Mutex),
	}
}

// stop closes the signal, it reports whether this call was the one that closed it.
func (s *signal) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.stopC)
	return true
}

func (s *signal) stopped() bool {
	select {
	case <-s.stopC:
		return true
	default:
		return false
	}
}

// closedC returns a channel that is already closed, used for scopes handed out
// after their owner is gone.
func closedC() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
