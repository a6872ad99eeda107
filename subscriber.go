package reqcast

import (
	"sync/atomic"
)

// subscriber is an individual listener attached to a single channel.
type subscriber[T any] struct {
	id      uint64
	onValue func(T)
	doneC   <-chan struct{}
	onClose func()
	closed  *atomic.Bool
}

func newSubscriber[T any](id uint64, conf SubscriberConfig[T]) *subscriber[T] {
	return &subscriber[T]{
		id:      id,
		onValue: conf.OnValue,
		doneC:   conf.Done,
		onClose: conf.OnClose,
		closed:  new(atomic.Bool),
	}
}

// active reports whether a value may still be delivered to this subscriber.
func (s *subscriber[T]) active() bool {
	if s.closed.Load() {
		return false
	}
	if s.doneC != nil {
		select {
		case <-s.doneC:
			return false
		default:
		}
	}
	return true
}

// send delivers the message if the subscriber is still active at delivery time.
func (s *subscriber[T]) send(message T) bool {
	if !s.active() || s.onValue == nil {
		return false
	}
	s.onValue(message)
	return true
}

// close marks the subscriber closed, notify runs the OnClose hook.
func (s *subscriber[T]) close(notify bool) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	if notify && s.onClose != nil {
		s.onClose()
	}
	return true
}

// Subscription is the handle returned by Registry.Subscribe.
type Subscription struct {
	channel string
	cancel  func() bool
	active  func() bool
}

// Channel returns the id of the channel this subscription listens on.
func (s *Subscription) Channel() string {
	return s.channel
}

// Cancel detaches the subscription from its channel. It is safe to call more than once
// and after the channel was deleted; only the first effective call returns true.
func (s *Subscription) Cancel() bool {
	if s == nil || s.cancel == nil {
		return false
	}
	return s.cancel()
}

// Active reports whether the subscription can still receive values.
func (s *Subscription) Active() bool {
	if s == nil || s.active == nil {
		return false
	}
	return s.active()
}
