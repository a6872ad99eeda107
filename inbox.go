package reqcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox buffers the values published on one registry channel so they can be pulled
// instead of handled in a callback. A full buffer drops its oldest value.
type Inbox[T any] struct {
	ch      chan T
	bufSize int
	sub     *Subscription
	dropped *atomic.Int64

	closed bool
	mu     *sync.Mutex
}

// NewInbox subscribes a buffer of bufSize values to channelID. The inbox closes when
// the channel is deleted or Close is called.
func NewInbox[T any](registry *Registry[T], channelID string, bufSize int) *Inbox[T] {
	if bufSize < 1 {
		bufSize = 1
	}

	in := &Inbox[T]{
		ch:      make(chan T, bufSize),
		bufSize: bufSize,
		dropped: new(atomic.Int64),
		mu:      new(sync.Mutex),
	}
	in.sub = registry.Subscribe(SubscriberConfig[T]{
		Channel: channelID,
		OnValue: in.send,
		OnClose: in.close,
	})
	return in
}

// C returns the receive side of the inbox, it is closed with the inbox.
func (in *Inbox[T]) C() <-chan T {
	return in.ch
}

// NextMsg waits up to duration for the next value.
func (in *Inbox[T]) NextMsg(duration time.Duration) (T, bool) {
	var empty T

	timeout := time.NewTimer(duration)
	defer timeout.Stop()

	select {
	case <-timeout.C:
		return empty, false
	case msg, ok := <-in.ch:
		return msg, ok
	}
}

// NextMsgWithContext waits for the next value until ctx is done.
func (in *Inbox[T]) NextMsgWithContext(ctx context.Context) (T, bool) {
	var empty T
	select {
	case <-ctx.Done():
		return empty, false
	case msg, ok := <-in.ch:
		return msg, ok
	}
}

// Fetch collects up to size values, returning early when the duration elapses or the
// inbox closes.
func (in *Inbox[T]) Fetch(size int, duration time.Duration) []T {
	batch := make([]T, 0, size)
	timeout := time.NewTimer(duration)
	defer timeout.Stop()

	for len(batch) < size {
		select {
		case <-timeout.C:
			return batch
		case msg, ok := <-in.ch:
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		}
	}
	return batch
}

// Dropped returns how many values were discarded because the buffer was full.
func (in *Inbox[T]) Dropped() int64 {
	return in.dropped.Load()
}

// Close detaches the inbox from its channel and closes C.
func (in *Inbox[T]) Close() {
	in.sub.Cancel()
	in.close()
}

func (in *Inbox[T]) send(message T) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}

	select {
	case in.ch <- message:
		return
	default:
	}

	// full, make room by discarding the oldest value.
	select {
	case <-in.ch:
		in.dropped.Add(1)
	default:
	}
	select {
	case in.ch <- message:
	default:
		in.dropped.Add(1)
	}
}

func (in *Inbox[T]) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.closed = true
		close(in.ch)
	}
}
