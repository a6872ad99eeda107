package reqcast

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

// Registry holds onto and manages the channels map with a mutex to handle read/write locks.
// It is safe for concurrent use, subscriber callbacks always run with no lock held.
type Registry[T any] struct {
	channels map[string]*channel[T]
	mu       *sync.RWMutex
	nextID   *atomic.Uint64
	logger   *slog.Logger
}

// NewRegistry returns an empty Registry. A nil logger discards all output.
func NewRegistry[T any](logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry[T]{
		channels: make(map[string]*channel[T]),
		mu:       new(sync.RWMutex),
		nextID:   new(atomic.Uint64),
		logger:   logger,
	}
}

// Create ensures a channel with the given id exists. It reports whether the channel was
// created by this call, an existing channel keeps its kind.
func (r *Registry[T]) Create(id string, kind Kind) bool {
	_, created := r.getOrCreate(id, kind)
	return created
}

func (r *Registry[T]) get(id string) (*channel[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, exists := r.channels[id]
	return ch, exists
}

func (r *Registry[T]) getOrCreate(id string, kind Kind) (*channel[T], bool) {
	if ch, exists := r.get(id); exists {
		return ch, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// double-check, another goroutine may have created it in between.
	if ch, exists := r.channels[id]; exists {
		return ch, false
	}
	ch := newChannel[T](id, kind)
	r.channels[id] = ch
	r.logger.Debug("channel created", slog.String("channel", id), slog.String("kind", kind.String()))
	return ch, true
}

// Publish sets the current value of the channel and notifies its active subscribers
// synchronously, in subscription order. A missing channel is created as Transient.
func (r *Registry[T]) Publish(id string, value T) {
	ch, _ := r.getOrCreate(id, Transient)
	ch.broadcast(value)
}

// Subscribe registers a listener on conf.Channel, creating it as Transient when missing.
// On a Replay channel holding a value the listener is invoked before Subscribe returns.
func (r *Registry[T]) Subscribe(conf SubscriberConfig[T]) *Subscription {
	ch, _ := r.getOrCreate(conf.Channel, Transient)

	sub := newSubscriber[T](r.nextID.Add(1), conf)
	replay, ok := ch.subscribe(sub)

	handle := &Subscription{
		channel: conf.Channel,
		// bound to this channel instance so a recreated channel with the same id is untouched.
		cancel: func() bool { return ch.unsubscribe(sub.id) },
		active: sub.active,
	}

	if ok {
		sub.send(replay)
	}
	return handle
}

// Value returns the current value of the channel.
func (r *Registry[T]) Value(id string) (T, error) {
	var empty T
	ch, exists := r.get(id)
	if !exists {
		return empty, fmt.Errorf("read %q: %w", id, ErrChannelNotFound)
	}
	v, ok := ch.message()
	if !ok {
		return empty, fmt.Errorf("read %q: %w", id, ErrNoValue)
	}
	return v, nil
}

// Kind returns the kind of an existing channel.
func (r *Registry[T]) Kind(id string) (Kind, bool) {
	ch, exists := r.get(id)
	if !exists {
		return Transient, false
	}
	return ch.kind, true
}

func (r *Registry[T]) Exists(id string) bool {
	_, exists := r.get(id)
	return exists
}

// Len returns the number of live channels.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Subscribers returns the number of subscriptions attached to a channel.
func (r *Registry[T]) Subscribers(id string) int {
	ch, exists := r.get(id)
	if !exists {
		return 0
	}
	return ch.len()
}

// Delete removes the channel and detaches all of its subscriptions without emitting
// a final value. Deleting an unknown id is a no-op.
func (r *Registry[T]) Delete(id string) bool {
	r.mu.Lock()
	ch, exists := r.channels[id]
	if exists {
		delete(r.channels, id)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	for _, sub := range ch.close() {
		sub.close(true)
	}
	r.logger.Debug("channel deleted", slog.String("channel", id))
	return true
}

// Clear deletes every channel.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*channel[T])
	r.mu.Unlock()

	for _, ch := range channels {
		for _, sub := range ch.close() {
			sub.close(true)
		}
	}
}
