package reqcast

import (
	"reflect"
	"sync"

	"golang.org/x/exp/slices"
)

// Kind selects how a channel treats subscribers that arrive after a publish.
type Kind int

const (
	// Transient channels deliver a value only to the subscribers present when it is published.
	Transient Kind = iota
	// Replay channels also deliver the current value to every new subscriber.
	Replay
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Replay:
		return "replay"
	default:
		return "unknown"
	}
}

// channel represents a single broadcast cell which holds all subscriptions to that id.
type channel[T any] struct {
	id          string
	kind        Kind
	subscribers []*subscriber[T]
	lastMessage *T

	// pending is the next value waiting for delivery while another publish is delivering.
	pending    *T
	delivering bool
	mu         *sync.Mutex
}

func newChannel[T any](id string, kind Kind) *channel[T] {
	return &channel[T]{
		id:          id,
		kind:        kind,
		subscribers: make([]*subscriber[T], 0),
		mu:          new(sync.Mutex),
	}
}

func (c *channel[T]) message() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMessage == nil {
		var empty T
		return empty, false
	}
	return *c.lastMessage, true
}

func (c *channel[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// subscribe appends the subscriber and, for replay channels, returns the value
// it should immediately receive.
func (c *channel[T]) subscribe(sub *subscriber[T]) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, sub)

	var empty T
	if c.kind != Replay || c.lastMessage == nil || isAbsent(*c.lastMessage) {
		return empty, false
	}
	return *c.lastMessage, true
}

// unsubscribe removes a subscriber by its id.
func (c *channel[T]) unsubscribe(id uint64) bool {
	c.mu.Lock()
	i := slices.IndexFunc(c.subscribers, func(s *subscriber[T]) bool { return s.id == id })
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	sub := c.subscribers[i]
	c.subscribers = slices.Delete(c.subscribers, i, i+1)
	c.mu.Unlock()

	return sub.close(false)
}

// broadcast stores the message and delivers it to every subscriber in subscription order.
// A publish arriving while another one is delivering only overwrites the pending slot,
// the goroutine already delivering picks it up once the current round is done.
func (c *channel[T]) broadcast(message T) {
	c.mu.Lock()
	c.lastMessage = &message
	c.pending = &message
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true

	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.delivering = false
			c.pending = nil
			c.mu.Unlock()
			panic(r)
		}
	}()

	for c.pending != nil {
		next := *c.pending
		c.pending = nil
		subs := slices.Clone(c.subscribers)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.send(next)
		}

		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

// close detaches every subscriber and forgets the last message, the detached
// subscribers are returned so their close hooks can run without the lock held.
func (c *channel[T]) close() []*subscriber[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subscribers
	c.subscribers = make([]*subscriber[T], 0)
	c.lastMessage = nil
	c.pending = nil
	return subs
}

// isAbsent reports whether v is the "no value yet" sentinel: a nil interface, pointer or map.
func isAbsent[T any](v T) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map:
		return rv.IsNil()
	}
	return false
}
