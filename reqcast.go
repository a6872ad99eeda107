// Package reqcast dispatches HTTP calls and broadcasts their outcomes on named channels.
//
// Failed calls caused by expired credentials are queued while a single token refresh
// runs, then replayed in their original order. Consumers listen through a Tracker so
// their listeners are detached when they are torn down.
package reqcast

import (
	"context"
	"sync"

	"golang.org/x/exp/slog"
)

// Client owns the channel registry, the scheduler and the refresh coordinator shared
// by every request it dispatches.
type Client struct {
	registry    *Registry[any]
	scheduler   *Scheduler
	coordinator *Coordinator
	dispatcher  *Dispatcher
	credentials CredentialStore
	logger      *slog.Logger

	trackers map[*Tracker[any]]struct{}
	closed   bool
	mu       *sync.Mutex

	// services hold listeners that survive Reset, attached through serviceScope.
	services     map[uint64]*serviceListener
	nextService  uint64
	serviceScope *Tracker[any]
}

type serviceListener struct {
	channel string
	onValue func(any)
	scope   int
}

// New returns a Client performing calls through transport. creds may be nil when no
// credentials should be cleared on revocation.
func New(transport Transport, creds CredentialStore, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := discardLogger()
	if o.handler != nil {
		logger = slog.New(o.handler)
	}

	registry := NewRegistry[any](logger)
	scheduler := NewScheduler(o.clock)
	coordinator := NewCoordinator(CoordinatorConfig{
		Registry:    registry,
		Scheduler:   scheduler,
		Credentials: creds,
		Metrics:     o.metrics,
		Logger:      logger,
		SettleDelay: o.settleDelay,
		ReplayDelay: o.replayDelay,
	})
	dispatcher := NewDispatcher(DispatcherConfig{
		Registry:      registry,
		Scheduler:     scheduler,
		Coordinator:   coordinator,
		Transport:     transport,
		Metrics:       o.metrics,
		Logger:        logger,
		ChannelExpiry: o.channelExpiry,
	})

	return &Client{
		registry:     registry,
		scheduler:    scheduler,
		coordinator:  coordinator,
		dispatcher:   dispatcher,
		credentials:  creds,
		logger:       logger,
		trackers:     make(map[*Tracker[any]]struct{}),
		services:     make(map[uint64]*serviceListener),
		serviceScope: NewTracker[any](registry, WithTrackerLogger(logger)),
		mu:           new(sync.Mutex),
	}
}

// Dispatch starts req and returns the ids of its outcome channels.
func (c *Client) Dispatch(ctx context.Context, req Request) Outcome {
	return c.dispatcher.Dispatch(ctx, req)
}

// Do dispatches req and waits for its outcome.
func (c *Client) Do(ctx context.Context, req Request) (any, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if req.SuccessID == "" {
		req.SuccessID = newChannelID("success")
	}
	if req.ErrorID == "" {
		req.ErrorID = newChannelID("error")
	}

	t := NewTracker[any](c.registry, WithTrackerLogger(c.logger))
	defer t.Close()

	out := Outcome{SuccessID: req.SuccessID, ErrorID: req.ErrorID}
	// the listeners are in place before the transport can answer.
	return await(ctx, t, out, func() { c.Dispatch(ctx, req) })
}

// NewTracker returns a Tracker on the client registry. Trackers still open are closed
// by Reset and Close.
func (c *Client) NewTracker(opts ...TrackerOption) *Tracker[any] {
	opts = append([]TrackerOption{WithTrackerLogger(c.logger)}, opts...)
	t := NewTracker[any](c.registry, opts...)
	t.onClose = func() {
		c.mu.Lock()
		delete(c.trackers, t)
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return t
	}
	c.trackers[t] = struct{}{}
	c.mu.Unlock()
	return t
}

func (c *Client) Registry() *Registry[any] {
	return c.registry
}

func (c *Client) Coordinator() *Coordinator {
	return c.coordinator
}

func (c *Client) Scheduler() *Scheduler {
	return c.scheduler
}

func (c *Client) Credentials() CredentialStore {
	return c.credentials
}

// Wait blocks until every dispatched call has returned from the transport.
func (c *Client) Wait() {
	c.dispatcher.Wait()
}

// Reset clears every channel, pending task, tracker and the replay queue. Listeners added
// with ListenService are attached again once the state is cleared.
func (c *Client) Reset() {
	c.reset(true)
}

func (c *Client) reset(reattach bool) {
	c.mu.Lock()
	trackers := c.trackers
	c.trackers = make(map[*Tracker[any]]struct{})
	services := c.serviceScope
	fresh := NewTracker[any](c.registry, WithTrackerLogger(c.logger))
	c.serviceScope = fresh
	c.mu.Unlock()

	for t := range trackers {
		t.Close()
	}
	services.Close()
	c.scheduler.CancelAll()
	c.dispatcher.reset()
	c.registry.Clear()
	c.coordinator.Reset()

	if !reattach {
		fresh.Close()
		return
	}

	c.mu.Lock()
	listeners := make([]*serviceListener, 0, len(c.services))
	for _, l := range c.services {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		scope := fresh.Listen(l.channel, l.onValue)
		c.mu.Lock()
		l.scope = scope
		c.mu.Unlock()
	}
}

// ListenService keeps onValue subscribed to channelID across Reset, for collaborators
// such as a token refresher that live as long as the client. The returned func detaches it.
func (c *Client) ListenService(channelID string, onValue func(any)) (stop func()) {
	c.mu.Lock()
	c.nextService++
	key := c.nextService
	l := &serviceListener{channel: channelID, onValue: onValue}
	c.services[key] = l
	tracker := c.serviceScope
	c.mu.Unlock()

	scope := tracker.Listen(channelID, onValue)
	c.mu.Lock()
	l.scope = scope
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		_, ok := c.services[key]
		delete(c.services, key)
		tracker, scope := c.serviceScope, l.scope
		c.mu.Unlock()
		if ok {
			tracker.EndScope(scope)
		}
	}
}

// Close resets the client and stops its scheduler. The client is unusable afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.reset(false)
	c.scheduler.Stop()
	c.logger.Debug("client closed")
}
