package reqcast

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

// DefaultMaxScopeID is the exclusive upper bound of randomly drawn scope ids.
const DefaultMaxScopeID = 50000

// scope is a subscription's cancellation boundary.
type scope struct {
	id     int
	signal *signal
	subs   []*Subscription
	// fired is claimed by the first delivery of a one-shot listener.
	fired *atomic.Bool
	mu    *sync.Mutex
}

func newScope(id int) *scope {
	return &scope{
		id:     id,
		signal: newSignal(),
		fired:  new(atomic.Bool),
		mu:     new(sync.Mutex),
	}
}

// attach binds a subscription to the scope, a scope that already ended cancels it right away.
func (s *scope) attach(sub *Subscription) {
	s.mu.Lock()
	if s.signal.stopped() {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *scope) claim() bool {
	return s.fired.CompareAndSwap(false, true)
}

func (s *scope) end() bool {
	if !s.signal.stop() {
		return false
	}
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	return true
}

type trackerConfig struct {
	maxID  int
	intn   func(n int) int
	logger *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*trackerConfig)

// WithMaxScopeID sets the exclusive upper bound for scope ids.
func WithMaxScopeID(n int) TrackerOption {
	return func(c *trackerConfig) {
		if n > 0 {
			c.maxID = n
		}
	}
}

// WithScopeIDSource replaces the random source used to draw scope ids.
func WithScopeIDSource(intn func(n int) int) TrackerOption {
	return func(c *trackerConfig) {
		if intn != nil {
			c.intn = intn
		}
	}
}

// WithTrackerLogger sets the tracker logger.
func WithTrackerLogger(l *slog.Logger) TrackerOption {
	return func(c *trackerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Tracker binds channel listeners to the lifetime of one consumer. Every listener
// lives in a scope; ending the scope (or closing the tracker) detaches it, and no
// callback starts once EndScope or Close has returned. A callback that already passed
// its delivery check on another goroutine may still be running when the scope ends,
// at most one per channel since delivery on a channel is serialised.
type Tracker[T any] struct {
	registry *Registry[T]
	scopes   map[int]*scope
	closed   bool
	life     *signal
	onClose  func()

	maxID  int
	intn   func(n int) int
	logger *slog.Logger
	mu     *sync.Mutex
}

// NewTracker returns a tracker listening on the given registry.
func NewTracker[T any](registry *Registry[T], opts ...TrackerOption) *Tracker[T] {
	conf := trackerConfig{
		maxID:  DefaultMaxScopeID,
		intn:   rand.Intn,
		logger: registry.logger,
	}
	for _, opt := range opts {
		opt(&conf)
	}

	return &Tracker[T]{
		registry: registry,
		scopes:   make(map[int]*scope),
		life:     newSignal(),
		maxID:    conf.maxID,
		intn:     conf.intn,
		logger:   conf.logger,
		mu:       new(sync.Mutex),
	}
}

// NewScope allocates a scope id unique among the live scopes of this tracker, paired
// with its cancellation signal. After Close it returns -1 and an already closed channel.
func (t *Tracker[T]) NewScope() (int, <-chan struct{}) {
	sc, ok := t.newScope()
	if !ok {
		return -1, closedC()
	}
	return sc.id, sc.signal.stopC
}

func (t *Tracker[T]) newScope() (*scope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}

	if len(t.scopes) >= t.maxID {
		t.maxID *= 2
		t.logger.Warn("scope ids exhausted, widening range", slog.Int("max", t.maxID))
	}

	id := t.intn(t.maxID)
	for {
		if _, exists := t.scopes[id]; !exists {
			break
		}
		id = t.intn(t.maxID)
	}

	sc := newScope(id)
	t.scopes[id] = sc
	return sc, true
}

// EndScope fires the scope's cancellation, detaches its subscriptions and forgets it.
// Unknown ids are a no-op.
func (t *Tracker[T]) EndScope(id int) bool {
	t.mu.Lock()
	sc, exists := t.scopes[id]
	if exists {
		delete(t.scopes, id)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}
	return sc.end()
}

// endScope ends this exact scope, a newer scope that reused the id is left alone.
func (t *Tracker[T]) endScope(sc *scope) {
	t.mu.Lock()
	if current, exists := t.scopes[sc.id]; exists && current == sc {
		delete(t.scopes, sc.id)
	}
	t.mu.Unlock()
	sc.end()
}

func (t *Tracker[T]) subscribe(sc *scope, channelID string, onValue func(T)) {
	sub := t.registry.Subscribe(SubscriberConfig[T]{
		Channel: channelID,
		OnValue: onValue,
		Done:    sc.signal.stopC,
		OnClose: func() { t.endScope(sc) },
	})
	sc.attach(sub)
}

// Listen keeps onValue subscribed to the channel until the channel is deleted or the
// tracker closes. Absent values are skipped. It returns the scope id.
func (t *Tracker[T]) Listen(channelID string, onValue func(T)) int {
	sc, ok := t.newScope()
	if !ok {
		return -1
	}

	t.subscribe(sc, channelID, func(v T) {
		if isAbsent(v) || onValue == nil {
			return
		}
		onValue(v)
	})
	return sc.id
}

// ListenOnce delivers the first non-absent value of the channel to onValue and ends the scope.
func (t *Tracker[T]) ListenOnce(channelID string, onValue func(T)) int {
	sc, ok := t.newScope()
	if !ok {
		return -1
	}

	t.subscribe(sc, channelID, func(v T) {
		if isAbsent(v) || !sc.claim() {
			return
		}
		defer t.endScope(sc)
		if onValue != nil {
			onValue(v)
		}
	})
	return sc.id
}

// ListenRequestOutcome waits for whichever of the two channels fires first, invokes the
// matching callback (either may be nil) and tears both subscriptions down.
func (t *Tracker[T]) ListenRequestOutcome(successID, errorID string, onSuccess, onError func(T)) int {
	sc, ok := t.listenRequestOutcome(successID, errorID, onSuccess, onError)
	if !ok {
		return -1
	}
	return sc.id
}

func (t *Tracker[T]) listenRequestOutcome(successID, errorID string, onSuccess, onError func(T)) (*scope, bool) {
	sc, ok := t.newScope()
	if !ok {
		return nil, false
	}

	once := func(cb func(T)) func(T) {
		return func(v T) {
			if !sc.claim() {
				return
			}
			defer t.endScope(sc)
			if cb != nil {
				cb(v)
			}
		}
	}

	t.subscribe(sc, successID, once(onSuccess))
	t.subscribe(sc, errorID, once(onError))
	return sc, true
}

// Len returns the number of live scopes.
func (t *Tracker[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scopes)
}

// Done is closed once the tracker is closed.
func (t *Tracker[T]) Done() <-chan struct{} {
	return t.life.stopC
}

// Close ends every live scope, in no particular order, and clears the tracker.
func (t *Tracker[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	scopes := t.scopes
	t.scopes = make(map[int]*scope)
	t.mu.Unlock()

	t.life.stop()
	for _, sc := range scopes {
		sc.end()
	}
	if t.onClose != nil {
		t.onClose()
	}
	t.logger.Debug("tracker closed", slog.Int("scopes", len(scopes)))
}

// Await blocks until the request behind out settles. The success value is returned as is,
// the published failure is returned as the error. Outcome channels that no longer exist,
// or are deleted before a value reaches the tracker, yield ErrChannelNotFound. On a Transient
// outcome published before Await subscribed this happens once the channels expire.
func Await[T any](ctx context.Context, t *Tracker[T], out Outcome) (T, error) {
	if !t.registry.Exists(out.SuccessID) && !t.registry.Exists(out.ErrorID) {
		var empty T
		return empty, fmt.Errorf("await %q: %w", out.SuccessID, ErrChannelNotFound)
	}
	return await(ctx, t, out, nil)
}

// await listens on out, runs start once the listeners are in place, then waits.
func await[T any](ctx context.Context, t *Tracker[T], out Outcome, start func()) (T, error) {
	type result struct {
		value T
		err   error
	}

	var empty T
	resultC := make(chan result, 1)
	sc, ok := t.listenRequestOutcome(out.SuccessID, out.ErrorID,
		func(v T) { resultC <- result{value: v} },
		func(v T) { resultC <- result{err: asError(v)} },
	)
	if !ok {
		return empty, ErrClosed
	}
	if start != nil {
		start()
	}

	select {
	case r := <-resultC:
		return r.value, r.err
	case <-sc.signal.stopC:
		// the callback sends before its scope ends, a delivered outcome is already buffered.
		select {
		case r := <-resultC:
			return r.value, r.err
		default:
		}
		select {
		case <-t.Done():
			return empty, ErrClosed
		default:
		}
		return empty, fmt.Errorf("await %q: %w", out.SuccessID, ErrChannelNotFound)
	case <-ctx.Done():
		t.endScope(sc)
		// the outcome may have landed while the context was being cancelled.
		select {
		case r := <-resultC:
			return r.value, r.err
		default:
		}
		return empty, ctx.Err()
	case <-t.Done():
		return empty, ErrClosed
	}
}

func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("request failed: %v", v)
}
