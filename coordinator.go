package reqcast

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// Signal channel ids emitted by the Coordinator. They are Transient: only listeners
// present at emission time observe them.
const (
	SignalRefreshStarted   = "reqcast.auth.refresh-started"
	SignalRefreshCompleted = "reqcast.auth.refresh-completed"
	SignalCredentialsLost  = "reqcast.auth.credentials-lost"
)

const (
	DefaultSettleDelay = 100 * time.Millisecond
	DefaultReplayDelay = 1000 * time.Millisecond
)

// State of the refresh state machine.
type State int

const (
	Idle State = iota
	RefreshPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RefreshPending:
		return "refresh-pending"
	default:
		return "unknown"
	}
}

// ReplayCall is a failed call waiting for fresh credentials. Call re-issues it with the
// arguments it captured, Name and Args are only kept for diagnostics.
type ReplayCall struct {
	Name string
	Args []any
	Call func()
}

// NewReplay returns a ReplayCall for call, labelled with name and the arguments it captured.
func NewReplay(name string, call func(), args ...any) *ReplayCall {
	return &ReplayCall{Name: name, Args: args, Call: call}
}

// Diagnostic records a failure the coordinator could not fully act upon.
type Diagnostic struct {
	At     time.Time
	Status int
	Err    error
}

// CredentialStore persists the access token used by the transport.
type CredentialStore interface {
	Token() (string, bool)
	SetToken(token string) error
	ClearToken() error
}

// Coordinator intercepts authentication failures. Expired calls are queued while exactly
// one refresh cycle runs, and replayed in their original order once it completes.
type Coordinator struct {
	registry    *Registry[any]
	scheduler   *Scheduler
	creds       CredentialStore
	metrics     *Metrics
	logger      *slog.Logger
	settleDelay time.Duration
	replayDelay time.Duration

	pending     []*ReplayCall
	refreshing  bool
	completion  *Subscription
	diagnostics []Diagnostic
	mu          *sync.Mutex

	// replayMu keeps replay batches from overlapping.
	replayMu *sync.Mutex
}

// CoordinatorConfig holds the collaborators and delays of a Coordinator.
type CoordinatorConfig struct {
	Registry    *Registry[any]
	Scheduler   *Scheduler
	Credentials CredentialStore
	Metrics     *Metrics
	Logger      *slog.Logger
	SettleDelay time.Duration
	ReplayDelay time.Duration
}

// NewCoordinator returns an idle Coordinator and creates its signal channels.
func NewCoordinator(conf CoordinatorConfig) *Coordinator {
	if conf.Registry == nil {
		conf.Registry = NewRegistry[any](conf.Logger)
	}
	if conf.Scheduler == nil {
		conf.Scheduler = NewScheduler(nil)
	}
	if conf.Logger == nil {
		conf.Logger = discardLogger()
	}
	if conf.SettleDelay <= 0 {
		conf.SettleDelay = DefaultSettleDelay
	}
	if conf.ReplayDelay <= 0 {
		conf.ReplayDelay = DefaultReplayDelay
	}

	c := &Coordinator{
		registry:    conf.Registry,
		scheduler:   conf.Scheduler,
		creds:       conf.Credentials,
		metrics:     conf.Metrics,
		logger:      conf.Logger.With(slog.String("component", "coordinator")),
		settleDelay: conf.SettleDelay,
		replayDelay: conf.ReplayDelay,
		mu:          new(sync.Mutex),
		replayMu:    new(sync.Mutex),
	}
	c.createSignals()
	return c
}

func (c *Coordinator) createSignals() {
	c.registry.Create(SignalRefreshStarted, Transient)
	c.registry.Create(SignalRefreshCompleted, Transient)
	c.registry.Create(SignalCredentialsLost, Transient)
}

// ControlFailure inspects a failed call. 401 failures queue replay and drive the refresh
// cycle, 403 failures clear the credentials and emit SignalCredentialsLost, anything else
// is left to the caller. A 401 without replay info still drives the cycle but is recorded
// as a diagnostic and reported with ErrReplayInfoMissing.
func (c *Coordinator) ControlFailure(err error, replay *ReplayCall) error {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return c.expired(err, replay)
	case errors.Is(err, ErrAuthRevoked):
		c.revoked(err)
		return nil
	default:
		return nil
	}
}

func (c *Coordinator) expired(err error, replay *ReplayCall) error {
	var missing error
	if replay == nil || replay.Call == nil {
		missing = fmt.Errorf("status %d: %w", StatusOf(err), ErrReplayInfoMissing)
		c.logger.Error("expired call has no replay info, it will not be retried", slog.Int("status", StatusOf(err)))
		c.metrics.replayInfoMissing()
	}

	c.mu.Lock()
	if missing != nil {
		c.diagnostics = append(c.diagnostics, Diagnostic{At: c.scheduler.Now(), Status: StatusOf(err), Err: missing})
	} else {
		c.pending = append(c.pending, replay)
	}
	c.metrics.setPending(len(c.pending))

	if c.refreshing {
		c.mu.Unlock()
		if replay != nil {
			c.logger.Debug("refresh in flight, call queued", slog.String("call", replay.Name))
		}
		return missing
	}
	c.refreshing = true
	c.mu.Unlock()

	c.metrics.refreshStarted()
	c.logger.Info("authentication expired, starting token refresh")

	// listen before announcing so a synchronous refresher is still observed.
	sub := c.registry.Subscribe(SubscriberConfig[any]{
		Channel: SignalRefreshCompleted,
		OnValue: c.onRefreshCompleted,
	})
	c.mu.Lock()
	c.completion = sub
	c.mu.Unlock()

	c.registry.Publish(SignalRefreshStarted, true)
	return missing
}

func (c *Coordinator) revoked(err error) {
	c.logger.Warn("credentials revoked", slog.Int("status", StatusOf(err)))
	c.loseCredentials()
}

func (c *Coordinator) loseCredentials() {
	if c.creds != nil {
		if err := c.creds.ClearToken(); err != nil {
			c.logger.Error("failed to clear credentials", slog.String("error", err.Error()))
		}
	}
	c.metrics.credentialsLost()
	c.registry.Publish(SignalCredentialsLost, true)
}

// onRefreshCompleted is the one-shot completion handler of the current cycle.
func (c *Coordinator) onRefreshCompleted(any) {
	c.mu.Lock()
	sub := c.completion
	c.completion = nil
	c.mu.Unlock()

	if sub == nil || !sub.Cancel() {
		// another completion already claimed this cycle.
		return
	}

	c.scheduler.After(c.settleDelay, c.settle)
}

// settle ends the cycle and takes the queued calls as one batch.
func (c *Coordinator) settle() {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.refreshing = false
	c.mu.Unlock()
	c.metrics.setPending(0)

	c.logger.Info("token refresh completed", slog.Int("queued", len(batch)))
	if len(batch) == 0 {
		return
	}
	c.scheduler.After(c.replayDelay, func() { c.replay(batch) })
}

func (c *Coordinator) replay(batch []*ReplayCall) {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()

	for _, r := range batch {
		c.logger.Debug("replaying call", slog.String("call", r.Name))
		c.metrics.replayed()
		r.Call()
	}
}

// CompleteRefresh announces that fresh credentials are stored.
func (c *Coordinator) CompleteRefresh() {
	c.registry.Publish(SignalRefreshCompleted, true)
}

// AbortRefresh ends a refresh cycle that could not obtain a token: queued calls are
// dropped, credentials cleared and SignalCredentialsLost emitted.
func (c *Coordinator) AbortRefresh(err error) {
	c.mu.Lock()
	dropped := len(c.pending)
	c.pending = nil
	c.refreshing = false
	sub := c.completion
	c.completion = nil
	c.mu.Unlock()

	sub.Cancel()
	c.metrics.setPending(0)
	attrs := []any{slog.Int("dropped", dropped)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.logger.Error("token refresh aborted", attrs...)
	c.loseCredentials()
}

// State returns the current state of the refresh state machine.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshing {
		return RefreshPending
	}
	return Idle
}

// Pending returns a copy of the replay queue in insertion order.
func (c *Coordinator) Pending() []ReplayCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ReplayCall, 0, len(c.pending))
	for _, r := range c.pending {
		out = append(out, *r)
	}
	return out
}

// Diagnostics returns the recorded diagnostics, oldest first.
func (c *Coordinator) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.diagnostics))
	copy(out, c.diagnostics)
	return out
}

// Reset returns the coordinator to Idle with an empty queue. Scheduled settle or replay
// tasks are owned by the scheduler and must be cancelled there.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	sub := c.completion
	c.completion = nil
	c.pending = nil
	c.refreshing = false
	c.diagnostics = nil
	c.mu.Unlock()

	sub.Cancel()
	c.metrics.setPending(0)
	c.createSignals()
}
