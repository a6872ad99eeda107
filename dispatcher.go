package reqcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// DefaultChannelExpiry is how long a request's outcome channels outlive the outcome.
const DefaultChannelExpiry = 500 * time.Millisecond

// Method is an HTTP method supported by the dispatcher.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// Transport performs one HTTP call. A failure carrying a status must be reported
// as a *TransportError so authentication failures can be recognised.
type Transport interface {
	Perform(ctx context.Context, method Method, url string, body any, headers map[string]string) (any, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, method Method, url string, body any, headers map[string]string) (any, error)

func (f TransportFunc) Perform(ctx context.Context, method Method, url string, body any, headers map[string]string) (any, error) {
	return f(ctx, method, url, body, headers)
}

// Request describes one call to dispatch.
type Request struct {
	Method  Method
	URL     string
	Body    any
	Headers map[string]string

	// SuccessID and ErrorID name the outcome channels, generated when empty.
	SuccessID string
	ErrorID   string
	// Kind of both outcome channels, Transient by default. Replay lets subscribers
	// arriving after the outcome still observe it until the channels expire.
	Kind Kind

	// Transform maps the raw payload before it is published, identity when nil.
	Transform func(payload any) (any, error)
	// Replay re-issues this call after a token refresh.
	Replay *ReplayCall
}

// Outcome names the channels a dispatched request publishes on.
type Outcome struct {
	SuccessID string
	ErrorID   string
}

// Dispatcher runs requests and publishes their outcomes.
type Dispatcher struct {
	registry    *Registry[any]
	scheduler   *Scheduler
	coordinator *Coordinator
	transport   Transport
	metrics     *Metrics
	logger      *slog.Logger
	expiry      time.Duration

	// expirations holds the pending deletion per channel id.
	expirations map[string]*Task
	inflight    *sync.WaitGroup
	mu          *sync.Mutex
}

// DispatcherConfig holds the collaborators of a Dispatcher.
type DispatcherConfig struct {
	Registry      *Registry[any]
	Scheduler     *Scheduler
	Coordinator   *Coordinator
	Transport     Transport
	Metrics       *Metrics
	Logger        *slog.Logger
	ChannelExpiry time.Duration
}

func NewDispatcher(conf DispatcherConfig) *Dispatcher {
	if conf.Logger == nil {
		conf.Logger = discardLogger()
	}
	if conf.Registry == nil {
		conf.Registry = NewRegistry[any](conf.Logger)
	}
	if conf.Scheduler == nil {
		conf.Scheduler = NewScheduler(nil)
	}
	if conf.Coordinator == nil {
		conf.Coordinator = NewCoordinator(CoordinatorConfig{
			Registry:  conf.Registry,
			Scheduler: conf.Scheduler,
			Metrics:   conf.Metrics,
			Logger:    conf.Logger,
		})
	}
	if conf.ChannelExpiry <= 0 {
		conf.ChannelExpiry = DefaultChannelExpiry
	}

	return &Dispatcher{
		registry:    conf.Registry,
		scheduler:   conf.Scheduler,
		coordinator: conf.Coordinator,
		transport:   conf.Transport,
		metrics:     conf.Metrics,
		logger:      conf.Logger.With(slog.String("component", "dispatcher")),
		expiry:      conf.ChannelExpiry,
		expirations: make(map[string]*Task),
		inflight:    new(sync.WaitGroup),
		mu:          new(sync.Mutex),
	}
}

// Dispatch creates the outcome channels, starts the call and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	out := Outcome{SuccessID: req.SuccessID, ErrorID: req.ErrorID}
	if out.SuccessID == "" {
		out.SuccessID = newChannelID("success")
	}
	if out.ErrorID == "" {
		out.ErrorID = newChannelID("error")
	}

	d.registry.Create(out.SuccessID, req.Kind)
	d.registry.Create(out.ErrorID, req.Kind)
	// a reused id must not be deleted by the expiry of a previous request.
	d.cancelExpiry(out.SuccessID)
	d.cancelExpiry(out.ErrorID)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.perform(ctx, req, out)
	}()
	return out
}

func (d *Dispatcher) perform(ctx context.Context, req Request, out Outcome) {
	log := d.logger.With(slog.String("method", string(req.Method)), slog.String("url", req.URL))

	if d.transport == nil {
		d.fail(req, out, fmt.Errorf("dispatch %s %s: no transport configured", req.Method, req.URL), log)
		return
	}

	payload, err := d.transport.Perform(ctx, req.Method, req.URL, req.Body, req.Headers)
	if err != nil {
		if cerr := d.coordinator.ControlFailure(err, req.Replay); cerr != nil {
			log.Warn("failure not replayable", slog.String("error", cerr.Error()))
		}
		d.fail(req, out, err, log)
		return
	}

	if req.Transform != nil {
		payload, err = req.Transform(payload)
		if err != nil {
			d.fail(req, out, fmt.Errorf("transform response: %w", err), log)
			return
		}
	}

	log.Debug("request succeeded")
	d.metrics.dispatchedWith(req.Method, "success")
	d.registry.Publish(out.SuccessID, payload)
	d.expire(out)
}

func (d *Dispatcher) fail(req Request, out Outcome, err error, log *slog.Logger) {
	log.Debug("request failed", slog.Int("status", StatusOf(err)), slog.String("error", err.Error()))
	d.metrics.dispatchedWith(req.Method, "error")
	d.registry.Publish(out.ErrorID, err)
	d.expire(out)
}

// expire schedules the deletion of both outcome channels.
func (d *Dispatcher) expire(out Outcome) {
	for _, id := range []string{out.SuccessID, out.ErrorID} {
		id := id
		d.mu.Lock()
		previous := d.expirations[id]
		var task *Task
		task = d.scheduler.After(d.expiry, func() {
			d.mu.Lock()
			if d.expirations[id] == task {
				delete(d.expirations, id)
			}
			d.mu.Unlock()
			d.registry.Delete(id)
		})
		d.expirations[id] = task
		d.mu.Unlock()
		previous.Cancel()
	}
}

func (d *Dispatcher) cancelExpiry(id string) {
	d.mu.Lock()
	task := d.expirations[id]
	delete(d.expirations, id)
	d.mu.Unlock()
	task.Cancel()
}

// newChannelID returns a globally unique channel id.
func newChannelID(kind string) string {
	return "reqcast." + kind + "." + uuid.NewString()
}

// reset forgets every pending expiry, the tasks themselves are cancelled by the scheduler.
func (d *Dispatcher) reset() {
	d.mu.Lock()
	tasks := d.expirations
	d.expirations = make(map[string]*Task)
	d.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
}

// Wait blocks until every dispatched call has returned from the transport.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}
