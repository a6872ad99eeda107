// Package refresher answers reqcast token refresh requests by fetching a new access token.
package refresher

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ambitiousfew/reqcast"
	"golang.org/x/exp/slog"
	"golang.org/x/oauth2"
)

const DefaultTimeout = 10 * time.Second

// ErrEmptyToken is reported when the token source answers without an access token.
var ErrEmptyToken = errors.New("token source returned an empty access token")

// TokenFetcher obtains a new token. *clientcredentials.Config satisfies it.
type TokenFetcher interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// TokenFetcherFunc adapts a function to the TokenFetcher interface.
type TokenFetcherFunc func(ctx context.Context) (*oauth2.Token, error)

func (f TokenFetcherFunc) Token(ctx context.Context) (*oauth2.Token, error) {
	return f(ctx)
}

// Refresher listens for SignalRefreshStarted on a client, stores the fetched token and
// completes the refresh cycle. A failed fetch aborts the cycle.
type Refresher struct {
	client  *reqcast.Client
	fetcher TokenFetcher
	creds   reqcast.CredentialStore
	stop    func()
	timeout time.Duration
	logger  *slog.Logger

	inflight *sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

type Option func(*Refresher)

// WithTimeout bounds a single token fetch.
func WithTimeout(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) {
		if l != nil {
			r.logger = l
		}
	}
}

// New attaches a Refresher to client. The client must own a credential store.
func New(client *reqcast.Client, fetcher TokenFetcher, opts ...Option) (*Refresher, error) {
	if client == nil || fetcher == nil {
		return nil, errors.New("refresher: client and fetcher are required")
	}
	if client.Credentials() == nil {
		return nil, errors.New("refresher: client has no credential store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Refresher{
		client:   client,
		fetcher:  fetcher,
		creds:    client.Credentials(),
		timeout:  DefaultTimeout,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		inflight: new(sync.WaitGroup),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "refresher"))

	// a service listener stays attached across client.Reset.
	r.stop = client.ListenService(reqcast.SignalRefreshStarted, func(any) {
		// the signal is delivered while the coordinator publishes, fetch off that path.
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.refresh()
		}()
	})
	return r, nil
}

func (r *Refresher) refresh() {
	coordinator := r.client.Coordinator()
	if err := r.Refresh(r.ctx); err != nil {
		if r.ctx.Err() != nil {
			// closed mid-fetch, the client is going away.
			return
		}
		coordinator.AbortRefresh(err)
		return
	}
	coordinator.CompleteRefresh()
}

// Refresh fetches a token and stores it without touching the refresh cycle.
func (r *Refresher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	tok, err := r.fetcher.Token(ctx)
	if err != nil {
		r.logger.Error("token fetch failed", slog.String("error", err.Error()))
		return err
	}
	if tok == nil || tok.AccessToken == "" {
		r.logger.Error("token fetch failed", slog.String("error", ErrEmptyToken.Error()))
		return ErrEmptyToken
	}

	if err := r.creds.SetToken(tok.AccessToken); err != nil {
		r.logger.Error("failed to store token", slog.String("error", err.Error()))
		return err
	}
	r.logger.Info("token refreshed", slog.Duration("took", time.Since(start)), slog.Time("expiry", tok.Expiry))
	return nil
}

// Close stops listening and waits for a fetch in flight.
func (r *Refresher) Close() {
	r.stop()
	r.cancel()
	r.inflight.Wait()
}
