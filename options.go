package reqcast

import (
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/exp/slog"
)

type options struct {
	clock         clock.Clock
	handler       slog.Handler
	metrics       *Metrics
	channelExpiry time.Duration
	settleDelay   time.Duration
	replayDelay   time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithLogHandler sets the slog handler every component logs through.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// WithClock drives every deferred task from c, use clock.NewMock() in tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics records client activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithChannelExpiry sets how long outcome channels outlive their outcome.
func WithChannelExpiry(d time.Duration) Option {
	return func(o *options) {
		o.channelExpiry = d
	}
}

// WithRefreshDelays sets the settle delay after a refresh completes and the
// further delay before queued calls are replayed.
func WithRefreshDelays(settle, replay time.Duration) Option {
	return func(o *options) {
		o.settleDelay = settle
		o.replayDelay = replay
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
