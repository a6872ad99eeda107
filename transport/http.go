// Package transport performs reqcast calls over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ambitiousfew/reqcast"
	"github.com/go-resty/resty/v2"
	"golang.org/x/exp/slog"
)

const (
	// NoAuth is the Authorization header sent when no token is stored.
	NoAuth = "No Auth"

	DefaultTimeout = 30 * time.Second
)

// HTTP is a reqcast.Transport sending JSON requests with resty. The Authorization
// header is read from the credential store on every call so a refreshed token is
// picked up by replayed calls.
type HTTP struct {
	client   *resty.Client
	creds    reqcast.CredentialStore
	envelope bool
	logger   *slog.Logger
}

type config struct {
	baseURL    string
	timeout    time.Duration
	headers    map[string]string
	httpClient *http.Client
	envelope   bool
	logger     *slog.Logger
}

// Option configures an HTTP transport.
type Option func(*config)

// WithBaseURL resolves relative request URLs against url.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *config) {
		c.headers[key] = value
	}
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithEnvelope wraps every successful payload in a Result carrying the response status.
func WithEnvelope() Option {
	return func(c *config) {
		c.envelope = true
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns an HTTP transport authenticating with the token held by creds.
// creds may be nil, every request is then sent with NoAuth.
func New(creds reqcast.CredentialStore, opts ...Option) *HTTP {
	conf := config{
		timeout: DefaultTimeout,
		headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&conf)
	}

	client := resty.New()
	if conf.httpClient != nil {
		client = resty.NewWithClient(conf.httpClient)
	}
	client.SetTimeout(conf.timeout).SetHeaders(conf.headers)
	if conf.baseURL != "" {
		client.SetBaseURL(conf.baseURL)
	}

	return &HTTP{
		client:   client,
		creds:    creds,
		envelope: conf.envelope,
		logger:   conf.logger.With(slog.String("component", "transport")),
	}
}

// Perform sends one request. Failures carry a *reqcast.TransportError: with Status and
// Body when the server answered with a status of 400 or above, with Err otherwise.
func (h *HTTP) Perform(ctx context.Context, method reqcast.Method, url string, body any, headers map[string]string) (any, error) {
	switch method {
	case reqcast.MethodGet, reqcast.MethodPost, reqcast.MethodPut, reqcast.MethodDelete:
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	req := h.client.R().
		SetContext(ctx).
		SetHeader("Authorization", h.authorization()).
		SetHeaders(headers)
	if body != nil {
		// DELETE carries its body like POST and PUT.
		req.SetBody(body)
	}

	resp, err := req.Execute(string(method), url)
	if err != nil {
		h.logger.Debug("request failed", slog.String("method", string(method)), slog.String("url", url), slog.String("error", err.Error()))
		return nil, &reqcast.TransportError{Err: err}
	}

	h.logger.Debug("request completed",
		slog.String("method", string(method)),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode()),
		slog.Duration("took", resp.Time()),
	)

	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, &reqcast.TransportError{Status: resp.StatusCode(), Body: resp.Body()}
	}

	payload := decode(resp.Body())
	if h.envelope {
		return ParseResult(resp.StatusCode(), payload, "", nil), nil
	}
	return payload, nil
}

func (h *HTTP) authorization() string {
	if h.creds == nil {
		return NoAuth
	}
	token, ok := h.creds.Token()
	if !ok || token == "" {
		return NoAuth
	}
	return "Bearer " + token
}

// decode returns the JSON value of body, the raw text when it is not JSON and nil when empty.
func decode(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}
