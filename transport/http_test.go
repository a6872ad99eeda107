package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ambitiousfew/reqcast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenStore struct {
	token string
	mu    sync.Mutex
}

func (s *tokenStore) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

func (s *tokenStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *tokenStore) ClearToken() error {
	return s.SetToken("")
}

// echoServer answers every call with the method, Authorization header and body it received.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded any
		if len(body) > 0 {
			_ = json.Unmarshal(body, &decoded)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"method":        r.Method,
			"authorization": r.Header.Get("Authorization"),
			"trace":         r.Header.Get("X-Trace"),
			"query":         r.URL.RawQuery,
			"body":          decoded,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPerformBearer(t *testing.T) {
	srv := echoServer(t)
	h := New(&tokenStore{token: "abc"}, WithBaseURL(srv.URL))

	got, err := h.Perform(context.Background(), reqcast.MethodGet, "/items", nil, nil)
	require.NoError(t, err)

	payload := got.(map[string]any)
	assert.Equal(t, "GET", payload["method"])
	assert.Equal(t, "Bearer abc", payload["authorization"])
}

func TestPerformNoAuth(t *testing.T) {
	srv := echoServer(t)

	for _, creds := range []reqcast.CredentialStore{nil, &tokenStore{}} {
		h := New(creds, WithBaseURL(srv.URL))

		got, err := h.Perform(context.Background(), reqcast.MethodGet, "/items", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, NoAuth, got.(map[string]any)["authorization"])
	}
}

func TestPerformReadsTokenPerCall(t *testing.T) {
	srv := echoServer(t)
	store := &tokenStore{token: "stale"}
	h := New(store, WithBaseURL(srv.URL))

	_, err := h.Perform(context.Background(), reqcast.MethodGet, "/items", nil, nil)
	require.NoError(t, err)

	store.SetToken("fresh")
	got, err := h.Perform(context.Background(), reqcast.MethodGet, "/items", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh", got.(map[string]any)["authorization"])
}

func TestPerformBodies(t *testing.T) {
	srv := echoServer(t)
	h := New(nil, WithBaseURL(srv.URL))

	for _, method := range []reqcast.Method{reqcast.MethodPost, reqcast.MethodPut, reqcast.MethodDelete} {
		got, err := h.Perform(context.Background(), method, "/products", Keyed("product_ids", []int{1, 2}), nil)
		require.NoError(t, err, method)

		payload := got.(map[string]any)
		assert.Equal(t, string(method), payload["method"])
		assert.Equal(t, map[string]any{"product_ids": []any{1.0, 2.0}}, payload["body"], method)
	}
}

func TestPerformHeadersAndQuery(t *testing.T) {
	srv := echoServer(t)
	h := New(nil, WithBaseURL(srv.URL), WithHeader("X-Trace", "default"))

	got, err := h.Perform(context.Background(), reqcast.MethodGet,
		"/items"+Query(map[string]any{"page": 1, "ids": []int{4, 5}}),
		nil, map[string]string{"X-Trace": "call"})
	require.NoError(t, err)

	payload := got.(map[string]any)
	assert.Equal(t, "call", payload["trace"])
	assert.Equal(t, "ids=4%2C5&page=1", payload["query"])
}

func TestPerformStatusErrors(t *testing.T) {
	statuses := map[int]error{
		http.StatusUnauthorized: reqcast.ErrAuthExpired,
		http.StatusForbidden:    reqcast.ErrAuthRevoked,
	}

	for status, sentinel := range statuses {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))

		h := New(nil, WithBaseURL(srv.URL))
		_, err := h.Perform(context.Background(), reqcast.MethodGet, "/secure", nil, nil)
		srv.Close()

		require.Error(t, err)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, status, reqcast.StatusOf(err))

		var te *reqcast.TransportError
		require.True(t, errors.As(err, &te))
		assert.JSONEq(t, `{"message":"nope"}`, string(te.Body))
	}
}

func TestPerformServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := New(nil, WithBaseURL(srv.URL))
	_, err := h.Perform(context.Background(), reqcast.MethodGet, "/", nil, nil)

	assert.Equal(t, http.StatusInternalServerError, reqcast.StatusOf(err))
	assert.NotErrorIs(t, err, reqcast.ErrAuthExpired)
	assert.NotErrorIs(t, err, reqcast.ErrAuthRevoked)
}

func TestPerformNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := New(nil, WithBaseURL(url), WithTimeout(time.Second))
	_, err := h.Perform(context.Background(), reqcast.MethodGet, "/", nil, nil)

	var te *reqcast.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.Status)
	assert.Error(t, te.Err)
}

func TestPerformUnsupportedMethod(t *testing.T) {
	h := New(nil)

	_, err := h.Perform(context.Background(), reqcast.Method("PATCH"), "http://localhost", nil, nil)
	assert.ErrorContains(t, err, "unsupported HTTP method")
}

func TestPerformRawAndEmptyBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/text":
			_, _ = w.Write([]byte("plain text"))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	h := New(nil, WithBaseURL(srv.URL))

	got, err := h.Perform(context.Background(), reqcast.MethodGet, "/text", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", got)

	got, err = h.Perform(context.Background(), reqcast.MethodDelete, "/empty", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPerformEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	h := New(nil, WithBaseURL(srv.URL), WithEnvelope())
	got, err := h.Perform(context.Background(), reqcast.MethodPost, "/items", map[string]any{"name": "apple"}, nil)
	require.NoError(t, err)

	res, ok := got.(Result)
	require.True(t, ok)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, map[string]any{"id": 7.0}, res.Data)
	assert.True(t, res.OK())
}

func TestPerformWithHTTPClient(t *testing.T) {
	srv := echoServer(t)
	h := New(&tokenStore{token: "abc"}, WithHTTPClient(srv.Client()), WithBaseURL(srv.URL))

	got, err := h.Perform(context.Background(), reqcast.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", got.(map[string]any)["authorization"])
}
