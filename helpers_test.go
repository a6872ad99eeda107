package reqcast

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

// recorder collects values delivered from any goroutine.
type recorder struct {
	values []any
	mu     sync.Mutex
}

func (r *recorder) add(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *recorder) list() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// memoryStore is a CredentialStore kept in memory.
type memoryStore struct {
	token   string
	ok      bool
	cleared int
	mu      sync.Mutex
}

func (m *memoryStore) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.ok
}

func (m *memoryStore) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ok = token, true
	return nil
}

func (m *memoryStore) ClearToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ok = "", false
	m.cleared++
	return nil
}

func (m *memoryStore) clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleared
}

// eventually waits for cond on wall time.
func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msgAndArgs...)
}

// advanceUntil moves the mock clock forward by step until cond holds. Mock timers
// run their functions on separate goroutines, so the clock is only moved again once
// the previous step had a chance to settle.
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return cond()
	}, waitFor, tick, msgAndArgs...)
}
