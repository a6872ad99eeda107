// Package credentials provides reqcast.CredentialStore implementations.
package credentials

import "sync"

// Memory keeps the token in process memory.
type Memory struct {
	token string
	ok    bool
	mu    *sync.RWMutex
}

// NewMemory returns a store holding token, an empty token means none is stored.
func NewMemory(token string) *Memory {
	return &Memory{
		token: token,
		ok:    token != "",
		mu:    new(sync.RWMutex),
	}
}

func (m *Memory) Token() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.ok
}

func (m *Memory) SetToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ok = token, true
	return nil
}

func (m *Memory) ClearToken() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ok = "", false
	return nil
}
