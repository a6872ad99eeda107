package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/exp/slog"
)

// File persists the token as JSON on disk. Reads and writes hold a lock on a sibling
// ".lock" file so several processes can share one store.
type File struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
	// mu serializes callers in this process, the file lock only guards against other processes.
	mu *sync.Mutex
}

type fileContents struct {
	Token string `json:"token"`
}

// NewFile returns a store backed by path. Nothing is created until a token is set.
func NewFile(path string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &File{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger.With(slog.String("component", "credentials"), slog.String("path", path)),
		mu:     new(sync.Mutex),
	}
}

func (f *File) Path() string {
	return f.path
}

// Token implements reqcast.CredentialStore, a store that cannot be read holds no token.
func (f *File) Token() (string, bool) {
	token, err := f.Load()
	if err != nil {
		f.logger.Error("failed to read token", slog.String("error", err.Error()))
		return "", false
	}
	return token, token != ""
}

// Load returns the stored token, "" when none is stored.
func (f *File) Load() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err := f.ensureDir(); err != nil {
		return "", err
	}

	if err := f.lock.RLock(); err != nil {
		return "", fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer f.unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.path, err)
	}

	var c fileContents
	if err := json.Unmarshal(data, &c); err != nil {
		return "", fmt.Errorf("decode %s: %w", f.path, err)
	}
	return c.Token, nil
}

func (f *File) SetToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ensureDir(); err != nil {
		return err
	}

	data, err := json.Marshal(fileContents{Token: token})
	if err != nil {
		return err
	}

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer f.unlock()

	// write then rename so a concurrent reader never sees a partial file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	f.logger.Debug("token stored")
	return nil
}

func (f *File) ClearToken() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := os.Stat(f.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", f.path, err)
	}
	defer f.unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", f.path, err)
	}
	f.logger.Debug("token cleared")
	return nil
}

func (f *File) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	return nil
}

func (f *File) unlock() {
	if err := f.lock.Unlock(); err != nil {
		f.logger.Warn("failed to release lock", slog.String("error", err.Error()))
	}
}
