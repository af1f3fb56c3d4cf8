// Package twitchauth reads, refreshes and watches the bot's Twitch token
// files.
package twitchauth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("twitchauth: empty token")

// NormalizeToken trims s and ensures the "oauth:" prefix IRC expects. Empty
// input stays empty.
func NormalizeToken(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "oauth:") {
		return trimmed
	}
	return "oauth:" + trimmed
}

// TokenFiles locates the access token (IRC form) and the refresh token.
type TokenFiles struct {
	AccessPath  string
	RefreshPath string
}

// Access returns the normalized IRC token.
func (t TokenFiles) Access() (string, error) {
	b, err := os.ReadFile(t.AccessPath)
	if err != nil {
		return "", fmt.Errorf("twitchauth: read access token: %w", err)
	}
	tok := NormalizeToken(string(b))
	if tok == "" {
		return "", ErrEmptyToken
	}
	return tok, nil
}

func (t TokenFiles) Refresh() (string, error) {
	b, err := os.ReadFile(t.RefreshPath)
	if err != nil {
		return "", fmt.Errorf("twitchauth: read refresh token: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", ErrEmptyToken
	}
	return tok, nil
}

// Store writes both tokens atomically. An empty refresh token leaves the
// refresh file alone.
func (t TokenFiles) Store(access, refresh string) error {
	if err := atomicWrite(t.AccessPath, []byte(NormalizeToken(access)), 0o600); err != nil {
		return fmt.Errorf("twitchauth: write access token: %w", err)
	}
	if refresh = strings.TrimSpace(refresh); refresh != "" && t.RefreshPath != "" {
		if err := atomicWrite(t.RefreshPath, []byte(refresh), 0o600); err != nil {
			return fmt.Errorf("twitchauth: write refresh token: %w", err)
		}
	}
	return nil
}

// Loader reads the access token file and remembers the last value so
// callers can tell a rotation from a touch.
type Loader struct {
	files  TokenFiles
	mu     sync.Mutex
	cached string
}

func NewLoader(files TokenFiles) *Loader {
	return &Loader{files: files}
}

// Load returns the token and whether it differs from the previous load.
func (l *Loader) Load() (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tok, err := l.files.Access()
	if err != nil {
		return "", false, err
	}
	if tok == l.cached {
		return tok, false, nil
	}
	l.cached = tok
	return tok, true, nil
}

// SetCached records a token obtained elsewhere, e.g. from the environment.
func (l *Loader) SetCached(token string) {
	l.mu.Lock()
	l.cached = NormalizeToken(token)
	l.mu.Unlock()
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Chmod(path, mode)
}
