package twitchauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Conn is the part of the chat client a token reload needs.
type Conn interface {
	Reload(ctx context.Context, token string) error
}

// Reloader pushes the token on disk into a live connection.
type Reloader struct {
	loader *Loader
	nick   string

	mu   sync.Mutex
	conn Conn
}

func NewReloader(loader *Loader, conn Conn, nick string) *Reloader {
	return &Reloader{loader: loader, conn: conn, nick: strings.ToLower(strings.TrimSpace(nick))}
}

func (r *Reloader) SetConn(conn Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

// ReloadTwitch re-reads the access token and reconnects with it, even when
// the token is unchanged. It returns the nick the bot rejoined as.
func (r *Reloader) ReloadTwitch(ctx context.Context) (string, error) {
	return r.reload(ctx, true)
}

// Rotated reconnects only if the token file holds a new token. It is the
// callback for Watch.
func (r *Reloader) Rotated(ctx context.Context) {
	if _, err := r.reload(ctx, false); err != nil {
		slog.Error("twitchauth: token reload failed", "err", err)
	}
}

func (r *Reloader) reload(ctx context.Context, force bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return "", errors.New("twitchauth: twitch connection unavailable")
	}
	if r.loader == nil || strings.TrimSpace(r.loader.files.AccessPath) == "" {
		return "", errors.New("twitchauth: access token file not configured")
	}
	token, changed, err := r.loader.Load()
	if err != nil {
		return "", err
	}
	if !changed && !force {
		slog.Debug("twitchauth: token file touched but unchanged")
		return r.nick, nil
	}
	if err := r.conn.Reload(ctx, token); err != nil {
		return "", fmt.Errorf("twitchauth: reconnect: %w", err)
	}
	slog.Info("twitchauth: reloaded token and rejoined", "as", r.nick)
	return r.nick, nil
}
