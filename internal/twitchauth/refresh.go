package twitchauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultTokenURL       = "https://id.twitch.tv/oauth2/token"
	defaultRefreshTimeout = 15 * time.Second
)

// Refresher trades the stored refresh token for a new pair and writes both
// back to disk.
type Refresher struct {
	Files        TokenFiles
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTP         *http.Client

	mu sync.Mutex
}

func (r *Refresher) config() *oauth2.Config {
	tokenURL := strings.TrimSpace(r.TokenURL)
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	return &oauth2.Config{
		ClientID:     strings.TrimSpace(r.ClientID),
		ClientSecret: strings.TrimSpace(r.ClientSecret),
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

// Refresh returns the new IRC token ("oauth:<access>"). Concurrent calls are
// serialized so one refresh token is never spent twice.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.config()
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return "", errors.New("twitchauth: refresh requires client id and secret")
	}
	refresh, err := r.Files.Refresh()
	if err != nil {
		return "", err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRefreshTimeout)
		defer cancel()
	}
	if r.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTP)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return "", fmt.Errorf("twitchauth: refresh: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("twitchauth: refresh returned no access token")
	}
	if err := r.Files.Store(tok.AccessToken, tok.RefreshToken); err != nil {
		return "", err
	}
	log.Printf("twitchauth: token refreshed (expires %s)", tok.Expiry.Format(time.RFC3339))
	return NormalizeToken(tok.AccessToken), nil
}
