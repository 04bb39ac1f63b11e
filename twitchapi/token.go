package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// App tokens can read Helix users but cannot join chat; bots sign in to IRC with
// their own user tokens.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

const appTokenBuffer = 60 * time.Second

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > appTokenBuffer {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > appTokenBuffer {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     endpoint.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cfg.Token(withHTTPClient(ctx, ts.HTTPClient))
	if err != nil {
		return "", fmt.Errorf("twitch app token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	if ts.expiresAt.IsZero() {
		ts.expiresAt = ComputeExpiry(0)
	}
	return ts.token, nil
}

// withHTTPClient routes oauth2 requests through hc when set.
func withHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}
