// Package oauth keeps bot credentials usable: it serves cached access tokens,
// refreshes them through Twitch before they expire and persists the rotated grant.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/db"
	"github.com/onnwee/modbot-relay/telemetry"
	"github.com/onnwee/modbot-relay/twitchapi"
)

// TokenStore persists bot grants.
type TokenStore interface {
	GetBotToken(ctx context.Context, identity string) (db.BotToken, error)
	UpsertBotToken(ctx context.Context, t db.BotToken) error
	ListExpiringBotTokens(ctx context.Context, within time.Duration) ([]string, error)
}

// Refresher runs the refresh_token grant.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*twitchapi.Grant, error)
}

const (
	defaultWindow  = 5 * time.Minute
	refreshTimeout = 15 * time.Second
)

// Provider implements chat.TokenSource over stored bot grants.
type Provider struct {
	store  TokenStore
	client Refresher
	window time.Duration

	// OnRefresh runs after a new access token is stored, outside all locks.
	OnRefresh func(identity, accessToken string)

	mu    sync.RWMutex
	cache map[string]chat.Credential
	group singleflight.Group
}

// NewProvider builds a Provider. Tokens expiring within window are refreshed
// before being handed out.
func NewProvider(store TokenStore, client Refresher, window time.Duration) *Provider {
	if window <= 0 {
		window = defaultWindow
	}
	return &Provider{store: store, client: client, window: window, cache: make(map[string]chat.Credential)}
}

func normalize(identity string) string { return strings.ToLower(strings.TrimSpace(identity)) }

func (p *Provider) fresh(c chat.Credential) bool {
	return c.AccessToken != "" && (c.Expiry.IsZero() || time.Until(c.Expiry) > p.window)
}

// GetCurrentToken returns a credential that stays valid for at least the refresh window.
func (p *Provider) GetCurrentToken(ctx context.Context, identity string) (chat.Credential, error) {
	identity = normalize(identity)
	p.mu.RLock()
	c, ok := p.cache[identity]
	p.mu.RUnlock()
	if ok && p.fresh(c) {
		return c, nil
	}

	row, err := p.load(ctx, identity)
	if err != nil {
		return chat.Credential{}, err
	}
	c = credentialFrom(row)
	if p.fresh(c) {
		p.remember(c)
		return c, nil
	}
	return p.Refresh(ctx, identity)
}

// Refresh exchanges the stored refresh token for a new access token. Concurrent
// calls for one identity share a single exchange.
func (p *Provider) Refresh(ctx context.Context, identity string) (chat.Credential, error) {
	identity = normalize(identity)
	v, err, _ := p.group.Do(identity, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return p.refresh(rctx, identity)
	})
	if err != nil {
		return chat.Credential{}, err
	}
	return v.(chat.Credential), nil
}

// Invalidate drops the cached credential of identity.
func (p *Provider) Invalidate(identity string) {
	p.mu.Lock()
	delete(p.cache, normalize(identity))
	p.mu.Unlock()
}

func (p *Provider) load(ctx context.Context, identity string) (db.BotToken, error) {
	row, err := p.store.GetBotToken(ctx, identity)
	if errors.Is(err, db.ErrNotFound) {
		return row, fmt.Errorf("%w: no stored token for %s", chat.ErrCredentialUnavailable, identity)
	}
	if err != nil {
		return row, fmt.Errorf("load token for %s: %w", identity, err)
	}
	return row, nil
}

func (p *Provider) refresh(ctx context.Context, identity string) (chat.Credential, error) {
	log := slog.Default().With(slog.String("component", "oauth"), slog.String("identity", identity))
	row, err := p.load(ctx, identity)
	if err != nil {
		return chat.Credential{}, err
	}
	if row.RefreshToken == "" {
		p.Invalidate(identity)
		return chat.Credential{}, fmt.Errorf("%w: %s has no refresh token", chat.ErrCredentialUnavailable, identity)
	}

	grant, err := p.client.RefreshToken(ctx, row.RefreshToken)
	if err != nil {
		if errors.Is(err, twitchapi.ErrInvalidGrant) {
			telemetry.IncLabel(telemetry.TokenRefreshes, "rejected")
			p.Invalidate(identity)
			log.Warn("refresh token rejected; bot must be re-authorized", slog.Any("err", err))
			return chat.Credential{}, fmt.Errorf("%w: %w", chat.ErrCredentialUnavailable, err)
		}
		telemetry.IncLabel(telemetry.TokenRefreshes, "error")
		return chat.Credential{}, fmt.Errorf("refresh token for %s: %w", identity, err)
	}

	next := db.BotToken{
		Identity:     identity,
		UserID:       row.UserID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.Expiry,
		Scope:        grant.Scope,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = row.RefreshToken
	}
	if err := p.store.UpsertBotToken(ctx, next); err != nil {
		// the new grant is still good for this process
		log.Error("persist refreshed token failed", slog.Any("err", err))
	}
	telemetry.IncLabel(telemetry.TokenRefreshes, "ok")

	c := credentialFrom(next)
	p.remember(c)
	log.Info("token refreshed", slog.Time("expires_at", c.Expiry))
	if p.OnRefresh != nil {
		p.OnRefresh(identity, c.AccessToken)
	}
	return c, nil
}

func (p *Provider) remember(c chat.Credential) {
	p.mu.Lock()
	p.cache[c.Login] = c
	p.mu.Unlock()
}

func credentialFrom(t db.BotToken) chat.Credential {
	return chat.Credential{IdentityID: t.UserID, Login: t.Identity, AccessToken: t.AccessToken, Expiry: t.Expiry}
}
