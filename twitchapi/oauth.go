package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// ErrInvalidGrant means Twitch rejected a refresh token or authorization code
// (revoked, expired or already used). Retrying with the same grant cannot succeed.
var ErrInvalidGrant = errors.New("twitch rejected the grant")

// ErrInvalidToken is returned by Validate for an access token Twitch does not accept.
var ErrInvalidToken = errors.New("twitch access token is invalid")

var endpoint = oauth2.Endpoint{
	AuthURL:   twitch.Endpoint.AuthURL,
	TokenURL:  twitch.Endpoint.TokenURL,
	AuthStyle: oauth2.AuthStyleInParams,
}

const validateURL = "https://id.twitch.tv/oauth2/validate"

// Grant is a user access/refresh token pair issued by Twitch.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// Validation is the identity Twitch reports for an access token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// OAuthClient runs the authorization code and refresh token grants for bot accounts.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// Scopes is space or comma separated.
	Scopes     string
	HTTPClient *http.Client
}

func (c *OAuthClient) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(c.Scopes, ",", " ")),
		Endpoint:     endpoint,
	}
}

// AuthorizeURL constructs the user authorization URL for the code grant.
func (c *OAuthClient) AuthorizeURL(state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return c.config().AuthCodeURL(state, oauth2.SetAuthURLParam("force_verify", "true")), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func (c *OAuthClient) ExchangeAuthCode(ctx context.Context, code string) (*Grant, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" || c.RedirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := c.config().Exchange(withHTTPClient(ctx, c.HTTPClient), code)
	if err != nil {
		return nil, grantError("twitch auth code exchange failed", err)
	}
	return grantFrom(tok), nil
}

// RefreshToken exchanges a refresh token for a new access token. Twitch rotates
// refresh tokens, so callers must persist the returned RefreshToken.
func (c *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*Grant, error) {
	if c.ClientID == "" || c.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	// An already-expired token makes the source go straight to the refresh grant.
	src := c.config().TokenSource(withHTTPClient(ctx, c.HTTPClient), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, grantError("twitch refresh failed", err)
	}
	g := grantFrom(tok)
	if g.RefreshToken == "" {
		g.RefreshToken = refreshToken
	}
	return g, nil
}

// Validate asks Twitch who owns accessToken. Twitch expects every stored user
// token to be validated at least hourly.
func (c *OAuthClient) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+strings.TrimPrefix(accessToken, "oauth:"))
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch validate failed: %s: %s", resp.Status, string(b))
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func grantFrom(tok *oauth2.Token) *Grant {
	g := &Grant{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if g.Expiry.IsZero() {
		g.Expiry = ComputeExpiry(0)
	}
	g.Scope = scopeString(tok.Extra("scope"))
	return g
}

// scopeString flattens Twitch's scope field, which is a JSON array rather than
// the space separated string RFC 6749 describes.
func scopeString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		parts := make([]string, 0, len(s))
		for _, p := range s {
			if str, ok := p.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func grantError(msg string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %s", msg, ErrInvalidGrant, strings.TrimSpace(string(re.Body)))
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
