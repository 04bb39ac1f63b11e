// Package twitchapi contains minimal helpers for the Twitch Helix and OAuth APIs:
// app tokens, chatter profile lookups, moderation calls and the bot account grants.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUserNotFound is returned when Helix has no user for the requested id or login.
var ErrUserNotFound = errors.New("twitch user not found")

const helixBaseURL = "https://api.twitch.tv/helix"

// User is a Helix user profile.
type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	ProfileImageURL string    `json:"profile_image_url"`
	BroadcasterType string    `json:"broadcaster_type"`
	CreatedAt       time.Time `json:"created_at"`
}

// HelixClient calls Helix. User lookups made with an empty bearer fall back to
// the app access token; moderation calls need the moderator's own token.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUserByID fetches a user by numeric id.
func (hc *HelixClient) GetUserByID(ctx context.Context, bearer, id string) (User, error) {
	if id == "" {
		return User{}, fmt.Errorf("id empty")
	}
	return hc.getUser(ctx, bearer, "id", id)
}

// GetUserByLogin resolves a login name to its user.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, bearer, login string) (User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	return hc.getUser(ctx, bearer, "login", login)
}

func (hc *HelixClient) getUser(ctx context.Context, bearer, key, value string) (User, error) {
	tok, err := hc.token(ctx, bearer)
	if err != nil {
		return User{}, err
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.call(ctx, tok, http.MethodGet, "users", url.Values{key: {value}}, nil, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, ErrUserNotFound
	}
	return body.Data[0], nil
}

// token picks the caller's bearer, or the app access token when it is empty.
func (hc *HelixClient) token(ctx context.Context, bearer string) (string, error) {
	if tok := strings.TrimPrefix(bearer, "oauth:"); tok != "" {
		return tok, nil
	}
	if hc.AppTokenSource == nil {
		return "", errors.New("no bearer token and no app token source")
	}
	return hc.AppTokenSource.Get(ctx)
}

// APIError is a non-2xx Helix response.
type APIError struct {
	Endpoint   string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix %s request failed: %s: %s", e.Endpoint, e.Status, e.Body)
}

// call sends one Helix request. in, when set, is sent as the JSON body; out,
// when set, receives the decoded response.
func (hc *HelixClient) call(ctx context.Context, tok, method, endpoint string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, helixBaseURL+"/"+endpoint, body)
	if err != nil {
		return err
	}
	if len(q) > 0 {
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(b))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
