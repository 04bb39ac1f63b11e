package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer is a test server standing in for api.twitch.tv and id.twitch.tv.
// Point clients at it with RewriteClient.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// Hits returns how many requests path received.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// RewriteClient returns an HTTP client that sends every request to the mock.
func (m *MockTwitchServer) RewriteClient() *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct{ host string }

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse answers /helix/users with one user.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login, "display_name": login}},
		})
	})
}

// MockOAuthTokenResponse answers every grant on /oauth2/token with the given tokens.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	})
}

// MockOAuthTokenRejected makes /oauth2/token fail like Twitch does for a revoked grant.
func (m *MockTwitchServer) MockOAuthTokenRejected() {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "Invalid refresh token"})
	})
}

// MockValidateResponse answers /oauth2/validate for any token.
func (m *MockTwitchServer) MockValidateResponse(userID, login string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"client_id": "test-client", "login": login, "user_id": userID,
			"scopes": []string{"chat:read", "chat:edit"}, "expires_in": 14400,
		})
	})
}
