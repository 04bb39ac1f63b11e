package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/modbot-relay/config"
	"github.com/onnwee/modbot-relay/hub"
	"github.com/onnwee/modbot-relay/testutil"
	"github.com/onnwee/modbot-relay/twitchapi"
)

func newModerationMux(t *testing.T) http.Handler {
	t.Helper()
	for _, k := range []string{"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN", "ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}
	mock := testutil.NewMockTwitchServer(t)
	writeData := func(w http.ResponseWriter, status int, data any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
	checkAuth := func(r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-modbot" {
			t.Errorf("%s %s Authorization = %q", r.Method, r.URL.Path, got)
		}
	}
	mock.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(r)
		if r.URL.Query().Get("login") == "alice" {
			writeData(w, http.StatusOK, []map[string]string{{"id": "1", "login": "alice"}})
			return
		}
		writeData(w, http.StatusOK, []any{})
	})
	mock.Handle("/helix/moderation/channels", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(r)
		if r.URL.Query().Get("user_id") != "99" {
			t.Errorf("user_id = %q", r.URL.Query().Get("user_id"))
		}
		writeData(w, http.StatusOK, []map[string]string{{"broadcaster_id": "1", "broadcaster_login": "alice", "broadcaster_name": "Alice"}})
	})
	mock.Handle("/helix/moderation/blocked_terms", func(w http.ResponseWriter, r *http.Request) {
		checkAuth(r)
		q := r.URL.Query()
		if q.Get("broadcaster_id") != "1" || q.Get("moderator_id") != "99" {
			t.Errorf("blocked_terms query = %s", r.URL.RawQuery)
		}
		switch r.Method {
		case http.MethodGet:
			writeData(w, http.StatusOK, []map[string]string{{"id": "t1", "text": "spam"}})
		case http.MethodPost:
			var in struct{ Text string }
			_ = json.NewDecoder(r.Body).Decode(&in)
			writeData(w, http.StatusOK, []map[string]string{{"id": "t2", "text": in.Text}})
		case http.MethodDelete:
			if q.Get("id") == "gone" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, Deps{
		Relay:       newFakeRelay(),
		Store:       &fakeStore{bots: 1},
		Subs:        hub.NewRegistry(),
		Credentials: staticTokens{"modbot": "99"},
		Helix:       &twitchapi.HelixClient{ClientID: "client", HTTPClient: mock.RewriteClient()},
		Config:      &config.Config{RelayAPIToken: "relay-tok"},
	})
}

func TestModerationEndpoints(t *testing.T) {
	handler := newModerationMux(t)
	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		noAuth     bool
		wantStatus int
		wantBody   string
	}{
		{name: "moderated channels", method: http.MethodGet, target: "/channels?identity=modbot", wantStatus: http.StatusOK, wantBody: `"broadcaster_login":"alice"`},
		{name: "relay token required", method: http.MethodGet, target: "/channels?identity=modbot", noAuth: true, wantStatus: http.StatusUnauthorized},
		{name: "identity required", method: http.MethodGet, target: "/channels", wantStatus: http.StatusBadRequest},
		{name: "unknown identity", method: http.MethodGet, target: "/channels?identity=ghost", wantStatus: http.StatusUnauthorized},
		{name: "list terms", method: http.MethodGet, target: "/channels/Alice/blocked_terms?identity=modbot", wantStatus: http.StatusOK, wantBody: `"text":"spam"`},
		{name: "unknown channel", method: http.MethodGet, target: "/channels/nobody/blocked_terms?identity=modbot", wantStatus: http.StatusNotFound},
		{name: "add term", method: http.MethodPost, target: "/channels/alice/blocked_terms?identity=modbot", body: `{"text":"scam link"}`, wantStatus: http.StatusCreated, wantBody: `"id":"t2"`},
		{name: "add without text", method: http.MethodPost, target: "/channels/alice/blocked_terms?identity=modbot", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "delete term", method: http.MethodDelete, target: "/channels/alice/blocked_terms?identity=modbot&id=t1", wantStatus: http.StatusNoContent},
		{name: "delete without id", method: http.MethodDelete, target: "/channels/alice/blocked_terms?identity=modbot", wantStatus: http.StatusBadRequest},
		{name: "delete missing term", method: http.MethodDelete, target: "/channels/alice/blocked_terms?identity=modbot&id=gone", wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if !tt.noAuth {
				req.Header.Set("Authorization", "Bearer relay-tok")
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want it to contain %s", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestModerationEndpointsUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(http.MethodGet, "/channels?identity=modbot", map[string]string{"Authorization": "Bearer relay-tok"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestHelixStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{twitchapi.ErrUserNotFound, http.StatusNotFound},
		{twitchapi.ErrBearerRequired, http.StatusUnauthorized},
		{&twitchapi.APIError{StatusCode: http.StatusForbidden}, http.StatusForbidden},
		{&twitchapi.APIError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		if got := helixStatus(tt.err); got != tt.want {
			t.Errorf("helixStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
