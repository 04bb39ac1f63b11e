package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/modbot-relay/db"
)

// HandleTwitchOAuthStart redirects an operator to Twitch to authorize a bot account.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(10*time.Minute)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := h.OAuth.AuthorizeURL(st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the code, asks Twitch which account
// authorized, and stores the grant under that bot's login.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.OAuth == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := slog.Default().With(slog.String("component", "oauth"))
	grant, err := h.OAuth.ExchangeAuthCode(ctx, code)
	if err != nil {
		log.Warn("code exchange failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	who, err := h.OAuth.Validate(ctx, grant.AccessToken)
	if err != nil {
		log.Warn("token validation failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	identity := strings.ToLower(who.Login)
	scope := grant.Scope
	if scope == "" {
		scope = strings.Join(who.Scopes, " ")
	}
	if err := h.Store.UpsertBotToken(ctx, db.BotToken{
		Identity:     identity,
		UserID:       who.UserID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		Expiry:       grant.Expiry,
		Scope:        scope,
	}); err != nil {
		log.Error("store bot token failed", slog.String("identity", identity), slog.Any("err", err))
		http.Error(w, "failed to store token", http.StatusInternalServerError)
		return
	}
	if h.Tokens != nil {
		h.Tokens.Invalidate(identity)
	}
	log.Info("bot onboarded", slog.String("identity", identity), slog.String("user_id", who.UserID))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"identity":   identity,
		"user_id":    who.UserID,
		"scopes":     strings.Fields(scope),
		"expires_at": grant.Expiry,
	})
}
