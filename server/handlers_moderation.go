package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/telemetry"
	"github.com/onnwee/modbot-relay/twitchapi"
)

// moderator resolves the request identity to its credential. It writes the
// error response and returns false when that is not possible.
func (h *Handlers) moderator(w http.ResponseWriter, r *http.Request) (chat.Credential, bool) {
	if h.Helix == nil || h.Credentials == nil {
		http.Error(w, "moderation tools not configured", http.StatusServiceUnavailable)
		return chat.Credential{}, false
	}
	identity := requestIdentity(r)
	if identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return chat.Credential{}, false
	}
	cred, err := h.Credentials.GetCurrentToken(r.Context(), identity)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return chat.Credential{}, false
	}
	if cred.IdentityID == "" {
		http.Error(w, "identity has no twitch user id; onboard it again", http.StatusUnauthorized)
		return chat.Credential{}, false
	}
	return cred, true
}

// broadcaster looks up the channel's user id with the moderator's token.
func (h *Handlers) broadcaster(ctx context.Context, cred chat.Credential, channel string) (string, error) {
	u, err := h.Helix.GetUserByLogin(ctx, cred.AccessToken, channel)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// helixStatus maps a Helix failure to the response status.
func helixStatus(err error) int {
	var apiErr *twitchapi.APIError
	switch {
	case errors.Is(err, twitchapi.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, twitchapi.ErrBearerRequired):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
			return apiErr.StatusCode
		}
		return http.StatusBadGateway
	}
	return errorStatus(err)
}

func (h *Handlers) helixFailed(w http.ResponseWriter, r *http.Request, op string, err error) {
	telemetry.LoggerWithCorr(r.Context()).Warn("helix call failed", slog.String("op", op), slog.Any("err", err))
	http.Error(w, err.Error(), helixStatus(err))
}

// HandleModeratedChannels lists the channels the identity moderates.
func (h *Handlers) HandleModeratedChannels(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.moderator(w, r)
	if !ok {
		return
	}
	channels, err := h.Helix.GetModeratedChannels(r.Context(), cred.AccessToken, cred.IdentityID)
	if err != nil {
		h.helixFailed(w, r, "moderated_channels", err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

// HandleBlockedTerms lists the channel's blocked terms.
func (h *Handlers) HandleBlockedTerms(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.moderator(w, r)
	if !ok {
		return
	}
	broadcasterID, err := h.broadcaster(r.Context(), cred, chat.NormalizeChannel(r.PathValue("channel")))
	if err != nil {
		h.helixFailed(w, r, "resolve_channel", err)
		return
	}
	terms, err := h.Helix.GetBlockedTerms(r.Context(), cred.AccessToken, broadcasterID, cred.IdentityID)
	if err != nil {
		h.helixFailed(w, r, "blocked_terms", err)
		return
	}
	writeJSON(w, http.StatusOK, terms)
}

// HandleAddBlockedTerm blocks {"text": ...} in the channel.
func (h *Handlers) HandleAddBlockedTerm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}
	cred, ok := h.moderator(w, r)
	if !ok {
		return
	}
	broadcasterID, err := h.broadcaster(r.Context(), cred, chat.NormalizeChannel(r.PathValue("channel")))
	if err != nil {
		h.helixFailed(w, r, "resolve_channel", err)
		return
	}
	term, err := h.Helix.AddBlockedTerm(r.Context(), cred.AccessToken, broadcasterID, cred.IdentityID, body.Text)
	if err != nil {
		h.helixFailed(w, r, "add_blocked_term", err)
		return
	}
	writeJSON(w, http.StatusCreated, term)
}

// HandleDeleteBlockedTerm removes the term named by the id query parameter.
func (h *Handlers) HandleDeleteBlockedTerm(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	cred, ok := h.moderator(w, r)
	if !ok {
		return
	}
	broadcasterID, err := h.broadcaster(r.Context(), cred, chat.NormalizeChannel(r.PathValue("channel")))
	if err != nil {
		h.helixFailed(w, r, "resolve_channel", err)
		return
	}
	if err := h.Helix.DeleteBlockedTerm(r.Context(), cred.AccessToken, broadcasterID, cred.IdentityID, id); err != nil {
		h.helixFailed(w, r, "delete_blocked_term", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
