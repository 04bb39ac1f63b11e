package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/config"
	"github.com/onnwee/modbot-relay/db"
	"github.com/onnwee/modbot-relay/hub"
	"github.com/onnwee/modbot-relay/relay"
	"github.com/onnwee/modbot-relay/twitchapi"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Relay is the relay facade the websocket and admin handlers drive.
type Relay interface {
	JoinChannel(ctx context.Context, identity string, sub hub.Subscriber, channel string) error
	LeaveChannel(ctx context.Context, identity, subscriberID, channel string) error
	LeaveAll(ctx context.Context, identity, subscriberID string)
	SendMessage(ctx context.Context, identity, channel, text, replyToID string) (chat.ChatMessage, error)
	InitializeStored(ctx context.Context) (relay.InitResult, error)
	Unassign(ctx context.Context, identity, channel string) error
	Background() []chat.ConnectionKey
}

// Store is the persistence the HTTP layer reads and the onboarding flow writes.
type Store interface {
	Ping(ctx context.Context) error
	CountBotTokens(ctx context.Context) (int, error)
	SchemaVersion(ctx context.Context) (version uint, dirty bool, err error)
	RecentMessages(ctx context.Context, channel string, before time.Time, limit int) ([]chat.ChatMessage, error)
	UpsertBotToken(ctx context.Context, t db.BotToken) error
}

// OAuth runs the bot onboarding grant.
type OAuth interface {
	AuthorizeURL(state string) (string, error)
	ExchangeAuthCode(ctx context.Context, code string) (*twitchapi.Grant, error)
	Validate(ctx context.Context, accessToken string) (*twitchapi.Validation, error)
}

// Moderation is the Helix surface behind the moderator endpoints.
type Moderation interface {
	GetUserByLogin(ctx context.Context, bearer, login string) (twitchapi.User, error)
	GetModeratedChannels(ctx context.Context, bearer, userID string) ([]twitchapi.ModeratedChannel, error)
	GetBlockedTerms(ctx context.Context, bearer, broadcasterID, moderatorID string) ([]twitchapi.BlockedTerm, error)
	AddBlockedTerm(ctx context.Context, bearer, broadcasterID, moderatorID, text string) (twitchapi.BlockedTerm, error)
	DeleteBlockedTerm(ctx context.Context, bearer, broadcasterID, moderatorID, id string) error
}

// Credentials hands out a bot identity's current token.
type Credentials interface {
	GetCurrentToken(ctx context.Context, identity string) (chat.Credential, error)
}

// Deps are the collaborators of the HTTP layer. Pool, Subs, OAuth, Tokens,
// Credentials and Helix may be nil.
type Deps struct {
	Relay       Relay
	Store       Store
	Pool        interface{ Snapshot() []chat.ConnectionInfo }
	Subs        interface{ Channels() map[string]int }
	OAuth       OAuth
	Tokens      interface{ Invalidate(identity string) }
	Credentials Credentials
	Helix       Moderation
	Config      *config.Config
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
	ctx        context.Context
	cors       *corsConfig
	opTimeout  time.Duration
	queue      int
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps, cors *corsConfig) *Handlers {
	if deps.Config == nil {
		deps.Config = &config.Config{}
	}
	h := &Handlers{
		Deps:       deps,
		ctx:        ctx,
		cors:       cors,
		opTimeout:  deps.Config.ConnectTimeout + 5*time.Second,
		queue:      deps.Config.SubscriberQueue,
		stateStore: make(map[string]time.Time),
	}
	if cors == nil {
		h.cors = &corsConfig{permissive: true}
	}
	return h
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was issued and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

// errorStatus maps relay errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated), errors.Is(err, chat.ErrCredentialUnavailable):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, chat.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
