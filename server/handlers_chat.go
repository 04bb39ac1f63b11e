package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/hub"
	"github.com/onnwee/modbot-relay/telemetry"
)

// HandleChannelMessages returns persisted messages of a channel, oldest first.
// Params: limit (default 100, max 500), before (RFC3339).
func (h *Handlers) HandleChannelMessages(w http.ResponseWriter, r *http.Request) {
	channel := chat.NormalizeChannel(r.PathValue("channel"))
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid before", http.StatusBadRequest)
			return
		}
		before = t
	}
	msgs, err := h.Store.RecentMessages(r.Context(), channel, before, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("recent messages failed", slog.String("channel", channel), slog.Any("err", err))
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []chat.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// streamSubscriber buffers events for one Server-Sent Events response.
type streamSubscriber struct {
	id       string
	identity string
	events   chan hub.Event
}

func (s *streamSubscriber) ID() string       { return s.id }
func (s *streamSubscriber) Identity() string { return s.identity }
func (s *streamSubscriber) Enqueue(ev hub.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// HandleChannelStream subscribes to a channel as the requested identity and
// streams its live events as Server-Sent Events until the client goes away.
func (h *Handlers) HandleChannelStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	identity := requestIdentity(r)
	channel := chat.NormalizeChannel(r.PathValue("channel"))
	if identity == "" || channel == "" {
		http.Error(w, "identity and channel required", http.StatusBadRequest)
		return
	}
	queue := h.queue
	if queue <= 0 {
		queue = 256
	}
	sub := &streamSubscriber{id: uuid.NewString(), identity: identity, events: make(chan hub.Event, queue)}

	// a join cut short by the client still leaves the member registered
	defer func() { _ = h.Relay.LeaveChannel(context.WithoutCancel(r.Context()), identity, sub.id, channel) }()
	joinCtx, cancel := context.WithTimeout(r.Context(), h.opTimeout)
	err := h.Relay.JoinChannel(joinCtx, identity, sub, channel)
	cancel()
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-sub.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + ev.Event + "\ndata: " + string(data) + "\n\n")); err != nil {
				slog.Warn("failed to write SSE event", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
