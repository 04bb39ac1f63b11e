package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/hub"
	"github.com/onnwee/modbot-relay/telemetry"
)

// Event names the relay sends in reply to client frames.
const (
	eventJoined = "Joined"
	eventLeft   = "Left"
	eventSent   = "Sent"
	eventError  = "Error"
)

// HandleWebsocket upgrades the request and relays frames for one browser
// session acting as the identity given in X-Relay-Identity or ?identity=.
func (h *Handlers) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)
	if identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.cors.allows(r.Header.Get("Origin")) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		slog.Debug("websocket upgrade failed", slog.String("component", "ws"), slog.Any("err", err))
		return
	}

	sess := hub.NewSession(conn, identity, h.queue)
	ctx := telemetry.WithCorrelation(h.ctx, sess.ID())
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "ws"), slog.String("identity", identity))
	log.Info("websocket session opened")
	defer func() {
		h.Relay.LeaveAll(context.WithoutCancel(ctx), identity, sess.ID())
		log.Info("websocket session closed")
	}()

	sess.Run(ctx, func(ctx context.Context, f hub.Frame) { h.handleFrame(ctx, sess, f) })
}

// handleFrame runs one client frame. Failures come back as Error events and
// never end the session.
func (h *Handlers) handleFrame(ctx context.Context, sess *hub.Session, f hub.Frame) {
	identity := sess.Identity()
	channel := chat.NormalizeChannel(f.Channel)
	fail := func(err error) {
		sess.Enqueue(hub.Event{Event: eventError, Channel: channel, Payload: hub.ErrorPayload{Op: f.Type, Ref: f.Ref, Error: err.Error()}})
	}
	ack := func(event string, payload any) {
		sess.Enqueue(hub.Event{Event: event, Channel: channel, Payload: payload})
	}

	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	switch f.Type {
	case "join":
		if err := h.Relay.JoinChannel(ctx, identity, sess, channel); err != nil {
			fail(err)
			return
		}
		ack(eventJoined, map[string]string{"ref": f.Ref})
	case "leave":
		if err := h.Relay.LeaveChannel(ctx, identity, sess.ID(), channel); err != nil {
			fail(err)
			return
		}
		ack(eventLeft, map[string]string{"ref": f.Ref})
	case "send":
		echo, err := h.Relay.SendMessage(ctx, identity, channel, f.Text, f.ReplyTo)
		if err != nil {
			fail(err)
			return
		}
		ack(eventSent, map[string]any{"ref": f.Ref, "message": echo})
	default:
		sess.Enqueue(hub.Event{Event: eventError, Payload: hub.ErrorPayload{Op: f.Type, Ref: f.Ref, Error: "unknown frame type"}})
	}
}
