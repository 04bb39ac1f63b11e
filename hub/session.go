package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 8 << 10
	defaultQueueSz = 256
)

// Frame is a client-to-server websocket message.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	// Ref is echoed back on the reply so clients can match responses.
	Ref string `json:"ref,omitempty"`
}

// ErrorPayload is the payload of an "Error" event.
type ErrorPayload struct {
	Op    string `json:"op"`
	Ref   string `json:"ref,omitempty"`
	Error string `json:"error"`
}

// Session is one browser websocket connection. It implements Subscriber.
type Session struct {
	id       string
	identity string
	conn     *websocket.Conn
	send     chan Event
	log      *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an upgraded connection. queue bounds the outbound backlog.
func NewSession(conn *websocket.Conn, identity string, queue int) *Session {
	if queue <= 0 {
		queue = defaultQueueSz
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan Event, queue),
		log:      slog.Default().With(slog.String("component", "ws"), slog.String("session", id), slog.String("identity", identity)),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Identity() string { return s.identity }

// Enqueue queues ev for the writer without blocking.
func (s *Session) Enqueue(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session; safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Run pumps frames until the peer goes away or ctx ends. handle is called
// sequentially for every decoded client frame.
func (s *Session) Run(ctx context.Context, handle func(context.Context, Frame)) {
	defer s.Close()
	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	s.readPump(ctx, handle)
}

func (s *Session) readPump(ctx context.Context, handle func(context.Context, Frame)) {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read ended", slog.Any("err", err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.Enqueue(Event{Event: "Error", Payload: ErrorPayload{Op: "decode", Error: "invalid frame"}})
			continue
		}
		handle(ctx, f)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					s.log.Debug("websocket write failed", slog.Any("err", err))
				}
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
