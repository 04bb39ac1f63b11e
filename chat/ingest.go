package chat

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/modbot-relay/telemetry"
)

// Store is the persistence side of ingestion. Every method must be idempotent.
type Store interface {
	UpsertMessage(ctx context.Context, msg ChatMessage) error
	ResolveOrFetchUser(ctx context.Context, providerUserID, bearer string) (User, error)
	DeleteMessage(ctx context.Context, id string) error
	DeleteMessagesByUsername(ctx context.Context, username, channelID string) error
}

// Broadcaster pushes an event to every subscriber of a channel.
type Broadcaster interface {
	PushToGroup(channel, eventName string, payload any)
}

// CommandRunner answers chat commands. ok is false when msg is not a known command
// or the sender may not run it.
type CommandRunner interface {
	Run(ctx context.Context, msg ChatMessage) (reply string, ok bool)
}

// Sender sends outbound chat through an identity's connection.
type Sender interface {
	Send(ctx context.Context, identity, channel, text, replyToID string) error
}

// IngestConfig bounds the ingestor's background work.
type IngestConfig struct {
	// Concurrency caps store calls in flight across all connections.
	Concurrency int
	// QueueSize is the per-connection persistence backlog; jobs past it are dropped.
	QueueSize int
	// RecentIDs is how many message ids are remembered for cross-connection de-duplication.
	RecentIDs int
	// OpTimeout bounds each store call.
	OpTimeout time.Duration
}

// Ingestor turns upstream events into domain messages, fans them out and
// persists them. It is the pool's Wiring.
type Ingestor struct {
	cfg      IngestConfig
	store    Store
	out      Broadcaster
	tokens   TokenSource
	commands CommandRunner
	sender   Sender

	sem    chan struct{}
	recent *recentIDs

	mu    sync.Mutex
	wired map[*wiring]struct{}
}

// NewIngestor builds an ingestor. commands and sender may be nil, which disables
// chat commands.
func NewIngestor(cfg IngestConfig, store Store, out Broadcaster, tokens TokenSource, commands CommandRunner, sender Sender) *Ingestor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	return &Ingestor{
		cfg:      cfg,
		store:    store,
		out:      out,
		tokens:   tokens,
		commands: commands,
		sender:   sender,
		sem:      make(chan struct{}, cfg.Concurrency),
		recent:   newRecentIDs(cfg.RecentIDs),
		wired:    make(map[*wiring]struct{}),
	}
}

// SetCommands installs the command table and the sender used for replies.
func (in *Ingestor) SetCommands(commands CommandRunner, sender Sender) {
	in.commands = commands
	in.sender = sender
}

// WiredCount reports how many connections currently have callbacks attached.
func (in *Ingestor) WiredCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.wired)
}

// wiring is the per-connection state: its login once connected and an ordered
// persistence queue so writes for one connection land in arrival order.
type wiring struct {
	key ConnectionKey
	log *slog.Logger

	mu     sync.Mutex
	login  string
	closed bool
	jobs   chan func(context.Context)
	done   chan struct{}
}

func (w *wiring) botLogin() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.login != "" {
		return w.login
	}
	return w.key.Identity
}

// Wire implements Wiring.
func (in *Ingestor) Wire(key ConnectionKey) (Callbacks, func()) {
	w := &wiring{
		key:  key,
		log:  slog.Default().With(slog.String("component", "ingest"), slog.String("key", key.String())),
		jobs: make(chan func(context.Context), in.cfg.QueueSize),
		done: make(chan struct{}),
	}
	in.mu.Lock()
	in.wired[w] = struct{}{}
	in.mu.Unlock()
	go in.drain(w)

	cb := Callbacks{
		OnConnect: func(login string) {
			w.mu.Lock()
			w.login = strings.ToLower(login)
			w.mu.Unlock()
		},
		OnDisconnect: func(err error) {
			w.log.Debug("connection dropped", slog.Any("err", err))
		},
		OnMessage:      func(m twitch.PrivateMessage) { in.handleMessage(w, m) },
		OnClearMessage: func(m twitch.ClearMessage) { in.handleClearMessage(w, m) },
		OnClearChat:    func(m twitch.ClearChatMessage) { in.handleClearChat(w, m) },
	}

	var once sync.Once
	detach := func() {
		once.Do(func() {
			w.mu.Lock()
			w.closed = true
			close(w.jobs)
			w.mu.Unlock()
			<-w.done
			in.mu.Lock()
			delete(in.wired, w)
			in.mu.Unlock()
		})
	}
	return cb, detach
}

// drain runs queued persistence jobs in order, one store call slot at a time.
func (in *Ingestor) drain(w *wiring) {
	defer close(w.done)
	for job := range w.jobs {
		in.sem <- struct{}{}
		ctx, cancel := context.WithTimeout(context.Background(), in.cfg.OpTimeout)
		job(ctx)
		cancel()
		<-in.sem
	}
}

// enqueue schedules job behind earlier jobs of the same connection. It never
// blocks the callback: a full backlog or a detached connection drops the job.
func (in *Ingestor) enqueue(w *wiring, op string, job func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.jobs <- job:
	default:
		telemetry.IncLabel(telemetry.PersistenceFailures, "backlog")
		w.log.Warn("persistence backlog full; dropping job", slog.String("op", op), slog.Int("queue", cap(w.jobs)))
	}
}

func (in *Ingestor) handleMessage(w *wiring, raw twitch.PrivateMessage) {
	msg := Normalize(raw, w.botLogin())
	if msg.Channel == "" {
		msg.Channel = w.key.Channel
	}
	if in.recent.duplicate(msg.ID, w.key) {
		telemetry.IncCounter(telemetry.DuplicatesSkipped)
		return
	}
	telemetry.IncCounter(telemetry.MessagesIngested)

	// fan-out stays on the callback goroutine so subscribers see upstream order
	if in.out != nil {
		in.out.PushToGroup(msg.Channel, EventReceiveMessage, msg)
		telemetry.IncCounter(telemetry.FanoutEvents)
	}

	in.enqueue(w, "upsert", func(ctx context.Context) { in.persist(ctx, w, msg) })

	if in.commands != nil && in.sender != nil && strings.HasPrefix(msg.Text, "!") {
		in.enqueue(w, "command", func(ctx context.Context) { in.runCommand(ctx, w, msg) })
	}
}

// persist resolves the sender before the upsert so the user reference can be satisfied.
func (in *Ingestor) persist(ctx context.Context, w *wiring, msg ChatMessage) {
	if in.store == nil {
		return
	}
	if msg.UserID != "" {
		if err := in.resolveUser(ctx, w, msg.UserID); err != nil {
			telemetry.IncLabel(telemetry.PersistenceFailures, "resolve_user")
			w.log.Warn("resolve user failed; upserting anyway", slog.String("user_id", msg.UserID), slog.Any("err", err))
		}
	}
	start := time.Now()
	err := in.store.UpsertMessage(ctx, msg)
	telemetry.Observe(telemetry.UpsertDuration, time.Since(start).Seconds())
	if err != nil {
		telemetry.IncLabel(telemetry.PersistenceFailures, "upsert")
		w.log.Error("upsert message failed", slog.String("message_id", msg.ID), slog.Any("err", err))
	}
}

// resolveUser fetches an unseen user with the bot's own credential.
func (in *Ingestor) resolveUser(ctx context.Context, w *wiring, userID string) error {
	bearer := ""
	if in.tokens != nil {
		cred, err := in.tokens.GetCurrentToken(ctx, w.key.Identity)
		if err != nil {
			return err
		}
		bearer = cred.AccessToken
	}
	_, err := in.store.ResolveOrFetchUser(ctx, userID, bearer)
	return err
}

func (in *Ingestor) runCommand(ctx context.Context, w *wiring, msg ChatMessage) {
	reply, ok := in.commands.Run(ctx, msg)
	if !ok || reply == "" {
		return
	}
	for _, chunk := range SplitMessage(reply, MaxMessageLength) {
		if err := in.sender.Send(ctx, w.key.Identity, w.key.Channel, chunk, msg.ID); err != nil {
			w.log.Warn("command reply failed", slog.String("message_id", msg.ID), slog.Any("err", err))
			return
		}
	}
}

func (in *Ingestor) handleClearMessage(w *wiring, m twitch.ClearMessage) {
	if m.TargetMsgID == "" {
		return
	}
	channel := NormalizeChannel(m.Channel)
	if channel == "" {
		channel = w.key.Channel
	}
	if in.recent.duplicate("clearmsg:"+m.TargetMsgID, w.key) {
		return
	}
	if in.out != nil {
		in.out.PushToGroup(channel, EventDeleteMessage, DeletePayload{MessageID: m.TargetMsgID, Username: strings.ToLower(m.Login)})
	}
	in.enqueue(w, "delete_message", func(ctx context.Context) {
		if in.store == nil {
			return
		}
		if err := in.store.DeleteMessage(ctx, m.TargetMsgID); err != nil {
			telemetry.IncLabel(telemetry.PersistenceFailures, "delete_message")
			w.log.Error("delete message failed", slog.String("message_id", m.TargetMsgID), slog.Any("err", err))
		}
	})
}

// handleClearChat covers timeouts and bans (a target user) and full chat clears.
func (in *Ingestor) handleClearChat(w *wiring, m twitch.ClearChatMessage) {
	channel := NormalizeChannel(m.Channel)
	if channel == "" {
		channel = w.key.Channel
	}
	username := strings.ToLower(m.TargetUsername)
	// every identity in the channel sees the same CLEARCHAT
	if in.recent.duplicate(clearChatID(m, channel, username), w.key) {
		telemetry.IncCounter(telemetry.DuplicatesSkipped)
		return
	}
	if username == "" {
		if in.out != nil {
			in.out.PushToGroup(channel, EventClearChat, DeletePayload{ChannelID: m.RoomID})
		}
		return
	}
	if in.out != nil {
		in.out.PushToGroup(channel, EventDeleteUserMessages, DeletePayload{
			ChannelID: m.RoomID,
			Username:  username,
			Duration:  m.BanDuration,
		})
	}
	in.enqueue(w, "delete_user_messages", func(ctx context.Context) {
		if in.store == nil {
			return
		}
		if err := in.store.DeleteMessagesByUsername(ctx, username, m.RoomID); err != nil {
			telemetry.IncLabel(telemetry.PersistenceFailures, "delete_user_messages")
			w.log.Error("delete user messages failed", slog.String("username", username), slog.Any("err", err))
		}
	})
}

// clearChatID keys a CLEARCHAT by room, target and server timestamp.
func clearChatID(m twitch.ClearChatMessage, channel, username string) string {
	room := m.RoomID
	if room == "" {
		room = channel
	}
	ts := m.Tags["tmi-sent-ts"]
	if ts == "" {
		ts = strconv.FormatInt(m.Time.UnixMilli(), 10)
	}
	return "clearchat:" + room + ":" + username + ":" + ts
}
