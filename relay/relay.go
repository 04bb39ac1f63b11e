// Package relay is the entry point the websocket layer uses: it joins browser
// sessions to channels, keeps the matching upstream connections alive and sends
// moderator messages with a local echo.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/hub"
	"github.com/onnwee/modbot-relay/telemetry"
)

// Connections is the slice of the upstream pool the relay drives.
type Connections interface {
	Acquire(ctx context.Context, identity, channel string, ref chat.ListenerRef) error
	Release(identity, channel string, ref chat.ListenerRef)
	Send(ctx context.Context, identity, channel, text, replyToID string) error
}

// Store holds assignments, the history used to dress up echoes and the echoes
// themselves: Twitch never sends a connection its own messages back.
type Store interface {
	RememberAssignment(ctx context.Context, key chat.ConnectionKey) error
	ForgetAssignment(ctx context.Context, key chat.ConnectionKey) error
	ListAssignments(ctx context.Context) ([]chat.ConnectionKey, error)
	LastMessageBy(ctx context.Context, userID, channel string) (chat.ChatMessage, error)
	UpsertMessage(ctx context.Context, msg chat.ChatMessage) error
}

// Config bounds startup priming and echo writes.
type Config struct {
	InitTimeout     time.Duration
	InitConcurrency int
	OpTimeout       time.Duration
}

// Relay coordinates the pool, the subscriber registry and the token provider.
type Relay struct {
	cfg    Config
	pool   Connections
	subs   *hub.Registry
	tokens chat.TokenSource
	store  Store

	mu         sync.Mutex
	background map[chat.ConnectionKey]struct{}
	watched    map[chat.ConnectionKey]struct{}
}

func New(cfg Config, pool Connections, subs *hub.Registry, tokens chat.TokenSource, store Store) *Relay {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	if cfg.InitConcurrency <= 0 {
		cfg.InitConcurrency = 8
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	return &Relay{
		cfg:        cfg,
		pool:       pool,
		subs:       subs,
		tokens:     tokens,
		store:      store,
		background: make(map[chat.ConnectionKey]struct{}),
		watched:    make(map[chat.ConnectionKey]struct{}),
	}
}

// resolve checks that identity has a usable credential.
func (r *Relay) resolve(ctx context.Context, identity string) (chat.Credential, error) {
	cred, err := r.tokens.GetCurrentToken(ctx, identity)
	if errors.Is(err, chat.ErrCredentialUnavailable) {
		return cred, fmt.Errorf("%w: %w", chat.ErrUnauthenticated, err)
	}
	return cred, err
}

// JoinChannel subscribes sub to channel and makes sure identity's upstream
// connection for it is up. Joining twice is a no-op.
func (r *Relay) JoinChannel(ctx context.Context, identity string, sub hub.Subscriber, channel string) error {
	key := chat.NewConnectionKey(identity, channel)
	if key.Identity == "" || key.Channel == "" {
		return fmt.Errorf("join: identity and channel are required")
	}
	ctx, span := telemetry.StartSpan(ctx, "relay", "relay.join",
		telemetry.IdentityAttr(key.Identity), telemetry.ChannelAttr(key.Channel))
	defer span.End()

	if _, err := r.resolve(ctx, key.Identity); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	r.subs.Join(key.Channel, sub)
	if err := r.pool.Acquire(ctx, key.Identity, key.Channel, chat.IngestListener); err != nil {
		telemetry.RecordError(span, err)
		if errors.Is(err, chat.ErrCredentialUnavailable) {
			err = fmt.Errorf("%w: %w", chat.ErrUnauthenticated, err)
		}
		// ctx expiry leaves the connection establishing in the background; keep the member
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			r.leave(key, sub.ID())
		}
		return err
	}
	if r.store != nil {
		if err := r.store.RememberAssignment(ctx, key); err != nil {
			slog.Warn("remember assignment failed", slog.String("component", "relay"),
				slog.String("key", key.String()), slog.Any("err", err))
		}
	}
	return nil
}

// LeaveChannel unsubscribes subscriberID. It is safe after the session is gone
// and on channels it never joined.
func (r *Relay) LeaveChannel(_ context.Context, identity, subscriberID, channel string) error {
	key := chat.NewConnectionKey(identity, channel)
	if key.Channel == "" {
		return nil
	}
	r.leave(key, subscriberID)
	return nil
}

// leave drops the member and releases the ingest ref once no session of the
// same identity still watches the channel.
func (r *Relay) leave(key chat.ConnectionKey, subscriberID string) {
	r.subs.Leave(key.Channel, subscriberID)
	if !r.subs.HasIdentity(key.Channel, key.Identity) {
		r.pool.Release(key.Identity, key.Channel, chat.IngestListener)
	}
}

// LeaveAll removes subscriberID from every channel it joined.
func (r *Relay) LeaveAll(ctx context.Context, identity, subscriberID string) {
	for _, ch := range r.subs.ChannelsOf(subscriberID) {
		_ = r.LeaveChannel(ctx, identity, subscriberID, ch)
	}
}

// SendMessage sends text as identity, split to fit Twitch's message limit, and
// fans out an echo dressed with the bot's last persisted message in the channel.
// Only the first chunk is threaded under replyToID.
func (r *Relay) SendMessage(ctx context.Context, identity, channel, text, replyToID string) (chat.ChatMessage, error) {
	key := chat.NewConnectionKey(identity, channel)
	chunks := chat.SplitMessage(text, chat.MaxMessageLength)
	if key.Identity == "" || key.Channel == "" || len(chunks) == 0 {
		return chat.ChatMessage{}, fmt.Errorf("send: identity, channel and text are required")
	}
	ctx, span := telemetry.StartSpan(ctx, "relay", "relay.send",
		telemetry.IdentityAttr(key.Identity), telemetry.ChannelAttr(key.Channel))
	defer span.End()

	for i, chunk := range chunks {
		parent := ""
		if i == 0 {
			parent = replyToID
		}
		if err := r.pool.Send(ctx, key.Identity, key.Channel, chunk, parent); err != nil {
			telemetry.RecordError(span, err)
			return chat.ChatMessage{}, err
		}
	}

	echo := r.echo(ctx, key, strings.Join(chunks, " "), replyToID)
	r.subs.PushToGroup(key.Channel, chat.EventReceiveMessage, echo)
	if r.store != nil {
		go r.persistEcho(context.WithoutCancel(ctx), echo)
	}
	return echo, nil
}

func (r *Relay) persistEcho(ctx context.Context, echo chat.ChatMessage) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	if err := r.store.UpsertMessage(ctx, echo); err != nil {
		telemetry.IncLabel(telemetry.PersistenceFailures, "echo")
		slog.Warn("persist echo failed", slog.String("component", "relay"),
			slog.String("message_id", echo.ID), slog.Any("err", err))
	}
}

func (r *Relay) echo(ctx context.Context, key chat.ConnectionKey, text, replyToID string) chat.ChatMessage {
	echo := chat.ChatMessage{
		ID:          uuid.NewString(),
		Channel:     key.Channel,
		Username:    key.Identity,
		DisplayName: key.Identity,
		Text:        text,
		ReplyParent: replyToID,
		BotUsername: key.Identity,
		SentAt:      time.Now().UTC(),
		LocalEcho:   true,
	}
	cred, err := r.tokens.GetCurrentToken(ctx, key.Identity)
	if err != nil || cred.IdentityID == "" || r.store == nil {
		return echo
	}
	echo.UserID = cred.IdentityID
	last, err := r.store.LastMessageBy(ctx, cred.IdentityID, key.Channel)
	if err != nil {
		return echo
	}
	echo.ChannelID = last.ChannelID
	if last.DisplayName != "" {
		echo.DisplayName = last.DisplayName
	}
	echo.Color = last.Color
	echo.Badges = last.Badges
	echo.BadgeInfo = last.BadgeInfo
	echo.UserType = last.UserType
	echo.Flags = chat.Flags{
		Subscriber:  last.Flags.Subscriber,
		Moderator:   last.Flags.Moderator,
		VIP:         last.Flags.VIP,
		Broadcaster: last.Flags.Broadcaster,
		Turbo:       last.Flags.Turbo,
	}
	return echo
}

// InitResult reports how startup priming went.
type InitResult struct {
	Connected []chat.ConnectionKey
	// Pending are still establishing when the timeout hit; they keep trying.
	Pending []chat.ConnectionKey
	Failed  map[chat.ConnectionKey]error
}

// InitializeExisting holds a background listener on every key so capture runs
// without any browser attached. It returns once all keys settled or the init
// timeout passed; partial success is normal.
func (r *Relay) InitializeExisting(ctx context.Context, keys []chat.ConnectionKey) InitResult {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.InitTimeout)
	defer cancel()
	log := slog.Default().With(slog.String("component", "relay"))

	res := InitResult{Failed: make(map[chat.ConnectionKey]error)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.InitConcurrency)
	seen := make(map[chat.ConnectionKey]struct{}, len(keys))
	for _, k := range keys {
		key := chat.NewConnectionKey(k.Identity, k.Channel)
		if _, dup := seen[key]; dup || key.Identity == "" || key.Channel == "" {
			continue
		}
		seen[key] = struct{}{}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				res.Failed[key] = ctx.Err()
				mu.Unlock()
				return nil
			}
			r.mu.Lock()
			r.background[key] = struct{}{}
			r.mu.Unlock()
			err := r.pool.Acquire(ctx, key.Identity, key.Channel, chat.BackgroundListener)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Connected = append(res.Connected, key)
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
				res.Pending = append(res.Pending, key)
			default:
				res.Failed[key] = err
				r.mu.Lock()
				delete(r.background, key)
				r.mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("initialized existing assignments",
		slog.Int("total", len(seen)), slog.Int("connected", len(res.Connected)),
		slog.Int("pending", len(res.Pending)), slog.Int("failed", len(res.Failed)))
	for key, err := range res.Failed {
		log.Warn("assignment not primed", slog.String("key", key.String()), slog.Any("err", err))
	}
	return res
}

// InitializeStored primes every assignment remembered in the store.
func (r *Relay) InitializeStored(ctx context.Context) (InitResult, error) {
	if r.store == nil {
		return InitResult{Failed: map[chat.ConnectionKey]error{}}, nil
	}
	keys, err := r.store.ListAssignments(ctx)
	if err != nil {
		return InitResult{}, err
	}
	return r.InitializeExisting(ctx, keys), nil
}

// Unassign stops background capture of key and forgets it.
func (r *Relay) Unassign(ctx context.Context, identity, channel string) error {
	key := chat.NewConnectionKey(identity, channel)
	r.releaseBackground(key)
	if r.store == nil {
		return nil
	}
	return r.store.ForgetAssignment(ctx, key)
}

func (r *Relay) releaseBackground(key chat.ConnectionKey) {
	r.mu.Lock()
	_, held := r.background[key]
	delete(r.background, key)
	r.mu.Unlock()
	if held {
		r.pool.Release(key.Identity, key.Channel, chat.BackgroundListener)
	}
}

// Background lists keys currently held by a background listener.
func (r *Relay) Background() []chat.ConnectionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.ConnectionKey, 0, len(r.background))
	for k := range r.background {
		out = append(out, k)
	}
	return out
}
