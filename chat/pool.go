package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/onnwee/modbot-relay/telemetry"
)

// TokenSource supplies bot credentials. Implementations must be safe for
// concurrent use and collapse concurrent refreshes of one identity.
type TokenSource interface {
	GetCurrentToken(ctx context.Context, identity string) (Credential, error)
	Refresh(ctx context.Context, identity string) (Credential, error)
}

// SubscriberCounter reports whether a channel still has downstream subscribers.
type SubscriberCounter interface {
	IsEmpty(channel string) bool
}

// Wiring attaches event handlers to a new upstream connection. The returned
// detach func is called exactly once when that connection is torn down.
type Wiring interface {
	Wire(key ConnectionKey) (Callbacks, func())
}

// State is the lifecycle state of an upstream connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PoolConfig tunes connection establishment, reconnect backoff and send throttling.
type PoolConfig struct {
	ConnectTimeout time.Duration
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	SendPer30s     int
	SendBurst      int
	SendWait       time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 60 * time.Second
		if c.MaxDelay < c.BaseDelay {
			c.MaxDelay = c.BaseDelay
		}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.SendPer30s <= 0 {
		c.SendPer30s = 20
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.SendWait <= 0 {
		c.SendWait = 5 * time.Second
	}
}

// ConnectionInfo is a point-in-time view of one pooled connection.
type ConnectionInfo struct {
	Identity    string    `json:"identity"`
	Channel     string    `json:"channel"`
	State       string    `json:"state"`
	Listeners   []string  `json:"listeners"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Reconnects  int       `json:"reconnects"`
}

var errPoolClosed = fmt.Errorf("%w: pool closed", ErrNotConnected)

// Pool owns one upstream chat connection per ConnectionKey.
type Pool struct {
	cfg    PoolConfig
	tokens TokenSource
	dial   Dialer
	wiring Wiring
	subs   SubscriberCounter

	mu     sync.Mutex
	conns  map[ConnectionKey]*upstream
	closed bool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPool builds a pool. wiring and subs may be nil; SetWiring and SetSubscribers
// exist because the ingestor and registry are built after the pool.
func NewPool(cfg PoolConfig, tokens TokenSource, dial Dialer, wiring Wiring, subs SubscriberCounter) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:      cfg,
		tokens:   tokens,
		dial:     dial,
		wiring:   wiring,
		subs:     subs,
		conns:    make(map[ConnectionKey]*upstream),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetWiring must be called before the first Acquire.
func (p *Pool) SetWiring(w Wiring) { p.wiring = w }

// SetSubscribers must be called before the first Acquire.
func (p *Pool) SetSubscribers(s SubscriberCounter) { p.subs = s }

type upstream struct {
	key    ConnectionKey
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error

	mu            sync.Mutex
	state         State
	listeners     map[ListenerRef]struct{}
	transport     Transport
	token         string
	providerToken string
	connectedAt   time.Time
	reconnects    int
}

func newUpstream(key ConnectionKey) *upstream {
	ctx, cancel := context.WithCancel(context.Background())
	return &upstream{
		key:       key,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		state:     StateConnecting,
		listeners: make(map[ListenerRef]struct{}),
	}
}

// markReady releases Acquire callers waiting for the first connect. Only the
// first call has an effect.
func (u *upstream) markReady(err error) {
	u.readyOnce.Do(func() {
		u.readyErr = err
		close(u.ready)
	})
}

// liveTransport returns the transport only while the connection is usable for sends.
func (u *upstream) liveTransport() Transport {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateConnected {
		return nil
	}
	return u.transport
}

func (u *upstream) hasListeners() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.listeners) > 0
}

// Acquire adds ref to the listener set of the connection for (identity, channel),
// creating and connecting it when absent. Concurrent callers for one key share a
// single physical connection. It returns once the connection first reaches the
// connected state, or with the establishment error. If ctx ends first the ref stays
// registered and establishment continues in the background.
func (p *Pool) Acquire(ctx context.Context, identity, channel string, ref ListenerRef) error {
	key := NewConnectionKey(identity, channel)
	if key.Identity == "" || key.Channel == "" {
		return fmt.Errorf("acquire: identity and channel are required")
	}
	ctx, span := telemetry.StartSpan(ctx, "chat", "pool.acquire",
		telemetry.IdentityAttr(key.Identity), telemetry.ChannelAttr(key.Channel))
	defer span.End()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return errPoolClosed
		}
		u, ok := p.conns[key]
		var stale *upstream
		if ok && u.disconnected() {
			// run is tearing it down; its ready may already be closed with nil
			p.removeLocked(u)
			stale, ok = u, false
		}
		if !ok {
			u = newUpstream(key)
			p.conns[key] = u
			telemetry.AddGauge(telemetry.UpstreamConnections, 1)
			go p.run(u)
		}
		u.mu.Lock()
		u.listeners[ref] = struct{}{}
		u.mu.Unlock()
		p.mu.Unlock()
		if stale != nil {
			stale.cancel()
		}

		select {
		case <-u.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if u.readyErr == nil && !p.current(u) {
			continue
		}
		telemetry.RecordError(span, u.readyErr)
		return u.readyErr
	}
}

func (u *upstream) disconnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == StateDisconnected
}

// current reports whether u is still the live entry for its key.
func (p *Pool) current(u *upstream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[u.key] == u && !u.disconnected()
}

// Release removes ref. The connection is torn down once no listener remains and
// the channel has no subscribers.
func (p *Pool) Release(identity, channel string, ref ListenerRef) {
	key := NewConnectionKey(identity, channel)
	p.mu.Lock()
	u, ok := p.conns[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	u.mu.Lock()
	delete(u.listeners, ref)
	empty := len(u.listeners) == 0
	u.mu.Unlock()
	if empty && p.channelIdle(key.Channel) {
		p.removeLocked(u)
	} else {
		u = nil
	}
	p.mu.Unlock()

	if u != nil {
		slog.Info("upstream released", slog.String("component", "pool"), slog.String("key", key.String()))
		u.cancel()
	}
}

// Sweep tears down connections for channel that have no listeners left. The
// subscriber registry calls it when a channel's subscriber set empties.
func (p *Pool) Sweep(channel string) {
	channel = NormalizeChannel(channel)
	var victims []*upstream
	p.mu.Lock()
	if p.channelIdle(channel) {
		for key, u := range p.conns {
			if key.Channel == channel && !u.hasListeners() {
				p.removeLocked(u)
				victims = append(victims, u)
			}
		}
	}
	p.mu.Unlock()
	for _, u := range victims {
		slog.Info("upstream swept", slog.String("component", "pool"), slog.String("key", u.key.String()))
		u.cancel()
	}
}

// channelIdle reports whether the channel has no downstream subscribers.
// Callers hold p.mu so the check and the removal are atomic with Acquire.
func (p *Pool) channelIdle(channel string) bool {
	return p.subs == nil || p.subs.IsEmpty(channel)
}

// removeLocked drops u from the map when it is still the entry for its key.
func (p *Pool) removeLocked(u *upstream) bool {
	if cur, ok := p.conns[u.key]; ok && cur == u {
		delete(p.conns, u.key)
		telemetry.AddGauge(telemetry.UpstreamConnections, -1)
		return true
	}
	return false
}

func (p *Pool) lookup(identity, channel string) *upstream {
	key := NewConnectionKey(identity, channel)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[key]
}

// Send writes text to the channel through the identity's connection. replyToID
// makes it a threaded reply. It fails with ErrNotConnected when no connected
// session exists and with ErrRateLimited when the identity's send budget is not
// available within the configured wait.
func (p *Pool) Send(ctx context.Context, identity, channel, text, replyToID string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("send: empty message")
	}
	u := p.lookup(identity, channel)
	if u == nil || u.liveTransport() == nil {
		telemetry.IncLabel(telemetry.MessagesSent, "not_connected")
		return fmt.Errorf("%w: %s", ErrNotConnected, NewConnectionKey(identity, channel))
	}

	wctx, cancel := context.WithTimeout(ctx, p.cfg.SendWait)
	defer cancel()
	if err := p.limiter(u.key.Identity).Wait(wctx); err != nil {
		telemetry.IncLabel(telemetry.MessagesSent, "rate_limited")
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	// the session may have dropped while waiting for the limiter
	t := u.liveTransport()
	if t == nil {
		telemetry.IncLabel(telemetry.MessagesSent, "not_connected")
		return fmt.Errorf("%w: %s", ErrNotConnected, u.key)
	}
	if replyToID != "" {
		t.Reply(u.key.Channel, replyToID, text)
	} else {
		t.Say(u.key.Channel, text)
	}
	telemetry.IncLabel(telemetry.MessagesSent, "ok")
	return nil
}

// limiter returns the per-identity outbound limiter; Twitch budgets sends per account.
func (p *Pool) limiter(identity string) *rate.Limiter {
	p.limMu.Lock()
	defer p.limMu.Unlock()
	l, ok := p.limiters[identity]
	if !ok {
		l = rate.NewLimiter(rate.Every(30*time.Second/time.Duration(p.cfg.SendPer30s)), p.cfg.SendBurst)
		p.limiters[identity] = l
	}
	return l
}

// UpdateCredential installs token on every live connection of identity without
// reconnecting. It is also the token used at the next reconnect unless the
// TokenSource has issued a newer one since.
func (p *Pool) UpdateCredential(identity, token string) {
	identity = normalizeIdentity(identity)
	if token == "" {
		return
	}
	var targets []*upstream
	p.mu.Lock()
	for key, u := range p.conns {
		if key.Identity == identity {
			targets = append(targets, u)
		}
	}
	p.mu.Unlock()

	for _, u := range targets {
		u.mu.Lock()
		u.token = token
		t := u.transport
		u.mu.Unlock()
		if t != nil {
			t.SetToken(token)
		}
	}
	if len(targets) > 0 {
		slog.Info("credential propagated", slog.String("component", "pool"),
			slog.String("identity", identity), slog.Int("connections", len(targets)))
	}
}

// Snapshot lists pooled connections sorted by key.
func (p *Pool) Snapshot() []ConnectionInfo {
	p.mu.Lock()
	ups := make([]*upstream, 0, len(p.conns))
	for _, u := range p.conns {
		ups = append(ups, u)
	}
	p.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(ups))
	for _, u := range ups {
		u.mu.Lock()
		info := ConnectionInfo{
			Identity:    u.key.Identity,
			Channel:     u.key.Channel,
			State:       u.state.String(),
			ConnectedAt: u.connectedAt,
			Reconnects:  u.reconnects,
		}
		for ref := range u.listeners {
			info.Listeners = append(info.Listeners, string(ref))
		}
		u.mu.Unlock()
		sort.Strings(info.Listeners)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Close disconnects every connection and waits for their supervisors to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	ups := make([]*upstream, 0, len(p.conns))
	for _, u := range p.conns {
		ups = append(ups, u)
		p.removeLocked(u)
	}
	p.mu.Unlock()
	for _, u := range ups {
		u.cancel()
	}
	for _, u := range ups {
		<-u.done
	}
}

// run supervises one connection: dial, wait for it to end, classify, back off and
// redial until it is released, fails fatally or exhausts its attempts.
func (p *Pool) run(u *upstream) {
	defer close(u.done)
	log := slog.Default().With(slog.String("component", "pool"), slog.String("key", u.key.String()))

	cb := Callbacks{}
	detach := func() {}
	if p.wiring != nil {
		cb, detach = p.wiring.Wire(u.key)
	}
	defer detach()

	var (
		established  bool
		failures     int
		authRetried  bool
		forceRefresh bool
	)
	schedule := newBackoff(p.cfg.BaseDelay, p.cfg.MaxDelay)
	for {
		login, token, err := p.credential(u, forceRefresh)
		forceRefresh = false
		connected := false
		if err == nil {
			connected, err = p.connectOnce(u, login, token, cb)
		}
		if connected {
			established = true
			failures = 0
			authRetried = false
			schedule.Reset()
			if cb.OnDisconnect != nil {
				cb.OnDisconnect(err)
			}
		}

		class := Classify(err)
		if u.ctx.Err() != nil {
			class = ClassStopped
		}
		switch class {
		case ClassStopped:
			p.teardown(u, "released", errPoolClosed)
			return
		case ClassFatal:
			log.Warn("upstream credential unavailable; tearing down", slog.Any("err", err))
			p.teardown(u, "credential", err)
			return
		case ClassAuth:
			if !authRetried {
				authRetried = true
				forceRefresh = true
				log.Info("upstream authentication rejected; refreshing token", slog.Any("err", err))
				continue
			}
		}
		if !established {
			log.Warn("upstream establishment failed", slog.Any("err", err))
			p.teardown(u, "establish", err)
			return
		}

		failures++
		if failures > p.cfg.MaxAttempts {
			log.Warn("upstream reconnect attempts exhausted", slog.Int("attempts", failures-1), slog.Any("err", err))
			p.teardown(u, "exhausted", err)
			return
		}
		u.mu.Lock()
		u.state = StateReconnecting
		u.reconnects++
		u.mu.Unlock()
		telemetry.IncCounter(telemetry.UpstreamReconnects)
		delay := schedule.NextBackOff()
		log.Info("upstream disconnected; reconnecting", slog.Int("attempt", failures), slog.Duration("delay", delay), slog.Any("err", err))
		select {
		case <-u.ctx.Done():
			p.teardown(u, "released", errPoolClosed)
			return
		case <-time.After(delay):
		}
	}
}

// newBackoff returns the reconnect schedule: base doubled per attempt, capped at max.
func newBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// credential fetches the token for the next dial. A token pushed through
// UpdateCredential is kept unless the TokenSource now reports a different one.
func (p *Pool) credential(u *upstream, forceRefresh bool) (login, token string, err error) {
	ctx, cancel := context.WithTimeout(u.ctx, p.cfg.ConnectTimeout)
	defer cancel()
	var cred Credential
	if forceRefresh {
		cred, err = p.tokens.Refresh(ctx, u.key.Identity)
	} else {
		cred, err = p.tokens.GetCurrentToken(ctx, u.key.Identity)
	}
	if err != nil {
		return "", "", err
	}
	u.mu.Lock()
	if cred.AccessToken != u.providerToken {
		u.providerToken = cred.AccessToken
		u.token = cred.AccessToken
	}
	token = u.token
	u.mu.Unlock()

	login = strings.ToLower(cred.Login)
	if login == "" {
		login = u.key.Identity
	}
	if token == "" {
		return "", "", fmt.Errorf("%w: empty token for %s", ErrCredentialUnavailable, u.key.Identity)
	}
	return login, token, nil
}

// connectOnce dials a fresh transport and blocks until that session ends.
// connected reports whether the session reached the connected state.
func (p *Pool) connectOnce(u *upstream, login, token string, cb Callbacks) (connected bool, err error) {
	up := make(chan struct{})
	var upOnce sync.Once
	var t Transport

	wrapped := cb
	wrapped.OnConnect = func(l string) {
		u.mu.Lock()
		current := u.transport == t
		if current {
			u.state = StateConnected
			u.connectedAt = time.Now().UTC()
		}
		u.mu.Unlock()
		if !current {
			return
		}
		upOnce.Do(func() { close(up) })
		telemetry.IncCounter(telemetry.UpstreamConnects)
		slog.Info("upstream connected", slog.String("component", "pool"), slog.String("key", u.key.String()), slog.String("login", l))
		u.markReady(nil)
		if cb.OnConnect != nil {
			cb.OnConnect(l)
		}
	}

	t = p.dial(login, token, wrapped)
	t.Join(u.key.Channel)
	u.mu.Lock()
	u.transport = t
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		if u.transport == t {
			u.transport = nil
		}
		u.mu.Unlock()
	}()

	ended := make(chan error, 1)
	go func() { ended <- t.Connect() }()

	timer := time.NewTimer(p.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-up:
	case err := <-ended:
		select {
		case <-up:
			return true, sessionErr(err)
		default:
		}
		if err == nil {
			err = fmt.Errorf("%w: connection closed before login completed", ErrTransport)
		}
		return false, err
	case <-timer.C:
		_ = t.Disconnect()
		return false, fmt.Errorf("%w: connect timed out after %s", ErrTransport, p.cfg.ConnectTimeout)
	case <-u.ctx.Done():
		_ = t.Disconnect()
		return false, context.Canceled
	}

	select {
	case err := <-ended:
		return true, sessionErr(err)
	case <-u.ctx.Done():
		_ = t.Disconnect()
		<-ended
		return true, context.Canceled
	}
}

// sessionErr wraps the end of an established session as a transport error unless
// it already has a more specific class.
func sessionErr(err error) error {
	if err == nil {
		return fmt.Errorf("%w: connection closed", ErrTransport)
	}
	if Classify(err) == ClassRetryable && !errors.Is(err, ErrTransport) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return err
}

// teardown marks u disconnected, removes it from the pool and fails pending
// Acquires. Acquire replaces an entry it finds already disconnected.
func (p *Pool) teardown(u *upstream, reason string, err error) {
	u.mu.Lock()
	u.state = StateDisconnected
	u.transport = nil
	u.mu.Unlock()

	p.mu.Lock()
	p.removeLocked(u)
	p.mu.Unlock()
	u.cancel()

	if err == nil {
		err = fmt.Errorf("%w: %s", ErrNotConnected, reason)
	}
	u.markReady(err)
	telemetry.IncLabel(telemetry.UpstreamTeardowns, reason)
	slog.Info("upstream torn down", slog.String("component", "pool"), slog.String("key", u.key.String()), slog.String("reason", reason))
}
