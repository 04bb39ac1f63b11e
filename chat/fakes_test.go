package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

type sentLine struct {
	channel, parentID, text string
}

// fakeTransport stands in for a go-twitch-irc client.
type fakeTransport struct {
	login, token string
	cb           Callbacks

	// set by the dialer script before Connect runs
	connectErr error
	silent     bool

	mu     sync.Mutex
	joined []string
	sent   []sentLine
	tokens []string

	drop     chan error
	stopOnce sync.Once
	stopped  chan struct{}
}

func (t *fakeTransport) Join(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = append(t.joined, channel)
}

func (t *fakeTransport) Say(channel, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentLine{channel: channel, text: text})
}

func (t *fakeTransport) Reply(channel, parentID, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentLine{channel: channel, parentID: parentID, text: text})
}

func (t *fakeTransport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, token)
}

func (t *fakeTransport) Connect() error {
	if t.connectErr != nil {
		return t.connectErr
	}
	if !t.silent && t.cb.OnConnect != nil {
		t.cb.OnConnect(t.login)
	}
	select {
	case err := <-t.drop:
		return err
	case <-t.stopped:
		return twitch.ErrClientDisconnected
	}
}

func (t *fakeTransport) Disconnect() error {
	t.stopOnce.Do(func() { close(t.stopped) })
	return nil
}

func (t *fakeTransport) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) sentLines() []sentLine {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentLine(nil), t.sent...)
}

func (t *fakeTransport) setTokens() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tokens...)
}

// fakeDialer records every transport it builds. script, when set, configures
// the n-th transport (0-based) before it is returned.
type fakeDialer struct {
	script func(n int, t *fakeTransport)

	mu    sync.Mutex
	dials []*fakeTransport
}

func (d *fakeDialer) Dial(login, token string, cb Callbacks) Transport {
	t := &fakeTransport{
		login:   login,
		token:   token,
		cb:      cb,
		drop:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
	d.mu.Lock()
	n := len(d.dials)
	d.dials = append(d.dials, t)
	d.mu.Unlock()
	if d.script != nil {
		d.script(n, t)
	}
	return t
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) nth(n int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n >= len(d.dials) {
		return nil
	}
	return d.dials[n]
}

// fakeTokens is a TokenSource with a fixed token per identity.
type fakeTokens struct {
	mu        sync.Mutex
	tokens    map[string]string
	err       error
	refreshes int
	refreshTo string
}

func newFakeTokens(pairs ...string) *fakeTokens {
	f := &fakeTokens{tokens: make(map[string]string)}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.tokens[pairs[i]] = pairs[i+1]
	}
	return f
}

func (f *fakeTokens) GetCurrentToken(_ context.Context, identity string) (Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Credential{}, f.err
	}
	tok, ok := f.tokens[identity]
	if !ok {
		return Credential{}, ErrCredentialUnavailable
	}
	return Credential{IdentityID: identity, Login: identity, AccessToken: tok, Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Refresh(ctx context.Context, identity string) (Credential, error) {
	f.mu.Lock()
	f.refreshes++
	if f.refreshTo != "" {
		f.tokens[identity] = f.refreshTo
	}
	f.mu.Unlock()
	return f.GetCurrentToken(ctx, identity)
}

func (f *fakeTokens) set(identity, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[identity] = token
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// fakeSubs is a SubscriberCounter with a settable subscriber count per channel.
type fakeSubs struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *fakeSubs) IsEmpty(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[channel] == 0
}

func (s *fakeSubs) set(channel string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[channel] = n
}

// recordingStore keeps the last write per message id and the order of calls.
type recordingStore struct {
	mu         sync.Mutex
	messages   map[string]ChatMessage
	upserts    int
	ops        []string
	resolveErr error
	upsertErr  error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{messages: make(map[string]ChatMessage)}
}

func (s *recordingStore) UpsertMessage(_ context.Context, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "upsert:"+msg.ID)
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts++
	s.messages[msg.ID] = msg
	return nil
}

func (s *recordingStore) ResolveOrFetchUser(_ context.Context, id, bearer string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "resolve:"+id+":"+bearer)
	if s.resolveErr != nil {
		return User{}, s.resolveErr
	}
	return User{ID: id}, nil
}

func (s *recordingStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "delete:"+id)
	return nil
}

func (s *recordingStore) DeleteMessagesByUsername(_ context.Context, username, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "delete_user:"+username+":"+channelID)
	return nil
}

func (s *recordingStore) snapshot() (map[string]ChatMessage, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make(map[string]ChatMessage, len(s.messages))
	for k, v := range s.messages {
		msgs[k] = v
	}
	return msgs, append([]string(nil), s.ops...)
}

type pushed struct {
	channel, event string
	payload        any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []pushed
}

func (b *recordingBroadcaster) PushToGroup(channel, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, pushed{channel: channel, event: event, payload: payload})
}

func (b *recordingBroadcaster) all() []pushed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pushed(nil), b.events...)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errNetwork = errors.New("read tcp: connection reset by peer")

func privmsg(id, channel, userID, user, text string) twitch.PrivateMessage {
	return twitch.PrivateMessage{
		User: twitch.User{
			ID:          userID,
			Name:        user,
			DisplayName: user,
		},
		Tags:    map[string]string{"tmi-sent-ts": "1700000000000"},
		Message: text,
		Channel: channel,
		RoomID:  "room-" + channel,
		ID:      id,
	}
}
