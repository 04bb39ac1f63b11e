package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

func testPool(t *testing.T, d *fakeDialer, tokens TokenSource, subs SubscriberCounter, w Wiring) *Pool {
	t.Helper()
	if subs == nil {
		subs = &fakeSubs{}
	}
	p := NewPool(PoolConfig{
		ConnectTimeout: time.Second,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		MaxAttempts:    3,
		SendPer30s:     3000,
		SendBurst:      10,
		SendWait:       100 * time.Millisecond,
	}, tokens, d.Dial, w, subs)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireConcurrentSingleConnection(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, nil)

	const callers = 25
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- p.Acquire(context.Background(), "Bot", "#Alice", ListenerRef(fmt.Sprintf("l%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
	}
	if got := d.count(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if snap[0].Identity != "bot" || snap[0].Channel != "alice" || snap[0].State != "connected" {
		t.Errorf("snapshot = %+v", snap[0])
	}
	if len(snap[0].Listeners) != callers {
		t.Errorf("listeners = %d, want %d", len(snap[0].Listeners), callers)
	}
	if joined := d.nth(0).joined; len(joined) != 1 || joined[0] != "alice" {
		t.Errorf("joined = %v", joined)
	}
}

func TestReleaseTearsDownWhenIdle(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, nil)
	ctx := context.Background()

	if err := p.Acquire(ctx, "bot", "alice", "a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Acquire(ctx, "bot", "alice", "b"); err != nil {
		t.Fatal(err)
	}
	p.Release("bot", "alice", "a")
	if len(p.Snapshot()) != 1 {
		t.Fatal("connection torn down while a listener remained")
	}
	// releasing twice is harmless
	p.Release("bot", "alice", "a")

	p.Release("bot", "alice", "b")
	if len(p.Snapshot()) != 0 {
		t.Fatal("connection still pooled after last release")
	}
	eventually(t, "transport disconnect", d.nth(0).isStopped)
}

func TestSubscribersKeepConnectionAlive(t *testing.T) {
	d := &fakeDialer{}
	subs := &fakeSubs{}
	subs.set("alice", 1)
	p := testPool(t, d, newFakeTokens("bot", "tok"), subs, nil)

	if err := p.Acquire(context.Background(), "bot", "alice", IngestListener); err != nil {
		t.Fatal(err)
	}
	p.Release("bot", "alice", IngestListener)
	if len(p.Snapshot()) != 1 {
		t.Fatal("connection torn down while the channel had subscribers")
	}
	p.Sweep("alice")
	if len(p.Snapshot()) != 1 {
		t.Fatal("sweep ignored remaining subscribers")
	}

	subs.set("alice", 0)
	p.Sweep("#ALICE")
	if len(p.Snapshot()) != 0 {
		t.Fatal("sweep did not tear down an idle connection")
	}
	eventually(t, "transport disconnect", d.nth(0).isStopped)
}

func TestSweepSkipsConnectionsWithListeners(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, newFakeTokens("bot", "tok", "other", "tok2"), nil, nil)
	ctx := context.Background()
	if err := p.Acquire(ctx, "bot", "alice", BackgroundListener); err != nil {
		t.Fatal(err)
	}
	if err := p.Acquire(ctx, "other", "bob", BackgroundListener); err != nil {
		t.Fatal(err)
	}
	p.Sweep("alice")
	if len(p.Snapshot()) != 2 {
		t.Fatal("sweep removed a connection that still had a listener")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, nil)

	err := p.Send(context.Background(), "bot", "alice", "hello", "")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
	if d.count() != 0 {
		t.Fatal("Send dialed a connection")
	}
}

func TestSendSayAndReply(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, nil)
	ctx := context.Background()
	if err := p.Acquire(ctx, "bot", "alice", IngestListener); err != nil {
		t.Fatal(err)
	}
	if err := p.Send(ctx, "BOT", "#alice", "hello", ""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := p.Send(ctx, "bot", "alice", "threaded", "msg-1"); err != nil {
		t.Fatalf("Send() reply error = %v", err)
	}
	if err := p.Send(ctx, "bot", "alice", "   ", ""); err == nil {
		t.Error("Send() accepted an empty message")
	}
	got := d.nth(0).sentLines()
	want := []sentLine{{channel: "alice", text: "hello"}, {channel: "alice", parentID: "msg-1", text: "threaded"}}
	if len(got) != len(want) {
		t.Fatalf("sent = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSendRateLimited(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(PoolConfig{
		ConnectTimeout: time.Second,
		SendPer30s:     1,
		SendBurst:      1,
		SendWait:       10 * time.Millisecond,
	}, newFakeTokens("bot", "tok"), d.Dial, nil, &fakeSubs{})
	t.Cleanup(p.Close)
	ctx := context.Background()
	if err := p.Acquire(ctx, "bot", "alice", IngestListener); err != nil {
		t.Fatal(err)
	}
	if err := p.Send(ctx, "bot", "alice", "one", ""); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := p.Send(ctx, "bot", "alice", "two", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Send() error = %v, want ErrRateLimited", err)
	}
}

func TestUpdateCredentialKeepsConnectionAndIsUsedOnReconnect(t *testing.T) {
	d := &fakeDialer{}
	tokens := newFakeTokens("bot", "old")
	p := testPool(t, d, tokens, nil, nil)
	if err := p.Acquire(context.Background(), "bot", "alice", IngestListener); err != nil {
		t.Fatal(err)
	}
	first := d.nth(0)
	if first.token != "old" {
		t.Fatalf("initial token = %q", first.token)
	}

	p.UpdateCredential("BOT", "new")
	if first.isStopped() {
		t.Fatal("UpdateCredential disconnected the live transport")
	}
	if got := first.setTokens(); len(got) != 1 || got[0] != "new" {
		t.Fatalf("SetToken calls = %v", got)
	}
	if s := p.Snapshot(); len(s) != 1 || s[0].State != "connected" {
		t.Fatalf("snapshot after update = %+v", s)
	}

	first.drop <- errNetwork
	eventually(t, "reconnect dial", func() bool { return d.count() == 2 })
	if got := d.nth(1).token; got != "new" {
		t.Fatalf("reconnect token = %q, want new", got)
	}
	eventually(t, "reconnected", func() bool {
		s := p.Snapshot()
		return len(s) == 1 && s[0].State == "connected" && s[0].Reconnects == 1
	})
}

func TestReconnectPrefersNewerProviderToken(t *testing.T) {
	d := &fakeDialer{}
	tokens := newFakeTokens("bot", "old")
	p := testPool(t, d, tokens, nil, nil)
	if err := p.Acquire(context.Background(), "bot", "alice", IngestListener); err != nil {
		t.Fatal(err)
	}
	p.UpdateCredential("bot", "pushed")
	tokens.set("bot", "rotated")

	d.nth(0).drop <- errNetwork
	eventually(t, "reconnect dial", func() bool { return d.count() == 2 })
	if got := d.nth(1).token; got != "rotated" {
		t.Fatalf("reconnect token = %q, want rotated", got)
	}
}

func TestReconnectExhaustionRemovesConnection(t *testing.T) {
	d := &fakeDialer{script: func(n int, t *fakeTransport) {
		if n > 0 {
			t.connectErr = errNetwork
		}
	}}
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, nil)
	if err := p.Acquire(context.Background(), "bot", "alice", IngestListener); err != nil {
		t.Fatal(err)
	}
	d.nth(0).drop <- errNetwork

	eventually(t, "teardown", func() bool { return len(p.Snapshot()) == 0 })
	// one original dial plus MaxAttempts redials
	if got := d.count(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
	if err := p.Send(context.Background(), "bot", "alice", "hi", ""); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after exhaustion = %v, want ErrNotConnected", err)
	}

	// a fresh Acquire builds a new connection
	d.script = nil
	if err := p.Acquire(context.Background(), "bot", "alice", IngestListener); err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
}

func TestAcquireReplacesConnectionBeingTornDown(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, nil)
	ctx := context.Background()
	if err := p.Acquire(ctx, "bot", "alice", "a"); err != nil {
		t.Fatal(err)
	}
	// teardown has marked it but not yet removed it from the pool
	old := p.lookup("bot", "alice")
	old.mu.Lock()
	old.state = StateDisconnected
	old.mu.Unlock()

	if err := p.Acquire(ctx, "bot", "alice", "b"); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if p.lookup("bot", "alice") == old {
		t.Fatal("Acquire joined a connection that is being torn down")
	}
	if got := d.count(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	snap := p.Snapshot()
	if len(snap) != 1 || snap[0].State != "connected" || len(snap[0].Listeners) != 1 || snap[0].Listeners[0] != "b" {
		t.Errorf("snapshot = %+v", snap)
	}
	eventually(t, "old transport closed", d.nth(0).isStopped)
}

func TestAcquireCredentialUnavailable(t *testing.T) {
	d := &fakeDialer{}
	p := testPool(t, d, newFakeTokens(), nil, nil)
	err := p.Acquire(context.Background(), "ghost", "alice", IngestListener)
	if !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("Acquire() error = %v, want ErrCredentialUnavailable", err)
	}
	if d.count() != 0 {
		t.Error("dialed without a credential")
	}
	if len(p.Snapshot()) != 0 {
		t.Error("failed connection left in the pool")
	}
}

func TestAcquireAuthFailureRefreshesOnce(t *testing.T) {
	d := &fakeDialer{script: func(n int, t *fakeTransport) {
		if n == 0 {
			t.connectErr = twitch.ErrLoginAuthenticationFailed
		}
	}}
	tokens := newFakeTokens("bot", "stale")
	tokens.refreshTo = "fresh"
	p := testPool(t, d, tokens, nil, nil)

	if err := p.Acquire(context.Background(), "bot", "alice", IngestListener); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if tokens.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1", tokens.refreshCount())
	}
	if got := d.nth(1).token; got != "fresh" {
		t.Errorf("second dial token = %q, want fresh", got)
	}
}

func TestAcquireConnectTimeout(t *testing.T) {
	d := &fakeDialer{script: func(_ int, t *fakeTransport) { t.silent = true }}
	p := NewPool(PoolConfig{ConnectTimeout: 20 * time.Millisecond}, newFakeTokens("bot", "tok"), d.Dial, nil, &fakeSubs{})
	t.Cleanup(p.Close)

	err := p.Acquire(context.Background(), "bot", "alice", IngestListener)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Acquire() error = %v, want ErrTransport", err)
	}
	if !d.nth(0).isStopped() {
		t.Error("timed out transport was not disconnected")
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	d := &fakeDialer{script: func(_ int, t *fakeTransport) { t.silent = true }}
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx, "bot", "alice", IngestListener); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}
}

func TestWiringAttachDetachSymmetric(t *testing.T) {
	d := &fakeDialer{}
	in := NewIngestor(IngestConfig{}, nil, nil, nil, nil, nil)
	p := testPool(t, d, newFakeTokens("bot", "tok"), nil, in)

	if err := p.Acquire(context.Background(), "bot", "alice", IngestListener); err != nil {
		t.Fatal(err)
	}
	if err := p.Acquire(context.Background(), "bot", "bob", IngestListener); err != nil {
		t.Fatal(err)
	}
	if got := in.WiredCount(); got != 2 {
		t.Fatalf("WiredCount() = %d, want 2", got)
	}
	// reconnects reuse the same wiring
	d.nth(0).drop <- errNetwork
	eventually(t, "reconnect", func() bool { return d.count() == 3 })
	if got := in.WiredCount(); got != 2 {
		t.Fatalf("WiredCount() after reconnect = %d, want 2", got)
	}

	p.Release("bot", "alice", IngestListener)
	p.Release("bot", "bob", IngestListener)
	eventually(t, "detach", func() bool { return in.WiredCount() == 0 })
}

func TestCloseDisconnectsEverything(t *testing.T) {
	d := &fakeDialer{}
	p := NewPool(PoolConfig{}, newFakeTokens("bot", "tok"), d.Dial, nil, &fakeSubs{})
	ctx := context.Background()
	for _, ch := range []string{"a", "b", "c"} {
		if err := p.Acquire(ctx, "bot", ch, BackgroundListener); err != nil {
			t.Fatal(err)
		}
	}
	p.Close()
	for i := 0; i < 3; i++ {
		if !d.nth(i).isStopped() {
			t.Errorf("transport %d still running", i)
		}
	}
	if err := p.Acquire(ctx, "bot", "a", BackgroundListener); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Acquire() after Close = %v", err)
	}
}

func TestNewBackoffDoublesAndCaps(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("attempt %d delay = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("after reset = %v", got)
	}
}
