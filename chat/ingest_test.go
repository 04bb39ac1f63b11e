package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

type fakeCommands struct{}

func (fakeCommands) Run(_ context.Context, msg ChatMessage) (string, bool) {
	if strings.TrimSpace(msg.Text) == "!ping" {
		return "pong", true
	}
	return "", false
}

type recordingSender struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSender) Send(_ context.Context, identity, channel, text, replyTo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, fmt.Sprintf("%s/%s/%s/%s", identity, channel, text, replyTo))
	return nil
}

func TestIngestRedeliveryLastWriteWins(t *testing.T) {
	store := newRecordingStore()
	out := &recordingBroadcaster{}
	in := NewIngestor(IngestConfig{}, store, out, newFakeTokens("bot", "bot-token"), nil, nil)

	cb, detach := in.Wire(NewConnectionKey("bot", "alice"))
	cb.OnConnect("bot")
	cb.OnMessage(privmsg("msg-42", "alice", "u1", "viewer", "first"))
	cb.OnMessage(privmsg("msg-42", "alice", "u1", "viewer", "second"))
	detach()

	msgs, ops := store.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	if got := msgs["msg-42"].Text; got != "second" {
		t.Errorf("stored text = %q, want second", got)
	}
	want := []string{"resolve:u1:bot-token", "upsert:msg-42", "resolve:u1:bot-token", "upsert:msg-42"}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Errorf("ops = %v, want %v", ops, want)
	}
	if n := len(out.all()); n != 2 {
		t.Errorf("fanned out %d events, want 2", n)
	}
}

func TestIngestCrossConnectionDuplicateSkipped(t *testing.T) {
	store := newRecordingStore()
	out := &recordingBroadcaster{}
	in := NewIngestor(IngestConfig{}, store, out, newFakeTokens("a", "ta", "b", "tb"), nil, nil)

	cbA, detachA := in.Wire(NewConnectionKey("a", "alice"))
	cbB, detachB := in.Wire(NewConnectionKey("b", "alice"))
	cbA.OnMessage(privmsg("m1", "alice", "u1", "viewer", "hi"))
	cbB.OnMessage(privmsg("m1", "alice", "u1", "viewer", "hi"))
	detachA()
	detachB()

	if n := len(out.all()); n != 1 {
		t.Errorf("fanned out %d events, want 1", n)
	}
	store.mu.Lock()
	upserts := store.upserts
	store.mu.Unlock()
	if upserts != 1 {
		t.Errorf("upserts = %d, want 1", upserts)
	}
}

func TestIngestFanoutOrderAndEventShape(t *testing.T) {
	out := &recordingBroadcaster{}
	in := NewIngestor(IngestConfig{}, nil, out, nil, nil, nil)
	cb, detach := in.Wire(NewConnectionKey("bot", "alice"))
	defer detach()

	for i := 0; i < 100; i++ {
		cb.OnMessage(privmsg(fmt.Sprintf("m%03d", i), "#Alice", "u1", "viewer", fmt.Sprint(i)))
	}
	events := out.all()
	if len(events) != 100 {
		t.Fatalf("events = %d", len(events))
	}
	for i, ev := range events {
		msg, ok := ev.payload.(ChatMessage)
		if !ok {
			t.Fatalf("payload %T", ev.payload)
		}
		if ev.channel != "alice" || ev.event != EventReceiveMessage {
			t.Fatalf("event %d = %s/%s", i, ev.channel, ev.event)
		}
		if msg.ID != fmt.Sprintf("m%03d", i) {
			t.Fatalf("event %d carries %s: order not preserved", i, msg.ID)
		}
	}
}

func TestIngestPersistenceFailureDoesNotBlockFanout(t *testing.T) {
	store := newRecordingStore()
	store.resolveErr = errors.New("helix down")
	store.upsertErr = errors.New("db down")
	out := &recordingBroadcaster{}
	in := NewIngestor(IngestConfig{}, store, out, newFakeTokens("bot", "t"), nil, nil)

	cb, detach := in.Wire(NewConnectionKey("bot", "alice"))
	cb.OnMessage(privmsg("m1", "alice", "u1", "viewer", "hi"))
	cb.OnMessage(privmsg("m2", "alice", "u1", "viewer", "there"))
	detach()

	if n := len(out.all()); n != 2 {
		t.Errorf("fanned out %d events, want 2", n)
	}
	_, ops := store.snapshot()
	// the upsert is still attempted after a failed user resolution
	want := []string{"resolve:u1:t", "upsert:m1", "resolve:u1:t", "upsert:m2"}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Errorf("ops = %v, want %v", ops, want)
	}
}

func TestIngestClearEvents(t *testing.T) {
	store := newRecordingStore()
	out := &recordingBroadcaster{}
	in := NewIngestor(IngestConfig{}, store, out, nil, nil, nil)
	cb, detach := in.Wire(NewConnectionKey("bot", "alice"))

	cb.OnClearMessage(twitch.ClearMessage{Channel: "alice", Login: "Spammer", TargetMsgID: "m9"})
	cb.OnClearChat(twitch.ClearChatMessage{Channel: "alice", RoomID: "r1", TargetUsername: "Spammer", BanDuration: 600})
	cb.OnClearChat(twitch.ClearChatMessage{Channel: "alice", RoomID: "r1"})
	detach()

	_, ops := store.snapshot()
	want := []string{"delete:m9", "delete_user:spammer:r1"}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Errorf("ops = %v, want %v", ops, want)
	}

	events := out.all()
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	tests := []struct {
		event   string
		payload DeletePayload
	}{
		{EventDeleteMessage, DeletePayload{MessageID: "m9", Username: "spammer"}},
		{EventDeleteUserMessages, DeletePayload{ChannelID: "r1", Username: "spammer", Duration: 600}},
		{EventClearChat, DeletePayload{ChannelID: "r1"}},
	}
	for i, tt := range tests {
		if events[i].event != tt.event {
			t.Errorf("event %d = %s, want %s", i, events[i].event, tt.event)
		}
		if got := events[i].payload.(DeletePayload); got != tt.payload {
			t.Errorf("payload %d = %+v, want %+v", i, got, tt.payload)
		}
	}
}

func TestIngestCommandReply(t *testing.T) {
	sender := &recordingSender{}
	in := NewIngestor(IngestConfig{}, nil, nil, nil, fakeCommands{}, sender)
	cb, detach := in.Wire(NewConnectionKey("bot", "alice"))
	cb.OnMessage(privmsg("m1", "alice", "u1", "viewer", "!ping"))
	cb.OnMessage(privmsg("m2", "alice", "u1", "viewer", "!unknown"))
	cb.OnMessage(privmsg("m3", "alice", "u1", "viewer", "ping"))
	detach()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.lines) != 1 || sender.lines[0] != "bot/alice/pong/m1" {
		t.Errorf("sent = %v", sender.lines)
	}
}

func TestIngestDetachDropsLateEvents(t *testing.T) {
	store := newRecordingStore()
	in := NewIngestor(IngestConfig{}, store, nil, nil, nil, nil)
	cb, detach := in.Wire(NewConnectionKey("bot", "alice"))
	detach()
	detach()
	cb.OnMessage(privmsg("late", "alice", "", "viewer", "hi"))

	msgs, _ := store.snapshot()
	if len(msgs) != 0 {
		t.Errorf("late message persisted after detach: %v", msgs)
	}
	if in.WiredCount() != 0 {
		t.Errorf("WiredCount() = %d", in.WiredCount())
	}
}

// stalledStore holds every upsert until release is closed.
type stalledStore struct {
	*recordingStore
	release chan struct{}
}

func (s stalledStore) UpsertMessage(ctx context.Context, msg ChatMessage) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordingStore.UpsertMessage(ctx, msg)
}

func TestIngestStalledStoreDoesNotBlockFanout(t *testing.T) {
	store := stalledStore{recordingStore: newRecordingStore(), release: make(chan struct{})}
	out := &recordingBroadcaster{}
	in := NewIngestor(IngestConfig{Concurrency: 1, QueueSize: 2, OpTimeout: 5 * time.Second}, store, out, nil, nil, nil)
	cb, detach := in.Wire(NewConnectionKey("bot", "alice"))

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			cb.OnMessage(privmsg(fmt.Sprintf("m%02d", i), "alice", "", "viewer", "hi"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message callback blocked behind a stalled store")
	}
	if got := len(out.all()); got != n {
		t.Errorf("fanned out %d events, want %d", got, n)
	}

	close(store.release)
	detach()
	store.mu.Lock()
	upserts := store.upserts
	store.mu.Unlock()
	// one job in flight plus a full backlog; the rest were dropped
	if upserts == 0 || upserts > 3 {
		t.Errorf("upserts = %d, want between 1 and 3", upserts)
	}
}

func TestIngestClearChatFromTwoIdentitiesPushedOnce(t *testing.T) {
	store := newRecordingStore()
	out := &recordingBroadcaster{}
	in := NewIngestor(IngestConfig{}, store, out, nil, nil, nil)
	cbA, detachA := in.Wire(NewConnectionKey("a", "alice"))
	cbB, detachB := in.Wire(NewConnectionKey("b", "alice"))

	timeout := twitch.ClearChatMessage{
		Channel:        "alice",
		RoomID:         "r1",
		TargetUsername: "Spammer",
		BanDuration:    60,
		Tags:           map[string]string{"tmi-sent-ts": "1700000000000"},
	}
	cbA.OnClearChat(timeout)
	cbB.OnClearChat(timeout)
	// a later timeout of the same user is a new event
	again := timeout
	again.Tags = map[string]string{"tmi-sent-ts": "1700000090000"}
	cbB.OnClearChat(again)
	detachA()
	detachB()

	var pushes int
	for _, ev := range out.all() {
		if ev.event == EventDeleteUserMessages {
			pushes++
		}
	}
	if pushes != 2 {
		t.Errorf("delete-user pushes = %d, want 2", pushes)
	}
	_, ops := store.snapshot()
	want := []string{"delete_user:spammer:r1", "delete_user:spammer:r1"}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Errorf("ops = %v, want %v", ops, want)
	}
}
