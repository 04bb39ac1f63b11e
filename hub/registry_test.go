package hub

import (
	"fmt"
	"sync"
	"testing"
)

type fakeSub struct {
	id, identity string
	mu           sync.Mutex
	events       []Event
	capacity     int
}

func (f *fakeSub) ID() string       { return f.id }
func (f *fakeSub) Identity() string { return f.identity }

func (f *fakeSub) Enqueue(ev Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity > 0 && len(f.events) >= f.capacity {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeSub) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestJoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry()
	s := &fakeSub{id: "s1", identity: "bot"}

	if !r.Join("#Alice", s) {
		t.Fatal("first Join reported no change")
	}
	for i := 0; i < 3; i++ {
		if r.Join("alice", s) {
			t.Fatal("repeated Join added the subscriber again")
		}
	}
	if got := r.Members("alice"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("Members() = %v", got)
	}
	if _, ok := r.JoinedAt("alice", "s1"); !ok {
		t.Error("JoinedAt missing for member")
	}

	if r.Leave("alice", "nobody") {
		t.Error("Leave of a non-member reported a change")
	}
	if !r.Leave("ALICE", "s1") {
		t.Error("Leave of a member reported no change")
	}
	if r.Leave("alice", "s1") {
		t.Error("double Leave reported a change")
	}
	if !r.IsEmpty("alice") {
		t.Error("channel not empty after last leave")
	}
}

func TestSecondSubscriberSharesChannelGroup(t *testing.T) {
	var emptied []string
	r := NewRegistry()
	r.OnEmpty = func(ch string) { emptied = append(emptied, ch) }
	s1 := &fakeSub{id: "s1", identity: "bot"}
	s2 := &fakeSub{id: "s2", identity: "bot"}

	r.Join("alice", s1)
	r.Join("alice", s2)
	if n := len(r.Members("alice")); n != 2 {
		t.Fatalf("members = %d, want 2", n)
	}
	r.Leave("alice", "s1")
	if r.IsEmpty("alice") || len(emptied) != 0 {
		t.Fatal("channel reported empty with one subscriber left")
	}
	r.Leave("alice", "s2")
	if len(emptied) != 1 || emptied[0] != "alice" {
		t.Fatalf("OnEmpty calls = %v", emptied)
	}
}

func TestFanoutFIFOPerSubscriber(t *testing.T) {
	r := NewRegistry()
	subs := []*fakeSub{{id: "a"}, {id: "b"}, {id: "c"}}
	for _, s := range subs {
		r.Join("alice", s)
	}
	other := &fakeSub{id: "d"}
	r.Join("bob", other)

	for i := 0; i < 200; i++ {
		r.PushToGroup("alice", "ReceiveMessage", i)
	}
	for _, s := range subs {
		got := s.received()
		if len(got) != 200 {
			t.Fatalf("%s received %d events", s.id, len(got))
		}
		for i, ev := range got {
			if ev.Payload.(int) != i || ev.Channel != "alice" || ev.Event != "ReceiveMessage" {
				t.Fatalf("%s event %d = %+v", s.id, i, ev)
			}
		}
	}
	if len(other.received()) != 0 {
		t.Error("event leaked to another channel")
	}
}

func TestFanoutDropsForFullSubscriberOnly(t *testing.T) {
	r := NewRegistry()
	slow := &fakeSub{id: "slow", capacity: 1}
	fast := &fakeSub{id: "fast"}
	r.Join("alice", slow)
	r.Join("alice", fast)
	for i := 0; i < 5; i++ {
		r.Fanout("alice", Event{Event: "ReceiveMessage", Payload: i})
	}
	if n := len(slow.received()); n != 1 {
		t.Errorf("slow received %d, want 1", n)
	}
	if n := len(fast.received()); n != 5 {
		t.Errorf("fast received %d, want 5", n)
	}
}

func TestHasIdentityAndChannelsOf(t *testing.T) {
	r := NewRegistry()
	r.Join("alice", &fakeSub{id: "s1", identity: "BotA"})
	r.Join("bob", &fakeSub{id: "s1", identity: "BotA"})
	r.Join("alice", &fakeSub{id: "s2", identity: "botb"})

	if !r.HasIdentity("alice", "bota") || !r.HasIdentity("alice", "botb") {
		t.Error("HasIdentity missed a member identity")
	}
	if r.HasIdentity("bob", "botb") {
		t.Error("HasIdentity matched an identity not in the channel")
	}
	if got := fmt.Sprint(r.ChannelsOf("s1")); got != "[alice bob]" {
		t.Errorf("ChannelsOf() = %s", got)
	}
	if got := r.Channels(); got["alice"] != 2 || got["bob"] != 1 {
		t.Errorf("Channels() = %v", got)
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSub{id: fmt.Sprintf("s%d", i)}
			for j := 0; j < 20; j++ {
				r.Join("alice", s)
				r.Fanout("alice", Event{Event: "x"})
				r.Leave("alice", s.id)
			}
		}(i)
	}
	wg.Wait()
	if !r.IsEmpty("alice") {
		t.Fatalf("members left: %v", r.Members("alice"))
	}
}
