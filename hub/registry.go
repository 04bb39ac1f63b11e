// Package hub tracks downstream subscribers per channel and fans chat events out
// to them over websocket sessions.
package hub

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/telemetry"
)

// Event is one frame pushed to subscribers.
type Event struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Subscriber is a downstream session. Enqueue must not block; it returns false
// when the subscriber cannot take the event.
type Subscriber interface {
	ID() string
	Identity() string
	Enqueue(ev Event) bool
}

type member struct {
	sub      Subscriber
	joinedAt time.Time
}

// group is one channel's subscriber set. dead marks a group already removed from
// the registry so late joiners retry against a fresh one.
type group struct {
	mu      sync.Mutex
	members map[string]member
	dead    bool
}

// Registry is the SubscriberRegistry. Each channel has its own lock; the
// registry lock only guards the channel map.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*group

	// OnEmpty runs outside all locks after a channel loses its last subscriber.
	OnEmpty func(channel string)
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*group)}
}

func (r *Registry) lookup(channel string, create bool) *group {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[channel]
	if !ok && create {
		g = &group{members: make(map[string]member)}
		r.groups[channel] = g
	}
	return g
}

// Join adds sub to channel. Joining again with the same subscriber id is a no-op;
// it reports whether the subscriber was newly added.
func (r *Registry) Join(channel string, sub Subscriber) bool {
	channel = chat.NormalizeChannel(channel)
	if channel == "" || sub == nil {
		return false
	}
	for {
		g := r.lookup(channel, true)
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		if _, ok := g.members[sub.ID()]; ok {
			g.mu.Unlock()
			return false
		}
		g.members[sub.ID()] = member{sub: sub, joinedAt: time.Now().UTC()}
		g.mu.Unlock()
		telemetry.AddGauge(telemetry.Subscribers, 1)
		return true
	}
}

// Leave removes the subscriber from channel; leaving a channel it is not in is a no-op.
func (r *Registry) Leave(channel, subscriberID string) bool {
	channel = chat.NormalizeChannel(channel)
	g := r.lookup(channel, false)
	if g == nil {
		return false
	}
	g.mu.Lock()
	if _, ok := g.members[subscriberID]; !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.members, subscriberID)
	emptied := len(g.members) == 0
	if emptied {
		g.dead = true
		r.mu.Lock()
		if r.groups[channel] == g {
			delete(r.groups, channel)
		}
		r.mu.Unlock()
	}
	g.mu.Unlock()
	telemetry.AddGauge(telemetry.Subscribers, -1)

	if emptied && r.OnEmpty != nil {
		r.OnEmpty(channel)
	}
	return true
}

// Fanout delivers ev to every subscriber of channel. Events are enqueued under
// the channel lock, so each subscriber sees them in fan-out order. A subscriber
// whose queue is full loses the event.
func (r *Registry) Fanout(channel string, ev Event) {
	channel = chat.NormalizeChannel(channel)
	g := r.lookup(channel, false)
	if g == nil {
		return
	}
	if ev.Channel == "" {
		ev.Channel = channel
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, m := range g.members {
		if !m.sub.Enqueue(ev) {
			telemetry.IncCounter(telemetry.FanoutDrops)
			slog.Warn("subscriber queue full; event dropped",
				slog.String("component", "hub"), slog.String("channel", channel),
				slog.String("subscriber", id), slog.String("event", ev.Event))
		}
	}
}

// PushToGroup implements chat.Broadcaster.
func (r *Registry) PushToGroup(channel, eventName string, payload any) {
	r.Fanout(channel, Event{Event: eventName, Channel: chat.NormalizeChannel(channel), Payload: payload})
}

// IsEmpty reports whether channel has no subscribers.
func (r *Registry) IsEmpty(channel string) bool {
	g := r.lookup(chat.NormalizeChannel(channel), false)
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members) == 0
}

// HasIdentity reports whether any subscriber of channel joined as identity.
func (r *Registry) HasIdentity(channel, identity string) bool {
	g := r.lookup(chat.NormalizeChannel(channel), false)
	if g == nil {
		return false
	}
	identity = strings.ToLower(strings.TrimSpace(identity))
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if strings.EqualFold(m.sub.Identity(), identity) {
			return true
		}
	}
	return false
}

// Members returns the subscriber ids of channel, sorted.
func (r *Registry) Members(channel string) []string {
	g := r.lookup(chat.NormalizeChannel(channel), false)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

// JoinedAt returns when the subscriber joined channel.
func (r *Registry) JoinedAt(channel, subscriberID string) (time.Time, bool) {
	g := r.lookup(chat.NormalizeChannel(channel), false)
	if g == nil {
		return time.Time{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[subscriberID]
	return m.joinedAt, ok
}

// ChannelsOf lists the channels subscriberID is currently in, sorted.
func (r *Registry) ChannelsOf(subscriberID string) []string {
	r.mu.Lock()
	snapshot := make(map[string]*group, len(r.groups))
	for ch, g := range r.groups {
		snapshot[ch] = g
	}
	r.mu.Unlock()

	var out []string
	for ch, g := range snapshot {
		g.mu.Lock()
		_, ok := g.members[subscriberID]
		g.mu.Unlock()
		if ok {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out
}

// Channels lists channels with at least one subscriber and their sizes.
func (r *Registry) Channels() map[string]int {
	r.mu.Lock()
	snapshot := make(map[string]*group, len(r.groups))
	for ch, g := range r.groups {
		snapshot[ch] = g
	}
	r.mu.Unlock()

	out := make(map[string]int, len(snapshot))
	for ch, g := range snapshot {
		g.mu.Lock()
		if n := len(g.members); n > 0 {
			out[ch] = n
		}
		g.mu.Unlock()
	}
	return out
}
