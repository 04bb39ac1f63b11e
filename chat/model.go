package chat

import (
	"encoding/json"
	"strings"
	"time"
)

// ConnectionKey identifies one upstream connection: a bot identity joined to one channel.
// Build it with NewConnectionKey so both parts are normalized.
type ConnectionKey struct {
	Identity string
	Channel  string
}

// NewConnectionKey lower-cases and trims both parts and strips a leading '#' from the channel.
func NewConnectionKey(identity, channel string) ConnectionKey {
	return ConnectionKey{Identity: normalizeIdentity(identity), Channel: NormalizeChannel(channel)}
}

func (k ConnectionKey) String() string { return k.Identity + ":" + k.Channel }

// NormalizeChannel returns the canonical channel login.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// ListenerRef is an opaque handle for a non-browser party keeping an upstream connection alive.
type ListenerRef string

const (
	// IngestListener is held while browser subscribers of an identity watch a channel.
	IngestListener ListenerRef = "ingest"
	// BackgroundListener is held for assignments primed at startup so capture continues with zero viewers.
	BackgroundListener ListenerRef = "background"
)

// Flags are the per-message sender attributes Twitch reports in tags.
type Flags struct {
	Subscriber       bool `json:"subscriber"`
	Moderator        bool `json:"moderator"`
	VIP              bool `json:"vip"`
	Broadcaster      bool `json:"broadcaster"`
	FirstMessage     bool `json:"first_message"`
	Highlighted      bool `json:"highlighted"`
	ReturningChatter bool `json:"returning_chatter"`
	Action           bool `json:"action"`
	Turbo            bool `json:"turbo"`
}

// ChatMessage is one inbound or outbound chat event. ID is the provider-assigned
// message id and the upsert key.
type ChatMessage struct {
	ID           string          `json:"id"`
	ChannelID    string          `json:"channel_id"`
	Channel      string          `json:"channel"`
	UserID       string          `json:"user_id"`
	Username     string          `json:"username"`
	DisplayName  string          `json:"display_name"`
	Text         string          `json:"message"`
	Emotes       json.RawMessage `json:"emotes,omitempty"`
	Badges       json.RawMessage `json:"badges,omitempty"`
	BadgeInfo    json.RawMessage `json:"badge_info,omitempty"`
	Color        string          `json:"color,omitempty"`
	Flags        Flags           `json:"flags"`
	Bits         int             `json:"bits,omitempty"`
	RewardID     string          `json:"reward_id,omitempty"`
	ReplyParent  string          `json:"reply_parent_id,omitempty"`
	BotUsername  string          `json:"bot_username,omitempty"`
	SentAt       time.Time       `json:"sent_at"`
	LocalEcho    bool            `json:"local_echo,omitempty"`
	UserType     string          `json:"user_type,omitempty"`
	SubMonths    int             `json:"sub_months,omitempty"`
}

// User is the stored record of a chatter.
type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	ProfileImageURL string    `json:"profile_image_url,omitempty"`
	BroadcasterType string    `json:"broadcaster_type,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}

// Credential is a usable bearer token for a bot identity.
type Credential struct {
	IdentityID  string
	Login       string
	AccessToken string
	Expiry      time.Time
}

// Event names pushed to downstream subscribers.
const (
	EventReceiveMessage     = "ReceiveMessage"
	EventDeleteMessage      = "DeleteMessage"
	EventDeleteUserMessages = "DeleteUserMessages"
	EventClearChat          = "ClearChat"
)

// DeletePayload is the payload of DeleteMessage / DeleteUserMessages / ClearChat events.
type DeletePayload struct {
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Username  string `json:"username,omitempty"`
	// Duration is the timeout length in seconds; 0 with a username means a ban.
	Duration int `json:"duration,omitempty"`
}
