package chat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Normalize converts an inbound PRIVMSG into the domain ChatMessage. botLogin is the
// identity whose connection received it.
func Normalize(msg twitch.PrivateMessage, botLogin string) ChatMessage {
	tags := msg.Tags
	out := ChatMessage{
		ID:          msg.ID,
		ChannelID:   msg.RoomID,
		Channel:     NormalizeChannel(msg.Channel),
		UserID:      msg.User.ID,
		Username:    strings.ToLower(msg.User.Name),
		DisplayName: msg.User.DisplayName,
		Text:        msg.Message,
		Color:       msg.User.Color,
		Bits:        msg.Bits,
		RewardID:    tags["custom-reward-id"],
		ReplyParent: tags["reply-parent-msg-id"],
		BotUsername: strings.ToLower(botLogin),
		SentAt:      sentAt(msg),
		UserType:    tags["user-type"],
	}
	if out.DisplayName == "" {
		out.DisplayName = msg.User.Name
	}
	if len(msg.Emotes) > 0 {
		out.Emotes, _ = json.Marshal(msg.Emotes)
	}
	if len(msg.User.Badges) > 0 {
		out.Badges, _ = json.Marshal(msg.User.Badges)
	}
	if info := parseBadgeInfo(tags["badge-info"]); len(info) > 0 {
		out.BadgeInfo, _ = json.Marshal(info)
		if months, err := strconv.Atoi(info["subscriber"]); err == nil {
			out.SubMonths = months
		}
	}

	_, isBroadcaster := msg.User.Badges["broadcaster"]
	_, isVIP := msg.User.Badges["vip"]
	out.Flags = Flags{
		Subscriber:       tags["subscriber"] == "1",
		Moderator:        tags["mod"] == "1",
		VIP:              isVIP || tags["vip"] == "1",
		Broadcaster:      isBroadcaster || (msg.RoomID != "" && msg.RoomID == msg.User.ID),
		FirstMessage:     msg.FirstMessage || tags["first-msg"] == "1",
		Highlighted:      tags["msg-id"] == "highlighted-message",
		ReturningChatter: tags["returning-chatter"] == "1",
		Action:           msg.Action,
		Turbo:            tags["turbo"] == "1",
	}
	// the reply tag never points at the message itself
	if out.ReplyParent == out.ID {
		out.ReplyParent = ""
	}
	return out
}

func sentAt(msg twitch.PrivateMessage) time.Time {
	if ts := msg.Tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	if !msg.Time.IsZero() {
		return msg.Time.UTC()
	}
	return time.Now().UTC()
}

// parseBadgeInfo reads "subscriber/8,predictions/blue" into a map.
func parseBadgeInfo(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "/")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
