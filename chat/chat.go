// Package chat holds the relay core: the upstream connection pool, the ingestor
// that turns raw Twitch IRC events into domain messages, and the transport adapter
// over go-twitch-irc.
package chat

import (
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Callbacks receive the events of one upstream connection. Any field may be nil.
type Callbacks struct {
	OnConnect      func(login string)
	OnDisconnect   func(err error)
	OnMessage      func(twitch.PrivateMessage)
	OnClearMessage func(twitch.ClearMessage)
	OnClearChat    func(twitch.ClearChatMessage)
}

// Transport is a single upstream chat session joined to one channel.
type Transport interface {
	Join(channel string)
	Say(channel, text string)
	Reply(channel, parentID, text string)
	// SetToken replaces the credential used the next time the session authenticates.
	SetToken(token string)
	// Connect blocks until the session ends and returns why.
	Connect() error
	Disconnect() error
}

// Dialer builds a transport that authenticates as login with token and reports to cb.
type Dialer func(login, token string, cb Callbacks) Transport

// NormalizeToken adds the "oauth:" prefix IRC PASS expects.
func NormalizeToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(token, "oauth:") {
		return token
	}
	return "oauth:" + token
}

// NewTwitchDialer returns a Dialer backed by go-twitch-irc. ircAddr overrides the
// default irc.chat.twitch.tv address (plain text when it is set).
func NewTwitchDialer(ircAddr string) Dialer {
	return func(login, token string, cb Callbacks) Transport {
		client := twitch.NewClient(login, NormalizeToken(token))
		if ircAddr != "" {
			client.IrcAddress = ircAddr
			client.TLS = false
		}
		client.OnConnect(func() {
			if cb.OnConnect != nil {
				cb.OnConnect(login)
			}
		})
		if cb.OnMessage != nil {
			client.OnPrivateMessage(cb.OnMessage)
		}
		if cb.OnClearMessage != nil {
			client.OnClearMessage(cb.OnClearMessage)
		}
		if cb.OnClearChat != nil {
			client.OnClearChatMessage(cb.OnClearChat)
		}
		return &ircTransport{client: client}
	}
}

type ircTransport struct {
	client *twitch.Client
}

func (t *ircTransport) Join(channel string) { t.client.Join(channel) }
func (t *ircTransport) Say(channel, text string) { t.client.Say(channel, text) }
func (t *ircTransport) Reply(channel, parentID, text string) { t.client.Reply(channel, parentID, text) }
func (t *ircTransport) SetToken(token string) { t.client.SetIRCToken(NormalizeToken(token)) }
func (t *ircTransport) Connect() error { return t.client.Connect() }
func (t *ircTransport) Disconnect() error { return t.client.Disconnect() }
