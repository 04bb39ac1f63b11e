package server

import (
	"net/http"
	"sort"

	"github.com/onnwee/modbot-relay/chat"
)

// HandleConfig returns the non-secret relay settings in effect.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"connect_timeout":        c.ConnectTimeout.String(),
		"reconnect_base_delay":   c.ReconnectBaseDelay.String(),
		"reconnect_max_delay":    c.ReconnectMaxDelay.String(),
		"reconnect_max_attempts": c.ReconnectMaxAttempts,
		"send_rate_per_30s":      c.SendRatePer30s,
		"send_burst":             c.SendBurst,
		"send_wait_timeout":      c.SendWaitTimeout.String(),
		"ingest_concurrency":     c.IngestConcurrency,
		"ingest_queue":           c.IngestQueue,
		"subscriber_queue":       c.SubscriberQueue,
		"init_timeout":           c.InitTimeout.String(),
		"init_concurrency":       c.InitConcurrency,
		"channels_file":          c.ChannelsFile,
		"token_refresh_interval": c.TokenRefreshInterval.String(),
		"token_refresh_window":   c.TokenRefreshWindow.String(),
		"twitch_scopes":          c.TwitchScopes,
	})
}

// HandleStatus returns a lightweight summary: connections by state, subscribed
// channels and background assignments.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}

	if h.Pool != nil {
		byState := map[string]int{}
		snap := h.Pool.Snapshot()
		for _, c := range snap {
			byState[c.State]++
		}
		resp["connections"] = len(snap)
		resp["connections_by_state"] = byState
	}
	if h.Subs != nil {
		channels := h.Subs.Channels()
		subscribers := 0
		for _, n := range channels {
			subscribers += n
		}
		resp["channels"] = len(channels)
		resp["subscribers"] = subscribers
	}
	if h.Relay != nil {
		bg := h.Relay.Background()
		sort.Slice(bg, func(i, j int) bool { return bg[i].String() < bg[j].String() })
		keys := make([]string, 0, len(bg))
		for _, k := range bg {
			keys = append(keys, k.String())
		}
		resp["background"] = keys
	}
	if n, err := h.Store.CountBotTokens(r.Context()); err == nil {
		resp["bots"] = n
	}
	if v, _, err := h.Store.SchemaVersion(r.Context()); err == nil {
		resp["schema_version"] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// connectionsByIdentity groups a snapshot for the admin view.
func connectionsByIdentity(snap []chat.ConnectionInfo) map[string][]chat.ConnectionInfo {
	out := make(map[string][]chat.ConnectionInfo)
	for _, c := range snap {
		out[c.Identity] = append(out[c.Identity], c)
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].Channel < out[id][j].Channel })
	}
	return out
}
