package server

import (
	"net/http"
	"sort"

	"github.com/onnwee/modbot-relay/chat"
)

// HandleAdminConnections lists pooled upstream connections grouped by identity.
func (h *Handlers) HandleAdminConnections(w http.ResponseWriter, r *http.Request) {
	if h.Pool == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, connectionsByIdentity(h.Pool.Snapshot()))
}

// HandleAdminInitialize re-primes every stored assignment. Keys still connecting
// when the init timeout passes are reported as pending.
func (h *Handlers) HandleAdminInitialize(w http.ResponseWriter, r *http.Request) {
	res, err := h.Relay.InitializeStored(r.Context())
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	failed := make(map[string]string, len(res.Failed))
	for k, err := range res.Failed {
		failed[k.String()] = err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": keyStrings(res.Connected),
		"pending":   keyStrings(res.Pending),
		"failed":    failed,
	})
}

// HandleAdminUnassign stops background capture of one assignment.
func (h *Handlers) HandleAdminUnassign(w http.ResponseWriter, r *http.Request) {
	key := chat.NewConnectionKey(r.PathValue("identity"), r.PathValue("channel"))
	if key.Identity == "" || key.Channel == "" {
		http.Error(w, "identity and channel required", http.StatusBadRequest)
		return
	}
	if err := h.Relay.Unassign(r.Context(), key.Identity, key.Channel); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func keyStrings(keys []chat.ConnectionKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}
