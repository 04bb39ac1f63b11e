package server

import (
	"errors"
	"fmt"
	"net/http"
)

// HandleHealthz responds to liveness checks by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the database answers and at least one bot
// account has been onboarded.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.Store.Ping(r.Context()) }},
		{"schema", func() error {
			version, dirty, err := h.Store.SchemaVersion(r.Context())
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("schema version %d is dirty", version)
			}
			return nil
		}},
		{"credentials", func() error {
			n, err := h.Store.CountBotTokens(r.Context())
			if err != nil {
				return err
			}
			if n < 1 {
				return errors.New("no bot tokens onboarded")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
