// Package server exposes the HTTP API: the websocket relay endpoint, health,
// readiness, metrics, the message history API, admin introspection and bot
// onboarding. It includes configurable CORS and injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/modbot-relay/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds websocket sessions and background helpers.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(rateLimiterCfg)

	handlers := NewHandlers(ctx, deps, corsCfg)

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())

	// Bot onboarding
	mux.HandleFunc("GET /auth/twitch/start", handlers.HandleTwitchOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", handlers.HandleTwitchOAuthCallback)

	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /readyz", handlers.HandleReadyz)

	mux.HandleFunc("GET /config", handlers.HandleConfig)
	mux.HandleFunc("GET /status", handlers.HandleStatus)

	// Relay clients
	relayToken := ""
	if deps.Config != nil {
		relayToken = deps.Config.RelayAPIToken
	}
	mux.Handle("GET /ws", relayAuth(http.HandlerFunc(handlers.HandleWebsocket), relayToken))
	mux.Handle("GET /channels/{channel}/messages", relayAuth(http.HandlerFunc(handlers.HandleChannelMessages), relayToken))
	mux.Handle("GET /channels/{channel}/stream", relayAuth(http.HandlerFunc(handlers.HandleChannelStream), relayToken))

	// Moderator tools, acting with the identity's own Twitch token
	mux.Handle("GET /channels", relayAuth(http.HandlerFunc(handlers.HandleModeratedChannels), relayToken))
	mux.Handle("GET /channels/{channel}/blocked_terms", relayAuth(http.HandlerFunc(handlers.HandleBlockedTerms), relayToken))
	mux.Handle("POST /channels/{channel}/blocked_terms", relayAuth(http.HandlerFunc(handlers.HandleAddBlockedTerm), relayToken))
	mux.Handle("DELETE /channels/{channel}/blocked_terms", relayAuth(http.HandlerFunc(handlers.HandleDeleteBlockedTerm), relayToken))

	// Admin endpoints
	mux.HandleFunc("GET /admin/connections", handlers.HandleAdminConnections)
	mux.HandleFunc("POST /admin/initialize", handlers.HandleAdminInitialize)
	mux.HandleFunc("DELETE /admin/assignments/{identity}/{channel}", handlers.HandleAdminUnassign)

	// auth and rate limiting apply to admin endpoints only
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no Read/WriteTimeout: they would cut long-lived websocket and stream responses
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
