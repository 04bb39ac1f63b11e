package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/modbot-relay/chat"
)

// StartRefresher launches a goroutine that periodically refreshes every bot
// token expiring within window, so connections reconnect with a valid token
// even when nobody asked for one.
func StartRefresher(ctx context.Context, p *Provider, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			refreshExpiring(ctx, p, window)

			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

func refreshExpiring(ctx context.Context, p *Provider, window time.Duration) {
	ids, err := p.store.ListExpiringBotTokens(ctx, window)
	if err != nil {
		slog.Warn("list expiring bot tokens failed", slog.String("component", "oauth"), slog.Any("err", err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := p.Refresh(ctx, id); err != nil {
			lvl := slog.LevelWarn
			if errors.Is(err, chat.ErrCredentialUnavailable) {
				lvl = slog.LevelError
			}
			slog.Log(ctx, lvl, "background token refresh failed", slog.String("component", "oauth"),
				slog.String("identity", id), slog.Any("err", err))
		}
	}
}
