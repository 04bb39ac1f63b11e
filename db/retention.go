package db

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// RetentionPolicy decides which stored chat messages are removed for good.
type RetentionPolicy struct {
	// KeepDays: messages sent more than this many days ago are purged (0 = disabled)
	KeepDays int
	// PurgeDeletedAfter: soft-deleted messages are purged this long after
	// moderation removed them (0 = disabled)
	PurgeDeletedAfter time.Duration
	// DryRun: count what would be purged without deleting
	DryRun   bool
	Interval time.Duration
}

// Enabled reports whether any rule is configured.
func (p RetentionPolicy) Enabled() bool {
	return p.KeepDays > 0 || p.PurgeDeletedAfter > 0
}

// LoadRetentionPolicy reads RETENTION_KEEP_DAYS, RETENTION_PURGE_DELETED_AFTER,
// RETENTION_DRY_RUN and RETENTION_INTERVAL.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{Interval: 6 * time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_PURGE_DELETED_AFTER"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.PurgeDeletedAfter = d
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// RetentionResult counts the rows one cleanup pass removed (or would remove).
type RetentionResult struct {
	Expired int64
	Purged  int64
}

// StartRetentionJob applies policy now and then every policy.Interval until ctx
// is done. It returns immediately when no rule is configured.
func (s *Store) StartRetentionJob(ctx context.Context, policy RetentionPolicy) {
	if !policy.Enabled() {
		slog.Info("retention job disabled (no policy configured)", slog.String("component", "retention"))
		return
	}
	slog.Info("retention job starting", slog.String("component", "retention"),
		slog.Int("keep_days", policy.KeepDays),
		slog.Duration("purge_deleted_after", policy.PurgeDeletedAfter),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if _, err := s.RunRetention(ctx, policy, time.Now()); err != nil {
		slog.Warn("retention cleanup failed", slog.String("component", "retention"), slog.Any("err", err))
	}
	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped", slog.String("component", "retention"))
			return
		case <-ticker.C:
			if _, err := s.RunRetention(ctx, policy, time.Now()); err != nil {
				slog.Warn("retention cleanup failed", slog.String("component", "retention"), slog.Any("err", err))
			}
		}
	}
}

// RunRetention performs one cleanup pass relative to now. Replies to a purged
// message keep their row; the foreign key clears their parent.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy, now time.Time) (RetentionResult, error) {
	logger := slog.Default().With(slog.String("component", "retention"), slog.Bool("dry_run", policy.DryRun))
	var res RetentionResult

	if policy.KeepDays > 0 {
		cutoff := now.Add(-time.Duration(policy.KeepDays) * 24 * time.Hour).UTC()
		n, err := s.purge(ctx, policy.DryRun, `sent_at < $1`, cutoff)
		if err != nil {
			return res, errors.Wrap(err, "expire old messages")
		}
		res.Expired = n
	}
	if policy.PurgeDeletedAfter > 0 {
		cutoff := now.Add(-policy.PurgeDeletedAfter).UTC()
		n, err := s.purge(ctx, policy.DryRun, `deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
		if err != nil {
			return res, errors.Wrap(err, "purge deleted messages")
		}
		res.Purged = n
	}

	mode := "cleanup"
	if policy.DryRun {
		mode = "dry-run"
	}
	logger.Info("retention cleanup completed", slog.String("mode", mode),
		slog.Int64("expired", res.Expired), slog.Int64("purged", res.Purged))
	return res, nil
}

func (s *Store) purge(ctx context.Context, dryRun bool, where string, cutoff time.Time) (int64, error) {
	if dryRun {
		var n int64
		err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE `+where, cutoff).Scan(&n)
		return n, wrap(err, "count retention candidates")
	}
	r, err := s.DB.ExecContext(ctx, `DELETE FROM chat_messages WHERE `+where, cutoff)
	if err != nil {
		return 0, wrap(err, "delete retention candidates")
	}
	n, err := r.RowsAffected()
	return n, wrap(err, "retention rows affected")
}
