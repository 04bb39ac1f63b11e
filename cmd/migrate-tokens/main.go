// Package main seals bot tokens that were stored before ENCRYPTION_KEY was
// configured.
//
// Rows with encryption_version=0 are rewritten through the AES-GCM token cipher
// and end up at version 1 with the configured key id.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--status]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte key (required)
//	ENCRYPTION_KEY_ID: Key id recorded on sealed rows (default "default")
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/onnwee/modbot-relay/crypto"
	"github.com/onnwee/modbot-relay/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "List the plaintext rows without changing them")
	status := flag.Bool("status", false, "Only report how many rows exist per encryption version")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	cipher, err := crypto.NewTokenCipher(os.Getenv("ENCRYPTION_KEY"), os.Getenv("ENCRYPTION_KEY_ID"))
	if err != nil {
		slog.Error("failed to initialize token cipher", slog.Any("error", err))
		os.Exit(1)
	}

	database, err := db.Connect(dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = database.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("error", err))
		os.Exit(1)
	}

	if *status {
		if err := reportStatus(ctx, database); err != nil {
			slog.Error("status query failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	n, err := migrateTokens(ctx, db.NewStore(database, nil, cipher), *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("error", err), slog.Int("sealed", n))
		os.Exit(1)
	}
	slog.Info("migration completed", slog.Int("sealed", n), slog.Bool("dry_run", *dryRun))
}

// migrateTokens seals every plaintext bot token. In dry-run mode it only counts
// them.
func migrateTokens(ctx context.Context, store *db.Store, dryRun bool) (int, error) {
	pending, err := store.PlaintextBotTokens(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list plaintext tokens")
	}
	if len(pending) == 0 {
		slog.Info("no plaintext tokens found")
		return 0, nil
	}
	if dryRun {
		for i, id := range pending {
			slog.Info("would seal token (dry-run)", slog.String("identity", id),
				slog.Int("index", i+1), slog.Int("total", len(pending)))
		}
		return len(pending), nil
	}
	return store.SealPlaintextBotTokens(ctx)
}

// reportStatus logs how many bot tokens exist per encryption version.
func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx,
		`SELECT encryption_version, COUNT(*) FROM bot_tokens GROUP BY encryption_version ORDER BY encryption_version`)
	if err != nil {
		return errors.Wrap(err, "query status")
	}
	defer func() { _ = rows.Close() }()
	total := 0
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return errors.Wrap(err, "scan status row")
		}
		desc := fmt.Sprintf("unknown version %d", version)
		switch version {
		case 0:
			desc = "plaintext"
		case 1:
			desc = "encrypted (AES-256-GCM)"
		}
		slog.Info("encryption status", slog.Int("encryption_version", version),
			slog.String("description", desc), slog.Int("count", count))
		total += count
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate status rows")
	}
	slog.Info("total tokens", slog.Int("count", total))
	return nil
}
