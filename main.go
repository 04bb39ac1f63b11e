// Command modbot-relay is the main entrypoint for the chat relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations.
//   - Builds the upstream connection pool, subscriber registry, ingestor and
//     relay, then primes every stored assignment in the background.
//   - Refreshes bot tokens before they expire.
//   - Serves the websocket relay, health, metrics and admin API over HTTP.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/modbot-relay/chat"
	"github.com/onnwee/modbot-relay/commands"
	"github.com/onnwee/modbot-relay/config"
	"github.com/onnwee/modbot-relay/crypto"
	"github.com/onnwee/modbot-relay/db"
	"github.com/onnwee/modbot-relay/hub"
	"github.com/onnwee/modbot-relay/oauth"
	"github.com/onnwee/modbot-relay/relay"
	"github.com/onnwee/modbot-relay/server"
	"github.com/onnwee/modbot-relay/telemetry"
	"github.com/onnwee/modbot-relay/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateRelayReady(); err != nil {
		slog.Error("relay not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("modbot-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	var cipher *crypto.TokenCipher
	if cfg.EncryptionKey != "" {
		if cipher, err = crypto.NewTokenCipher(cfg.EncryptionKey, cfg.EncryptionKeyID); err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Warn("ENCRYPTION_KEY not set - bot tokens are stored in plaintext")
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Twitch clients: app token for Helix lookups, user grants for bot accounts
	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{AppTokenSource: appTokens, ClientID: cfg.TwitchClientID}
	oauthClient := &twitchapi.OAuthClient{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.TwitchScopes,
	}
	store := db.NewStore(database, helix, cipher)
	if cipher != nil {
		if n, err := store.SealPlaintextBotTokens(ctx); err != nil {
			slog.Warn("sealing plaintext bot tokens failed", slog.Any("err", err))
		} else if n > 0 {
			slog.Info("sealed plaintext bot tokens", slog.Int("count", n))
		}
	}
	tokens := oauth.NewProvider(store, oauthClient, cfg.TokenRefreshWindow)

	// Relay core: pool -> ingestor -> registry. Construction order is circular,
	// so the pool gets its wiring and subscriber counter after the fact.
	subs := hub.NewRegistry()
	pool := chat.NewPool(chat.PoolConfig{
		ConnectTimeout: cfg.ConnectTimeout,
		BaseDelay:      cfg.ReconnectBaseDelay,
		MaxDelay:       cfg.ReconnectMaxDelay,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		SendPer30s:     cfg.SendRatePer30s,
		SendBurst:      cfg.SendBurst,
		SendWait:       cfg.SendWaitTimeout,
	}, tokens, chat.NewTwitchDialer(cfg.TwitchIRCAddr), nil, nil)
	defer pool.Close()
	ingestor := chat.NewIngestor(chat.IngestConfig{
		Concurrency: cfg.IngestConcurrency,
		QueueSize:   cfg.IngestQueue,
	}, store, subs, tokens, commands.New(store), pool)
	pool.SetWiring(ingestor)
	pool.SetSubscribers(subs)
	subs.OnEmpty = pool.Sweep
	tokens.OnRefresh = pool.UpdateCredential

	rel := relay.New(relay.Config{InitTimeout: cfg.InitTimeout, InitConcurrency: cfg.InitConcurrency}, pool, subs, tokens, store)

	// Prime stored assignments without holding up the HTTP server
	go func() {
		if _, err := rel.InitializeStored(ctx); err != nil {
			slog.Error("initializing stored assignments failed", slog.Any("err", err))
		}
	}()
	if cfg.ChannelsFile != "" {
		go func() {
			if err := rel.WatchChannelsFile(ctx, cfg.ChannelsFile); err != nil {
				slog.Error("channels file watch failed", slog.String("path", cfg.ChannelsFile), slog.Any("err", err))
			}
		}()
	}

	oauth.StartRefresher(ctx, tokens, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow)
	go store.StartRetentionJob(ctx, db.LoadRetentionPolicy())

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	var onboarding server.OAuth
	if cfg.TwitchRedirectURI != "" {
		onboarding = oauthClient
	}
	go func() {
		if err := server.Start(ctx, server.Deps{
			Relay:       rel,
			Store:       store,
			Pool:        pool,
			Subs:        subs,
			OAuth:       onboarding,
			Tokens:      tokens,
			Credentials: tokens,
			Helix:       helix,
			Config:      cfg,
		}, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
