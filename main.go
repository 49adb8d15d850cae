// Command chatpeak watches Twitch channels, records the chat of every live broadcast and,
// when a broadcast ends, writes activity time series and the top peak windows next to
// the recording. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres (session index) and Redis (peaks_ready events).
//   - Runs the channel watcher until SIGINT/SIGTERM, then finalizes active sessions.
//   - Prunes old analysed stream directories when a retention policy is configured,
//     archiving them to S3 first when a bucket is set.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /sessions and /metrics.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatpeak/analysis"
	"github.com/onnwee/chatpeak/archive"
	"github.com/onnwee/chatpeak/chat"
	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/config"
	"github.com/onnwee/chatpeak/db"
	"github.com/onnwee/chatpeak/notify"
	"github.com/onnwee/chatpeak/retention"
	"github.com/onnwee/chatpeak/server"
	"github.com/onnwee/chatpeak/telemetry"
	"github.com/onnwee/chatpeak/twitchapi"
	"github.com/onnwee/chatpeak/watcher"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogger()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chatpeak", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var readiness []server.Check

	// Session index (optional)
	var (
		sessionIndex  collector.SessionIndex
		analysisIndex analysis.Index
		pruneIndex    retention.Index
		sessions      server.SessionLister
	)
	if cfg.DBDsn != "" {
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
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = db.Migrate(mctx, database)
		cancel()
		if err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
		ix := &db.Index{DB: database}
		sessionIndex, analysisIndex, pruneIndex, sessions = ix, ix, ix, ix
		readiness = append(readiness, server.Check{Name: "database", Fn: pingDB(database)})
	} else {
		slog.Info("session index disabled (DB_DSN not set)")
	}

	// peaks_ready publisher (optional)
	var publisher notify.Publisher = notify.Noop{}
	if cfg.RedisAddr != "" {
		rp, err := notify.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			slog.Error("failed to connect to redis", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := rp.Close(); err != nil {
				slog.Warn("failed to close redis publisher", slog.Any("err", err))
			}
		}()
		publisher = rp
		readiness = append(readiness, server.Check{Name: "redis", Fn: rp.Ping})
	}

	proc := analysis.NewProcessor(analysis.Options{
		Resolutions: cfg.Resolutions,
		RollingSec:  cfg.RollingSec,
		Detector: analysis.Detector{
			WindowSec: cfg.PeakWindowSec,
			TopK:      cfg.TopK,
			MinGapSec: cfg.MinPeakGapSec,
			CoarseSec: cfg.CoarseSec,
		},
		Location:      cfg.Location,
		MaxConcurrent: cfg.MaxConcurrentAnalyses,
		Publisher:     publisher,
		Index:         analysisIndex,
	})

	helix := twitchapi.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret)

	w, err := watcher.New(watcher.Config{
		Channels:           cfg.Channels,
		OutDir:             cfg.OutDir,
		Location:           cfg.Location,
		PollInterval:       cfg.PollInterval,
		MaxRetries:         cfg.MaxRetries,
		IdleTimeout:        cfg.IdleTimeout,
		IdleRequireConfirm: cfg.IdleRequireConfirm,
		RestartResume:      cfg.RestartResume,
		ShutdownGrace:      cfg.ShutdownGrace,
		Source:             helix,
		NewCollector:       collectorFactory(cfg, proc, sessionIndex),
		Pipeline:           proc,
	})
	if err != nil {
		slog.Error("failed to create watcher", slog.Any("err", err))
		os.Exit(1)
	}

	pruner := &retention.Pruner{
		OutDir: cfg.OutDir,
		Policy: retention.LoadPolicy(),
		Active: func() []string {
			var dirs []string
			for _, s := range w.Snapshot().Sessions {
				dirs = append(dirs, s.Dir)
			}
			return dirs
		},
		Index: pruneIndex,
	}
	if s3cfg := archive.LoadS3Config(); s3cfg.Enabled() {
		store, err := archive.NewS3(ctx, s3cfg)
		if err != nil {
			slog.Error("failed to configure archive", slog.Any("err", err))
			os.Exit(1)
		}
		pruner.Archiver = store
	}
	go pruner.Run(ctx)

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	mux := server.NewMux(server.Deps{Status: w, Sessions: sessions, Ready: readiness})
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, mux); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("starting watcher", slog.Int("channel_count", len(cfg.Channels)), slog.Any("channels", cfg.Channels))
	if err := w.Run(ctx); err != nil {
		slog.Error("watcher stopped", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
	slog.Info("shut down")
}

// collectorFactory builds a chat client on the configured transport for each session.
func collectorFactory(cfg *config.Config, pipeline collector.Pipeline, index collector.SessionIndex) watcher.Factory {
	return func(sess collector.Session) (watcher.Collector, error) {
		var transport chat.Transport
		switch cfg.ChatTransport {
		case config.TransportWebSocket:
			transport = &chat.WSTransport{URL: cfg.ChatWSURL, Channel: sess.ChannelID}
		default:
			transport = &chat.IRCTransport{Channel: sess.ChannelID, Username: cfg.TwitchBotUsername, OAuthToken: cfg.TwitchOAuthToken}
		}
		logger := slog.Default().With(slog.String("stream_id", sess.StreamID))
		client := chat.NewClient(transport, chat.ClientConfig{
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			BaseBackoff:      cfg.BackoffBase,
			BackoffFactor:    cfg.BackoffFactor,
			MaxBackoff:       cfg.MaxBackoff,
			MaxAttempts:      cfg.MaxReconnectAttempts,
			Logger:           logger,
		})
		return collector.New(sess, collector.Config{
			Client:   client,
			Pipeline: pipeline,
			Index:    index,
		})
	}
}

// setupLogger configures the default slog logger (level + format). Defaults: level=info, format=text.
func setupLogger() {
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
}

func pingDB(database *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error { return database.PingContext(ctx) }
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
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
