package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/taskplane/taskplane/internal/auth"
	"github.com/taskplane/taskplane/internal/broker"
	"github.com/taskplane/taskplane/internal/config"
	"github.com/taskplane/taskplane/internal/execlog"
	"github.com/taskplane/taskplane/internal/hierarchy"
	"github.com/taskplane/taskplane/internal/mcp"
	"github.com/taskplane/taskplane/internal/ratelimit"
	"github.com/taskplane/taskplane/internal/server"
	"github.com/taskplane/taskplane/internal/spawn"
	"github.com/taskplane/taskplane/internal/storage"
	"github.com/taskplane/taskplane/internal/taskgraph"
	"github.com/taskplane/taskplane/internal/telemetry"
	"github.com/taskplane/taskplane/internal/workflow"
	"github.com/taskplane/taskplane/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("TASKPLANE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("taskplane starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager. Empty key paths generate an ephemeral dev keypair.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Open the local execution log (optional — disabled if path is empty).
	var execLog *execlog.Log
	if cfg.ExecLogPath != "" {
		execLog, err = execlog.Open(cfg.ExecLogPath, logger)
		if err != nil {
			return fmt.Errorf("execlog: %w", err)
		}
		defer func() { _ = execLog.Close() }()
	} else {
		logger.Info("execution log: disabled (no path)")
	}

	// Wire the domain layers. The hierarchy resolver and task graph are
	// shared; the broker doubles as the arbitrator's work detector so both
	// agree on what counts as work.
	resolver := hierarchy.New(db, cfg.HierarchyDepth)
	graph := taskgraph.New(db, db, db, db, resolver, logger)
	sessionBroker := broker.New(db, resolver, jwtMgr, cfg.SessionTTL, logger)
	arbitrator := spawn.New(db, sessionBroker, logger)
	engine := workflow.New(db, graph, cfg.IdleTimeout, logger)

	mcpSrv := mcp.New(db, sessionBroker, engine, graph, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting: memory token bucket",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Arbitrator:          arbitrator,
		Broker:              sessionBroker,
		ExecLog:             execLog,
		MCPServer:           mcpSrv.MCPServer(),
		RateLimiter:         limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Expired-session sweeper. Sessions also expire lazily on read; the
	// sweeper just keeps the table from accumulating dead rows.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.ExpirySweep)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n, err := db.DeleteExpiredSessions(gctx); err != nil {
					logger.Warn("expiry sweep failed", "error", err)
				} else if n > 0 {
					logger.Info("expired sessions removed", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("taskplane shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
