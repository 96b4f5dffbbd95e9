package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dkirby-ms/tilemud/internal/bootstrap"
	"github.com/dkirby-ms/tilemud/internal/config"
	"github.com/dkirby-ms/tilemud/internal/dbguard"
	"github.com/dkirby-ms/tilemud/internal/degraded"
	"github.com/dkirby-ms/tilemud/internal/durability"
	"github.com/dkirby-ms/tilemud/internal/errors"
	"github.com/dkirby-ms/tilemud/internal/grace"
	"github.com/dkirby-ms/tilemud/internal/httpapi"
	"github.com/dkirby-ms/tilemud/internal/intent"
	"github.com/dkirby-ms/tilemud/internal/kv"
	"github.com/dkirby-ms/tilemud/internal/logging"
	"github.com/dkirby-ms/tilemud/internal/pipeline"
	"github.com/dkirby-ms/tilemud/internal/ratelimit"
	"github.com/dkirby-ms/tilemud/internal/reconnectflow"
	"github.com/dkirby-ms/tilemud/internal/reconnecttoken"
	"github.com/dkirby-ms/tilemud/internal/room"
	"github.com/dkirby-ms/tilemud/internal/sequence"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/dkirby-ms/tilemud/internal/version"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP/WebSocket session server",
	RunE:    runServe,
}

const (
	graceStopTimeout   = 10 * time.Second
	actionDrainPeriod  = 20 * time.Millisecond
	graceSweepInterval = 30 * time.Second
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	degradedSignal := degraded.New(degraded.DefaultThresholds())

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	store := kv.New(redisClient)
	redisGuard := dbguard.New(dbguard.Config{FailureThreshold: cfg.DBGuard.FailureThreshold, CooldownMs: int64(cfg.DBGuard.CooldownMs)}, degraded.DependencyRedis, degradedSignal)
	postgresGuard := dbguard.New(dbguard.Config{FailureThreshold: cfg.DBGuard.FailureThreshold, CooldownMs: int64(cfg.DBGuard.CooldownMs)}, degraded.DependencyPostgres, degradedSignal)

	durable, err := durability.Open(ctx, cfg.Postgres.ConnString, postgresGuard)
	if err != nil {
		return errors.Wrap(err, "failed to open durability store")
	}
	defer durable.Close()

	sessions := session.New()
	limiter := ratelimit.New(store, redisGuard, cfg.RateLimit.ToRatelimitConfig())
	tokens := reconnecttoken.New(store, redisGuard)
	graceMgr := grace.New(store, redisGuard)
	seqSvc := sequence.New(time.Duration(cfg.Sequence.PendingSnapshotTTLMs) * time.Millisecond)
	queue := pipeline.New(pipeline.Config{MaxQueueSize: cfg.Pipeline.MaxQueueSize}, limiter)

	versions, err := version.New("tilemud", cfg.Protocol.Version, cfg.Protocol.SupportedVersions)
	if err != nil {
		return errors.Wrap(err, "failed to construct version service")
	}

	var validator bootstrap.Validator
	if cfg.Auth.Mode == "jwt" {
		validator = bootstrap.NewJWTValidator([]byte(cfg.Auth.JWTSecret))
	} else {
		validator = bootstrap.DevValidator{}
	}
	bootstrapSvc := bootstrap.New(validator, tokens, sessions, durable, versions, func() string { return uuid.NewString() })
	reconnectSvc := reconnectflow.New(reconnectflow.DefaultConfig(), tokens, sessions, durable)
	processor := intent.New(seqSvc, durable, sessions)

	roomCfg := room.Config{MaxClients: cfg.Room.MaxClients, AutoDispose: cfg.Room.AutoDispose}
	realtimeRoom := room.New(roomCfg, sessions, durable, processor, degradedSignal, versions, queue, func() string { return uuid.NewString() })
	realtimeRoom.SubscribeDegraded(ctx)
	go realtimeRoom.RunActionDrain(ctx, actionDrainPeriod)
	go runGraceSweep(ctx, graceMgr)

	handlers := httpapi.New(bootstrapSvc, reconnectSvc, versions, realtimeRoom, graceMgr)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/version", handlers.HandleVersion)
	mux.HandleFunc("/api/session/bootstrap", handlers.HandleBootstrap)
	mux.HandleFunc("/api/session/reconnect", handlers.HandleReconnect)
	mux.HandleFunc("/api/grace/stats", handlers.HandleGraceStats)
	mux.HandleFunc("/ws", handlers.HandleWebSocket(ctx))

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logging.L.Infow("tilemud-server listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
		logging.L.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), graceStopTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	}
}

// runGraceSweep periodically evicts expired reconnect grace sessions
// (spec.md §4.15's grace-window lifecycle), following
// teranos-QNTX/server/server.go's background-ticker-goroutine idiom.
func runGraceSweep(ctx context.Context, mgr *grace.Manager) {
	ticker := time.NewTicker(graceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := mgr.CleanupExpiredSessions(ctx); err != nil {
				logging.L.Warnw("grace sweep failed", "error", err)
			} else if n > 0 {
				logging.L.Infow("grace sweep evicted expired sessions", "count", n)
			}
		}
	}
}
