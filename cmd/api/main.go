package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/channelops/internal/api"
	"github.com/punchamoorthee/channelops/internal/channel"
	"github.com/punchamoorthee/channelops/internal/clearnode"
	"github.com/punchamoorthee/channelops/internal/config"
	"github.com/punchamoorthee/channelops/internal/events"
	"github.com/punchamoorthee/channelops/internal/ledger"
	"github.com/punchamoorthee/channelops/internal/logger"
	"github.com/punchamoorthee/channelops/internal/ratelimit"
	"github.com/punchamoorthee/channelops/internal/service"
	"github.com/punchamoorthee/channelops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatal(err)
	}

	err = run(cfg, lg)
	if err != nil {
		lg.Error("server exited", zap.Error(err))
	}
	lg.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run owns every resource so deferred cleanups complete before main exits.
func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	// Initialize Layers
	var limiter ratelimit.Limiter = ratelimit.NewMemory()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("unable to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		limiter = ratelimit.NewRedis(rdb, "channelops:rl:")
		lg.Info("rate limiter: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		lg.Info("rate limiter: in-process")
	}

	var network channel.Network
	if cfg.ClearnodeURL != "" {
		network = clearnode.NewClient(cfg.ClearnodeURL, cfg.ClearnodeTimeout, cfg.ClearnodeRPS, cfg.ClearnodeBurst, lg)
		lg.Info("clearing node: http", zap.String("url", cfg.ClearnodeURL))
	} else {
		network = clearnode.NewSimulator(cfg.SimulatorLatency)
		lg.Info("clearing node: simulator", zap.Duration("latency", cfg.SimulatorLatency))
	}

	var (
		sink  ledger.Sink
		audit api.AuditReader
	)
	if cfg.DBSource != "" {
		st, err := store.NewStore(ctx, cfg.DBSource)
		if err != nil {
			return fmt.Errorf("unable to connect to database: %w", err)
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("audit schema migration failed: %w", err)
		}
		sink, audit = st, st
	}

	bus := events.NewBus()
	svc := service.NewSessionService(network, bus, sink, lg, cfg.OperationTimeout)
	handler := api.NewHandler(svc, bus, audit, lg)

	router := api.NewRouter(handler, limiter, api.Policies{
		Guest: ratelimit.Policy{Window: cfg.GuestLimit.Window, Max: cfg.GuestLimit.Max},
		Auth:  ratelimit.Policy{Window: cfg.AuthLimit.Window, Max: cfg.AuthLimit.Max},
		Hook:  ratelimit.Policy{Window: cfg.HookLimit.Window, Max: cfg.HookLimit.Max},
	}, proxies, lg)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.CleanupSchedule, func() {
		if n := limiter.Cleanup(time.Now()); n > 0 {
			lg.Debug("rate limit entries swept", zap.Int("removed", n))
		}
		if cfg.SessionIdleTTL > 0 {
			if n := svc.SweepIdle(cfg.SessionIdleTTL); n > 0 {
				lg.Info("idle sessions swept", zap.Int("removed", n))
			}
		}
	}); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", cfg.CleanupSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
