package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/bbolt"

	"streamdeck/internal/platform/config"
	"streamdeck/internal/platform/logger"
	"streamdeck/internal/platform/metrics"
	"streamdeck/internal/playlist"
	"streamdeck/internal/registry"
	"streamdeck/internal/scheduler"
)

const (
	shutdownTimeout = 10 * time.Second
	redisKeyPrefix  = "streamdeck:"
)

func main() {
	_ = config.Load()

	cfg, err := config.LoadFile(config.GetEnv("CONFIG_FILE", ""))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("open storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore.Close(); err != nil {
			log.Error("close storage", "error", err)
		}
	}()

	met := metrics.New()
	client := playlist.NewClient(cfg.Playlist.URL, cfg.Playlist.Timeout)
	reg := registry.New(client, store, registry.Options{
		Logger:         log,
		Metrics:        met,
		SnapshotMaxAge: cfg.Storage.SnapshotMaxAge,
	})
	defer reg.Close()

	if err := reg.Init(ctx); err != nil {
		log.Warn("restore snapshot", "error", err)
	}
	if _, err := reg.Refresh(ctx, false); err != nil {
		log.Warn("initial refresh failed", "error", err)
	}

	sched := scheduler.New(reg, scheduler.Config{
		Interval:    cfg.Refresh.Interval,
		AutoRefresh: cfg.Refresh.AutoRefresh,
		OnlineDelay: cfg.Refresh.OnlineDelay,
		Logger:      log,
	})
	sched.Start(ctx)

	h := registry.NewHandler(reg, sched, log).WithEventBuffer(cfg.HTTP.EventBuffer)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", met.Handler(reg.UpdateGauges).ServeHTTP)
	h.Routes(r)

	addr := ":" + cfg.HTTP.Port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	log.Info("server starting",
		"port", cfg.HTTP.Port,
		"playlist_url", client.URL(),
		"storage_backend", cfg.Storage.Backend,
		"refresh_interval", cfg.Refresh.Interval.String(),
		"auto_refresh", cfg.Refresh.AutoRefresh,
		"log_level", cfg.Log.Level,
	)

	<-ctx.Done()

	log.Info("shutdown signal received, draining connections")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Event streams only end when the registry closes its bus.
	reg.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	log.Info("server stopped")
}

// openStore returns the snapshot store for the configured backend and the
// resource to release on exit.
func openStore(ctx context.Context, cfg *config.Config) (registry.Store, io.Closer, error) {
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		db, err := bbolt.Open(cfg.Storage.BoltPath, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, nil, err
		}
		store, err := registry.NewBoltStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db, nil
	case config.BackendRedis:
		rdb, err := registry.NewRedisClient(ctx, cfg.Storage.RedisURL, cfg.Storage.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		store, err := registry.NewRedisStore(rdb, redisKeyPrefix, 0)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return store, rdb, nil
	default:
		return registry.NewInMemoryStore(), io.NopCloser(nil), nil
	}
}
