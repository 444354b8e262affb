package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/zyn-codes/somatic/internal/api"
	"github.com/zyn-codes/somatic/internal/config"
	"github.com/zyn-codes/somatic/internal/delivery"
	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/metrics"
	"github.com/zyn-codes/somatic/internal/queue"
	"github.com/zyn-codes/somatic/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()
	logger.Info("queue backend ready", "backend", cfg.Queue.Backend)

	st := queue.NewStore(backend, queue.StoreConfig{
		Namespace:      cfg.Queue.Namespace,
		MaxLength:      cfg.Queue.MaxLength,
		MaxPayloadSize: cfg.Queue.MaxPayloadSize,
	}, logger)

	monitor := queue.NewConnectivityMonitor(cfg.Delivery.BaseURL+"/healthz", cfg.Delivery.ProbeInterval, 5*time.Second, logger)
	client := delivery.NewClient(cfg.Delivery.BaseURL, cfg.Delivery.Timeout, monitor)

	mgr := queue.NewManager(queue.Deps{
		Store:   st,
		Sender:  client,
		Logger:  logger,
		Metrics: m,
	}, queue.Config{
		MaxRetries:      cfg.Queue.MaxRetries,
		SweepInterval:   cfg.Queue.SweepInterval,
		InitialDelay:    cfg.Queue.InitialDelay,
		CleanupInterval: cfg.Queue.CleanupInterval,
		MaxAge:          cfg.Queue.MaxAge,
		Backoff: queue.BackoffConfig{
			MinDelay: cfg.Queue.MinBackoff,
			MaxDelay: cfg.Queue.MaxBackoff,
			Jitter:   queue.DefaultJitter,
		},
	})
	monitor.OnReconnect(mgr.NotifyReconnect)

	// items left over from a previous run are retried without waiting for
	// a new submission
	mgr.Start(ctx)
	defer mgr.Stop()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.RelayPort,
		Handler:           api.NewRelayRouter(mgr, cfg.Queue.MaxPayloadSize, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	resume := make(chan os.Signal, 1)
	signal.Notify(resume, syscall.SIGUSR1)
	defer signal.Stop(resume)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-resume:
				logger.Info("resume signal received")
				mgr.NotifyResume()
			}
		}
	})
	g.Go(func() error {
		logger.Info("relay listening", "addr", srv.Addr, "backend_url", cfg.Delivery.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("relay shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config) (store.Backend, func(), error) {
	switch cfg.Queue.Backend {
	case "memory":
		return store.NewMemoryBackend(), func() {}, nil
	case "file", "":
		b, err := store.NewFileBackend(cfg.Queue.Dir)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	case "redis":
		b, err := store.NewRedisBackend(ctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.Queue.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
