package main

import (
	"context"
	"errors"
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
	"github.com/zyn-codes/somatic/internal/ipintel"
	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/metrics"
	"github.com/zyn-codes/somatic/internal/publisher"
	"github.com/zyn-codes/somatic/internal/visits"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.New()

	repo, closeRepo, err := openVisits(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	pub := publisher.NewAsync(openPublisher(cfg, logger), publisher.DefaultBacklog, publisher.DefaultPublishTimeout, logger)
	defer pub.Close()

	auth, err := api.NewAdminAuth(cfg.Admin.Password)
	if err != nil {
		return err
	}
	auth = auth.WithLockout(cfg.Admin.MaxFailedAttempts, cfg.Admin.LockoutDuration)
	if auth == nil {
		logger.Warn("ADMIN_PASSWORD not set, admin routes disabled")
	}

	deps := api.Deps{
		Visits:         repo,
		Publisher:      pub,
		Hub:            api.NewHub(logger),
		Auth:           auth,
		Metrics:        m,
		Logger:         logger,
		MaxPayloadSize: cfg.Queue.MaxPayloadSize,
		APILimit:       api.RateLimit(cfg.Limits.API),
		AdminLimit:     api.RateLimit(cfg.Limits.Admin),
	}
	if cfg.IPIntel.Enabled {
		deps.Intel = ipintel.New(ipintel.Config{
			CacheTTL:        cfg.IPIntel.CacheTTL,
			ProviderTimeout: cfg.IPIntel.ProviderTimeout,
			Deadline:        cfg.IPIntel.Deadline,
			IPAPIURL:        cfg.IPIntel.IPAPIURL,
			IPInfoURL:       cfg.IPIntel.IPInfoURL,
			IPInfoToken:     cfg.IPIntel.IPInfoToken,
			IPWhoURL:        cfg.IPIntel.IPWhoURL,
		}, logger, m)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Hub.Run(gctx)
	})
	g.Go(func() error {
		return pub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("api shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openVisits(ctx context.Context, cfg config.Config, logger *slog.Logger) (visits.Repository, func(), error) {
	if cfg.Postgres.URL == "" {
		logger.Info("DB_URL not set, keeping visits in memory", "capacity", visits.DefaultMemoryCapacity)
		return visits.NewMemoryRepository(visits.DefaultMemoryCapacity), func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	repo, err := visits.OpenPostgres(connectCtx, cfg.Postgres.URL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("visits stored in postgres")
	return repo, func() { _ = repo.Close() }, nil
}

func openPublisher(cfg config.Config, logger *slog.Logger) publisher.Publisher {
	if cfg.RabbitMQ.URL == "" {
		return publisher.NewNop(logger)
	}
	p, err := publisher.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
	if err != nil {
		// notifications are optional; ingestion keeps working without them
		logger.Warn("rabbitmq unavailable, visit events disabled", "error", err)
		return publisher.NewNop(logger)
	}
	return p
}
