package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	rcache "github.com/open-builders/gift-exchange-backend/internal/cache/redis"
	"github.com/open-builders/gift-exchange-backend/internal/common/logger"
	"github.com/open-builders/gift-exchange-backend/internal/config"
	"github.com/open-builders/gift-exchange-backend/internal/draw"
	apphttp "github.com/open-builders/gift-exchange-backend/internal/http"
	"github.com/open-builders/gift-exchange-backend/internal/platform/db"
	redisplatform "github.com/open-builders/gift-exchange-backend/internal/platform/redis"
	"github.com/open-builders/gift-exchange-backend/internal/repository/memory"
	pgrepo "github.com/open-builders/gift-exchange-backend/internal/repository/postgres"
	exsvc "github.com/open-builders/gift-exchange-backend/internal/service/exchange"
	"github.com/open-builders/gift-exchange-backend/internal/service/notifications"
	"github.com/open-builders/gift-exchange-backend/internal/utils/random"
	"github.com/open-builders/gift-exchange-backend/internal/workers"
)

func main() {
	// Create cancellable root context for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	logger.Init("gift-exchange-backend", cfg.Debug, cfg.LogPretty)

	gen := draw.NewGenerator(random.Secure(), cfg.Draw.MaxAttempts)
	probes := map[string]apphttp.Probe{}

	var (
		svc       *exsvc.Service
		announcer notifications.Announcer
	)

	switch cfg.StorageDriver {
	case config.StorageMemory:
		svc = exsvc.NewService(memory.NewStore(), gen, cfg.Draw.Timeout)
		announcer = notifications.NewDirect(notifications.NewDispatcher(svc, notifications.LogNotifier{}))
		logger.Warn().Msg("Using in-memory storage; data is lost on restart")

	default:
		pg, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open postgres")
		}
		defer pg.Close()
		if cfg.DBAutoMigrate {
			if err := db.Migrate(ctx, pg); err != nil {
				logger.Fatal().Err(err).Msg("Failed to apply schema")
			}
		}
		probes["postgres"] = pg.PingContext

		rdb, err := redisplatform.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open redis")
		}
		defer rdb.Close()
		probes["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		svc = exsvc.NewService(pgrepo.NewExchangeRepository(pg), gen, cfg.Draw.Timeout).
			WithLock(rcache.NewDrawLock(rdb, cfg.Draw.LockTTL)).
			WithCache(rcache.NewGroupCache(rdb, cfg.GroupCacheTTL))

		dispatcher := notifications.NewDispatcher(svc, notifications.LogNotifier{})
		if cfg.Notifications.Enabled {
			announcer = notifications.NewStreamPublisher(rdb)
			worker := workers.NewRedisStreamWorker(rdb, dispatcher, cfg.Notifications.Consumer)
			go worker.Start(ctx)
		}
	}

	router := apphttp.NewRouter(cfg, apphttp.NewExchangeHandlers(svc, announcer), probes)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.StorageDriver).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	logger.Info().Msg("Server exited")
}
