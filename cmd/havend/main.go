package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/havenhub/haven/internal/bus"
	"github.com/havenhub/haven/internal/config"
	"github.com/havenhub/haven/internal/database"
	"github.com/havenhub/haven/internal/dispatch"
	"github.com/havenhub/haven/internal/egress"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/observability"
	"github.com/havenhub/haven/internal/privacy"
	"github.com/havenhub/haven/internal/repositories"
	"github.com/havenhub/haven/internal/security"
	"github.com/havenhub/haven/internal/server"
	"github.com/havenhub/haven/internal/services"
	"github.com/havenhub/haven/internal/utils"
)

func main() {
	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing stores
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to create postgres pool", zap.Error(err))
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()

	deviceRepo := repositories.NewPostgresDeviceRepository(postgresPool)
	credsRepo := repositories.NewPostgresCredentialsRepository(postgresPool)
	eventRepo := repositories.NewPostgresEventRepository(postgresPool)
	commandRepo := repositories.NewPostgresCommandRepository(postgresPool)
	quarantineRepo := repositories.NewPostgresQuarantineRepository(postgresPool)
	decisionRepo := repositories.NewPostgresDecisionRepository(postgresPool)
	consentStore := repositories.NewRedisConsentStore(redisClient, logger)

	counters := observability.NewCounters()

	// Buses: events feed the detector and the egress guard; signals feed
	// the quarantine manager. Both partition delivery by device id.
	eventBus := bus.New(logger, func(ev *models.Event) string {
		return ev.DeviceID.String()
	}, cfg.BusPartitions)
	signalBus := bus.New(logger, func(sig models.IntrusionSignal) string {
		return sig.DeviceID.String()
	}, cfg.BusPartitions)
	defer eventBus.Close()
	defer signalBus.Close()

	// Privacy pipeline
	consentCache := privacy.NewConsentCache(consentStore, cfg.ConsentStalenessTTL, cfg.ConsentRefreshInterval, logger)
	localOnly := privacy.NewLocalOnly()
	quarantineManager := security.NewManager(quarantineRepo, security.NewDefaultModePolicy(), cfg.QuarantineWindow, logger)
	sink := egress.NewRedisStreamSink(redisClient, cfg.EgressStream)
	guard := privacy.NewGuard(consentCache, localOnly, quarantineManager, decisionRepo, sink, counters, logger)

	// Security pipeline
	detector := security.NewDetector(signalBus, counters, logger)
	seqs, err := eventRepo.MaxSeqByDevice(ctx)
	if err != nil {
		logger.Fatal("failed to rehydrate sequence watermarks", zap.Error(err))
	}
	detector.Rehydrate(seqs)

	// Services
	sealer, err := utils.NewSealer(cfg.CredentialKey)
	if err != nil {
		logger.Fatal("failed to init credential sealer", zap.Error(err))
	}
	trust := services.NewTrustService(deviceRepo, credsRepo, signalBus, sealer, cfg.JWTSecret, cfg.TokenExpiry, logger)
	intake := services.NewIntakeService(deviceRepo, eventRepo, eventBus, counters, logger)
	dispatcher := dispatch.NewDispatcher(commandRepo, deviceRepo, quarantineManager, dispatch.LoopbackTransport{}, signalBus, counters, cfg.DispatchWorkers, logger)

	// Subscriptions: a failed subscribe means a whole pipeline leg would be
	// missing, so it is fatal.
	if err := eventBus.Subscribe("intrusion-detector", detector.Observe); err != nil {
		logger.Fatal("failed to subscribe intrusion detector", zap.Error(err))
	}
	if err := eventBus.Subscribe("egress-guard", func(ctx context.Context, ev *models.Event) {
		guard.Decide(ctx, ev)
	}); err != nil {
		logger.Fatal("failed to subscribe egress guard", zap.Error(err))
	}
	if err := signalBus.Subscribe("quarantine-manager", quarantineManager.HandleSignal); err != nil {
		logger.Fatal("failed to subscribe quarantine manager", zap.Error(err))
	}

	api := server.New(trust, intake, dispatcher, quarantineManager, localOnly, consentCache, deviceRepo, decisionRepo, counters, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: api.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consentCache.Run(ctx) })
	g.Go(func() error { return consentStore.SubscribeInvalidations(ctx, consentCache.Invalidate) })
	g.Go(func() error { return quarantineManager.RunSweep(ctx, cfg.SweepInterval) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return dispatcher.RunExpiry(ctx, cfg.SweepInterval) })
	g.Go(func() error {
		logger.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped gracefully")
}
