package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prudhvinik1/optisync/internal/api"
	"github.com/prudhvinik1/optisync/internal/config"
	"github.com/prudhvinik1/optisync/internal/database"
	"github.com/prudhvinik1/optisync/internal/repositories"
	"github.com/prudhvinik1/optisync/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	godotenv.Load()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("service", "optisync-server")

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	if err := database.Migrate(ctx, postgresPool); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	bus := repositories.NewRedisEventBus(redisClient, log)
	mutations := services.NewMutationService(
		repositories.NewPostgresEntityRepository(postgresPool),
		repositories.NewPostgresChangeLogRepository(postgresPool),
		repositories.NewRedisIdempotencyRepository(redisClient),
		bus,
		services.MutationServiceConfig{
			IdempotencyTTL:   cfg.IdempotencyTTL,
			StrictVersioning: cfg.StrictVersioning,
			Log:              log,
		},
	)
	tokens := services.NewTokenService(cfg.JWTSecret, cfg.JWTExpiry)
	stream := api.NewBroadcaster(bus, log)
	srv := api.NewServer(mutations, tokens, repositories.NewRedisPresenceRepository(redisClient), stream, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: srv.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream.Run(gctx)
	})
	g.Go(func() error {
		log.Infof("Starting server on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Info("Server stopped gracefully")
}
