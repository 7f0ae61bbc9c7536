package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"trading-decision-engine/config"
	"trading-decision-engine/internal/api"
	"trading-decision-engine/internal/cache"
	"trading-decision-engine/internal/database"
	"trading-decision-engine/internal/engine"
	"trading-decision-engine/internal/ensemble"
	"trading-decision-engine/internal/events"
	"trading-decision-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().Msg("Trading decision engine starting")

	eventBus := events.NewEventBus()

	// Decision audit log is optional; the engine runs without it
	var db *database.DB
	var audit *database.AuditRepository
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(ctx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
		cancel()

		audit = database.NewAuditRepository(db)
	} else {
		logger.Info().Msg("Decision audit log disabled")
	}

	// Pending-action cache; falls back to memory when Redis is off or down
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer redisClient.Close()
	}
	actions := cache.NewActionCache(redisClient, logger)

	registry := ensemble.NewRegistry(cfg.EnsembleConfig.ModelDir, logger)
	if err := registry.Load(); err != nil {
		// An empty registry still serves: every prediction degrades to HOLD
		logger.Warn().Err(err).Msg("Model registry load failed, serving without models")
	}

	eng := engine.New(cfg, engine.Deps{
		Registry: registry,
		Actions:  actions,
		Audit:    audit,
		Bus:      eventBus,
	}, logger)

	server := api.NewServer(cfg.ServerConfig, eng, registry, audit, db, eventBus, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	logger.Info().
		Int("port", cfg.ServerConfig.Port).
		Str("model_version", registry.Version()).
		Msg("Trading decision engine ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	logger.Info().Msg("Shutdown complete")
}
