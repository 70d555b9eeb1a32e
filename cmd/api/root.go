package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-lrs/internal/config"
	"github.com/noah-isme/gema-lrs/internal/database"
	"github.com/noah-isme/gema-lrs/internal/handler"
	"github.com/noah-isme/gema-lrs/internal/middleware"
	"github.com/noah-isme/gema-lrs/internal/repository"
	"github.com/noah-isme/gema-lrs/internal/router"
	"github.com/noah-isme/gema-lrs/internal/service"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "gema-lrs",
	Short:         "GEMA learning record store",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the xAPI HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Str("version", Version).Logger()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("migrations applied")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("database ready")

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without cache and event fan-out")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, continuing without event fan-out")
			natsConn = nil
		} else {
			defer natsConn.Close()
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewStore(db)

	identities := service.NewIdentityResolver(store, logger)
	canonical := service.NewCanonicalCache(store, redisClient, cfg.CanonicalCacheTTL, logger)
	voids := service.NewVoidingIndex(store)
	events := service.NewStatementEvents(redisClient, cfg.EventsChannel, natsConn, logger)
	events.Start(ctx)

	statementService := service.NewStatementService(store, identities, canonical, voids, events, validate,
		service.StatementServiceConfig{Version: cfg.XAPIVersion}, logger)
	queryService := service.NewStatementQueryService(store, identities, canonical, voids, validate,
		service.StatementQueryConfig{SubStatementsQueryable: cfg.SubStatementsQueryable}, logger)

	statementHandler, err := handler.NewStatementHandler(statementService, queryService, logger)
	if err != nil {
		return fmt.Errorf("load statement schema: %w", err)
	}
	streamHandler := handler.NewStatementStreamHandler(events, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:      &logger,
		XAPIVersion: cfg.XAPIVersion,
		AccessLog:   cfg.AppEnv == "development",
	})
	router.Register(app, cfg, router.Dependencies{
		DB:               db,
		StatementHandler: statementHandler,
		StreamHandler:    streamHandler,
		JWTMiddleware:    middleware.Optional(cfg.JWTSecret != "", middleware.JWTProtected(cfg.JWTSecret)),
		WriteLimiter:     middleware.RateLimit("statements", cfg.RateLimitMax, cfg.RateLimitWindow),
	})

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Msg("server starting")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info().Msg("server stopped")
	return nil
}
