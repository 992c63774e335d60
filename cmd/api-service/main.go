package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/slideforge/converter-gateway/internal/api/handler"
	"github.com/slideforge/converter-gateway/internal/api/router"
	"github.com/slideforge/converter-gateway/internal/api/storage"
	"github.com/slideforge/converter-gateway/internal/config"
	"github.com/slideforge/converter-gateway/internal/relay"
	"github.com/slideforge/converter-gateway/shared/logger"
	"github.com/slideforge/converter-gateway/shared/rabbitmq"
	sharedredis "github.com/slideforge/converter-gateway/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Queue producer with supervised reconnection. An unreachable broker
	// must not prevent startup; publishes fail fast until it comes back.
	producer := rabbitmq.NewProducer(&rabbitmq.Config{
		Host:              cfg.RabbitMQ.Host,
		Port:              cfg.RabbitMQ.Port,
		User:              cfg.RabbitMQ.User,
		Password:          cfg.RabbitMQ.Password,
		VHost:             cfg.RabbitMQ.VHost,
		QueueName:         cfg.RabbitMQ.QueueName,
		Heartbeat:         cfg.RabbitMQ.Heartbeat,
		ReconnectInterval: cfg.RabbitMQ.ReconnectInterval,
	}, appLogger.Logger)

	producerCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()
	go producer.Run(producerCtx)

	// Redis status bus and relay
	redisClient, err := sharedredis.NewClient(&sharedredis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	statusRelay := relay.New(relay.NewRedisBus(redisClient.GetRDB()), appLogger.Logger)

	// Shared file storage
	store, err := storage.NewStorage(cfg.Storage.SharedDir)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	r := initRouter(cfg, appLogger.Logger, producer, statusRelay, store)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	cleanup := func() {
		stopProducer()
		if err := statusRelay.Close(); err != nil {
			appLogger.Error("Failed to close relay", slog.Any("error", err))
		}
		if err := redisClient.Close(); err != nil {
			appLogger.Error("Failed to close Redis", slog.Any("error", err))
		}
		if err := producer.Close(); err != nil {
			appLogger.Error("Failed to close producer", slog.Any("error", err))
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, producer *rabbitmq.Producer, statusRelay *relay.Relay, store *storage.Storage) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	deps := &handler.Dependencies{
		Logger:   logger,
		Producer: producer,
		Relay:    statusRelay,
		Storage:  store,
		Options: handler.Options{
			MaxUploadSize:      cfg.Storage.MaxUploadSize,
			HeartbeatInterval:  cfg.Stream.HeartbeatInterval,
			CloseGraceDelay:    cfg.Stream.CloseGraceDelay,
			DefaultSlideWidth:  cfg.Conversion.DefaultSlideWidth,
			DefaultSlideHeight: cfg.Conversion.DefaultSlideHeight,
		},
	}

	return router.SetupRouter(deps)
}
