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
	"github.com/renderlab/renderq/internal/admission"
	"github.com/renderlab/renderq/internal/api/handler"
	"github.com/renderlab/renderq/internal/api/router"
	"github.com/renderlab/renderq/internal/breaker"
	"github.com/renderlab/renderq/internal/config"
	"github.com/renderlab/renderq/internal/health"
	"github.com/renderlab/renderq/internal/jobstore"
	"github.com/renderlab/renderq/internal/notify"
	"github.com/renderlab/renderq/internal/queue"
	"github.com/renderlab/renderq/internal/waiter"
	"github.com/renderlab/renderq/shared/logger"
	"github.com/renderlab/renderq/shared/postgresql"
	"github.com/renderlab/renderq/shared/rabbitmq"
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

	if err := cfg.ValidateAPIConfig(); err != nil {
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

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	storage := jobstore.NewStorage(dbClient.GetDB(), appLogger.Logger)

	rabbitCfg := rabbitConfig(&cfg.RabbitMQ)
	queueClient, err := rabbitmq.NewClient("api-queue", rabbitCfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()

	backend, err := queue.NewRabbitBackend(&queue.RabbitConfig{
		Exchange:   cfg.RabbitMQ.Exchange,
		Queue:      cfg.RabbitMQ.Queue,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
	}, queueClient, storage, storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue backend: %w", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifyChannel := notify.NewChannel(&notify.Config{
		Exchange: cfg.RabbitMQ.NotifyExchange,
	}, rabbitCfg, appLogger.Logger)
	if err := notifyChannel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification channel: %w", err)
	}
	defer notifyChannel.Stop()

	waitRegistry := waiter.NewRegistry(notifyChannel, storage, waiter.Config{}, appLogger.Logger)
	defer waitRegistry.Shutdown()

	submitBreaker := breaker.New("queue-submit",
		cfg.Admission.BreakerThreshold,
		cfg.Admission.BreakerResetTimeout,
		appLogger.Logger,
	)

	admissionCtrl := admission.NewController(storage, backend, submitBreaker, notifyChannel, waitRegistry, admission.Config{
		MaxConcurrentPerUser: cfg.Admission.MaxConcurrentPerUser,
		StaleAfter:           cfg.Admission.StaleAfter,
		RetryLimit:           cfg.Admission.RetryLimit,
		RetryDelay:           cfg.Admission.RetryDelay,
		ExpireIn:             cfg.Admission.ExpireIn,
	}, appLogger.Logger)

	monitor := health.NewMonitor(dbClient, backend, notifyChannel, storage, health.Config{
		Interval:         cfg.Health.Interval,
		RecentWindow:     cfg.Health.RecentWindow,
		BacklogCeiling:   cfg.Health.BacklogCeiling,
		Concurrency:      cfg.Worker.Concurrency,
		FailureMargin:    cfg.Health.FailureMargin,
		ArchiveThreshold: cfg.Health.ArchiveThreshold,
		ArchiveRetention: cfg.Health.ArchiveRetention,
		ArchiveBatch:     cfg.Health.ArchiveBatch,
	}, appLogger.Logger)
	go monitor.Run(ctx)

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:    appLogger.Logger,
		Storage:   storage,
		Admission: admissionCtrl,
		Waiter:    waitRegistry,
		Monitor:   monitor,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
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
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// rabbitConfig maps the YAML section onto the shared connection config
func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		User:          cfg.User,
		Password:      cfg.Password,
		VHost:         cfg.VHost,
		RetryAttempts: cfg.Connection.RetryAttempts,
		RetryInterval: cfg.Connection.RetryInterval,
		Heartbeat:     cfg.Connection.Heartbeat,
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
