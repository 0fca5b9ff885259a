package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/renderlab/renderq/internal/config"
	"github.com/renderlab/renderq/internal/jobstore"
	"github.com/renderlab/renderq/internal/notify"
	"github.com/renderlab/renderq/internal/queue"
	"github.com/renderlab/renderq/internal/render"
	"github.com/renderlab/renderq/internal/worker"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
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
	queueClient, err := rabbitmq.NewClient("worker-queue", rabbitCfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()

	backend, err := queue.NewRabbitBackend(&queue.RabbitConfig{
		Exchange:      cfg.RabbitMQ.Exchange,
		Queue:         cfg.RabbitMQ.Queue,
		RoutingKey:    cfg.RabbitMQ.RoutingKey,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		ConsumerTag:   cfg.RabbitMQ.Consumer.Tag,
	}, queueClient, storage, storage, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue backend: %w", err)
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := backend.StartConsuming(ctx); err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	notifyChannel := notify.NewChannel(&notify.Config{
		Exchange: cfg.RabbitMQ.NotifyExchange,
	}, rabbitCfg, appLogger.Logger)
	if err := notifyChannel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notification channel: %w", err)
	}
	defer notifyChannel.Stop()

	sweeper := queue.NewSweeper(storage, backend,
		cfg.Sweeper.Interval,
		cfg.Sweeper.MinAge,
		cfg.Sweeper.Batch,
		appLogger.Logger,
	)
	go sweeper.Run(ctx)

	renderer := render.NewSimulatedRenderer(
		cfg.Render.WorkDir,
		cfg.Render.MinDuration,
		cfg.Render.MaxDuration,
	)
	finalizer := &render.LocalFSFinalizer{
		Root:    cfg.Render.OutputRoot,
		BaseURL: cfg.Render.OutputBase,
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Logger,
		Store:        storage,
		Backend:      backend,
		Notifier:     notifyChannel,
		Renderer:     renderer,
		Finalizer:    finalizer,
		WorkerID:     cfg.Worker.ID,
		Concurrency:  cfg.Worker.Concurrency,
		JobTimeout:   cfg.Worker.JobTimeout,
		DrainTimeout: cfg.Worker.DrainTimeout,
		DeadLetter:   true,
	})

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop consuming new deliveries
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout+5*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
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
