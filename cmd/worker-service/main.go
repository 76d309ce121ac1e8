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

	"github.com/inthavong/doctrans-be/internal/config"
	"github.com/inthavong/doctrans-be/internal/engine"
	"github.com/inthavong/doctrans-be/internal/queue"
	"github.com/inthavong/doctrans-be/internal/report"
	"github.com/inthavong/doctrans-be/internal/worker"
	"github.com/inthavong/doctrans-be/shared/logger"
	"github.com/inthavong/doctrans-be/shared/rabbitmq"
	sharedredis "github.com/inthavong/doctrans-be/shared/redis"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	queueCfg := brokerConfig(cfg)

	// Initialize the queue broker
	broker, err := initBroker(cfg, queueCfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	appLogger.Info("Queue broker ready",
		slog.String("driver", cfg.Queue.Driver),
		slog.String("ready_topic", queueCfg.ReadyTopic),
	)

	// Status reports go back to the orchestrator over HTTP; workers hold no
	// database connection of their own.
	reporter := report.NewHTTPReporter(cfg.Reporter.BaseURL, cfg.Reporter.Timeout, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:      appLogger.Logger,
		Broker:      broker,
		Reporter:    reporter,
		Engine:      &engine.Simulator{StageDelay: cfg.Engine.StageDelay},
		Queues:      queueCfg,
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

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
		broker.Close()
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
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

	if err := broker.Close(); err != nil {
		appLogger.Error("Failed to close broker",
			slog.Any("error", err),
		)
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

// brokerConfig maps the queue section onto the broker policy shared by all
// drivers.
func brokerConfig(cfg *config.Config) queue.Config {
	queueCfg := queue.Config{
		ReadyTopic:        cfg.Queue.ReadyTopic,
		CancelTopic:       cfg.Queue.CancelTopic,
		DeadTopic:         cfg.Queue.DeadTopic,
		ConsumerGroup:     cfg.Queue.ConsumerGroup,
		MaxRetries:        cfg.Queue.MaxRetries,
		BackoffBase:       cfg.Queue.BackoffBase,
		BackoffCap:        cfg.Queue.BackoffCap,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		ClaimWait:         cfg.Queue.ClaimWait,
	}
	queueCfg.Normalize()
	return queueCfg
}

// initBroker builds the configured queue broker.
func initBroker(cfg *config.Config, queueCfg queue.Config, logger *slog.Logger) (queue.Broker, error) {
	switch cfg.Queue.Driver {
	case config.QueueDriverMemory:
		return queue.NewMemory(queueCfg), nil

	case config.QueueDriverRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		return queue.NewRabbit(rabbitClient, queueCfg, logger)

	case config.QueueDriverRedis:
		redisClient, err := sharedredis.NewClient(&sharedredis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return queue.NewRedis(redisClient, queueCfg, instanceName(), logger), nil

	default:
		return nil, fmt.Errorf("unknown queue driver: %q", cfg.Queue.Driver)
	}
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		BroadcastExchange:  cfg.Exchange.BroadcastName,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// instanceName identifies this worker inside a consumer group.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
