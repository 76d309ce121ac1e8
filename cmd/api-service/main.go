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

	"github.com/inthavong/doctrans-be/internal/api/handler"
	"github.com/inthavong/doctrans-be/internal/api/router"
	"github.com/inthavong/doctrans-be/internal/config"
	"github.com/inthavong/doctrans-be/internal/migrate"
	"github.com/inthavong/doctrans-be/internal/queue"
	"github.com/inthavong/doctrans-be/internal/report"
	"github.com/inthavong/doctrans-be/internal/store"
	"github.com/inthavong/doctrans-be/internal/watchdog"
	"github.com/inthavong/doctrans-be/shared/logger"
	"github.com/inthavong/doctrans-be/shared/postgresql"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	queueCfg := brokerConfig(cfg)

	// Initialize the job store (running migrations first on PostgreSQL)
	jobStore, err := initStore(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	appLogger.Info("Job store ready",
		slog.String("driver", cfg.Store.Driver),
	)

	// Initialize the queue broker
	broker, err := initBroker(cfg, queueCfg, appLogger.Logger)
	if err != nil {
		jobStore.Close()
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	appLogger.Info("Queue broker ready",
		slog.String("driver", cfg.Queue.Driver),
		slog.String("ready_topic", queueCfg.ReadyTopic),
	)

	// Status stream hub and the reporter every transition flows through
	hub := handler.NewStreamHub(appLogger.Logger)
	hub.Start()

	reporter := report.NewStoreReporter(jobStore, hub.Publish, appLogger.Logger)

	// Silence watchdog
	var dog *watchdog.Watchdog
	if cfg.Watchdog.Enabled {
		dog = watchdog.New(&watchdog.Config{
			Logger:           appLogger.Logger,
			Store:            jobStore,
			Reporter:         reporter,
			Interval:         cfg.Watchdog.Interval,
			SilenceThreshold: cfg.Watchdog.SilenceThreshold,
		})
		dog.Start(context.Background())
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:   appLogger.Logger,
		Store:    jobStore,
		Broker:   broker,
		Reporter: reporter,
		Hub:      hub,
		Queues:   queueCfg,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
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

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if dog != nil {
			dog.Stop()
		}
		hub.Stop()
		if err := broker.Close(); err != nil {
			appLogger.Error("Failed to close broker",
				slog.Any("error", err),
			)
		}
		if err := jobStore.Close(); err != nil {
			appLogger.Error("Failed to close store",
				slog.Any("error", err),
			)
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

// initStore builds the configured job store. For PostgreSQL it connects and
// runs the schema migrations before handing the store out.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		return store.NewMemory(), nil

	case config.StoreDriverPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return nil, err
		}

		runner, err := migrate.NewRunner(dbClient, logger)
		if err != nil {
			dbClient.Close()
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := runner.Run(ctx); err != nil {
			dbClient.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}

		return store.NewPostgres(dbClient, logger), nil

	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
	}
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

// instanceName identifies this process inside a consumer group.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
