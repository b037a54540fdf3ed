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
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/stemforge/orchestrator/internal/api/handler"
	"github.com/stemforge/orchestrator/internal/api/router"
	"github.com/stemforge/orchestrator/internal/autoscaler"
	"github.com/stemforge/orchestrator/internal/config"
	"github.com/stemforge/orchestrator/internal/jobs"
	"github.com/stemforge/orchestrator/internal/jobs/domain"
	"github.com/stemforge/orchestrator/internal/jobs/store"
	"github.com/stemforge/orchestrator/internal/notify"
	"github.com/stemforge/orchestrator/internal/workers"
	"github.com/stemforge/orchestrator/shared/logger"
	"github.com/stemforge/orchestrator/shared/postgresql"
	"github.com/stemforge/orchestrator/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("ORCHESTRATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/orchestrator/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting orchestrator",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client (training job queue)
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Progress notification fan-out: always the in-process hub, plus the
	// Redis bridge when configured.
	hub := notify.NewHub(appLogger.Logger)
	notifiers := notify.Multi{hub}

	var redisBus *notify.RedisBus
	if cfg.Redis.Enabled {
		redisBus, err = notify.NewRedisBus(&notify.RedisConfig{
			Addr:    cfg.Redis.Addr,
			Channel: cfg.Redis.Channel,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		notifiers = append(notifiers, redisBus)
		appLogger.Info("Redis progress bridge enabled",
			slog.String("addr", cfg.Redis.Addr),
		)
	}

	// Job store and lifecycle manager
	jobStore := store.NewPostgres(dbClient.GetDB(), appLogger.Logger)
	manager := jobs.NewManager(jobStore, notifiers, appLogger.Logger, jobs.ManagerConfig{
		MaxRetries: map[domain.JobType]int{
			domain.JobTypeAnalysis:         cfg.Jobs.MaxRetries.Analysis,
			domain.JobTypeSourceSeparation: cfg.Jobs.MaxRetries.SourceSeparation,
			domain.JobTypeGeneration:       cfg.Jobs.MaxRetries.Generation,
			domain.JobTypeTraining:         cfg.Jobs.MaxRetries.Training,
		},
		DefaultMaxRetries: cfg.Jobs.MaxRetries.Default,
		StaleAfter:        cfg.Jobs.StaleAfter,
		SweepStaleAfter:   cfg.Jobs.SweepStaleAfter,
		CompletedGrace:    cfg.Jobs.CompletedGrace,
	})

	// Worker adapters
	registry := workers.NewRegistry()
	analysisAdapter := workers.NewAnalysisAdapter(workers.AnalysisConfig{
		BaseURL:         cfg.Workers.AnalysisURL,
		CallbackBaseURL: cfg.Workers.CallbackBaseURL,
		Timeout:         cfg.Workers.SubmitTimeout,
	})
	registry.Register(domain.JobTypeAnalysis, analysisAdapter)
	registry.Register(domain.JobTypeSourceSeparation, analysisAdapter)
	registry.Register(domain.JobTypeGeneration, workers.NewGenerationAdapter(workers.GenerationConfig{
		BaseURL:         cfg.Workers.GenerationURL,
		CallbackBaseURL: cfg.Workers.CallbackBaseURL,
		Timeout:         cfg.Workers.SubmitTimeout,
	}))
	registry.Register(domain.JobTypeTraining, workers.NewTrainingAdapter(rabbitClient, cfg.Workers.CallbackBaseURL))

	// Background loops share one cancellable context
	ctx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	// Dispatch loop
	dispatcher := jobs.NewDispatcher(manager, jobStore, registry, appLogger.Logger, jobs.DispatcherConfig{
		WorkerInstanceID:  workerInstanceID(),
		PollInterval:      cfg.Orchestration.PollInterval,
		BatchSize:         cfg.Orchestration.BatchSize,
		MaxConcurrentJobs: int64(cfg.Orchestration.MaxConcurrentJobs),
		ErrorBackoff:      cfg.Orchestration.ErrorBackoff,
	})
	go func() {
		_ = dispatcher.Run(ctx)
	}()

	// Autoscaler loop
	if cfg.Autoscaling.Enabled {
		pools := make(map[domain.JobType]string, len(cfg.Autoscaling.Pools))
		for jobType, pool := range cfg.Autoscaling.Pools {
			pools[domain.JobType(jobType)] = pool
		}
		controller := autoscaler.NewHTTPController(autoscaler.HTTPControllerConfig{
			BaseURL: cfg.Autoscaling.ControllerURL,
		}, appLogger.Logger)
		scaler := autoscaler.New(jobStore, controller, appLogger.Logger, autoscaler.Config{
			Interval:           cfg.Autoscaling.Interval,
			Cooldown:           cfg.Autoscaling.Cooldown,
			MinWorkers:         cfg.Autoscaling.MinWorkers,
			MaxWorkers:         cfg.Autoscaling.MaxWorkers,
			ScaleUpThreshold:   cfg.Autoscaling.ScaleUpThreshold,
			ScaleDownThreshold: cfg.Autoscaling.ScaleDownThreshold,
			Pools:              pools,
		})
		go func() {
			_ = scaler.Run(ctx)
		}()
	}

	// Scheduled maintenance: stale sweep and old-row cleanup
	scheduler := initScheduler(ctx, manager, cfg.Jobs.CleanupOldAfter, appLogger.Logger)
	scheduler.Start()

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, manager)

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

	appLogger.Info("Orchestrator is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down orchestrator...")

	// Stop the loops first so no new work starts, then drain in-flight
	// dispatch units before closing clients.
	cancelLoops()
	scheduler.Stop()
	dispatcher.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		if redisBus != nil {
			redisBus.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		if dbClient != nil {
			dbClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Orchestrator shutdown complete")
	return nil
}

// workerInstanceID identifies this orchestrator instance on claimed jobs.
func workerInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "orchestrator"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
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

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initScheduler wires the periodic maintenance jobs: the stale-job sweep
// every five minutes and the old-row cleanup once a day.
func initScheduler(ctx context.Context, manager *jobs.Manager, cleanupOldAfter time.Duration, logger *slog.Logger) *cron.Cron {
	c := cron.New()

	_, err := c.AddFunc("*/5 * * * *", func() {
		if _, err := manager.CleanupStaleJobs(ctx); err != nil {
			logger.Error("Stale job sweep failed",
				slog.Any("error", err),
			)
		}
	})
	if err != nil {
		logger.Error("Failed to schedule stale job sweep",
			slog.Any("error", err),
		)
	}

	if cleanupOldAfter > 0 {
		_, err = c.AddFunc("0 3 * * *", func() {
			if _, err := manager.CleanupOldJobs(ctx, cleanupOldAfter); err != nil {
				logger.Error("Old job cleanup failed",
					slog.Any("error", err),
				)
			}
		})
		if err != nil {
			logger.Error("Failed to schedule old job cleanup",
				slog.Any("error", err),
			)
		}
	}

	return c
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, manager *jobs.Manager) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:  logger,
		Manager: manager,
	}

	return router.SetupRouter(handlerDeps)
}
