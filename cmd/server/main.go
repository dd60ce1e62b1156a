package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/viper"

	"credit-approval/backend/internal/activities"
	"credit-approval/backend/internal/api"
	"credit-approval/backend/internal/config"
	"credit-approval/backend/internal/engine"
	"credit-approval/backend/internal/logging"
	"credit-approval/backend/internal/notify"
	"credit-approval/backend/internal/rates"
	"credit-approval/backend/internal/repository"
	"credit-approval/backend/internal/workflows"
)

func main() {
	ctx := context.Background()

	// Initialize logging
	logger := logging.NewLogger()

	// Parse command line flags
	configFile := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}
	logger.Info("Configuration loaded",
		"addr", cfg.Server.Addr,
		"db_enabled", cfg.DB.Enable,
		"monitor_enabled", cfg.Workflow.MonitorEnabled,
		"config_file", viper.ConfigFileUsed(),
	)

	logger.Info("Starting Credit Approval Service")

	// Initialize storage. Without a database everything runs in memory,
	// which is enough for local development and tests.
	var (
		ops       repository.OperationStore
		instances engine.Store
		queue     notify.Queue
	)
	if cfg.DB.Enable {
		dbPool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize database: %v", err)
			log.Fatalf("Database initialization failed: %v", err)
		}
		defer dbPool.Close()

		if err := repository.EnsureSchema(ctx, dbPool); err != nil {
			logger.Error("Failed to ensure schema: %v", err)
			log.Fatalf("Schema initialization failed: %v", err)
		}
		ops = repository.NewPostgresOperationStore(dbPool)
		instances = repository.NewPostgresInstanceStore(dbPool)
		queue = repository.NewPostgresQueue(dbPool)
		logger.Info("Database connected")
	} else {
		ops = repository.NewMemoryOperationStore()
		instances = repository.NewMemoryInstanceStore()
		queue = notify.NewMemoryQueue()
		logger.Warn("Database disabled, using in-memory storage")
	}

	// Register workflows and activities
	registry := engine.NewRegistry()
	ratesClient := rates.NewClient(cfg.Rates.URL)
	activitySet := activities.New(ops, queue, ratesClient, logger)
	activitySet.Register(registry)
	library := workflows.NewLibrary(cfg.Workflow)
	library.Register(registry)

	// Start the workflow engine. Start also resumes any instance left
	// running by a previous process.
	eng := engine.New(instances, registry, logger, engine.WithWorkers(cfg.Engine.Workers))
	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start workflow engine: %v", err)
		log.Fatalf("Engine start failed: %v", err)
	}
	defer eng.Stop()

	logger.Info("Workflow engine started", "workers", cfg.Engine.Workers)

	// Create Echo server
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Mount REST API handlers
	handler := api.NewHandler(eng, ops, queue, cfg, logger)
	handler.Register(e)

	logger.Info("REST API handlers mounted")

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received: %v", sig)

		// Create shutdown context with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error: %v", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
