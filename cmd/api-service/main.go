package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/formrelay/internal/api/handler"
	"github.com/cuongbtq/formrelay/internal/api/router"
	"github.com/cuongbtq/formrelay/internal/app"
	"github.com/cuongbtq/formrelay/internal/config"
	"github.com/cuongbtq/formrelay/internal/intake"
	"github.com/cuongbtq/formrelay/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// initTimeout bounds connecting to the store, the delivery targets and the broker.
const initTimeout = 30 * time.Second

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

	appLogger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Store.Driver),
	)

	var cleanup app.Cleanup
	defer cleanup.Run()

	initCtx, initCancel := context.WithTimeout(context.Background(), initTimeout)
	defer initCancel()

	store, err := app.InitJobStore(initCtx, cfg, appLogger.WithComponent("store").Logger, &cleanup)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	client, err := app.InitDelivery(initCtx, &cfg.Delivery, appLogger.WithComponent("delivery").Logger, &cleanup)
	if err != nil {
		return fmt.Errorf("failed to initialize delivery: %w", err)
	}

	dispatcher, err := app.InitDispatcher(&cfg.Pipeline, store, client, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}

	origins, err := app.IntakeOrigins(dispatcher)
	if err != nil {
		return fmt.Errorf("failed to initialize intake: %w", err)
	}

	// Intake publishes a dispatch trigger per accepted job when a broker is configured
	var notifier intake.Notifier
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := app.InitRabbitMQ(&cfg.RabbitMQ, appLogger.WithComponent("rabbitmq").Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		cleanup.Add(func() { rabbitClient.Close() })
		notifier = worker.NewPublisher(rabbitClient, appLogger.Logger)
		appLogger.Info("RabbitMQ connection established")
	}

	intakeService := intake.NewService(store, origins, notifier, appLogger.Logger)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:      appLogger.Logger,
		ServiceName: cfg.App.Name,
		Store:       store,
		Intake:      intakeService,
		Pipeline:    dispatcher,
	}, router.Options{MaxBodyBytes: cfg.Server.MaxBodyBytes})

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
		slog.Any("origins", dispatcher.Origins()),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}
