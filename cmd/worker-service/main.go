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

	"github.com/cuongbtq/formrelay/internal/app"
	"github.com/cuongbtq/formrelay/internal/config"
	"github.com/cuongbtq/formrelay/internal/worker"
	"github.com/joho/godotenv"
)

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

	appLogger, err := app.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
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

	rabbitClient, err := app.InitRabbitMQ(&cfg.RabbitMQ, appLogger.WithComponent("rabbitmq").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	cleanup.Add(func() { rabbitClient.Close() })

	appLogger.Info("RabbitMQ connection established")

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Logger,
		Runner:       dispatcher,
		Source:       rabbitClient,
		Concurrency:  cfg.Worker.Concurrency,
		CycleTimeout: cfg.Worker.CycleTimeout,
	})

	scheduler := worker.NewScheduler(
		worker.NewPublisher(rabbitClient, appLogger.Logger),
		dispatcher.Origins(),
		cfg.Worker.DispatchInterval,
		cfg.Worker.RetryInterval,
		appLogger.Logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()
	go scheduler.Run(ctx)

	appLogger.Info("Worker service started successfully",
		slog.Any("origins", dispatcher.Origins()),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

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

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
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
