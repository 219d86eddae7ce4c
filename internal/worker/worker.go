package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/formrelay/internal/pipeline/dispatcher"
	"github.com/cuongbtq/formrelay/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Runner runs bounded cycles; *dispatcher.Dispatcher implements it.
type Runner interface {
	Dispatch(ctx context.Context, origin string) (*dispatcher.Report, error)
	Retry(ctx context.Context, origin string) (*dispatcher.Report, error)
	Origins() []string
}

// Source delivers trigger messages; *rabbitmq.Client implements it.
type Source interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Runner      Runner
	Source      Source
	Concurrency int
	// CycleTimeout bounds one cycle. Zero means no limit.
	CycleTimeout time.Duration
	// RequeueDelay is waited before a retryable failure is requeued.
	RequeueDelay time.Duration
	WorkerID     string
}

// Worker consumes triggers and runs one dispatcher cycle per trigger on a
// fixed goroutine pool.
type Worker struct {
	logger       *slog.Logger
	runner       Runner
	source       Source
	concurrency  int
	cycleTimeout time.Duration
	requeueDelay time.Duration
	workerID     string
	origins      map[string]bool
	gate         *cycleGate
	jobsChan     chan *domain.TriggerMessage
	wg           sync.WaitGroup
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	origins := make(map[string]bool)
	for _, o := range cfg.Runner.Origins() {
		origins[o] = true
	}

	return &Worker{
		logger:       logger.With(slog.String("component", "worker")),
		runner:       cfg.Runner,
		source:       cfg.Source,
		concurrency:  concurrency,
		cycleTimeout: cfg.CycleTimeout,
		requeueDelay: cfg.RequeueDelay,
		workerID:     workerID,
		origins:      origins,
		gate:         newCycleGate(),
		jobsChan:     make(chan *domain.TriggerMessage),
		stopChan:     make(chan struct{}),
	}
}

// Start consumes triggers until ctx is canceled or the delivery channel
// closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("cycle_timeout", w.cycleTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	if closed := w.startMessageDispatcher(ctx, deliveries); closed {
		return errors.New("trigger delivery channel closed")
	}
	return nil
}

// Stop signals the pool and waits for in-flight cycles to finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
