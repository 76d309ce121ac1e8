// Package worker claims work descriptors from the broker, drives the
// translation engine and pushes every status change back through the
// reporter. Workers never touch the job store directly.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/inthavong/doctrans-be/internal/engine"
	"github.com/inthavong/doctrans-be/internal/job"
	"github.com/inthavong/doctrans-be/internal/queue"
	"github.com/inthavong/doctrans-be/internal/report"
)

const defaultJobTimeout = 30 * time.Minute

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Broker      queue.Broker
	Reporter    report.Reporter
	Engine      engine.Engine
	Queues      queue.Config
	Concurrency int
	JobTimeout  time.Duration
}

// Worker runs a pool of claim loops against the ready topic.
type Worker struct {
	logger      *slog.Logger
	broker      queue.Broker
	reporter    report.Reporter
	engine      engine.Engine
	queues      queue.Config
	backoff     queue.Backoff
	concurrency int
	jobTimeout  time.Duration

	workerID string
	cancels  *cancelRegistry

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	queues := cfg.Queues
	queues.Normalize()

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	return &Worker{
		logger:      cfg.Logger,
		broker:      cfg.Broker,
		reporter:    cfg.Reporter,
		engine:      cfg.Engine,
		queues:      queues,
		backoff:     queues.Backoff(),
		concurrency: concurrency,
		jobTimeout:  jobTimeout,
		workerID:    instanceID(),
		cancels:     newCancelRegistry(),
		stopChan:    make(chan struct{}),
	}
}

// Start subscribes to cancellation broadcasts and spawns the claim pool. It
// returns once the pool is running; call Stop to drain it.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.String("ready_topic", w.queues.ReadyTopic),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	notices, err := w.broker.Subscribe(ctx, w.queues.CancelTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}

	w.wg.Add(1)
	go w.watchCancellations(ctx, notices)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(ctx, fmt.Sprintf("%s-%d", w.workerID, i))
	}

	return nil
}

// Stop signals every goroutine to finish its current delivery and waits for
// the pool to drain.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// claimLoop is one pool member: claim a delivery, handle it, repeat until
// shutdown.
func (w *Worker) claimLoop(ctx context.Context, name string) {
	defer w.wg.Done()

	w.logger.Info("Worker goroutine started", slog.String("worker_name", name))

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping", slog.String("worker_name", name))
			return
		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping, context cancelled", slog.String("worker_name", name))
			return
		default:
		}

		delivery, err := w.broker.Claim(ctx, w.queues.ReadyTopic, w.queues.ConsumerGroup)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("Failed to claim delivery",
				slog.String("worker_name", name),
				slog.Any("error", err),
			)
			// Pause before retrying so a broken broker does not spin the loop.
			select {
			case <-time.After(time.Second):
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if delivery == nil {
			// Claim wait elapsed with nothing to do.
			continue
		}

		w.handle(ctx, name, delivery)
	}
}

// watchCancellations feeds the cancellation registry from the broadcast
// topic. Pool members consult the registry at every stage boundary.
func (w *Worker) watchCancellations(ctx context.Context, notices <-chan []byte) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case raw, ok := <-notices:
			if !ok {
				return
			}
			var notice job.CancelNotice
			if err := json.Unmarshal(raw, &notice); err != nil || notice.JobID == "" {
				w.logger.Warn("Discarding malformed cancel notice", slog.String("body", string(raw)))
				continue
			}
			w.cancels.mark(notice.JobID, notice.Reason)
			w.logger.Info("Cancellation noted",
				slog.String("job_id", notice.JobID),
				slog.String("reason", notice.Reason),
			)
		}
	}
}

// instanceID names this worker process for status report originators.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
