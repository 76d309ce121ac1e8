// Package watchdog fails jobs whose processing has gone silent. A worker
// crash between claim and ack leaves the job parked in a live status with no
// further reports; the watchdog treats prolonged silence as that crash and
// forces the job to FAILED so clients stop polling a corpse.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inthavong/doctrans-be/internal/job"
	"github.com/inthavong/doctrans-be/internal/report"
	"github.com/inthavong/doctrans-be/internal/store"
)

const (
	DefaultInterval         = 30 * time.Second
	DefaultSilenceThreshold = 10 * time.Minute
)

// ErrorKind recorded on jobs failed by the watchdog, distinct from the
// engine's transient/permanent classification.
const ErrorKind = "watchdog"

// Config holds watchdog configuration
type Config struct {
	Logger           *slog.Logger
	Store            store.Store
	Reporter         report.Reporter
	Interval         time.Duration
	SilenceThreshold time.Duration
}

// Watchdog periodically sweeps the store for silent jobs. Multiple replicas
// can run it concurrently: transitions are transactional, so every losing
// sweep just observes rejections.
type Watchdog struct {
	logger    *slog.Logger
	store     store.Store
	reporter  report.Reporter
	interval  time.Duration
	threshold time.Duration

	// now is swappable so tests can age jobs without sleeping.
	now func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a watchdog instance
func New(cfg *Config) *Watchdog {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	threshold := cfg.SilenceThreshold
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}

	return &Watchdog{
		logger:    cfg.Logger,
		store:     cfg.Store,
		reporter:  cfg.Reporter,
		interval:  interval,
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
		stopChan:  make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to drain it.
func (wd *Watchdog) Start(ctx context.Context) {
	wd.logger.Info("Starting watchdog",
		slog.Duration("interval", wd.interval),
		slog.Duration("silence_threshold", wd.threshold),
	)

	wd.wg.Add(1)
	go wd.run(ctx)
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (wd *Watchdog) Stop() {
	wd.stopOnce.Do(func() {
		close(wd.stopChan)
	})
	wd.wg.Wait()
	wd.logger.Info("Watchdog stopped")
}

func (wd *Watchdog) run(ctx context.Context) {
	defer wd.wg.Done()

	ticker := time.NewTicker(wd.interval)
	defer ticker.Stop()

	for {
		select {
		case <-wd.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			wd.sweep(ctx)
		}
	}
}

// sweep forces FAILED on every non-terminal job whose last update is older
// than the silence threshold.
func (wd *Watchdog) sweep(ctx context.Context) {
	now := wd.now()
	stale, err := wd.store.StaleJobs(ctx, now.Add(-wd.threshold))
	if err != nil {
		wd.logger.Error("Failed to list stale jobs",
			slog.Any("error", err),
		)
		return
	}

	for _, j := range stale {
		silentFor := now.Sub(j.UpdatedAt).Truncate(time.Second)
		applied, err := wd.reporter.Report(ctx, report.StatusReport{
			JobID:        j.JobID,
			Status:       job.StatusFailed,
			Detail:       fmt.Sprintf("No status activity for over %s, presumed worker crash", wd.threshold),
			Originator:   job.OriginatorOrchestrator,
			Attempt:      j.RetryCount,
			ErrorKind:    ErrorKind,
			ErrorMessage: fmt.Sprintf("job silent for %s", silentFor),
		})
		if err != nil {
			wd.logger.Error("Failed to fail stale job",
				slog.String("job_id", j.JobID),
				slog.Any("error", err),
			)
			continue
		}
		if !applied {
			// Another replica or a late worker report got there first.
			continue
		}
		wd.logger.Warn("Job failed by watchdog",
			slog.String("job_id", j.JobID),
			slog.String("last_status", string(j.Status)),
			slog.Duration("silent_for", silentFor),
		)
	}
}
