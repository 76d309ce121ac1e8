package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/inthavong/doctrans-be/internal/engine"
	"github.com/inthavong/doctrans-be/internal/job"
	"github.com/inthavong/doctrans-be/internal/queue"
	"github.com/inthavong/doctrans-be/internal/report"
)

// Abort reasons handed to the engine through the report callback. The engine
// returns them unchanged, so handle can tell an aborted run from a failed one.
var (
	errCancelled  = errors.New("job cancelled")
	errSuperseded = errors.New("job reached a terminal state elsewhere")
)

// handle processes one claimed delivery end to end: decode, race check,
// execute, settle. Every path either acks, nacks, dead-letters or deliberately
// leaves the delivery for the visibility timeout to reclaim.
func (w *Worker) handle(ctx context.Context, name string, d *queue.Delivery) {
	logger := w.logger.With(slog.String("worker_name", name))

	// Step 1: Decode the work descriptor. A body that cannot be decoded can
	// never succeed, so it goes straight to the dead-letter topic.
	desc, err := job.DecodeDescriptor(d.Body)
	if err != nil {
		logger.Error("Discarding malformed work descriptor",
			slog.String("error", err.Error()),
		)
		w.deadLetter(ctx, logger, d, fmt.Sprintf("malformed descriptor: %v", err))
		return
	}
	logger = logger.With(slog.String("job_id", desc.JobID), slog.Int("attempt", d.Attempt))

	// Step 2: Race check against the orchestrator. Cancellations and watchdog
	// failures can land between publish and claim.
	view, err := w.reporter.Lookup(ctx, desc.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			logger.Error("Job not found for descriptor, dead-lettering")
			w.deadLetter(ctx, logger, d, "job not found")
			return
		}
		// Leave the delivery unacked; the visibility timeout redelivers it
		// without consuming retry budget.
		logger.Error("Failed to look up job, leaving delivery unacked",
			slog.Any("error", err),
		)
		return
	}
	if view.Terminal() {
		logger.Info("Job already terminal, dropping delivery",
			slog.String("status", string(view.Status)),
		)
		w.ack(ctx, logger, d)
		w.cancels.clear(desc.JobID)
		return
	}
	if _, pending := w.cancels.pending(desc.JobID); pending {
		logger.Info("Cancellation pending, dropping delivery")
		w.ack(ctx, logger, d)
		w.cancels.clear(desc.JobID)
		return
	}

	// Step 3: Claim the job by reporting QUEUED. A rejected claim means the
	// job went terminal since the lookup.
	detail := job.StatusQueued.Summary()
	if d.Attempt > 0 {
		detail = fmt.Sprintf("Attempt %d: %s", d.Attempt+1, detail)
	}
	applied, err := w.report(ctx, report.StatusReport{
		JobID:      desc.JobID,
		Status:     job.StatusQueued,
		Detail:     detail,
		Originator: name,
		Attempt:    d.Attempt,
	})
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			w.deadLetter(ctx, logger, d, "job not found")
			return
		}
		logger.Error("Failed to report claim, leaving delivery unacked",
			slog.Any("error", err),
		)
		return
	}
	if !applied {
		logger.Info("Claim report rejected, job already terminal")
		w.ack(ctx, logger, d)
		return
	}

	// Step 4: Run the engine under the job timeout. The stage callback checks
	// the cancellation registry before every stage and aborts the run when a
	// stage report is rejected.
	logger.Info("Processing job",
		slog.String("source_type", desc.SourceType),
		slog.String("target_lang", desc.Options.TargetLang),
	)

	runCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, runErr := w.engine.Execute(runCtx, engine.Input{
		JobID:            desc.JobID,
		SourceType:       desc.SourceType,
		SourceURI:        desc.SourceURI,
		OriginalFilename: desc.OriginalFilename,
		Options:          desc.Options,
	}, w.stageReporter(runCtx, name, desc.JobID, d.Attempt))

	switch {
	case runErr == nil:
		// Step 5: Success. Record SUCCEEDED with the artifacts and ack. A
		// rejected report means a duplicate run already recorded them.
		var artifacts map[string]string
		if result != nil {
			artifacts = result.Artifacts
		}
		applied, err := w.report(ctx, report.StatusReport{
			JobID:      desc.JobID,
			Status:     job.StatusSucceeded,
			Detail:     job.StatusSucceeded.Summary(),
			Originator: name,
			Attempt:    d.Attempt,
			Artifacts:  artifacts,
		})
		if err != nil {
			logger.Error("Failed to report success, leaving delivery unacked",
				slog.Any("error", err),
			)
			return
		}
		if !applied {
			logger.Info("Success report rejected, job already terminal")
		} else {
			logger.Info("Job completed successfully")
		}
		w.ack(ctx, logger, d)
		w.cancels.clear(desc.JobID)

	case errors.Is(runErr, errCancelled):
		// Step 6: Cancelled mid-run. The orchestrator already recorded the
		// terminal state, so this report is normally rejected.
		logger.Info("Job cancelled during processing")
		w.reportCancelled(ctx, logger, name, desc.JobID, d.Attempt)
		w.ack(ctx, logger, d)
		w.cancels.clear(desc.JobID)

	case errors.Is(runErr, errSuperseded):
		logger.Info("Job superseded during processing, dropping delivery")
		w.ack(ctx, logger, d)
		w.cancels.clear(desc.JobID)

	default:
		// Steps 7 and 8: classified failure.
		w.settleFailure(ctx, logger, name, d, desc, runErr)
	}
}

// settleFailure applies the retry policy to an engine failure: permanent
// errors fail the job immediately, transient errors are retried with backoff
// until the budget runs out.
func (w *Worker) settleFailure(ctx context.Context, logger *slog.Logger, name string, d *queue.Delivery, desc job.WorkDescriptor, runErr error) {
	if engine.Classify(runErr) == engine.KindPermanent {
		logger.Error("Job failed permanently",
			slog.String("error", runErr.Error()),
		)
		applied, err := w.report(ctx, report.StatusReport{
			JobID:        desc.JobID,
			Status:       job.StatusFailed,
			Detail:       fmt.Sprintf("Translation failed: %v", runErr),
			Originator:   name,
			Attempt:      d.Attempt,
			ErrorKind:    string(engine.KindPermanent),
			ErrorMessage: runErr.Error(),
		})
		if err != nil {
			logger.Error("Failed to report failure, leaving delivery unacked",
				slog.Any("error", err),
			)
			return
		}
		if !applied {
			logger.Info("Failure report rejected, job already terminal")
		}
		w.ack(ctx, logger, d)
		return
	}

	next := d.Attempt + 1
	if next > w.queues.MaxRetries {
		logger.Error("Job exceeded max retries",
			slog.Int("attempts", next),
			slog.Int("max_retries", w.queues.MaxRetries),
			slog.String("error", runErr.Error()),
		)
		detail := fmt.Sprintf("Translation failed after %d attempts: %v", next, runErr)
		applied, err := w.report(ctx, report.StatusReport{
			JobID:        desc.JobID,
			Status:       job.StatusFailed,
			Detail:       detail,
			Originator:   name,
			Attempt:      d.Attempt,
			ErrorKind:    string(engine.KindTransient),
			ErrorMessage: runErr.Error(),
		})
		if err != nil {
			logger.Error("Failed to report exhaustion, leaving delivery unacked",
				slog.Any("error", err),
			)
			return
		}
		if !applied {
			logger.Info("Exhaustion report rejected, job already terminal")
		}
		w.deadLetter(ctx, logger, d, detail)
		return
	}

	delay := w.backoff.Delay(next)
	detail := fmt.Sprintf("Retrying (attempt %d/%d) in %s: %v", next, w.queues.MaxRetries, delay, runErr)
	applied, err := w.report(ctx, report.StatusReport{
		JobID:        desc.JobID,
		Status:       job.StatusQueued,
		Detail:       detail,
		Originator:   name,
		Attempt:      next,
		ErrorKind:    string(engine.KindTransient),
		ErrorMessage: runErr.Error(),
	})
	if err != nil {
		logger.Error("Failed to report retry, leaving delivery unacked",
			slog.Any("error", err),
		)
		return
	}
	if !applied {
		logger.Info("Retry report rejected, job already terminal")
		w.ack(ctx, logger, d)
		return
	}
	if err := w.broker.Nack(ctx, d, delay); err != nil {
		logger.Error("Failed to requeue delivery",
			slog.Any("error", err),
		)
		return
	}
	logger.Warn("Job will be retried",
		slog.Int("attempt", next),
		slog.Int("max_retries", w.queues.MaxRetries),
		slog.Duration("delay", delay),
		slog.String("error", runErr.Error()),
	)
}

// stageReporter builds the callback the engine invokes at every stage
// boundary.
func (w *Worker) stageReporter(ctx context.Context, name, jobID string, attempt int) engine.ReportFunc {
	return func(status job.Status, detail string) error {
		if _, pending := w.cancels.pending(jobID); pending {
			return errCancelled
		}
		applied, err := w.report(ctx, report.StatusReport{
			JobID:      jobID,
			Status:     status,
			Detail:     detail,
			Originator: name,
			Attempt:    attempt,
		})
		if err != nil {
			return fmt.Errorf("failed to report %s: %w", status, err)
		}
		if !applied {
			return errSuperseded
		}
		return nil
	}
}

// report forwards a status report to the orchestrator.
func (w *Worker) report(ctx context.Context, sr report.StatusReport) (bool, error) {
	return w.reporter.Report(ctx, sr)
}

// reportCancelled records the cancellation outcome. Rejection is the normal
// case: the orchestrator transitions the job before broadcasting the notice.
func (w *Worker) reportCancelled(ctx context.Context, logger *slog.Logger, name, jobID string, attempt int) {
	if _, err := w.report(ctx, report.StatusReport{
		JobID:      jobID,
		Status:     job.StatusCancelled,
		Detail:     "Cancelled during processing",
		Originator: name,
		Attempt:    attempt,
	}); err != nil {
		logger.Error("Failed to report cancellation",
			slog.Any("error", err),
		)
	}
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	if err := w.broker.Ack(ctx, d); err != nil {
		logger.Error("Failed to ack delivery",
			slog.Any("error", err),
		)
	}
}

func (w *Worker) deadLetter(ctx context.Context, logger *slog.Logger, d *queue.Delivery, detail string) {
	if err := w.broker.DeadLetter(ctx, d, detail); err != nil {
		logger.Error("Failed to dead-letter delivery",
			slog.Any("error", err),
		)
	}
}
