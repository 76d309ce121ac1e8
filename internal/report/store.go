package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/inthavong/doctrans-be/internal/job"
	"github.com/inthavong/doctrans-be/internal/store"
)

// Update describes one applied status change, in the shape pushed to
// streaming subscribers.
type Update struct {
	JobID     string     `json:"job_id"`
	Status    job.Status `json:"status"`
	Detail    string     `json:"detail"`
	Timestamp time.Time  `json:"timestamp"`
}

// StoreReporter applies reports directly to the job store. The API service
// uses it for its own transitions (submission failures, cancels, the worker
// reporting endpoint, the watchdog) so every status change funnels through
// one code path and one notification hook.
type StoreReporter struct {
	store  store.Store
	notify func(Update)
	logger *slog.Logger
}

// NewStoreReporter wires a reporter to the store. notify may be nil; when
// set it is invoked after every applied transition.
func NewStoreReporter(st store.Store, notify func(Update), logger *slog.Logger) *StoreReporter {
	return &StoreReporter{
		store:  st,
		notify: notify,
		logger: logger,
	}
}

// Report translates the status report into a store transition.
func (r *StoreReporter) Report(ctx context.Context, sr StatusReport) (bool, error) {
	applied, err := r.store.Transition(ctx, store.TransitionRequest{
		JobID:        sr.JobID,
		To:           sr.Status,
		Detail:       sr.Detail,
		Originator:   sr.Originator,
		Attempt:      sr.Attempt,
		Artifacts:    sr.Artifacts,
		ErrorKind:    sr.ErrorKind,
		ErrorMessage: sr.ErrorMessage,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		r.logger.Debug("status report rejected",
			slog.String("job_id", sr.JobID),
			slog.String("status", string(sr.Status)))
		return false, nil
	}
	if r.notify != nil {
		detail := sr.Detail
		if detail == "" {
			detail = sr.Status.Summary()
		}
		r.notify(Update{
			JobID:     sr.JobID,
			Status:    sr.Status,
			Detail:    detail,
			Timestamp: time.Now().UTC(),
		})
	}
	return true, nil
}

// Lookup fetches the current status of a job.
func (r *StoreReporter) Lookup(ctx context.Context, jobID string) (JobView, error) {
	j, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	return JobView{JobID: j.JobID, Status: j.Status}, nil
}
