package store

import (
	"context"
	"time"

	"github.com/inthavong/doctrans-be/internal/job"
)

// TransitionRequest describes one attempted status change. Artifacts, when
// present, are merged insert-if-absent in the same transaction as the status
// update and the timeline event.
type TransitionRequest struct {
	JobID        string
	To           job.Status
	Detail       string
	Originator   string
	Attempt      int // 0-based delivery attempt that produced the report
	Artifacts    map[string]string
	ErrorKind    string
	ErrorMessage string
}

// normalize fills the defaults shared by every implementation.
func (r *TransitionRequest) normalize() {
	if r.Detail == "" {
		r.Detail = r.To.Summary()
	}
	if r.Originator == "" {
		r.Originator = job.OriginatorOrchestrator
	}
}

// JobFilter narrows and paginates ListJobs results.
type JobFilter struct {
	Status   job.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last row of the previous page.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Store is the durable job repository. All status changes flow through
// Transition, which applies the lifecycle rules atomically: an illegal edge
// or a terminal current status yields (false, nil) and leaves no trace, so
// redundant reports from redelivered messages are harmless.
type Store interface {
	// CreateJob validates the input, assigns PENDING and timestamps, and
	// writes the job row plus its initial timeline event atomically.
	CreateJob(ctx context.Context, j *job.Job) error

	// GetJob returns job.ErrNotFound for unknown ids.
	GetJob(ctx context.Context, jobID string) (*job.Job, error)

	// ListJobs returns up to PageSize+1 rows ordered by (created_at, job_id)
	// descending; the extra row tells the caller another page exists.
	ListJobs(ctx context.Context, filter JobFilter) ([]job.Job, error)

	// Transition reports whether the change was applied. Unknown ids return
	// job.ErrNotFound.
	Transition(ctx context.Context, req TransitionRequest) (bool, error)

	// Timeline returns the job's events in insertion order. Unknown ids
	// yield an empty slice; callers needing existence checks use GetJob.
	Timeline(ctx context.Context, jobID string) ([]job.Event, error)

	// StaleJobs returns non-terminal jobs whose updated_at is older than
	// cutoff, oldest first.
	StaleJobs(ctx context.Context, cutoff time.Time) ([]job.Job, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	Close() error
}
