// Package report defines the narrow contract through which workers tell the
// orchestrator what happened to a job. Workers never touch the store: they
// speak this interface, either over HTTP against the API service or, in
// process, against a store-backed implementation.
package report

import (
	"context"

	"github.com/inthavong/doctrans-be/internal/job"
)

// Report outcomes as they appear on the wire.
const (
	ResultApplied  = "applied"
	ResultRejected = "rejected"
)

// StatusReport is a single observed fact about a job: the status it should
// move to, plus whatever context the reporter has (attempt number, produced
// artifacts, error classification). Reports are idempotent; repeating one
// that already took effect is a rejected no-op.
type StatusReport struct {
	JobID        string            `json:"job_id"`
	Status       job.Status        `json:"status"`
	Detail       string            `json:"detail,omitempty"`
	Originator   string            `json:"originator,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// JobView is the projection a worker checks before spending cycles on a
// claim: enough to detect that a job already reached a terminal state.
type JobView struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
}

// Terminal reports whether the job is already finished.
func (v JobView) Terminal() bool {
	return v.Status.Terminal()
}

// Reporter applies status reports and answers quick job lookups.
//
// Report returns whether the transition was applied; a false result with a
// nil error means the state machine rejected it (stale or duplicate report,
// or the job is terminal) and the caller should converge, not retry.
// Lookup returns job.ErrNotFound for unknown jobs.
type Reporter interface {
	Report(ctx context.Context, sr StatusReport) (bool, error)
	Lookup(ctx context.Context, jobID string) (JobView, error)
}
