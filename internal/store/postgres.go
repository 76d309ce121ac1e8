package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inthavong/doctrans-be/internal/job"
	"github.com/inthavong/doctrans-be/shared/postgresql"
)

// Postgres is the durable Store backed by PostgreSQL. Transition serializes
// concurrent writers on a row lock so the first committed terminal change
// wins and later ones become no-ops.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgres wraps an established PostgreSQL client.
func NewPostgres(pg *postgresql.Client, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     pg.GetDB(),
		logger: logger,
	}
}

type jobRow struct {
	JobID            string         `db:"job_id"`
	Status           string         `db:"status"`
	SourceType       string         `db:"source_type"`
	SourceURI        string         `db:"source_uri"`
	OriginalFilename sql.NullString `db:"original_filename"`
	Options          []byte         `db:"options"`
	Artifacts        []byte         `db:"artifacts"`
	Detail           sql.NullString `db:"detail"`
	RetryCount       int            `db:"retry_count"`
	LastErrorKind    sql.NullString `db:"last_error_kind"`
	LastErrorMessage sql.NullString `db:"last_error_message"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

const jobColumns = `
	job_id, status, source_type, source_uri, original_filename,
	options, artifacts, detail, retry_count,
	last_error_kind, last_error_message, created_at, updated_at
`

func (r *jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		JobID:            r.JobID,
		Status:           job.Status(r.Status),
		SourceType:       r.SourceType,
		SourceURI:        r.SourceURI,
		OriginalFilename: r.OriginalFilename.String,
		Detail:           r.Detail.String,
		RetryCount:       r.RetryCount,
		LastErrorKind:    r.LastErrorKind.String,
		LastErrorMessage: r.LastErrorMessage.String,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		Artifacts:        make(map[string]string),
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &j.Options); err != nil {
			return nil, fmt.Errorf("failed to decode job options: %w", err)
		}
	}
	if len(r.Artifacts) > 0 {
		if err := json.Unmarshal(r.Artifacts, &j.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to decode job artifacts: %w", err)
		}
	}
	return j, nil
}

func (s *Postgres) CreateJob(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	j.Status = job.StatusPending
	j.Detail = job.StatusPending.Summary()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Artifacts == nil {
		j.Artifacts = make(map[string]string)
	}

	optionsJSON, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("failed to encode job options: %w", err)
	}
	artifactsJSON, err := json.Marshal(j.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to encode job artifacts: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertJob := `
		INSERT INTO jobs (
			job_id, status, source_type, source_uri, original_filename,
			options, artifacts, detail, retry_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''),
			$6, $7, $8, 0, $9, $10
		)
	`
	if _, err := tx.ExecContext(ctx, insertJob,
		j.JobID,
		string(j.Status),
		j.SourceType,
		j.SourceURI,
		j.OriginalFilename,
		optionsJSON,
		artifactsJSON,
		j.Detail,
		j.CreatedAt,
		j.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := insertEvent(ctx, tx, j.JobID, j.Status, j.Detail, job.OriginatorOrchestrator, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob()
}

func (s *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra row so the caller can tell whether another page exists.
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]job.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (s *Postgres) Transition(ctx context.Context, req TransitionRequest) (bool, error) {
	req.normalize()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current struct {
		Status           string         `db:"status"`
		RetryCount       int            `db:"retry_count"`
		Artifacts        []byte         `db:"artifacts"`
		LastErrorKind    sql.NullString `db:"last_error_kind"`
		LastErrorMessage sql.NullString `db:"last_error_message"`
	}
	lockQuery := `
		SELECT status, retry_count, artifacts, last_error_kind, last_error_message
		FROM jobs
		WHERE job_id = $1
		FOR UPDATE
	`
	if err := tx.GetContext(ctx, &current, lockQuery, req.JobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, job.ErrNotFound
		}
		return false, fmt.Errorf("failed to lock job: %w", err)
	}

	if !job.Status(current.Status).CanTransitionTo(req.To) {
		return false, nil
	}

	artifacts := make(map[string]string)
	if len(current.Artifacts) > 0 {
		if err := json.Unmarshal(current.Artifacts, &artifacts); err != nil {
			return false, fmt.Errorf("failed to decode job artifacts: %w", err)
		}
	}
	for name, ref := range req.Artifacts {
		if _, exists := artifacts[name]; !exists {
			artifacts[name] = ref
		}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return false, fmt.Errorf("failed to encode job artifacts: %w", err)
	}

	retryCount := current.RetryCount
	if req.Attempt > retryCount {
		retryCount = req.Attempt
	}

	errorKind := current.LastErrorKind.String
	errorMessage := current.LastErrorMessage.String
	if req.ErrorKind != "" {
		errorKind = req.ErrorKind
		errorMessage = req.ErrorMessage
	}

	now := time.Now().UTC()
	updateJob := `
		UPDATE jobs
		SET status = $2,
		    detail = $3,
		    retry_count = $4,
		    artifacts = $5,
		    last_error_kind = NULLIF($6, ''),
		    last_error_message = NULLIF($7, ''),
		    updated_at = $8
		WHERE job_id = $1
	`
	if _, err := tx.ExecContext(ctx, updateJob,
		req.JobID,
		string(req.To),
		req.Detail,
		retryCount,
		artifactsJSON,
		errorKind,
		errorMessage,
		now,
	); err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	if err := insertEvent(ctx, tx, req.JobID, req.To, req.Detail, req.Originator, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", req.JobID),
		slog.String("status", string(req.To)),
		slog.String("originator", req.Originator),
	)
	return true, nil
}

func (s *Postgres) Timeline(ctx context.Context, jobID string) ([]job.Event, error) {
	type eventRow struct {
		ID         int64          `db:"id"`
		JobID      string         `db:"job_id"`
		Status     string         `db:"status"`
		Detail     sql.NullString `db:"detail"`
		Originator string         `db:"originator"`
		CreatedAt  time.Time      `db:"created_at"`
	}

	query := `
		SELECT id, job_id, status, detail, originator, created_at
		FROM job_events
		WHERE job_id = $1
		ORDER BY id ASC
	`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to load job timeline: %w", err)
	}

	events := make([]job.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, job.Event{
			ID:         r.ID,
			JobID:      r.JobID,
			Status:     job.Status(r.Status),
			Detail:     r.Detail.String,
			Originator: r.Originator,
			CreatedAt:  r.CreatedAt,
		})
	}
	return events, nil
}

func (s *Postgres) StaleJobs(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status NOT IN ($1, $2, $3)
		  AND updated_at < $4
		ORDER BY updated_at ASC
	`
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(job.StatusSucceeded),
		string(job.StatusFailed),
		string(job.StatusCancelled),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale jobs: %w", err)
	}

	jobs := make([]job.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, jobID string, status job.Status, detail, originator string, at time.Time) error {
	query := `
		INSERT INTO job_events (job_id, status, detail, originator, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`
	if _, err := tx.ExecContext(ctx, query, jobID, string(status), detail, originator, at); err != nil {
		return fmt.Errorf("failed to append job event: %w", err)
	}
	return nil
}
