// Package migrate applies the orchestrator's schema migrations at startup.
// Steps are ordered and versioned; a PostgreSQL advisory lock makes the run
// single-flight across concurrent orchestrator replicas, and deployments that
// predate the migrator are adopted by stamping the baseline version instead
// of re-running it.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inthavong/doctrans-be/shared/postgresql"
)

// migrationLockKey is the advisory lock id shared by all replicas
// (ascii "doct").
const migrationLockKey int64 = 0x646f6374

// Step is one schema change. Version numbers are dense and strictly
// increasing; the SQL must be idempotent-safe to re-run after a crash between
// execution and bookkeeping.
type Step struct {
	Version int
	Name    string
	SQL     string
}

// Steps returns the full migration history, oldest first.
func Steps() []Step {
	return []Step{
		{
			Version: 1,
			Name:    "create_jobs_tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS jobs (
					job_id             VARCHAR(64) PRIMARY KEY,
					status             VARCHAR(32) NOT NULL,
					source_type        VARCHAR(16) NOT NULL,
					source_uri         TEXT NOT NULL,
					original_filename  TEXT,
					options            JSONB NOT NULL DEFAULT '{}'::jsonb,
					artifacts          JSONB NOT NULL DEFAULT '{}'::jsonb,
					detail             TEXT,
					created_at         TIMESTAMPTZ NOT NULL,
					updated_at         TIMESTAMPTZ NOT NULL
				);

				CREATE TABLE IF NOT EXISTS job_events (
					id          BIGSERIAL PRIMARY KEY,
					job_id      VARCHAR(64) NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
					status      VARCHAR(32) NOT NULL,
					detail      TEXT,
					originator  VARCHAR(128) NOT NULL DEFAULT 'orchestrator',
					created_at  TIMESTAMPTZ NOT NULL
				);

				CREATE INDEX IF NOT EXISTS ix_job_events_job_id ON job_events (job_id);
			`,
		},
		{
			Version: 2,
			Name:    "add_retry_tracking",
			SQL: `
				ALTER TABLE jobs ADD COLUMN IF NOT EXISTS retry_count INTEGER NOT NULL DEFAULT 0;
				ALTER TABLE jobs ADD COLUMN IF NOT EXISTS last_error_kind VARCHAR(32);
				ALTER TABLE jobs ADD COLUMN IF NOT EXISTS last_error_message TEXT;
			`,
		},
		{
			Version: 3,
			Name:    "add_watchdog_index",
			SQL: `
				CREATE INDEX IF NOT EXISTS ix_jobs_live_updated_at
				ON jobs (updated_at)
				WHERE status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED');
			`,
		},
	}
}

// Runner executes pending steps against one database.
type Runner struct {
	db     *sqlx.DB
	logger *slog.Logger
	steps  []Step
}

// NewRunner builds a Runner over an established PostgreSQL client.
func NewRunner(pg *postgresql.Client, logger *slog.Logger) (*Runner, error) {
	steps := Steps()
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	return &Runner{
		db:     pg.GetDB(),
		logger: logger,
		steps:  steps,
	}, nil
}

// ValidateSteps rejects version gaps, duplicates and unordered histories.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("no migration steps defined")
	}
	for i, step := range steps {
		if step.Version != i+1 {
			return fmt.Errorf("migration %q has version %d, want %d", step.Name, step.Version, i+1)
		}
		if step.Name == "" {
			return fmt.Errorf("migration version %d has no name", step.Version)
		}
	}
	return nil
}

// Pending returns the steps not yet recorded as applied, oldest first.
func Pending(steps []Step, applied map[int]bool) []Step {
	var out []Step
	for _, step := range steps {
		if !applied[step.Version] {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Run brings the schema up to date. It blocks while another replica holds the
// migration lock and returns once every pending step is applied.
func (r *Runner) Run(ctx context.Context) error {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration connection: %w", err)
	}
	defer conn.Close()

	// Session-level advisory lock: held for the whole run, released on the
	// same connection.
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			r.logger.Warn("Failed to release migration lock", slog.Any("error", err))
		}
	}()

	if err := r.ensureVersionTable(ctx, conn); err != nil {
		return err
	}

	applied, err := r.appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	pending := Pending(r.steps, applied)
	if len(pending) == 0 {
		r.logger.Info("Schema is up to date", slog.Int("version", len(r.steps)))
		return nil
	}

	for _, step := range pending {
		r.logger.Info("Applying migration",
			slog.Int("version", step.Version),
			slog.String("name", step.Name),
		)

		tx, err := conn.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d %s failed: %w", step.Version, step.Name, err)
		}
		if err := r.record(ctx, tx, step, ""); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", step.Version, err)
		}
	}

	r.logger.Info("Migrations applied", slog.Int("count", len(pending)))
	return nil
}

// ensureVersionTable creates the bookkeeping table. When the jobs table
// already exists but the bookkeeping table does not, the deployment predates
// the migrator and its schema matches the baseline, so the baseline version
// is stamped rather than executed.
func (r *Runner) ensureVersionTable(ctx context.Context, conn *sqlx.Conn) error {
	hasVersions, err := tableExists(ctx, conn, "schema_migrations")
	if err != nil {
		return err
	}
	hasJobs, err := tableExists(ctx, conn, "jobs")
	if err != nil {
		return err
	}

	if hasVersions {
		return nil
	}

	createTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := conn.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	if hasJobs {
		baseline := r.steps[0]
		r.logger.Warn("Version table missing on an existing schema; stamping baseline",
			slog.Int("version", baseline.Version),
			slog.String("name", baseline.Name),
		)
		tx, err := conn.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin stamp transaction: %w", err)
		}
		if err := r.record(ctx, tx, baseline, " (stamped)"); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit baseline stamp: %w", err)
		}
	}
	return nil
}

func (r *Runner) appliedVersions(ctx context.Context, conn *sqlx.Conn) (map[int]bool, error) {
	var versions []int
	if err := conn.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (r *Runner) record(ctx context.Context, tx *sqlx.Tx, step Step, suffix string) error {
	query := `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, query, step.Version, step.Name+suffix, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", step.Version, err)
	}
	return nil
}

func tableExists(ctx context.Context, conn *sqlx.Conn, name string) (bool, error) {
	var exists bool
	query := `SELECT to_regclass($1) IS NOT NULL`
	if err := conn.GetContext(ctx, &exists, query, name); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return exists, nil
}
