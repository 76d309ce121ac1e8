package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inthavong/doctrans-be/internal/job"
)

// Memory is a mutex-guarded Store used by tests and single-process setups.
// It applies exactly the same lifecycle rules as the PostgreSQL store.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*job.Job
	events map[string][]job.Event
	seq    int64

	// now is swappable so tests can control timestamps.
	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*job.Job),
		events: make(map[string][]job.Event),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateJob(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.JobID]; exists {
		return fmt.Errorf("job %s already exists", j.JobID)
	}

	now := m.now()
	j.Status = job.StatusPending
	j.Detail = job.StatusPending.Summary()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Artifacts == nil {
		j.Artifacts = make(map[string]string)
	}

	stored := cloneJob(j)
	m.jobs[j.JobID] = stored
	m.appendEvent(j.JobID, job.StatusPending, j.Detail, job.OriginatorOrchestrator, now)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []job.Job
	for _, j := range m.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		rows = append(rows, *cloneJob(j))
	}

	sort.Slice(rows, func(i, k int) bool {
		if !rows[i].CreatedAt.Equal(rows[k].CreatedAt) {
			return rows[i].CreatedAt.After(rows[k].CreatedAt)
		}
		return rows[i].JobID > rows[k].JobID
	})

	if c := filter.Cursor; c != nil {
		cut := 0
		for cut < len(rows) {
			r := rows[cut]
			if r.CreatedAt.Before(c.CreatedAt) || (r.CreatedAt.Equal(c.CreatedAt) && r.JobID < c.JobID) {
				break
			}
			cut++
		}
		rows = rows[cut:]
	}

	if filter.PageSize > 0 && len(rows) > filter.PageSize+1 {
		rows = rows[:filter.PageSize+1]
	}
	return rows, nil
}

func (m *Memory) Transition(ctx context.Context, req TransitionRequest) (bool, error) {
	req.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[req.JobID]
	if !ok {
		return false, job.ErrNotFound
	}
	if !j.Status.CanTransitionTo(req.To) {
		return false, nil
	}

	now := m.now()
	j.Status = req.To
	j.Detail = req.Detail
	j.UpdatedAt = now
	if req.Attempt > j.RetryCount {
		j.RetryCount = req.Attempt
	}
	if req.ErrorKind != "" {
		j.LastErrorKind = req.ErrorKind
		j.LastErrorMessage = req.ErrorMessage
	}
	for name, ref := range req.Artifacts {
		if _, exists := j.Artifacts[name]; !exists {
			j.Artifacts[name] = ref
		}
	}

	m.appendEvent(req.JobID, req.To, req.Detail, req.Originator, now)
	return true, nil
}

func (m *Memory) Timeline(ctx context.Context, jobID string) ([]job.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[jobID]
	out := make([]job.Event, len(events))
	copy(out, events)
	return out, nil
}

func (m *Memory) StaleJobs(ctx context.Context, cutoff time.Time) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []job.Job
	for _, j := range m.jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.UpdatedAt.Before(cutoff) {
			stale = append(stale, *cloneJob(j))
		}
	}
	sort.Slice(stale, func(i, k int) bool { return stale[i].UpdatedAt.Before(stale[k].UpdatedAt) })
	return stale, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// appendEvent must be called with the mutex held.
func (m *Memory) appendEvent(jobID string, status job.Status, detail, originator string, at time.Time) {
	m.seq++
	m.events[jobID] = append(m.events[jobID], job.Event{
		ID:         m.seq,
		JobID:      jobID,
		Status:     status,
		Detail:     detail,
		Originator: originator,
		CreatedAt:  at,
	})
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	c.Artifacts = make(map[string]string, len(j.Artifacts))
	for k, v := range j.Artifacts {
		c.Artifacts[k] = v
	}
	return &c
}
