package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inthavong/doctrans-be/internal/job"
)

func newTestJob() *job.Job {
	return &job.Job{
		JobID:            uuid.New().String(),
		SourceType:       job.SourceTypePDF,
		SourceURI:        "file:///data/incoming/report.pdf",
		OriginalFilename: "report.pdf",
		Options:          job.Options{SourceLang: "lo", TargetLang: "ko"},
	}
}

func mustCreate(t *testing.T, s Store) *job.Job {
	t.Helper()
	j := newTestJob()
	require.NoError(t, s.CreateJob(context.Background(), j))
	return j
}

func TestMemoryCreateJob(t *testing.T) {
	s := NewMemory()
	j := mustCreate(t, s)

	assert.Equal(t, job.StatusPending, j.Status)
	assert.False(t, j.CreatedAt.IsZero())

	got, err := s.GetJob(context.Background(), j.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, "ko", got.Options.TargetLang)

	events, err := s.Timeline(context.Background(), j.JobID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, job.StatusPending, events[0].Status)
	assert.Equal(t, job.OriginatorOrchestrator, events[0].Originator)
}

func TestMemoryCreateJobValidation(t *testing.T) {
	s := NewMemory()
	j := newTestJob()
	j.SourceURI = ""
	err := s.CreateJob(context.Background(), j)
	require.ErrorIs(t, err, job.ErrValidation)
}

func TestMemoryTransitionAppendsOneEventPerAcceptedChange(t *testing.T) {
	s := NewMemory()
	j := mustCreate(t, s)
	ctx := context.Background()

	chain := []job.Status{
		job.StatusQueued,
		job.StatusImageConversion,
		job.StatusOCR,
		job.StatusTranslation,
		job.StatusRefinement,
		job.StatusPDFGeneration,
		job.StatusSucceeded,
	}
	for _, next := range chain {
		applied, err := s.Transition(ctx, TransitionRequest{JobID: j.JobID, To: next, Originator: "worker-test-1"})
		require.NoError(t, err)
		require.True(t, applied, "transition to %s", next)
	}

	events, err := s.Timeline(ctx, j.JobID)
	require.NoError(t, err)
	require.Len(t, events, len(chain)+1)

	// Insertion ids must be strictly increasing.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}
	assert.Equal(t, job.StatusSucceeded, events[len(events)-1].Status)
}

func TestMemoryTerminalStatusAbsorbs(t *testing.T) {
	s := NewMemory()
	j := mustCreate(t, s)
	ctx := context.Background()

	applied, err := s.Transition(ctx, TransitionRequest{JobID: j.JobID, To: job.StatusCancelled, Detail: "requested by caller"})
	require.NoError(t, err)
	require.True(t, applied)

	for _, next := range []job.Status{job.StatusQueued, job.StatusSucceeded, job.StatusFailed, job.StatusCancelled} {
		applied, err := s.Transition(ctx, TransitionRequest{JobID: j.JobID, To: next})
		require.NoError(t, err)
		assert.False(t, applied, "terminal job accepted transition to %s", next)
	}

	events, err := s.Timeline(ctx, j.JobID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "rejected transitions must not append events")

	got, err := s.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Equal(t, "requested by caller", got.Detail)
}

func TestMemoryTransitionUnknownJob(t *testing.T) {
	s := NewMemory()
	_, err := s.Transition(context.Background(), TransitionRequest{JobID: uuid.New().String(), To: job.StatusQueued})
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestMemoryArtifactsInsertIfAbsent(t *testing.T) {
	s := NewMemory()
	j := mustCreate(t, s)
	ctx := context.Background()

	applied, err := s.Transition(ctx, TransitionRequest{
		JobID:     j.JobID,
		To:        job.StatusQueued,
		Artifacts: map[string]string{job.ArtifactTranslatedText: "first"},
	})
	require.NoError(t, err)
	require.True(t, applied)

	// A later report must not overwrite the existing entry, only add new ones.
	applied, err = s.Transition(ctx, TransitionRequest{
		JobID: j.JobID,
		To:    job.StatusSucceeded,
		Artifacts: map[string]string{
			job.ArtifactTranslatedText: "second",
			job.ArtifactTranslatedPDF:  "file:///data/artifacts/out.pdf",
		},
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Artifacts[job.ArtifactTranslatedText])
	assert.Equal(t, "file:///data/artifacts/out.pdf", got.Artifacts[job.ArtifactTranslatedPDF])
}

func TestMemoryRetryCountTracksHighestAttempt(t *testing.T) {
	s := NewMemory()
	j := mustCreate(t, s)
	ctx := context.Background()

	for _, attempt := range []int{0, 1, 2} {
		applied, err := s.Transition(ctx, TransitionRequest{
			JobID:   j.JobID,
			To:      job.StatusQueued,
			Attempt: attempt,
		})
		require.NoError(t, err)
		require.True(t, applied)
	}

	// A stale report with a lower attempt must not shrink the count.
	applied, err := s.Transition(ctx, TransitionRequest{JobID: j.JobID, To: job.StatusQueued, Attempt: 1})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
}

func TestMemoryLastErrorRecorded(t *testing.T) {
	s := NewMemory()
	j := mustCreate(t, s)
	ctx := context.Background()

	applied, err := s.Transition(ctx, TransitionRequest{
		JobID:        j.JobID,
		To:           job.StatusFailed,
		Detail:       "engine exploded",
		ErrorKind:    "permanent",
		ErrorMessage: "unsupported glyph table",
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.GetJob(ctx, j.JobID)
	require.NoError(t, err)
	assert.Equal(t, "permanent", got.LastErrorKind)
	assert.Equal(t, "unsupported glyph table", got.LastErrorMessage)
	assert.Equal(t, "engine exploded", got.Detail)
}

func TestMemoryListJobsPagination(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	for i := 0; i < 5; i++ {
		j := newTestJob()
		j.JobID = fmt.Sprintf("%02d-%s", i, uuid.New().String())
		require.NoError(t, s.CreateJob(ctx, j))
	}

	page, err := s.ListJobs(ctx, JobFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "one extra row signals another page")
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	cursor := &JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].JobID}
	next, err := s.ListJobs(ctx, JobFilter{PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.True(t, next[0].CreatedAt.Before(page[1].CreatedAt))

	// Status filter.
	applied, err := s.Transition(ctx, TransitionRequest{JobID: page[0].JobID, To: job.StatusCancelled})
	require.NoError(t, err)
	require.True(t, applied)

	cancelled, err := s.ListJobs(ctx, JobFilter{Status: job.StatusCancelled, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, page[0].JobID, cancelled[0].JobID)
}

func TestMemoryStaleJobs(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	base := time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	stuck := mustCreate(t, s)

	// Terminal jobs are never stale, however old.
	current = base.Add(1 * time.Minute)
	done := mustCreate(t, s)
	applied, err := s.Transition(ctx, TransitionRequest{JobID: done.JobID, To: job.StatusCancelled})
	require.NoError(t, err)
	require.True(t, applied)

	// Recently touched jobs stay out of the sweep.
	current = base.Add(10 * time.Minute)
	mustCreate(t, s)

	stale, err := s.StaleJobs(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.JobID, stale[0].JobID)
}
