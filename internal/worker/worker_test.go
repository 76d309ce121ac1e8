package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inthavong/doctrans-be/internal/engine"
	"github.com/inthavong/doctrans-be/internal/job"
	"github.com/inthavong/doctrans-be/internal/queue"
	"github.com/inthavong/doctrans-be/internal/report"
	"github.com/inthavong/doctrans-be/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type workerEnv struct {
	store    *store.Memory
	broker   *queue.Memory
	reporter report.Reporter
	queues   queue.Config
	worker   *Worker
}

func newWorkerEnv(t *testing.T, eng engine.Engine, maxRetries int) *workerEnv {
	t.Helper()

	cfg := queue.Config{
		MaxRetries:        maxRetries,
		BackoffBase:       2 * time.Millisecond,
		BackoffCap:        8 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		ClaimWait:         50 * time.Millisecond,
	}
	cfg.Normalize()

	st := store.NewMemory()
	br := queue.NewMemory(cfg)
	rep := report.NewStoreReporter(st, nil, quietLogger())

	w := NewWorker(&Config{
		Logger:      quietLogger(),
		Broker:      br,
		Reporter:    rep,
		Engine:      eng,
		Queues:      cfg,
		Concurrency: 1,
		JobTimeout:  2 * time.Second,
	})

	t.Cleanup(func() {
		_ = br.Close()
	})

	return &workerEnv{store: st, broker: br, reporter: rep, queues: cfg, worker: w}
}

// submit stores a fresh job and publishes its descriptor, the way the API
// service does on job creation.
func (e *workerEnv) submit(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	j := &job.Job{
		JobID:            uuid.New().String(),
		SourceType:       job.SourceTypePDF,
		SourceURI:        "file:///data/in/report.pdf",
		OriginalFilename: "report.pdf",
		Options:          job.Options{SourceLang: "en", TargetLang: "fr"},
	}
	require.NoError(t, e.store.CreateJob(ctx, j))

	body, err := json.Marshal(job.NewDescriptor(j, time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, e.broker.Publish(ctx, e.queues.ReadyTopic, body))
	return j.JobID
}

func (e *workerEnv) claim(t *testing.T, topic string) *queue.Delivery {
	t.Helper()

	d, err := e.broker.Claim(context.Background(), topic, e.queues.ConsumerGroup)
	require.NoError(t, err)
	return d
}

// drive claims and handles deliveries until the ready topic drains.
func (e *workerEnv) drive(t *testing.T) {
	t.Helper()

	for i := 0; i < 20; i++ {
		d := e.claim(t, e.queues.ReadyTopic)
		if d == nil {
			return
		}
		e.worker.handle(context.Background(), "worker-test-0", d)
	}
	require.Fail(t, "ready topic did not drain")
}

func (e *workerEnv) getJob(t *testing.T, jobID string) *job.Job {
	t.Helper()

	j, err := e.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return j
}

func (e *workerEnv) timeline(t *testing.T, jobID string) []job.Event {
	t.Helper()

	events, err := e.store.Timeline(context.Background(), jobID)
	require.NoError(t, err)
	return events
}

func eventStatuses(events []job.Event) []job.Status {
	out := make([]job.Status, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

// scriptedEngine fails the first calls according to script and delegates the
// rest to an inner engine.
type scriptedEngine struct {
	inner  engine.Engine
	script func(call int) error

	mu    sync.Mutex
	calls int
}

func (s *scriptedEngine) Execute(ctx context.Context, in engine.Input, reportFn engine.ReportFunc) (*engine.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.script != nil {
		if err := s.script(call); err != nil {
			return nil, err
		}
	}
	return s.inner.Execute(ctx, in, reportFn)
}

func (s *scriptedEngine) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// gatedEngine reports each stage, announces it on entered, then blocks until
// release closes. It lets tests cancel a job mid-run deterministically.
type gatedEngine struct {
	entered chan job.Status
	release chan struct{}
}

func (g *gatedEngine) Execute(ctx context.Context, in engine.Input, reportFn engine.ReportFunc) (*engine.Result, error) {
	for _, stage := range job.Pipeline() {
		if err := reportFn(stage, ""); err != nil {
			return nil, err
		}
		g.entered <- stage
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, engine.Transient(ctx.Err())
		}
	}
	return &engine.Result{Artifacts: map[string]string{job.ArtifactTranslatedText: "done"}}, nil
}

func TestWorkerHappyPath(t *testing.T) {
	env := newWorkerEnv(t, &engine.Simulator{}, 3)
	jobID := env.submit(t)

	d := env.claim(t, env.queues.ReadyTopic)
	require.NotNil(t, d)
	env.worker.handle(context.Background(), "worker-test-0", d)

	j := env.getJob(t, jobID)
	assert.Equal(t, job.StatusSucceeded, j.Status)
	assert.Equal(t, 0, j.RetryCount)
	assert.Contains(t, j.Artifacts, job.ArtifactTranslatedText)
	assert.Contains(t, j.Artifacts, job.ArtifactTranslatedPDF)
	assert.Contains(t, j.Artifacts, job.ArtifactOriginalImages)

	events := env.timeline(t, jobID)
	assert.Equal(t, []job.Status{
		job.StatusPending,
		job.StatusQueued,
		job.StatusImageConversion,
		job.StatusOCR,
		job.StatusTranslation,
		job.StatusRefinement,
		job.StatusPDFGeneration,
		job.StatusSucceeded,
	}, eventStatuses(events))
	assert.Equal(t, job.OriginatorOrchestrator, events[0].Originator)
	assert.Equal(t, "worker-test-0", events[1].Originator)

	// The delivery was acked and nothing was dead-lettered.
	assert.Nil(t, env.claim(t, env.queues.ReadyTopic))
	assert.Nil(t, env.claim(t, env.queues.DeadTopic))
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	eng := &scriptedEngine{
		inner: &engine.Simulator{},
		script: func(call int) error {
			if call <= 2 {
				return engine.Transient(errors.New("ocr backend unavailable"))
			}
			return nil
		},
	}
	env := newWorkerEnv(t, eng, 3)
	jobID := env.submit(t)

	env.drive(t)

	assert.Equal(t, 3, eng.callCount())

	j := env.getJob(t, jobID)
	assert.Equal(t, job.StatusSucceeded, j.Status)
	assert.Equal(t, 2, j.RetryCount)

	events := env.timeline(t, jobID)
	var retries, reclaims int
	for _, ev := range events {
		if strings.Contains(ev.Detail, "Retrying (attempt ") {
			retries++
		}
		if strings.HasPrefix(ev.Detail, "Attempt ") {
			reclaims++
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, 2, reclaims)
	assert.Equal(t, job.StatusSucceeded, events[len(events)-1].Status)

	assert.Nil(t, env.claim(t, env.queues.DeadTopic))
}

func TestWorkerRetriesExhausted(t *testing.T) {
	eng := &scriptedEngine{
		inner: &engine.Simulator{},
		script: func(call int) error {
			return engine.Transient(errors.New("translation provider unreachable"))
		},
	}
	env := newWorkerEnv(t, eng, 1)
	jobID := env.submit(t)

	env.drive(t)

	// Initial attempt plus one retry.
	assert.Equal(t, 2, eng.callCount())

	j := env.getJob(t, jobID)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Equal(t, string(engine.KindTransient), j.LastErrorKind)
	assert.Contains(t, j.Detail, "Translation failed after 2 attempts")

	dead := env.claim(t, env.queues.DeadTopic)
	require.NotNil(t, dead)
	assert.Equal(t, 1, dead.Attempt)
	assert.Contains(t, dead.Detail, "Translation failed after 2 attempts")

	desc, err := job.DecodeDescriptor(dead.Body)
	require.NoError(t, err)
	assert.Equal(t, jobID, desc.JobID)

	// Exactly one dead-letter entry.
	assert.Nil(t, env.claim(t, env.queues.DeadTopic))
}

func TestWorkerPermanentFailure(t *testing.T) {
	eng := &scriptedEngine{
		inner: &engine.Simulator{},
		script: func(call int) error {
			return engine.Permanent(errors.New("unsupported document layout"))
		},
	}
	env := newWorkerEnv(t, eng, 3)
	jobID := env.submit(t)

	env.drive(t)

	// No retries for permanent failures.
	assert.Equal(t, 1, eng.callCount())

	j := env.getJob(t, jobID)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, 0, j.RetryCount)
	assert.Equal(t, string(engine.KindPermanent), j.LastErrorKind)
	assert.Contains(t, j.LastErrorMessage, "unsupported document layout")

	// Permanent failures are acked, not dead-lettered.
	assert.Nil(t, env.claim(t, env.queues.ReadyTopic))
	assert.Nil(t, env.claim(t, env.queues.DeadTopic))
}

func TestWorkerCancellationMidRun(t *testing.T) {
	eng := &gatedEngine{
		entered: make(chan job.Status),
		release: make(chan struct{}),
	}
	env := newWorkerEnv(t, eng, 3)
	jobID := env.submit(t)

	d := env.claim(t, env.queues.ReadyTopic)
	require.NotNil(t, d)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.worker.handle(context.Background(), "worker-test-0", d)
	}()

	select {
	case stage := <-eng.entered:
		require.Equal(t, job.StatusImageConversion, stage)
	case <-time.After(2 * time.Second):
		t.Fatal("engine never entered the first stage")
	}

	// Cancel the way the orchestrator does: terminal transition first, then
	// the broadcast that feeds the registry.
	applied, err := env.reporter.Report(context.Background(), report.StatusReport{
		JobID:      jobID,
		Status:     job.StatusCancelled,
		Detail:     "Cancellation requested: user clicked stop",
		Originator: job.OriginatorClient,
	})
	require.NoError(t, err)
	require.True(t, applied)
	env.worker.cancels.mark(jobID, "user clicked stop")

	close(eng.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after cancellation")
	}

	j := env.getJob(t, jobID)
	assert.Equal(t, job.StatusCancelled, j.Status)

	statuses := eventStatuses(env.timeline(t, jobID))
	assert.NotContains(t, statuses, job.StatusSucceeded)
	assert.NotContains(t, statuses, job.StatusOCR)
	assert.Equal(t, job.StatusCancelled, statuses[len(statuses)-1])

	// Delivery acked, registry entry consumed.
	assert.Nil(t, env.claim(t, env.queues.ReadyTopic))
	_, pending := env.worker.cancels.pending(jobID)
	assert.False(t, pending)
}

func TestWorkerDropsCancelledBeforeClaim(t *testing.T) {
	eng := &scriptedEngine{
		inner: &engine.Simulator{},
		script: func(call int) error {
			return engine.Permanent(errors.New("engine must not run"))
		},
	}
	env := newWorkerEnv(t, eng, 3)
	jobID := env.submit(t)

	applied, err := env.reporter.Report(context.Background(), report.StatusReport{
		JobID:      jobID,
		Status:     job.StatusCancelled,
		Originator: job.OriginatorClient,
	})
	require.NoError(t, err)
	require.True(t, applied)

	env.drive(t)

	assert.Equal(t, 0, eng.callCount())

	j := env.getJob(t, jobID)
	assert.Equal(t, job.StatusCancelled, j.Status)

	statuses := eventStatuses(env.timeline(t, jobID))
	assert.Equal(t, []job.Status{job.StatusPending, job.StatusCancelled}, statuses)

	assert.Nil(t, env.claim(t, env.queues.ReadyTopic))
	assert.Nil(t, env.claim(t, env.queues.DeadTopic))
}

func TestWorkerMalformedDescriptor(t *testing.T) {
	env := newWorkerEnv(t, &engine.Simulator{}, 3)
	require.NoError(t, env.broker.Publish(context.Background(), env.queues.ReadyTopic, []byte("{not json")))

	env.drive(t)

	dead := env.claim(t, env.queues.DeadTopic)
	require.NotNil(t, dead)
	assert.Contains(t, dead.Detail, "malformed descriptor")
}

func TestWorkerUnknownJobDescriptor(t *testing.T) {
	env := newWorkerEnv(t, &engine.Simulator{}, 3)

	ghost := &job.Job{
		JobID:      uuid.New().String(),
		SourceType: job.SourceTypePDF,
		SourceURI:  "file:///data/in/ghost.pdf",
		Options:    job.Options{TargetLang: "fr"},
	}
	body, err := json.Marshal(job.NewDescriptor(ghost, time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, env.broker.Publish(context.Background(), env.queues.ReadyTopic, body))

	env.drive(t)

	dead := env.claim(t, env.queues.DeadTopic)
	require.NotNil(t, dead)
	assert.Equal(t, "job not found", dead.Detail)
}

func TestWorkerStartStopLifecycle(t *testing.T) {
	env := newWorkerEnv(t, &engine.Simulator{}, 3)
	jobID := env.submit(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.worker.Start(ctx))

	require.Eventually(t, func() bool {
		j, err := env.store.GetJob(context.Background(), jobID)
		return err == nil && j.Status == job.StatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	// Cancellation broadcasts land in the registry.
	notice, err := json.Marshal(job.CancelNotice{JobID: "some-other-job", Reason: "test"})
	require.NoError(t, err)
	require.NoError(t, env.broker.Broadcast(context.Background(), env.queues.CancelTopic, notice))

	require.Eventually(t, func() bool {
		_, pending := env.worker.cancels.pending("some-other-job")
		return pending
	}, time.Second, 5*time.Millisecond)

	env.worker.Stop()
}
