package worker

import "sync"

// cancelRegistry remembers which jobs received a cancellation broadcast so a
// pool member executing the job can abort at the next stage boundary. Missed
// broadcasts are harmless: the orchestrator records the terminal state before
// broadcasting, so the worker's next stage report is rejected either way.
type cancelRegistry struct {
	mu   sync.Mutex
	jobs map[string]string
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{jobs: make(map[string]string)}
}

func (r *cancelRegistry) mark(jobID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = reason
}

func (r *cancelRegistry) pending(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.jobs[jobID]
	return reason, ok
}

func (r *cancelRegistry) clear(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}
