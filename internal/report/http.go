package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/inthavong/doctrans-be/internal/job"
)

const defaultReportTimeout = 10 * time.Second

// HTTPReporter delivers status reports to the orchestrator's REST API. It is
// the default reporter for worker processes, which run without database
// credentials.
type HTTPReporter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPReporter builds a reporter against the orchestrator base URL,
// e.g. "http://api-service:8080".
func NewHTTPReporter(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPReporter {
	if timeout <= 0 {
		timeout = defaultReportTimeout
	}
	return &HTTPReporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type reportResponse struct {
	Result string `json:"result"`
}

// Report posts the status report and interprets the orchestrator's verdict.
// A 404 maps to job.ErrNotFound so callers can tell a vanished job apart
// from a rejected transition.
func (r *HTTPReporter) Report(ctx context.Context, sr StatusReport) (bool, error) {
	body, err := json.Marshal(sr)
	if err != nil {
		return false, fmt.Errorf("failed to encode status report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/v1/jobs/status", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build status report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to deliver status report: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, fmt.Errorf("report for job %s: %w", sr.JobID, job.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("status report returned %d: %s", resp.StatusCode, bodySnippet(resp.Body))
	}

	var out reportResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode status report response: %w", err)
	}

	applied := out.Result == ResultApplied
	if !applied {
		r.logger.Debug("status report rejected by orchestrator",
			slog.String("job_id", sr.JobID),
			slog.String("status", string(sr.Status)))
	}
	return applied, nil
}

// Lookup fetches the current view of a job from the orchestrator.
func (r *HTTPReporter) Lookup(ctx context.Context, jobID string) (JobView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/v1/jobs/"+jobID, nil)
	if err != nil {
		return JobView{}, fmt.Errorf("failed to build job lookup request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return JobView{}, fmt.Errorf("failed to look up job: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return JobView{}, fmt.Errorf("lookup for job %s: %w", jobID, job.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return JobView{}, fmt.Errorf("job lookup returned %d: %s", resp.StatusCode, bodySnippet(resp.Body))
	}

	var view JobView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return JobView{}, fmt.Errorf("failed to decode job lookup response: %w", err)
	}
	return view, nil
}

func bodySnippet(rd io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(rd, 512))
	if err != nil || len(bytes.TrimSpace(b)) == 0 {
		return "<no body>"
	}
	return string(bytes.TrimSpace(b))
}
