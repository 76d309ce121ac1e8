package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inthavong/doctrans-be/internal/job"
)

func TestHTTPReporterReport(t *testing.T) {
	var got StatusReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/jobs/status", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"result": ResultApplied})
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL, time.Second, quietLogger())

	applied, err := rep.Report(context.Background(), StatusReport{
		JobID:      "job-http-1",
		Status:     job.StatusOCR,
		Detail:     "Extracting text",
		Originator: "worker-host-42",
		Attempt:    2,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, "job-http-1", got.JobID)
	assert.Equal(t, job.StatusOCR, got.Status)
	assert.Equal(t, "Extracting text", got.Detail)
	assert.Equal(t, "worker-host-42", got.Originator)
	assert.Equal(t, 2, got.Attempt)
}

func TestHTTPReporterReportRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"result": ResultRejected})
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL, time.Second, quietLogger())

	applied, err := rep.Report(context.Background(), StatusReport{JobID: "job-http-2", Status: job.StatusQueued})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestHTTPReporterReportUnknownJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL, time.Second, quietLogger())

	applied, err := rep.Report(context.Background(), StatusReport{JobID: "job-gone", Status: job.StatusQueued})
	assert.False(t, applied)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestHTTPReporterReportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL, time.Second, quietLogger())

	applied, err := rep.Report(context.Background(), StatusReport{JobID: "job-http-3", Status: job.StatusQueued})
	assert.False(t, applied)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHTTPReporterLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/jobs/job-http-4", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": "job-http-4",
			"status": string(job.StatusSucceeded),
			"detail": "Translation completed successfully",
		})
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL, time.Second, quietLogger())

	view, err := rep.Lookup(context.Background(), "job-http-4")
	require.NoError(t, err)
	assert.Equal(t, "job-http-4", view.JobID)
	assert.Equal(t, job.StatusSucceeded, view.Status)
	assert.True(t, view.Terminal())
}

func TestHTTPReporterLookupNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	rep := NewHTTPReporter(srv.URL, time.Second, quietLogger())

	_, err := rep.Lookup(context.Background(), "job-gone")
	assert.ErrorIs(t, err, job.ErrNotFound)
}
