package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkDescriptor is the queue message body that tells a worker what to
// process. The delivery attempt counter travels in the broker envelope, not
// here, so redeliveries reuse the same body.
type WorkDescriptor struct {
	JobID            string    `json:"job_id"`
	SourceType       string    `json:"source_type"`
	SourceURI        string    `json:"source_uri"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	Options          Options   `json:"options"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
}

// CancelNotice is broadcast on the cancellation channel so in-flight workers
// can abort at the next stage boundary.
type CancelNotice struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// NewDescriptor builds the work descriptor for a stored job.
func NewDescriptor(j *Job, enqueuedAt time.Time) WorkDescriptor {
	return WorkDescriptor{
		JobID:            j.JobID,
		SourceType:       j.SourceType,
		SourceURI:        j.SourceURI,
		OriginalFilename: j.OriginalFilename,
		Options:          j.Options,
		EnqueuedAt:       enqueuedAt,
	}
}

// DecodeDescriptor parses a queue message body and checks the fields a worker
// cannot proceed without.
func DecodeDescriptor(body []byte) (WorkDescriptor, error) {
	var d WorkDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return WorkDescriptor{}, fmt.Errorf("decode work descriptor: %w", err)
	}
	if d.JobID == "" {
		return WorkDescriptor{}, fmt.Errorf("decode work descriptor: missing job_id")
	}
	if d.SourceURI == "" {
		return WorkDescriptor{}, fmt.Errorf("decode work descriptor: missing source_uri")
	}
	return d, nil
}
