package job

import "fmt"

// Status is the lifecycle state of a translation job. Pipeline statuses are
// ordered; FAILED and CANCELLED are reachable from every non-terminal status.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusQueued          Status = "QUEUED"
	StatusImageConversion Status = "IMAGE_CONVERSION"
	StatusOCR             Status = "OCR_PROCESSING"
	StatusTranslation     Status = "TRANSLATION_PROCESSING"
	StatusRefinement      Status = "REFINEMENT_PROCESSING"
	StatusPDFGeneration   Status = "PDF_GENERATION"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// chainOrder positions each status on the forward pipeline. A transition to a
// pipeline status is only legal when it moves strictly forward, so duplicate
// stage reports from redelivered messages become no-ops.
var chainOrder = map[Status]int{
	StatusPending:         0,
	StatusQueued:          1,
	StatusImageConversion: 2,
	StatusOCR:             3,
	StatusTranslation:     4,
	StatusRefinement:      5,
	StatusPDFGeneration:   6,
	StatusSucceeded:       7,
}

var summaries = map[Status]string{
	StatusPending:         "Job accepted and waiting for dispatch",
	StatusQueued:          "Preparing translation job",
	StatusImageConversion: "Converting document pages to images",
	StatusOCR:             "Extracting source text",
	StatusTranslation:     "Translating extracted text",
	StatusRefinement:      "Refining translated output",
	StatusPDFGeneration:   "Rendering translated document",
	StatusSucceeded:       "Translation completed",
	StatusFailed:          "Translation failed",
	StatusCancelled:       "Job cancelled",
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	if _, ok := chainOrder[s]; ok {
		return true
	}
	return s == StatusFailed || s == StatusCancelled
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the edge s -> next is part of the lifecycle
// graph. Terminal statuses reject everything. FAILED and CANCELLED are
// reachable from any live status. QUEUED is re-enterable from any live status
// (including itself) because retried and redelivered messages restart the
// pipeline from the top. Everything else must move strictly forward.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() || !s.Valid() {
		return false
	}
	switch next {
	case StatusFailed, StatusCancelled:
		return true
	case StatusQueued:
		return true
	case StatusPending:
		// PENDING is the insert-only initial status, never a target.
		return false
	}
	to, ok := chainOrder[next]
	if !ok {
		return false
	}
	return to > chainOrder[s]
}

// Summary returns the human-readable progress line for a status.
func (s Status) Summary() string {
	if msg, ok := summaries[s]; ok {
		return msg
	}
	return string(s)
}

// Pipeline lists the engine stages in execution order, from image conversion
// through PDF generation.
func Pipeline() []Status {
	return []Status{
		StatusImageConversion,
		StatusOCR,
		StatusTranslation,
		StatusRefinement,
		StatusPDFGeneration,
	}
}

// ParseStatus validates a wire-format status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}
