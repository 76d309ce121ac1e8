package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source types accepted at job creation.
const (
	SourceTypePDF     = "pdf"
	SourceTypeImage   = "image"
	SourceTypeRawText = "raw_text"
)

// Well-known artifact names produced by the translation engine.
const (
	ArtifactTranslatedText = "translated_text"
	ArtifactTranslatedPDF  = "translated_pdf"
	ArtifactOriginalImages = "original_images"
)

// Timeline event originators. Workers identify themselves by instance id
// instead of using a constant.
const (
	OriginatorOrchestrator = "orchestrator"
	OriginatorClient       = "client"
)

var (
	// ErrNotFound is returned when a job id does not exist in the store.
	ErrNotFound = errors.New("job not found")

	// ErrValidation wraps rejected job-creation input.
	ErrValidation = errors.New("invalid job input")
)

// Options carries the translation parameters supplied at job creation.
type Options struct {
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
}

// Job is the durable record of one translation request.
type Job struct {
	JobID            string
	Status           Status
	SourceType       string
	SourceURI        string
	OriginalFilename string
	Options          Options
	Artifacts        map[string]string
	Detail           string
	RetryCount       int
	LastErrorKind    string
	LastErrorMessage string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Event is one append-only timeline entry. ID is assigned by the store in
// insertion order.
type Event struct {
	ID         int64
	JobID      string
	Status     Status
	Detail     string
	Originator string
	CreatedAt  time.Time
}

// Validate checks the creation input fields. Status, timestamps and id are
// assigned by the store, not the caller.
func (j *Job) Validate() error {
	switch j.SourceType {
	case SourceTypePDF, SourceTypeImage, SourceTypeRawText:
	default:
		return fmt.Errorf("%w: source_type must be pdf, image or raw_text", ErrValidation)
	}
	if strings.TrimSpace(j.SourceURI) == "" {
		return fmt.Errorf("%w: source_uri is required", ErrValidation)
	}
	if strings.TrimSpace(j.Options.TargetLang) == "" {
		return fmt.Errorf("%w: options.target_lang is required", ErrValidation)
	}
	return nil
}
