// Package engine defines the contract with the translation pipeline. The
// orchestration layer treats it as a black box: execute, observe stage
// transitions through the report callback, collect artifacts or a classified
// error. Redelivered jobs re-execute from the top; the engine exposes no
// partial-progress state.
package engine

import (
	"context"

	"github.com/inthavong/doctrans-be/internal/job"
)

// Input carries everything the engine needs to process one job.
type Input struct {
	JobID            string
	SourceType       string
	SourceURI        string
	OriginalFilename string
	Options          job.Options
}

// Result is the artifact map produced by a successful run, keyed by artifact
// name.
type Result struct {
	Artifacts map[string]string
}

// ReportFunc is invoked at every stage boundary before the stage runs.
// Returning an error aborts the run; the engine must hand that error back
// unchanged so the caller can recognize its own abort reasons.
type ReportFunc func(status job.Status, detail string) error

// Engine runs the translation pipeline for one job.
type Engine interface {
	Execute(ctx context.Context, in Input, report ReportFunc) (*Result, error)
}
