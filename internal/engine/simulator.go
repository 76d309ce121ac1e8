package engine

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/inthavong/doctrans-be/internal/job"
)

// Simulator walks the full pipeline without doing any translation work. It
// stands in for the real engine in local setups and exercises every stage
// transition, delay and artifact path the orchestration layer cares about.
type Simulator struct {
	// StageDelay is how long each pipeline stage pretends to work.
	StageDelay time.Duration
}

func (s *Simulator) Execute(ctx context.Context, in Input, report ReportFunc) (*Result, error) {
	for _, stage := range job.Pipeline() {
		if err := report(stage, ""); err != nil {
			return nil, err
		}
		if s.StageDelay > 0 {
			timer := time.NewTimer(s.StageDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, Transient(ctx.Err())
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, Transient(err)
		}
	}

	name := in.OriginalFilename
	if name == "" {
		name = path.Base(in.SourceURI)
	}

	target := in.Options.TargetLang
	if target == "" {
		target = "ko"
	}

	return &Result{
		Artifacts: map[string]string{
			job.ArtifactTranslatedText: fmt.Sprintf("Simulated %s translation of %s", target, name),
			job.ArtifactTranslatedPDF:  fmt.Sprintf("file:///data/artifacts/%s/translated.pdf", in.JobID),
			job.ArtifactOriginalImages: `["page-001.png"]`,
		},
	}, nil
}
