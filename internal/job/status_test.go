package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())

	for _, s := range []Status{StatusPending, StatusQueued, StatusImageConversion, StatusOCR, StatusTranslation, StatusRefinement, StatusPDFGeneration} {
		assert.False(t, s.Terminal(), "status %s should not be terminal", s)
	}
}

func TestStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to queued", StatusPending, StatusQueued, true},
		{"queued to first stage", StatusQueued, StatusImageConversion, true},
		{"stage to next stage", StatusImageConversion, StatusOCR, true},
		{"stage skips forward", StatusImageConversion, StatusTranslation, true},
		{"last stage to succeeded", StatusPDFGeneration, StatusSucceeded, true},
		{"succeeded from mid pipeline", StatusTranslation, StatusSucceeded, true},
		{"failed from any live status", StatusOCR, StatusFailed, true},
		{"cancelled from any live status", StatusPending, StatusCancelled, true},
		{"retry re-enters queued", StatusTranslation, StatusQueued, true},
		{"queued re-enters queued", StatusQueued, StatusQueued, true},
		{"backward stage move rejected", StatusTranslation, StatusImageConversion, false},
		{"duplicate stage rejected", StatusOCR, StatusOCR, false},
		{"pending never a target", StatusQueued, StatusPending, false},
		{"succeeded absorbs", StatusSucceeded, StatusFailed, false},
		{"failed absorbs", StatusFailed, StatusQueued, false},
		{"cancelled absorbs", StatusCancelled, StatusSucceeded, false},
		{"unknown source rejected", Status("BOGUS"), StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("OCR_PROCESSING")
	require.NoError(t, err)
	assert.Equal(t, StatusOCR, s)

	_, err = ParseStatus("NOT_A_STATUS")
	require.Error(t, err)
}

func TestPipelineOrder(t *testing.T) {
	stages := Pipeline()
	require.Len(t, stages, 5)
	assert.Equal(t, StatusImageConversion, stages[0])
	assert.Equal(t, StatusPDFGeneration, stages[len(stages)-1])

	// Each stage must accept a transition to the one after it.
	prev := StatusQueued
	for _, s := range stages {
		assert.True(t, prev.CanTransitionTo(s), "%s -> %s", prev, s)
		prev = s
	}
	assert.True(t, prev.CanTransitionTo(StatusSucceeded))
}

func TestStatusSummary(t *testing.T) {
	assert.Equal(t, "Preparing translation job", StatusQueued.Summary())
	assert.NotEmpty(t, StatusFailed.Summary())
	// Unknown statuses fall back to their raw value.
	assert.Equal(t, "X", Status("X").Summary())
}
