package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	base := errors.New("ocr backend 503")

	assert.Equal(t, KindTransient, Classify(Transient(base)))
	assert.Equal(t, KindPermanent, Classify(Permanent(base)))

	// Wrapping preserves the classification.
	wrapped := fmt.Errorf("stage failed: %w", Permanent(base))
	assert.Equal(t, KindPermanent, Classify(wrapped))

	// Plain errors default to transient so flaky infrastructure gets retried.
	assert.Equal(t, KindTransient, Classify(base))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("glyph table unsupported")
	err := Permanent(base)

	require.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "permanent engine error")
}
