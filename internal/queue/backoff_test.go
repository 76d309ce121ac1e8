package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Cap: 60 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second}, // 80s capped
		{12, 60 * time.Second},
		{0, 5 * time.Second},  // clamped to the first retry
		{-3, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoffHugeAttemptStaysCapped(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Cap: 60 * time.Second}
	// Large exponents overflow the duration; the cap must still win.
	assert.Equal(t, 60*time.Second, b.Delay(500))
}

func TestConfigNormalizeDefaults(t *testing.T) {
	var cfg Config
	cfg.Normalize()

	assert.Equal(t, DefaultReadyTopic, cfg.ReadyTopic)
	assert.Equal(t, DefaultCancelTopic, cfg.CancelTopic)
	assert.Equal(t, DefaultDeadTopic, cfg.DeadTopic)
	assert.Equal(t, DefaultConsumerGroup, cfg.ConsumerGroup)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultBackoffBase, cfg.Backoff().Base)
	assert.Equal(t, DefaultBackoffCap, cfg.Backoff().Cap)
	assert.Equal(t, DefaultVisibilityTimeout, cfg.VisibilityTimeout)
	assert.Equal(t, DefaultClaimWait, cfg.ClaimWait)

	// Configured values survive.
	custom := Config{MaxRetries: 1, BackoffBase: time.Second}
	custom.Normalize()
	assert.Equal(t, 1, custom.MaxRetries)
	assert.Equal(t, time.Second, custom.BackoffBase)
}
