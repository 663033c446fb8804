package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultQueueConfig(t *testing.T) {
	q := DefaultQueueConfig()

	assert.Equal(t, 5, q.WorkerCount)
	assert.Equal(t, 5, q.MaxConcurrentRuns)
	assert.Equal(t, 1*time.Second, q.PollInterval)
	assert.Equal(t, 500*time.Millisecond, q.PollIntervalJitter)
	assert.Equal(t, 30*time.Minute, q.RunTimeout)
	assert.Equal(t, 30*time.Minute, q.GracefulShutdownTimeout)
	assert.Equal(t, 5*time.Minute, q.OrphanDetectionInterval)
	assert.Equal(t, 5*time.Minute, q.OrphanThreshold)

	assert.Less(t, q.PollIntervalJitter, q.PollInterval, "default jitter must satisfy the validator's jitter < interval invariant")
}
