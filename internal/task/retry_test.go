package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: 60 * time.Second, MaxBackoff: 10 * time.Minute}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 600 * time.Second}, // capped: 960s -> 600s
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempts))
	}
}

func TestRetryPolicy_BackoffClampsLowAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, p.BaseBackoff, p.Backoff(0))
	assert.Equal(t, p.BaseBackoff, p.Backoff(1))
}
