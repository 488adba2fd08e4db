package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name       string
		attempt    int
		retryAfter time.Duration
		want       time.Duration
	}{
		{"first", 1, 0, 500 * time.Millisecond},
		{"second doubles", 2, 0, time.Second},
		{"third", 3, 0, 2 * time.Second},
		{"capped", 4, 0, 4 * time.Second},
		{"stays capped", 10, 0, 4 * time.Second},
		{"hint wins", 1, 3 * time.Second, 3 * time.Second},
		{"hint capped", 1, time.Minute, 4 * time.Second},
		{"zero attempt", 0, 0, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.attempt, tt.retryAfter))
		})
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy(), p)

	p = RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}.withDefaults()
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, time.Second, p.MaxDelay)
}
