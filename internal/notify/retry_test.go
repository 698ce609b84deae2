package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStrategy_Delay(t *testing.T) {
	s := NewStrategy(5, 500*time.Millisecond, 2.0)

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first retry waits base delay", 1, 500 * time.Millisecond},
		{"second retry doubles", 2, time.Second},
		{"third retry doubles again", 3, 2 * time.Second},
		{"fourth retry", 4, 4 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, s.Delay(tt.attempt))
		})
	}
}

func TestStrategy_DelayStrictlyIncreasingUntilCap(t *testing.T) {
	s := NewStrategy(10, 100*time.Millisecond, 2.0)

	prev := time.Duration(0)
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		d := s.Delay(attempt)
		if d < s.MaxDelay {
			assert.Greater(t, d, prev, "attempt %d", attempt)
		}
		prev = d
	}
}

func TestStrategy_DelayCapped(t *testing.T) {
	s := NewStrategy(20, time.Second, 3.0)

	assert.Equal(t, s.MaxDelay, s.Delay(15))
}

func TestStrategy_ClampsToAtLeastOneAttempt(t *testing.T) {
	assert.Equal(t, 1, NewStrategy(0, time.Second, 2.0).MaxAttempts)
	assert.Equal(t, 1, NewStrategy(-3, time.Second, 2.0).MaxAttempts)
	assert.Equal(t, 2, NewStrategy(2, time.Second, 2.0).MaxAttempts)
}

func TestStrategy_Exhausted(t *testing.T) {
	s := NewStrategy(3, time.Second, 2.0)

	assert.False(t, s.Exhausted(2))
	assert.True(t, s.Exhausted(3))
	assert.True(t, s.Exhausted(4))
}
