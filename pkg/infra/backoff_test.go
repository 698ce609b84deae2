package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_NextStaysWithinJitteredBounds(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 2.0)

	first := b.Next()
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.LessOrEqual(t, first, 120*time.Millisecond)

	second := b.Next()
	assert.GreaterOrEqual(t, second, 160*time.Millisecond)
	assert.LessOrEqual(t, second, 240*time.Millisecond)
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second, 10.0)

	b.Next()
	wait := b.Next()
	assert.LessOrEqual(t, wait, 6*time.Second)

	wait = b.Next()
	assert.LessOrEqual(t, wait, 6*time.Second)
}

func TestBackoff_ResetRestartsSchedule(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, time.Second, 2.0)

	b.Next()
	b.Next()
	assert.Equal(t, 2, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())

	wait := b.Next()
	assert.LessOrEqual(t, wait, 120*time.Millisecond)
}
