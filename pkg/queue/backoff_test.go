package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Doubles(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 2*time.Second, b.Delay("j", 0))
	assert.Equal(t, 4*time.Second, b.Delay("j", 1))
	assert.Equal(t, 8*time.Second, b.Delay("j", 2))
}

func TestBackoff_Capped(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	assert.Equal(t, 30*time.Second, b.Delay("j", 10))
	assert.Equal(t, 30*time.Second, b.Delay("j", 100))
}

func TestBackoff_DeterministicJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, MaxJitter: 500 * time.Millisecond}

	first := b.Delay("job-1", 2)
	assert.Equal(t, first, b.Delay("job-1", 2))
	assert.GreaterOrEqual(t, first, 4*time.Second)
	assert.Less(t, first, 4*time.Second+500*time.Millisecond)
}

func TestBackoff_ZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{}.Delay("j", 3))
}
