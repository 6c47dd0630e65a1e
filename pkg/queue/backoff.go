package queue

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff is the retry schedule of a job: Base * 2^attempt, capped at Max,
// plus a jitter in [0, MaxJitter) derived from the job id and attempt so a
// replay reschedules identically.
type Backoff struct {
	Base      time.Duration `json:"base" yaml:"base"`
	Max       time.Duration `json:"max" yaml:"max"`
	MaxJitter time.Duration `json:"maxJitter,omitempty" yaml:"max_jitter"`
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 10 * time.Minute}
}

// Delay returns the wait before retrying after the given zero-based failed
// attempt.
func (b Backoff) Delay(jobID string, attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := b.Base * time.Duration(factor)
	if delay/time.Duration(factor) != b.Base || (b.Max > 0 && delay > b.Max) {
		delay = b.Max
	}
	return delay + b.jitter(jobID, attempt)
}

func (b Backoff) jitter(jobID string, attempt int) time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", jobID, attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(b.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
