// Package ratelimit bounds the request rate towards each external
// dependency. Limiters are keyed by identifier and never share state.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is matched by every *LimitError.
	ErrRateLimited = errors.New("ratelimit: rate limited")
	// ErrInvalidCost is returned for a cost the limiter can never admit.
	ErrInvalidCost = errors.New("ratelimit: cost exceeds limiter capacity")
)

// Decision is the outcome of one Consume call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long to wait before the same call can succeed.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter admits or refuses calls. A refused call consumes nothing.
type Limiter interface {
	Consume(ctx context.Context, n int) (Decision, error)
	Reset(ctx context.Context) error
	Identifier() string
}

// LimitError reports a refused call and how long to back off.
type LimitError struct {
	Identifier string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ratelimit: %s rate limited, retry after %s", e.Identifier, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the back-off hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le.RetryAfter, true
	}
	return 0, false
}

// Allow consumes n without waiting and returns a *LimitError when refused.
func Allow(ctx context.Context, l Limiter, n int) error {
	d, err := l.Consume(ctx, n)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &LimitError{Identifier: l.Identifier(), RetryAfter: d.RetryAfter}
	}
	return nil
}

// Wait blocks until n can be consumed, sleeping for the reported RetryAfter
// between attempts. It returns early with the context error, joined with a
// *LimitError carrying the last hint.
func Wait(ctx context.Context, l Limiter, n int) error {
	for {
		d, err := l.Consume(ctx, n)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		wait := d.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), &LimitError{Identifier: l.Identifier(), RetryAfter: d.RetryAfter})
		case <-timer.C:
		}
	}
}

// Snapshot is a point-in-time view of a limiter for dashboards.
type Snapshot struct {
	Identifier string   `json:"identifier"`
	Strategy   Strategy `json:"strategy"`
	Available  float64  `json:"available"`
	Capacity   int      `json:"capacity"`
	Allowed    uint64   `json:"allowed"`
	Denied     uint64   `json:"denied"`
}

// Inspector is implemented by limiters that can report their state.
type Inspector interface {
	Snapshot(ctx context.Context) Snapshot
}
