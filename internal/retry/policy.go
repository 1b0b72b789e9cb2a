// Package retry computes exponential backoff delays with jitter.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is a pure backoff calculator. The zero Jitter source uses math/rand.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter returns a value in [0, 1). Tests pin it for deterministic delays.
	Jitter func() float64
}

// NoJitter disables the random component
func NoJitter() float64 { return 0 }

// Backoff is the deterministic component: min(MaxDelay, BaseDelay * 2^(attempt-1)).
// Attempts below 1 are treated as 1.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		// overflow guard for very large attempt counts
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Delay adds jitter in [0, BaseDelay) to Backoff and clamps the sum to MaxDelay
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Backoff(attempt)

	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d += time.Duration(jitter() * float64(p.BaseDelay))

	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
