package shaper

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter caps the speed of one transfer. A nil *Limiter never waits.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter returns a limiter allowing bps bytes per second, or nil when
// bps is not positive. maxChunk is the largest single reservation the caller
// will make; the bucket is sized so one chunk always fits.
func NewLimiter(bps int64, maxChunk int64) *Limiter {
	if bps <= 0 {
		return nil
	}
	burst := bps
	if maxChunk > burst {
		burst = maxChunk
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bps), int(burst))}
}

// Wait blocks until n bytes may be transferred or ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int64) error {
	if l == nil || n <= 0 {
		return nil
	}
	if b := int64(l.lim.Burst()); n > b {
		n = b
	}
	return l.lim.WaitN(ctx, int(n))
}

// Limit returns the configured rate in bytes per second, 0 when unlimited.
func (l *Limiter) Limit() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}
