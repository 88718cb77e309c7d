package shaper

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultWindow is the span of samples used to compute the current rate.
	DefaultWindow = 10 * time.Second

	// ThrottleDelay is how long ThrottleIfNeeded sleeps when over the ceiling.
	ThrottleDelay = 100 * time.Millisecond

	maxSamples = 4096
)

type sample struct {
	at    time.Time
	bytes int64
}

// Options configures a Shaper.
type Options struct {
	// Ceiling is the maximum rate in bytes per second. Zero or negative
	// disables throttling.
	Ceiling int64

	// Window is the sliding window length. Defaults to DefaultWindow.
	Window time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Sleep overrides the throttle wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Shaper measures the aggregate transfer rate over a sliding window.
// It is safe for concurrent use.
type Shaper struct {
	mu      sync.Mutex
	ceiling int64
	window  time.Duration
	samples []sample
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Shaper.
func New(opts Options) *Shaper {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Shaper{
		ceiling: opts.Ceiling,
		window:  opts.Window,
		now:     opts.Now,
		sleep:   opts.Sleep,
	}
}

// Record adds a sample of n bytes transferred now.
func (s *Shaper) Record(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evict(now)
	if len(s.samples) >= maxSamples {
		s.samples = s.samples[1:]
	}
	s.samples = append(s.samples, sample{at: now, bytes: n})
}

// CurrentRate returns bytes per second over the samples still inside the
// window, measured from the oldest of them to now. It is 0 with no samples.
func (s *Shaper) CurrentRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evict(now)
	if len(s.samples) == 0 {
		return 0
	}

	var total int64
	for _, smp := range s.samples {
		total += smp.bytes
	}
	span := now.Sub(s.samples[0].at).Seconds()
	if span <= 0 {
		// All samples arrived in the same instant; treat as one second.
		span = 1
	}
	return float64(total) / span
}

// ThrottleIfNeeded sleeps for ThrottleDelay when the current rate exceeds the
// ceiling and reports whether it did. It returns early if ctx is done.
func (s *Shaper) ThrottleIfNeeded(ctx context.Context) bool {
	ceiling := s.Ceiling()
	if ceiling <= 0 {
		return false
	}
	if s.CurrentRate() <= float64(ceiling) {
		return false
	}
	_ = s.sleep(ctx, ThrottleDelay)
	return true
}

// Ceiling returns the configured ceiling in bytes per second.
func (s *Shaper) Ceiling() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ceiling
}

// SetCeiling changes the ceiling. Zero or negative disables throttling.
func (s *Shaper) SetCeiling(bps int64) {
	s.mu.Lock()
	s.ceiling = bps
	s.mu.Unlock()
}

// Reset drops every sample.
func (s *Shaper) Reset() {
	s.mu.Lock()
	s.samples = nil
	s.mu.Unlock()
}

func (s *Shaper) evict(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
