package shaper

import (
	"sync"
	"time"
)

// Meter reports the speed of a single transfer as the bytes counted since
// the last one-second tick.
type Meter struct {
	mu       sync.Mutex
	now      func() time.Time
	tickAt   time.Time
	pending  int64
	lastRate float64
	total    int64
}

// NewMeter returns a Meter using now as its clock; nil means time.Now.
func NewMeter(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now, tickAt: now()}
}

// Add counts n transferred bytes.
func (m *Meter) Add(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	m.pending += n
	m.total += n
}

// Speed returns the bytes per second measured over the last full tick.
func (m *Meter) Speed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	return m.lastRate
}

// Total returns every byte counted so far.
func (m *Meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Meter) roll() {
	now := m.now()
	elapsed := now.Sub(m.tickAt)
	if elapsed < time.Second {
		return
	}
	m.lastRate = float64(m.pending) / elapsed.Seconds()
	m.pending = 0
	m.tickAt = now
}
