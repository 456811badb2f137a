package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so backtests can drive the pipeline with a synthetic
// timeline while production uses the wall clock.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Real is the wall-clock implementation.
type Real struct{}

func NewReal() *Real { return &Real{} }

func (Real) Now() time.Time        { return time.Now() }
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// Simulated advances instantly on Sleep. One writer at a time; reads are safe
// from any goroutine.
type Simulated struct {
	mu  sync.RWMutex
	now time.Time
}

func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

func (s *Simulated) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

func (s *Simulated) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Advance moves the simulated clock forward without a sleeper.
func (s *Simulated) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}
