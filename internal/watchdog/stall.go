// Package watchdog holds the timers that watch a running transfer: a stall
// detector and a progress sampler.
package watchdog

import (
	"sync"
	"time"
)

// StallTimer fires when a sampled progress value does not change between
// two consecutive ticks. It fires at most once.
type StallTimer struct {
	interval time.Duration
	sample   func() float64

	mu     sync.Mutex
	last   float64
	lastAt time.Time

	stalled  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewStallTimer starts watching sample every interval. The value at
// construction is the baseline for the first tick.
func NewStallTimer(interval time.Duration, sample func() float64) *StallTimer {
	s := &StallTimer{
		interval: interval,
		sample:   sample,
		last:     sample(),
		lastAt:   time.Now(),
		stalled:  make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *StallTimer) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.check(s.sample()) {
				close(s.stalled)
				return
			}
		}
	}
}

// check records v and reports whether it equals the previous observation.
func (s *StallTimer) check(v float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == s.last {
		return true
	}
	s.last = v
	s.lastAt = time.Now()
	return false
}

// Stalled is closed once the timer fires.
func (s *StallTimer) Stalled() <-chan struct{} {
	return s.stalled
}

// Last returns the last observed value and when it was first seen.
func (s *StallTimer) Last() (float64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt
}

// Stop halts the timer and waits for its goroutine to exit.
func (s *StallTimer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
