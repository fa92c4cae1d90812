package watchdog

import (
	"math"
	"sync"
	"time"
)

// Sampler periodically reads a progress value and reports its floor
// whenever that changes.
type Sampler struct {
	interval time.Duration
	sample   func() float64
	emit     func(int)

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSampler starts sampling every interval.
func NewSampler(interval time.Duration, sample func() float64, emit func(int)) *Sampler {
	s := &Sampler{
		interval: interval,
		sample:   sample,
		emit:     emit,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sampler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	last := -1
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			v := int(math.Floor(s.sample()))
			if v != last {
				s.emit(v)
				last = v
			}
		}
	}
}

// Stop halts sampling and waits for an in-flight emit to return.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
