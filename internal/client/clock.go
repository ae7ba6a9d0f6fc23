package client

import (
	"sync"
	"time"
)

// Clock convergence defaults.
const (
	DefaultClockSteps    = 50
	DefaultClockDuration = time.Second
)

// ClockSync tracks the offset between the local clock and the server's.
// A new sample does not jump the offset; it moves toward the new target in
// equal steps spread over Duration, and lands exactly on it.
type ClockSync struct {
	Steps    int
	Duration time.Duration

	now func() time.Time

	mu     sync.Mutex
	offset float64 // ms, server minus local
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewClockSync returns a ClockSync reading now, or time.Now when nil.
func NewClockSync(now func() time.Time) *ClockSync {
	if now == nil {
		now = time.Now
	}
	return &ClockSync{Steps: DefaultClockSteps, Duration: DefaultClockDuration, now: now}
}

// Receive feeds one server timestamp in Unix ms. Any convergence still in
// progress is abandoned in favor of the new target.
func (s *ClockSync) Receive(serverMs int64) {
	target := float64(serverMs - s.now().UnixMilli())
	steps := s.Steps
	if steps <= 0 {
		steps = 1
	}

	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
	}
	stop := make(chan struct{})
	s.stop = stop
	inc := (target - s.offset) / float64(steps)
	s.mu.Unlock()

	interval := s.Duration / time.Duration(steps)
	if interval <= 0 {
		interval = time.Millisecond
	}
	s.wg.Add(1)
	go s.converge(stop, target, inc, steps, interval)
}

func (s *ClockSync) converge(stop chan struct{}, target, inc float64, steps int, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for step := 1; ; step++ {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.stop != stop {
			s.mu.Unlock()
			return
		}
		if step >= steps {
			s.offset = target
			s.stop = nil
			s.mu.Unlock()
			return
		}
		s.offset += inc
		s.mu.Unlock()
	}
}

// Offset returns the current offset in ms.
func (s *ClockSync) Offset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// ServerNow estimates the server clock in Unix ms.
func (s *ClockSync) ServerNow() float64 {
	return float64(s.now().UnixMilli()) + s.Offset()
}

// Stop abandons any convergence in progress and waits for it to exit.
func (s *ClockSync) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}
