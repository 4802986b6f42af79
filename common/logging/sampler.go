package logging

import (
	"sync"
	"time"
)

// Sampler limits how often a message is logged per key. Hot paths (parse
// failures, dropped frames) use it so a flood of bad input cannot turn into
// a flood of log lines.
type Sampler struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	skipped  map[string]int
	now      func() time.Time
}

// NewSampler returns a Sampler that allows one log line per key per interval.
func NewSampler(interval time.Duration) *Sampler {
	return &Sampler{
		interval: interval,
		last:     make(map[string]time.Time),
		skipped:  make(map[string]int),
		now:      time.Now,
	}
}

// Allow reports whether a line for key may be logged now. When it returns
// true it also returns how many lines were suppressed since the last one.
func (s *Sampler) Allow(key string) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.last[key]; ok && now.Sub(last) < s.interval {
		s.skipped[key]++
		return false, 0
	}

	skipped := s.skipped[key]
	s.last[key] = now
	delete(s.skipped, key)

	// Bound memory when keys are attacker controlled.
	if len(s.last) > 10000 {
		for k, t := range s.last {
			if now.Sub(t) >= s.interval {
				delete(s.last, k)
				delete(s.skipped, k)
			}
		}
	}
	return true, skipped
}
