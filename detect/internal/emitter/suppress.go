package emitter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

const suppressPrefix = "ndr:suppress:"

// Suppressor drops alerts identical in (threat_type, source, destination)
// to one delivered within the window. Alert timestamps drive the local
// check; the optional Redis check extends it across engine instances and
// fails open.
type Suppressor struct {
	window time.Duration
	redis  *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	last   map[string]time.Time
	newest time.Time
}

// NewSuppressor returns a suppressor. client may be nil.
func NewSuppressor(window time.Duration, client *redis.Client, logger *slog.Logger) *Suppressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Suppressor{
		window: window,
		redis:  client,
		logger: logger,
		last:   make(map[string]time.Time),
	}
}

// Suppressed reports whether a duplicates a recent alert, and records it
// when it does not.
func (s *Suppressor) Suppressed(ctx context.Context, a *models.Alert) bool {
	if s.window <= 0 {
		return false
	}
	key := a.DedupKey()

	s.mu.Lock()
	if prev, ok := s.last[key]; ok && absDuration(a.Timestamp.Sub(prev)) < s.window {
		s.mu.Unlock()
		return true
	}
	s.last[key] = a.Timestamp
	if a.Timestamp.After(s.newest) {
		s.newest = a.Timestamp
	}
	if len(s.last) > 100000 {
		s.pruneLocked()
	}
	s.mu.Unlock()

	if s.redis == nil {
		return false
	}
	ok, err := s.redis.SetNX(ctx, RedisKey(key), a.ID, s.window).Result()
	if err != nil {
		s.logger.Warn("shared suppression unavailable", logging.Error(err))
		return false
	}
	return !ok
}

// Prune forgets entries older than the window relative to the newest alert
// seen.
func (s *Suppressor) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked()
}

func (s *Suppressor) pruneLocked() int {
	n := 0
	for k, t := range s.last {
		if s.newest.Sub(t) >= s.window {
			delete(s.last, k)
			n++
		}
	}
	return n
}

// Len is the number of locally remembered keys.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}

// RedisKey is the shared suppression key for a dedup key.
func RedisKey(dedupKey string) string {
	sum := sha256.Sum256([]byte(dedupKey))
	return suppressPrefix + hex.EncodeToString(sum[:])
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
