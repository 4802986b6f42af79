package detector

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

// Keyed is per-key detector state created on first use. The backing table
// is sized from engine.max_keys of the snapshot seen on first use.
type Keyed[K comparable, S any] struct {
	t     *window.Table[K, S]
	newFn func() *S
}

// NewKeyed returns an empty Keyed creating state with newFn.
func NewKeyed[K comparable, S any](newFn func() *S) Keyed[K, S] {
	return Keyed[K, S]{newFn: newFn}
}

// Get returns the state for k, or nil when the table is full.
func (s *Keyed[K, S]) Get(c *Context, k K, now time.Duration) *S {
	if s.t == nil {
		s.t = window.NewTable[K, S](c.MaxKeys(), s.newFn)
	}
	return s.t.Get(k, now)
}

// Evict drops keys idle for longer than idle.
func (s *Keyed[K, S]) Evict(now, idle time.Duration, batch int) int {
	if s.t == nil {
		return 0
	}
	return s.t.Evict(now, idle, batch)
}

// Len is the number of tracked keys.
func (s *Keyed[K, S]) Len() int {
	if s.t == nil {
		return 0
	}
	return s.t.Len()
}

// NewCooldown returns an unarmed cooldown, for state that is nothing more.
func NewCooldown() *window.Cooldown { return &window.Cooldown{} }

// Ports caches the parsed form of a port list parameter and re-parses it
// only when the list changes.
type Ports struct {
	raw []string
	set map[uint16]bool
}

// Get returns list as a set. Entries that are not port numbers are skipped.
func (p *Ports) Get(list []string) map[uint16]bool {
	if p.set == nil || !slices.Equal(p.raw, list) {
		p.raw = list
		p.set = make(map[uint16]bool, len(list))
		for _, s := range list {
			if n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16); err == nil {
				p.set[uint16(n)] = true
			}
		}
	}
	return p.set
}
