package window

import "time"

// DefaultMaxKeys caps the keys held by one Table.
const DefaultMaxKeys = 100000

type entry[S any] struct {
	state    *S
	lastSeen time.Duration
}

// Table is lazily created per-key state owned by a single detector instance.
// It is not safe for concurrent use.
type Table[K comparable, S any] struct {
	entries map[K]*entry[S]
	newFn   func() *S
	max     int
	dropped uint64
}

// NewTable returns a table creating state with newFn, bounded at max keys
// (0 = default).
func NewTable[K comparable, S any](max int, newFn func() *S) *Table[K, S] {
	if max <= 0 {
		max = DefaultMaxKeys
	}
	return &Table[K, S]{entries: make(map[K]*entry[S]), newFn: newFn, max: max}
}

// Get returns the state for k, creating it on first observation. It returns
// nil when the table is full and k is new.
func (t *Table[K, S]) Get(k K, now time.Duration) *S {
	if e, ok := t.entries[k]; ok {
		e.lastSeen = now
		return e.state
	}
	if len(t.entries) >= t.max {
		t.dropped++
		return nil
	}
	e := &entry[S]{state: t.newFn(), lastSeen: now}
	t.entries[k] = e
	return e.state
}

// Peek returns the state for k without creating or touching it.
func (t *Table[K, S]) Peek(k K) *S {
	if e, ok := t.entries[k]; ok {
		return e.state
	}
	return nil
}

// Evict removes keys idle for longer than idle, examining at most batch
// entries. It returns the number removed.
func (t *Table[K, S]) Evict(now, idle time.Duration, batch int) int {
	if batch <= 0 {
		batch = len(t.entries)
	}
	removed, examined := 0, 0
	for k, e := range t.entries {
		if examined >= batch {
			break
		}
		examined++
		if now-e.lastSeen > idle {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (t *Table[K, S]) Len() int { return len(t.entries) }

// Dropped counts keys refused because the table was full.
func (t *Table[K, S]) Dropped() uint64 { return t.dropped }
