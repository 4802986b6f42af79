// Package window holds the sliding-window primitives used by stateful
// detectors. Every timestamp is a monotonic offset (models.Flow.Mono); wall
// clock time never enters window arithmetic.
package window

import (
	"math"
	"time"
)

// DefaultCells is the number of time cells one Counter spreads its window
// over.
const DefaultCells = 4096

// cell aggregates the events of one slice of the window. last is the time
// of its newest event, so a cell leaves the window only once all of its
// events have.
type cell struct {
	idx  int64
	last time.Duration
	n    int64
	sum  int64
}

// Counter keeps a count and a total of the values added inside a sliding
// window. Events are aggregated into at most max cells of width w/max, so
// memory is bounded while in-window totals stay exact; expiry is accurate
// to one cell width.
type Counter struct {
	cells []cell
	n     int64
	sum   int64
	max   int
}

// NewCounter returns a Counter spreading its window over at most max cells
// (0 = default).
func NewCounter(max int) *Counter {
	if max <= 0 {
		max = DefaultCells
	}
	return &Counter{max: max}
}

// Add records v at now and drops events older than w.
func (c *Counter) Add(now, w time.Duration, v int64) {
	c.Prune(now, w)
	if c.max == 0 {
		c.max = DefaultCells
	}
	width := w / time.Duration(c.max)
	if width <= 0 {
		width = 1
	}
	idx := int64(now / width)
	if k := len(c.cells); k > 0 && (c.cells[k-1].idx >= idx || k >= c.max) {
		last := &c.cells[k-1]
		if now > last.last {
			last.last = now
		}
		last.n++
		last.sum += v
	} else {
		c.cells = append(c.cells, cell{idx: idx, last: now, n: 1, sum: v})
	}
	c.n++
	c.sum += v
}

// Prune drops events at or before now-w.
func (c *Counter) Prune(now, w time.Duration) {
	cut := now - w
	i := 0
	for i < len(c.cells) && c.cells[i].last <= cut {
		c.n -= c.cells[i].n
		c.sum -= c.cells[i].sum
		i++
	}
	if i > 0 {
		c.cells = append(c.cells[:0], c.cells[i:]...)
	}
}

// Count is the number of events in the window.
func (c *Counter) Count() int { return int(c.n) }

// Sum is the total of the values in the window.
func (c *Counter) Sum() int64 { return c.sum }

// Cells is the number of cells currently held.
func (c *Counter) Cells() int { return len(c.cells) }

// Reset clears the counter.
func (c *Counter) Reset() {
	c.cells = c.cells[:0]
	c.n = 0
	c.sum = 0
}

// DefaultMaxDistinct caps the members tracked by one Distinct set.
const DefaultMaxDistinct = 4096

// Distinct tracks distinct members seen within a sliding window.
type Distinct[K comparable] struct {
	seen   map[K]time.Duration
	max    int
	oldest time.Duration
}

// NewDistinct returns a set tracking at most max members (0 = default).
// Once full, new members are ignored until old ones age out.
func NewDistinct[K comparable](max int) *Distinct[K] {
	if max <= 0 {
		max = DefaultMaxDistinct
	}
	return &Distinct[K]{seen: make(map[K]time.Duration), max: max}
}

// Add records k at now after dropping members older than w and returns the
// number of distinct members in the window.
func (d *Distinct[K]) Add(now, w time.Duration, k K) int {
	d.Prune(now, w)
	if _, ok := d.seen[k]; ok || len(d.seen) < d.max {
		if len(d.seen) == 0 {
			d.oldest = now
		}
		d.seen[k] = now
	}
	return len(d.seen)
}

// Prune drops members last seen at or before now-w. The scan is skipped
// while the oldest member is still inside the window.
func (d *Distinct[K]) Prune(now, w time.Duration) {
	cut := now - w
	if len(d.seen) == 0 || d.oldest > cut {
		return
	}
	oldest := now
	for k, at := range d.seen {
		if at <= cut {
			delete(d.seen, k)
			continue
		}
		if at < oldest {
			oldest = at
		}
	}
	d.oldest = oldest
}

// Len is the number of tracked members.
func (d *Distinct[K]) Len() int { return len(d.seen) }

// Has reports whether k is tracked.
func (d *Distinct[K]) Has(k K) bool {
	_, ok := d.seen[k]
	return ok
}

// Reset clears the set.
func (d *Distinct[K]) Reset() {
	clear(d.seen)
}

// Buckets counts events in fixed-width buckets, keeping only the current one.
type Buckets struct {
	width time.Duration
	idx   int64
	count int
	fired bool
	init  bool
}

// NewBuckets returns a counter with the given bucket width.
func NewBuckets(width time.Duration) *Buckets {
	if width <= 0 {
		width = time.Second
	}
	return &Buckets{width: width}
}

// Add counts one event at now and returns the count of its bucket.
func (b *Buckets) Add(now time.Duration) int {
	return b.AddN(now, 1)
}

// AddN counts n events at now and returns the count of its bucket.
func (b *Buckets) AddN(now time.Duration, n int) int {
	idx := int64(now / b.width)
	if !b.init || idx != b.idx {
		b.idx, b.count, b.fired, b.init = idx, 0, false, true
	}
	b.count += n
	return b.count
}

// Fire reports true once per bucket, the first time it is called for the
// current bucket.
func (b *Buckets) Fire() bool {
	if b.fired {
		return false
	}
	b.fired = true
	return true
}

// Index is the current bucket number.
func (b *Buckets) Index() int64 { return b.idx }

// Cooldown suppresses re-alerting on one key until a deadline passes.
type Cooldown struct {
	until time.Duration
	armed bool
}

// Ready reports whether the cooldown has elapsed at now.
func (c *Cooldown) Ready(now time.Duration) bool {
	return !c.armed || now >= c.until
}

// Arm starts a cooldown of d from now.
func (c *Cooldown) Arm(now, d time.Duration) {
	c.until = now + d
	c.armed = true
}

// Intervals tracks the gaps between consecutive events.
type Intervals struct {
	last  time.Duration
	seen  bool
	gaps  []float64
	limit int
}

// NewIntervals keeps at most limit recent gaps.
func NewIntervals(limit int) *Intervals {
	if limit <= 1 {
		limit = 64
	}
	return &Intervals{limit: limit}
}

// Add records an event at now. Events closer than min to the previous one
// are treated as the same connection and ignored.
func (iv *Intervals) Add(now, min time.Duration) {
	if iv.seen {
		gap := now - iv.last
		if gap < min {
			return
		}
		if len(iv.gaps) >= iv.limit {
			iv.gaps = append(iv.gaps[:0], iv.gaps[1:]...)
		}
		iv.gaps = append(iv.gaps, gap.Seconds())
	}
	iv.last = now
	iv.seen = true
}

// Len is the number of recorded gaps.
func (iv *Intervals) Len() int { return len(iv.gaps) }

// Last is the time of the last event.
func (iv *Intervals) Last() time.Duration { return iv.last }

// Stats returns the mean gap in seconds and its coefficient of variation.
func (iv *Intervals) Stats() (mean, cv float64) {
	n := float64(len(iv.gaps))
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, g := range iv.gaps {
		sum += g
	}
	mean = sum / n
	if mean == 0 {
		return 0, 0
	}
	var sq float64
	for _, g := range iv.gaps {
		d := g - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq/n) / mean
}

// Reset clears recorded gaps.
func (iv *Intervals) Reset() {
	iv.gaps = iv.gaps[:0]
	iv.seen = false
}
