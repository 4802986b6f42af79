// Package correlator recognizes multi-stage attacks in the alert stream.
//
// Alerts are grouped by actor. For every (actor, chain) pair the correlator
// keeps a candidate holding, for each prefix length, the matching stage
// sequence with the latest start. A repeated first stage therefore restarts
// the shortest prefix without losing longer ones, and a sequence that fits
// the window is found even when older partial matches expire around it.
// Alerts that do not satisfy a stage are ignored, so unrelated activity never
// breaks a match. A prefix that reaches the chain's alert_at stage count is
// promoted to one KILL_CHAIN_DETECTED alert and the candidate is cleared;
// prefixes whose window elapses are dropped silently.
package correlator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Key is the detector name carried by composite alerts.
const Key = "correlator"

const (
	defaultWindow        = 5 * time.Minute
	defaultShards        = 16
	defaultMaxCandidates = 50000
)

// Option configures a Correlator.
type Option func(*Correlator)

// WithWindow sets the window of chains that do not define their own.
func WithWindow(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithShards sets the number of actor shards.
func WithShards(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.nshards = n
		}
	}
}

// WithMaxCandidates bounds the number of open candidates.
func WithMaxCandidates(n int) Option {
	return func(c *Correlator) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithClock replaces the wall clock used for idle eviction.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) { c.logger = l }
}

// component is what a candidate remembers of a contributing alert.
type component struct {
	id       string
	threat   models.ThreatType
	severity models.Severity
	mitre    []string
	at       time.Time
	dest     string
	sensor   string
	mono     time.Duration
}

// candidate holds, at index k, the k+1 stage prefix with the latest start.
type candidate struct {
	prefixes [][]component
	touched  time.Time
}

// prune drops prefixes older than w relative to now and reports whether
// any remain.
func (c *candidate) prune(now time.Time, w time.Duration) bool {
	live := false
	for k, p := range c.prefixes {
		if p == nil {
			continue
		}
		if now.Sub(p[0].at) > w {
			c.prefixes[k] = nil
			continue
		}
		live = true
	}
	return live
}

type candKey struct {
	actor string
	chain int
}

type shard struct {
	mu     sync.Mutex
	cands  map[candKey]*candidate
	newest time.Time
}

// Correlator is safe for concurrent use. Each actor maps to one shard and
// only that shard's lock is taken while the actor's alert is matched.
type Correlator struct {
	chains  []Chain
	window  time.Duration
	nshards int
	max     int
	now     func() time.Time
	logger  *slog.Logger

	shards []*shard
	open   atomic.Int64
}

// New builds a correlator over chains.
func New(chains []Chain, opts ...Option) *Correlator {
	c := &Correlator{
		chains:  chains,
		window:  defaultWindow,
		nshards: defaultShards,
		max:     defaultMaxCandidates,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.shards = make([]*shard, c.nshards)
	for i := range c.shards {
		c.shards[i] = &shard{cands: make(map[candKey]*candidate)}
	}
	return c
}

// Chains returns the chain definitions in use.
func (c *Correlator) Chains() []Chain { return c.chains }

// Len is the number of open candidates.
func (c *Correlator) Len() int { return int(c.open.Load()) }

func (c *Correlator) windowOf(ch *Chain) time.Duration {
	if ch.Window > 0 {
		return ch.Window
	}
	return c.window
}

func (c *Correlator) shardOf(actor string) *shard {
	return c.shards[murmur3.Sum32([]byte(actor))%uint32(len(c.shards))]
}

// Observe feeds one alert and returns the composite alerts it completes.
// The input alert is only read.
func (c *Correlator) Observe(a *models.Alert) []*models.Alert {
	if a == nil || a.Category != models.CategorySecurity || a.ThreatType == models.ThreatKillChain {
		return nil
	}
	actor := a.Actor
	if actor == "" {
		actor = a.Source
	}
	if actor == "" {
		return nil
	}

	s := c.shardOf(actor)
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Timestamp.After(s.newest) {
		s.newest = a.Timestamp
	}
	wall := c.now()

	var out []*models.Alert
	for i := range c.chains {
		ch := &c.chains[i]
		key := candKey{actor, i}
		w := c.windowOf(ch)
		cand := s.cands[key]
		if cand != nil && !cand.prune(a.Timestamp, w) {
			c.drop(s, key)
			cand = nil
		}

		// Later stages first so one alert never fills two stages of
		// the same sequence.
		advanced := false
		for j := len(ch.Stages) - 1; j >= 0; j-- {
			if !ch.Stages[j].Matches(a.ThreatType) {
				continue
			}
			var next []component
			if j == 0 {
				next = []component{componentOf(a)}
			} else {
				if cand == nil || cand.prefixes[j-1] == nil {
					continue
				}
				next = make([]component, 0, j+1)
				next = append(next, cand.prefixes[j-1]...)
				next = append(next, componentOf(a))
			}
			if cand == nil {
				if int(c.open.Load()) >= c.max {
					metrics.AlertsSuppressed.WithLabelValues("correlator_full").Inc()
					break
				}
				cand = &candidate{prefixes: make([][]component, len(ch.Stages))}
				s.cands[key] = cand
				c.open.Add(1)
			}
			if cur := cand.prefixes[j]; cur == nil || !next[0].at.Before(cur[0].at) {
				cand.prefixes[j] = next
				advanced = true
			}
		}
		if !advanced {
			continue
		}
		cand.touched = wall

		done := cand.prefixes[ch.AlertAt-1]
		if done == nil {
			continue
		}
		out = append(out, c.composite(ch, actor, done))
		metrics.CorrelatorChains.WithLabelValues(ch.Name).Inc()
		c.drop(s, key)
	}
	metrics.CorrelatorCandidates.Set(float64(c.open.Load()))
	return out
}

func (c *Correlator) drop(s *shard, key candKey) {
	if _, ok := s.cands[key]; ok {
		delete(s.cands, key)
		c.open.Add(-1)
	}
}

func componentOf(a *models.Alert) component {
	return component{
		id:       a.ID,
		threat:   a.ThreatType,
		severity: a.Severity,
		mitre:    append([]string(nil), a.MitreTechniques...),
		at:       a.Timestamp,
		dest:     a.Destination,
		sensor:   a.SensorID,
		mono:     a.Mono,
	}
}

func (c *Correlator) composite(ch *Chain, actor string, parts []component) *models.Alert {
	maxSev := models.SeverityInfo
	ids := make([]string, 0, len(parts))
	stages := make([]string, 0, len(parts))
	threats := make([]string, 0, len(parts))
	var mitre []string
	seen := make(map[string]bool)
	for i, p := range parts {
		if p.severity > maxSev {
			maxSev = p.severity
		}
		ids = append(ids, p.id)
		stages = append(stages, ch.Stages[i].Name)
		threats = append(threats, p.threat.String())
		for _, m := range p.mitre {
			if !seen[m] {
				seen[m] = true
				mitre = append(mitre, m)
			}
		}
	}
	last := parts[len(parts)-1]

	a := models.NewAlert(models.ThreatKillChain, Key,
		fmt.Sprintf("%s progressed through %d stages of %s: %s", actor, len(parts), ch.Name, strings.Join(stages, " > ")))
	a.Severity = maxSev.Escalate()
	a.MitreTechniques = mitre
	a.ComponentIDs = ids
	a.Timestamp = last.at
	a.Source = actor
	a.Destination = last.dest
	a.SensorID = last.sensor
	a.Actor = actor
	a.Mono = last.mono
	a.WithEvidence(
		"chain", ch.Name,
		"stages", strings.Join(stages, ","),
		"threat_types", strings.Join(threats, ","),
		"stage_count", fmt.Sprint(len(parts)),
		"chain_length", fmt.Sprint(len(ch.Stages)),
		"first_seen", parts[0].at.UTC().Format(time.RFC3339Nano),
		"last_seen", last.at.UTC().Format(time.RFC3339Nano),
		"duration", last.at.Sub(parts[0].at).String(),
	)
	if ch.Description != "" {
		a.WithEvidence("chain_description", ch.Description)
	}

	c.logger.Info("attack chain detected",
		slog.String("chain", ch.Name),
		logging.Source(actor),
		slog.Int("stages", len(parts)),
		slog.String("severity", a.Severity.String()))
	return a
}

// Evict drops expired candidates, examining at most batch per shard. A
// candidate expires once its window has passed either in alert time, as
// measured by the newest alert of its shard, or in wall time since it last
// advanced. It returns the number dropped.
func (c *Correlator) Evict(batch int) int {
	wall := c.now()
	total := 0
	for _, s := range c.shards {
		total += c.evictShard(s, wall, batch)
	}
	metrics.CorrelatorCandidates.Set(float64(c.open.Load()))
	return total
}

func (c *Correlator) evictShard(s *shard, wall time.Time, batch int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch <= 0 {
		batch = len(s.cands)
	}
	removed, examined := 0, 0
	for key, cand := range s.cands {
		if examined >= batch {
			break
		}
		examined++
		w := c.windowOf(&c.chains[key.chain])
		if wall.Sub(cand.touched) > w || !cand.prune(s.newest, w) {
			c.drop(s, key)
			removed++
		}
	}
	return removed
}
