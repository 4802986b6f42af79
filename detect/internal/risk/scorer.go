// Package risk keeps a running risk score per network asset, built from
// the alerts the emitter delivers. Recent, severe alerts against
// critical or exposed assets weigh most; scores decay once an asset goes
// quiet.
package risk

import (
	"context"
	"log/slog"
	"math"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Name is the sink name the scorer registers under.
const Name = "risk"

const (
	defaultMaxAssets     = 50000
	defaultHistory       = 1000
	defaultDecayRate     = 0.1
	defaultDecayInterval = time.Hour
	defaultRetention     = 7 * 24 * time.Hour

	scoreHistory = 100
	maxScore     = 100.0
	chainBonus   = 1.3
	attackerRole = 1.5
	defaultType  = 5.0
)

var severityWeight = map[models.Severity]float64{
	models.SeverityInfo:     1,
	models.SeverityLow:      1,
	models.SeverityMedium:   3,
	models.SeverityHigh:     7,
	models.SeverityCritical: 15,
}

var typeWeight = map[models.ThreatType]float64{
	models.ThreatDCSync:               20,
	models.ThreatKerberoasting:        15,
	models.ThreatASREPRoasting:        15,
	models.ThreatC2Communication:      18,
	models.ThreatMaliciousJA3:         15,
	models.ThreatNTDSAccess:           20,
	models.ThreatLSASSDumpAccess:      20,
	models.ThreatRansomware:           25,
	models.ThreatKillChain:            20,
	models.ThreatLateralMovement:      12,
	models.ThreatSMBLateralPattern:    12,
	models.ThreatDataExfiltration:     14,
	models.ThreatBruteForce:           8,
	models.ThreatKerberosBruteforce:   8,
	models.ThreatSMBAdminShare:        10,
	models.ThreatBeacon:               12,
	models.ThreatDNSTunnel:            10,
	models.ThreatPortScan:             5,
	models.ThreatInternalPortScan:     6,
	models.ThreatSMBEnumeration:       6,
	models.ThreatLDAPEnumeration:      6,
	models.ThreatLDAPSensitiveAttr:    8,
	models.ThreatFeedMatch:            10,
	models.ThreatBlacklistedIP:        8,
	models.ThreatConnectionFlood:      4,
	models.ThreatUnusualPacketSize:    2,
	models.ThreatMaliciousFileHash:    15,
	models.ThreatContainerEscape:      15,
	models.ThreatWebshellUpload:       15,
	models.ThreatCommandInjection:     12,
	models.ThreatLDAPAdminEnumeration: 6,
}

// Level buckets a score.
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelHigh     Level = "HIGH"
	LevelMedium   Level = "MEDIUM"
	LevelLow      Level = "LOW"
	LevelMinimal  Level = "MINIMAL"
)

// LevelOf returns the level for score.
func LevelOf(score float64) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 40:
		return LevelMedium
	case score >= 20:
		return LevelLow
	default:
		return LevelMinimal
	}
}

// Trend compares an asset's recent scores with its older ones.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Profile is the read-only view of one asset.
type Profile struct {
	Address     string         `json:"ip_address"`
	Category    Category       `json:"category"`
	Exposure    Exposure       `json:"exposure"`
	Score       float64        `json:"current_risk_score"`
	MaxScore    float64        `json:"max_risk_score"`
	Trend       Trend          `json:"risk_trend"`
	Level       Level          `json:"risk_level"`
	TotalAlerts int            `json:"total_alerts"`
	Alerts24h   int            `json:"alerts_24h"`
	Alerts7d    int            `json:"alerts_7d"`
	AlertTypes  map[string]int `json:"alert_types"`
	Attacker    bool           `json:"is_attacker"`
	Victim      bool           `json:"is_victim"`
	Chains      int            `json:"attack_chain_count"`
	LastAlert   time.Time      `json:"last_alert"`
}

// Summary is the distribution of scores across all tracked assets.
type Summary struct {
	TotalAssets  int           `json:"total_assets"`
	Distribution map[Level]int `json:"risk_distribution"`
	Attackers    int           `json:"attackers"`
	Victims      int           `json:"victims"`
	Increasing   int           `json:"increasing_risk"`
	AverageScore float64       `json:"avg_risk_score"`
}

type record struct {
	at     time.Time
	threat models.ThreatType
	sev    models.Severity
	source bool
}

type asset struct {
	addr     netip.Addr
	category Category
	exposure Exposure

	records []record
	scores  []float64
	types   map[string]int
	total   int

	// base is the score computed at the last alert; current is base
	// after decay.
	base    float64
	current float64
	max     float64
	trend   Trend

	attacker bool
	victim   bool
	chains   int
	last     time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithDecay sets the fraction of the score lost per interval of quiet.
func WithDecay(rate float64, interval time.Duration) Option {
	return func(s *Scorer) {
		if rate >= 0 {
			s.decayRate = rate
		}
		if interval > 0 {
			s.decayInterval = interval
		}
	}
}

// WithMaxAssets bounds the number of tracked assets.
func WithMaxAssets(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.maxAssets = n
		}
	}
}

// WithHistory bounds the alerts kept per asset.
func WithHistory(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.history = n
		}
	}
}

// WithRetention drops fully decayed assets quiet for longer than d.
func WithRetention(d time.Duration) Option {
	return func(s *Scorer) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scorer) { s.logger = l }
}

// Scorer tracks asset risk. It is a sink: the emitter hands it every
// delivered batch. Safe for concurrent use.
type Scorer struct {
	inv           Classifier
	decayRate     float64
	decayInterval time.Duration
	maxAssets     int
	history       int
	retention     time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu     sync.RWMutex
	assets map[netip.Addr]*asset
}

// New returns a scorer classifying assets with inv. Without one, public
// addresses count as internet facing and every category is unknown.
func New(inv Classifier, opts ...Option) *Scorer {
	s := &Scorer{
		inv:           inv,
		decayRate:     defaultDecayRate,
		decayInterval: defaultDecayInterval,
		maxAssets:     defaultMaxAssets,
		history:       defaultHistory,
		retention:     defaultRetention,
		now:           time.Now,
		logger:        slog.Default(),
		assets:        make(map[netip.Addr]*asset),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) Name() string { return Name }

// Send records every security alert in alerts. It never fails.
func (s *Scorer) Send(_ context.Context, alerts []*models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range alerts {
		s.observe(a)
	}
	return nil
}

func (s *Scorer) Close() error { return nil }

func (s *Scorer) observe(a *models.Alert) {
	if a == nil || a.Category != models.CategorySecurity {
		return
	}
	now := s.now()
	src, srcErr := netip.ParseAddr(a.Source)
	dst, dstErr := netip.ParseAddr(a.Destination)

	if a.ThreatType == models.ThreatKillChain {
		actor := src
		if addr, err := netip.ParseAddr(a.Actor); err == nil {
			actor = addr
		}
		if as := s.asset(actor); as != nil {
			as.chains++
		}
	}

	rec := record{at: now, threat: a.ThreatType, sev: a.Severity}
	if srcErr == nil {
		rec.source = true
		s.update(src, rec)
	}
	if dstErr == nil && dst != src {
		rec.source = false
		s.update(dst, rec)
	}
}

// asset returns the profile for addr, creating it when there is room.
func (s *Scorer) asset(addr netip.Addr) *asset {
	if !addr.IsValid() {
		return nil
	}
	addr = addr.Unmap()
	if as, ok := s.assets[addr]; ok {
		return as
	}
	if len(s.assets) >= s.maxAssets && !s.evictLowest() {
		metrics.QueueDropped.WithLabelValues("risk").Inc()
		return nil
	}
	as := &asset{addr: addr, types: make(map[string]int), trend: TrendStable}
	if s.inv != nil {
		as.category, as.exposure = s.inv.Classify(addr)
	} else if !addr.IsPrivate() && addr.IsGlobalUnicast() {
		as.exposure = ExposureInternet
	}
	s.assets[addr] = as
	return as
}

// evictLowest frees a slot by dropping the lowest scored asset.
func (s *Scorer) evictLowest() bool {
	var victim *asset
	for _, as := range s.assets {
		if victim == nil || as.current < victim.current ||
			(as.current == victim.current && as.last.Before(victim.last)) {
			victim = as
		}
	}
	if victim == nil {
		return false
	}
	delete(s.assets, victim.addr)
	return true
}

func (s *Scorer) update(addr netip.Addr, rec record) {
	as := s.asset(addr)
	if as == nil {
		return
	}
	if len(as.records) >= s.history {
		n := copy(as.records, as.records[1:])
		as.records = as.records[:n]
	}
	as.records = append(as.records, rec)
	as.total++
	as.types[rec.threat.String()]++
	as.last = rec.at
	if rec.source {
		as.attacker = true
	} else {
		as.victim = true
	}

	as.base = s.score(as, rec.at)
	as.current = as.base
	if as.current > as.max {
		as.max = as.current
	}
	s.trend(as)
}

func (s *Scorer) score(as *asset, now time.Time) float64 {
	var score float64
	for _, r := range as.records {
		w, ok := typeWeight[r.threat]
		if !ok {
			w = defaultType
		}
		w *= severityWeight[r.sev] * timeWeight(now.Sub(r.at))
		if r.source {
			w *= attackerRole
		}
		score += w
	}
	score *= as.category.multiplier() * as.exposure.multiplier()
	if as.chains > 0 {
		score *= chainBonus
	}
	return math.Min(score, maxScore)
}

func timeWeight(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 1
	case age < 6*time.Hour:
		return 0.9
	case age < 24*time.Hour:
		return 0.7
	case age < 72*time.Hour:
		return 0.5
	case age < 168*time.Hour:
		return 0.3
	default:
		return 0.1
	}
}

func (s *Scorer) trend(as *asset) {
	if len(as.scores) >= scoreHistory {
		n := copy(as.scores, as.scores[1:])
		as.scores = as.scores[:n]
	}
	as.scores = append(as.scores, as.current)
	if len(as.scores) <= 5 {
		as.trend = TrendStable
		return
	}
	split := len(as.scores) - 5
	recent, older := mean(as.scores[split:]), mean(as.scores[:split])
	switch {
	case recent > older*1.2:
		as.trend = TrendIncreasing
	case recent < older*0.8:
		as.trend = TrendDecreasing
	default:
		as.trend = TrendStable
	}
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

// Decay lowers the score of every asset quiet for more than one decay
// interval, drops fully decayed assets past retention, and refreshes the
// per-level gauge. The decayed score is derived from the score at the
// last alert, so repeated calls do not compound.
func (s *Scorer) Decay() {
	now := s.now()
	levels := map[Level]int{}

	s.mu.Lock()
	dropped := 0
	for addr, as := range s.assets {
		quiet := now.Sub(as.last)
		if quiet > s.decayInterval {
			f := 1 - s.decayRate*(float64(quiet)/float64(s.decayInterval))
			as.current = as.base * math.Max(0, math.Min(1, f))
		}
		if as.current == 0 && quiet > s.retention {
			delete(s.assets, addr)
			dropped++
			continue
		}
		levels[LevelOf(as.current)]++
	}
	s.mu.Unlock()

	for _, l := range []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow, LevelMinimal} {
		metrics.RiskAssets.WithLabelValues(string(l)).Set(float64(levels[l]))
	}
	if dropped > 0 {
		s.logger.Debug("risk profiles expired", slog.Int("count", dropped))
	}
}

// Profile returns the profile for addr.
func (s *Scorer) Profile(addr netip.Addr) (Profile, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	as, ok := s.assets[addr.Unmap()]
	if !ok {
		return Profile{}, false
	}
	return as.profile(now), true
}

// Top returns the n highest scored assets.
func (s *Scorer) Top(n int) []Profile {
	out := s.sorted(0)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// HighRisk returns every asset scoring at least floor, highest first.
func (s *Scorer) HighRisk(floor float64) []Profile {
	return s.sorted(floor)
}

func (s *Scorer) sorted(floor float64) []Profile {
	now := s.now()
	s.mu.RLock()
	out := make([]Profile, 0, len(s.assets))
	for _, as := range s.assets {
		if as.current >= floor {
			out = append(out, as.profile(now))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Summary returns the score distribution.
func (s *Scorer) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{
		TotalAssets: len(s.assets),
		Distribution: map[Level]int{
			LevelCritical: 0, LevelHigh: 0, LevelMedium: 0, LevelLow: 0, LevelMinimal: 0,
		},
	}
	var total float64
	for _, as := range s.assets {
		sum.Distribution[LevelOf(as.current)]++
		if as.attacker {
			sum.Attackers++
		}
		if as.victim {
			sum.Victims++
		}
		if as.trend == TrendIncreasing {
			sum.Increasing++
		}
		total += as.current
	}
	if len(s.assets) > 0 {
		sum.AverageScore = round(total / float64(len(s.assets)))
	}
	return sum
}

func (as *asset) profile(now time.Time) Profile {
	p := Profile{
		Address:     as.addr.String(),
		Category:    as.category,
		Exposure:    as.exposure,
		Score:       round(as.current),
		MaxScore:    round(as.max),
		Trend:       as.trend,
		Level:       LevelOf(as.current),
		TotalAlerts: as.total,
		AlertTypes:  make(map[string]int, len(as.types)),
		Attacker:    as.attacker,
		Victim:      as.victim,
		Chains:      as.chains,
		LastAlert:   as.last,
	}
	for k, v := range as.types {
		p.AlertTypes[k] = v
	}
	for _, r := range as.records {
		age := now.Sub(r.at)
		if age < 24*time.Hour {
			p.Alerts24h++
		}
		if age < 7*24*time.Hour {
			p.Alerts7d++
		}
	}
	return p
}

func round(v float64) float64 { return math.Round(v*10) / 10 }
