// Package reputation looks up public addresses in AbuseIPDB and attaches
// the result to alerts as evidence.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/geo"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/metrics"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

var (
	ErrNotPublic      = errors.New("address is not publicly routable")
	ErrRateLimited    = errors.New("abuseipdb rate limited")
	ErrQuotaExhausted = errors.New("abuseipdb daily quota exhausted")
)

const (
	defaultURL        = "https://api.abuseipdb.com/api/v2/check"
	defaultMaxAge     = 90
	defaultDailyLimit = 1000
	defaultCacheTTL   = time.Hour
	defaultTimeout    = 10 * time.Second
	defaultRetryAfter = time.Hour
	localCacheSize    = 16384

	cachePrefix = "ndr:abuseipdb:"
	quotaPrefix = "ndr:abuseipdb:quota:"
)

// Report is the reputation of one address.
type Report struct {
	Address        string     `json:"ip_address"`
	Score          int        `json:"abuse_confidence_score"`
	TotalReports   int        `json:"total_reports"`
	DistinctUsers  int        `json:"num_distinct_users"`
	Country        string     `json:"country_code,omitempty"`
	UsageType      string     `json:"usage_type,omitempty"`
	ISP            string     `json:"isp,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	Whitelisted    bool       `json:"is_whitelisted"`
	LastReportedAt *time.Time `json:"last_reported_at,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
}

type checkResponse struct {
	Data struct {
		IPAddress            string     `json:"ipAddress"`
		IsWhitelisted        *bool      `json:"isWhitelisted"`
		AbuseConfidenceScore int        `json:"abuseConfidenceScore"`
		CountryCode          string     `json:"countryCode"`
		UsageType            string     `json:"usageType"`
		ISP                  string     `json:"isp"`
		Domain               string     `json:"domain"`
		TotalReports         int        `json:"totalReports"`
		NumDistinctUsers     int        `json:"numDistinctUsers"`
		LastReportedAt       *time.Time `json:"lastReportedAt"`
	} `json:"data"`
}

type cached struct {
	report  *Report
	expires time.Time
}

// Client calls the AbuseIPDB check endpoint. Reports are cached in
// process and, with Redis, across engine instances; the daily quota is
// shared the same way.
type Client struct {
	cfg   config.AbuseIPDBConfig
	http  *http.Client
	redis *redis.Client
	now   func() time.Time

	mu           sync.Mutex
	cache        map[netip.Addr]cached
	day          string
	used         int
	blockedUntil time.Time
}

// NewClient validates cfg. client and rdb may be nil.
func NewClient(cfg config.AbuseIPDBConfig, client *http.Client, rdb *redis.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &models.ConfigError{Key: "reputation.abuseipdb.api_key", Reason: "required when reputation.abuseipdb.enabled is set"}
	}
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, &models.ConfigError{Key: "reputation.abuseipdb.url", Value: cfg.URL, Reason: err.Error()}
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultMaxAge
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = defaultDailyLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:   cfg,
		http:  client,
		redis: rdb,
		now:   time.Now,
		cache: make(map[netip.Addr]cached),
	}, nil
}

// Cached returns the in-process report for addr without any I/O.
func (c *Client) Cached(addr netip.Addr) (*Report, bool) {
	addr = addr.Unmap()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[addr]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.cache, addr)
		return nil, false
	}
	return e.report, true
}

// Check returns the reputation of addr, from cache when possible.
func (c *Client) Check(ctx context.Context, addr netip.Addr) (*Report, error) {
	addr = addr.Unmap()
	if !geo.Public(addr) {
		return nil, ErrNotPublic
	}
	if r, ok := c.Cached(addr); ok {
		metrics.ReputationLookups.WithLabelValues("cache").Inc()
		return r, nil
	}
	if r := c.shared(ctx, addr); r != nil {
		c.store(addr, r)
		metrics.ReputationLookups.WithLabelValues("cache").Inc()
		return r, nil
	}
	if err := c.take(ctx); err != nil {
		metrics.ReputationLookups.WithLabelValues("limited").Inc()
		return nil, err
	}

	r, err := c.fetch(ctx, addr)
	if err != nil {
		metrics.ReputationLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ReputationLookups.WithLabelValues("ok").Inc()
	c.store(addr, r)
	c.share(ctx, addr, r)
	return r, nil
}

func (c *Client) fetch(ctx context.Context, addr netip.Addr) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("ipAddress", addr.String())
	q.Set("maxAgeInDays", strconv.Itoa(c.cfg.MaxAgeDays))
	q.Set("verbose", "")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "telhawk-ndr/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("abuseipdb check %s: %w", addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		wait := defaultRetryAfter
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			wait = time.Duration(s) * time.Second
		}
		c.mu.Lock()
		c.blockedUntil = c.now().Add(wait)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w for %s", ErrRateLimited, wait)
	default:
		return nil, fmt.Errorf("abuseipdb check %s returned %d", addr, resp.StatusCode)
	}

	var body checkResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode abuseipdb response: %w", err)
	}
	d := body.Data
	r := &Report{
		Address:        addr.String(),
		Score:          d.AbuseConfidenceScore,
		TotalReports:   d.TotalReports,
		DistinctUsers:  d.NumDistinctUsers,
		Country:        d.CountryCode,
		UsageType:      d.UsageType,
		ISP:            d.ISP,
		Domain:         d.Domain,
		Whitelisted:    d.IsWhitelisted != nil && *d.IsWhitelisted,
		LastReportedAt: d.LastReportedAt,
		CheckedAt:      c.now().UTC(),
	}
	return r, nil
}

// take consumes one lookup from the daily quota. With Redis the count is
// shared by every engine using the same key.
func (c *Client) take(ctx context.Context) error {
	now := c.now()
	day := now.UTC().Format(time.DateOnly)

	c.mu.Lock()
	if now.Before(c.blockedUntil) {
		c.mu.Unlock()
		return ErrRateLimited
	}
	if c.redis == nil {
		defer c.mu.Unlock()
		if c.day != day {
			c.day, c.used = day, 0
		}
		if c.used >= c.cfg.DailyLimit {
			return ErrQuotaExhausted
		}
		c.used++
		return nil
	}
	c.mu.Unlock()

	key := quotaPrefix + day
	pipe := c.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("abuseipdb quota: %w", err)
	}
	if incr.Val() > int64(c.cfg.DailyLimit) {
		return ErrQuotaExhausted
	}
	return nil
}

// Usage returns lookups spent today and the daily limit.
func (c *Client) Usage(ctx context.Context) (int, int) {
	day := c.now().UTC().Format(time.DateOnly)
	if c.redis != nil {
		n, err := c.redis.Get(ctx, quotaPrefix+day).Int()
		if err == nil {
			return n, c.cfg.DailyLimit
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.day != day {
		return 0, c.cfg.DailyLimit
	}
	return c.used, c.cfg.DailyLimit
}

func (c *Client) store(addr netip.Addr, r *Report) {
	c.mu.Lock()
	if len(c.cache) >= localCacheSize {
		clear(c.cache)
	}
	c.cache[addr] = cached{report: r, expires: c.now().Add(c.cfg.CacheTTL)}
	c.mu.Unlock()
}

func (c *Client) shared(ctx context.Context, addr netip.Addr) *Report {
	if c.redis == nil {
		return nil
	}
	b, err := c.redis.Get(ctx, cachePrefix+addr.String()).Bytes()
	if err != nil {
		return nil
	}
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil
	}
	return &r
}

func (c *Client) share(ctx context.Context, addr netip.Addr, r *Report) {
	if c.redis == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	c.redis.Set(ctx, cachePrefix+addr.String(), b, c.cfg.CacheTTL)
}
