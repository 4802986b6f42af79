package indicator

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Source produces one feed's worth of indicators.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]models.Indicator, error)
}

// StaticSource serves a fixed list, typically from configuration.
type StaticSource struct {
	name   string
	list   models.ListKind
	values []string
}

// NewStaticSource builds a source from bare values. Each value is
// classified with Classify.
func NewStaticSource(name string, list models.ListKind, values []string) *StaticSource {
	return &StaticSource{name: name, list: list, values: values}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(context.Context) ([]models.Indicator, error) {
	out := make([]models.Indicator, 0, len(s.values))
	for _, v := range s.values {
		kind, val, err := Classify(v)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Indicator{
			Kind:       kind,
			Value:      val,
			Feed:       s.name,
			Confidence: 100,
			List:       s.list,
		})
	}
	return out, nil
}

// ParseFunc turns a feed body into indicators.
type ParseFunc func(r io.Reader, meta FeedMeta) ([]models.Indicator, error)

// FeedMeta carries the per-feed attributes stamped on parsed indicators.
type FeedMeta struct {
	Name       string
	Kind       models.IndicatorKind
	Confidence int
	Expires    time.Time
}

func (m FeedMeta) indicator(kind models.IndicatorKind, value, desc string) models.Indicator {
	return models.Indicator{
		Kind:        kind,
		Value:       value,
		Feed:        m.Name,
		Confidence:  m.Confidence,
		List:        models.ListBlacklist,
		Description: desc,
		Expires:     m.Expires,
	}
}

// Formats maps a feed format name to its parser.
var Formats = map[string]ParseFunc{
	"feodotracker": ParseFeodo,
	"urlhaus":      ParseURLhaus,
	"threatfox":    ParseThreatFox,
	"sslbl":        ParseSSLBL,
	"ja3":          ParseJA3Blacklist,
	"plain":        ParsePlain,
}

// HTTPSource downloads and parses one CSV or plain-text feed.
type HTTPSource struct {
	cfg    config.FeedConfig
	kind   models.IndicatorKind
	parse  ParseFunc
	client *http.Client
}

// NewHTTPSource validates cfg and returns the feed source.
func NewHTTPSource(cfg config.FeedConfig, client *http.Client) (*HTTPSource, error) {
	if cfg.Name == "" {
		return nil, &models.ConfigError{Key: "indicators.feeds.name", Value: cfg.Name, Reason: "required"}
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, &models.ConfigError{Key: "indicators.feeds." + cfg.Name + ".url", Value: cfg.URL, Reason: err.Error()}
	}
	format := cfg.Format
	if format == "" {
		format = "plain"
	}
	parse, ok := Formats[format]
	if !ok {
		return nil, &models.ConfigError{Key: "indicators.feeds." + cfg.Name + ".format", Value: cfg.Format, Reason: "unknown format"}
	}
	kind := models.IndicatorIP
	if cfg.Kind != "" {
		k, err := models.ParseIndicatorKind(cfg.Kind)
		if err != nil {
			return nil, &models.ConfigError{Key: "indicators.feeds." + cfg.Name + ".kind", Value: cfg.Kind, Reason: err.Error()}
		}
		kind = k
	}
	if cfg.Confidence <= 0 {
		cfg.Confidence = 75
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSource{cfg: cfg, kind: kind, parse: parse, client: client}, nil
}

func (s *HTTPSource) Name() string { return s.cfg.Name }

func (s *HTTPSource) Fetch(ctx context.Context) ([]models.Indicator, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "telhawk-ndr/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", models.ErrFeedUnavailable, s.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", models.ErrFeedUnavailable, s.cfg.Name, resp.StatusCode)
	}

	meta := FeedMeta{Name: s.cfg.Name, Kind: s.kind, Confidence: s.cfg.Confidence}
	if s.cfg.TTL > 0 {
		meta.Expires = time.Now().Add(s.cfg.TTL)
	}
	inds, err := s.parse(io.LimitReader(resp.Body, 64<<20), meta)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", models.ErrFeedUnavailable, s.cfg.Name, err)
	}
	return inds, nil
}

// Lister is implemented by persistent indicator repositories.
type Lister interface {
	ListIndicators(ctx context.Context) ([]models.Indicator, error)
}

// RepositorySource reads operator-managed entries from a repository.
type RepositorySource struct {
	name string
	repo Lister
}

// NewRepositorySource wraps repo as a Source.
func NewRepositorySource(name string, repo Lister) *RepositorySource {
	return &RepositorySource{name: name, repo: repo}
}

func (s *RepositorySource) Name() string { return s.name }

func (s *RepositorySource) Fetch(ctx context.Context) ([]models.Indicator, error) {
	inds, err := s.repo.ListIndicators(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrFeedUnavailable, s.name, err)
	}
	return inds, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true
	return cr
}

// eachRecord calls fn for every record that is not a "#" comment.
func eachRecord(r io.Reader, fn func(rec []string)) error {
	cr := newCSVReader(r)
	cr.Comment = '#'
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return err
		}
		fn(rec)
	}
}

// ParseFeodo reads the Feodo Tracker botnet C2 blocklist:
// first_seen_utc,dst_ip,dst_port,c2_status,last_online,malware
func ParseFeodo(r io.Reader, meta FeedMeta) ([]models.Indicator, error) {
	var out []models.Indicator
	err := eachRecord(r, func(rec []string) {
		if len(rec) < 2 {
			return
		}
		ip := strings.TrimSpace(rec[1])
		if _, err := netip.ParseAddr(ip); err != nil {
			return
		}
		desc := "botnet c2"
		if len(rec) > 5 && rec[5] != "" {
			desc = "botnet c2: " + rec[5]
		}
		out = append(out, meta.indicator(models.IndicatorIP, ip, desc))
	})
	return out, err
}

// ParseURLhaus reads the URLhaus recent URL export and lists each URL host.
// id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter
func ParseURLhaus(r io.Reader, meta FeedMeta) ([]models.Indicator, error) {
	var out []models.Indicator
	seen := make(map[string]bool)
	err := eachRecord(r, func(rec []string) {
		if len(rec) < 3 {
			return
		}
		host := hostOf(rec[2])
		if host == "" || seen[host] {
			return
		}
		seen[host] = true
		desc := "malware distribution"
		if len(rec) > 5 && rec[5] != "" {
			desc = rec[5]
		}
		out = append(out, hostIndicator(meta, host, desc))
	})
	return out, err
}

// ParseThreatFox reads the ThreatFox CSV export, whose header is itself a
// comment line.
func ParseThreatFox(r io.Reader, meta FeedMeta) ([]models.Indicator, error) {
	cr := newCSVReader(r)
	var (
		out []models.Indicator
		col map[string]int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, err
		}
		if len(rec) == 0 {
			continue
		}
		if strings.HasPrefix(rec[0], "#") {
			if col == nil && strings.Contains(strings.Join(rec, ","), "ioc_type") {
				col = make(map[string]int, len(rec))
				for i, h := range rec {
					col[strings.Trim(h, "# \"")] = i
				}
			}
			continue
		}
		if col == nil {
			continue
		}
		field := func(name string) string {
			i, ok := col[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.Trim(rec[i], " \"")
		}
		value, typ := field("ioc_value"), strings.ToLower(field("ioc_type"))
		if value == "" {
			continue
		}
		m := meta
		if c, err := strconv.Atoi(field("confidence_level")); err == nil && c > 0 {
			m.Confidence = c
		}
		desc := field("malware_printable")
		switch typ {
		case "ip:port", "ip":
			ip := value
			if h, _, ok := strings.Cut(value, ":"); ok && strings.Count(value, ":") == 1 {
				ip = h
			}
			if _, err := netip.ParseAddr(ip); err == nil {
				out = append(out, m.indicator(models.IndicatorIP, ip, desc))
			}
		case "domain":
			out = append(out, m.indicator(models.IndicatorDomain, value, desc))
		case "url":
			if host := hostOf(value); host != "" {
				out = append(out, hostIndicator(m, host, desc))
			}
		case "md5_hash", "sha1_hash", "sha256_hash":
			out = append(out, m.indicator(models.IndicatorHash, value, desc))
		}
	}
	return out, nil
}

// ParseSSLBL reads the SSL Blacklist botnet C2 IP list:
// Listingdate,DstIP,DstPort,Listingreason. The feed has been deprecated by
// its publisher; a deprecation notice yields no entries.
func ParseSSLBL(r io.Reader, meta FeedMeta) ([]models.Indicator, error) {
	var out []models.Indicator
	err := eachRecord(r, func(rec []string) {
		if len(rec) < 2 {
			return
		}
		ip := strings.TrimSpace(rec[1])
		if _, err := netip.ParseAddr(ip); err != nil {
			return
		}
		desc := ""
		if len(rec) > 3 {
			desc = rec[3]
		}
		out = append(out, meta.indicator(models.IndicatorIP, ip, desc))
	})
	return out, err
}

// ParseJA3Blacklist reads the abuse.ch JA3 fingerprint blacklist:
// ja3_md5,Firstseen,Lastseen,Listingreason
func ParseJA3Blacklist(r io.Reader, meta FeedMeta) ([]models.Indicator, error) {
	var out []models.Indicator
	err := eachRecord(r, func(rec []string) {
		if len(rec) == 0 || len(rec[0]) != 32 {
			return
		}
		desc := ""
		if len(rec) > 3 {
			desc = rec[3]
		}
		out = append(out, meta.indicator(models.IndicatorJA3, rec[0], desc))
	})
	return out, err
}

// ParsePlain reads one value per line. Lines are classified individually;
// meta.Kind applies to values that do not classify.
func ParsePlain(r io.Reader, meta FeedMeta) ([]models.Indicator, error) {
	var out []models.Indicator
	err := eachRecord(r, func(rec []string) {
		if len(rec) == 0 {
			return
		}
		v := strings.TrimSpace(rec[0])
		if v == "" {
			return
		}
		kind, val, err := Classify(v)
		if err != nil {
			kind, val = meta.Kind, v
		}
		desc := ""
		if len(rec) > 1 {
			desc = strings.TrimSpace(rec[1])
		}
		out = append(out, meta.indicator(kind, val, desc))
	})
	return out, err
}

func hostOf(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "\"")
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func hostIndicator(meta FeedMeta, host, desc string) models.Indicator {
	if _, err := netip.ParseAddr(host); err == nil {
		return meta.indicator(models.IndicatorIP, host, desc)
	}
	return meta.indicator(models.IndicatorDomain, host, desc)
}
