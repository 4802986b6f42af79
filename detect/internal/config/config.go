package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	common "github.com/telhawk-systems/telhawk-ndr/common/config"
)

// Config holds all configuration for the detection engine
type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Logging    common.LoggingConfig    `mapstructure:"logging"`
	NATS       common.NATSConfig       `mapstructure:"nats"`
	Redis      common.RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig          `mapstructure:"database"`
	OpenSearch common.OpenSearchConfig `mapstructure:"opensearch"`
	Engine     EngineConfig            `mapstructure:"engine"`
	Network    NetworkConfig           `mapstructure:"network"`
	Normalizer NormalizerConfig        `mapstructure:"normalizer"`
	Emitter    EmitterConfig           `mapstructure:"emitter"`
	Correlator CorrelatorConfig        `mapstructure:"correlator"`
	Indicators IndicatorsConfig        `mapstructure:"indicators"`
	Intake     IntakeConfig            `mapstructure:"intake"`
	GeoIP      GeoIPConfig             `mapstructure:"geoip"`
	Risk       RiskConfig              `mapstructure:"risk"`
	Reputation ReputationConfig        `mapstructure:"reputation"`
}

// ServerConfig holds the health/metrics HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres common.PostgresConfig `mapstructure:"postgres"`
}

// EngineConfig sizes the worker pool
type EngineConfig struct {
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	BatchSize        int           `mapstructure:"batch_size"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	EvictionSchedule string        `mapstructure:"eviction_schedule"`
	EvictionBatch    int           `mapstructure:"eviction_batch"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	MaxKeys          int           `mapstructure:"max_keys"`
}

// NetworkConfig describes the monitored network
type NetworkConfig struct {
	InternalNetworks  []string `mapstructure:"internal_networks"`
	DomainControllers []string `mapstructure:"domain_controllers"`
}

// NormalizerConfig bounds frame decoding buffers
type NormalizerConfig struct {
	MaxPayload      int           `mapstructure:"max_payload"`
	MaxFragments    int           `mapstructure:"max_fragments"`
	MaxPending      int           `mapstructure:"max_pending"`
	FragmentTimeout time.Duration `mapstructure:"fragment_timeout"`
}

// EmitterConfig holds alert delivery settings
type EmitterConfig struct {
	QueueSize         int             `mapstructure:"queue_size"`
	SuppressionWindow time.Duration   `mapstructure:"suppression_window"`
	Sinks             []string        `mapstructure:"sinks"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit"`
	Evidence          EvidenceConfig  `mapstructure:"evidence"`
	DLQ               bool            `mapstructure:"dlq"`
}

// RateLimitConfig caps alerts per source
type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	PerSource int           `mapstructure:"per_source"`
	Window    time.Duration `mapstructure:"window"`
}

// EvidenceConfig controls evidence capture triggers
type EvidenceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MinSeverity string        `mapstructure:"min_severity"`
	Before      time.Duration `mapstructure:"before"`
	After       time.Duration `mapstructure:"after"`
}

// CorrelatorConfig holds kill-chain correlation settings
type CorrelatorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	ChainsFile    string        `mapstructure:"chains_file"`
	Window        time.Duration `mapstructure:"window"`
	Shards        int           `mapstructure:"shards"`
	MaxCandidates int           `mapstructure:"max_candidates"`
}

// IndicatorsConfig holds threat intelligence settings
type IndicatorsConfig struct {
	RefreshSchedule  string       `mapstructure:"refresh_schedule"`
	FailureThreshold int          `mapstructure:"failure_threshold"`
	SnapshotPath     string       `mapstructure:"snapshot_path"`
	Postgres         bool         `mapstructure:"postgres"`
	Whitelist        []string     `mapstructure:"whitelist"`
	Blacklist        []string     `mapstructure:"blacklist"`
	Feeds            []FeedConfig `mapstructure:"feeds"`
}

// FeedConfig describes one HTTP indicator feed
type FeedConfig struct {
	Name       string        `mapstructure:"name"`
	URL        string        `mapstructure:"url"`
	Format     string        `mapstructure:"format"`
	Kind       string        `mapstructure:"kind"`
	Confidence int           `mapstructure:"confidence"`
	TTL        time.Duration `mapstructure:"ttl"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// IntakeConfig holds sensor intake settings
type IntakeConfig struct {
	AuthEnabled   bool          `mapstructure:"auth_enabled"`
	AuthSecret    string        `mapstructure:"auth_secret"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// GeoIPConfig points at a MaxMind City database
type GeoIPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RiskConfig controls asset risk scoring
type RiskConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxAssets      int           `mapstructure:"max_assets"`
	History        int           `mapstructure:"history"`
	DecayRate      float64       `mapstructure:"decay_rate"`
	DecayInterval  time.Duration `mapstructure:"decay_interval"`
	Retention      time.Duration `mapstructure:"retention"`
	CriticalAssets []string      `mapstructure:"critical_assets"`
	HighAssets     []string      `mapstructure:"high_assets"`
	LowAssets      []string      `mapstructure:"low_assets"`
	DMZNetworks    []string      `mapstructure:"dmz_networks"`
}

// ReputationConfig holds IP reputation lookup settings
type ReputationConfig struct {
	AbuseIPDB AbuseIPDBConfig `mapstructure:"abuseipdb"`
}

// AbuseIPDBConfig configures the AbuseIPDB check API
type AbuseIPDBConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	APIKey      string        `mapstructure:"api_key"`
	URL         string        `mapstructure:"url"`
	MaxAgeDays  int           `mapstructure:"max_age_days"`
	DailyLimit  int           `mapstructure:"daily_limit"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	Threshold   int           `mapstructure:"threshold"`
}

// SetDefaults registers the engine defaults on v.
func SetDefaults(v *viper.Viper) {
	common.SetInfraDefaults(v)

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 8192)
	v.SetDefault("engine.batch_size", 256)
	v.SetDefault("engine.drain_timeout", "10s")
	v.SetDefault("engine.eviction_schedule", "@every 30s")
	v.SetDefault("engine.eviction_batch", 1024)
	v.SetDefault("engine.idle_timeout", "10m")
	v.SetDefault("engine.max_keys", 100000)

	v.SetDefault("network.internal_networks", []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"})
	v.SetDefault("network.domain_controllers", []string{})

	v.SetDefault("normalizer.max_payload", 4096)
	v.SetDefault("normalizer.max_fragments", 64)
	v.SetDefault("normalizer.max_pending", 1024)
	v.SetDefault("normalizer.fragment_timeout", "30s")

	v.SetDefault("emitter.queue_size", 4096)
	v.SetDefault("emitter.suppression_window", "60s")
	v.SetDefault("emitter.sinks", []string{"log"})
	v.SetDefault("emitter.rate_limit.enabled", false)
	v.SetDefault("emitter.rate_limit.per_source", 100)
	v.SetDefault("emitter.rate_limit.window", "1m")
	v.SetDefault("emitter.evidence.enabled", true)
	v.SetDefault("emitter.evidence.min_severity", "HIGH")
	v.SetDefault("emitter.evidence.before", "30s")
	v.SetDefault("emitter.evidence.after", "30s")
	v.SetDefault("emitter.dlq", false)

	v.SetDefault("correlator.enabled", true)
	v.SetDefault("correlator.chains_file", "")
	v.SetDefault("correlator.window", "5m")
	v.SetDefault("correlator.shards", 16)
	v.SetDefault("correlator.max_candidates", 50000)

	v.SetDefault("indicators.refresh_schedule", "@every 15m")
	v.SetDefault("indicators.failure_threshold", 3)
	v.SetDefault("indicators.snapshot_path", "")
	v.SetDefault("indicators.postgres", false)

	v.SetDefault("intake.auth_enabled", false)
	v.SetDefault("intake.stats_interval", "30s")
	v.SetDefault("geoip.enabled", false)
	v.SetDefault("geoip.path", "/usr/share/GeoIP/GeoLite2-City.mmdb")

	v.SetDefault("risk.enabled", true)
	v.SetDefault("risk.max_assets", 50000)
	v.SetDefault("risk.history", 1000)
	v.SetDefault("risk.decay_rate", 0.1)
	v.SetDefault("risk.decay_interval", "1h")
	v.SetDefault("risk.retention", "168h")
	v.SetDefault("risk.critical_assets", []string{})
	v.SetDefault("risk.high_assets", []string{})
	v.SetDefault("risk.low_assets", []string{})
	v.SetDefault("risk.dmz_networks", []string{})

	v.SetDefault("reputation.abuseipdb.enabled", false)
	v.SetDefault("reputation.abuseipdb.api_key", "")
	v.SetDefault("reputation.abuseipdb.url", "https://api.abuseipdb.com/api/v2/check")
	v.SetDefault("reputation.abuseipdb.max_age_days", 90)
	v.SetDefault("reputation.abuseipdb.daily_limit", 1000)
	v.SetDefault("reputation.abuseipdb.cache_ttl", "1h")
	v.SetDefault("reputation.abuseipdb.timeout", "10s")
	v.SetDefault("reputation.abuseipdb.concurrency", 4)
	v.SetDefault("reputation.abuseipdb.threshold", 50)
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, *viper.Viper, error) {
	v, err := common.NewViper(configPath, "NDR")
	if err != nil {
		return nil, nil, err
	}
	SetDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 1
	}
	if cfg.Engine.BatchSize <= 0 {
		cfg.Engine.BatchSize = 1
	}
	return &cfg, nil
}
