package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake metrics
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_frames_total",
			Help: "Total number of frames and flow records received",
		},
		[]string{"kind", "status"},
	)

	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_parse_errors_total",
			Help: "Total number of frames or records dropped as malformed",
		},
		[]string{"kind"},
	)

	FragmentAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_fragment_anomalies_total",
			Help: "Total number of fragmentation anomalies reported by the normalizer",
		},
		[]string{"kind"},
	)

	// Worker queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_ndr_queue_depth",
			Help: "Current depth of each worker queue",
		},
		[]string{"shard"},
	)

	QueueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_queue_dropped_total",
			Help: "Total number of items dropped from full queues",
		},
		[]string{"queue"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_ndr_batch_duration_seconds",
			Help:    "Duration of one worker evaluation batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Detector metrics
	DetectorFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_detector_faults_total",
			Help: "Total number of recovered detector panics",
		},
		[]string{"detector"},
	)

	DetectorEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_detector_evictions_total",
			Help: "Total number of idle detector state keys evicted",
		},
		[]string{"detector"},
	)

	WhitelistBypass = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_whitelist_bypass_total",
			Help: "Total number of flows skipped because an endpoint is whitelisted",
		},
	)

	// Alert metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_alerts_total",
			Help: "Total number of alerts delivered",
		},
		[]string{"threat_type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_alerts_suppressed_total",
			Help: "Total number of alerts suppressed before delivery",
		},
		[]string{"reason"},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_sink_errors_total",
			Help: "Total number of sink delivery errors",
		},
		[]string{"sink"},
	)

	SinkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_ndr_sink_duration_seconds",
			Help:    "Duration of sink deliveries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// Correlator metrics
	CorrelatorCandidates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_ndr_correlator_candidates",
			Help: "Current number of open attack chain candidates",
		},
	)

	CorrelatorChains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_correlator_chains_total",
			Help: "Total number of completed attack chains",
		},
		[]string{"chain"},
	)

	// Emitter metrics
	EmitterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_ndr_emitter_queue_depth",
			Help: "Current number of alerts waiting for delivery",
		},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_dead_lettered_total",
			Help: "Total number of alerts written to the dead-letter queue",
		},
		[]string{"sink", "status"},
	)

	EvidenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_evidence_requests_total",
			Help: "Total number of evidence capture requests published",
		},
		[]string{"status"},
	)

	// Indicator metrics
	IndicatorMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_indicator_matches_total",
			Help: "Total number of blacklist hits by indicator kind",
		},
		[]string{"kind"},
	)

	IndicatorCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_ndr_indicators",
			Help: "Number of indicators in the active snapshot",
		},
		[]string{"list"},
	)

	FeedRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_feed_refreshes_total",
			Help: "Total number of indicator feed refresh attempts",
		},
		[]string{"feed", "status"},
	)

	// Config metrics
	ConfigVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_ndr_config_version",
			Help: "Version of the active configuration snapshot",
		},
	)

	ConfigRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_config_rejected_total",
			Help: "Total number of rejected configuration values",
		},
	)

	// Risk and reputation metrics
	RiskAssets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telhawk_ndr_risk_assets",
			Help: "Number of tracked assets per risk level",
		},
		[]string{"level"},
	)

	ReputationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_ndr_reputation_lookups_total",
			Help: "Total number of IP reputation lookups by result",
		},
		[]string{"result"},
	)
)
