package protocol

import (
	"net/netip"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
)

// attackClass is one family of web attack patterns. Every distinct pattern
// found in a request counts as one signal.
type attackClass struct {
	threat   models.ThreatType
	label    string
	patterns []pattern
	applies  func(*parse.HTTPRequest) bool
}

func withBody(r *parse.HTTPRequest) bool { return len(r.Body) > 0 }

func uploads(r *parse.HTTPRequest) bool {
	return (r.Method == "POST" || r.Method == "PUT") && len(r.Body) > 0
}

// Inputs are percent-decoded and lowercased before matching.
var webClasses = []attackClass{
	{
		threat: models.ThreatSQLInjection,
		label:  "SQL injection",
		patterns: compile(
			"union_select", `union(\s|/\*.*?\*/|\+)+(all(\s|\+)+)?select`,
			"tautology", `'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+`,
			"quote_keyword", `'\s*(or|and|union|select|having|order\s+by)\b`,
			"stacked_query", `;\s*(drop|delete|insert|update|exec|shutdown)\b`,
			"time_based", `\b(sleep|benchmark|pg_sleep)\s*\(|waitfor\s+delay`,
			"schema_enum", `information_schema|sysobjects|@@version|pg_catalog`,
			"comment_terminator", `(--|#|/\*)\s*$`,
			"file_access", `load_file\s*\(|into\s+(out|dump)file`,
			"scanner", `sqlmap|havij`,
		),
	},
	{
		threat: models.ThreatXSS,
		label:  "cross-site scripting",
		patterns: compile(
			"script_tag", `<\s*script`,
			"js_uri", `javascript\s*:`,
			"event_handler", `\bon(error|load|mouseover|focus|click|submit|toggle)\s*=`,
			"html_injection", `<\s*(iframe|svg|img|body|object|embed)\b`,
			"dom_access", `document\.(cookie|location|domain|write)`,
			"js_sink", `\b(alert|prompt|confirm|eval)\s*\(`,
			"char_encoding", `string\.fromcharcode|&#x?[0-9a-f]+;`,
		),
	},
	{
		threat: models.ThreatCommandInjection,
		label:  "command injection",
		patterns: compile(
			"shell_chain", `[;&|]\s*(cat|ls|id|whoami|uname|wget|curl|nc|ncat|bash|sh|powershell|cmd(\.exe)?|ping|nslookup)\b`,
			"subshell", "\\$\\([^)]+\\)|`[^`]+`",
			"shell_path", `/bin/(ba|z|da)?sh\b|cmd\.exe|powershell(\.exe)?\s+-`,
			"reverse_shell", `\b(nc|ncat|netcat)\b.*\s-[a-z]*e\b|/dev/tcp/`,
			"ifs_evasion", `\$\{?ifs\}?`,
		),
	},
	{
		threat: models.ThreatPathTraversal,
		label:  "path traversal",
		patterns: compile(
			"dot_dot", `\.\.[/\\]`,
			"unix_sensitive", `/etc/(passwd|shadow|hosts|group)\b`,
			"windows_sensitive", `(boot|win)\.ini|windows[/\\]system32`,
			"proc_self", `/proc/self/`,
			"null_byte", `\x00`,
		),
	},
	{
		threat:  models.ThreatXXE,
		label:   "XML external entity",
		applies: withBody,
		patterns: compile(
			"doctype_subset", `<!doctype[^>]*\[`,
			"entity_decl", `<!entity`,
			"external_ref", `\b(system|public)\s+["'][a-z]+:`,
			"parameter_entity", `%[a-z0-9_]+;`,
		),
	},
	{
		threat: models.ThreatSSRF,
		label:  "server-side request forgery",
		patterns: compile(
			"loopback_url", `(https?|gopher|dict|ftp)://(127\.|localhost|0\.0\.0\.0|\[::1?\])`,
			"metadata", `169\.254\.169\.254|metadata\.google\.internal|100\.100\.100\.200`,
			"url_parameter", `\b(url|uri|dest|redirect|next|target|fetch|proxy|callback)=(https?|gopher|dict|file|ftp)://`,
			"scheme", `\b(gopher|dict|file|ldap|jar)://`,
			"private_url", `https?://(10\.|192\.168\.|172\.(1[6-9]|2\d|3[01])\.)`,
		),
	},
	{
		threat:  models.ThreatWebshellUpload,
		label:   "web shell upload",
		applies: uploads,
		patterns: compile(
			"script_upload", `filename\s*=\s*"?[^"\r\n;]+\.(php[0-9]?|phtml|phar|jsp|jspx|asp|aspx|ashx|cer|cfm)\b`,
			"php_eval", `(eval|assert)\s*\(\s*(base64_decode|gzinflate|str_rot13|\$_(post|get|request|cookie))`,
			"php_exec", `\b(system|shell_exec|passthru|exec|popen|proc_open)\s*\(\s*\$_(get|post|request)`,
			"php_open", `<\?php`,
			"jsp_exec", `runtime\.getruntime\(\)\.exec|<%@\s*page`,
			"asp_exec", `<%\s*eval|request\.item\[`,
		),
	},
}

// WebAttack matches decoded HTTP requests against attack pattern sets.
var WebAttack = detector.Descriptor{
	Key:    "web_attack",
	Family: detector.FamilyProtocol,
	Threats: []models.ThreatType{
		models.ThreatSQLInjection,
		models.ThreatXSS,
		models.ThreatCommandInjection,
		models.ThreatPathTraversal,
		models.ThreatXXE,
		models.ThreatSSRF,
		models.ThreatWebshellUpload,
	},
	Params: []config.ParamSpec{
		detector.SensitivityParam(detector.SensitivityMedium),
	},
	New: func() detector.Detector {
		return &webAttack{limit: newLimiter()}
	},
}

type webAttack struct {
	limit limiter
}

func (d *webAttack) Observe(c *detector.Context, f *models.Flow) {
	req := c.HTTP()
	if req == nil {
		return
	}
	inputs := req.Components()
	need := c.Sensitivity().Signals()
	for _, cls := range webClasses {
		if cls.applies != nil && !cls.applies(req) {
			continue
		}
		hits := matches(cls.patterns, inputs)
		if len(hits) < need || !d.limit.allow(c, f.SrcIP, f.DstIP, cls.threat, f.Mono) {
			continue
		}
		c.Emit(c.Alert(cls.threat, f, "possible %s from %s against %s%s", cls.label, f.SrcIP, req.HostName(), req.Path).
			WithEvidence(
				"signals", itoa(len(hits)),
				"patterns", strings.Join(hits, ","),
				"method", req.Method,
				"uri", truncate(req.URI, 256),
				"host", req.HostName(),
				"user_agent", truncate(req.UserAgent, 128),
			))
	}
}

func (d *webAttack) Evict(now, idle time.Duration, batch int) int {
	return d.limit.Evict(now, idle, batch)
}

// HTTPAnomaly covers request floods and high-entropy uploads.
var HTTPAnomaly = detector.Descriptor{
	Key:     "http_anomaly",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatHTTPPostFlood, models.ThreatHTTPDLPExfil},
	Params: []config.ParamSpec{
		config.Int("post_threshold", 50, 2, 1e6, "POST requests per source and destination"),
		config.Duration("post_time_window", 300*time.Second, time.Second, 24*time.Hour, "POST counting window"),
		config.Int("dlp_min_payload_size", 1024, 64, 1<<26, "smallest outbound body inspected for entropy"),
		config.Float("entropy_threshold", 6.5, 1, 8, "bits per byte above which a body looks encrypted or compressed"),
	},
	New: func() detector.Detector {
		return &httpAnomaly{
			posts: detector.NewKeyed[[2]netip.Addr](newCounterState),
			limit: newLimiter(),
		}
	},
}

type httpAnomaly struct {
	posts detector.Keyed[[2]netip.Addr, counterState]
	limit limiter
}

func (d *httpAnomaly) Observe(c *detector.Context, f *models.Flow) {
	req := c.HTTP()
	if req == nil || (req.Method != "POST" && req.Method != "PUT") {
		return
	}

	if req.Method == "POST" {
		if st := d.posts.Get(c, [2]netip.Addr{f.SrcIP, f.DstIP}, f.Mono); st != nil {
			w := c.Params.Duration("post_time_window")
			st.events.Add(f.Mono, w, 1)
			if n := st.events.Count(); n >= c.Params.Int("post_threshold") && st.cd.Ready(f.Mono) {
				st.cd.Arm(f.Mono, c.Cooldown())
				c.Emit(c.Alert(models.ThreatHTTPPostFlood, f, "%s sent %d POST requests to %s within %s", f.SrcIP, n, f.DstIP, w).
					WithEvidence("requests", itoa(n), "host", req.HostName(), "path", truncate(req.Path, 256)))
			}
		}
	}

	if f.Direction != models.DirectionOutbound || len(req.Body) < c.Params.Int("dlp_min_payload_size") {
		return
	}
	h := shannon(req.Body)
	if h < c.Params.Float("entropy_threshold") || !d.limit.allow(c, f.SrcIP, f.DstIP, models.ThreatHTTPDLPExfil, f.Mono) {
		return
	}
	c.Emit(c.Alert(models.ThreatHTTPDLPExfil, f, "%s uploaded %d high-entropy bytes to %s", f.SrcIP, len(req.Body), req.HostName()).
		WithEvidence(
			"entropy", ftoa(h),
			"body_bytes", itoa(len(req.Body)),
			"content_type", req.ContentType,
			"host", req.HostName(),
		))
}

func (d *httpAnomaly) Evict(now, idle time.Duration, batch int) int {
	return d.posts.Evict(now, idle, batch) + d.limit.Evict(now, idle, batch)
}
