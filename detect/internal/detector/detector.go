// Package detector defines the declarative detector table and the per-worker
// evaluation set. Detectors are registered as Descriptors; every worker gets
// its own Set of instances so per-key state never crosses goroutines.
package detector

import (
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/indicator"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
)

// Family groups detectors by how they look at a flow.
type Family uint8

const (
	FamilyThreshold Family = iota
	FamilyProtocol
	FamilyIndicator
)

func (f Family) String() string {
	switch f {
	case FamilyProtocol:
		return "protocol"
	case FamilyIndicator:
		return "indicator"
	}
	return "threshold"
}

// Detector is one stateful detector instance owned by a single worker.
type Detector interface {
	// Observe evaluates one flow and emits alerts through c.
	Observe(c *Context, f *models.Flow)
	// Evict drops per-key state idle for longer than idle, examining at
	// most batch keys. It returns the number of keys removed.
	Evict(now, idle time.Duration, batch int) int
}

// Descriptor is the static description of a detector.
type Descriptor struct {
	Key     string
	Family  Family
	Threats []models.ThreatType
	Params  []config.ParamSpec
	New     func() Detector
}

// Emits reports whether t is one of the descriptor's threat types.
func (d Descriptor) Emits(t models.ThreatType) bool {
	for _, x := range d.Threats {
		if x == t {
			return true
		}
	}
	return false
}

func (d Descriptor) validate() error {
	if d.Key == "" || strings.ContainsAny(d.Key, ". ") {
		return &models.ConfigError{Key: "detector", Value: d.Key, Reason: "invalid detector key"}
	}
	if d.New == nil {
		return &models.ConfigError{Key: "detector", Value: d.Key, Reason: "missing factory"}
	}
	if len(d.Threats) == 0 {
		return &models.ConfigError{Key: "detector", Value: d.Key, Reason: "no threat types"}
	}
	for _, t := range d.Threats {
		if !t.Valid() {
			return &models.ConfigError{Key: "detector", Value: d.Key, Reason: fmt.Sprintf("invalid threat type %d", t)}
		}
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if seen[p.Name] {
			return &models.ConfigError{Key: "threat." + d.Key + "." + p.Name, Reason: "duplicate parameter"}
		}
		seen[p.Name] = true
		for _, c := range config.CommonSpecs {
			if c.Name == p.Name {
				return &models.ConfigError{Key: "threat." + d.Key + "." + p.Name, Reason: "shadows a common parameter"}
			}
		}
	}
	return nil
}

// Context is what a detector sees while observing one flow: the parameters
// of the current snapshot, the indicator snapshot of the batch, and lazily
// decoded payloads shared with the other detectors on the same flow.
type Context struct {
	Params     config.Params
	Snapshot   *config.Snapshot
	Indicators *indicator.Snapshot

	// Now is the wall clock at batch start, used only for indicator expiry.
	Now time.Time

	desc *Descriptor
	emit func(*models.Alert)
	p    *payload
}

// NewContext returns a Context for running d outside a Set.
func NewContext(d *Descriptor, params config.Params, snap *config.Snapshot, ind *indicator.Snapshot, now time.Time, emit func(*models.Alert)) *Context {
	return &Context{
		Params:     params,
		Snapshot:   snap,
		Indicators: ind,
		Now:        now,
		desc:       d,
		emit:       emit,
		p:          &payload{},
	}
}

// Reset clears the decoded payload cache before a new flow.
func (c *Context) Reset(f *models.Flow) {
	c.p.reset(f)
}

// Key is the key of the observing detector.
func (c *Context) Key() string { return c.desc.Key }

// Cooldown is the configured per-key silence after an alert.
func (c *Context) Cooldown() time.Duration { return c.Params.Cooldown }

// MaxKeys is the per-detector key limit of the snapshot, 0 for the default.
func (c *Context) MaxKeys() int {
	if c.Snapshot != nil && c.Snapshot.Config != nil {
		return c.Snapshot.Config.Engine.MaxKeys
	}
	return 0
}

// Alert builds an alert for f attributed to the observing detector.
func (c *Context) Alert(t models.ThreatType, f *models.Flow, format string, args ...any) *models.Alert {
	return models.AlertFromFlow(t, f, c.desc.Key, fmt.Sprintf(format, args...))
}

// Emit applies the configured severity override and hands a to the
// pipeline. Emitting a threat type the descriptor does not declare is a
// detector bug and panics, which the Set reports as a fault.
func (c *Context) Emit(a *models.Alert) {
	if !c.desc.Emits(a.ThreatType) {
		panic(fmt.Sprintf("detector %s emitted undeclared threat type %s", c.desc.Key, a.ThreatType))
	}
	a.Detector = c.desc.Key
	if c.Params.Severity != nil {
		a.Severity = *c.Params.Severity
	}
	c.emit(a)
}

// HTTP returns the decoded HTTP request carried by the flow, or nil.
func (c *Context) HTTP() *parse.HTTPRequest { return c.p.httpRequest() }

// DNS returns the decoded DNS message carried by the flow, or nil.
func (c *Context) DNS() *parse.DNSMessage { return c.p.dnsMessage() }

// TLS returns the decoded TLS handshake carried by the flow, or nil.
func (c *Context) TLS() *parse.Handshake { return c.p.tlsHandshake() }

// payload memoizes the parses shared by detectors on one flow. A failed
// parse is remembered too so it is attempted once.
type payload struct {
	flow *models.Flow

	http     *parse.HTTPRequest
	httpDone bool
	dns      *parse.DNSMessage
	dnsDone  bool
	tls      *parse.Handshake
	tlsDone  bool
}

func (p *payload) reset(f *models.Flow) {
	*p = payload{flow: f}
}

func (p *payload) httpRequest() *parse.HTTPRequest {
	if !p.httpDone {
		p.httpDone = true
		f := p.flow
		if f != nil && f.IsTCP() && parse.LooksHTTPRequest(f.Payload) {
			p.http, _ = parse.ParseHTTPRequest(f.Payload)
		}
	}
	return p.http
}

func (p *payload) dnsMessage() *parse.DNSMessage {
	if !p.dnsDone {
		p.dnsDone = true
		f := p.flow
		if f != nil && (f.HasPort(53) || f.HasPort(5353)) && len(f.Payload) > 0 {
			p.dns, _ = parse.ParseDNS(f.Payload, f.IsTCP())
		}
	}
	return p.dns
}

func (p *payload) tlsHandshake() *parse.Handshake {
	if !p.tlsDone {
		p.tlsDone = true
		f := p.flow
		if f != nil && f.IsTCP() && parse.LooksTLS(f.Payload) {
			p.tls, _ = parse.ParseTLS(f.Payload)
		}
	}
	return p.tls
}
