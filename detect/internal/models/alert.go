package models

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Alert is the detection output. Treat it as immutable once returned by a
// detector; enrichment produces a copy.
type Alert struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	ThreatType      ThreatType        `json:"threat_type"`
	Category        Category          `json:"category"`
	Severity        Severity          `json:"severity"`
	Source          string            `json:"source,omitempty"`
	Destination     string            `json:"destination,omitempty"`
	SrcPort         uint16            `json:"src_port,omitempty"`
	DstPort         uint16            `json:"dst_port,omitempty"`
	Protocol        string            `json:"protocol,omitempty"`
	SensorID        string            `json:"sensor_id,omitempty"`
	Detector        string            `json:"detector"`
	Description     string            `json:"description"`
	Evidence        map[string]string `json:"evidence,omitempty"`
	MitreTechniques []string          `json:"mitre_techniques,omitempty"`
	ComponentIDs    []string          `json:"component_alert_ids,omitempty"`
	SourceGeo       *Geo              `json:"source_geo,omitempty"`
	DestinationGeo  *Geo              `json:"destination_geo,omitempty"`

	// Actor is the entity the correlator groups this alert under.
	Actor string `json:"actor,omitempty"`

	// Mono carries the observation offset of the triggering flow.
	Mono time.Duration `json:"-"`
}

// Geo is location data attached by the emitter.
type Geo struct {
	Country string  `json:"country,omitempty"`
	City    string  `json:"city,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// NewAlert returns an alert with catalog defaults for t.
func NewAlert(t ThreatType, detector, description string) *Alert {
	info := t.Info()
	mitre := make([]string, len(info.Mitre))
	copy(mitre, info.Mitre)
	return &Alert{
		ID:              uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		ThreatType:      t,
		Category:        info.Category,
		Severity:        info.Severity,
		Detector:        detector,
		Description:     description,
		Evidence:        map[string]string{},
		MitreTechniques: mitre,
	}
}

// AlertFromFlow fills endpoint and timing fields from the triggering flow.
// The actor defaults to the internal endpoint, falling back to the source.
func AlertFromFlow(t ThreatType, f *Flow, detector, description string) *Alert {
	a := NewAlert(t, detector, description)
	if f == nil {
		return a
	}
	if !f.Timestamp.IsZero() {
		a.Timestamp = f.Timestamp.UTC()
	}
	a.Mono = f.Mono
	a.Source = addrString(f.SrcIP)
	a.Destination = addrString(f.DstIP)
	a.SrcPort = f.SrcPort
	a.DstPort = f.DstPort
	a.Protocol = f.Protocol.String()
	a.SensorID = f.SensorID
	a.Actor = a.Source
	if f.Direction == DirectionInbound {
		a.Actor = a.Destination
	}
	return a
}

// WithEvidence sets evidence key/value pairs and returns a for chaining.
func (a *Alert) WithEvidence(kv ...string) *Alert {
	for i := 0; i+1 < len(kv); i += 2 {
		a.Evidence[kv[i]] = kv[i+1]
	}
	return a
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	c := *a
	c.Evidence = make(map[string]string, len(a.Evidence))
	for k, v := range a.Evidence {
		c.Evidence[k] = v
	}
	c.MitreTechniques = append([]string(nil), a.MitreTechniques...)
	c.ComponentIDs = append([]string(nil), a.ComponentIDs...)
	return &c
}

// DedupKey is the (threat_type, source, destination) identity.
func (a *Alert) DedupKey() string {
	return a.ThreatType.String() + "|" + a.Source + "|" + a.Destination
}

// EvidenceRequest asks the capture collaborator to keep the packet window
// around an alert.
type EvidenceRequest struct {
	AlertID     string        `json:"alert_id"`
	ThreatType  ThreatType    `json:"threat_type"`
	Severity    Severity      `json:"severity"`
	SensorID    string        `json:"sensor_id,omitempty"`
	Source      string        `json:"source,omitempty"`
	Destination string        `json:"destination,omitempty"`
	SrcPort     uint16        `json:"src_port,omitempty"`
	DstPort     uint16        `json:"dst_port,omitempty"`
	Protocol    string        `json:"protocol,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Before      time.Duration `json:"before_ns"`
	After       time.Duration `json:"after_ns"`
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
