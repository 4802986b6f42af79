package models

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_Escalate(t *testing.T) {
	tests := []struct {
		in   Severity
		want Severity
	}{
		{SeverityInfo, SeverityLow},
		{SeverityMedium, SeverityHigh},
		{SeverityHigh, SeverityCritical},
		{SeverityCritical, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Escalate())
		})
	}
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" high ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, s)

	_, err = ParseSeverity("severe")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfig))

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "severity", ce.Key)
}

func TestThreatCatalog_Complete(t *testing.T) {
	seen := make(map[string]bool)
	for _, tt := range AllThreatTypes() {
		info := tt.Info()
		assert.NotEmpty(t, info.Name, "threat %d has no name", tt)
		assert.False(t, seen[info.Name], "duplicate name %s", info.Name)
		seen[info.Name] = true

		parsed, err := ParseThreatType(info.Name)
		require.NoError(t, err)
		assert.Equal(t, tt, parsed)
	}
	assert.GreaterOrEqual(t, len(seen), 60)
}

func TestThreatType_Categories(t *testing.T) {
	operational := []ThreatType{
		ThreatFeedUnavailable, ThreatPipelineBackpressure, ThreatIngestQueueOverflow,
		ThreatDetectorFault, ThreatConfigRejected,
	}
	for _, tt := range operational {
		assert.Equal(t, CategoryOperational, tt.Info().Category, tt.String())
	}
	assert.Equal(t, CategorySecurity, ThreatPortScan.Info().Category)
}

func TestThreatType_JSON(t *testing.T) {
	a := NewAlert(ThreatSYNFlood, "syn_flood", "flood")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"threat_type":"SYN_FLOOD"`)
	assert.Contains(t, string(data), `"severity":"HIGH"`)
	assert.Contains(t, string(data), `"category":"security"`)

	var back Alert
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ThreatSYNFlood, back.ThreatType)
	assert.Equal(t, SeverityHigh, back.Severity)

	assert.Error(t, json.Unmarshal([]byte(`{"threat_type":"NOT_A_THREAT"}`), &back))
}

func TestAlertFromFlow(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &Flow{
		SrcIP:     netip.MustParseAddr("203.0.113.9"),
		DstIP:     netip.MustParseAddr("10.0.0.5"),
		SrcPort:   40000,
		DstPort:   443,
		Protocol:  ProtoTCP,
		Timestamp: ts,
		Mono:      3 * time.Second,
		Direction: DirectionInbound,
		SensorID:  "tap-1",
	}

	a := AlertFromFlow(ThreatPortScan, f, "port_scan", "scan").WithEvidence("unique_ports", "25")
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, ts, a.Timestamp)
	assert.Equal(t, "203.0.113.9", a.Source)
	assert.Equal(t, "10.0.0.5", a.Destination)
	assert.Equal(t, "10.0.0.5", a.Actor)
	assert.Equal(t, "tcp", a.Protocol)
	assert.Equal(t, 3*time.Second, a.Mono)
	assert.Equal(t, []string{"T1046"}, a.MitreTechniques)
	assert.Equal(t, "25", a.Evidence["unique_ports"])
	assert.Equal(t, "PORT_SCAN|203.0.113.9|10.0.0.5", a.DedupKey())
}

func TestAlert_CloneIsDeep(t *testing.T) {
	a := NewAlert(ThreatBeacon, "beaconing", "beacon").WithEvidence("k", "v")
	c := a.Clone()
	c.Evidence["k"] = "changed"
	c.MitreTechniques[0] = "T0000"

	assert.Equal(t, "v", a.Evidence["k"])
	assert.Equal(t, "T1071", a.MitreTechniques[0])
}

func TestNewAlert_MitreNotShared(t *testing.T) {
	a := NewAlert(ThreatBeacon, "beaconing", "")
	a.MitreTechniques[0] = "T9999"
	assert.Equal(t, "T1071", ThreatBeacon.Info().Mitre[0])
}

func TestTCPFlags(t *testing.T) {
	assert.True(t, FlagSYN.SYNOnly())
	assert.True(t, (FlagSYN | FlagPSH).SYNOnly())
	assert.False(t, (FlagSYN | FlagACK).SYNOnly())
	assert.True(t, (FlagSYN | FlagACK).Has(FlagACK))
	assert.Equal(t, TCPFlags(0x12), FlagSYN|FlagACK)
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{"tcp", ProtoTCP, false},
		{"UDP", ProtoUDP, false},
		{"1", ProtoICMP, false},
		{"ipv6-icmp", ProtoICMPv6, false},
		{"sctp", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProtocol(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndicator_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, Indicator{}.Expired(now))
	assert.False(t, Indicator{Expires: now.Add(time.Minute)}.Expired(now))
	assert.True(t, Indicator{Expires: now}.Expired(now))
}
