package ndrctl

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sensorauth"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sink"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("NDRCTL_CONFIG_DIR", t.TempDir())
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

type alertRow struct {
	ThreatType string `json:"threat_type"`
	Severity   string `json:"severity"`
	Source     string `json:"source"`
}

func threatsOf(t *testing.T, stdout string) map[string]int {
	t.Helper()
	var rows []alertRow
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows), stdout)
	got := make(map[string]int)
	for _, r := range rows {
		got[r.ThreatType]++
	}
	return got
}

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"simulate":   false,
		"replay":     false,
		"indicators": false,
		"chains":     false,
		"config":     false,
		"token":      false,
		"dlq":        false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := expected[cmd.Name()]; ok {
			expected[cmd.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "expected command %q to be registered", name)
	}

	subs := map[string][]string{
		"indicators": {"import", "list", "delete"},
		"chains":     {"list", "validate"},
		"config":     {"check"},
		"token":      {"issue"},
		"dlq":        {"list", "purge"},
	}
	for parent, children := range subs {
		cmd, _, err := rootCmd.Find([]string{parent})
		require.NoError(t, err)
		for _, child := range children {
			sub, _, err := cmd.Find([]string{child})
			require.NoError(t, err, "%s %s", parent, child)
			assert.Equal(t, child, sub.Name())
		}
	}
}

func TestSimulateList(t *testing.T) {
	stdout, _, err := execute(t, "simulate", "--list", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, stdout, "SCENARIO")
	assert.Contains(t, stdout, "port-scan")
	assert.Contains(t, stdout, "PORT_SCAN")
	assert.Contains(t, stdout, "kill-chain")
}

func TestSimulateLocal(t *testing.T) {
	tests := []struct {
		scenario string
		want     []models.ThreatType
	}{
		{scenario: "port-scan", want: []models.ThreatType{models.ThreatPortScan}},
		{scenario: "brute-force", want: []models.ThreatType{models.ThreatBruteForce}},
		{scenario: "lateral-movement", want: []models.ThreatType{models.ThreatLateralMovement}},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			stdout, _, err := execute(t, "simulate", tt.scenario, "--list=false", "--local", "--seed", "7", "-o", "json")
			require.NoError(t, err)
			got := threatsOf(t, stdout)
			for _, want := range tt.want {
				assert.Positive(t, got[want.String()], "missing %s in %v", want, got)
			}
		})
	}
}

func TestSimulateLocal_Baseline(t *testing.T) {
	stdout, _, err := execute(t, "simulate", "baseline", "--list=false", "--local", "--seed", "3", "-o", "json")
	require.NoError(t, err)
	got := threatsOf(t, stdout)
	assert.Zero(t, got[models.ThreatPortScan.String()])
	assert.Zero(t, got[models.ThreatBruteForce.String()])
}

func TestSimulate_UnknownScenario(t *testing.T) {
	_, _, err := execute(t, "simulate", "no-such-thing", "--list=false", "--local", "-o", "table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scenario")
}

func TestMissingThreats(t *testing.T) {
	alerts := []*models.Alert{
		models.NewAlert(models.ThreatPortScan, "port_scan", "scan"),
		models.NewAlert(models.ThreatBruteForce, "brute_force", "brute"),
	}
	assert.Empty(t, missingThreats(alerts, []models.ThreatType{models.ThreatPortScan}))
	assert.Equal(t, []models.ThreatType{models.ThreatKillChain},
		missingThreats(alerts, []models.ThreatType{models.ThreatBruteForce, models.ThreatKillChain}))
}

func TestDecodeDeadLetters(t *testing.T) {
	failed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := failed.Add(time.Second)
	a := models.NewAlert(models.ThreatPortScan, "port_scan", "scan")
	withTime, err := json.Marshal(sink.DeadLetterEntry{Sink: "opensearch", Error: "503", FailedAt: failed, Alert: a})
	require.NoError(t, err)
	noTime, err := json.Marshal(sink.DeadLetterEntry{Sink: "nats", Alert: a})
	require.NoError(t, err)

	entries, bad := decodeDeadLetters([]*messaging.Message{
		{Subject: sink.DLQSubject("opensearch"), Data: withTime, Timestamp: stored},
		{Subject: sink.DLQSubject("nats"), Data: noTime, Timestamp: stored},
		{Subject: sink.DLQSubject("nats"), Data: []byte(`{"sink":"nats"}`)},
		{Subject: sink.DLQSubject("nats"), Data: []byte("not json")},
	})
	assert.Equal(t, 2, bad)
	require.Len(t, entries, 2)
	assert.Equal(t, failed, entries[0].FailedAt)
	assert.Equal(t, a.ID, entries[0].Alert.ID)
	assert.Equal(t, stored, entries[1].FailedAt, "stream time fills a missing failure time")
}

func TestDLQ(t *testing.T) {
	assert.Empty(t, dlqFilter(""))
	assert.Equal(t, "ndr.dlq.alerts.opensearch", dlqFilter("opensearch"))

	_, _, err := execute(t, "dlq", "purge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	_, _, err = execute(t, "dlq", "list", "--limit", "0")
	require.Error(t, err)
}

// writeScanCapture writes a pcap of SYNs from one external host to 30
// ports of an internal server, 200ms apart.
func writeScanCapture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.ParseIP("198.51.100.7").To4(),
			DstIP: net.ParseIP("10.0.0.20").To4(),
		}
		tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(1000 + i), SYN: true, Seq: uint32(i), Window: 1024}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 200 * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestReadCapture(t *testing.T) {
	frames, err := readCapture(writeScanCapture(t))
	require.NoError(t, err)
	require.Len(t, frames, 30)
	assert.Equal(t, 5800*time.Millisecond, frames[29].Timestamp.Sub(frames[0].Timestamp))

	t.Run("not a capture", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.pcap")
		require.NoError(t, os.WriteFile(path, []byte("definitely not a capture file"), 0o600))
		_, err := readCapture(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "neither pcap")
	})
}

func TestReplayLocal(t *testing.T) {
	stdout, _, err := execute(t, "replay", writeScanCapture(t), "--publish=false", "-o", "json")
	require.NoError(t, err)
	got := threatsOf(t, stdout)
	assert.Equal(t, 1, got[models.ThreatPortScan.String()], "cooldown holds the scan to one alert: %v", got)
}

func TestReadIndicators(t *testing.T) {
	input := strings.Join([]string{
		"# local blocklist",
		"203.0.113.9",
		"",
		"198.51.100.0/24",
		"Evil.Example.",
		"ja3:72a589da586844d7f0818ce684948eea",
		"not-an-indicator",
	}, "\n")
	tmpl := models.Indicator{Feed: "local", Confidence: 90, List: models.ListBlacklist}

	inds, skipped, err := readIndicators(strings.NewReader(input), tmpl)
	require.NoError(t, err)
	require.Len(t, inds, 4)
	assert.Equal(t, models.IndicatorIP, inds[0].Kind)
	assert.Equal(t, models.IndicatorCIDR, inds[1].Kind)
	assert.Equal(t, models.IndicatorDomain, inds[2].Kind)
	assert.Equal(t, "evil.example", inds[2].Value)
	assert.Equal(t, models.IndicatorJA3, inds[3].Kind)
	for _, ind := range inds {
		assert.Equal(t, 90, ind.Confidence)
		assert.Equal(t, "local", ind.Feed)
	}
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0], "line 7")
}

func TestChainsValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`
chains:
  - name: scan-then-brute
    window: 10m
    stages:
      - threats: [PORT_SCAN]
      - threats: [BRUTE_FORCE]
`), 0o600))
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte(`
chains:
  - name: broken
    alert_at: 5
    stages:
      - threats: [PORT_SCAN, NOT_A_THREAT]
      - threats: [BRUTE_FORCE]
`), 0o600))

	t.Run("valid", func(t *testing.T) {
		stdout, _, err := execute(t, "chains", "validate", valid, "-o", "table")
		require.NoError(t, err)
		assert.Contains(t, stdout, "1 chains valid")
	})

	t.Run("invalid", func(t *testing.T) {
		_, stderr, err := execute(t, "chains", "validate", invalid, "-o", "table")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 problem(s)")
		assert.Contains(t, stderr, "NOT_A_THREAT")
		assert.Contains(t, stderr, "alert_at")
	})
}

func TestChainsList(t *testing.T) {
	stdout, _, err := execute(t, "chains", "list", "-o", "json")
	require.NoError(t, err)
	var views []chainView
	require.NoError(t, json.Unmarshal([]byte(stdout), &views))
	require.NotEmpty(t, views)
	for _, v := range views {
		assert.GreaterOrEqual(t, len(v.Stages), 2, v.Name)
	}
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("threat:\n  port_scan:\n    unique_ports: 30\n"), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("threat:\n  port_scan:\n    unique_ports: 1\n"), 0o600))

	t.Run("valid", func(t *testing.T) {
		stdout, _, err := execute(t, "config", "check", good, "-o", "table")
		require.NoError(t, err)
		assert.Contains(t, stdout, "Configuration valid")
	})

	t.Run("rejected", func(t *testing.T) {
		stdout, _, err := execute(t, "config", "check", bad, "-o", "table")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "1 value(s) rejected")
		assert.Contains(t, stdout, "threat.port_scan.unique_ports")
	})
}

func TestTokenIssue(t *testing.T) {
	const secret = "test-intake-secret"

	t.Run("signs for the sensor", func(t *testing.T) {
		stdout, _, err := execute(t, "token", "issue", "tap-lab", "--secret", secret, "-o", "table")
		require.NoError(t, err)
		token := strings.TrimSpace(stdout)
		v := sensorauth.NewVerifier(secret, 0)
		require.NoError(t, v.Authorize("Bearer "+token, "tap-lab"))
		assert.Error(t, v.Authorize("Bearer "+token, "tap-other"))
	})

	t.Run("secret required", func(t *testing.T) {
		t.Setenv("NDR_INTAKE_AUTH_SECRET", "")
		_, _, err := execute(t, "token", "issue", "tap-lab", "--secret", "", "-o", "table")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no signing secret")
	})
}
