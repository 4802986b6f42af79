package threshold

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	dt "github.com/telhawk-systems/telhawk-ndr/detect/internal/detector/detectortest"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

func syn(src, dst string, mono time.Duration) *models.Flow {
	return dt.TCP(src, dst, mono, models.FlagSYN)
}

func TestDescriptors_Register(t *testing.T) {
	r := detector.NewRegistry()
	for _, d := range Descriptors() {
		require.NoError(t, r.Register(d), d.Key)
	}
	assert.Len(t, r.Keys(), 18)
}

func TestPortScan(t *testing.T) {
	t.Run("one alert for 25 ports in 10s", func(t *testing.T) {
		h := dt.New(t, PortScan, map[string]any{"unique_ports": 20, "time_window": 30 * time.Second})
		for i := 0; i < 25; i++ {
			mono := time.Duration(i) * 400 * time.Millisecond
			h.Observe(syn("203.0.113.5:40000", fmt.Sprintf("10.0.0.10:%d", 1000+i), mono))
		}
		require.Len(t, h.Alerts, 1)
		a := h.Alerts[0]
		assert.Equal(t, models.ThreatPortScan, a.ThreatType)
		assert.Equal(t, "20", a.Evidence["unique_ports"])
		assert.Equal(t, "30s", a.Evidence["time_window"])
		assert.Equal(t, "port_scan", a.Detector)
	})

	t.Run("N-1 ports stay quiet", func(t *testing.T) {
		h := dt.New(t, PortScan, map[string]any{"unique_ports": 20})
		for i := 0; i < 19; i++ {
			h.Observe(syn("203.0.113.5:40000", fmt.Sprintf("10.0.0.10:%d", 1000+i), dt.Seconds(float64(i))))
		}
		assert.Empty(t, h.Alerts)
		alerts := h.Observe(syn("203.0.113.5:40000", "10.0.0.10:2000", dt.Seconds(20)))
		assert.Len(t, alerts, 1)
	})

	t.Run("internal source", func(t *testing.T) {
		h := dt.New(t, PortScan, map[string]any{"unique_ports": 3})
		for i := 0; i < 3; i++ {
			h.Observe(syn("10.0.0.5:40000", fmt.Sprintf("10.0.0.10:%d", 22+i), dt.Seconds(float64(i))))
		}
		require.Len(t, h.Alerts, 1)
		assert.Equal(t, models.ThreatInternalPortScan, h.Alerts[0].ThreatType)
	})

	t.Run("replies are ignored", func(t *testing.T) {
		h := dt.New(t, PortScan, map[string]any{"unique_ports": 3})
		for i := 0; i < 10; i++ {
			h.Observe(dt.TCP("10.0.0.10:80", fmt.Sprintf("203.0.113.5:%d", 40000+i), dt.Seconds(float64(i)), models.FlagSYN|models.FlagACK))
		}
		assert.Empty(t, h.Alerts)
	})

	t.Run("cooldown then re-alert", func(t *testing.T) {
		h := dt.New(t, PortScan, map[string]any{"unique_ports": 3, "time_window": 10 * time.Second, "cooldown": time.Minute})
		scan := func(base time.Duration, port int) []*models.Alert {
			var out []*models.Alert
			for i := 0; i < 5; i++ {
				out = append(out, h.Observe(syn("203.0.113.5:40000", fmt.Sprintf("10.0.0.10:%d", port+i), base+time.Duration(i)*time.Second))...)
			}
			return out
		}
		assert.Len(t, scan(0, 1000), 1)
		assert.Empty(t, scan(20*time.Second, 2000))
		assert.Len(t, scan(2*time.Minute, 3000), 1)
	})
}

func TestBruteForce_Boundary(t *testing.T) {
	h := dt.New(t, BruteForce, map[string]any{"attempts_threshold": 5, "time_window": time.Minute})
	for i := 0; i < 4; i++ {
		h.Observe(syn(fmt.Sprintf("203.0.113.7:%d", 50000+i), "10.0.0.22:22", dt.Seconds(float64(i))))
	}
	assert.Empty(t, h.Alerts, "N-1 attempts")

	alerts := h.Observe(syn("203.0.113.7:50010", "10.0.0.22:22", dt.Seconds(4)))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.ThreatBruteForce, alerts[0].ThreatType)
	assert.Equal(t, "5", alerts[0].Evidence["attempts"])

	// Other service on the same host keeps its own count.
	assert.Empty(t, h.Observe(syn("203.0.113.7:50011", "10.0.0.22:3389", dt.Seconds(5))))
	// Not an authentication port.
	for i := 0; i < 10; i++ {
		h.Observe(syn("203.0.113.7:50020", "10.0.0.22:8080", dt.Seconds(6+float64(i))))
	}
	assert.Len(t, h.Alerts, 1)
}

func TestSYNFlood_OneAlertPerSecond(t *testing.T) {
	h := dt.New(t, SYNFlood, map[string]any{"packets_per_second": 100})
	for i := 0; i < 750; i++ {
		mono := time.Duration(i) * time.Second / 150
		h.Observe(syn(fmt.Sprintf("198.51.100.20:%d", 1024+i%60000), "10.0.0.80:80", mono))
	}
	require.Len(t, h.Alerts, 5)
	for _, a := range h.Alerts {
		assert.Equal(t, models.ThreatSYNFlood, a.ThreatType)
		assert.Equal(t, "100", a.Evidence["packets_per_second"])
	}
}

func TestUDPFlood_PacketWeight(t *testing.T) {
	h := dt.New(t, UDPFlood, map[string]any{"packets_per_second": 1000})
	f := dt.UDP("198.51.100.20:5000", "10.0.0.80:9999", 0, nil)
	f.Packets = 600
	h.Observe(f)
	assert.Empty(t, h.Alerts)

	g := dt.UDP("198.51.100.20:5000", "10.0.0.80:9999", 500*time.Millisecond, nil)
	g.Packets = 600
	require.Len(t, h.Observe(g), 1)
}

func TestConnectionFlood(t *testing.T) {
	h := dt.New(t, ConnectionFlood, map[string]any{"connections_per_second": 2, "time_window": 5 * time.Second})
	for i := 0; i < 9; i++ {
		h.Observe(syn(fmt.Sprintf("203.0.113.50:%d", 30000+i), "10.0.0.80:443", time.Duration(i)*400*time.Millisecond))
	}
	assert.Empty(t, h.Alerts)
	alerts := h.Observe(syn("203.0.113.50:30099", "10.0.0.80:443", 3600*time.Millisecond))
	require.Len(t, alerts, 1)
	assert.Equal(t, "10", alerts[0].Evidence["connections"])

	t.Run("limit above ten thousand", func(t *testing.T) {
		h := dt.New(t, ConnectionFlood, map[string]any{"connections_per_second": 1000, "time_window": 10 * time.Second})
		for i := 0; i < 9999; i++ {
			h.Observe(syn(fmt.Sprintf("203.0.113.50:%d", 10000+i%50000), "10.0.0.80:443", time.Duration(i)*time.Millisecond))
		}
		assert.Empty(t, h.Alerts)
		alerts := h.Observe(syn("203.0.113.50:9999", "10.0.0.80:443", 9999*time.Millisecond))
		require.Len(t, alerts, 1)
		assert.Equal(t, "10000", alerts[0].Evidence["connections"])
	})
}

func TestHostSweep(t *testing.T) {
	h := dt.New(t, HostSweep, map[string]any{"unique_hosts": 4})
	for i := 1; i <= 4; i++ {
		f := dt.Flow(models.ProtoICMP, "10.0.0.5:0", fmt.Sprintf("10.0.1.%d:0", i), dt.Seconds(float64(i)))
		f.ICMPType = 8
		h.Observe(f)
	}
	require.Len(t, h.Alerts, 1)
	assert.Equal(t, models.ThreatHostSweep, h.Alerts[0].ThreatType)
}

func TestIoTBotnetScan(t *testing.T) {
	h := dt.New(t, IoTBotnetScan, map[string]any{"unique_targets": 3})
	for i := 1; i <= 3; i++ {
		h.Observe(syn("10.0.0.66:41000", fmt.Sprintf("203.0.113.%d:23", i), dt.Seconds(float64(i))))
	}
	require.Len(t, h.Alerts, 1)
	assert.Equal(t, "23", h.Alerts[0].Evidence["port"])
}

func TestDNSAmplification(t *testing.T) {
	h := dt.New(t, DNSAmplification, map[string]any{"response_threshold": 5})
	for i := 0; i < 5; i++ {
		f := dt.UDP(fmt.Sprintf("192.0.2.%d:53", i+1), "10.0.0.9:40000", dt.Seconds(float64(i)), nil)
		f.Bytes = 3000
		h.Observe(f)
	}
	require.Len(t, h.Alerts, 1)
	assert.Equal(t, "5", h.Alerts[0].Evidence["resolvers"])

	small := dt.New(t, DNSAmplification, map[string]any{"response_threshold": 2})
	for i := 0; i < 10; i++ {
		small.Observe(dt.UDP("192.0.2.1:53", "10.0.0.9:40000", dt.Seconds(float64(i)), []byte("tiny")))
	}
	assert.Empty(t, small.Alerts)
}

func TestDataExfiltration(t *testing.T) {
	t.Run("volume", func(t *testing.T) {
		h := dt.New(t, DataExfiltration, map[string]any{"threshold_mb": 100})
		for i := 0; i < 9; i++ {
			f := dt.Payload("10.0.0.5:50000", "198.51.100.7:443", dt.Seconds(float64(i)), nil)
			f.Bytes = 10 * mib
			h.Observe(f)
		}
		assert.Empty(t, h.Alerts)
		f := dt.Payload("10.0.0.5:50000", "198.51.100.7:443", dt.Seconds(9), nil)
		f.Bytes = 10 * mib
		alerts := h.Observe(f)
		require.Len(t, alerts, 1)
		assert.Equal(t, "volume", alerts[0].Evidence["reason"])
		assert.Equal(t, "100.0", alerts[0].Evidence["bytes_mb"])
	})

	t.Run("volume from many small flows", func(t *testing.T) {
		h := dt.New(t, DataExfiltration, map[string]any{"threshold_mb": 100, "time_window": 300 * time.Second})
		for i := 0; i < 10000; i++ {
			f := dt.Payload("10.0.0.5:50000", "198.51.100.7:443", time.Duration(i)*20*time.Millisecond, nil)
			f.Bytes = 12000
			h.Observe(f)
		}
		require.Len(t, h.Alerts, 1)
		assert.Equal(t, "volume", h.Alerts[0].Evidence["reason"])
	})

	t.Run("destinations", func(t *testing.T) {
		h := dt.New(t, DataExfiltration, map[string]any{"unique_destinations": 3})
		for i := 1; i <= 3; i++ {
			h.Observe(dt.Payload("10.0.0.5:50000", fmt.Sprintf("198.51.100.%d:443", i), dt.Seconds(float64(i)), []byte("x")))
		}
		require.Len(t, h.Alerts, 1)
		assert.Equal(t, "destinations", h.Alerts[0].Evidence["reason"])
	})

	t.Run("inbound ignored", func(t *testing.T) {
		h := dt.New(t, DataExfiltration, map[string]any{"threshold_mb": 1})
		f := dt.Payload("198.51.100.7:443", "10.0.0.5:50000", 0, nil)
		f.Bytes = 50 * mib
		h.Observe(f)
		assert.Empty(t, h.Alerts)
	})
}

func TestBeaconing(t *testing.T) {
	tests := []struct {
		name  string
		gaps  []float64
		alert bool
	}{
		{"periodic", []float64{60, 60.5, 59.5, 60, 60.2}, true},
		{"jittery", []float64{10, 90, 30, 120, 5}, false},
		{"too few", []float64{60, 60, 60, 60}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := dt.New(t, Beaconing, map[string]any{"min_connections": 5, "max_jitter_percent": 20})
			mono := 10 * time.Second
			h.Observe(syn("10.0.0.5:50000", "198.51.100.7:8443", mono))
			for _, g := range tt.gaps {
				mono += dt.Seconds(g)
				h.Observe(syn("10.0.0.5:50000", "198.51.100.7:8443", mono))
			}
			if !tt.alert {
				assert.Empty(t, h.Alerts)
				return
			}
			require.Len(t, h.Alerts, 1)
			assert.Equal(t, models.ThreatBeacon, h.Alerts[0].ThreatType)
			assert.Equal(t, "5", h.Alerts[0].Evidence["intervals"])
		})
	}

	t.Run("internal destinations ignored", func(t *testing.T) {
		h := dt.New(t, Beaconing, nil)
		for i := 0; i < 10; i++ {
			h.Observe(syn("10.0.0.5:50000", "10.0.0.6:443", dt.Seconds(float64(i*60))))
		}
		assert.Empty(t, h.Alerts)
	})
}

func TestLargeTransfer(t *testing.T) {
	h := dt.New(t, LargeTransfer, map[string]any{"size_threshold_mb": 5})
	f := dt.Payload("10.0.0.5:50000", "198.51.100.7:25", 0, nil)
	f.Bytes = 6 * mib
	require.Len(t, h.Observe(f), 1)

	g := dt.Payload("10.0.0.6:50000", "198.51.100.7:443", 0, nil)
	g.Bytes = 60 * mib
	assert.Empty(t, h.Observe(g))
}

func TestICMPTunnel(t *testing.T) {
	h := dt.New(t, ICMPTunnel, map[string]any{"frequency_threshold": 10})
	for i := 0; i < 10; i++ {
		f := dt.Flow(models.ProtoICMP, "10.0.0.5:0", "198.51.100.9:0", dt.Seconds(float64(i)))
		f.ICMPType = 8
		f.Payload = make([]byte, 200)
		h.Observe(f)
	}
	require.Len(t, h.Alerts, 1)
	assert.Equal(t, "200", h.Alerts[0].Evidence["avg_payload"])

	quiet := dt.New(t, ICMPTunnel, map[string]any{"frequency_threshold": 2})
	for i := 0; i < 10; i++ {
		f := dt.Flow(models.ProtoICMP, "10.0.0.5:0", "198.51.100.9:0", dt.Seconds(float64(i)))
		f.ICMPType = 8
		f.Payload = make([]byte, 56)
		quiet.Observe(f)
	}
	assert.Empty(t, quiet.Alerts)
}

func TestLateralMovement(t *testing.T) {
	h := dt.New(t, LateralMovement, map[string]any{"unique_targets": 5})
	for i := 1; i <= 5; i++ {
		h.Observe(syn("10.0.0.5:50000", fmt.Sprintf("10.0.2.%d:445", i), dt.Seconds(float64(i))))
	}
	require.Len(t, h.Alerts, 1)
	assert.Equal(t, "5", h.Alerts[0].Evidence["unique_targets"])

	ext := dt.New(t, LateralMovement, map[string]any{"unique_targets": 2})
	for i := 1; i <= 5; i++ {
		ext.Observe(syn("10.0.0.5:50000", fmt.Sprintf("198.51.100.%d:445", i), dt.Seconds(float64(i))))
	}
	assert.Empty(t, ext.Alerts)
}

func TestPacketSize(t *testing.T) {
	h := dt.New(t, PacketSize, map[string]any{"count_threshold": 3})
	for i := 0; i < 3; i++ {
		f := dt.Payload("198.51.100.9:40000", "10.0.0.5:80", dt.Seconds(float64(i)), nil)
		f.Bytes = 9000
		h.Observe(f)
	}
	require.Len(t, h.Alerts, 1)
	assert.Equal(t, "9000", h.Alerts[0].Evidence["last_size"])

	normal := dt.New(t, PacketSize, map[string]any{"count_threshold": 1})
	f := dt.Payload("198.51.100.9:40000", "10.0.0.5:80", 0, nil)
	f.Bytes, f.Packets = 14000, 10
	assert.Empty(t, normal.Observe(f))
}

func TestFragmentation(t *testing.T) {
	h := dt.New(t, Fragmentation, map[string]any{"anomaly_threshold": 3})
	f := dt.Flow(models.ProtoUDP, "198.51.100.9:0", "10.0.0.5:0", 0)
	f.Anomalies = []models.Anomaly{{Kind: models.AnomalyFragmentOverlap}, {Kind: models.AnomalyTinyFragment}}
	assert.Empty(t, h.Observe(f))

	g := dt.Flow(models.ProtoUDP, "198.51.100.9:0", "10.0.0.5:0", time.Second)
	g.Anomalies = []models.Anomaly{{Kind: models.AnomalyFragmentCount}}
	alerts := h.Observe(g)
	require.Len(t, alerts, 1)
	assert.Equal(t, "fragment_count", alerts[0].Evidence["kinds"])
}

func TestProtocolMismatch(t *testing.T) {
	httpReq := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	tests := []struct {
		name    string
		src     string
		dst     string
		payload []byte
		alert   bool
	}{
		{"http on 80", "10.0.0.5:50000", "198.51.100.7:80", httpReq, false},
		{"http on 4444", "10.0.0.5:50000", "198.51.100.7:4444", httpReq, true},
		{"ssh on 22", "10.0.0.5:50000", "198.51.100.7:22", []byte("SSH-2.0-OpenSSH_9.6\r\n"), false},
		{"ssh on 443", "10.0.0.5:50000", "198.51.100.7:443", []byte("SSH-2.0-OpenSSH_9.6\r\n"), true},
		{"unknown payload", "10.0.0.5:50000", "198.51.100.7:9999", []byte{0xde, 0xad}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := dt.New(t, ProtocolMismatch, nil)
			alerts := h.Observe(dt.Payload(tt.src, tt.dst, 0, tt.payload))
			if tt.alert {
				require.Len(t, alerts, 1)
				assert.Equal(t, models.ThreatProtocolMismatch, alerts[0].ThreatType)
			} else {
				assert.Empty(t, alerts)
			}
		})
	}
}

func TestContainerAPI(t *testing.T) {
	h := dt.New(t, ContainerAPI, nil)
	alerts := h.Observe(syn("203.0.113.9:40000", "10.0.0.20:2375", 0))
	require.Len(t, alerts, 1)
	assert.Equal(t, "docker", alerts[0].Evidence["service"])

	assert.Empty(t, h.Observe(syn("203.0.113.9:40001", "10.0.0.20:2375", time.Second)), "cooldown")
	assert.Empty(t, h.Observe(syn("10.0.0.3:40000", "10.0.0.20:10250", 0)), "internal source")
}

func TestEvictAndTableLimit(t *testing.T) {
	h := dt.New(t, PortScan, map[string]any{"unique_ports": 100})
	h.Snapshot.Config = &config.Config{Engine: config.EngineConfig{MaxKeys: 2}}
	for i := 1; i <= 3; i++ {
		h.Observe(syn(fmt.Sprintf("203.0.113.%d:40000", i), "10.0.0.10:22", dt.Seconds(float64(i))))
	}
	assert.Equal(t, 0, h.Evict(dt.Seconds(30), time.Minute))
	assert.Equal(t, 2, h.Evict(dt.Seconds(120), time.Minute))
}
