package threshold

import (
	"net/netip"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

// PacketSize fires when a source keeps sending packets outside the normal
// size range.
var PacketSize = detector.Descriptor{
	Key:     "packet_size",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatUnusualPacketSize},
	Params: []config.ParamSpec{
		config.Int("min_suspicious_size", 1400, 64, 65535, "ICMP packets at or above this size are unusual"),
		config.Int("max_normal_size", 1500, 576, 65535, "any packet above this size is unusual"),
		config.Int("count_threshold", 10, 1, 1e6, "unusual packets per window"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
	},
	New: func() detector.Detector {
		return &packetSize{state: detector.NewKeyed[netip.Addr](newCounterState)}
	},
}

type packetSize struct {
	state detector.Keyed[netip.Addr, counterState]
}

func (d *packetSize) Observe(c *detector.Context, f *models.Flow) {
	size := int(f.Bytes / uint64(packets(f)))
	unusual := size > c.Params.Int("max_normal_size") ||
		(f.IsICMP() && size >= c.Params.Int("min_suspicious_size"))
	if !unusual {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	st.events.Add(f.Mono, c.Params.Duration("time_window"), int64(size))
	n := st.events.Count()
	if n < c.Params.Int("count_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatUnusualPacketSize, f, "%s sent %d %s packets of unusual size", f.SrcIP, n, f.Protocol).
		WithEvidence("packets", itoa(n), "last_size", itoa(size)))
}

func (d *packetSize) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// Fragmentation fires when one source produces repeated fragment anomalies.
var Fragmentation = detector.Descriptor{
	Key:     "fragmentation",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatFragmentationAttack},
	Params: []config.ParamSpec{
		config.Int("anomaly_threshold", 3, 1, 1e6, "fragment anomalies per window"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
	},
	New: func() detector.Detector {
		return &fragmentation{state: detector.NewKeyed[netip.Addr](newCounterState)}
	},
}

type fragmentation struct {
	state detector.Keyed[netip.Addr, counterState]
}

func (d *fragmentation) Observe(c *detector.Context, f *models.Flow) {
	if len(f.Anomalies) == 0 {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("time_window")
	for range f.Anomalies {
		st.events.Add(f.Mono, w, 1)
	}
	n := st.events.Count()
	if n < c.Params.Int("anomaly_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	kinds := make([]string, 0, len(f.Anomalies))
	for _, a := range f.Anomalies {
		kinds = append(kinds, string(a.Kind))
	}
	c.Emit(c.Alert(models.ThreatFragmentationAttack, f, "%s produced %d fragmentation anomalies", f.SrcIP, n).
		WithEvidence("anomalies", itoa(n), "kinds", strings.Join(kinds, ",")))
}

func (d *fragmentation) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// ProtocolMismatch fires when HTTP, SSH or TLS runs on a port not
// registered for it, a common way to slip past port based filtering.
var ProtocolMismatch = detector.Descriptor{
	Key:     "protocol_mismatch",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatProtocolMismatch},
	Params: []config.ParamSpec{
		config.Strings("http_ports", []string{"80", "591", "3128", "8000", "8008", "8080", "8081", "8888"}, "ports expected to carry HTTP"),
		config.Strings("ssh_ports", []string{"22", "2222"}, "ports expected to carry SSH"),
		config.Strings("tls_ports", []string{"443", "465", "563", "636", "853", "989", "990", "992", "993", "994", "995", "3269", "5061", "8443", "9443"}, "ports expected to carry TLS"),
	},
	New: func() detector.Detector {
		return &mismatch{state: detector.NewKeyed[serviceKey](detector.NewCooldown)}
	},
}

type mismatch struct {
	state detector.Keyed[serviceKey, window.Cooldown]
	http  detector.Ports
	ssh   detector.Ports
	tls   detector.Ports
}

func (d *mismatch) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || len(f.Payload) == 0 {
		return
	}
	proto := parse.Signature(f.Payload)
	var ports map[uint16]bool
	switch proto {
	case "http":
		ports = d.http.Get(c.Params.Strings("http_ports"))
	case "ssh":
		ports = d.ssh.Get(c.Params.Strings("ssh_ports"))
	case "tls":
		ports = d.tls.Get(c.Params.Strings("tls_ports"))
	default:
		return
	}
	// The server side is unknown for a single packet; either endpoint on a
	// registered port is fine.
	if ports[f.DstPort] || ports[f.SrcPort] {
		return
	}
	server, port := f.DstIP, f.DstPort
	if f.SrcPort < f.DstPort {
		server, port = f.SrcIP, f.SrcPort
	}
	cd := d.state.Get(c, serviceKey{f.SrcIP, server, port}, f.Mono)
	if cd == nil || !cd.Ready(f.Mono) {
		return
	}
	cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatProtocolMismatch, f, "%s traffic on non-standard port %d", strings.ToUpper(proto), port).
		WithEvidence("protocol", proto, "port", itoa(int(port))))
}

func (d *mismatch) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// ContainerAPI fires when a host outside the monitored network reaches a
// container management API.
var ContainerAPI = detector.Descriptor{
	Key:     "container_api",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatContainerAPIExposure},
	Params: []config.ParamSpec{
		config.Strings("ports", []string{"2375", "2376", "2379", "2380", "10250", "10255"}, "Docker, etcd and kubelet API ports"),
	},
	New: func() detector.Detector {
		return &containerAPI{state: detector.NewKeyed[serviceKey](detector.NewCooldown)}
	},
}

type containerAPI struct {
	state detector.Keyed[serviceKey, window.Cooldown]
	ports detector.Ports
}

func (d *containerAPI) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || f.Direction != models.DirectionInbound || !attempt(f) {
		return
	}
	if !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	cd := d.state.Get(c, serviceKey{f.SrcIP, f.DstIP, f.DstPort}, f.Mono)
	if cd == nil || !cd.Ready(f.Mono) {
		return
	}
	cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatContainerAPIExposure, f, "external host %s reached container API %s:%d", f.SrcIP, f.DstIP, f.DstPort).
		WithEvidence("port", itoa(int(f.DstPort)), "service", containerService(f.DstPort)))
}

func (d *containerAPI) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

func containerService(port uint16) string {
	switch port {
	case 2375, 2376:
		return "docker"
	case 2379, 2380:
		return "etcd"
	case 10250, 10255:
		return "kubelet"
	}
	return "unknown"
}
