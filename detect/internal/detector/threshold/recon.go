package threshold

import (
	"net/netip"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

// distinctState counts distinct members per key with a cooldown.
type distinctState[M comparable] struct {
	seen *window.Distinct[M]
	cd   window.Cooldown
}

func newDistinctState[M comparable]() *distinctState[M] {
	return &distinctState[M]{seen: window.NewDistinct[M](0)}
}

// PortScan fires when one source reaches many distinct destination ports.
var PortScan = detector.Descriptor{
	Key:     "port_scan",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatPortScan, models.ThreatInternalPortScan},
	Params: []config.ParamSpec{
		config.Int("unique_ports", 20, 2, 65535, "distinct destination ports"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
	},
	New: func() detector.Detector {
		return &portScan{state: detector.NewKeyed[netip.Addr](newDistinctState[uint16])}
	},
}

type portScan struct {
	state detector.Keyed[netip.Addr, distinctState[uint16]]
}

func (d *portScan) Observe(c *detector.Context, f *models.Flow) {
	if (!f.IsTCP() && !f.IsUDP()) || !attempt(f) {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	n := st.seen.Add(f.Mono, c.Params.Duration("time_window"), f.DstPort)
	if n < c.Params.Int("unique_ports") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())

	t := models.ThreatPortScan
	if f.Direction == models.DirectionInternal {
		t = models.ThreatInternalPortScan
	}
	c.Emit(c.Alert(t, f, "%s contacted %d distinct ports within %s", f.SrcIP, n, c.Params.Duration("time_window")).
		WithEvidence("unique_ports", itoa(n), "time_window", seconds(c.Params.Duration("time_window"))))
}

func (d *portScan) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// HostSweep fires when one source pings many distinct hosts.
var HostSweep = detector.Descriptor{
	Key:     "host_sweep",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatHostSweep},
	Params: []config.ParamSpec{
		config.Int("unique_hosts", 20, 2, 1<<20, "distinct echo destinations"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
	},
	New: func() detector.Detector {
		return &hostSweep{state: detector.NewKeyed[netip.Addr](newDistinctState[netip.Addr])}
	},
}

type hostSweep struct {
	state detector.Keyed[netip.Addr, distinctState[netip.Addr]]
}

func (d *hostSweep) Observe(c *detector.Context, f *models.Flow) {
	if !echoRequest(f) {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	n := st.seen.Add(f.Mono, c.Params.Duration("time_window"), f.DstIP)
	if n < c.Params.Int("unique_hosts") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatHostSweep, f, "%s sent echo requests to %d hosts", f.SrcIP, n).
		WithEvidence("unique_hosts", itoa(n)))
}

func (d *hostSweep) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// IoTBotnetScan fires on Mirai-style telnet sweeps.
var IoTBotnetScan = detector.Descriptor{
	Key:     "iot_botnet_scan",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatIoTBotnetScan},
	Params: []config.ParamSpec{
		config.Int("unique_targets", 10, 2, 1<<20, "distinct telnet destinations"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
		config.Strings("ports", []string{"23", "2323"}, "telnet ports"),
	},
	New: func() detector.Detector {
		return &iotScan{state: detector.NewKeyed[netip.Addr](newDistinctState[netip.Addr])}
	},
}

type iotScan struct {
	state detector.Keyed[netip.Addr, distinctState[netip.Addr]]
	ports detector.Ports
}

func (d *iotScan) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || !attempt(f) || !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	n := st.seen.Add(f.Mono, c.Params.Duration("time_window"), f.DstIP)
	if n < c.Params.Int("unique_targets") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatIoTBotnetScan, f, "%s contacted telnet on %d hosts", f.SrcIP, n).
		WithEvidence("unique_targets", itoa(n), "port", itoa(int(f.DstPort))))
}

func (d *iotScan) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}
