package threshold

import (
	"net/netip"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// LateralMovement fires when one internal host reaches many internal hosts
// over remote administration protocols.
var LateralMovement = detector.Descriptor{
	Key:     "lateral_movement",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatLateralMovement},
	Params: []config.ParamSpec{
		config.Int("unique_targets", 5, 2, 1<<20, "distinct internal destinations"),
		config.Duration("time_window", 300*time.Second, time.Second, 24*time.Hour, "sliding window"),
		config.Strings("ports", []string{"22", "135", "139", "445", "3389", "5985", "5986"}, "SSH, RPC, SMB, RDP and WinRM ports"),
	},
	New: func() detector.Detector {
		return &lateral{state: detector.NewKeyed[netip.Addr](newDistinctState[netip.Addr])}
	},
}

type lateral struct {
	state detector.Keyed[netip.Addr, distinctState[netip.Addr]]
	ports detector.Ports
}

func (d *lateral) Observe(c *detector.Context, f *models.Flow) {
	if f.Direction != models.DirectionInternal || !f.IsTCP() || !attempt(f) {
		return
	}
	if !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
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
	c.Emit(c.Alert(models.ThreatLateralMovement, f, "%s reached %d internal hosts via remote access ports", f.SrcIP, n).
		WithEvidence("unique_targets", itoa(n), "last_port", itoa(int(f.DstPort))))
}

func (d *lateral) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

// BruteForce fires on repeated connection attempts to one authentication
// service.
var BruteForce = detector.Descriptor{
	Key:     "brute_force",
	Family:  detector.FamilyThreshold,
	Threats: []models.ThreatType{models.ThreatBruteForce},
	Params: []config.ParamSpec{
		config.Int("attempts_threshold", 5, 2, 1e6, "attempts per source, destination and port"),
		config.Duration("time_window", 300*time.Second, time.Second, 24*time.Hour, "sliding window"),
		config.Strings("ports", []string{"21", "22", "23", "110", "143", "389", "445", "1433", "3306", "3389", "5432", "5900"}, "authentication service ports"),
	},
	New: func() detector.Detector {
		return &bruteForce{state: detector.NewKeyed[serviceKey](newCounterState)}
	},
}

type bruteForce struct {
	state detector.Keyed[serviceKey, counterState]
	ports detector.Ports
}

func (d *bruteForce) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || !attempt(f) || !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	st := d.state.Get(c, serviceKey{f.SrcIP, f.DstIP, f.DstPort}, f.Mono)
	if st == nil {
		return
	}
	st.events.Add(f.Mono, c.Params.Duration("time_window"), 1)
	n := st.events.Count()
	if n < c.Params.Int("attempts_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatBruteForce, f, "%s made %d connection attempts to %s:%d", f.SrcIP, n, f.DstIP, f.DstPort).
		WithEvidence("attempts", itoa(n), "port", itoa(int(f.DstPort))))
}

func (d *bruteForce) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}
