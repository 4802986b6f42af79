package protocol

import (
	"net/netip"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
)

// icsFlood counts state-changing operations per source sent to one
// industrial protocol port. Reads are never counted.
type icsFlood struct {
	state  detector.Keyed[netip.Addr, counterState]
	ports  detector.Ports
	proto  models.Protocol
	decode func([]byte) ([]parse.ICSOp, error)
	threat models.ThreatType
	name   string
}

func (d *icsFlood) Observe(c *detector.Context, f *models.Flow) {
	if f.Protocol != d.proto || len(f.Payload) == 0 || !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	ops, err := d.decode(f.Payload)
	if err != nil {
		return
	}
	writes := 0
	var last string
	for _, op := range ops {
		if op.Write {
			writes++
			last = op.Name
		}
	}
	if writes == 0 {
		return
	}
	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("time_window")
	for i := 0; i < writes; i++ {
		st.events.Add(f.Mono, w, 1)
	}
	n := st.events.Count()
	if n < c.Params.Int("write_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(d.threat, f, "%s sent %d %s control operations to %s within %s", f.SrcIP, n, d.name, f.DstIP, w).
		WithEvidence("operations", itoa(n), "last_operation", last, "protocol", d.name))
}

func (d *icsFlood) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch)
}

func icsParams(port string, threshold int) []config.ParamSpec {
	return []config.ParamSpec{
		config.Int("write_threshold", threshold, 1, 1e6, "control operations per source"),
		config.Duration("time_window", 60*time.Second, time.Second, time.Hour, "sliding window"),
		config.Strings("ports", []string{port}, "server ports"),
	}
}

// Modbus counts Modbus/TCP write function codes.
var Modbus = detector.Descriptor{
	Key:     "modbus",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatModbusWriteFlood},
	Params:  icsParams("502", 20),
	New: func() detector.Detector {
		return &icsFlood{
			state:  detector.NewKeyed[netip.Addr](newCounterState),
			proto:  models.ProtoTCP,
			decode: parse.ParseModbus,
			threat: models.ThreatModbusWriteFlood,
			name:   "Modbus",
		}
	},
}

// DNP3 counts DNP3 operate, write and restart requests.
var DNP3 = detector.Descriptor{
	Key:     "dnp3",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatDNP3ControlFlood},
	Params:  icsParams("20000", 10),
	New: func() detector.Detector {
		return &icsFlood{
			state:  detector.NewKeyed[netip.Addr](newCounterState),
			proto:  models.ProtoTCP,
			decode: parse.ParseDNP3,
			threat: models.ThreatDNP3ControlFlood,
			name:   "DNP3",
		}
	},
}

// IEC104 counts IEC 60870-5-104 command ASDUs.
var IEC104 = detector.Descriptor{
	Key:     "iec104",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatIEC104CommandFlood},
	Params:  icsParams("2404", 10),
	New: func() detector.Detector {
		return &icsFlood{
			state:  detector.NewKeyed[netip.Addr](newCounterState),
			proto:  models.ProtoTCP,
			decode: parse.ParseIEC104,
			threat: models.ThreatIEC104CommandFlood,
			name:   "IEC 104",
		}
	},
}

// BACnet counts BACnet/IP write and device control services.
var BACnet = detector.Descriptor{
	Key:     "bacnet",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatBACnetWriteFlood},
	Params:  icsParams("47808", 10),
	New: func() detector.Detector {
		return &icsFlood{
			state: detector.NewKeyed[netip.Addr](newCounterState),
			proto: models.ProtoUDP,
			decode: func(b []byte) ([]parse.ICSOp, error) {
				op, err := parse.ParseBACnet(b)
				if err != nil {
					return nil, err
				}
				return []parse.ICSOp{*op}, nil
			},
			threat: models.ThreatBACnetWriteFlood,
			name:   "BACnet",
		}
	},
}
