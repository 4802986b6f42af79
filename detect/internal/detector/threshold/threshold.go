// Package threshold implements the stateful sliding-window detectors. Each
// detector keeps lazily created per-key state, evaluates after every
// accumulation and arms a per-key cooldown once it fires.
package threshold

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Descriptors returns every threshold detector.
func Descriptors() []detector.Descriptor {
	return []detector.Descriptor{
		PortScan,
		HostSweep,
		IoTBotnetScan,
		ConnectionFlood,
		SYNFlood,
		UDPFlood,
		ICMPFlood,
		DNSAmplification,
		DataExfiltration,
		Beaconing,
		LargeTransfer,
		ICMPTunnel,
		LateralMovement,
		BruteForce,
		PacketSize,
		Fragmentation,
		ProtocolMismatch,
		ContainerAPI,
	}
}

type serviceKey struct {
	src, dst netip.Addr
	port     uint16
}

// attempt reports whether f looks like a client opening a connection rather
// than a reply or the middle of an established session. Flow records
// without flags count as attempts.
func attempt(f *models.Flow) bool {
	switch {
	case f.IsTCP():
		return f.TCPFlags.SYNOnly() || f.TCPFlags == 0
	case f.IsUDP():
		return !(f.SrcPort < 1024 && f.DstPort >= 1024)
	}
	return true
}

func echo(f *models.Flow) bool {
	switch f.Protocol {
	case models.ProtoICMP:
		return f.ICMPType == 8 || f.ICMPType == 0
	case models.ProtoICMPv6:
		return f.ICMPType == 128 || f.ICMPType == 129
	}
	return false
}

func echoRequest(f *models.Flow) bool {
	return (f.Protocol == models.ProtoICMP && f.ICMPType == 8) ||
		(f.Protocol == models.ProtoICMPv6 && f.ICMPType == 128)
}

func packets(f *models.Flow) int64 {
	if f.Packets == 0 {
		return 1
	}
	return int64(f.Packets)
}

func itoa(n int) string { return strconv.Itoa(n) }

func mb(bytes int64) string {
	return strconv.FormatFloat(float64(bytes)/(1024*1024), 'f', 1, 64)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 0, 64) + "s"
}
