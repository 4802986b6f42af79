// Package normalizer turns raw captured frames and sensor flow records into
// canonical models.Flow values.
package normalizer

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Config bounds the normalizer's buffers.
type Config struct {
	MaxPayload      int
	MaxFragments    int
	MaxPending      int
	FragmentTimeout time.Duration
	TinyFragment    int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxPayload:      4096,
		MaxFragments:    64,
		MaxPending:      1024,
		FragmentTimeout: 30 * time.Second,
		TinyFragment:    16,
	}
}

type fragKey struct {
	src, dst netip.Addr
	id       uint16
	proto    layers.IPProtocol
}

type fragTrack struct {
	count     int
	ranges    [][2]int
	firstSeen time.Time
	abandoned bool
}

// Normalizer decodes frames for one worker. It is not safe for concurrent
// use; every worker owns its own instance so fragments of one source are
// always reassembled in one place.
type Normalizer struct {
	cfg      Config
	networks *Networks

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	decoded []gopacket.LayerType

	tcp   layers.TCP
	udp   layers.UDP
	icmp4 layers.ICMPv4
	icmp6 layers.ICMPv6

	defrag *ip4defrag.IPv4Defragmenter
	frags  map[fragKey]*fragTrack
}

// New returns a Normalizer classifying direction with networks.
func New(cfg Config, networks *Networks) *Normalizer {
	def := DefaultConfig()
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = def.MaxFragments
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = def.FragmentTimeout
	}
	if cfg.TinyFragment <= 0 {
		cfg.TinyFragment = def.TinyFragment
	}
	if networks == nil {
		networks = DefaultNetworks()
	}

	n := &Normalizer{
		cfg:      cfg,
		networks: networks,
		defrag:   ip4defrag.NewIPv4Defragmenter(),
		frags:    make(map[fragKey]*fragTrack),
		decoded:  make([]gopacket.LayerType, 0, 4),
	}
	n.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &n.eth, &n.dot1q, &n.ip4, &n.ip6)
	n.parser.IgnoreUnsupported = true
	return n
}

// SetNetworks swaps the internal-network classifier, normally once per
// batch when the configuration snapshot changes.
func (n *Normalizer) SetNetworks(networks *Networks) {
	if networks != nil {
		n.networks = networks
	}
}

// Normalize decodes one Ethernet frame. A truncated or malformed frame
// returns an error wrapping models.ErrParse. It returns (nil, nil) while a
// fragmented datagram is still incomplete.
func (n *Normalizer) Normalize(frame models.Frame) (*models.Flow, error) {
	if err := n.parser.DecodeLayers(frame.Data, &n.decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrParse, err)
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	flow := &models.Flow{
		Timestamp: ts,
		Mono:      frame.Mono,
		Bytes:     uint64(len(frame.Data)),
		Packets:   1,
		SensorID:  frame.SensorID,
	}

	var (
		proto   layers.IPProtocol
		payload []byte
		haveIP  bool
	)
	for _, lt := range n.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP = true
			flow.SrcIP = toAddr(n.ip4.SrcIP)
			flow.DstIP = toAddr(n.ip4.DstIP)
			flow.TTL = n.ip4.TTL
			proto = n.ip4.Protocol
			payload = n.ip4.Payload

			if isFragment(&n.ip4) {
				full, anomalies := n.reassemble(ts)
				flow.Anomalies = anomalies
				if full == nil {
					if len(anomalies) == 0 {
						return nil, nil
					}
					flow.Protocol = models.Protocol(proto)
					flow.Direction = n.networks.Direction(flow.SrcIP, flow.DstIP)
					return flow, nil
				}
				payload = full.Payload
				flow.Bytes = uint64(int(n.ip4.IHL)*4 + len(full.Payload))
			}
		case layers.LayerTypeIPv6:
			haveIP = true
			flow.SrcIP = toAddr(n.ip6.SrcIP)
			flow.DstIP = toAddr(n.ip6.DstIP)
			flow.TTL = n.ip6.HopLimit
			proto = n.ip6.NextHeader
			payload = n.ip6.Payload
		}
	}
	if !haveIP {
		return nil, models.NewParseError("ip", "no IPv4 or IPv6 layer")
	}

	flow.Protocol = models.Protocol(proto)
	flow.Direction = n.networks.Direction(flow.SrcIP, flow.DstIP)
	if err := n.decodeTransport(flow, proto, payload); err != nil {
		return nil, err
	}
	return flow, nil
}

func (n *Normalizer) decodeTransport(flow *models.Flow, proto layers.IPProtocol, data []byte) error {
	var payload []byte
	switch proto {
	case layers.IPProtocolTCP:
		if err := n.tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("%w: tcp: %v", models.ErrParse, err)
		}
		flow.SrcPort = uint16(n.tcp.SrcPort)
		flow.DstPort = uint16(n.tcp.DstPort)
		flow.TCPFlags = tcpFlags(&n.tcp)
		payload = n.tcp.Payload
	case layers.IPProtocolUDP:
		if err := n.udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("%w: udp: %v", models.ErrParse, err)
		}
		flow.SrcPort = uint16(n.udp.SrcPort)
		flow.DstPort = uint16(n.udp.DstPort)
		payload = n.udp.Payload
	case layers.IPProtocolICMPv4:
		if err := n.icmp4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("%w: icmp: %v", models.ErrParse, err)
		}
		flow.ICMPType = n.icmp4.TypeCode.Type()
		flow.ICMPCode = n.icmp4.TypeCode.Code()
		payload = n.icmp4.Payload
	case layers.IPProtocolICMPv6:
		if err := n.icmp6.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return fmt.Errorf("%w: icmpv6: %v", models.ErrParse, err)
		}
		flow.ICMPType = n.icmp6.TypeCode.Type()
		flow.ICMPCode = n.icmp6.TypeCode.Code()
		payload = n.icmp6.Payload
	default:
		payload = data
	}
	flow.Payload = n.capPayload(payload)
	return nil
}

func (n *Normalizer) capPayload(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	if len(p) > n.cfg.MaxPayload {
		p = p[:n.cfg.MaxPayload]
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// reassemble feeds the current IPv4 fragment to the defragmenter. It returns
// the reassembled datagram when complete, and any anomalies observed.
func (n *Normalizer) reassemble(ts time.Time) (*layers.IPv4, []models.Anomaly) {
	key := fragKey{
		src:   toAddr(n.ip4.SrcIP),
		dst:   toAddr(n.ip4.DstIP),
		id:    n.ip4.Id,
		proto: n.ip4.Protocol,
	}
	start := int(n.ip4.FragOffset) * 8
	end := start + len(n.ip4.Payload)
	more := n.ip4.Flags&layers.IPv4MoreFragments != 0

	var anomalies []models.Anomaly
	if start == 0 && more && len(n.ip4.Payload) < n.cfg.TinyFragment {
		anomalies = append(anomalies, models.Anomaly{
			Kind:   models.AnomalyTinyFragment,
			Detail: fmt.Sprintf("first fragment carries %d bytes", len(n.ip4.Payload)),
		})
	}

	track, ok := n.frags[key]
	if !ok {
		if len(n.frags) >= n.cfg.MaxPending {
			anomalies = append(anomalies, models.Anomaly{
				Kind:   models.AnomalyReassemblyOverflow,
				Detail: fmt.Sprintf("%d datagrams pending", len(n.frags)),
			})
			return nil, anomalies
		}
		track = &fragTrack{firstSeen: ts}
		n.frags[key] = track
	}
	if track.abandoned {
		return nil, anomalies
	}

	track.count++
	if track.count > n.cfg.MaxFragments {
		track.abandoned = true
		return nil, append(anomalies, models.Anomaly{
			Kind:   models.AnomalyFragmentCount,
			Detail: fmt.Sprintf("more than %d fragments", n.cfg.MaxFragments),
		})
	}
	for _, r := range track.ranges {
		if start < r[1] && end > r[0] {
			track.abandoned = true
			return nil, append(anomalies, models.Anomaly{
				Kind:   models.AnomalyFragmentOverlap,
				Detail: fmt.Sprintf("bytes %d-%d overlap %d-%d", start, end, r[0], r[1]),
			})
		}
	}
	track.ranges = append(track.ranges, [2]int{start, end})

	// The defragmenter keeps the layer it is given, so hand it a copy.
	frag := n.ip4
	frag.Payload = append([]byte(nil), n.ip4.Payload...)
	full, err := n.defrag.DefragIPv4WithTimestamp(&frag, ts)
	if err != nil {
		delete(n.frags, key)
		return nil, append(anomalies, models.Anomaly{
			Kind:   models.AnomalyReassemblyOverflow,
			Detail: err.Error(),
		})
	}
	if full == nil {
		return nil, anomalies
	}
	delete(n.frags, key)
	if len(full.Payload) > n.cfg.MaxPayload+64 {
		full.Payload = full.Payload[:n.cfg.MaxPayload+64]
	}
	return full, anomalies
}

// Expire discards incomplete datagrams older than the fragment timeout and
// returns how many were dropped.
func (n *Normalizer) Expire(now time.Time) int {
	cut := now.Add(-n.cfg.FragmentTimeout)
	n.defrag.DiscardOlderThan(cut)
	dropped := 0
	for k, t := range n.frags {
		if t.firstSeen.Before(cut) {
			delete(n.frags, k)
			dropped++
		}
	}
	return dropped
}

// Pending is the number of datagrams awaiting reassembly.
func (n *Normalizer) Pending() int {
	return len(n.frags)
}

// FromRecord converts a sensor-built flow record.
func (n *Normalizer) FromRecord(rec models.FlowRecord, sensorID string, mono time.Duration) (*models.Flow, error) {
	return FromRecord(rec, sensorID, mono, n.networks, n.cfg.MaxPayload)
}

// FromRecord validates rec and converts it to a Flow.
func FromRecord(rec models.FlowRecord, sensorID string, mono time.Duration, networks *Networks, maxPayload int) (*models.Flow, error) {
	src, err := netip.ParseAddr(rec.SrcIP)
	if err != nil {
		return nil, models.NewParseError("record", "src_ip %q: %v", rec.SrcIP, err)
	}
	dst, err := netip.ParseAddr(rec.DstIP)
	if err != nil {
		return nil, models.NewParseError("record", "dst_ip %q: %v", rec.DstIP, err)
	}
	proto, err := models.ParseProtocol(rec.Protocol)
	if err != nil {
		return nil, err
	}
	if networks == nil {
		networks = DefaultNetworks()
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	packets := rec.Packets
	if packets == 0 {
		packets = 1
	}
	payload := rec.Payload
	if maxPayload > 0 && len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}

	src, dst = src.Unmap(), dst.Unmap()
	return &models.Flow{
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   rec.SrcPort,
		DstPort:   rec.DstPort,
		Protocol:  proto,
		Timestamp: ts,
		Mono:      mono,
		Bytes:     rec.Bytes,
		Packets:   packets,
		TCPFlags:  models.TCPFlags(rec.TCPFlags),
		TTL:       rec.TTL,
		ICMPType:  rec.ICMPType,
		ICMPCode:  rec.ICMPCode,
		Direction: networks.Direction(src, dst),
		Payload:   payload,
		Domain:    rec.Domain,
		JA3:       rec.JA3,
		FileHash:  rec.FileHash,
		SensorID:  sensorID,
	}, nil
}

// ErrNoSource is returned by PeekSource for frames without an IP header.
var ErrNoSource = errors.New("no source address")

// PeekSource extracts the source address of a frame without decoding the
// transport layer. The engine uses it to pick a shard.
func PeekSource(data []byte) (netip.Addr, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", models.ErrParse, err)
	}
	next, rest := eth.EthernetType, eth.Payload
	if next == layers.EthernetTypeDot1Q {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(rest, gopacket.NilDecodeFeedback); err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %v", models.ErrParse, err)
		}
		next, rest = tag.Type, tag.Payload
	}
	switch next {
	case layers.EthernetTypeIPv4:
		if len(rest) < 20 {
			return netip.Addr{}, models.NewParseError("ipv4", "short header")
		}
		return netip.AddrFrom4([4]byte(rest[12:16])), nil
	case layers.EthernetTypeIPv6:
		if len(rest) < 40 {
			return netip.Addr{}, models.NewParseError("ipv6", "short header")
		}
		return netip.AddrFrom16([16]byte(rest[8:24])), nil
	}
	return netip.Addr{}, ErrNoSource
}

func isFragment(ip *layers.IPv4) bool {
	return ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
}

func toAddr(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}

func tcpFlags(t *layers.TCP) models.TCPFlags {
	var f models.TCPFlags
	if t.FIN {
		f |= models.FlagFIN
	}
	if t.SYN {
		f |= models.FlagSYN
	}
	if t.RST {
		f |= models.FlagRST
	}
	if t.PSH {
		f |= models.FlagPSH
	}
	if t.ACK {
		f |= models.FlagACK
	}
	if t.URG {
		f |= models.FlagURG
	}
	return f
}
