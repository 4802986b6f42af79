package models

import (
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Protocol is the IP protocol number of a flow.
type Protocol uint8

const (
	ProtoICMP   Protocol = 1
	ProtoTCP    Protocol = 6
	ProtoUDP    Protocol = 17
	ProtoICMPv6 Protocol = 58
)

func (p Protocol) String() string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMPv6:
		return "icmpv6"
	}
	return strconv.Itoa(int(p))
}

// ParseProtocol accepts a protocol name or number.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "icmp":
		return ProtoICMP, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmpv6", "ipv6-icmp":
		return ProtoICMPv6, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, NewParseError("protocol", "unknown protocol %q", s)
	}
	return Protocol(n), nil
}

// Direction classifies a flow relative to the monitored network.
type Direction uint8

const (
	DirectionExternal Direction = iota // neither endpoint internal
	DirectionInbound                   // external -> internal
	DirectionOutbound                  // internal -> external
	DirectionInternal                  // internal -> internal
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	case DirectionInternal:
		return "internal"
	}
	return "external"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TCPFlags is the TCP control bit set.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// Has reports whether every bit in f is set.
func (t TCPFlags) Has(f TCPFlags) bool {
	return t&f == f
}

// SYNOnly reports a bare connection attempt.
func (t TCPFlags) SYNOnly() bool {
	return t&(FlagSYN|FlagACK|FlagRST|FlagFIN) == FlagSYN
}

// AnomalyKind names a normalizer-level irregularity.
type AnomalyKind string

const (
	AnomalyFragmentOverlap    AnomalyKind = "fragment_overlap"
	AnomalyFragmentCount      AnomalyKind = "fragment_count"
	AnomalyTinyFragment       AnomalyKind = "tiny_fragment"
	AnomalyReassemblyOverflow AnomalyKind = "reassembly_overflow"
)

// Anomaly is reported on a flow by the normalizer.
type Anomaly struct {
	Kind   AnomalyKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// Flow is one normalized packet or aggregated connection.
// It is immutable once the normalizer returns it.
type Flow struct {
	SrcIP     netip.Addr
	DstIP     netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  Protocol
	Timestamp time.Time

	// Mono is the engine's monotonic observation offset. All windowed
	// state is computed from it, never from Timestamp.
	Mono time.Duration

	Bytes    uint64
	Packets  uint32
	TCPFlags TCPFlags
	TTL      uint8
	ICMPType uint8
	ICMPCode uint8

	Direction Direction
	Payload   []byte

	// Optional enrichment supplied by the sensor.
	Domain   string
	JA3      string
	FileHash string

	SensorID  string
	Anomalies []Anomaly
}

func (f *Flow) IsTCP() bool  { return f.Protocol == ProtoTCP }
func (f *Flow) IsUDP() bool  { return f.Protocol == ProtoUDP }
func (f *Flow) IsICMP() bool { return f.Protocol == ProtoICMP || f.Protocol == ProtoICMPv6 }

// HasPort reports whether either endpoint uses port.
func (f *Flow) HasPort(port uint16) bool {
	return f.SrcPort == port || f.DstPort == port
}

// SrcInternal reports whether the source is inside the monitored network.
func (f *Flow) SrcInternal() bool {
	return f.Direction == DirectionOutbound || f.Direction == DirectionInternal
}

// DstInternal reports whether the destination is inside the monitored network.
func (f *Flow) DstInternal() bool {
	return f.Direction == DirectionInbound || f.Direction == DirectionInternal
}

// FlowRecord is the JSON form of a pre-built flow submitted by a sensor.
type FlowRecord struct {
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	SrcPort   uint16    `json:"src_port"`
	DstPort   uint16    `json:"dst_port"`
	Protocol  string    `json:"protocol"`
	Timestamp time.Time `json:"timestamp"`
	Bytes     uint64    `json:"bytes"`
	Packets   uint32    `json:"packets"`
	TCPFlags  uint8     `json:"tcp_flags,omitempty"`
	TTL       uint8     `json:"ttl,omitempty"`
	ICMPType  uint8     `json:"icmp_type,omitempty"`
	ICMPCode  uint8     `json:"icmp_code,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	JA3       string    `json:"ja3,omitempty"`
	FileHash  string    `json:"file_hash,omitempty"`
}

// Frame is one raw captured Ethernet frame.
type Frame struct {
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	SensorID  string    `json:"-"`

	// Mono is stamped by the engine on intake.
	Mono time.Duration `json:"-"`
}
