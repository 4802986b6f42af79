package parse

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// DCE/RPC packet types.
const (
	RPCRequest      = 0
	RPCBind         = 11
	RPCAlterContext = 14
)

// Well known RPC interfaces.
var (
	InterfaceDRSUAPI = uuid.MustParse("e3514235-4b06-11d1-ab04-00c04fc2dcd2")
	InterfaceSAMR    = uuid.MustParse("12345778-1234-abcd-ef00-0123456789ac")
	InterfaceSVCCTL  = uuid.MustParse("367abb81-9844-35f1-ad32-98f038001003")
)

// DRSGetNCChanges is the DRSUAPI opnum used to replicate secrets.
const DRSGetNCChanges = 3

// RPCPacket is a decoded connection-oriented DCE/RPC PDU.
type RPCPacket struct {
	Type       uint8
	CallID     uint32
	Interfaces []uuid.UUID
	Opnum      uint16
}

// ParseDCERPC decodes the first PDU of payload.
func ParseDCERPC(payload []byte) (*RPCPacket, error) {
	if len(payload) < 16 || payload[0] != 5 || payload[1] != 0 {
		return nil, models.NewParseError("dcerpc", "not a v5.0 pdu")
	}
	little := payload[4]&0x10 != 0
	order := binary.ByteOrder(binary.BigEndian)
	if little {
		order = binary.LittleEndian
	}
	pkt := &RPCPacket{Type: payload[2], CallID: order.Uint32(payload[12:16])}
	fragLen := int(order.Uint16(payload[8:10]))
	if fragLen < 16 {
		return nil, models.NewParseError("dcerpc", "bad fragment length")
	}
	body := payload[16:]
	if fragLen-16 < len(body) {
		body = body[:fragLen-16]
	}

	switch pkt.Type {
	case RPCBind, RPCAlterContext:
		if len(body) < 12 {
			return nil, models.NewParseError("dcerpc", "short bind")
		}
		n := int(body[8])
		p := body[12:]
		for i := 0; i < n; i++ {
			if len(p) < 24 {
				break
			}
			numTransfer := int(p[2])
			pkt.Interfaces = append(pkt.Interfaces, wireUUID(p[4:20], order))
			size := 24 + 20*numTransfer
			if size > len(p) {
				break
			}
			p = p[size:]
		}
	case RPCRequest:
		if len(body) < 8 {
			return nil, models.NewParseError("dcerpc", "short request")
		}
		pkt.Opnum = order.Uint16(body[6:8])
	}
	return pkt, nil
}

// Binds reports whether the PDU binds interface id.
func (p *RPCPacket) Binds(id uuid.UUID) bool {
	for _, i := range p.Interfaces {
		if i == id {
			return true
		}
	}
	return false
}

// wireUUID converts the mixed-endian NDR encoding to a uuid.UUID.
func wireUUID(b []byte, order binary.ByteOrder) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], order.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], order.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], order.Uint16(b[6:8]))
	copy(u[8:], b[8:16])
	return u
}
