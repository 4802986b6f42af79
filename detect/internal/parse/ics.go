package parse

import (
	"encoding/binary"
	"strconv"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// ICSOp is one operation decoded from an industrial protocol payload.
type ICSOp struct {
	Code  uint8
	Name  string
	Write bool
}

// Modbus/TCP function codes that change device state.
var modbusWrites = map[uint8]string{
	5:  "write_single_coil",
	6:  "write_single_register",
	15: "write_multiple_coils",
	16: "write_multiple_registers",
	22: "mask_write_register",
	23: "read_write_multiple_registers",
}

var modbusReads = map[uint8]string{
	1: "read_coils",
	2: "read_discrete_inputs",
	3: "read_holding_registers",
	4: "read_input_registers",
}

// ParseModbus decodes every MBAP frame in payload.
func ParseModbus(payload []byte) ([]ICSOp, error) {
	var ops []ICSOp
	for len(payload) > 0 {
		if len(payload) < 8 {
			break
		}
		proto := binary.BigEndian.Uint16(payload[2:4])
		length := int(binary.BigEndian.Uint16(payload[4:6]))
		if proto != 0 || length < 2 || length > 254 {
			return nil, models.NewParseError("modbus", "bad mbap header")
		}
		fc := payload[7] &^ 0x80
		op := ICSOp{Code: fc, Name: "function_" + strconv.Itoa(int(fc))}
		if n, ok := modbusWrites[fc]; ok {
			op.Name, op.Write = n, true
		} else if n, ok := modbusReads[fc]; ok {
			op.Name = n
		}
		ops = append(ops, op)
		if 6+length > len(payload) {
			break
		}
		payload = payload[6+length:]
	}
	if len(ops) == 0 {
		return nil, models.NewParseError("modbus", "short frame")
	}
	return ops, nil
}

// DNP3 application function codes that operate or reconfigure outstations.
var dnp3Controls = map[uint8]string{
	2:  "write",
	3:  "select",
	4:  "operate",
	5:  "direct_operate",
	6:  "direct_operate_no_ack",
	13: "cold_restart",
	14: "warm_restart",
	18: "stop_application",
}

// ParseDNP3 decodes the application function code of every DNP3 frame.
func ParseDNP3(payload []byte) ([]ICSOp, error) {
	var ops []ICSOp
	for len(payload) >= 13 {
		if payload[0] != 0x05 || payload[1] != 0x64 {
			if len(ops) == 0 {
				return nil, models.NewParseError("dnp3", "missing start bytes")
			}
			break
		}
		length := int(payload[2])
		if length < 5 {
			return nil, models.NewParseError("dnp3", "bad length")
		}
		// Header is 10 bytes including its CRC; the first data block starts
		// with the transport byte, then application control and function.
		fc := payload[12]
		op := ICSOp{Code: fc, Name: "function_" + strconv.Itoa(int(fc))}
		if fc == 1 {
			op.Name = "read"
		}
		if n, ok := dnp3Controls[fc]; ok {
			op.Name, op.Write = n, true
		}
		ops = append(ops, op)

		// Frame size: header, user data plus one CRC per 16 byte block.
		user := length - 5
		size := 10 + user + 2*((user+15)/16)
		if size > len(payload) {
			break
		}
		payload = payload[size:]
	}
	if len(ops) == 0 {
		return nil, models.NewParseError("dnp3", "short frame")
	}
	return ops, nil
}

// ParseIEC104 decodes every APDU in payload. Only I-format APDUs carry an
// ASDU; command type ids 45-69 and 100-107 are control operations.
func ParseIEC104(payload []byte) ([]ICSOp, error) {
	var ops []ICSOp
	for len(payload) >= 6 {
		if payload[0] != 0x68 {
			if len(ops) == 0 {
				return nil, models.NewParseError("iec104", "missing start byte")
			}
			break
		}
		length := int(payload[1])
		if length < 4 {
			return nil, models.NewParseError("iec104", "bad apdu length")
		}
		if payload[2]&0x01 == 0 && len(payload) >= 7 {
			typeID := payload[6]
			ops = append(ops, ICSOp{
				Code:  typeID,
				Name:  "type_" + strconv.Itoa(int(typeID)),
				Write: (typeID >= 45 && typeID <= 69) || (typeID >= 100 && typeID <= 107),
			})
		}
		if 2+length > len(payload) {
			break
		}
		payload = payload[2+length:]
	}
	return ops, nil
}

// BACnet confirmed services that modify devices.
var bacnetWrites = map[uint8]string{
	8:  "add_list_element",
	9:  "remove_list_element",
	10: "create_object",
	11: "delete_object",
	15: "write_property",
	16: "write_property_multiple",
	17: "device_communication_control",
	20: "reinitialize_device",
}

// ParseBACnet decodes the APDU service of a BACnet/IP datagram.
func ParseBACnet(payload []byte) (*ICSOp, error) {
	if len(payload) < 6 || payload[0] != 0x81 {
		return nil, models.NewParseError("bacnet", "missing bvlc")
	}
	p := payload[4:]
	if len(p) < 2 || p[0] != 0x01 {
		return nil, models.NewParseError("bacnet", "bad npdu version")
	}
	ctrl := p[1]
	p = p[2:]
	if ctrl&0x20 != 0 {
		if len(p) < 3 {
			return nil, models.NewParseError("bacnet", "short dnet")
		}
		dlen := int(p[2])
		if len(p) < 3+dlen {
			return nil, models.NewParseError("bacnet", "short dadr")
		}
		p = p[3+dlen:]
	}
	if ctrl&0x08 != 0 {
		if len(p) < 3 {
			return nil, models.NewParseError("bacnet", "short snet")
		}
		slen := int(p[2])
		if len(p) < 3+slen {
			return nil, models.NewParseError("bacnet", "short sadr")
		}
		p = p[3+slen:]
	}
	if ctrl&0x20 != 0 {
		if len(p) < 1 {
			return nil, models.NewParseError("bacnet", "missing hop count")
		}
		p = p[1:]
	}
	if ctrl&0x80 != 0 {
		return nil, models.NewParseError("bacnet", "network layer message")
	}
	if len(p) < 2 {
		return nil, models.NewParseError("bacnet", "short apdu")
	}

	switch p[0] >> 4 {
	case 0: // confirmed request
		i := 3
		if p[0]&0x08 != 0 {
			i += 2
		}
		if len(p) <= i {
			return nil, models.NewParseError("bacnet", "short confirmed request")
		}
		svc := p[i]
		op := &ICSOp{Code: svc, Name: "confirmed_" + strconv.Itoa(int(svc))}
		if svc == 12 {
			op.Name = "read_property"
		}
		if n, ok := bacnetWrites[svc]; ok {
			op.Name, op.Write = n, true
		}
		return op, nil
	case 1: // unconfirmed request
		svc := p[1]
		return &ICSOp{Code: svc, Name: "unconfirmed_" + strconv.Itoa(int(svc))}, nil
	}
	return nil, models.NewParseError("bacnet", "not a request")
}
