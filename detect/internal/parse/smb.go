package parse

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// SMB2 commands.
const (
	SMB2Negotiate      uint16 = 0x0000
	SMB2SessionSetup   uint16 = 0x0001
	SMB2TreeConnect    uint16 = 0x0003
	SMB2Create         uint16 = 0x0005
	SMB2Read           uint16 = 0x0008
	SMB2Write          uint16 = 0x0009
	SMB2QueryDirectory uint16 = 0x000e
)

const smb2HeaderLen = 64

var (
	smb1Magic = []byte{0xff, 'S', 'M', 'B'}
	smb2Magic = []byte{0xfe, 'S', 'M', 'B'}
)

// SMBCommand is one request decoded from an SMB payload.
type SMBCommand struct {
	Command  uint16
	Response bool
	// Share is the UNC path of a TREE_CONNECT request.
	Share string
	// File is the name of a CREATE or QUERY_DIRECTORY request.
	File string
}

// SMBMessage is the content of one SMB payload.
type SMBMessage struct {
	Version  int
	Commands []SMBCommand
}

// ParseSMB decodes an SMB1 or SMB2/3 payload with or without the NetBIOS
// session header, including compounded SMB2 requests.
func ParseSMB(payload []byte) (*SMBMessage, error) {
	p := payload
	if len(p) >= 8 && p[0] == 0x00 && (bytes.Equal(p[4:8], smb1Magic) || bytes.Equal(p[4:8], smb2Magic)) {
		p = p[4:]
	}
	if len(p) < 4 {
		return nil, models.NewParseError("smb", "short payload")
	}
	switch {
	case bytes.Equal(p[:4], smb1Magic):
		if len(p) < 32 {
			return nil, models.NewParseError("smb", "short smb1 header")
		}
		return &SMBMessage{Version: 1, Commands: []SMBCommand{{Command: uint16(p[4]), Response: p[9]&0x80 != 0}}}, nil
	case bytes.Equal(p[:4], smb2Magic):
		return parseSMB2(p)
	}
	return nil, models.NewParseError("smb", "missing protocol id")
}

func parseSMB2(p []byte) (*SMBMessage, error) {
	msg := &SMBMessage{Version: 2}
	for hops := 0; hops < 16; hops++ {
		if len(p) < smb2HeaderLen || !bytes.Equal(p[:4], smb2Magic) {
			break
		}
		cmd := SMBCommand{
			Command:  binary.LittleEndian.Uint16(p[12:14]),
			Response: binary.LittleEndian.Uint32(p[16:20])&0x1 != 0,
		}
		next := int(binary.LittleEndian.Uint32(p[20:24]))
		end := len(p)
		if next > 0 && next <= len(p) {
			end = next
		}
		if !cmd.Response {
			switch cmd.Command {
			case SMB2TreeConnect:
				// PathOffset and PathLength follow StructureSize and Flags.
				cmd.Share = utf16Field(p[:end], smb2HeaderLen+4, smb2HeaderLen+6)
			case SMB2Create:
				cmd.File = utf16Field(p[:end], smb2HeaderLen+44, smb2HeaderLen+46)
			case SMB2QueryDirectory:
				cmd.File = utf16Field(p[:end], smb2HeaderLen+24, smb2HeaderLen+26)
			}
		}
		msg.Commands = append(msg.Commands, cmd)
		if next <= 0 || next >= len(p) {
			break
		}
		p = p[next:]
	}
	if len(msg.Commands) == 0 {
		return nil, models.NewParseError("smb", "short smb2 header")
	}
	return msg, nil
}

// utf16Field reads a UTF-16LE string whose offset (relative to the SMB2
// header) and byte length are stored at offPos and lenPos.
func utf16Field(p []byte, offPos, lenPos int) string {
	if len(p) < lenPos+2 {
		return ""
	}
	off := int(binary.LittleEndian.Uint16(p[offPos:]))
	n := int(binary.LittleEndian.Uint16(p[lenPos:]))
	if n == 0 || off < smb2HeaderLen || off >= len(p) {
		return ""
	}
	if off+n > len(p) {
		n = len(p) - off
	}
	return decodeUTF16(p[off : off+n])
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u = append(u, binary.LittleEndian.Uint16(b[i:]))
	}
	return string(utf16.Decode(u))
}
