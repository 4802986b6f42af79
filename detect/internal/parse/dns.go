package parse

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// DNSMessage is an unpacked DNS message plus the fields detectors use.
type DNSMessage struct {
	Msg   *dns.Msg
	Name  string
	QType uint16
	Size  int
}

// ParseDNS unpacks a DNS message. When tcp is set the payload carries the
// two-byte length prefix.
func ParseDNS(payload []byte, tcp bool) (*DNSMessage, error) {
	if tcp {
		if len(payload) < 2 {
			return nil, models.NewParseError("dns", "short tcp prefix")
		}
		n := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if n < len(payload) {
			payload = payload[:n]
		}
	}
	if len(payload) < 12 {
		return nil, models.NewParseError("dns", "short header")
	}
	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		return nil, models.NewParseError("dns", "%v", err)
	}
	out := &DNSMessage{Msg: m, Size: len(payload)}
	if len(m.Question) > 0 {
		out.Name = strings.ToLower(strings.TrimSuffix(m.Question[0].Name, "."))
		out.QType = m.Question[0].Qtype
	}
	return out, nil
}

// Response reports whether the message is a response.
func (d *DNSMessage) Response() bool { return d.Msg.Response }

// QTypeName returns the question type mnemonic.
func (d *DNSMessage) QTypeName() string {
	if s, ok := dns.TypeToString[d.QType]; ok {
		return s
	}
	return "TYPE" + strconv.Itoa(int(d.QType))
}

// BaseDomain returns the registrable part of name using the last two labels,
// or three when the second-level label is a common public suffix label.
func BaseDomain(name string) string {
	labels := dns.SplitDomainName(name)
	n := len(labels)
	if n <= 2 {
		return strings.ToLower(strings.Join(labels, "."))
	}
	keep := 2
	switch labels[n-2] {
	case "co", "com", "net", "org", "gov", "ac", "edu":
		if len(labels[n-1]) == 2 {
			keep = 3
		}
	}
	return strings.ToLower(strings.Join(labels[n-keep:], "."))
}

// Subdomain returns the labels of name left of its base domain.
func Subdomain(name string) string {
	base := BaseDomain(name)
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if len(name) <= len(base) {
		return ""
	}
	return strings.TrimSuffix(name[:len(name)-len(base)], ".")
}
