// Package parsetest builds protocol payloads for detector tests.
package parsetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

// TLV encodes one BER element with a definite length.
func TLV(tag byte, parts ...[]byte) []byte {
	var body []byte
	for _, p := range parts {
		body = append(body, p...)
	}
	out := []byte{tag}
	switch n := len(body); {
	case n < 0x80:
		out = append(out, byte(n))
	case n < 0x100:
		out = append(out, 0x81, byte(n))
	default:
		out = append(out, 0x82, byte(n>>8), byte(n))
	}
	return append(out, body...)
}

// Int encodes a small BER INTEGER.
func Int(v int) []byte {
	if v < 0x80 {
		return TLV(0x02, []byte{byte(v)})
	}
	return TLV(0x02, []byte{byte(v >> 8), byte(v)})
}

// Octets encodes a BER OCTET STRING.
func Octets(s string) []byte { return TLV(0x04, []byte(s)) }

// Ctx encodes a constructed context-specific element.
func Ctx(n byte, parts ...[]byte) []byte { return TLV(0xa0|n, parts...) }

// Hello describes a ClientHello.
type Hello struct {
	Version  uint16
	SNI      string
	Ciphers  []uint16
	Versions []uint16
}

// ClientHello returns one TLS record carrying h.
func ClientHello(t testing.TB, h Hello) []byte {
	t.Helper()
	if h.Version == 0 {
		h.Version = 0x0303
	}
	var hs cryptobyte.Builder
	hs.AddUint8(1)
	hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(h.Version)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(*cryptobyte.Builder) {})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, c := range h.Ciphers {
				b.AddUint16(c)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			if h.SNI != "" {
				b.AddUint16(0)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8(0)
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(h.SNI)) })
					})
				})
			}
			if len(h.Versions) > 0 {
				b.AddUint16(43)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
						for _, v := range h.Versions {
							b.AddUint16(v)
						}
					})
				})
			}
		})
	})
	return record(t, &hs)
}

// ServerHello returns one TLS record carrying a ServerHello and, when certs
// are given, a Certificate message.
func ServerHello(t testing.TB, version, cipher uint16, certs ...[]byte) []byte {
	t.Helper()
	var hs cryptobyte.Builder
	hs.AddUint8(2)
	hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(version)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(*cryptobyte.Builder) {})
		b.AddUint16(cipher)
		b.AddUint8(0)
	})
	if len(certs) > 0 {
		hs.AddUint8(11)
		hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, der := range certs {
					b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(der) })
				}
			})
		})
	}
	return record(t, &hs)
}

func record(t testing.TB, hs *cryptobyte.Builder) []byte {
	msg, err := hs.Bytes()
	require.NoError(t, err)
	var rec cryptobyte.Builder
	rec.AddUint8(0x16)
	rec.AddUint16(0x0301)
	rec.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(msg) })
	out, err := rec.Bytes()
	require.NoError(t, err)
	return out
}

// Certificate returns a DER certificate for cn valid until notAfter. It is
// self-signed unless a parent certificate and key are given.
func Certificate(t testing.TB, cn string, notAfter time.Time, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
		IsCA:         parent == nil,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{cn},
	}
	if parent == nil {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	tmpl.BasicConstraintsValid = true
	signer, signKey := tmpl, key
	if parent != nil {
		signer, signKey = parent, parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signKey)
	require.NoError(t, err)
	return der, key
}

func principal(names ...string) []byte {
	var list [][]byte
	for _, n := range names {
		list = append(list, TLV(0x1b, []byte(n)))
	}
	return TLV(0x30, Ctx(0, Int(1)), Ctx(1, TLV(0x30, list...)))
}

// KDCReq returns an AS-REQ (10) or TGS-REQ (12) for client cname.
func KDCReq(msgType int, preauth bool, cname string, sname []string, etypes ...int) []byte {
	var et [][]byte
	for _, e := range etypes {
		et = append(et, Int(e))
	}
	body := TLV(0x30,
		Ctx(0, TLV(0x03, []byte{0, 0x40, 0x81, 0, 0x10})),
		Ctx(1, principal(cname)),
		Ctx(2, TLV(0x1b, []byte("CORP.EXAMPLE"))),
		Ctx(3, principal(sname...)),
		Ctx(7, Int(42)),
		Ctx(8, TLV(0x30, et...)),
	)
	fields := [][]byte{Ctx(1, Int(5)), Ctx(2, Int(msgType))}
	if preauth {
		fields = append(fields, Ctx(3, TLV(0x30, TLV(0x30, Ctx(1, Int(2)), Ctx(2, Octets("x"))))))
	}
	fields = append(fields, Ctx(4, body))
	return TLV(0x60|byte(msgType), TLV(0x30, fields...))
}

// KrbError returns a KRB-ERROR with the given error code.
func KrbError(code int) []byte {
	return TLV(0x7e, TLV(0x30,
		Ctx(0, Int(5)),
		Ctx(1, Int(30)),
		Ctx(6, Int(code)),
		Ctx(9, TLV(0x1b, []byte("CORP.EXAMPLE"))),
	))
}

// Equal encodes an LDAP equalityMatch filter.
func Equal(attr, value string) []byte { return TLV(0xa3, Octets(attr), Octets(value)) }

// Present encodes an LDAP present filter.
func Present(attr string) []byte { return TLV(0x87, []byte(attr)) }

// And encodes an LDAP and filter.
func And(filters ...[]byte) []byte { return TLV(0xa0, filters...) }

// LDAPSearch returns a SearchRequest message.
func LDAPSearch(id int, base string, filter []byte, attrs ...string) []byte {
	var list [][]byte
	for _, a := range attrs {
		list = append(list, Octets(a))
	}
	req := TLV(0x63,
		Octets(base),
		TLV(0x0a, []byte{2}),
		TLV(0x0a, []byte{0}),
		Int(0),
		Int(0),
		TLV(0x01, []byte{0}),
		filter,
		TLV(0x30, list...),
	)
	return TLV(0x30, Int(id), req)
}

func utf16le(s string) []byte {
	u := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(u))
	for i, c := range u {
		binary.LittleEndian.PutUint16(out[2*i:], c)
	}
	return out
}

func smb2Header(cmd uint16) []byte {
	h := make([]byte, 64)
	copy(h, []byte{0xfe, 'S', 'M', 'B'})
	binary.LittleEndian.PutUint16(h[4:], 64)
	binary.LittleEndian.PutUint16(h[12:], cmd)
	return h
}

func netbios(msg []byte) []byte {
	return append([]byte{0, byte(len(msg) >> 16), byte(len(msg) >> 8), byte(len(msg))}, msg...)
}

// SMB2TreeConnect returns a TREE_CONNECT request for a UNC path.
func SMB2TreeConnect(path string) []byte {
	p := utf16le(path)
	body := make([]byte, 8)
	binary.LittleEndian.PutUint16(body[0:], 9)
	binary.LittleEndian.PutUint16(body[4:], 64+8)
	binary.LittleEndian.PutUint16(body[6:], uint16(len(p)))
	return netbios(append(append(smb2Header(0x0003), body...), p...))
}

// SMB2Create returns a CREATE request for name.
func SMB2Create(name string) []byte {
	n := utf16le(name)
	body := make([]byte, 56)
	binary.LittleEndian.PutUint16(body[0:], 57)
	binary.LittleEndian.PutUint16(body[44:], 64+56)
	binary.LittleEndian.PutUint16(body[46:], uint16(len(n)))
	return netbios(append(append(smb2Header(0x0005), body...), n...))
}

// SMB2QueryDirectory returns a QUERY_DIRECTORY request.
func SMB2QueryDirectory() []byte {
	return netbios(append(smb2Header(0x000e), make([]byte, 32)...))
}

// SMB1Negotiate returns an SMB1 NEGOTIATE request.
func SMB1Negotiate() []byte {
	msg := make([]byte, 32)
	copy(msg, []byte{0xff, 'S', 'M', 'B'})
	msg[4] = 0x72
	return netbios(msg)
}

// DCERPCBind returns a bind PDU for one interface.
func DCERPCBind(iface uuid.UUID) []byte {
	pdu := make([]byte, 16+12+24+20)
	pdu[0], pdu[1], pdu[2], pdu[4] = 5, 0, 11, 0x10
	binary.LittleEndian.PutUint16(pdu[8:], uint16(len(pdu)))
	binary.LittleEndian.PutUint32(pdu[12:], 1)
	body := pdu[16:]
	body[8] = 1
	item := body[12:]
	item[2] = 1
	binary.LittleEndian.PutUint32(item[4:], binary.BigEndian.Uint32(iface[0:4]))
	binary.LittleEndian.PutUint16(item[8:], binary.BigEndian.Uint16(iface[4:6]))
	binary.LittleEndian.PutUint16(item[10:], binary.BigEndian.Uint16(iface[6:8]))
	copy(item[12:20], iface[8:16])
	return pdu
}

// DCERPCRequest returns a request PDU calling opnum.
func DCERPCRequest(opnum uint16) []byte {
	req := make([]byte, 24)
	req[0], req[1], req[2], req[4] = 5, 0, 0, 0x10
	binary.LittleEndian.PutUint16(req[8:], 24)
	binary.LittleEndian.PutUint16(req[22:], opnum)
	return req
}

// DNSQuery returns a packed query for name.
func DNSQuery(t testing.TB, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	wire, err := m.Pack()
	require.NoError(t, err)
	return wire
}

// Modbus returns one Modbus/TCP frame with function code fc.
func Modbus(fc byte) []byte {
	return []byte{0, 1, 0, 0, 0, 6, 1, fc, 0, 1, 0, 3}
}

// DNP3 returns one DNP3 frame with application function fc.
func DNP3(fc byte) []byte {
	return []byte{0x05, 0x64, 0x08, 0xc4, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0xc0, 0xc0, fc, 0x00, 0x00}
}

// IEC104 returns one I-format APDU with ASDU type typeID.
func IEC104(typeID byte) []byte {
	return []byte{0x68, 0x0e, 0x00, 0x00, 0x00, 0x00, typeID, 0x01, 0x06, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x01}
}

// BACnet returns a confirmed request for service.
func BACnet(service byte) []byte {
	return []byte{0x81, 0x0a, 0x00, 0x11, 0x01, 0x04, 0x00, 0x05, 0x01, service, 0x0c, 0x00, 0x00, 0x00, 0x01, 0x19, 0x55}
}
