package parse

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// tlv encodes one BER element with a definite length.
func tlv(tag byte, parts ...[]byte) []byte {
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

func berInteger(v int) []byte { return tlv(0x02, []byte{byte(v)}) }
func octets(s string) []byte  { return tlv(0x04, []byte(s)) }
func ctx(n byte, parts ...[]byte) []byte {
	return tlv(0xa0|n, parts...)
}

func TestParseHTTPRequest(t *testing.T) {
	payload := []byte("POST /login.php?user=admin%2527%2520OR%25201%253D1 HTTP/1.1\r\n" +
		"Host: shop.example:8080\r\n" +
		"User-Agent: sqlmap/1.7\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\n" +
		"Content-Length: 40\r\n\r\n" +
		"name=%3Cscript%3E")

	req, err := ParseHTTPRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/login.php", req.Path)
	assert.Equal(t, "shop.example", req.HostName())
	assert.Equal(t, "sqlmap/1.7", req.UserAgent)
	assert.True(t, req.Truncated)
	assert.Equal(t, "name=%3Cscript%3E", string(req.Body))

	comps := req.Components()
	assert.Contains(t, comps[0], "admin' or 1=1")
	assert.Equal(t, "name=<script>", comps[1])
}

func TestParseHTTPRequest_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"not http":      []byte("\x16\x03\x01"),
		"no header end": []byte("GET / HTTP/1.1\r\nHost: x"),
		"bad version":   []byte("GET / HTTP/9\r\n\r\n"),
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHTTPRequest(payload)
			assert.ErrorIs(t, err, models.ErrParse)
		})
	}
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "http", Signature([]byte("GET / HTTP/1.1\r\n")))
	assert.Equal(t, "http", Signature([]byte("HTTP/1.1 200 OK\r\n")))
	assert.Equal(t, "ssh", Signature([]byte("SSH-2.0-OpenSSH_9.0\r\n")))
	assert.Equal(t, "tls", Signature([]byte{0x16, 0x03, 0x01, 0x00, 0x10, 0x01}))
	assert.Equal(t, "", Signature([]byte{0x00, 0x01}))
}

func TestParseDNS(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("aGVsbG8gd29ybGQ.tunnel.example.", dns.TypeTXT)
	wire, err := m.Pack()
	require.NoError(t, err)

	d, err := ParseDNS(wire, false)
	require.NoError(t, err)
	assert.Equal(t, "ahvsbg8gd29ybgq.tunnel.example", d.Name)
	assert.Equal(t, "TXT", d.QTypeName())
	assert.False(t, d.Response())

	prefixed := append([]byte{byte(len(wire) >> 8), byte(len(wire))}, wire...)
	d, err = ParseDNS(prefixed, true)
	require.NoError(t, err)
	assert.Equal(t, dns.TypeTXT, d.QType)

	_, err = ParseDNS(wire[:8], false)
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestBaseDomain(t *testing.T) {
	tests := []struct{ name, base, sub string }{
		{"a.b.example.com", "example.com", "a.b"},
		{"example.com.", "example.com", ""},
		{"x.y.example.co.uk", "example.co.uk", "x.y"},
		{"localhost", "localhost", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.base, BaseDomain(tt.name))
			assert.Equal(t, tt.sub, Subdomain(tt.name))
		})
	}
}

func buildClientHello(t *testing.T, sni string, ciphers []uint16) []byte {
	t.Helper()
	var hs cryptobyte.Builder
	hs.AddUint8(handshakeClientHello)
	hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x0303)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(*cryptobyte.Builder) {})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, c := range ciphers {
				b.AddUint16(c)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			// GREASE extension, ignored by JA3.
			b.AddUint16(0x1a1a)
			b.AddUint16LengthPrefixed(func(*cryptobyte.Builder) {})
			if sni != "" {
				b.AddUint16(extServerName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8(0)
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(sni)) })
					})
				})
			}
			b.AddUint16(extSupportedGroups)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16(0x2a2a)
					b.AddUint16(29)
					b.AddUint16(23)
				})
			})
			b.AddUint16(extECPointFormats)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
			})
		})
	})
	msg, err := hs.Bytes()
	require.NoError(t, err)

	var rec cryptobyte.Builder
	rec.AddUint8(recordHandshake)
	rec.AddUint16(0x0301)
	rec.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(msg) })
	out, err := rec.Bytes()
	require.NoError(t, err)
	return out
}

func TestParseTLS_ClientHello(t *testing.T) {
	payload := buildClientHello(t, "Example.COM", []uint16{0x0a0a, 0xc02f, 0x0005})
	hs, err := ParseTLS(payload)
	require.NoError(t, err)
	require.NotNil(t, hs.Client)

	ch := hs.Client
	assert.Equal(t, "example.com", ch.SNI)
	assert.Equal(t, "771,49199-5,0-10-11,29-23,0", ch.JA3String())
	assert.Len(t, ch.JA3(), 32)
	assert.Equal(t, uint16(0x0303), ch.MaxVersion())
}

func TestParseTLS_Truncated(t *testing.T) {
	payload := buildClientHello(t, "x.example", []uint16{0xc02f})
	_, err := ParseTLS(payload[:3])
	assert.ErrorIs(t, err, models.ErrParse)
	_, err = ParseTLS(payload[:20])
	assert.ErrorIs(t, err, models.ErrParse)
	_, err = ParseTLS([]byte{0x17, 0x03, 0x03, 0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestParseTLS_ServerHello(t *testing.T) {
	var hs cryptobyte.Builder
	hs.AddUint8(handshakeServerHello)
	hs.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x0301)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(*cryptobyte.Builder) {})
		b.AddUint16(0x0004)
		b.AddUint8(0)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0xff01)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
		})
	})
	msg, err := hs.Bytes()
	require.NoError(t, err)
	payload := append([]byte{recordHandshake, 0x03, 0x01, byte(len(msg) >> 8), byte(len(msg))}, msg...)

	out, err := ParseTLS(payload)
	require.NoError(t, err)
	require.NotNil(t, out.Server)
	assert.Equal(t, uint16(0x0004), out.Server.Cipher)
	assert.Equal(t, "769,4,65281", out.Server.JA3SString())
	assert.Equal(t, "TLSv1.0", TLSVersionName(out.Server.SelectedVersion))
}

func TestIsGREASE(t *testing.T) {
	assert.True(t, IsGREASE(0x0a0a))
	assert.True(t, IsGREASE(0xfafa))
	assert.False(t, IsGREASE(0x0a1a))
	assert.False(t, IsGREASE(0xc02f))
}

func TestParseModbus(t *testing.T) {
	read := []byte{0, 1, 0, 0, 0, 6, 1, 3, 0, 0, 0, 10}
	write := []byte{0, 2, 0, 0, 0, 6, 1, 6, 0, 1, 0, 3}
	ops, err := ParseModbus(append(read, write...))
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.False(t, ops[0].Write)
	assert.Equal(t, "read_holding_registers", ops[0].Name)
	assert.True(t, ops[1].Write)
	assert.Equal(t, "write_single_register", ops[1].Name)

	_, err = ParseModbus([]byte{0, 1, 0, 5, 0, 6, 1, 3})
	assert.ErrorIs(t, err, models.ErrParse)
	_, err = ParseModbus([]byte{0, 1})
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestParseDNP3(t *testing.T) {
	// Link header (10 bytes incl. CRC), transport, app control, function.
	frame := []byte{0x05, 0x64, 0x08, 0xc4, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0xc0, 0xc0, 0x05, 0x00, 0x00}
	ops, err := ParseDNP3(frame)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Write)
	assert.Equal(t, "direct_operate", ops[0].Name)

	frame[12] = 0x01
	ops, err = ParseDNP3(frame)
	require.NoError(t, err)
	assert.False(t, ops[0].Write)

	_, err = ParseDNP3([]byte{0x00, 0x64, 0x08, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestParseIEC104(t *testing.T) {
	// I-format APDU carrying C_SC_NA_1 (45), followed by an S-format APDU.
	iframe := []byte{0x68, 0x0e, 0x00, 0x00, 0x00, 0x00, 45, 0x01, 0x06, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x01}
	sframe := []byte{0x68, 0x04, 0x01, 0x00, 0x02, 0x00}
	ops, err := ParseIEC104(append(iframe, sframe...))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.True(t, ops[0].Write)

	iframe[6] = 1 // M_SP_NA_1 is monitoring
	ops, err = ParseIEC104(iframe)
	require.NoError(t, err)
	assert.False(t, ops[0].Write)

	_, err = ParseIEC104([]byte{0x10, 0x04, 0, 0, 0, 0})
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestParseBACnet(t *testing.T) {
	write := []byte{0x81, 0x0a, 0x00, 0x11, 0x01, 0x04, 0x00, 0x05, 0x01, 15, 0x0c, 0x00, 0x00, 0x00, 0x01, 0x19, 0x55}
	op, err := ParseBACnet(write)
	require.NoError(t, err)
	assert.True(t, op.Write)
	assert.Equal(t, "write_property", op.Name)

	read := append([]byte(nil), write...)
	read[9] = 12
	op, err = ParseBACnet(read)
	require.NoError(t, err)
	assert.False(t, op.Write)

	whoIs := []byte{0x81, 0x0b, 0x00, 0x08, 0x01, 0x00, 0x10, 0x08}
	op, err = ParseBACnet(whoIs)
	require.NoError(t, err)
	assert.False(t, op.Write)

	_, err = ParseBACnet([]byte{0x81, 0x0a, 0x00})
	assert.ErrorIs(t, err, models.ErrParse)
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
	h := make([]byte, smb2HeaderLen)
	copy(h, smb2Magic)
	binary.LittleEndian.PutUint16(h[4:], smb2HeaderLen)
	binary.LittleEndian.PutUint16(h[12:], cmd)
	return h
}

func TestParseSMB_TreeConnect(t *testing.T) {
	path := utf16le(`\\DC01\ADMIN$`)
	body := make([]byte, 8)
	binary.LittleEndian.PutUint16(body[0:], 9)
	binary.LittleEndian.PutUint16(body[4:], smb2HeaderLen+8)
	binary.LittleEndian.PutUint16(body[6:], uint16(len(path)))
	msg := append(append(smb2Header(SMB2TreeConnect), body...), path...)
	nb := append([]byte{0, 0, byte(len(msg) >> 8), byte(len(msg))}, msg...)

	out, err := ParseSMB(nb)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Version)
	require.Len(t, out.Commands, 1)
	assert.Equal(t, SMB2TreeConnect, out.Commands[0].Command)
	assert.Equal(t, `\\DC01\ADMIN$`, out.Commands[0].Share)
}

func TestParseSMB_CreateCompound(t *testing.T) {
	name := utf16le(`Windows\NTDS\ntds.dit`)
	body := make([]byte, 56)
	binary.LittleEndian.PutUint16(body[0:], 57)
	binary.LittleEndian.PutUint16(body[44:], smb2HeaderLen+56)
	binary.LittleEndian.PutUint16(body[46:], uint16(len(name)))
	create := append(append(smb2Header(SMB2Create), body...), name...)
	for len(create)%8 != 0 {
		create = append(create, 0)
	}
	binary.LittleEndian.PutUint32(create[20:], uint32(len(create)))
	query := append(smb2Header(SMB2QueryDirectory), make([]byte, 32)...)

	out, err := ParseSMB(append(create, query...))
	require.NoError(t, err)
	require.Len(t, out.Commands, 2)
	assert.Equal(t, `Windows\NTDS\ntds.dit`, out.Commands[0].File)
	assert.Equal(t, SMB2QueryDirectory, out.Commands[1].Command)
}

func TestParseSMB1(t *testing.T) {
	msg := make([]byte, 32)
	copy(msg, smb1Magic)
	msg[4] = 0x72
	out, err := ParseSMB(append([]byte{0, 0, 0, 32}, msg...))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Version)
	assert.Equal(t, uint16(0x72), out.Commands[0].Command)

	_, err = ParseSMB([]byte("hello world"))
	assert.ErrorIs(t, err, models.ErrParse)
}

func ldapSearch(base string, filter []byte, attrs ...string) []byte {
	var list [][]byte
	for _, a := range attrs {
		list = append(list, octets(a))
	}
	req := tlv(0x63,
		octets(base),
		tlv(0x0a, []byte{2}),
		tlv(0x0a, []byte{0}),
		berInteger(0),
		berInteger(0),
		tlv(0x01, []byte{0}),
		filter,
		tlv(0x30, list...),
	)
	return tlv(0x30, berInteger(7), req)
}

func TestParseLDAP_Search(t *testing.T) {
	filter := tlv(0xa0,
		tlv(0xa3, octets("objectCategory"), octets("user")),
		tlv(0x87, []byte("servicePrincipalName")),
		tlv(0xa4, octets("cn"), tlv(0x30, tlv(0x81, []byte("admin")))),
	)
	payload := ldapSearch("DC=corp,DC=example", filter, "sAMAccountName", "unicodePwd")

	msgs, err := ParseLDAP(payload)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	s := msgs[0].Search
	require.NotNil(t, s)
	assert.Equal(t, int64(7), s.MessageID)
	assert.Equal(t, "DC=corp,DC=example", s.BaseDN)
	assert.Equal(t, 2, s.Scope)
	assert.Equal(t, "(&(objectCategory=user)(servicePrincipalName=*)(cn=*admin*))", s.Filter)
	assert.Equal(t, []string{"sAMAccountName", "unicodePwd"}, s.Attributes)
}

func TestParseLDAP_LongFormLength(t *testing.T) {
	// Windows clients encode lengths with a 0x84 prefix.
	inner := append(berInteger(1), tlv(0x42)...) // unbind request
	payload := append([]byte{0x30, 0x84, 0, 0, 0, byte(len(inner))}, inner...)
	msgs, err := ParseLDAP(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msgs[0].Op)

	_, err = ParseLDAP([]byte{0x30, 0x84, 0xff, 0xff})
	assert.ErrorIs(t, err, models.ErrParse)
}

func principalName(names ...string) []byte {
	var list [][]byte
	for _, n := range names {
		list = append(list, tlv(0x1b, []byte(n)))
	}
	return tlv(0x30, ctx(0, berInteger(1)), ctx(1, tlv(0x30, list...)))
}

func kdcReq(msgType int, preauth bool, sname []string, etypes ...int) []byte {
	var et [][]byte
	for _, e := range etypes {
		et = append(et, berInteger(e))
	}
	body := tlv(0x30,
		ctx(0, tlv(0x03, []byte{0, 0x40, 0x81, 0, 0x10})),
		ctx(1, principalName("alice")),
		ctx(2, tlv(0x1b, []byte("CORP.EXAMPLE"))),
		ctx(3, principalName(sname...)),
		ctx(7, berInteger(42)),
		ctx(8, tlv(0x30, et...)),
	)
	fields := [][]byte{ctx(1, berInteger(5)), ctx(2, berInteger(msgType))}
	if preauth {
		fields = append(fields, ctx(3, tlv(0x30, tlv(0x30, ctx(1, berInteger(paEncTime)), ctx(2, octets("x"))))))
	}
	fields = append(fields, ctx(4, body))
	return tlv(0x60|byte(msgType), tlv(0x30, fields...))
}

func TestParseKerberos(t *testing.T) {
	t.Run("tgs-req rc4", func(t *testing.T) {
		msg := kdcReq(KrbTGSReq, true, []string{"MSSQLSvc", "db01.corp.example"}, EtypeRC4HMAC)
		k, err := ParseKerberos(msg)
		require.NoError(t, err)
		assert.Equal(t, KrbTGSReq, k.Type)
		assert.Equal(t, "MSSQLSvc/db01.corp.example", k.SName)
		assert.Equal(t, "alice", k.CName)
		assert.Equal(t, "CORP.EXAMPLE", k.Realm)
		assert.True(t, k.OnlyWeak())
		assert.True(t, k.PreAuth)
	})

	t.Run("as-req over tcp without preauth", func(t *testing.T) {
		msg := kdcReq(KrbASReq, false, []string{"krbtgt", "CORP.EXAMPLE"}, EtypeAES256, EtypeRC4HMAC)
		framed := binary.BigEndian.AppendUint32(nil, uint32(len(msg)))
		k, err := ParseKerberos(append(framed, msg...))
		require.NoError(t, err)
		assert.Equal(t, KrbASReq, k.Type)
		assert.False(t, k.PreAuth)
		assert.False(t, k.OnlyWeak())
		assert.True(t, k.Offers(EtypeRC4HMAC))
	})

	t.Run("krb-error", func(t *testing.T) {
		msg := tlv(0x7e, tlv(0x30,
			ctx(0, berInteger(5)),
			ctx(1, berInteger(KrbError)),
			ctx(6, berInteger(KrbErrPreauthFail)),
			ctx(9, tlv(0x1b, []byte("CORP.EXAMPLE"))),
		))
		k, err := ParseKerberos(msg)
		require.NoError(t, err)
		assert.Equal(t, KrbErrPreauthFail, k.ErrorCode)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseKerberos([]byte{0x30, 0x03, 0x02, 0x01, 0x05})
		assert.ErrorIs(t, err, models.ErrParse)
	})
}

func TestParseDCERPC(t *testing.T) {
	pdu := make([]byte, 16+12+24+20)
	pdu[0], pdu[1], pdu[2], pdu[4] = 5, 0, RPCBind, 0x10
	binary.LittleEndian.PutUint16(pdu[8:], uint16(len(pdu)))
	binary.LittleEndian.PutUint32(pdu[12:], 9)
	body := pdu[16:]
	body[8] = 1 // one context
	ctxItem := body[12:]
	ctxItem[2] = 1 // one transfer syntax
	// e3514235-4b06-11d1-ab04-00c04fc2dcd2 in NDR little-endian form.
	copy(ctxItem[4:20], []byte{0x35, 0x42, 0x51, 0xe3, 0x06, 0x4b, 0xd1, 0x11, 0xab, 0x04, 0x00, 0xc0, 0x4f, 0xc2, 0xdc, 0xd2})

	pkt, err := ParseDCERPC(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint8(RPCBind), pkt.Type)
	assert.Equal(t, uint32(9), pkt.CallID)
	assert.True(t, pkt.Binds(InterfaceDRSUAPI))
	assert.False(t, pkt.Binds(InterfaceSAMR))

	req := make([]byte, 24)
	req[0], req[1], req[2], req[4] = 5, 0, RPCRequest, 0x10
	binary.LittleEndian.PutUint16(req[8:], 24)
	binary.LittleEndian.PutUint16(req[22:], DRSGetNCChanges)
	pkt, err = ParseDCERPC(req)
	require.NoError(t, err)
	assert.Equal(t, uint16(DRSGetNCChanges), pkt.Opnum)

	_, err = ParseDCERPC([]byte{4, 0, 0})
	assert.ErrorIs(t, err, models.ErrParse)
}
