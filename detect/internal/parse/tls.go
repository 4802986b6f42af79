package parse

import (
	"crypto/md5"
	"crypto/x509"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/crypto/cryptobyte"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

const (
	recordHandshake = 0x16

	handshakeClientHello = 1
	handshakeServerHello = 2
	handshakeCertificate = 11

	extServerName        = 0
	extSupportedGroups   = 10
	extECPointFormats    = 11
	extALPN              = 16
	extSupportedVersions = 43
)

// ClientHello holds the fields of a TLS ClientHello used for fingerprinting.
type ClientHello struct {
	Version           uint16
	Ciphers           []uint16
	Extensions        []uint16
	Curves            []uint16
	PointFormats      []uint8
	SupportedVersions []uint16
	SNI               string
	ALPN              []string
}

// ServerHello holds the fields of a TLS ServerHello used for fingerprinting.
type ServerHello struct {
	Version         uint16
	Cipher          uint16
	Extensions      []uint16
	SelectedVersion uint16
}

// Handshake is every handshake message found in one payload.
type Handshake struct {
	Client       *ClientHello
	Server       *ServerHello
	Certificates []*x509.Certificate
	// CertErrors counts certificates that failed to parse.
	CertErrors int
}

// IsGREASE reports whether v is a GREASE value (RFC 8701).
func IsGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}

// ParseTLS walks the handshake records in payload. Messages split across
// records are reassembled within the payload; a message cut by the end of
// the payload is ignored.
func ParseTLS(payload []byte) (*Handshake, error) {
	var stream []byte
	s := cryptobyte.String(payload)
	for !s.Empty() {
		var typ uint8
		var version uint16
		var body cryptobyte.String
		if !s.ReadUint8(&typ) || !s.ReadUint16(&version) || !s.ReadUint16LengthPrefixed(&body) {
			if stream == nil {
				return nil, models.NewParseError("tls", "truncated record")
			}
			break
		}
		if typ != recordHandshake {
			break
		}
		stream = append(stream, body...)
	}
	if len(stream) == 0 {
		return nil, models.NewParseError("tls", "no handshake record")
	}

	hs := &Handshake{}
	msgs := cryptobyte.String(stream)
	for !msgs.Empty() {
		var typ uint8
		var body cryptobyte.String
		if !msgs.ReadUint8(&typ) || !msgs.ReadUint24LengthPrefixed(&body) {
			break
		}
		switch typ {
		case handshakeClientHello:
			ch, err := parseClientHello(body)
			if err != nil {
				return nil, err
			}
			hs.Client = ch
		case handshakeServerHello:
			sh, err := parseServerHello(body)
			if err != nil {
				return nil, err
			}
			hs.Server = sh
		case handshakeCertificate:
			hs.parseCertificates(body)
		}
	}
	if hs.Client == nil && hs.Server == nil && len(hs.Certificates) == 0 {
		return nil, models.NewParseError("tls", "no complete handshake message")
	}
	return hs, nil
}

func parseClientHello(s cryptobyte.String) (*ClientHello, error) {
	ch := &ClientHello{}
	var sessionID, ciphers, compression cryptobyte.String
	if !s.ReadUint16(&ch.Version) || !s.Skip(32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&ciphers) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return nil, models.NewParseError("tls", "malformed client hello")
	}
	for !ciphers.Empty() {
		var c uint16
		if !ciphers.ReadUint16(&c) {
			return nil, models.NewParseError("tls", "odd cipher list")
		}
		ch.Ciphers = append(ch.Ciphers, c)
	}
	if s.Empty() {
		return ch, nil
	}
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return nil, models.NewParseError("tls", "malformed extensions")
	}
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, models.NewParseError("tls", "malformed extension")
		}
		ch.Extensions = append(ch.Extensions, typ)
		switch typ {
		case extServerName:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				continue
			}
			for !list.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
					break
				}
				if nameType == 0 {
					ch.SNI = strings.ToLower(string(name))
				}
			}
		case extSupportedGroups:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				continue
			}
			for !list.Empty() {
				var g uint16
				if !list.ReadUint16(&g) {
					break
				}
				ch.Curves = append(ch.Curves, g)
			}
		case extECPointFormats:
			var list cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&list) {
				continue
			}
			ch.PointFormats = append(ch.PointFormats, list...)
		case extSupportedVersions:
			var list cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&list) {
				continue
			}
			for !list.Empty() {
				var v uint16
				if !list.ReadUint16(&v) {
					break
				}
				ch.SupportedVersions = append(ch.SupportedVersions, v)
			}
		case extALPN:
			var list cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&list) {
				continue
			}
			for !list.Empty() {
				var proto cryptobyte.String
				if !list.ReadUint8LengthPrefixed(&proto) {
					break
				}
				ch.ALPN = append(ch.ALPN, string(proto))
			}
		}
	}
	return ch, nil
}

func parseServerHello(s cryptobyte.String) (*ServerHello, error) {
	sh := &ServerHello{}
	var sessionID cryptobyte.String
	var compression uint8
	if !s.ReadUint16(&sh.Version) || !s.Skip(32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16(&sh.Cipher) || !s.ReadUint8(&compression) {
		return nil, models.NewParseError("tls", "malformed server hello")
	}
	sh.SelectedVersion = sh.Version
	if s.Empty() {
		return sh, nil
	}
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return nil, models.NewParseError("tls", "malformed extensions")
	}
	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, models.NewParseError("tls", "malformed extension")
		}
		sh.Extensions = append(sh.Extensions, typ)
		if typ == extSupportedVersions {
			var v uint16
			if data.ReadUint16(&v) {
				sh.SelectedVersion = v
			}
		}
	}
	return sh, nil
}

func (hs *Handshake) parseCertificates(s cryptobyte.String) {
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) {
		return
	}
	for !list.Empty() {
		var der cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&der) {
			return
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			hs.CertErrors++
			continue
		}
		hs.Certificates = append(hs.Certificates, cert)
	}
}

// JA3String returns the JA3 input string with GREASE values removed.
func (ch *ClientHello) JA3String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(ch.Version)))
	b.WriteByte(',')
	joinUint16(&b, ch.Ciphers)
	b.WriteByte(',')
	joinUint16(&b, ch.Extensions)
	b.WriteByte(',')
	joinUint16(&b, ch.Curves)
	b.WriteByte(',')
	for i, p := range ch.PointFormats {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.Itoa(int(p)))
	}
	return b.String()
}

// JA3 returns the MD5 digest of JA3String in lowercase hex.
func (ch *ClientHello) JA3() string {
	sum := md5.Sum([]byte(ch.JA3String()))
	return hex.EncodeToString(sum[:])
}

// MaxVersion returns the highest offered version, considering the
// supported_versions extension.
func (ch *ClientHello) MaxVersion() uint16 {
	max := ch.Version
	for _, v := range ch.SupportedVersions {
		if !IsGREASE(v) && v > max {
			max = v
		}
	}
	return max
}

// JA3SString returns the JA3S input string.
func (sh *ServerHello) JA3SString() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(sh.Version)))
	b.WriteByte(',')
	b.WriteString(strconv.Itoa(int(sh.Cipher)))
	b.WriteByte(',')
	joinUint16(&b, sh.Extensions)
	return b.String()
}

// JA3S returns the MD5 digest of JA3SString in lowercase hex.
func (sh *ServerHello) JA3S() string {
	sum := md5.Sum([]byte(sh.JA3SString()))
	return hex.EncodeToString(sum[:])
}

func joinUint16(b *strings.Builder, vals []uint16) {
	first := true
	for _, v := range vals {
		if IsGREASE(v) {
			continue
		}
		if !first {
			b.WriteByte('-')
		}
		first = false
		b.WriteString(strconv.Itoa(int(v)))
	}
}

// TLSVersionName returns the protocol name of a wire version.
func TLSVersionName(v uint16) string {
	switch v {
	case 0x0300:
		return "SSLv3"
	case 0x0301:
		return "TLSv1.0"
	case 0x0302:
		return "TLSv1.1"
	case 0x0303:
		return "TLSv1.2"
	case 0x0304:
		return "TLSv1.3"
	case 0x0002:
		return "SSLv2"
	}
	return "0x" + strconv.FormatUint(uint64(v), 16)
}
