package parse

import (
	"encoding/binary"
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Kerberos message types (RFC 4120).
const (
	KrbASReq   = 10
	KrbASRep   = 11
	KrbTGSReq  = 12
	KrbTGSRep  = 13
	KrbError   = 30
	paEncTime  = 2
	berContext = 2
)

// Kerberos encryption types.
const (
	EtypeDESCBCCRC    = 1
	EtypeDESCBCMD5    = 3
	EtypeAES128       = 17
	EtypeAES256       = 18
	EtypeRC4HMAC      = 23
	EtypeRC4HMACExp   = 24
	KrbErrPreauthFail = 24
	KrbErrPreauthReq  = 25
)

// KerberosMessage holds the fields of a KDC exchange detectors use.
type KerberosMessage struct {
	Type int
	// Etypes are the encryption types a request offers.
	Etypes []int
	// EncEtype is the etype of a reply's enc-part.
	EncEtype int
	// PreAuth is set when a request carries PA-ENC-TIMESTAMP.
	PreAuth   bool
	Realm     string
	CName     string
	SName     string
	ErrorCode int
}

// WeakEtype reports whether e is DES or RC4.
func WeakEtype(e int) bool {
	switch e {
	case EtypeDESCBCCRC, EtypeDESCBCMD5, EtypeRC4HMAC, EtypeRC4HMACExp:
		return true
	}
	return false
}

// OnlyWeak reports whether every offered etype is weak.
func (k *KerberosMessage) OnlyWeak() bool {
	if len(k.Etypes) == 0 {
		return false
	}
	for _, e := range k.Etypes {
		if !WeakEtype(e) {
			return false
		}
	}
	return true
}

// Offers reports whether the request offers etype e.
func (k *KerberosMessage) Offers(e int) bool {
	for _, o := range k.Etypes {
		if o == e {
			return true
		}
	}
	return false
}

// ParseKerberos decodes a KDC request, reply or error. TCP payloads carry
// a four-byte record mark which is stripped when present.
func ParseKerberos(payload []byte) (*KerberosMessage, error) {
	p := payload
	if len(p) > 4 && p[0]&0xe0 != 0x60 {
		n := binary.BigEndian.Uint32(p)
		if n&0x80000000 == 0 && n > 0 {
			p = p[4:]
		}
	}
	r := &berReader{b: p}
	app, ok := r.next()
	if !ok || app.class != 1 || !app.constructed {
		return nil, models.NewParseError("kerberos", "missing application tag")
	}
	seq, ok := (&berReader{b: app.value}).next()
	if !ok || seq.tag != 0x10 {
		return nil, models.NewParseError("kerberos", "missing sequence")
	}
	fields := contextFields(seq.value)

	msg := &KerberosMessage{Type: int(app.tag)}
	switch app.tag {
	case KrbASReq, KrbTGSReq:
		if pa, ok := fields[3]; ok {
			msg.PreAuth = hasPAType(pa, paEncTime)
		}
		body, ok := fields[4]
		if !ok {
			return nil, models.NewParseError("kerberos", "missing req-body")
		}
		bseq, ok := (&berReader{b: body}).next()
		if !ok {
			return nil, models.NewParseError("kerberos", "bad req-body")
		}
		bf := contextFields(bseq.value)
		msg.CName = principal(bf[1])
		msg.Realm = generalString(bf[2])
		msg.SName = principal(bf[3])
		if et, ok := bf[8]; ok {
			list, ok := (&berReader{b: et}).next()
			if ok {
				lr := &berReader{b: list.value}
				for !lr.empty() {
					v, ok := lr.next()
					if !ok {
						break
					}
					msg.Etypes = append(msg.Etypes, int(berInt(v.value)))
				}
			}
		}
	case KrbASRep, KrbTGSRep:
		msg.Realm = generalString(fields[3])
		msg.CName = principal(fields[4])
		if enc, ok := fields[6]; ok {
			if eseq, ok := (&berReader{b: enc}).next(); ok {
				ef := contextFields(eseq.value)
				msg.EncEtype = int(explicitInt(ef[0]))
			}
		}
	case KrbError:
		msg.ErrorCode = int(explicitInt(fields[6]))
		msg.Realm = generalString(fields[9])
		msg.CName = principal(fields[8])
		msg.SName = principal(fields[10])
	default:
		return nil, models.NewParseError("kerberos", "unsupported message type %d", app.tag)
	}
	return msg, nil
}

// contextFields maps explicit context tags to their wrapped content.
func contextFields(v []byte) map[uint32][]byte {
	out := make(map[uint32][]byte, 8)
	r := &berReader{b: v}
	for !r.empty() {
		f, ok := r.next()
		if !ok {
			break
		}
		if f.class == berContext {
			out[f.tag] = f.value
		}
	}
	return out
}

func explicitInt(v []byte) int64 {
	t, ok := (&berReader{b: v}).next()
	if !ok {
		return 0
	}
	return berInt(t.value)
}

func generalString(v []byte) string {
	t, ok := (&berReader{b: v}).next()
	if !ok {
		return ""
	}
	return string(t.value)
}

// principal renders a PrincipalName as slash separated components.
func principal(v []byte) string {
	if v == nil {
		return ""
	}
	seq, ok := (&berReader{b: v}).next()
	if !ok {
		return ""
	}
	f := contextFields(seq.value)
	names, ok := (&berReader{b: f[1]}).next()
	if !ok {
		return ""
	}
	var parts []string
	nr := &berReader{b: names.value}
	for !nr.empty() {
		n, ok := nr.next()
		if !ok {
			break
		}
		parts = append(parts, string(n.value))
	}
	return strings.Join(parts, "/")
}

func hasPAType(v []byte, want int64) bool {
	list, ok := (&berReader{b: v}).next()
	if !ok {
		return false
	}
	r := &berReader{b: list.value}
	for !r.empty() {
		pa, ok := r.next()
		if !ok {
			return false
		}
		if explicitInt(contextFields(pa.value)[1]) == want {
			return true
		}
	}
	return false
}
