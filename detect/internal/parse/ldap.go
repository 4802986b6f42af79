package parse

import (
	"strconv"
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// berReader reads BER TLVs, including the non-minimal long-form lengths
// Windows clients send. Indefinite lengths are rejected.
type berReader struct {
	b []byte
}

type berTLV struct {
	class       uint8
	constructed bool
	tag         uint32
	value       []byte
}

func (r *berReader) empty() bool { return len(r.b) == 0 }

func (r *berReader) next() (berTLV, bool) {
	var t berTLV
	if len(r.b) < 2 {
		return t, false
	}
	id := r.b[0]
	t.class = id >> 6
	t.constructed = id&0x20 != 0
	t.tag = uint32(id & 0x1f)
	i := 1
	if t.tag == 0x1f {
		t.tag = 0
		for n := 0; ; n++ {
			if i >= len(r.b) || n > 3 {
				return t, false
			}
			c := r.b[i]
			i++
			t.tag = t.tag<<7 | uint32(c&0x7f)
			if c&0x80 == 0 {
				break
			}
		}
	}
	if i >= len(r.b) {
		return t, false
	}
	l := int(r.b[i])
	i++
	if l&0x80 != 0 {
		n := l & 0x7f
		if n == 0 || n > 4 || i+n > len(r.b) {
			return t, false
		}
		l = 0
		for _, c := range r.b[i : i+n] {
			l = l<<8 | int(c)
		}
		i += n
	}
	if l < 0 || i+l > len(r.b) {
		return t, false
	}
	t.value = r.b[i : i+l]
	r.b = r.b[i+l:]
	return t, true
}

func berInt(v []byte) int64 {
	if len(v) == 0 || len(v) > 8 {
		return 0
	}
	var n int64
	if v[0]&0x80 != 0 {
		n = -1
	}
	for _, c := range v {
		n = n<<8 | int64(c)
	}
	return n
}

// LDAP protocol operations.
const (
	LDAPBindRequest   = 0
	LDAPSearchRequest = 3
)

// LDAPSearch is a decoded SearchRequest.
type LDAPSearch struct {
	MessageID  int64
	BaseDN     string
	Scope      int
	Filter     string
	Attributes []string
}

// LDAPMessage is one LDAP PDU. Search is set for search requests.
type LDAPMessage struct {
	MessageID int64
	Op        uint32
	Search    *LDAPSearch
}

// ParseLDAP decodes every LDAPMessage in payload.
func ParseLDAP(payload []byte) ([]LDAPMessage, error) {
	var out []LDAPMessage
	r := &berReader{b: payload}
	for !r.empty() {
		seq, ok := r.next()
		if !ok || seq.tag != 0x10 || !seq.constructed {
			break
		}
		body := &berReader{b: seq.value}
		id, ok := body.next()
		if !ok || id.tag != 0x02 {
			break
		}
		op, ok := body.next()
		if !ok || op.class != 1 {
			break
		}
		msg := LDAPMessage{MessageID: berInt(id.value), Op: op.tag}
		if op.tag == LDAPSearchRequest {
			s, err := parseSearch(op.value)
			if err != nil {
				return nil, err
			}
			s.MessageID = msg.MessageID
			msg.Search = s
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		return nil, models.NewParseError("ldap", "no ldap message")
	}
	return out, nil
}

func parseSearch(v []byte) (*LDAPSearch, error) {
	r := &berReader{b: v}
	base, ok1 := r.next()
	scope, ok2 := r.next()
	_, ok3 := r.next() // derefAliases
	_, ok4 := r.next() // sizeLimit
	_, ok5 := r.next() // timeLimit
	_, ok6 := r.next() // typesOnly
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return nil, models.NewParseError("ldap", "truncated search request")
	}
	s := &LDAPSearch{BaseDN: string(base.value), Scope: int(berInt(scope.value))}

	filter, ok := r.next()
	if !ok {
		return nil, models.NewParseError("ldap", "missing filter")
	}
	var b strings.Builder
	writeFilter(&b, filter, 0)
	s.Filter = b.String()

	if attrs, ok := r.next(); ok {
		ar := &berReader{b: attrs.value}
		for !ar.empty() {
			a, ok := ar.next()
			if !ok {
				break
			}
			s.Attributes = append(s.Attributes, string(a.value))
		}
	}
	return s, nil
}

// writeFilter renders a Filter in RFC 4515 string form.
func writeFilter(b *strings.Builder, f berTLV, depth int) {
	if depth > 32 {
		return
	}
	b.WriteByte('(')
	switch f.tag {
	case 0, 1, 2: // and, or, not
		b.WriteByte("&|!"[f.tag])
		r := &berReader{b: f.value}
		for !r.empty() {
			sub, ok := r.next()
			if !ok {
				break
			}
			writeFilter(b, sub, depth+1)
		}
	case 3, 5, 6, 8: // equality, greaterOrEqual, lessOrEqual, approx
		attr, val := attrValue(f.value)
		op := map[uint32]string{3: "=", 5: ">=", 6: "<=", 8: "~="}[f.tag]
		b.WriteString(attr + op + val)
	case 4: // substrings
		r := &berReader{b: f.value}
		attr, _ := r.next()
		b.WriteString(string(attr.value) + "=")
		seq, _ := r.next()
		sr := &berReader{b: seq.value}
		first, last := true, uint32(0)
		for !sr.empty() {
			part, ok := sr.next()
			if !ok {
				break
			}
			if part.tag != 0 || !first {
				b.WriteByte('*')
			}
			b.Write(part.value)
			first, last = false, part.tag
		}
		if last != 2 {
			b.WriteByte('*')
		}
	case 7: // present
		b.Write(f.value)
		b.WriteString("=*")
	case 9: // extensibleMatch
		r := &berReader{b: f.value}
		var rule, attr, val string
		for !r.empty() {
			part, ok := r.next()
			if !ok {
				break
			}
			switch part.tag {
			case 1:
				rule = string(part.value)
			case 2:
				attr = string(part.value)
			case 3:
				val = string(part.value)
			}
		}
		b.WriteString(attr + ":" + rule + ":=" + val)
	default:
		b.WriteString("?" + strconv.Itoa(int(f.tag)))
	}
	b.WriteByte(')')
}

func attrValue(v []byte) (string, string) {
	r := &berReader{b: v}
	a, _ := r.next()
	val, _ := r.next()
	return string(a.value), string(val.value)
}
