package protocol

import (
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

var sensitiveAttrs = map[string]bool{
	"userpassword":                             true,
	"unicodepwd":                               true,
	"ntpasswordhash":                           true,
	"lmpasswordhash":                           true,
	"supplementalcredentials":                  true,
	"msds-managedpassword":                     true,
	"msds-managedpasswordid":                   true,
	"msds-groupmsamembership":                  true,
	"msds-allowedtodelegateto":                 true,
	"msds-allowedtoactonbehalfofotheridentity": true,
	"sidhistory":                               true,
	"ms-mcs-admpwd":                            true,
	"mslaps-password":                          true,
}

var sensitiveBases = []string{
	"cn=configuration", "cn=schema", "cn=system",
	"cn=builtin", "cn=ntds quotas", "cn=infrastructure",
}

type ldapState struct {
	queries *window.Counter
	bases   *window.Distinct[string]
	cd      window.Cooldown
}

func newLDAPState() *ldapState {
	return &ldapState{queries: window.NewCounter(0), bases: window.NewDistinct[string](0)}
}

// LDAP inspects directory search requests for Active Directory
// reconnaissance.
var LDAP = detector.Descriptor{
	Key:    "ldap",
	Family: detector.FamilyProtocol,
	Threats: []models.ThreatType{
		models.ThreatLDAPSPNEnumeration,
		models.ThreatLDAPASREPEnumeration,
		models.ThreatLDAPAdminEnumeration,
		models.ThreatLDAPSensitiveAttr,
		models.ThreatLDAPEnumeration,
	},
	Params: []config.ParamSpec{
		config.Strings("ports", []string{"389", "636", "3268", "3269"}, "directory server ports"),
		config.Int("enumeration_threshold", 20, 2, 1e6, "search requests per source"),
		config.Duration("enumeration_time_window", time.Minute, time.Second, time.Hour, "enumeration window"),
	},
	New: func() detector.Detector {
		return &ldap{
			state: detector.NewKeyed[netip.Addr](newLDAPState),
			limit: newLimiter(),
		}
	},
}

type ldap struct {
	ports detector.Ports
	state detector.Keyed[netip.Addr, ldapState]
	limit limiter
}

func (d *ldap) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || len(f.Payload) < 10 || !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	msgs, err := parse.ParseLDAP(f.Payload)
	if err != nil {
		return
	}
	for _, m := range msgs {
		if m.Op == parse.LDAPSearchRequest && m.Search != nil {
			d.search(c, f, m.Search)
		}
	}
}

func (d *ldap) search(c *detector.Context, f *models.Flow, s *parse.LDAPSearch) {
	filter := strings.ToLower(s.Filter)
	base := strings.ToLower(s.BaseDN)
	sensitiveBase := ""
	for _, b := range sensitiveBases {
		if strings.Contains(base, b) {
			sensitiveBase = b
			break
		}
	}

	var attrs []string
	for _, a := range s.Attributes {
		if sensitiveAttrs[strings.ToLower(a)] {
			attrs = append(attrs, a)
		}
	}
	if len(attrs) > 0 {
		d.emit(c, f, s, models.ThreatLDAPSensitiveAttr, sensitiveBase, "%s requested sensitive attributes %s", f.SrcIP, strings.Join(attrs, ","))
	}

	switch {
	case strings.Contains(filter, "serviceprincipalname") && !strings.Contains(base, "serviceprincipalname"):
		d.emit(c, f, s, models.ThreatLDAPSPNEnumeration, sensitiveBase, "%s enumerated service principal names", f.SrcIP)
	case strings.Contains(filter, "useraccountcontrol") && strings.Contains(filter, "4194304"):
		d.emit(c, f, s, models.ThreatLDAPASREPEnumeration, sensitiveBase, "%s searched for accounts without Kerberos pre-authentication", f.SrcIP)
	case strings.Contains(filter, "admincount=1") || strings.Contains(filter, "domain admins"):
		d.emit(c, f, s, models.ThreatLDAPAdminEnumeration, sensitiveBase, "%s enumerated privileged accounts", f.SrcIP)
	}

	st := d.state.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("enumeration_time_window")
	st.queries.Add(f.Mono, w, 1)
	bases := st.bases.Add(f.Mono, w, base)
	n := st.queries.Count()
	if n < c.Params.Int("enumeration_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatLDAPEnumeration, f, "%s sent %d LDAP searches to %d bases within %s", f.SrcIP, n, bases, w).
		WithEvidence("query_count", itoa(n), "unique_bases", itoa(bases), "time_window", w.String()))
}

func (d *ldap) emit(c *detector.Context, f *models.Flow, s *parse.LDAPSearch, t models.ThreatType, sensitiveBase, format string, args ...any) {
	if !d.limit.allow(c, f.SrcIP, f.DstIP, t, f.Mono) {
		return
	}
	a := c.Alert(t, f, format, args...).
		WithEvidence(
			"base_dn", truncate(s.BaseDN, 256),
			"filter", truncate(s.Filter, 512),
			"attributes", truncate(strings.Join(s.Attributes, ","), 512),
		)
	if sensitiveBase != "" {
		a.WithEvidence("sensitive_base", sensitiveBase)
	}
	c.Emit(a)
}

func (d *ldap) Evict(now, idle time.Duration, batch int) int {
	return d.state.Evict(now, idle, batch) + d.limit.Evict(now, idle, batch)
}

// DCSync flags directory replication requested by a host that is not a
// configured domain controller.
var DCSync = detector.Descriptor{
	Key:     "dcsync",
	Family:  detector.FamilyProtocol,
	Threats: []models.ThreatType{models.ThreatDCSync},
	New: func() detector.Detector {
		return &dcsync{limit: newLimiter()}
	},
}

type dcsync struct {
	limit limiter
}

func (d *dcsync) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || len(f.Payload) < 16 || f.Payload[0] != 5 {
		return
	}
	pkt, err := parse.ParseDCERPC(f.Payload)
	if err != nil || (pkt.Type != parse.RPCBind && pkt.Type != parse.RPCAlterContext) || !pkt.Binds(parse.InterfaceDRSUAPI) {
		return
	}
	if c.Snapshot != nil && slices.Contains(c.Snapshot.DomainControllers, f.SrcIP) {
		return
	}
	if !d.limit.allow(c, f.SrcIP, f.DstIP, models.ThreatDCSync, f.Mono) {
		return
	}
	c.Emit(c.Alert(models.ThreatDCSync, f, "%s bound the directory replication interface on %s", f.SrcIP, f.DstIP).
		WithEvidence("interface", "drsuapi", "uuid", parse.InterfaceDRSUAPI.String(), "call_id", itoa(int(pkt.CallID))))
}

func (d *dcsync) Evict(now, idle time.Duration, batch int) int {
	return d.limit.Evict(now, idle, batch)
}
