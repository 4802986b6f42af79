package protocol

import (
	"net/netip"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

const kerberosPort = 88

// Kerberos watches KDC traffic for ticket roasting, weak encryption and
// password guessing.
var Kerberos = detector.Descriptor{
	Key:    "kerberos",
	Family: detector.FamilyProtocol,
	Threats: []models.ThreatType{
		models.ThreatKerberosWeakEncryption,
		models.ThreatKerberoasting,
		models.ThreatASREPRoasting,
		models.ThreatKerberosBruteforce,
	},
	Params: []config.ParamSpec{
		config.Int("roast_threshold", 5, 2, 1e5, "distinct principals requested per source"),
		config.Duration("roast_time_window", 60*time.Second, time.Second, time.Hour, "roasting window"),
		config.Int("failure_threshold", 10, 2, 1e5, "pre-authentication failures per client"),
		config.Duration("failure_time_window", 300*time.Second, time.Second, 24*time.Hour, "failure window"),
	},
	New: func() detector.Detector {
		return &kerberos{
			tgs:      detector.NewKeyed[netip.Addr](newPrincipals),
			asrep:    detector.NewKeyed[netip.Addr](newPrincipals),
			failures: detector.NewKeyed[netip.Addr](newCounterState),
			limit:    newLimiter(),
		}
	},
}

type principals struct {
	names *window.Distinct[string]
	cd    window.Cooldown
}

func newPrincipals() *principals {
	return &principals{names: window.NewDistinct[string](0)}
}

type kerberos struct {
	tgs      detector.Keyed[netip.Addr, principals]
	asrep    detector.Keyed[netip.Addr, principals]
	failures detector.Keyed[netip.Addr, counterState]
	limit    limiter
}

func (d *kerberos) Observe(c *detector.Context, f *models.Flow) {
	if !f.HasPort(kerberosPort) || len(f.Payload) == 0 {
		return
	}
	msg, err := parse.ParseKerberos(f.Payload)
	if err != nil {
		return
	}
	switch msg.Type {
	case parse.KrbASReq, parse.KrbTGSReq:
		d.request(c, f, msg)
	case parse.KrbASRep, parse.KrbTGSRep:
		if parse.WeakEtype(msg.EncEtype) && d.limit.allow(c, f.DstIP, f.SrcIP, models.ThreatKerberosWeakEncryption, f.Mono) {
			c.Emit(fromServer(c.Alert(models.ThreatKerberosWeakEncryption, f, "KDC %s issued a ticket to %s with weak etype %d", f.SrcIP, f.DstIP, msg.EncEtype).
				WithEvidence("etype", itoa(msg.EncEtype), "cname", msg.CName, "realm", msg.Realm)))
		}
	case parse.KrbError:
		if msg.ErrorCode == parse.KrbErrPreauthFail && f.SrcPort == kerberosPort {
			d.failure(c, f, msg)
		}
	}
}

func (d *kerberos) request(c *detector.Context, f *models.Flow, msg *parse.KerberosMessage) {
	if msg.OnlyWeak() && d.limit.allow(c, f.SrcIP, f.DstIP, models.ThreatKerberosWeakEncryption, f.Mono) {
		c.Emit(c.Alert(models.ThreatKerberosWeakEncryption, f, "%s requested tickets offering only weak encryption", f.SrcIP).
			WithEvidence("etypes", etypes(msg.Etypes), "cname", msg.CName, "sname", msg.SName, "realm", msg.Realm))
	}

	w := c.Params.Duration("roast_time_window")
	need := c.Params.Int("roast_threshold")
	switch {
	case msg.Type == parse.KrbTGSReq && msg.Offers(parse.EtypeRC4HMAC) && msg.SName != "":
		st := d.tgs.Get(c, f.SrcIP, f.Mono)
		if st == nil {
			return
		}
		n := st.names.Add(f.Mono, w, strings.ToLower(msg.SName))
		if n < need || !st.cd.Ready(f.Mono) {
			return
		}
		st.cd.Arm(f.Mono, c.Cooldown())
		c.Emit(c.Alert(models.ThreatKerberoasting, f, "%s requested RC4 service tickets for %d services within %s", f.SrcIP, n, w).
			WithEvidence("services", itoa(n), "last_sname", msg.SName, "realm", msg.Realm))

	case msg.Type == parse.KrbASReq && !msg.PreAuth && msg.CName != "":
		st := d.asrep.Get(c, f.SrcIP, f.Mono)
		if st == nil {
			return
		}
		n := st.names.Add(f.Mono, w, strings.ToLower(msg.CName))
		if n < need || !st.cd.Ready(f.Mono) {
			return
		}
		st.cd.Arm(f.Mono, c.Cooldown())
		c.Emit(c.Alert(models.ThreatASREPRoasting, f, "%s requested TGTs without pre-authentication for %d accounts within %s", f.SrcIP, n, w).
			WithEvidence("accounts", itoa(n), "last_cname", msg.CName, "realm", msg.Realm))
	}
}

// failure counts KRB-ERROR replies sent by the KDC, keyed by the client.
func (d *kerberos) failure(c *detector.Context, f *models.Flow, msg *parse.KerberosMessage) {
	st := d.failures.Get(c, f.DstIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("failure_time_window")
	st.events.Add(f.Mono, w, 1)
	n := st.events.Count()
	if n < c.Params.Int("failure_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(fromServer(c.Alert(models.ThreatKerberosBruteforce, f, "%s failed Kerberos pre-authentication %d times within %s", f.DstIP, n, w).
		WithEvidence("failures", itoa(n), "last_cname", msg.CName, "realm", msg.Realm)))
}

func (d *kerberos) Evict(now, idle time.Duration, batch int) int {
	return d.tgs.Evict(now, idle, batch) +
		d.asrep.Evict(now, idle, batch) +
		d.failures.Evict(now, idle, batch) +
		d.limit.Evict(now, idle, batch)
}

func etypes(list []int) string {
	s := make([]string, len(list))
	for i, e := range list {
		s[i] = itoa(e)
	}
	return strings.Join(s, ",")
}
