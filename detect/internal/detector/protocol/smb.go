package protocol

import (
	"net/netip"
	"path"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/parse"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/window"
)

var adminShares = map[string]bool{
	"c$": true, "admin$": true, "ipc$": true, "d$": true, "e$": true,
	"print$": true, "sysvol": true, "netlogon": true,
}

var registryHives = []string{
	`system32\config\sam`,
	`system32\config\system`,
	`system32\config\security`,
}

var ransomExtensions = map[string]bool{
	".locked": true, ".encrypted": true, ".crypt": true, ".crypted": true,
	".locky": true, ".wncry": true, ".wnry": true, ".ryk": true,
	".conti": true, ".lockbit": true, ".cerber": true, ".zepto": true,
	".petya": true, ".phobos": true, ".basta": true,
}

var ransomNotes = []string{
	"how_to_decrypt", "how-to-decrypt", "decrypt_instructions", "restore_files",
	"readme_for_decrypt", "recovery_instructions", "_readme.txt", "!!!readme",
	"your_files_are_encrypted",
}

// lateral pattern over the last smbHistory commands of a session
const (
	smbHistory      = 20
	smbTreeConnects = 5
	smbCreates      = 10
)

type smbSession struct {
	cmds []uint16
	cd   window.Cooldown
}

func newSMBSession() *smbSession {
	return &smbSession{cmds: make([]uint16, 0, smbHistory)}
}

func (s *smbSession) push(cmd uint16) {
	if len(s.cmds) == smbHistory {
		copy(s.cmds, s.cmds[1:])
		s.cmds = s.cmds[:smbHistory-1]
	}
	s.cmds = append(s.cmds, cmd)
}

func (s *smbSession) count(cmd uint16) int {
	n := 0
	for _, c := range s.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

// SMB inspects SMB requests to file servers.
var SMB = detector.Descriptor{
	Key:    "smb",
	Family: detector.FamilyProtocol,
	Threats: []models.ThreatType{
		models.ThreatSMB1Usage,
		models.ThreatSMBAdminShare,
		models.ThreatSMBEnumeration,
		models.ThreatSMBLateralPattern,
		models.ThreatNTDSAccess,
		models.ThreatLSASSDumpAccess,
		models.ThreatRegistryHiveAccess,
		models.ThreatRansomware,
	},
	Params: []config.ParamSpec{
		config.Strings("ports", []string{"445", "139"}, "SMB server ports"),
		config.Int("enumeration_threshold", 20, 2, 1e6, "directory queries per source"),
		config.Duration("enumeration_time_window", time.Minute, time.Second, time.Hour, "enumeration window"),
		config.Int("ransomware_create_threshold", 100, 10, 1e6, "file creates per source that look like mass encryption"),
		config.Duration("ransomware_time_window", 10*time.Second, time.Second, time.Hour, "create burst window"),
	},
	New: func() detector.Detector {
		return &smb{
			sessions: detector.NewKeyed[[2]netip.Addr](newSMBSession),
			enum:     detector.NewKeyed[netip.Addr](newCounterState),
			creates:  detector.NewKeyed[netip.Addr](newCounterState),
			limit:    newLimiter(),
		}
	},
}

type smb struct {
	ports    detector.Ports
	sessions detector.Keyed[[2]netip.Addr, smbSession]
	enum     detector.Keyed[netip.Addr, counterState]
	creates  detector.Keyed[netip.Addr, counterState]
	limit    limiter
}

func (d *smb) Observe(c *detector.Context, f *models.Flow) {
	if !f.IsTCP() || len(f.Payload) == 0 || !d.ports.Get(c.Params.Strings("ports"))[f.DstPort] {
		return
	}
	msg, err := parse.ParseSMB(f.Payload)
	if err != nil {
		return
	}
	if msg.Version == 1 {
		if d.limit.allow(c, f.SrcIP, f.DstIP, models.ThreatSMB1Usage, f.Mono) {
			a := c.Alert(models.ThreatSMB1Usage, f, "%s spoke SMBv1 to %s", f.SrcIP, f.DstIP)
			a.Severity = models.SeverityLow
			c.Emit(a)
		}
		return
	}

	sess := d.sessions.Get(c, [2]netip.Addr{f.SrcIP, f.DstIP}, f.Mono)
	for _, cmd := range msg.Commands {
		if cmd.Response {
			continue
		}
		if sess != nil {
			sess.push(cmd.Command)
		}
		switch cmd.Command {
		case parse.SMB2TreeConnect:
			d.treeConnect(c, f, cmd.Share)
		case parse.SMB2Create:
			d.create(c, f, cmd.File)
		case parse.SMB2QueryDirectory:
			d.enumerate(c, f)
		}
	}

	if sess == nil || len(sess.cmds) < 5 {
		return
	}
	tc, cr := sess.count(parse.SMB2TreeConnect), sess.count(parse.SMB2Create)
	if tc >= smbTreeConnects && cr >= smbCreates && sess.cd.Ready(f.Mono) {
		sess.cd.Arm(f.Mono, c.Cooldown())
		c.Emit(c.Alert(models.ThreatSMBLateralPattern, f, "%s made %d share connections and %d file operations on %s", f.SrcIP, tc, cr, f.DstIP).
			WithEvidence("tree_connects", itoa(tc), "file_creates", itoa(cr)))
	}
}

func (d *smb) treeConnect(c *detector.Context, f *models.Flow, share string) {
	if share == "" {
		return
	}
	name := strings.ToLower(share)
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	if !adminShares[name] || !d.limit.allow(c, f.SrcIP, f.DstIP, models.ThreatSMBAdminShare, f.Mono) {
		return
	}
	a := c.Alert(models.ThreatSMBAdminShare, f, "%s connected to administrative share %s", f.SrcIP, share).
		WithEvidence("share_name", name, "full_path", share)
	if name != "ipc$" {
		a.Severity = models.SeverityHigh
	}
	c.Emit(a)
}

func (d *smb) create(c *detector.Context, f *models.Flow, file string) {
	if st := d.creates.Get(c, f.SrcIP, f.Mono); st != nil {
		w := c.Params.Duration("ransomware_time_window")
		st.events.Add(f.Mono, w, 1)
		if n := st.events.Count(); n >= c.Params.Int("ransomware_create_threshold") && st.cd.Ready(f.Mono) {
			st.cd.Arm(f.Mono, c.Cooldown())
			c.Emit(c.Alert(models.ThreatRansomware, f, "%s created %d files on %s within %s", f.SrcIP, n, f.DstIP, w).
				WithEvidence("reason", "create_burst", "creates", itoa(n), "last_file", truncate(file, 256)))
		}
	}
	if file == "" {
		return
	}

	lower := strings.ToLower(file)
	var (
		threat models.ThreatType
		what   string
	)
	switch {
	case strings.Contains(lower, "ntds.dit"):
		threat, what = models.ThreatNTDSAccess, "the Active Directory database"
	case containsAny(lower, registryHives):
		threat, what = models.ThreatRegistryHiveAccess, "a registry hive"
	case strings.Contains(lower, "lsass") && strings.Contains(lower, ".dmp"):
		threat, what = models.ThreatLSASSDumpAccess, "an LSASS memory dump"
	case ransomExtensions[path.Ext(strings.ReplaceAll(lower, `\`, "/"))]:
		threat, what = models.ThreatRansomware, "a file with a ransomware extension"
	case containsAny(lower, ransomNotes):
		threat, what = models.ThreatRansomware, "a ransom note"
	default:
		return
	}
	if !d.limit.allow(c, f.SrcIP, f.DstIP, threat, f.Mono) {
		return
	}
	c.Emit(c.Alert(threat, f, "%s opened %s on %s: %s", f.SrcIP, what, f.DstIP, truncate(file, 256)).
		WithEvidence("filename", truncate(file, 256)))
}

func (d *smb) enumerate(c *detector.Context, f *models.Flow) {
	st := d.enum.Get(c, f.SrcIP, f.Mono)
	if st == nil {
		return
	}
	w := c.Params.Duration("enumeration_time_window")
	st.events.Add(f.Mono, w, 1)
	n := st.events.Count()
	if n < c.Params.Int("enumeration_threshold") || !st.cd.Ready(f.Mono) {
		return
	}
	st.cd.Arm(f.Mono, c.Cooldown())
	c.Emit(c.Alert(models.ThreatSMBEnumeration, f, "%s issued %d directory queries within %s", f.SrcIP, n, w).
		WithEvidence("query_count", itoa(n), "time_window", w.String()))
}

func (d *smb) Evict(now, idle time.Duration, batch int) int {
	return d.sessions.Evict(now, idle, batch) +
		d.enum.Evict(now, idle, batch) +
		d.creates.Evict(now, idle, batch) +
		d.limit.Evict(now, idle, batch)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
