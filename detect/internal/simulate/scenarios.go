package simulate

import (
	"sort"
	"time"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

var scenarios = map[string]Scenario{
	"baseline": {
		Name:        "baseline",
		Description: "benign web and DNS traffic from twenty internal hosts",
		build: func(g *Generator, start time.Time, n int) []models.FlowRecord {
			return g.baseline(start, n)
		},
	},
	"port-scan": {
		Name:        "port-scan",
		Description: "external host scans 25 ports of one server, 400ms apart",
		Expect:      []models.ThreatType{models.ThreatPortScan},
		build: func(g *Generator, start time.Time, _ int) []models.FlowRecord {
			attacker, target := g.ExternalIP(), g.InternalIP()
			out := make([]models.FlowRecord, 0, 25)
			for i := 0; i < 25; i++ {
				out = append(out, g.tcp(attacker, target, uint16(1000+i*7), start.Add(time.Duration(i)*400*time.Millisecond), flagSYN, 60))
			}
			return out
		},
	},
	"syn-flood": {
		Name:        "syn-flood",
		Description: "150 SYN-only flows per second for five seconds against one web server",
		Expect:      []models.ThreatType{models.ThreatSYNFlood},
		build: func(g *Generator, start time.Time, _ int) []models.FlowRecord {
			attacker, target := g.ExternalIP(), g.InternalIP()
			out := make([]models.FlowRecord, 0, 750)
			step := time.Second / 150
			for i := 0; i < 750; i++ {
				out = append(out, g.tcp(attacker, target, 80, start.Add(time.Duration(i)*step), flagSYN, 60))
			}
			return out
		},
	},
	"brute-force": {
		Name:        "brute-force",
		Description: "ten SSH connection attempts, two seconds apart",
		Expect:      []models.ThreatType{models.ThreatBruteForce},
		build: func(g *Generator, start time.Time, _ int) []models.FlowRecord {
			attacker, target := g.ExternalIP(), g.InternalIP()
			out := make([]models.FlowRecord, 0, 10)
			for i := 0; i < 10; i++ {
				out = append(out, g.tcp(attacker, target, 22, start.Add(time.Duration(i)*2*time.Second), flagSYN, 60))
			}
			return out
		},
	},
	"beacon": {
		Name:        "beacon",
		Description: "internal host calls out every 30s with under 2% jitter",
		Expect:      []models.ThreatType{models.ThreatBeacon},
		build: func(g *Generator, start time.Time, _ int) []models.FlowRecord {
			implant, c2 := g.InternalIP(), g.ExternalIP()
			out := make([]models.FlowRecord, 0, 10)
			at := start
			for i := 0; i < 10; i++ {
				out = append(out, g.tcp(implant, c2, 443, at, flagSYN, 300))
				at = at.Add(30*time.Second + time.Duration(g.fake.Number(-500, 500))*time.Millisecond)
			}
			return out
		},
	},
	"exfiltration": {
		Name:        "exfiltration",
		Description: "internal host uploads 110 MiB to one external address in two minutes",
		Expect:      []models.ThreatType{models.ThreatDataExfiltration},
		build: func(g *Generator, start time.Time, _ int) []models.FlowRecord {
			src, dst := g.InternalIP(), g.ExternalIP()
			out := make([]models.FlowRecord, 0, 110)
			for i := 0; i < 110; i++ {
				out = append(out, g.tcp(src, dst, 443, start.Add(time.Duration(i)*time.Second), flagPSHACK, mib))
			}
			return out
		},
	},
	"lateral-movement": {
		Name:        "lateral-movement",
		Description: "internal host opens SMB sessions to eight peers",
		Expect:      []models.ThreatType{models.ThreatLateralMovement},
		build: func(g *Generator, start time.Time, _ int) []models.FlowRecord {
			src := g.InternalIP()
			return g.lateral(src, start, 8)
		},
	},
	"kill-chain": {
		Name:        "kill-chain",
		Description: "one internal host scans, guesses SSH credentials, then moves laterally",
		Expect: []models.ThreatType{
			models.ThreatInternalPortScan,
			models.ThreatBruteForce,
			models.ThreatLateralMovement,
			models.ThreatKillChain,
		},
		build: func(g *Generator, start time.Time, _ int) []models.FlowRecord {
			actor, target := g.InternalIP(), g.InternalIP()
			var out []models.FlowRecord
			for i := 0; i < 25; i++ {
				out = append(out, g.tcp(actor, target, uint16(5000+i), start.Add(time.Duration(i)*200*time.Millisecond), flagSYN, 60))
			}
			t := start.Add(30 * time.Second)
			for i := 0; i < 8; i++ {
				out = append(out, g.tcp(actor, target, 22, t.Add(time.Duration(i)*time.Second), flagSYN, 60))
			}
			return append(out, g.lateral(actor, start.Add(60*time.Second), 8)...)
		},
	},
}

func (g *Generator) lateral(src string, start time.Time, peers int) []models.FlowRecord {
	out := make([]models.FlowRecord, 0, peers)
	for i := 0; i < peers; i++ {
		out = append(out, g.tcp(src, g.InternalIP(), 445, start.Add(time.Duration(i)*3*time.Second), flagSYN, 120))
	}
	return out
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, bool) {
	s, ok := scenarios[name]
	return s, ok
}

// Scenarios lists every scenario sorted by name.
func Scenarios() []Scenario {
	out := make([]Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
