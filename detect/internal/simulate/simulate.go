// Package simulate generates synthetic flow records for named attack
// scenarios, for exercising a running engine or an offline pipeline.
package simulate

import (
	"fmt"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

const (
	flagSYN    = uint8(models.FlagSYN)
	flagPSHACK = uint8(models.FlagPSH | models.FlagACK)
	mib        = 1 << 20
)

// Scenario is one named traffic pattern.
type Scenario struct {
	Name        string
	Description string
	// Expect lists the threats the scenario raises under default thresholds.
	Expect []models.ThreatType

	build func(g *Generator, start time.Time, n int) []models.FlowRecord
}

// Generator produces records from a seeded faker so that runs with the
// same seed are identical.
type Generator struct {
	fake *gofakeit.Faker
}

// New returns a generator. Seed 0 picks a random seed.
func New(seed int64) *Generator {
	return &Generator{fake: gofakeit.New(seed)}
}

// Generate builds the records of scenario name starting at start. n scales
// scenarios that have a natural size, such as baseline; 0 keeps the
// default.
func (g *Generator) Generate(name string, start time.Time, n int) ([]models.FlowRecord, error) {
	s, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
	recs := s.build(g, start.UTC(), n)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	return recs, nil
}

// InternalIP returns an address in 10.0.0.0/8.
func (g *Generator) InternalIP() string {
	return fmt.Sprintf("10.%d.%d.%d", g.fake.Number(0, 255), g.fake.Number(0, 255), g.fake.Number(1, 254))
}

// ExternalIP returns a public unicast address.
func (g *Generator) ExternalIP() string {
	firsts := []int{23, 31, 45, 62, 77, 91, 103, 141, 176, 185, 195, 212}
	return fmt.Sprintf("%d.%d.%d.%d", firsts[g.fake.Number(0, len(firsts)-1)],
		g.fake.Number(0, 255), g.fake.Number(0, 255), g.fake.Number(1, 254))
}

func (g *Generator) ephemeral() uint16 {
	return uint16(g.fake.Number(32768, 60999))
}

func (g *Generator) tcp(src, dst string, dport uint16, at time.Time, flags uint8, bytes uint64) models.FlowRecord {
	return models.FlowRecord{
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   g.ephemeral(),
		DstPort:   dport,
		Protocol:  "tcp",
		Timestamp: at,
		Bytes:     bytes,
		Packets:   uint32(bytes/1400) + 1,
		TCPFlags:  flags,
		TTL:       uint8(g.fake.RandomInt([]int{64, 128})),
	}
}

func (g *Generator) baseline(start time.Time, n int) []models.FlowRecord {
	if n <= 0 {
		n = 200
	}
	hosts := make([]string, 20)
	for i := range hosts {
		hosts[i] = g.InternalIP()
	}
	resolver := "10.0.0.53"
	out := make([]models.FlowRecord, 0, n)
	for i := 0; i < n; i++ {
		at := start.Add(time.Duration(g.fake.Number(0, 300_000)) * time.Millisecond)
		src := hosts[g.fake.Number(0, len(hosts)-1)]
		switch g.fake.Number(0, 3) {
		case 0:
			out = append(out, models.FlowRecord{
				SrcIP: src, DstIP: resolver, SrcPort: g.ephemeral(), DstPort: 53,
				Protocol: "udp", Timestamp: at, Bytes: 80, Packets: 1,
				Domain: g.fake.DomainName(),
			})
		default:
			r := g.tcp(src, g.ExternalIP(), uint16(g.fake.RandomInt([]int{80, 443, 443, 443})), at, flagPSHACK, uint64(g.fake.Number(400, 60_000)))
			r.Domain = g.fake.DomainName()
			out = append(out, r)
		}
	}
	return out
}
