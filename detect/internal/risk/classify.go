package risk

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/normalizer"
)

// Category is how much an asset matters to the business.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryLow
	CategoryMedium
	CategoryHigh
	CategoryCritical
)

var categoryNames = [...]string{"UNKNOWN", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return categoryNames[CategoryUnknown]
}

func (c Category) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Category) UnmarshalText(b []byte) error {
	i := slices.Index(categoryNames[:], strings.ToUpper(string(b)))
	if i < 0 {
		return fmt.Errorf("unknown asset category %q", b)
	}
	*c = Category(i)
	return nil
}

func (c Category) multiplier() float64 {
	switch c {
	case CategoryCritical:
		return 2
	case CategoryHigh:
		return 1.5
	case CategoryLow:
		return 0.7
	default:
		return 1
	}
}

// Exposure is how reachable an asset is from outside.
type Exposure uint8

const (
	ExposureInternal Exposure = iota
	ExposureDMZ
	ExposureInternet
)

var exposureNames = [...]string{"INTERNAL_ONLY", "DMZ", "INTERNET_FACING"}

func (e Exposure) String() string {
	if int(e) < len(exposureNames) {
		return exposureNames[e]
	}
	return exposureNames[ExposureInternal]
}

func (e Exposure) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *Exposure) UnmarshalText(b []byte) error {
	i := slices.Index(exposureNames[:], strings.ToUpper(string(b)))
	if i < 0 {
		return fmt.Errorf("unknown exposure %q", b)
	}
	*e = Exposure(i)
	return nil
}

func (e Exposure) multiplier() float64 {
	switch e {
	case ExposureInternet:
		return 1.5
	case ExposureDMZ:
		return 1.2
	default:
		return 1
	}
}

// Classifier assigns a category and exposure to a newly seen asset.
type Classifier interface {
	Classify(addr netip.Addr) (Category, Exposure)
}

// Snapshots exposes the active network layout.
type Snapshots interface {
	Current() *config.Snapshot
}

// Inventory classifies assets from configured address lists. Domain
// controllers are critical; addresses outside the internal networks are
// internet facing.
type Inventory struct {
	snaps    Snapshots
	critical *normalizer.Networks
	high     *normalizer.Networks
	low      *normalizer.Networks
	dmz      *normalizer.Networks
}

// NewInventory parses the asset lists in cfg.
func NewInventory(cfg config.RiskConfig, snaps Snapshots) (*Inventory, error) {
	inv := &Inventory{snaps: snaps}
	lists := []struct {
		dst  **normalizer.Networks
		vals []string
	}{
		{&inv.critical, cfg.CriticalAssets},
		{&inv.high, cfg.HighAssets},
		{&inv.low, cfg.LowAssets},
		{&inv.dmz, cfg.DMZNetworks},
	}
	for _, l := range lists {
		n, err := normalizer.NewNetworks(l.vals)
		if err != nil {
			return nil, err
		}
		*l.dst = n
	}
	return inv, nil
}

func (inv *Inventory) Classify(addr netip.Addr) (Category, Exposure) {
	var snap *config.Snapshot
	if inv.snaps != nil {
		snap = inv.snaps.Current()
	}

	cat := CategoryUnknown
	switch {
	case inv.critical.Internal(addr):
		cat = CategoryCritical
	case snap != nil && slices.Contains(snap.DomainControllers, addr):
		cat = CategoryCritical
	case inv.high.Internal(addr):
		cat = CategoryHigh
	case inv.low.Internal(addr):
		cat = CategoryLow
	}

	networks := normalizer.DefaultNetworks()
	if snap != nil && snap.Networks != nil {
		networks = snap.Networks
	}
	exp := ExposureInternal
	switch {
	case inv.dmz.Internal(addr):
		exp = ExposureDMZ
	case !networks.Internal(addr):
		exp = ExposureInternet
	}
	return cat, exp
}
