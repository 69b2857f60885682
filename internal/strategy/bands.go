package strategy

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/minerhive/minerhive/internal/device"
)

// A Band maps a contiguous price range to a target asset and a per-class
// mode. Bands are user-edited data: the engine must tolerate gaps, overlaps
// and out-of-order tables at evaluation time.
type Band struct {
	Name        string                       `yaml:"name"`
	MinPrice    *float64                     `yaml:"minPrice"` // nil: -inf
	MaxPrice    *float64                     `yaml:"maxPrice"` // nil: +inf
	TargetAsset string                       `yaml:"targetAsset"`
	ModeByClass map[device.Class]device.Mode `yaml:"modeByClass"`
	Pool        *device.PoolConfig           `yaml:"pool"`
	SortOrder   int                          `yaml:"sortOrder"`
}

// Contains reports whether price falls in the band's [min, max) range.
func (b Band) Contains(price float64) bool {
	if b.MinPrice != nil && price < *b.MinPrice {
		return false
	}
	if b.MaxPrice != nil && price >= *b.MaxPrice {
		return false
	}
	return true
}

// Mode resolves the configured mode for a device class. The second return is
// false when the band does not configure the class at all.
func (b Band) Mode(class device.Class) (device.Mode, bool) {
	m, ok := b.ModeByClass[class]
	return m, ok
}

// Bands is a band table, kept sorted by SortOrder ascending. SortOrder is
// defined to track price ascending: a higher index is a more expensive band.
type Bands []Band

// Sorted returns the table ordered by (sortOrder, minPrice).
func (b Bands) Sorted() Bands {
	out := slices.Clone(b)
	slices.SortFunc(out, func(x, y Band) int {
		if c := cmp.Compare(x.SortOrder, y.SortOrder); c != 0 {
			return c
		}
		return cmp.Compare(effectiveMin(x), effectiveMin(y))
	})
	return out
}

// Lookup returns the band containing price and its index. Bands are scanned
// in sort order and the first match wins. Lookup is total: when no band
// matches (a configuration gap), the lowest-sortOrder band is returned as the
// safe fallback, with gap set to true.
func (b Bands) Lookup(price float64) (band Band, index int, gap bool) {
	for i, candidate := range b {
		if candidate.Contains(price) {
			return candidate, i, false
		}
	}
	return b[0], 0, true
}

// Validate reports configuration problems: an empty table, ranges that leave
// gaps or overlap, and sortOrder not tracking price ascending. Warnings are
// advisory; evaluation still runs against an invalid table.
func (b Bands) Validate() []string {
	var warnings []string
	if len(b) == 0 {
		return []string{"band table is empty"}
	}
	for i := 1; i < len(b); i++ {
		prev, cur := b[i-1], b[i]
		if effectiveMin(cur) < effectiveMin(prev) {
			warnings = append(warnings, fmt.Sprintf("band %q: sortOrder does not track price ascending", cur.Name))
		}
		if prev.MaxPrice == nil || cur.MinPrice == nil {
			if prev.MaxPrice == nil {
				warnings = append(warnings, fmt.Sprintf("band %q: unbounded max shadows band %q", prev.Name, cur.Name))
			}
			continue
		}
		switch {
		case *cur.MinPrice > *prev.MaxPrice:
			warnings = append(warnings, fmt.Sprintf("gap between bands %q and %q (%.2fp..%.2fp)", prev.Name, cur.Name, *prev.MaxPrice, *cur.MinPrice))
		case *cur.MinPrice < *prev.MaxPrice:
			warnings = append(warnings, fmt.Sprintf("bands %q and %q overlap", prev.Name, cur.Name))
		}
	}
	if b[0].MinPrice != nil {
		warnings = append(warnings, fmt.Sprintf("band %q: prices below %.2fp are not covered", b[0].Name, *b[0].MinPrice))
	}
	if b[len(b)-1].MaxPrice != nil {
		warnings = append(warnings, fmt.Sprintf("band %q: prices above %.2fp are not covered", b[len(b)-1].Name, *b[len(b)-1].MaxPrice))
	}
	return warnings
}

func effectiveMin(b Band) float64 {
	if b.MinPrice == nil {
		return negInf
	}
	return *b.MinPrice
}

const negInf = -1 << 30

// LoadBands reads a band table from YAML (the strategy.yaml seed file) and
// returns it sorted.
func LoadBands(r io.Reader) (Bands, error) {
	var cfg struct {
		Bands Bands `yaml:"bands"`
	}
	if err := yaml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid band configuration: %w", err)
	}
	if len(cfg.Bands) == 0 {
		return nil, fmt.Errorf("band configuration contains no bands")
	}
	return cfg.Bands.Sorted(), nil
}
