// Package catalog exposes the tier catalog consumed by the engine. Tier
// administration is external; the engine only reads.
package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/sharemkt/settlement-engine/internal/apperr"
	"github.com/sharemkt/settlement-engine/internal/model"
)

// Tier describes a named share tier.
type Tier struct {
	Name            string           `json:"name"`
	Type            model.ShareClass `json:"type"`
	PricePerShare   decimal.Decimal  `json:"price_per_share"`
	PercentPerShare decimal.Decimal  `json:"percent_per_share"`
	PriceUSD        decimal.Decimal  `json:"price_usd"`
	PriceNGN        decimal.Decimal  `json:"price_ngn"`
}

// Catalog resolves tier names.
type Catalog interface {
	Get(tier string) (*Tier, error)
}

// Static is an in-process catalog backed by a map.
type Static struct {
	tiers map[string]Tier
}

// NewStatic builds a catalog from the given tiers.
func NewStatic(tiers ...Tier) *Static {
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	return &Static{tiers: m}
}

// Default seeds the tiers used in development and tests.
func Default() *Static {
	return NewStatic(
		Tier{
			Name:            "starter",
			Type:            model.ClassRegular,
			PricePerShare:   decimal.NewFromInt(1000),
			PercentPerShare: decimal.RequireFromString("0.000125"),
			PriceUSD:        decimal.RequireFromString("0.65"),
			PriceNGN:        decimal.NewFromInt(1000),
		},
		Tier{
			Name:            "growth",
			Type:            model.ClassRegular,
			PricePerShare:   decimal.NewFromInt(2500),
			PercentPerShare: decimal.RequireFromString("0.000375"),
			PriceUSD:        decimal.RequireFromString("1.60"),
			PriceNGN:        decimal.NewFromInt(2500),
		},
		Tier{
			Name:            "founding",
			Type:            model.ClassCofounder,
			PricePerShare:   decimal.NewFromInt(50000),
			PercentPerShare: decimal.RequireFromString("0.012500"),
			PriceUSD:        decimal.RequireFromString("32.50"),
			PriceNGN:        decimal.NewFromInt(50000),
		},
	)
}

// Get implements Catalog.
func (c *Static) Get(tier string) (*Tier, error) {
	t, ok := c.tiers[tier]
	if !ok {
		return nil, apperr.NotFound("unknown tier %q", tier)
	}
	return &t, nil
}
