package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Plan is a catalog entry: monthly price and the credit allowance granted
// each period. The catalog ships with defaults below and may be overridden
// from config; administrative edits to the catalog are out of scope here.
type Plan struct {
	ID             string `json:"id" mapstructure:"id"`
	Name           string `json:"name" mapstructure:"name"`
	MonthlyPrice   string `json:"monthly_price" mapstructure:"monthly_price"`
	MonthlyCredits int64  `json:"monthly_credits" mapstructure:"monthly_credits"`
}

// Price returns the monthly price as a decimal. Catalog prices are stored
// as strings so config overrides never pass through binary floats.
func (p *Plan) Price() decimal.Decimal {
	return decimal.RequireFromString(p.MonthlyPrice)
}

func (p *Plan) Credits() decimal.Decimal {
	return decimal.NewFromInt(p.MonthlyCredits)
}

var defaultPlans = []*Plan{
	{ID: "free", Name: "Free", MonthlyPrice: "0", MonthlyCredits: 50},
	{ID: "starter", Name: "Starter", MonthlyPrice: "25", MonthlyCredits: 500},
	{ID: "pro", Name: "Pro", MonthlyPrice: "100", MonthlyCredits: 3000},
	{ID: "scale", Name: "Scale", MonthlyPrice: "400", MonthlyCredits: 15000},
}

// Catalog resolves plans by id. Lookups are read-only after construction.
type Catalog struct {
	plans map[string]*Plan
	order []*Plan
}

// NewCatalog builds a catalog from the given plans, falling back to the
// default catalog when none are provided.
func NewCatalog(plans []*Plan) *Catalog {
	if len(plans) == 0 {
		plans = defaultPlans
	}
	c := &Catalog{plans: make(map[string]*Plan, len(plans))}
	for _, p := range plans {
		c.plans[p.ID] = p
		c.order = append(c.order, p)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.order[i].Price().LessThan(c.order[j].Price())
	})
	return c
}

func (c *Catalog) Get(id string) *Plan {
	return c.plans[id]
}

func (c *Catalog) All() []*Plan {
	out := make([]*Plan, len(c.order))
	copy(out, c.order)
	return out
}

// LowestTier returns the cheapest plan; grace-period expiry downgrades
// land here.
func (c *Catalog) LowestTier() *Plan {
	if len(c.order) == 0 {
		return nil
	}
	return c.order[0]
}
