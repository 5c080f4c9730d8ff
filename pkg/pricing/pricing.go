package pricing

import (
	"github.com/shopspring/decimal"
)

// MoneyPrecision is the fixed decimal precision every monetary amount is
// rounded to before persistence.
const MoneyPrecision = 5

// Provider cost rates in USD. These are versioned constants; changing a
// rate only affects usage recorded after the change because every debit
// stores its computed amount.
var (
	// Sandbox compute, per whole minute (durations are ceiled to minutes).
	SandboxPerMinuteUSD = decimal.RequireFromString("0.008")

	// Storage: monthly rate per GB plus a surcharge per operations unit.
	StoragePerGBMonthUSD = decimal.RequireFromString("0.023")
	StorageOpsUnit       = decimal.NewFromInt(10000)
	StoragePerOpsUnitUSD = decimal.RequireFromString("0.004")

	// Deployments are a flat fee per deploy event.
	DeploymentFlatUSD = decimal.RequireFromString("0.02")

	// Fallback AI token rates per one million tokens, used when a model has
	// no registry entry.
	AIDefaultInputPerMTokUSD  = decimal.RequireFromString("3.00")
	AIDefaultOutputPerMTokUSD = decimal.RequireFromString("15.00")

	// Platform fee applied on top of raw provider cost, and sales tax rate
	// applied to plan charges.
	PlatformFeePercent = decimal.RequireFromString("0.20")
	TaxRate            = decimal.RequireFromString("0.10")

	// CreditsPerUSD converts metered provider cost into plan credits: one
	// credit covers one cent of usage.
	CreditsPerUSD = decimal.NewFromInt(100)

	MillionTokens = decimal.NewFromInt(1_000_000)
)

// CreditsForUSD translates a usage charge into the plan-credit units drawn
// down from a subscription allowance.
func CreditsForUSD(cost decimal.Decimal) decimal.Decimal {
	return cost.Mul(CreditsPerUSD)
}

// MinCharge is the smallest billable amount at MoneyPrecision.
var MinCharge = decimal.New(1, -MoneyPrecision)

// Round normalizes a monetary amount to MoneyPrecision decimal places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPrecision)
}

// RoundCharge rounds like Round but keeps sub-precision positive costs
// billable by flooring them at MinCharge instead of zero.
func RoundCharge(d decimal.Decimal) decimal.Decimal {
	r := d.Round(MoneyPrecision)
	if r.IsZero() && d.IsPositive() {
		return MinCharge
	}
	return r
}

// WithPlatformFee returns cost plus the platform fee, rounded.
func WithPlatformFee(cost decimal.Decimal) decimal.Decimal {
	return Round(cost.Mul(decimal.NewFromInt(1).Add(PlatformFeePercent)))
}
