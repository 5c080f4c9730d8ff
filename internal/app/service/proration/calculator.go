package proration

import (
	"time"

	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/pricing"

	"github.com/shopspring/decimal"
)

// Quote describes a plan change before it is applied. For upgrades the
// charge is the full price difference between the plans; PeriodProgress and
// DaysRemaining are informational only and never scale the charge.
type Quote struct {
	UserID        string `json:"user_id"`
	CurrentPlanID string `json:"current_plan_id"`
	NewPlanID     string `json:"new_plan_id"`
	IsUpgrade     bool   `json:"is_upgrade"`

	CurrentPriceUSD decimal.Decimal `json:"current_price_usd"`
	NewPriceUSD     decimal.Decimal `json:"new_price_usd"`
	// ChargeNowUSD is zero for downgrades.
	ChargeNowUSD decimal.Decimal `json:"charge_now_usd"`

	CreditsUsed      decimal.Decimal `json:"credits_used"`
	CreditsAvailable decimal.Decimal `json:"credits_available"`

	// EffectiveAt is now for upgrades and the period boundary for
	// downgrades.
	EffectiveAt    time.Time       `json:"effective_at"`
	DaysRemaining  int             `json:"days_remaining"`
	PeriodProgress decimal.Decimal `json:"period_progress"`
}

// Calculate prices a plan change against the subscription's current period.
// It is pure: no clock reads, no storage.
func Calculate(sub *models.Subscription, oldPlan, newPlan *pricing.Plan, now time.Time) (*Quote, error) {
	if sub == nil {
		return nil, billingerr.Validation("no subscription to change")
	}
	if oldPlan == nil || newPlan == nil {
		return nil, billingerr.Validation("plan change requires both plans")
	}
	if oldPlan.ID == newPlan.ID {
		return nil, billingerr.Validation("already on plan %q", newPlan.ID)
	}
	if !sub.CurrentPeriodEnd.After(sub.CurrentPeriodStart) {
		return nil, billingerr.Validation("subscription period is empty")
	}

	q := &Quote{
		UserID:          sub.UserID,
		CurrentPlanID:   oldPlan.ID,
		NewPlanID:       newPlan.ID,
		CurrentPriceUSD: oldPlan.Price(),
		NewPriceUSD:     newPlan.Price(),
		CreditsUsed:     sub.MonthlyCreditsUsed,
	}
	q.IsUpgrade = q.NewPriceUSD.GreaterThan(q.CurrentPriceUSD)

	total := sub.CurrentPeriodEnd.Sub(sub.CurrentPeriodStart)
	elapsed := now.Sub(sub.CurrentPeriodStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}
	q.PeriodProgress = pricing.Round(
		decimal.NewFromFloat(elapsed.Hours()).Div(decimal.NewFromFloat(total.Hours())))
	if remaining := sub.CurrentPeriodEnd.Sub(now); remaining > 0 {
		q.DaysRemaining = int((remaining + 24*time.Hour - time.Nanosecond) / (24 * time.Hour))
	}

	if q.IsUpgrade {
		q.ChargeNowUSD = pricing.Round(q.NewPriceUSD.Sub(q.CurrentPriceUSD))
		q.CreditsAvailable = decimal.NewFromInt(newPlan.MonthlyCredits).Sub(sub.MonthlyCreditsUsed)
		q.EffectiveAt = now
	} else {
		q.ChargeNowUSD = decimal.Zero
		q.CreditsAvailable = decimal.NewFromInt(oldPlan.MonthlyCredits).Sub(sub.MonthlyCreditsUsed)
		q.EffectiveAt = sub.CurrentPeriodEnd
	}
	if q.CreditsAvailable.IsNegative() {
		q.CreditsAvailable = decimal.Zero
	}
	return q, nil
}
