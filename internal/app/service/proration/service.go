package proration

import (
	"context"
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/logctx"
	"github.com/forgecloud/billing/pkg/metrics"
	"github.com/forgecloud/billing/pkg/pricing"
	"github.com/forgecloud/billing/pkg/tool"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service applies plan changes. Upgrades take effect immediately and enqueue
// a charge for the price difference; downgrades are deferred to the period
// boundary and applied by the pending-change sweep.
type Service struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	subs    *subscription.Service
	catalog *pricing.Catalog
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, subs *subscription.Service, catalog *pricing.Catalog) *Service {
	return &Service{db: db, log: log, subs: subs, catalog: catalog}
}

func (s *Service) plans(sub *models.Subscription, newPlanID string) (*pricing.Plan, *pricing.Plan, error) {
	oldPlan := s.catalog.Get(sub.PlanID)
	if oldPlan == nil {
		return nil, nil, billingerr.Validation("subscription references unknown plan %q", sub.PlanID)
	}
	newPlan := s.catalog.Get(newPlanID)
	if newPlan == nil {
		return nil, nil, billingerr.Validation("unknown plan %q", newPlanID)
	}
	return oldPlan, newPlan, nil
}

// Preview prices a plan change without applying it.
func (s *Service) Preview(ctx context.Context, userID, newPlanID string) (*Quote, error) {
	sub, err := s.subs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	oldPlan, newPlan, err := s.plans(sub, newPlanID)
	if err != nil {
		return nil, err
	}
	return Calculate(sub, oldPlan, newPlan, time.Now().UTC())
}

// Apply performs the plan change. The subscription update and, for upgrades,
// the pending payment row are written in one transaction.
func (s *Service) Apply(ctx context.Context, userID, newPlanID string) (*Quote, error) {
	var quote *Quote
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !sub.IsActive() {
			return billingerr.Conflict("subscription is %s, plan changes require an active subscription", sub.Status)
		}
		oldPlan, newPlan, err := s.plans(sub, newPlanID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		quote, err = Calculate(sub, oldPlan, newPlan, now)
		if err != nil {
			return err
		}

		before := *sub
		if quote.IsUpgrade {
			sub.PlanID = newPlan.ID
			// an upgrade supersedes any scheduled downgrade
			sub.PendingPlanID = nil
			sub.PlanChangeAt = nil
			if err := s.subs.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonUpgrade, datatypes.JSONMap{
				"from_plan":       oldPlan.ID,
				"to_plan":         newPlan.ID,
				"charge_usd":      quote.ChargeNowUSD.String(),
				"period_progress": quote.PeriodProgress.String(),
			}); err != nil {
				return err
			}
			if err := s.enqueueUpgradeCharge(ctx, tx, quote); err != nil {
				return err
			}
		} else {
			sub.PendingPlanID = &newPlan.ID
			changeAt := sub.CurrentPeriodEnd
			sub.PlanChangeAt = &changeAt
			if err := s.subs.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonDowngrade, datatypes.JSONMap{
				"from_plan": oldPlan.ID,
				"to_plan":   newPlan.ID,
				"change_at": changeAt.Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if quote.IsUpgrade {
		metrics.PlanUpgrades.Inc()
	} else {
		metrics.PlanDowngrades.Inc()
	}
	return quote, nil
}

func (s *Service) enqueueUpgradeCharge(ctx context.Context, tx *gorm.DB, q *Quote) error {
	tax := pricing.Round(q.ChargeNowUSD.Mul(pricing.TaxRate))
	pt := &models.PaymentTransaction{
		ID:        tool.GenerateUUIDV7(),
		UserID:    q.UserID,
		Type:      models.PaymentTransactionTypeProration,
		Status:    models.PaymentTransactionStatusPending,
		AmountUSD: q.ChargeNowUSD,
		TaxUSD:    tax,
		TotalUSD:  q.ChargeNowUSD.Add(tax),
		Invoice: datatypes.JSONMap{
			"from_plan": q.CurrentPlanID,
			"to_plan":   q.NewPlanID,
		},
	}
	if err := tx.WithContext(ctx).Create(pt).Error; err != nil {
		return fmt.Errorf("failed to enqueue upgrade charge: %w", err)
	}
	return nil
}

// ProcessPendingPlanChanges applies downgrades whose scheduled boundary has
// passed. Each subscription is handled in its own transaction so one bad row
// cannot stall the sweep.
func (s *Service) ProcessPendingPlanChanges(ctx context.Context) (*types.BatchResult, error) {
	now := time.Now().UTC()
	var due []*models.Subscription
	if err := s.db.WithContext(ctx).
		Where("pending_plan_id IS NOT NULL AND plan_change_at <= ?", now).
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending plan changes: %w", err)
	}

	result := &types.BatchResult{}
	for _, candidate := range due {
		if err := s.applyPendingChange(ctx, candidate.UserID, now); err != nil {
			result.AddError(candidate.UserID, candidate.ID, err)
			logctx.FromCtx(ctx, s.log).Errorw("failed to apply pending plan change",
				"user_id", candidate.UserID, "error", err)
			continue
		}
		result.Processed++
	}
	return result, nil
}

func (s *Service) applyPendingChange(ctx context.Context, userID string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		// re-check under lock, the row may have changed since the scan
		if sub.PendingPlanID == nil || sub.PlanChangeAt == nil || sub.PlanChangeAt.After(now) {
			return nil
		}
		newPlan := s.catalog.Get(*sub.PendingPlanID)
		if newPlan == nil {
			return billingerr.Validation("pending plan %q no longer exists", *sub.PendingPlanID)
		}

		before := *sub
		changeAt := *sub.PlanChangeAt
		sub.PlanID = newPlan.ID
		sub.PendingPlanID = nil
		sub.PlanChangeAt = nil
		sub.MonthlyCreditsUsed = decimal.Zero
		sub.CurrentPeriodStart = changeAt
		sub.CurrentPeriodEnd = changeAt.AddDate(0, 1, 0)
		return s.subs.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonPendingChange, datatypes.JSONMap{
			"from_plan": before.PlanID,
			"to_plan":   newPlan.ID,
		})
	})
}
