package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/logctx"
	"github.com/forgecloud/billing/pkg/pricing"
	"github.com/forgecloud/billing/pkg/tool"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the single writer for subscription rows. Every mutation goes
// through SaveWithLog so the audit trail stays complete.
type Service struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	catalog *pricing.Catalog
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, catalog *pricing.Catalog) *Service {
	return &Service{db: db, log: log, catalog: catalog}
}

func (s *Service) Get(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingerr.NotFound("subscription not found for user %s", userID)
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// Ensure returns the user's subscription, creating an active one on the
// given plan when the user has none yet.
func (s *Service) Ensure(ctx context.Context, userID, planID string) (*models.Subscription, error) {
	sub, err := s.Get(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !billingerr.IsKind(err, billingerr.KindNotFound) {
		return nil, err
	}
	if s.catalog.Get(planID) == nil {
		return nil, billingerr.Validation("unknown plan %q", planID)
	}

	now := time.Now().UTC()
	sub = &models.Subscription{
		ID:                 tool.GenerateUUIDV7(),
		UserID:             userID,
		PlanID:             planID,
		Status:             types.SubscriptionStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Extra:              datatypes.JSONMap{},
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.SaveWithLog(ctx, tx, nil, sub, types.SubscriptionChangeReasonRenewal, datatypes.JSONMap{"created": true})
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// lost a creation race, the other writer's row wins
			return s.Get(ctx, userID)
		}
		return nil, err
	}
	return sub, nil
}

// LockForUpdate loads the subscription row with a row lock so concurrent
// plan changes and grace transitions serialize on it.
func (s *Service) LockForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*models.Subscription, error) {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var sub models.Subscription
	if err := q.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingerr.NotFound("subscription not found for user %s", userID)
		}
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return &sub, nil
}

// SaveWithLog persists the subscription inside the caller's transaction and
// records a before/after snapshot. The snapshot write is async and uses the
// root DB handle so a log failure never rolls back the change itself.
func (s *Service) SaveWithLog(ctx context.Context, tx *gorm.DB, before, after *models.Subscription, reason types.SubscriptionChangeReason, extra datatypes.JSONMap) error {
	if after.ID == "" {
		after.ID = tool.GenerateUUIDV7()
	}
	if err := tx.WithContext(ctx).Save(after).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	if extra == nil {
		extra = datatypes.JSONMap{}
	}
	snapshot := *after
	go func(b *models.Subscription, a *models.Subscription) {
		log := &models.SubscriptionLog{
			ID:     tool.GenerateUUIDV7(),
			UserID: a.UserID,
			Reason: reason,
			Before: datatypes.NewJSONType(b),
			After:  datatypes.NewJSONType(a),
			Extra:  extra,
		}
		if err := s.db.Save(log).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save subscription log: %v", err)
		}
	}(before, &snapshot)

	return nil
}

// MarkCancelAtPeriodEnd flags the subscription to lapse at the period
// boundary. The plan stays in force until then.
func (s *Service) MarkCancelAtPeriodEnd(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub.CancelAtPeriodEnd {
			return nil
		}
		before := *sub
		now := time.Now().UTC()
		sub.CancelAtPeriodEnd = true
		sub.CancelledAt = &now
		return s.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonCancel, nil)
	})
}

// Renew rolls the subscription into a new billing period and resets the
// period's credit consumption.
func (s *Service) Renew(ctx context.Context, userID string, periodStart, periodEnd time.Time) (*models.Subscription, error) {
	var renewed *models.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !sub.CurrentPeriodStart.Before(periodStart) {
			// stale or replayed renewal, current period is already newer
			renewed = sub
			return nil
		}
		before := *sub
		sub.Status = types.SubscriptionStatusActive
		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = periodEnd
		sub.MonthlyCreditsUsed = sub.MonthlyCreditsUsed.Sub(sub.MonthlyCreditsUsed)
		sub.PaymentFailedAt = nil
		sub.GracePeriodEndsAt = nil
		sub.LastReminderDay = 0
		renewed = sub
		return s.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonRenewal, nil)
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// ConsumeCredits bumps the period's credit usage counter. The balance ledger
// is the source of truth for money; this counter only feeds plan allowances.
// Pass the metering transaction as tx so the counter moves with the debit it
// accounts for; nil falls back to the service handle.
func (s *Service) ConsumeCredits(ctx context.Context, tx *gorm.DB, userID string, credits decimal.Decimal) error {
	if tx == nil {
		tx = s.db
	}
	res := tx.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		UpdateColumn("monthly_credits_used", gorm.Expr("monthly_credits_used + ?", credits))
	if res.Error != nil {
		return fmt.Errorf("failed to consume credits: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return billingerr.NotFound("subscription not found for user %s", userID)
	}
	return nil
}
