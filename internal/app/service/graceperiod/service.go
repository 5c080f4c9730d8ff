package graceperiod

import (
	"context"
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/app/service/notify"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/config"
	"github.com/forgecloud/billing/pkg/logctx"
	"github.com/forgecloud/billing/pkg/metrics"
	"github.com/forgecloud/billing/pkg/pricing"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ReminderDays are the day buckets after a payment failure on which a
// reminder goes out. Buckets derive from PaymentFailedAt, so a sweep that
// was down over a bucket sends at most the latest missed reminder.
var ReminderDays = []int{1, 3, 5, 7}

// Service drives the payment-failure recovery window: ACTIVE -> PAST_DUE on
// failure, back to ACTIVE on recovery, or CANCELLED plus a downgrade to the
// cheapest plan when the window lapses.
type Service struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	subs      *subscription.Service
	catalog   *pricing.Catalog
	notifier  notify.Notifier
	graceDays int

	now func() time.Time
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, subs *subscription.Service, catalog *pricing.Catalog, notifier notify.Notifier) *Service {
	return &Service{
		db:        db,
		log:       log,
		subs:      subs,
		catalog:   catalog,
		notifier:  notifier,
		graceDays: cfg.Billing.GraceDays,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the grace window for a failed payment. Calling it again while
// the window is open is a no-op; the original failure time stands.
func (s *Service) Start(ctx context.Context, userID string) error {
	var started bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub.Status == types.SubscriptionStatusPastDue {
			return nil
		}
		if sub.Status != types.SubscriptionStatusActive {
			return billingerr.Conflict("cannot start grace period from status %s", sub.Status)
		}
		now := s.now()
		endsAt := now.AddDate(0, 0, s.graceDays)
		before := *sub
		sub.Status = types.SubscriptionStatusPastDue
		sub.PaymentFailedAt = &now
		sub.GracePeriodEndsAt = &endsAt
		sub.LastReminderDay = 0
		started = true
		return s.subs.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonPaymentFailed, datatypes.JSONMap{
			"grace_days": s.graceDays,
		})
	})
	if err == nil && started {
		metrics.GracePeriodsStarted.Inc()
	}
	return err
}

// Recover closes the grace window after a successful payment.
func (s *Service) Recover(ctx context.Context, userID string) error {
	var recovered bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub.Status != types.SubscriptionStatusPastDue {
			return nil
		}
		before := *sub
		sub.Status = types.SubscriptionStatusActive
		sub.PaymentFailedAt = nil
		sub.GracePeriodEndsAt = nil
		sub.LastReminderDay = 0
		recovered = true
		return s.subs.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonPaymentRecovered, nil)
	})
	if err == nil && recovered {
		metrics.GracePeriodsRecovered.Inc()
		s.notifier.PaymentRecovered(ctx, userID)
	}
	return err
}

// End expires the grace window: the subscription is cancelled and dropped to
// the cheapest plan so the account keeps a usable baseline.
func (s *Service) End(ctx context.Context, userID string) error {
	lowest := s.catalog.LowestTier()
	var ended bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.LockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if sub.Status != types.SubscriptionStatusPastDue {
			return nil
		}
		now := s.now()
		before := *sub
		sub.Status = types.SubscriptionStatusCancelled
		sub.PlanID = lowest.ID
		sub.CancelAtPeriodEnd = true
		sub.CancelledAt = &now
		sub.PaymentFailedAt = nil
		sub.GracePeriodEndsAt = nil
		sub.LastReminderDay = 0
		sub.PendingPlanID = nil
		sub.PlanChangeAt = nil
		ended = true
		return s.subs.SaveWithLog(ctx, tx, &before, sub, types.SubscriptionChangeReasonGraceExpired, datatypes.JSONMap{
			"downgraded_to": lowest.ID,
		})
	})
	if err == nil && ended {
		metrics.GracePeriodsExpired.Inc()
		s.notifier.GracePeriodExpired(ctx, userID, lowest.ID)
	}
	return err
}

// Status describes where a subscription stands in its grace window.
type Status struct {
	InGracePeriod      bool       `json:"in_grace_period"`
	DaysElapsed        int        `json:"days_elapsed"`
	DaysRemaining      int        `json:"days_remaining"`
	ShouldSendReminder bool       `json:"should_send_reminder"`
	ReminderDay        int        `json:"reminder_day,omitempty"`
	GracePeriodEndsAt  *time.Time `json:"grace_period_ends_at,omitempty"`
}

// StatusAt computes the grace status at a given instant. Exposed separately
// from Status so sweeps and tests can pin the clock.
func StatusAt(sub *models.Subscription, graceDays int, at time.Time) Status {
	st := Status{}
	if !sub.InGracePeriod(at) || sub.PaymentFailedAt == nil {
		return st
	}
	st.InGracePeriod = true
	st.GracePeriodEndsAt = sub.GracePeriodEndsAt
	st.DaysElapsed = int(at.Sub(*sub.PaymentFailedAt).Hours() / 24)
	st.DaysRemaining = graceDays - st.DaysElapsed
	if st.DaysRemaining < 0 {
		st.DaysRemaining = 0
	}
	// the final bucket equals graceDays, which falls outside the open
	// window, so that notice goes out on the last day instead
	st.ReminderDay = st.DaysElapsed
	if st.DaysElapsed == graceDays-1 && lo.Contains(ReminderDays, graceDays) {
		st.ReminderDay = graceDays
	}
	st.ShouldSendReminder = lo.Contains(ReminderDays, st.ReminderDay) &&
		sub.LastReminderDay < st.ReminderDay
	return st
}

func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	sub, err := s.subs.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	st := StatusAt(sub, s.graceDays, s.now())
	return &st, nil
}

// SubscriptionsNeedingReminders lists every subscription whose grace window
// is still open at the given instant. Bucket eligibility is decided per
// subscription via StatusAt.
func (s *Service) SubscriptionsNeedingReminders(ctx context.Context, at time.Time) ([]*models.Subscription, error) {
	var candidates []*models.Subscription
	if err := s.db.WithContext(ctx).
		Where("status = ? AND grace_period_ends_at > ?", types.SubscriptionStatusPastDue, at).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to list grace subscriptions: %w", err)
	}
	return candidates, nil
}

// ExpiredGracePeriods lists subscriptions whose grace deadline has passed.
func (s *Service) ExpiredGracePeriods(ctx context.Context, at time.Time) ([]*models.Subscription, error) {
	var expired []*models.Subscription
	if err := s.db.WithContext(ctx).
		Where("status = ? AND grace_period_ends_at <= ?", types.SubscriptionStatusPastDue, at).
		Find(&expired).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired grace periods: %w", err)
	}
	return expired, nil
}

// SendReminders delivers due payment-failure reminders and records the day
// bucket so a rerun within the same bucket stays silent.
func (s *Service) SendReminders(ctx context.Context) (*types.BatchResult, error) {
	now := s.now()
	candidates, err := s.SubscriptionsNeedingReminders(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &types.BatchResult{}
	for _, sub := range candidates {
		st := StatusAt(sub, s.graceDays, now)
		if !st.ShouldSendReminder {
			continue
		}
		if err := s.markReminderSent(ctx, sub.UserID, st.ReminderDay); err != nil {
			result.AddError(sub.UserID, sub.ID, err)
			logctx.FromCtx(ctx, s.log).Errorw("failed to record reminder",
				"user_id", sub.UserID, "error", err)
			continue
		}
		s.notifier.PaymentFailureReminder(ctx, sub.UserID, st.DaysRemaining, *sub.GracePeriodEndsAt)
		result.Processed++
	}
	return result, nil
}

func (s *Service) markReminderSent(ctx context.Context, userID string, day int) error {
	// the day guard makes concurrent sweeps send each bucket once
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND status = ? AND last_reminder_day < ?",
			userID, types.SubscriptionStatusPastDue, day).
		UpdateColumn("last_reminder_day", day)
	if res.Error != nil {
		return fmt.Errorf("failed to record reminder day: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return billingerr.Conflict("reminder for day %d already sent", day)
	}
	return nil
}

// ProcessExpired ends every grace window whose deadline has passed. Each
// subscription is handled independently so one failure cannot stall the
// sweep.
func (s *Service) ProcessExpired(ctx context.Context) (*types.BatchResult, error) {
	expired, err := s.ExpiredGracePeriods(ctx, s.now())
	if err != nil {
		return nil, err
	}

	result := &types.BatchResult{}
	for _, sub := range expired {
		if err := s.End(ctx, sub.UserID); err != nil {
			result.AddError(sub.UserID, sub.ID, err)
			logctx.FromCtx(ctx, s.log).Errorw("failed to end grace period",
				"user_id", sub.UserID, "error", err)
			continue
		}
		result.Processed++
	}
	return result, nil
}
