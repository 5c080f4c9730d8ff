package models

import (
	"time"

	"github.com/forgecloud/billing/pkg/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Subscription stores a user's plan state. Exactly one row per user.
type Subscription struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                   `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	PlanID string                   `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	Status types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`

	CurrentPeriodStart time.Time `gorm:"column:current_period_start;not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time `gorm:"column:current_period_end;not null;index" json:"current_period_end"`

	// MonthlyCreditsUsed increases monotonically within a period; it resets
	// to zero only at period rollover or when a pending plan change is
	// applied.
	MonthlyCreditsUsed decimal.Decimal `gorm:"column:monthly_credits_used;type:numeric(20,5);not null;default:0" json:"monthly_credits_used"`

	// Pending downgrade bookkeeping: the swap to PendingPlanID happens when
	// the pending-plan-change sweep observes PlanChangeAt <= now.
	PendingPlanID *string    `gorm:"column:pending_plan_id;type:varchar(64)" json:"pending_plan_id,omitempty"`
	PlanChangeAt  *time.Time `gorm:"column:plan_change_at;index" json:"plan_change_at,omitempty"`

	// Grace period bookkeeping, set on payment failure.
	PaymentFailedAt   *time.Time `gorm:"column:payment_failed_at" json:"payment_failed_at,omitempty"`
	GracePeriodEndsAt *time.Time `gorm:"column:grace_period_ends_at;index" json:"grace_period_ends_at,omitempty"`
	// LastReminderDay is the last day bucket {1,3,5,7} a payment-failure
	// reminder was sent for; buckets themselves derive from PaymentFailedAt.
	LastReminderDay int `gorm:"column:last_reminder_day;not null;default:0" json:"last_reminder_day"`

	CancelAtPeriodEnd bool       `gorm:"column:cancel_at_period_end;not null;default:false" json:"cancel_at_period_end"`
	CancelledAt       *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`

	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == types.SubscriptionStatusActive
}

// InGracePeriod reports whether the subscription is past due with an open
// recovery window at the given instant.
func (s *Subscription) InGracePeriod(at time.Time) bool {
	return s != nil &&
		s.Status == types.SubscriptionStatusPastDue &&
		s.GracePeriodEndsAt != nil &&
		s.GracePeriodEndsAt.After(at)
}
