package graceperiod

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/forgecloud/billing/internal/app/service/notify"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/config"
	"github.com/forgecloud/billing/pkg/pricing"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.SubscriptionLog{}))

	log := zap.NewNop().Sugar()
	catalog := pricing.NewCatalog(nil)
	subs := subscription.NewService(db, log, catalog)
	cfg := &config.Config{}
	cfg.Billing.GraceDays = 7
	return NewService(cfg, db, log, subs, catalog, notify.NewLogNotifier(log)), db
}

func seedActive(t *testing.T, db *gorm.DB, userID string) *models.Subscription {
	t.Helper()
	start := time.Now().UTC().AddDate(0, 0, -10)
	sub := &models.Subscription{
		ID:                 "01920000-0000-7000-8000-00000000000" + userID[len(userID)-1:],
		UserID:             userID,
		PlanID:             "pro",
		Status:             types.SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func TestStatusAt_DayBuckets(t *testing.T) {
	failedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	endsAt := failedAt.AddDate(0, 0, 7)
	sub := &models.Subscription{
		Status:            types.SubscriptionStatusPastDue,
		PaymentFailedAt:   &failedAt,
		GracePeriodEndsAt: &endsAt,
	}

	tests := []struct {
		name          string
		at            time.Time
		lastReminder  int
		wantElapsed   int
		wantRemaining int
		wantReminder  bool
	}{
		{"hours after failure", failedAt.Add(6 * time.Hour), 0, 0, 7, false},
		{"day one", failedAt.Add(25 * time.Hour), 0, 1, 6, true},
		{"day two is not a bucket", failedAt.Add(49 * time.Hour), 1, 2, 5, false},
		{"day three", failedAt.AddDate(0, 0, 3).Add(time.Hour), 1, 3, 4, true},
		{"day three already reminded", failedAt.AddDate(0, 0, 3).Add(2 * time.Hour), 3, 3, 4, false},
		{"day five", failedAt.AddDate(0, 0, 5).Add(time.Hour), 3, 5, 2, true},
		{"day six carries the final notice", failedAt.AddDate(0, 0, 7).Add(-time.Hour), 5, 6, 1, true},
		{"final notice already sent", failedAt.AddDate(0, 0, 7).Add(-time.Hour), 7, 6, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub.LastReminderDay = tt.lastReminder
			st := StatusAt(sub, 7, tt.at)
			assert.True(t, st.InGracePeriod)
			assert.Equal(t, tt.wantElapsed, st.DaysElapsed)
			assert.Equal(t, tt.wantRemaining, st.DaysRemaining)
			assert.Equal(t, tt.wantReminder, st.ShouldSendReminder)
		})
	}
}

func TestStatusAt_OutsideGracePeriod(t *testing.T) {
	sub := &models.Subscription{Status: types.SubscriptionStatusActive}
	st := StatusAt(sub, 7, time.Now().UTC())
	assert.False(t, st.InGracePeriod)
	assert.Zero(t, st.DaysRemaining)
}

func TestStartRecoverFlow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seedActive(t, db, "u1")

	require.NoError(t, svc.Start(ctx, "u1"))

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.Equal(t, types.SubscriptionStatusPastDue, sub.Status)
	require.NotNil(t, sub.PaymentFailedAt)
	require.NotNil(t, sub.GracePeriodEndsAt)
	assert.WithinDuration(t, sub.PaymentFailedAt.AddDate(0, 0, 7), *sub.GracePeriodEndsAt, time.Second)

	// a second failure while past due keeps the original window
	firstFailure := *sub.PaymentFailedAt
	require.NoError(t, svc.Start(ctx, "u1"))
	var again models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&again).Error)
	assert.True(t, again.PaymentFailedAt.Equal(firstFailure))

	require.NoError(t, svc.Recover(ctx, "u1"))
	// fresh destination: gorm skips NULL columns when scanning into a
	// populated struct, which would leave the old pointers in place
	var recovered models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&recovered).Error)
	assert.Equal(t, types.SubscriptionStatusActive, recovered.Status)
	assert.Nil(t, recovered.PaymentFailedAt)
	assert.Nil(t, recovered.GracePeriodEndsAt)
	assert.Zero(t, recovered.LastReminderDay)

	// recovering an active subscription is a no-op
	require.NoError(t, svc.Recover(ctx, "u1"))
}

func TestProcessExpired_DowngradesToLowestTier(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seedActive(t, db, "u1")
	require.NoError(t, svc.Start(ctx, "u1"))

	// move the clock past the window
	svc.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 8) }

	result, err := svc.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.Equal(t, types.SubscriptionStatusCancelled, sub.Status)
	assert.Equal(t, "free", sub.PlanID)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.NotNil(t, sub.CancelledAt)
	assert.Nil(t, sub.GracePeriodEndsAt)

	// nothing left for a second sweep
	result, err = svc.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestSendReminders_OncePerBucket(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seedActive(t, db, "u1")
	require.NoError(t, svc.Start(ctx, "u1"))

	// day 3 of the window
	svc.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 3).Add(time.Hour) }

	result, err := svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.Equal(t, 3, sub.LastReminderDay)

	// same bucket, no resend
	result, err = svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	// next bucket fires again
	svc.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 5).Add(time.Hour) }
	result, err = svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	// the day-7 notice goes out on the last day, while the window is open
	svc.now = func() time.Time { return time.Now().UTC().AddDate(0, 0, 6).Add(time.Hour) }
	result, err = svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	var final models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&final).Error)
	assert.Equal(t, 7, final.LastReminderDay)

	result, err = svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestGraceWindowQueries(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	seedActive(t, db, "u1")
	require.NoError(t, svc.Start(ctx, "u1"))

	now := time.Now().UTC()

	open, err := svc.SubscriptionsNeedingReminders(ctx, now)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "u1", open[0].UserID)

	expired, err := svc.ExpiredGracePeriods(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = svc.ExpiredGracePeriods(ctx, now.AddDate(0, 0, 8))
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}
