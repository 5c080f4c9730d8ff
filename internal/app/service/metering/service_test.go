package metering

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/config"
	"github.com/forgecloud/billing/pkg/pricing"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.UserBalance{}, &models.BalanceTransaction{},
		&models.SandboxSession{}, &models.UsageRecord{}, &models.AIModel{},
		&models.Subscription{}, &models.SubscriptionLog{},
	))

	log := zap.NewNop().Sugar()
	ledgerSvc := ledger.NewService(db, log)
	subs := subscription.NewService(db, log, pricing.NewCatalog(nil))
	registry, err := NewModelRegistry(db, log)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Billing.MinSandboxStartBalance = "0.01"
	svc, err := NewService(db, log, cfg, ledgerSvc, subs, registry)
	require.NoError(t, err)
	return svc, ledgerSvc, db
}

func fund(t *testing.T, led *ledger.Service, userID, amount string) {
	t.Helper()
	_, err := led.Credit(context.Background(), &ledger.Mutation{
		UserID: userID, Amount: decimal.RequireFromString(amount),
		Type: types.TransactionTypeTopup, Description: "test topup",
	})
	require.NoError(t, err)
}

func TestCeilMinutes(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want int64
	}{
		{"zero", 0, 0},
		{"negative", -time.Minute, 0},
		{"sub-minute", 30 * time.Second, 1},
		{"exactly one minute", time.Minute, 1},
		{"ninety seconds", 90 * time.Second, 2},
		{"just over an hour", time.Hour + time.Millisecond, 61},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ceilMinutes(tt.d))
		})
	}
}

func TestSandboxSessionLifecycle(t *testing.T) {
	svc, led, db := newTestService(t)
	ctx := context.Background()
	fund(t, led, "u1", "5")

	session, err := svc.StartSandboxSession(ctx, "u1", "sbx-1")
	require.NoError(t, err)

	// backdate the start so the session has billable elapsed time
	start := time.Now().UTC().Add(-90 * time.Second)
	require.NoError(t, db.Model(&models.SandboxSession{}).
		Where("id = ?", session.ID).Update("started_at", start).Error)

	result, err := svc.EndSandboxSession(ctx, session.ID, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Minutes)
	// 2 minutes at the per-minute rate
	assert.True(t, result.ProviderCostUSD.Equal(decimal.RequireFromString("0.016")),
		"got %s", result.ProviderCostUSD)
	assert.True(t, result.BalanceAfter.Equal(decimal.RequireFromString("4.984")))

	var record models.UsageRecord
	require.NoError(t, db.Where("balance_transaction_id = ?", result.TransactionID).First(&record).Error)
	assert.Equal(t, types.ResourceClassSandbox, record.ResourceClass)
	assert.True(t, record.Quantity.Equal(decimal.NewFromInt(2)))

	// double end loses
	_, err = svc.EndSandboxSession(ctx, session.ID, nil)
	assert.True(t, billingerr.IsKind(err, billingerr.KindInsufficientContext))
}

func TestSandboxSession_MinimumOneMinute(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	fund(t, led, "u1", "1")

	session, err := svc.StartSandboxSession(ctx, "u1", "sbx-1")
	require.NoError(t, err)

	end := session.StartedAt
	result, err := svc.EndSandboxSession(ctx, session.ID, &end)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Minutes)
}

func TestStartSandboxSession_BalanceFloor(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.StartSandboxSession(context.Background(), "broke", "sbx-1")
	require.Error(t, err)
	assert.True(t, billingerr.IsKind(err, billingerr.KindValidation))
}

func TestReapStaleSessions(t *testing.T) {
	svc, led, db := newTestService(t)
	ctx := context.Background()
	fund(t, led, "u1", "5")

	session, err := svc.StartSandboxSession(ctx, "u1", "sbx-stale")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.SandboxSession{}).
		Where("id = ?", session.ID).
		Update("started_at", time.Now().UTC().Add(-8*time.Hour)).Error)

	fresh, err := svc.StartSandboxSession(ctx, "u1", "sbx-fresh")
	require.NoError(t, err)

	result := svc.ReapStaleSessions(ctx, 6*time.Hour)
	assert.Equal(t, 1, result.Processed)
	assert.Empty(t, result.Errors)

	var reaped models.SandboxSession
	require.NoError(t, db.Where("id = ?", session.ID).First(&reaped).Error)
	assert.Equal(t, models.SandboxSessionStatusReaped, reaped.Status)

	var untouched models.SandboxSession
	require.NoError(t, db.Where("id = ?", fresh.ID).First(&untouched).Error)
	assert.Equal(t, models.SandboxSessionStatusRunning, untouched.Status)
}

func TestTrackStorageUsage(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	fund(t, led, "u1", "10")

	result, err := svc.TrackStorageUsage(ctx, &StorageUsageRequest{
		UserID:     "u1",
		ResourceID: "bucket-1",
		SizeGB:     decimal.NewFromInt(2),
		Operations: 20000,
	})
	require.NoError(t, err)
	// 2 GB * 0.023 + (20000/10000) * 0.004 = 0.054
	assert.True(t, result.ProviderCostUSD.Equal(decimal.RequireFromString("0.054")),
		"got %s", result.ProviderCostUSD)

	_, err = svc.TrackStorageUsage(ctx, &StorageUsageRequest{
		UserID: "u1", ResourceID: "bucket-1", SizeGB: decimal.Zero, Operations: 0,
	})
	assert.True(t, billingerr.IsKind(err, billingerr.KindValidation))
}

func TestTrackDeployment(t *testing.T) {
	svc, led, _ := newTestService(t)
	fund(t, led, "u1", "1")

	result, err := svc.TrackDeployment(context.Background(), &DeploymentRequest{
		UserID: "u1", DeploymentID: "deploy-1",
	})
	require.NoError(t, err)
	assert.True(t, result.ProviderCostUSD.Equal(decimal.RequireFromString("0.02")))
}

func TestTrackAIUsage(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()
	fund(t, led, "u1", "100")

	t.Run("default rates for unknown model", func(t *testing.T) {
		result, err := svc.TrackAIUsage(ctx, &AIUsageRequest{
			UserID: "u1", ModelID: "mystery-model",
			InputTokens: 1_000_000, OutputTokens: 1_000_000,
		})
		require.NoError(t, err)
		// 3.00 input + 15.00 output per million tokens
		assert.True(t, result.ProviderCostUSD.Equal(decimal.RequireFromString("18")),
			"got %s", result.ProviderCostUSD)
	})

	t.Run("registry rates override defaults", func(t *testing.T) {
		require.NoError(t, svc.registry.UpsertModel(ctx, &models.AIModel{
			ID:               "cheap-model",
			InputPerMTokUSD:  decimal.RequireFromString("1.00"),
			OutputPerMTokUSD: decimal.RequireFromString("2.00"),
			Active:           true,
		}))

		result, err := svc.TrackAIUsage(ctx, &AIUsageRequest{
			UserID: "u1", ModelID: "cheap-model",
			InputTokens: 500_000, OutputTokens: 250_000,
		})
		require.NoError(t, err)
		// 0.5 * 1.00 + 0.25 * 2.00 = 1.00
		assert.True(t, result.ProviderCostUSD.Equal(decimal.RequireFromString("1")),
			"got %s", result.ProviderCostUSD)
	})

	t.Run("tiny usage floors to minimum charge", func(t *testing.T) {
		result, err := svc.TrackAIUsage(ctx, &AIUsageRequest{
			UserID: "u1", ModelID: "mystery-model", InputTokens: 1,
		})
		require.NoError(t, err)
		assert.True(t, result.ProviderCostUSD.Equal(decimal.New(1, -5)),
			"got %s", result.ProviderCostUSD)
	})

	t.Run("zero tokens rejected", func(t *testing.T) {
		_, err := svc.TrackAIUsage(ctx, &AIUsageRequest{UserID: "u1", ModelID: "m"})
		assert.True(t, billingerr.IsKind(err, billingerr.KindValidation))
	})
}

func TestTrack_DrawsDownPlanCredits(t *testing.T) {
	svc, led, db := newTestService(t)
	ctx := context.Background()
	fund(t, led, "u1", "10")
	fund(t, led, "u2", "10")

	start := time.Now().UTC().AddDate(0, 0, -5)
	require.NoError(t, db.Create(&models.Subscription{
		ID:                 "01920000-0000-7000-8000-0000000000aa",
		UserID:             "u1",
		PlanID:             "pro",
		Status:             types.SubscriptionStatusActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
	}).Error)

	// 2 GB * 0.023 = 0.046 USD, one credit per cent -> 4.6 credits
	_, err := svc.TrackStorageUsage(ctx, &StorageUsageRequest{
		UserID: "u1", ResourceID: "bucket-1", SizeGB: decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.True(t, sub.MonthlyCreditsUsed.Equal(decimal.RequireFromString("4.6")),
		"got %s", sub.MonthlyCreditsUsed)

	// sandbox sessions draw down the allowance too
	session, err := svc.StartSandboxSession(ctx, "u1", "sbx-1")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.SandboxSession{}).
		Where("id = ?", session.ID).
		Update("started_at", time.Now().UTC().Add(-90*time.Second)).Error)
	_, err = svc.EndSandboxSession(ctx, session.ID, nil)
	require.NoError(t, err)

	// plus 2 min * 0.008 = 0.016 USD -> 1.6 credits
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.True(t, sub.MonthlyCreditsUsed.Equal(decimal.RequireFromString("6.2")),
		"got %s", sub.MonthlyCreditsUsed)

	// balance-only users have no subscription row; usage still debits
	result, err := svc.TrackDeployment(ctx, &DeploymentRequest{UserID: "u2", DeploymentID: "deploy-1"})
	require.NoError(t, err)
	assert.True(t, result.ProviderCostUSD.Equal(decimal.RequireFromString("0.02")))
}
