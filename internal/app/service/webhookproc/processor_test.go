package webhookproc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/forgecloud/billing/internal/app/service/graceperiod"
	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/notify"
	"github.com/forgecloud/billing/internal/app/service/receipt"
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

const testSecret = "whsec_test"

func newTestService(t *testing.T) (*Service, *ledger.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.UserBalance{}, &models.BalanceTransaction{},
		&models.Subscription{}, &models.SubscriptionLog{},
		&models.WebhookEventLog{}, &models.PaymentTransaction{},
	))

	log := zap.NewNop().Sugar()
	cfg := &config.Config{}
	cfg.Webhook.Secret = testSecret
	cfg.Billing.GraceDays = 7
	catalog := pricing.NewCatalog(nil)
	notifier := notify.NewLogNotifier(log)

	led := ledger.NewService(db, log)
	subs := subscription.NewService(db, log, catalog)
	grace := graceperiod.NewService(cfg, db, log, subs, catalog, notifier)
	receipts := receipt.NewService(db, log, notifier)

	return NewService(cfg, db, log, led, subs, grace, receipts), led, db
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func seedSubscription(t *testing.T, db *gorm.DB, status types.SubscriptionStatus) {
	t.Helper()
	start := time.Now().UTC().AddDate(0, 0, -10)
	sub := &models.Subscription{
		ID:                 "01920000-0000-7000-8000-000000000001",
		UserID:             "u1",
		PlanID:             "pro",
		Status:             status,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   start.AddDate(0, 1, 0),
	}
	if status == types.SubscriptionStatusPastDue {
		failedAt := time.Now().UTC().AddDate(0, 0, -2)
		endsAt := failedAt.AddDate(0, 0, 7)
		sub.PaymentFailedAt = &failedAt
		sub.GracePeriodEndsAt = &endsAt
	}
	require.NoError(t, db.Create(sub).Error)
}

func TestProcess_RejectsBadSignature(t *testing.T) {
	svc, _, _ := newTestService(t)
	body := []byte(`{"id":"evt_1","type":"payment.captured"}`)

	_, err := svc.Process(context.Background(), body, "deadbeef", "trace-1")
	assert.True(t, billingerr.IsKind(err, billingerr.KindSignature))

	_, err = svc.Process(context.Background(), body, "", "trace-1")
	assert.True(t, billingerr.IsKind(err, billingerr.KindSignature))
}

func TestProcess_RejectsMalformedPayload(t *testing.T) {
	svc, _, _ := newTestService(t)
	body := []byte(`{"not json`)

	_, err := svc.Process(context.Background(), body, sign(body), "trace-1")
	assert.True(t, billingerr.IsKind(err, billingerr.KindValidation))
}

func TestProcess_TopupCapturedAndReplayed(t *testing.T) {
	svc, led, db := newTestService(t)
	ctx := context.Background()
	body := []byte(`{"id":"evt_1","type":"payment.captured","created_at":1756500000,` +
		`"data":{"user_id":"u1","payment_id":"pay_1","amount_usd":"25"}}`)

	result, err := svc.Process(ctx, body, sign(body), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, result.Status)
	assert.False(t, result.Duplicate)

	balance, err := led.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(25)))

	// a completed payment row with a receipt number exists
	var pt models.PaymentTransaction
	require.NoError(t, db.Where("user_id = ?", "u1").First(&pt).Error)
	assert.Equal(t, models.PaymentTransactionStatusCompleted, pt.Status)
	require.NotNil(t, pt.ReceiptNumber)
	assert.True(t, strings.HasPrefix(*pt.ReceiptNumber, "RCP-"), *pt.ReceiptNumber)

	// replay: acknowledged, no second credit, single event row
	replay, err := svc.Process(ctx, body, sign(body), "trace-2")
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)

	balance, err = led.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(25)))

	var eventCount int64
	require.NoError(t, db.Model(&models.WebhookEventLog{}).Count(&eventCount).Error)
	assert.EqualValues(t, 1, eventCount)
	var txCount int64
	require.NoError(t, db.Model(&models.BalanceTransaction{}).Count(&txCount).Error)
	assert.EqualValues(t, 1, txCount)
}

func TestProcess_PaymentCapturedRecoversGrace(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()
	seedSubscription(t, db, types.SubscriptionStatusPastDue)

	body := []byte(`{"id":"evt_2","type":"payment.captured","created_at":1756500000,` +
		`"data":{"user_id":"u1","payment_id":"pay_2","amount_usd":"100","purpose":"plan_charge","plan_id":"pro"}}`)

	result, err := svc.Process(ctx, body, sign(body), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, result.Status)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.PaymentFailedAt)
}

func TestProcess_PaymentFailedOpensGrace(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()
	seedSubscription(t, db, types.SubscriptionStatusActive)

	body := []byte(`{"id":"evt_3","type":"payment.failed","created_at":1756500000,` +
		`"data":{"user_id":"u1","payment_id":"pay_3"}}`)

	result, err := svc.Process(ctx, body, sign(body), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, result.Status)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.Equal(t, types.SubscriptionStatusPastDue, sub.Status)
	require.NotNil(t, sub.GracePeriodEndsAt)
}

func TestProcess_SubscriptionRenewedRollsPeriod(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()
	seedSubscription(t, db, types.SubscriptionStatusActive)
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("user_id = ?", "u1").
		Update("monthly_credits_used", decimal.NewFromInt(900)).Error)

	body := []byte(`{"id":"evt_4","type":"subscription.renewed","created_at":1756500000,` +
		`"data":{"user_id":"u1"}}`)

	result, err := svc.Process(ctx, body, sign(body), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, result.Status)

	var sub models.Subscription
	require.NoError(t, db.Where("user_id = ?", "u1").First(&sub).Error)
	assert.True(t, sub.MonthlyCreditsUsed.IsZero())
	assert.True(t, sub.CurrentPeriodEnd.After(time.Now().UTC().AddDate(0, 0, 27)))
}

func TestProcess_RefundIssuedOnce(t *testing.T) {
	svc, led, _ := newTestService(t)
	ctx := context.Background()

	topup := []byte(`{"id":"evt_5","type":"payment.captured","created_at":1756500000,` +
		`"data":{"user_id":"u1","payment_id":"pay_5","amount_usd":"50"}}`)
	_, err := svc.Process(ctx, topup, sign(topup), "trace-1")
	require.NoError(t, err)

	refund := []byte(`{"id":"evt_6","type":"refund.issued","created_at":1756500100,` +
		`"data":{"user_id":"u1","payment_id":"pay_5","refund_id":"re_1","amount_usd":"50"}}`)
	result, err := svc.Process(ctx, refund, sign(refund), "trace-2")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, result.Status)

	balance, err := led.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "got %s", balance)

	// same refund under a fresh event id still cannot double-debit
	refundAgain := []byte(`{"id":"evt_7","type":"refund.issued","created_at":1756500200,` +
		`"data":{"user_id":"u1","payment_id":"pay_5","refund_id":"re_1","amount_usd":"50"}}`)
	result, err = svc.Process(ctx, refundAgain, sign(refundAgain), "trace-3")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, result.Status)

	balance, err = led.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero(), "got %s", balance)
}

func TestProcess_UnknownEventTypeIsParked(t *testing.T) {
	svc, _, db := newTestService(t)
	body := []byte(`{"id":"evt_8","type":"customer.updated","created_at":1756500000,` +
		`"data":{"user_id":"u1"}}`)

	result, err := svc.Process(context.Background(), body, sign(body), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusCompleted, result.Status)

	var row models.WebhookEventLog
	require.NoError(t, db.Where("event_id = ?", "evt_8").First(&row).Error)
	assert.Equal(t, models.WebhookEventStatusCompleted, row.Status)
}

func TestProcess_HandlerFailureIsRecordedAndAcked(t *testing.T) {
	svc, _, db := newTestService(t)
	// missing user_id makes the handler fail after signature and parse pass
	body := []byte(`{"id":"evt_9","type":"payment.captured","created_at":1756500000,` +
		`"data":{"payment_id":"pay_9","amount_usd":"10"}}`)

	result, err := svc.Process(context.Background(), body, sign(body), "trace-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookEventStatusFailed, result.Status)
	require.NotNil(t, result.Error)

	var row models.WebhookEventLog
	require.NoError(t, db.Where("event_id = ?", "evt_9").First(&row).Error)
	assert.Equal(t, models.WebhookEventStatusFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
}

func TestEventID_FallbackIsStable(t *testing.T) {
	ev := &Event{Type: types.WebhookEventPaymentCaptured, CreatedAt: 1756500000}
	ev.Data.PaymentID = "pay_1"
	first := ev.EventID()
	assert.Equal(t, first, ev.EventID())
	assert.Contains(t, first, "pay_1")

	withID := &Event{ID: "evt_x", Type: types.WebhookEventPaymentCaptured}
	assert.Equal(t, "evt_x", withID.EventID())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)

	assert.NoError(t, verifySignature(testSecret, body, sign(body)))
	assert.NoError(t, verifySignature(testSecret, body, "sha256="+sign(body)))
	assert.Error(t, verifySignature(testSecret, body, sign([]byte("other"))))
	assert.Error(t, verifySignature(testSecret, body, ""))
	assert.Error(t, verifySignature("", body, sign(body)))
}
