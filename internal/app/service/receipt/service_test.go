package receipt

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/forgecloud/billing/internal/app/service/notify"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/tool"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
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
	require.NoError(t, db.AutoMigrate(&models.PaymentTransaction{}))
	log := zap.NewNop().Sugar()
	return NewService(db, log, notify.NewLogNotifier(log)), db
}

func TestComplete_ClaimsPendingRowByProviderID(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	providerID := "pay_1"
	pending := &models.PaymentTransaction{
		ID:                tool.GenerateUUIDV7(),
		UserID:            "u1",
		Type:              models.PaymentTransactionTypeTopup,
		Status:            models.PaymentTransactionStatusPending,
		ProviderPaymentID: &providerID,
		AmountUSD:         decimal.NewFromInt(25),
		TaxUSD:            decimal.RequireFromString("2.5"),
		TotalUSD:          decimal.RequireFromString("27.5"),
	}
	require.NoError(t, db.Create(pending).Error)

	pt, err := svc.Complete(ctx, &CompleteRequest{
		UserID:            "u1",
		ProviderPaymentID: "pay_1",
		Type:              models.PaymentTransactionTypeTopup,
		AmountUSD:         decimal.NewFromInt(25),
	})
	require.NoError(t, err)
	assert.Equal(t, pending.ID, pt.ID)
	assert.Equal(t, models.PaymentTransactionStatusCompleted, pt.Status)
	require.NotNil(t, pt.PaidAt)

	var count int64
	require.NoError(t, db.Model(&models.PaymentTransaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestComplete_ClaimsOldestPendingOfType(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := &models.PaymentTransaction{
		ID:        "01920000-0000-7000-8000-000000000001",
		UserID:    "u1",
		Type:      models.PaymentTransactionTypeProration,
		Status:    models.PaymentTransactionStatusPending,
		AmountUSD: decimal.NewFromInt(75),
		CreatedAt: now.Add(-2 * time.Hour),
	}
	require.NoError(t, db.Create(first).Error)
	second := &models.PaymentTransaction{
		ID:        "01920000-0000-7000-8000-000000000002",
		UserID:    "u1",
		Type:      models.PaymentTransactionTypeProration,
		Status:    models.PaymentTransactionStatusPending,
		AmountUSD: decimal.NewFromInt(300),
		CreatedAt: now.Add(-time.Hour),
	}
	require.NoError(t, db.Create(second).Error)

	pt, err := svc.Complete(ctx, &CompleteRequest{
		UserID:            "u1",
		ProviderPaymentID: "pay_2",
		Type:              models.PaymentTransactionTypeProration,
		AmountUSD:         decimal.NewFromInt(75),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, pt.ID)
	require.NotNil(t, pt.ProviderPaymentID)
	assert.Equal(t, "pay_2", *pt.ProviderPaymentID)
}

func TestComplete_CreatesRowWhenNothingPending(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	pt, err := svc.Complete(ctx, &CompleteRequest{
		UserID:            "u1",
		ProviderPaymentID: "pay_3",
		Type:              models.PaymentTransactionTypeTopup,
		AmountUSD:         decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentTransactionStatusCompleted, pt.Status)
	assert.True(t, pt.TaxUSD.Equal(decimal.NewFromInt(1)), "got %s", pt.TaxUSD)
	assert.True(t, pt.TotalUSD.Equal(decimal.NewFromInt(11)), "got %s", pt.TotalUSD)

	var count int64
	require.NoError(t, db.Model(&models.PaymentTransaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestComplete_ReplayKeepsOriginalReceipt(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := &CompleteRequest{
		UserID:            "u1",
		ProviderPaymentID: "pay_4",
		Type:              models.PaymentTransactionTypeTopup,
		AmountUSD:         decimal.NewFromInt(10),
	}
	first, err := svc.Complete(ctx, req)
	require.NoError(t, err)
	replay, err := svc.Complete(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, *first.ReceiptNumber, *replay.ReceiptNumber)
}

func TestReceiptNumbersAreSequentialPerYear(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var numbers []string
	for i := 0; i < 3; i++ {
		pt, err := svc.Complete(ctx, &CompleteRequest{
			UserID:            "u1",
			ProviderPaymentID: fmt.Sprintf("pay_%d", i),
			Type:              models.PaymentTransactionTypeTopup,
			AmountUSD:         decimal.NewFromInt(10),
		})
		require.NoError(t, err)
		require.NotNil(t, pt.ReceiptNumber)
		numbers = append(numbers, *pt.ReceiptNumber)
	}
	assert.True(t, strings.HasSuffix(numbers[0], "-000001"), numbers[0])
	assert.True(t, strings.HasSuffix(numbers[1], "-000002"), numbers[1])
	assert.True(t, strings.HasSuffix(numbers[2], "-000003"), numbers[2])
}

func TestMarkFailedAndRefunded(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	pt, err := svc.Complete(ctx, &CompleteRequest{
		UserID:            "u1",
		ProviderPaymentID: "pay_5",
		Type:              models.PaymentTransactionTypeTopup,
		AmountUSD:         decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRefunded(ctx, "pay_5"))
	var row models.PaymentTransaction
	require.NoError(t, db.First(&row, "id = ?", pt.ID).Error)
	assert.Equal(t, models.PaymentTransactionStatusRefunded, row.Status)
	require.NotNil(t, row.ReceiptNumber)

	// MarkFailed only touches pending rows
	require.NoError(t, svc.MarkFailed(ctx, "u1", "pay_5"))
	require.NoError(t, db.First(&row, "id = ?", pt.ID).Error)
	assert.Equal(t, models.PaymentTransactionStatusRefunded, row.Status)
}

func TestRenderPDF_ContainsReceiptArtifact(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	pt, err := svc.Complete(ctx, &CompleteRequest{
		UserID:            "u1",
		ProviderPaymentID: "pay_6",
		Type:              models.PaymentTransactionTypeTopup,
		AmountUSD:         decimal.NewFromInt(25),
	})
	require.NoError(t, err)

	data, err := svc.PDF(ctx, "u1", pt.ID)
	require.NoError(t, err)
	assert.True(t, len(data) > 0)
	assert.Equal(t, "%PDF", string(data[:4]))
}
