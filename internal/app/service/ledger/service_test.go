package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.UserBalance{}, &models.BalanceTransaction{}))
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(newTestDB(t), zap.NewNop().Sugar())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreditDebit_BalanceConservation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Credit(ctx, &Mutation{
		UserID: "u1", Amount: dec("10"), Type: types.TransactionTypeTopup, Description: "topup",
	})
	require.NoError(t, err)
	assert.True(t, entry.BalanceAfter.Equal(dec("10")))

	_, err = svc.Debit(ctx, &Mutation{
		UserID: "u1", Amount: dec("3.5"), Type: types.TransactionTypeAIUsage, Description: "ai",
	})
	require.NoError(t, err)

	entry, err = svc.Debit(ctx, &Mutation{
		UserID: "u1", Amount: dec("1.25"), Type: types.TransactionTypeSandboxUsage, Description: "sandbox",
	})
	require.NoError(t, err)
	assert.True(t, entry.BalanceAfter.Equal(dec("5.25")), "got %s", entry.BalanceAfter)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("5.25")))

	// every row's before/after must chain
	var txs []*models.BalanceTransaction
	require.NoError(t, svc.db.Where("user_id = ?", "u1").Order("created_at asc, id asc").Find(&txs).Error)
	require.Len(t, txs, 3)
	prev := decimal.Zero
	for _, tx := range txs {
		assert.True(t, tx.BalanceBefore.Equal(prev), "balance_before %s != %s", tx.BalanceBefore, prev)
		assert.True(t, tx.BalanceAfter.Equal(tx.BalanceBefore.Add(tx.Amount)))
		prev = tx.BalanceAfter
	}
}

func TestDebit_AllowsNegativeBalance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Debit(ctx, &Mutation{
		UserID: "u1", Amount: dec("2.5"), Type: types.TransactionTypeStorageUsage, Description: "storage",
	})
	require.NoError(t, err)
	assert.True(t, entry.BalanceAfter.Equal(dec("-2.5")))
}

func TestMutation_RejectsNonPositiveAmounts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-1"} {
		_, err := svc.Credit(ctx, &Mutation{
			UserID: "u1", Amount: dec(amount), Type: types.TransactionTypeTopup, Description: "topup",
		})
		assert.True(t, billingerr.IsKind(err, billingerr.KindValidation), "amount %s", amount)
	}
}

func TestCredit_DuplicateProviderRef(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Credit(ctx, &Mutation{
		UserID: "u1", Amount: dec("25"), Type: types.TransactionTypeTopup,
		Description: "topup", ProviderRef: "pay_123",
	})
	require.NoError(t, err)

	_, err = svc.Credit(ctx, &Mutation{
		UserID: "u1", Amount: dec("25"), Type: types.TransactionTypeTopup,
		Description: "topup", ProviderRef: "pay_123",
	})
	require.ErrorIs(t, err, ErrDuplicateProviderRef)

	// the replay must not move the balance
	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(first.BalanceAfter))

	found, err := svc.FindByProviderRef(ctx, nil, "pay_123")
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, found.ID)
}

func TestApply_FaultMidMutationLeavesNothingVisible(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, &Mutation{
		UserID: "u1", Amount: dec("10"), Type: types.TransactionTypeTopup, Description: "topup",
	})
	require.NoError(t, err)

	// refuse the balance write, aborting the mutation after the
	// transaction row was already inserted
	require.NoError(t, svc.db.Callback().Update().Before("gorm:update").
		Register("refuse_balance_write", func(tx *gorm.DB) {
			if _, ok := tx.Statement.Model.(*models.UserBalance); ok {
				tx.AddError(errors.New("balance write refused"))
			}
		}))
	t.Cleanup(func() {
		assert.NoError(t, svc.db.Callback().Update().Remove("refuse_balance_write"))
	})

	_, err = svc.Debit(ctx, &Mutation{
		UserID: "u1", Amount: dec("4"), Type: types.TransactionTypeAIUsage, Description: "ai",
	})
	require.ErrorContains(t, err, "balance write refused")

	// the rollback must hide both halves of the mutation
	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("10")), "got %s", balance)

	var count int64
	require.NoError(t, svc.db.Model(&models.BalanceTransaction{}).
		Where("user_id = ?", "u1").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	svc := newTestService(t)

	balance, err := svc.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestHistory_NewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, &Mutation{
			UserID: "u1", Amount: dec("1"), Type: types.TransactionTypeTopup,
			Description: fmt.Sprintf("topup %d", i),
		})
		require.NoError(t, err)
	}
	_, err := svc.Credit(ctx, &Mutation{
		UserID: "u2", Amount: dec("1"), Type: types.TransactionTypeTopup, Description: "other user",
	})
	require.NoError(t, err)

	res, err := svc.History(ctx, "u1", 0, 3)
	require.NoError(t, err)
	assert.Len(t, res.Items, 3)
	assert.EqualValues(t, 5, res.Total)
	for _, item := range res.Items {
		assert.Equal(t, "u1", item.UserID)
	}
}
