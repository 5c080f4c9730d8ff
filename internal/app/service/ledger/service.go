package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/logctx"
	"github.com/forgecloud/billing/pkg/metrics"
	"github.com/forgecloud/billing/pkg/pricing"
	"github.com/forgecloud/billing/pkg/tool"
	"github.com/forgecloud/billing/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateProviderRef means a balance transaction with the same provider
// payment/order id already exists. Webhook replays hit this instead of
// double-crediting.
var ErrDuplicateProviderRef = errors.New("duplicate provider reference")

// Mutation describes one balance change. Amount must be positive; Debit and
// Credit apply the sign.
type Mutation struct {
	UserID      string
	Amount      decimal.Decimal
	Type        types.TransactionType
	Description string
	Metadata    map[string]any
	// ProviderRef, when set, is stored under a unique index so the same
	// external payment can only ever land once.
	ProviderRef string
}

// Entry is the visible result of a ledger mutation.
type Entry struct {
	TransactionID string          `json:"transaction_id"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
}

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Debit subtracts m.Amount from the user's balance and records the
// transaction, all in one database transaction. Debits may drive the
// balance negative; minimum-balance policy is enforced by callers before
// starting billable resources, not here.
func (s *Service) Debit(ctx context.Context, m *Mutation) (*Entry, error) {
	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.DebitTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit adds m.Amount to the user's balance, symmetric to Debit.
func (s *Service) Credit(ctx context.Context, m *Mutation) (*Entry, error) {
	var entry *Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitTx applies a debit inside the caller's transaction. Used where the
// caller needs the ledger write and its own rows to commit atomically
// (usage records, webhook event completion).
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, m *Mutation) (*Entry, error) {
	entry, err := s.apply(ctx, tx, m, decimal.NewFromInt(-1))
	if err == nil {
		metrics.LedgerDebits.WithLabelValues(string(m.Type)).Inc()
	}
	return entry, err
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, m *Mutation) (*Entry, error) {
	entry, err := s.apply(ctx, tx, m, decimal.NewFromInt(1))
	if err == nil {
		metrics.LedgerCredits.WithLabelValues(string(m.Type)).Inc()
	}
	return entry, err
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, m *Mutation, sign decimal.Decimal) (*Entry, error) {
	if m == nil || m.UserID == "" {
		return nil, billingerr.Validation("userID required")
	}
	if !m.Amount.IsPositive() {
		return nil, billingerr.Validation("amount must be positive, got %s", m.Amount)
	}
	if m.Type == "" {
		return nil, billingerr.Validation("transaction type required")
	}

	balance, err := s.lockBalance(ctx, tx, m.UserID)
	if err != nil {
		return nil, err
	}

	amount := pricing.Round(m.Amount).Mul(sign)
	before := balance.Balance
	after := before.Add(amount)

	bt := &models.BalanceTransaction{
		ID:            tool.GenerateUUIDV7(),
		UserID:        m.UserID,
		Type:          m.Type,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   m.Description,
		ProviderRef:   providerRef(m.ProviderRef),
		Metadata:      datatypes.JSONMap(m.Metadata),
	}
	if err := tx.WithContext(ctx).Create(bt).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateProviderRef
		}
		return nil, fmt.Errorf("failed to insert balance transaction: %w", err)
	}

	res := tx.WithContext(ctx).Model(&models.UserBalance{}).
		Where("user_id = ?", m.UserID).
		Update("balance", after)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update balance: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, billingerr.Conflict("balance row for user %s vanished mid-transaction", m.UserID)
	}

	logctx.FromCtx(ctx, s.log).Infow("ledger_mutation",
		"user_id", m.UserID,
		"type", m.Type,
		"amount", amount.String(),
		"balance_after", after.String(),
	)
	return &Entry{TransactionID: bt.ID, BalanceAfter: after}, nil
}

// providerRef maps the empty string to NULL so unset refs never collide on
// the unique index.
func providerRef(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}

// lockBalance loads the user's balance row under FOR UPDATE (creating it at
// zero on first touch) so concurrent mutations for the same user serialize.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID string) (*models.UserBalance, error) {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var balance models.UserBalance
	err := q.Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = models.UserBalance{UserID: userID, Balance: decimal.Zero}
		if err := tx.WithContext(ctx).Create(&balance).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// lost the creation race; retry the locked read
				return nil, billingerr.Conflict("balance row creation raced for user %s", userID)
			}
			return nil, fmt.Errorf("failed to create balance row: %w", err)
		}
		return &balance, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &balance, nil
}

// Balance returns the user's current balance; users with no ledger history
// read as zero.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if userID == "" {
		return decimal.Zero, billingerr.Validation("userID required")
	}
	var balance models.UserBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}
	return balance.Balance, nil
}

// FindByProviderRef returns the transaction recorded for an external
// payment id, if any. Webhook handlers use it to short-circuit replays.
func (s *Service) FindByProviderRef(ctx context.Context, tx *gorm.DB, providerRef string) (*models.BalanceTransaction, error) {
	if tx == nil {
		tx = s.db
	}
	var bt models.BalanceTransaction
	err := tx.WithContext(ctx).Where("provider_ref = ?", providerRef).First(&bt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bt, nil
}
