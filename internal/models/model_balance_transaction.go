package models

import (
	"time"

	"github.com/forgecloud/billing/pkg/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BalanceTransaction is the append-only ledger record. Rows are immutable;
// BalanceAfter = BalanceBefore + Amount holds for every row, and the running
// sum of Amount per user equals the user's current balance.
type BalanceTransaction struct {
	ID            string                `gorm:"column:id;type:uuid;primary_key;index:idx_bt_user_id_id,priority:2,sort:desc" json:"id"`
	UserID        string                `gorm:"column:user_id;type:varchar(64);not null;index:idx_bt_user_id_id,priority:1" json:"user_id"`
	Type          types.TransactionType `gorm:"column:type;type:varchar(32);not null;index" json:"type"`
	Amount        decimal.Decimal       `gorm:"column:amount;type:numeric(20,5);not null" json:"amount"`
	BalanceBefore decimal.Decimal       `gorm:"column:balance_before;type:numeric(20,5);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal       `gorm:"column:balance_after;type:numeric(20,5);not null" json:"balance_after"`
	Description   string                `gorm:"column:description;type:varchar(255)" json:"description"`
	// ProviderRef is the payment provider's payment/order id for externally
	// driven credits. The unique index is what makes webhook replays unable
	// to double-credit.
	ProviderRef *string           `gorm:"column:provider_ref;type:varchar(128);uniqueIndex:unique_bt_provider_ref" json:"provider_ref,omitempty"`
	Metadata    datatypes.JSONMap `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (BalanceTransaction) TableName() string {
	return "balance_transaction"
}
