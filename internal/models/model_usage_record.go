package models

import (
	"time"

	"github.com/forgecloud/billing/pkg/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageRecord converts one consumption event into a priced line item and
// links it to the ledger debit it produced. Created once; never updated.
type UsageRecord struct {
	ID            string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID        string              `gorm:"column:user_id;type:varchar(64);not null;index:idx_ur_user_created,priority:1" json:"user_id"`
	ResourceClass types.ResourceClass `gorm:"column:resource_class;type:varchar(32);not null;index" json:"resource_class"`
	ResourceID    string              `gorm:"column:resource_id;type:varchar(128);not null" json:"resource_id"`

	// Quantity in the unit named by Unit: minutes, gb_month, deploys, tokens.
	Quantity decimal.Decimal `gorm:"column:quantity;type:numeric(20,5);not null" json:"quantity"`
	Unit     string          `gorm:"column:unit;type:varchar(32);not null" json:"unit"`

	ProviderCostUSD decimal.Decimal `gorm:"column:provider_cost_usd;type:numeric(20,5);not null" json:"provider_cost_usd"`

	BalanceTransactionID string `gorm:"column:balance_transaction_id;type:uuid;not null" json:"balance_transaction_id"`

	Metadata  datatypes.JSONMap `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt time.Time         `gorm:"index:idx_ur_user_created,priority:2,sort:desc" json:"created_at"`
}

func (UsageRecord) TableName() string {
	return "usage_record"
}
