package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentTransactionType string

const (
	PaymentTransactionTypeTopup      PaymentTransactionType = "topup"
	PaymentTransactionTypePlanCharge PaymentTransactionType = "plan_charge"
	PaymentTransactionTypeProration  PaymentTransactionType = "proration_charge"
)

type PaymentTransactionStatus string

const (
	PaymentTransactionStatusPending   PaymentTransactionStatus = "pending"
	PaymentTransactionStatusCompleted PaymentTransactionStatus = "completed"
	PaymentTransactionStatusFailed    PaymentTransactionStatus = "failed"
	PaymentTransactionStatusRefunded  PaymentTransactionStatus = "refunded"
)

// PaymentTransaction is the provider-facing invoice record: one row per
// charge we expect or have observed from the payment provider. Receipt
// numbers are assigned when the payment completes.
type PaymentTransaction struct {
	ID     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                   `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Type   PaymentTransactionType   `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Status PaymentTransactionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`

	// ProviderPaymentID is the provider's payment/order id once known.
	ProviderPaymentID *string `gorm:"column:provider_payment_id;type:varchar(128);uniqueIndex:unique_pt_provider_payment_id" json:"provider_payment_id,omitempty"`

	AmountUSD decimal.Decimal `gorm:"column:amount_usd;type:numeric(20,5);not null" json:"amount_usd"`
	TaxUSD    decimal.Decimal `gorm:"column:tax_usd;type:numeric(20,5);not null;default:0" json:"tax_usd"`
	TotalUSD  decimal.Decimal `gorm:"column:total_usd;type:numeric(20,5);not null" json:"total_usd"`

	ReceiptNumber *string    `gorm:"column:receipt_number;type:varchar(32);uniqueIndex:unique_pt_receipt_number" json:"receipt_number,omitempty"`
	PaidAt        *time.Time `gorm:"column:paid_at" json:"paid_at,omitempty"`

	Invoice   datatypes.JSONMap `gorm:"column:invoice;type:jsonb;default:'{}'" json:"invoice"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transaction"
}
