package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance is a user's spendable balance. Never written directly:
// every mutation goes through the ledger service, which updates the row
// and inserts the justifying BalanceTransaction in one database
// transaction.
type UserBalance struct {
	UserID    string          `gorm:"column:user_id;type:varchar(64);primary_key" json:"user_id"`
	Balance   decimal.Decimal `gorm:"column:balance;type:numeric(20,5);not null;default:0" json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (UserBalance) TableName() string {
	return "user_balance"
}
