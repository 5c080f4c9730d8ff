package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SandboxSessionStatus string

const (
	SandboxSessionStatusRunning SandboxSessionStatus = "running"
	SandboxSessionStatusEnded   SandboxSessionStatus = "ended"
	// Reaped sessions were force-closed by the stale-session sweep after the
	// caller never sent an end event.
	SandboxSessionStatusReaped SandboxSessionStatus = "reaped"
)

// SandboxSession is the open/finalize record for session-based metering.
// A row is created with zero cost on start and finalized exactly once.
type SandboxSession struct {
	ID         string               `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID     string               `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	ResourceID string               `gorm:"column:resource_id;type:varchar(128);not null" json:"resource_id"`
	Status     SandboxSessionStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	StartedAt  time.Time            `gorm:"column:started_at;not null;index" json:"started_at"`
	EndedAt    *time.Time           `gorm:"column:ended_at" json:"ended_at,omitempty"`

	DurationMinutes int64           `gorm:"column:duration_minutes;not null;default:0" json:"duration_minutes"`
	CostUSD         decimal.Decimal `gorm:"column:cost_usd;type:numeric(20,5);not null;default:0" json:"cost_usd"`

	// Set when the session is finalized and the debit lands.
	BalanceTransactionID *string `gorm:"column:balance_transaction_id;type:uuid" json:"balance_transaction_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SandboxSession) TableName() string {
	return "sandbox_session"
}
