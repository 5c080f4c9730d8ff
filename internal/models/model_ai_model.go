package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AIModel is a registry entry pricing a model's tokens, per million tokens.
// Reads go through the metering model registry cache; price updates must
// invalidate that cache.
type AIModel struct {
	ID               string          `gorm:"column:id;type:varchar(128);primary_key" json:"id"`
	DisplayName      string          `gorm:"column:display_name;type:varchar(128);not null" json:"display_name"`
	InputPerMTokUSD  decimal.Decimal `gorm:"column:input_per_mtok_usd;type:numeric(20,5);not null" json:"input_per_mtok_usd"`
	OutputPerMTokUSD decimal.Decimal `gorm:"column:output_per_mtok_usd;type:numeric(20,5);not null" json:"output_per_mtok_usd"`
	Active           bool            `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (AIModel) TableName() string {
	return "ai_model"
}
