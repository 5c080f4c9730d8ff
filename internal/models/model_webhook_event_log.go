package models

import (
	"time"

	"github.com/forgecloud/billing/pkg/types"
	"gorm.io/datatypes"
)

type WebhookEventStatus string

const (
	WebhookEventStatusPending    WebhookEventStatus = "pending"
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusCompleted  WebhookEventStatus = "completed"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
)

// WebhookEventLog is the dedup/audit record for provider notifications.
// Rows are created on receipt, move forward only, and are never deleted;
// the unique EventID is what makes re-delivery a no-op.
type WebhookEventLog struct {
	ID        string                 `gorm:"column:id;type:uuid;primary_key" json:"id"`
	EventID   string                 `gorm:"column:event_id;type:varchar(191);not null;uniqueIndex:unique_webhook_event_id" json:"event_id"`
	EventType types.WebhookEventType `gorm:"column:event_type;type:varchar(64);not null;index" json:"event_type"`
	UserID    *string                `gorm:"column:user_id;type:varchar(64);index" json:"user_id,omitempty"`
	TraceID   string                 `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`

	Status  WebhookEventStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	Payload datatypes.JSON     `gorm:"column:payload;type:jsonb" json:"payload"`

	ProcessedAt *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	Attempts    int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError   *string    `gorm:"column:last_error;type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WebhookEventLog) TableName() string {
	return "webhook_event_log"
}
