package webhookproc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forgecloud/billing/pkg/billingerr"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/shopspring/decimal"
)

// Event is the provider notification envelope. The provider does not
// guarantee an id on every event, so EventID() falls back to a stable
// composite of the payload fields.
type Event struct {
	ID        string                 `json:"id"`
	Type      types.WebhookEventType `json:"type"`
	CreatedAt int64                  `json:"created_at"`
	Data      EventData              `json:"data"`
}

type EventData struct {
	UserID    string          `json:"user_id"`
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	RefundID  string          `json:"refund_id"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	PlanID    string          `json:"plan_id"`
	// Purpose distinguishes what a captured payment paid for: "topup",
	// "plan_charge" or "proration_charge". Empty means topup.
	Purpose string `json:"purpose"`

	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

func parseEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, billingerr.Validation("malformed webhook payload: %v", err)
	}
	if ev.Type == "" {
		return nil, billingerr.Validation("webhook payload missing type")
	}
	return &ev, nil
}

// EventID returns the provider event id, or a deterministic composite that
// makes re-deliveries of the same event collide on the dedup index.
func (e *Event) EventID() string {
	if e.ID != "" {
		return e.ID
	}
	ref := e.Data.PaymentID
	if ref == "" {
		ref = e.Data.OrderID
	}
	if ref == "" {
		ref = e.Data.RefundID
	}
	return fmt.Sprintf("%s:%s:%d", e.Type, ref, e.CreatedAt)
}

// verifySignature checks the hex HMAC-SHA256 of the raw body in constant
// time. A "sha256=" prefix on the header value is tolerated.
func verifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return billingerr.Signature("webhook secret not configured")
	}
	signature = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if signature == "" {
		return billingerr.Signature("missing webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return billingerr.Signature("webhook signature mismatch")
	}
	return nil
}
