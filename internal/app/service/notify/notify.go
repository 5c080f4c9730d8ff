package notify

import (
	"context"
	"time"

	"github.com/forgecloud/billing/pkg/logctx"

	"go.uber.org/zap"
)

// Notifier delivers user-facing billing notices. Delivery is best effort:
// callers never fail a billing operation because a notice could not be sent.
type Notifier interface {
	PaymentFailureReminder(ctx context.Context, userID string, daysRemaining int, graceEndsAt time.Time)
	GracePeriodExpired(ctx context.Context, userID, downgradedTo string)
	PaymentRecovered(ctx context.Context, userID string)
	ReceiptReady(ctx context.Context, userID, receiptNumber string)
}

// LogNotifier writes notices to the structured log. It stands in for the
// mail/push integration, which lives outside this service.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier(log *zap.SugaredLogger) Notifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) PaymentFailureReminder(ctx context.Context, userID string, daysRemaining int, graceEndsAt time.Time) {
	logctx.FromCtx(ctx, n.log).Infow("notify payment failure reminder",
		"user_id", userID, "days_remaining", daysRemaining, "grace_ends_at", graceEndsAt)
}

func (n *LogNotifier) GracePeriodExpired(ctx context.Context, userID, downgradedTo string) {
	logctx.FromCtx(ctx, n.log).Infow("notify grace period expired",
		"user_id", userID, "downgraded_to", downgradedTo)
}

func (n *LogNotifier) PaymentRecovered(ctx context.Context, userID string) {
	logctx.FromCtx(ctx, n.log).Infow("notify payment recovered", "user_id", userID)
}

func (n *LogNotifier) ReceiptReady(ctx context.Context, userID, receiptNumber string) {
	logctx.FromCtx(ctx, n.log).Infow("notify receipt ready",
		"user_id", userID, "receipt_number", receiptNumber)
}
