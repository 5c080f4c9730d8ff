package webhookproc

import (
	"context"
	"errors"
	"time"

	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/receipt"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/logctx"
	types "github.com/forgecloud/billing/pkg/types"

	"gorm.io/datatypes"
)

// handlePaymentCaptured credits top-ups and completes pending charges. The
// ledger write keys on the provider payment id, so a replay of the same
// capture can never credit twice.
func (s *Service) handlePaymentCaptured(ctx context.Context, ev *Event) error {
	d := ev.Data
	if d.UserID == "" || d.PaymentID == "" {
		return billingerr.InsufficientContext("payment.captured requires user_id and payment_id")
	}
	if !d.AmountUSD.IsPositive() {
		return billingerr.Validation("payment.captured amount must be positive, got %s", d.AmountUSD)
	}

	paymentType := models.PaymentTransactionTypeTopup
	switch d.Purpose {
	case "", "topup":
		_, err := s.ledger.Credit(ctx, &ledger.Mutation{
			UserID:      d.UserID,
			Amount:      d.AmountUSD,
			Type:        types.TransactionTypeTopup,
			Description: "balance top-up",
			ProviderRef: d.PaymentID,
			Metadata:    datatypes.JSONMap{"event_id": ev.EventID()},
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateProviderRef) {
			return err
		}
	case "plan_charge":
		paymentType = models.PaymentTransactionTypePlanCharge
	case "proration_charge":
		paymentType = models.PaymentTransactionTypeProration
	default:
		return billingerr.Validation("unknown payment purpose %q", d.Purpose)
	}

	invoice := datatypes.JSONMap{"event_id": ev.EventID()}
	if d.PlanID != "" {
		invoice["plan_id"] = d.PlanID
	}
	if _, err := s.receipts.Complete(ctx, &receipt.CompleteRequest{
		UserID:            d.UserID,
		ProviderPaymentID: d.PaymentID,
		Type:              paymentType,
		AmountUSD:         d.AmountUSD,
		Invoice:           invoice,
	}); err != nil {
		return err
	}

	// a successful charge of any kind closes an open grace window
	if err := s.grace.Recover(ctx, d.UserID); err != nil {
		if billingerr.IsKind(err, billingerr.KindNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, ev *Event) error {
	d := ev.Data
	if d.UserID == "" {
		return billingerr.InsufficientContext("payment.failed requires user_id")
	}
	if err := s.receipts.MarkFailed(ctx, d.UserID, d.PaymentID); err != nil {
		return err
	}
	err := s.grace.Start(ctx, d.UserID)
	if err != nil && billingerr.IsKind(err, billingerr.KindConcurrencyConflict) {
		// subscription already cancelled or expired, nothing to protect
		logctx.FromCtx(ctx, s.log).Infow("payment failed for non-active subscription",
			"user_id", d.UserID, "error", err)
		return nil
	}
	return err
}

func (s *Service) handleSubscriptionRenewed(ctx context.Context, ev *Event) error {
	d := ev.Data
	if d.UserID == "" {
		return billingerr.InsufficientContext("subscription.renewed requires user_id")
	}
	start := time.Now().UTC()
	if d.PeriodStart != nil {
		start = d.PeriodStart.UTC()
	}
	end := start.AddDate(0, 1, 0)
	if d.PeriodEnd != nil {
		end = d.PeriodEnd.UTC()
	}
	_, err := s.subs.Renew(ctx, d.UserID, start, end)
	return err
}

func (s *Service) handleSubscriptionCancelled(ctx context.Context, ev *Event) error {
	d := ev.Data
	if d.UserID == "" {
		return billingerr.InsufficientContext("subscription.cancelled requires user_id")
	}
	return s.subs.MarkCancelAtPeriodEnd(ctx, d.UserID)
}

// handleRefundIssued debits the refunded amount back off the balance. The
// refund id is the idempotency key; the original payment keeps its row and
// is flagged refunded.
func (s *Service) handleRefundIssued(ctx context.Context, ev *Event) error {
	d := ev.Data
	if d.UserID == "" || d.RefundID == "" {
		return billingerr.InsufficientContext("refund.issued requires user_id and refund_id")
	}
	if !d.AmountUSD.IsPositive() {
		return billingerr.Validation("refund.issued amount must be positive, got %s", d.AmountUSD)
	}
	_, err := s.ledger.Debit(ctx, &ledger.Mutation{
		UserID:      d.UserID,
		Amount:      d.AmountUSD,
		Type:        types.TransactionTypeRefund,
		Description: "refund issued by provider",
		ProviderRef: d.RefundID,
		Metadata:    datatypes.JSONMap{"payment_id": d.PaymentID},
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateProviderRef) {
		return err
	}
	if d.PaymentID != "" {
		return s.receipts.MarkRefunded(ctx, d.PaymentID)
	}
	return nil
}
