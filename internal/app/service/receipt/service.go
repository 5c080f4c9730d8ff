package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/app/service/notify"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/pricing"
	"github.com/forgecloud/billing/pkg/tool"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service completes payment transactions and issues numbered receipts.
// Numbers are RCP-<year>-<sequence>, unique per row via the receipt_number
// index.
type Service struct {
	db       *gorm.DB
	log      *zap.SugaredLogger
	notifier notify.Notifier
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, notifier notify.Notifier) *Service {
	return &Service{db: db, log: log, notifier: notifier}
}

// CompleteRequest identifies the payment to complete. ProviderPaymentID is
// matched first; when no pending row carries it, the oldest pending row of
// the same type for the user is claimed, and as a last resort a completed
// row is created from the request amounts.
type CompleteRequest struct {
	UserID            string
	ProviderPaymentID string
	Type              models.PaymentTransactionType
	AmountUSD         decimal.Decimal
	Invoice           datatypes.JSONMap
}

func (s *Service) Complete(ctx context.Context, req *CompleteRequest) (*models.PaymentTransaction, error) {
	if req == nil || req.UserID == "" || req.ProviderPaymentID == "" {
		return nil, billingerr.Validation("userID and providerPaymentID required")
	}

	var pt *models.PaymentTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pt, err = s.claim(ctx, tx, req)
		if err != nil {
			return err
		}
		if pt.Status == models.PaymentTransactionStatusCompleted {
			// replayed completion, keep the original receipt
			return nil
		}
		now := time.Now().UTC()
		number, err := s.nextReceiptNumber(ctx, tx, now.Year())
		if err != nil {
			return err
		}
		pt.Status = models.PaymentTransactionStatusCompleted
		pt.ProviderPaymentID = &req.ProviderPaymentID
		pt.ReceiptNumber = &number
		pt.PaidAt = &now
		if err := tx.WithContext(ctx).Save(pt).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return billingerr.Conflict("receipt number collision for %s", number)
			}
			return fmt.Errorf("failed to complete payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pt.ReceiptNumber != nil {
		s.notifier.ReceiptReady(ctx, pt.UserID, *pt.ReceiptNumber)
	}
	return pt, nil
}

func (s *Service) claim(ctx context.Context, tx *gorm.DB, req *CompleteRequest) (*models.PaymentTransaction, error) {
	var pt models.PaymentTransaction

	err := tx.WithContext(ctx).
		Where("provider_payment_id = ?", req.ProviderPaymentID).
		First(&pt).Error
	if err == nil {
		return &pt, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to find payment by provider id: %w", err)
	}

	err = tx.WithContext(ctx).
		Where("user_id = ? AND type = ? AND status = ?",
			req.UserID, req.Type, models.PaymentTransactionStatusPending).
		Order("created_at asc").
		First(&pt).Error
	if err == nil {
		return &pt, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to find pending payment: %w", err)
	}

	tax := pricing.Round(req.AmountUSD.Mul(pricing.TaxRate))
	invoice := req.Invoice
	if invoice == nil {
		invoice = datatypes.JSONMap{}
	}
	pt = models.PaymentTransaction{
		ID:        tool.GenerateUUIDV7(),
		UserID:    req.UserID,
		Type:      req.Type,
		Status:    models.PaymentTransactionStatusPending,
		AmountUSD: req.AmountUSD,
		TaxUSD:    tax,
		TotalUSD:  req.AmountUSD.Add(tax),
		Invoice:   invoice,
	}
	if err := tx.WithContext(ctx).Create(&pt).Error; err != nil {
		return nil, fmt.Errorf("failed to create payment record: %w", err)
	}
	return &pt, nil
}

func (s *Service) nextReceiptNumber(ctx context.Context, tx *gorm.DB, year int) (string, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("receipt_number LIKE ?", fmt.Sprintf("RCP-%d-%%", year)).
		Count(&count).Error
	if err != nil {
		return "", fmt.Errorf("failed to count receipts: %w", err)
	}
	return fmt.Sprintf("RCP-%d-%06d", year, count+1), nil
}

// MarkFailed flags the user's pending payment of the given type as failed.
// Missing rows are fine: not every provider failure maps to a local row.
func (s *Service) MarkFailed(ctx context.Context, userID, providerPaymentID string) error {
	res := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("user_id = ? AND status = ? AND (provider_payment_id = ? OR provider_payment_id IS NULL)",
			userID, models.PaymentTransactionStatusPending, providerPaymentID).
		Update("status", models.PaymentTransactionStatusFailed)
	if res.Error != nil {
		return fmt.Errorf("failed to mark payment failed: %w", res.Error)
	}
	return nil
}

// MarkRefunded flags the completed payment matching the provider id as
// refunded. The receipt number stays on the row.
func (s *Service) MarkRefunded(ctx context.Context, providerPaymentID string) error {
	res := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("provider_payment_id = ? AND status = ?",
			providerPaymentID, models.PaymentTransactionStatusCompleted).
		Update("status", models.PaymentTransactionStatusRefunded)
	if res.Error != nil {
		return fmt.Errorf("failed to mark payment refunded: %w", res.Error)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, userID, paymentID string) (*models.PaymentTransaction, error) {
	var pt models.PaymentTransaction
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", paymentID, userID).
		First(&pt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingerr.NotFound("payment %s not found", paymentID)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &pt, nil
}

func (s *Service) List(ctx context.Context, userID string, from, size int) ([]*models.PaymentTransaction, error) {
	if size <= 0 || size > 1000 {
		size = 100
	}
	var items []*models.PaymentTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(from).Limit(size).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return items, nil
}

// PDF renders the receipt document for a completed payment.
func (s *Service) PDF(ctx context.Context, userID, paymentID string) ([]byte, error) {
	pt, err := s.Get(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if pt.ReceiptNumber == nil {
		return nil, billingerr.Validation("payment %s has no receipt yet", paymentID)
	}
	return renderPDF(pt)
}
