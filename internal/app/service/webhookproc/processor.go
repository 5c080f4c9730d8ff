package webhookproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/app/service/graceperiod"
	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/receipt"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/config"
	"github.com/forgecloud/billing/pkg/logctx"
	"github.com/forgecloud/billing/pkg/metrics"
	"github.com/forgecloud/billing/pkg/tool"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxAttempts bounds the failed-event retry sweep. Events that keep failing
// stay in the log for manual review.
const maxAttempts = 5

type handlerFunc func(ctx context.Context, ev *Event) error

// Service ingests provider webhook notifications exactly once. Dedup rides
// on the unique event id in webhook_event_log; ledger idempotency is backed
// independently by the unique provider_ref on balance transactions, so a
// replay that slips past the event log still cannot double-credit.
type Service struct {
	cfg      *config.Config
	db       *gorm.DB
	log      *zap.SugaredLogger
	ledger   *ledger.Service
	subs     *subscription.Service
	grace    *graceperiod.Service
	receipts *receipt.Service

	handlers map[types.WebhookEventType]handlerFunc
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, led *ledger.Service, subs *subscription.Service, grace *graceperiod.Service, receipts *receipt.Service) *Service {
	s := &Service{
		cfg:      cfg,
		db:       db,
		log:      log,
		ledger:   led,
		subs:     subs,
		grace:    grace,
		receipts: receipts,
	}
	s.handlers = map[types.WebhookEventType]handlerFunc{
		types.WebhookEventPaymentCaptured:       s.handlePaymentCaptured,
		types.WebhookEventPaymentFailed:         s.handlePaymentFailed,
		types.WebhookEventSubscriptionRenewed:   s.handleSubscriptionRenewed,
		types.WebhookEventSubscriptionCancelled: s.handleSubscriptionCancelled,
		types.WebhookEventRefundIssued:          s.handleRefundIssued,
	}
	return s
}

// Result reports what happened to one delivery.
type Result struct {
	EventID   string                    `json:"event_id"`
	EventType types.WebhookEventType    `json:"event_type"`
	Status    models.WebhookEventStatus `json:"status"`
	// Duplicate is true when the event was already completed or is being
	// processed by a concurrent delivery.
	Duplicate bool    `json:"duplicate"`
	Error     *string `json:"error,omitempty"`
}

// Process verifies, dedups and dispatches one raw delivery. Signature and
// parse failures return an error for the transport layer to reject; handler
// failures are recorded on the event log and reported in the Result so the
// provider still gets its ack.
func (s *Service) Process(ctx context.Context, rawBody []byte, signature, traceID string) (*Result, error) {
	if err := verifySignature(s.cfg.Webhook.Secret, rawBody, signature); err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return nil, err
	}
	ev, err := parseEvent(rawBody)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		return nil, err
	}

	row, duplicate, err := s.claimEvent(ctx, ev, rawBody, traceID)
	if err != nil {
		return nil, err
	}
	if duplicate {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "duplicate").Inc()
		return &Result{
			EventID:   row.EventID,
			EventType: row.EventType,
			Status:    row.Status,
			Duplicate: true,
		}, nil
	}

	return s.dispatch(ctx, row, ev), nil
}

// claimEvent inserts the pending log row, or adopts an existing one. The
// second return is true when the event needs no further work.
func (s *Service) claimEvent(ctx context.Context, ev *Event, rawBody []byte, traceID string) (*models.WebhookEventLog, bool, error) {
	row := &models.WebhookEventLog{
		ID:        tool.GenerateUUIDV7(),
		EventID:   ev.EventID(),
		EventType: ev.Type,
		TraceID:   traceID,
		Status:    models.WebhookEventStatusPending,
		Payload:   datatypes.JSON(rawBody),
	}
	if ev.Data.UserID != "" {
		row.UserID = lo.ToPtr(ev.Data.UserID)
	}

	err := s.db.WithContext(ctx).Create(row).Error
	if err == nil {
		return row, false, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	var existing models.WebhookEventLog
	if err := s.db.WithContext(ctx).Where("event_id = ?", row.EventID).First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load webhook event: %w", err)
	}
	switch existing.Status {
	case models.WebhookEventStatusCompleted, models.WebhookEventStatusProcessing:
		return &existing, true, nil
	default:
		// a prior delivery got stuck in pending or failed, run it again
		return &existing, false, nil
	}
}

func (s *Service) dispatch(ctx context.Context, row *models.WebhookEventLog, ev *Event) *Result {
	log := logctx.FromCtx(ctx, s.log).With("event_id", row.EventID, "event_type", row.EventType)

	res := s.db.WithContext(ctx).Model(&models.WebhookEventLog{}).
		Where("id = ? AND status IN ?", row.ID, []models.WebhookEventStatus{
			models.WebhookEventStatusPending, models.WebhookEventStatusFailed,
		}).
		Updates(map[string]any{
			"status":   models.WebhookEventStatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil || res.RowsAffected == 0 {
		// a concurrent delivery claimed it between our insert and now
		return &Result{EventID: row.EventID, EventType: row.EventType, Status: row.Status, Duplicate: true}
	}

	handler, known := s.handlers[ev.Type]
	if !known {
		// unknown event types are acknowledged and parked as completed so
		// the provider stops re-delivering them
		log.Warnw("ignoring unhandled webhook event type")
		s.finish(ctx, row.ID, models.WebhookEventStatusCompleted, nil)
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "ignored").Inc()
		return &Result{EventID: row.EventID, EventType: row.EventType, Status: models.WebhookEventStatusCompleted}
	}

	if err := handler(ctx, ev); err != nil {
		log.Errorw("webhook handler failed", "error", err)
		s.finish(ctx, row.ID, models.WebhookEventStatusFailed, err)
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), "failed").Inc()
		return &Result{
			EventID:   row.EventID,
			EventType: row.EventType,
			Status:    models.WebhookEventStatusFailed,
			Error:     lo.ToPtr(err.Error()),
		}
	}

	s.finish(ctx, row.ID, models.WebhookEventStatusCompleted, nil)
	metrics.WebhookEvents.WithLabelValues(string(ev.Type), "completed").Inc()
	log.Infow("webhook event processed")
	return &Result{EventID: row.EventID, EventType: row.EventType, Status: models.WebhookEventStatusCompleted}
}

func (s *Service) finish(ctx context.Context, rowID string, status models.WebhookEventStatus, handlerErr error) {
	updates := map[string]any{
		"status":       status,
		"processed_at": time.Now().UTC(),
		"last_error":   nil,
	}
	if handlerErr != nil {
		updates["last_error"] = handlerErr.Error()
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookEventLog{}).
		Where("id = ?", rowID).Updates(updates).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("failed to finalize webhook event",
			"row_id", rowID, "error", err)
	}
}

// RetryFailed re-runs failed events that have attempts left. Meant for the
// scheduler; safe to run concurrently with live deliveries because dispatch
// re-checks the row status.
func (s *Service) RetryFailed(ctx context.Context) (*types.BatchResult, error) {
	var rows []*models.WebhookEventLog
	if err := s.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", models.WebhookEventStatusFailed, maxAttempts).
		Order("created_at asc").Limit(100).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list failed webhook events: %w", err)
	}

	result := &types.BatchResult{}
	for _, row := range rows {
		ev, err := parseEvent(row.Payload)
		if err != nil {
			result.AddError(lo.FromPtr(row.UserID), row.ID, err)
			continue
		}
		res := s.dispatch(ctx, row, ev)
		if res.Status != models.WebhookEventStatusCompleted {
			result.AddError(lo.FromPtr(row.UserID), row.ID, errors.New(lo.FromPtr(res.Error)))
			continue
		}
		result.Processed++
	}
	return result, nil
}
