package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/app/service/ledger"
	"github.com/forgecloud/billing/internal/app/service/subscription"
	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	"github.com/forgecloud/billing/pkg/config"
	"github.com/forgecloud/billing/pkg/logctx"
	"github.com/forgecloud/billing/pkg/metrics"
	"github.com/forgecloud/billing/pkg/pricing"
	"github.com/forgecloud/billing/pkg/tool"
	"github.com/forgecloud/billing/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TrackResult is returned by every one-shot usage operation.
type TrackResult struct {
	UsageRecordID   string          `json:"id"`
	ProviderCostUSD decimal.Decimal `json:"provider_cost_usd"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
}

// SessionEndResult is returned when a sandbox session is finalized.
type SessionEndResult struct {
	SessionID       string          `json:"session_id"`
	Minutes         int64           `json:"minutes"`
	ProviderCostUSD decimal.Decimal `json:"provider_cost_usd"`
	BalanceAfter    decimal.Decimal `json:"balance_after"`
	TransactionID   string          `json:"transaction_id"`
}

type StorageUsageRequest struct {
	UserID     string          `json:"user_id"`
	ResourceID string          `json:"resource_id"`
	SizeGB     decimal.Decimal `json:"size_gb"`
	Operations int64           `json:"operations"`
	Metadata   map[string]any  `json:"metadata"`
}

type AIUsageRequest struct {
	UserID       string         `json:"user_id"`
	ModelID      string         `json:"model_id"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	Metadata     map[string]any `json:"metadata"`
}

type DeploymentRequest struct {
	UserID       string         `json:"user_id"`
	DeploymentID string         `json:"deployment_id"`
	Metadata     map[string]any `json:"metadata"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	ledgerSvc *ledger.Service
	subs      *subscription.Service
	registry  *ModelRegistry

	minStartBalance decimal.Decimal
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, cfg *config.Config, ledgerSvc *ledger.Service, subs *subscription.Service, registry *ModelRegistry) (*Service, error) {
	minStart, err := decimal.NewFromString(cfg.Billing.MinSandboxStartBalance)
	if err != nil {
		return nil, fmt.Errorf("invalid billing.min_sandbox_start_balance: %w", err)
	}
	return &Service{
		db:              db,
		log:             log,
		ledgerSvc:       ledgerSvc,
		subs:            subs,
		registry:        registry,
		minStartBalance: minStart,
	}, nil
}

// consumePlanCredits draws the usage charge down from the subscription's
// monthly allowance in the same transaction as the debit. Balance-only
// users have no subscription row; that is not an error.
func (s *Service) consumePlanCredits(ctx context.Context, tx *gorm.DB, userID string, cost decimal.Decimal) error {
	err := s.subs.ConsumeCredits(ctx, tx, userID, pricing.CreditsForUSD(cost))
	if err != nil && !billingerr.IsKind(err, billingerr.KindNotFound) {
		return err
	}
	return nil
}

// StartSandboxSession opens a session record with zero cost. The balance
// floor check happens here, before any billable resource starts; the ledger
// itself never blocks on insufficient funds.
func (s *Service) StartSandboxSession(ctx context.Context, userID, resourceID string) (*models.SandboxSession, error) {
	if userID == "" || resourceID == "" {
		return nil, billingerr.Validation("userID and resourceID required")
	}

	balance, err := s.ledgerSvc.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(s.minStartBalance) {
		return nil, billingerr.Validation("balance %s below minimum %s to start a sandbox", balance, s.minStartBalance)
	}

	session := &models.SandboxSession{
		ID:         tool.GenerateUUIDV7(),
		UserID:     userID,
		ResourceID: resourceID,
		Status:     models.SandboxSessionStatusRunning,
		StartedAt:  time.Now().UTC(),
		CostUSD:    decimal.Zero,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("failed to create sandbox session: %w", err)
	}

	logctx.FromCtx(ctx, s.log).Infow("sandbox_session_started",
		"session_id", session.ID, "user_id", userID, "resource_id", resourceID)
	return session, nil
}

// EndSandboxSession finalizes a running session: elapsed time is ceiled to
// whole minutes, priced, and debited. The session row, the usage record and
// the ledger mutation commit together.
func (s *Service) EndSandboxSession(ctx context.Context, sessionID string, endAt *time.Time) (*SessionEndResult, error) {
	if sessionID == "" {
		return nil, billingerr.Validation("sessionID required")
	}

	var session models.SandboxSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, billingerr.NotFound("sandbox session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status != models.SandboxSessionStatusRunning {
		return nil, billingerr.InsufficientContext("session %s already %s", sessionID, session.Status)
	}

	end := time.Now().UTC()
	if endAt != nil {
		end = endAt.UTC()
	}
	return s.finalizeSession(ctx, &session, end, models.SandboxSessionStatusEnded)
}

func (s *Service) finalizeSession(ctx context.Context, session *models.SandboxSession, end time.Time, status models.SandboxSessionStatus) (*SessionEndResult, error) {
	if end.Before(session.StartedAt) {
		return nil, billingerr.Validation("end time %s before session start %s", end, session.StartedAt)
	}

	minutes := ceilMinutes(end.Sub(session.StartedAt))
	if minutes == 0 {
		// sessions bill a minimum of one minute
		minutes = 1
	}
	cost := pricing.Round(decimal.NewFromInt(minutes).Mul(pricing.SandboxPerMinuteUSD))

	var result *SessionEndResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.ledgerSvc.DebitTx(ctx, tx, &ledger.Mutation{
			UserID:      session.UserID,
			Amount:      cost,
			Type:        types.TransactionTypeSandboxUsage,
			Description: fmt.Sprintf("Sandbox %s: %d min", session.ResourceID, minutes),
			Metadata:    map[string]any{"session_id": session.ID, "minutes": minutes},
		})
		if err != nil {
			return err
		}

		record := &models.UsageRecord{
			ID:                   tool.GenerateUUIDV7(),
			UserID:               session.UserID,
			ResourceClass:        types.ResourceClassSandbox,
			ResourceID:           session.ResourceID,
			Quantity:             decimal.NewFromInt(minutes),
			Unit:                 "minutes",
			ProviderCostUSD:      cost,
			BalanceTransactionID: entry.TransactionID,
			Metadata:             datatypes.JSONMap{"session_id": session.ID},
		}
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("failed to create usage record: %w", err)
		}
		if err := s.consumePlanCredits(ctx, tx, session.UserID, cost); err != nil {
			return err
		}

		// status guard makes a concurrent double-end lose cleanly
		res := tx.WithContext(ctx).Model(&models.SandboxSession{}).
			Where("id = ? AND status = ?", session.ID, models.SandboxSessionStatusRunning).
			Updates(map[string]any{
				"status":                 status,
				"ended_at":               end,
				"duration_minutes":       minutes,
				"cost_usd":               cost,
				"balance_transaction_id": entry.TransactionID,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to finalize session: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return billingerr.Conflict("session %s finalized concurrently", session.ID)
		}

		result = &SessionEndResult{
			SessionID:       session.ID,
			Minutes:         minutes,
			ProviderCostUSD: cost,
			BalanceAfter:    entry.BalanceAfter,
			TransactionID:   entry.TransactionID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infow("sandbox_session_ended",
		"session_id", session.ID, "minutes", result.Minutes, "cost_usd", result.ProviderCostUSD.String(), "status", status)
	return result, nil
}

// ReapStaleSessions force-closes running sessions older than maxAge. The
// session owner is still billed for elapsed time; leaks are a caller bug,
// not free compute.
func (s *Service) ReapStaleSessions(ctx context.Context, maxAge time.Duration) *types.BatchResult {
	result := &types.BatchResult{}
	cutoff := time.Now().UTC().Add(-maxAge)

	var stale []*models.SandboxSession
	if err := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.SandboxSessionStatusRunning, cutoff).
		Find(&stale).Error; err != nil {
		result.AddError("", "", fmt.Errorf("failed to list stale sessions: %w", err))
		return result
	}

	now := time.Now().UTC()
	for _, session := range stale {
		if _, err := s.finalizeSession(ctx, session, now, models.SandboxSessionStatusReaped); err != nil {
			result.AddError(session.UserID, session.ID, err)
			continue
		}
		result.Processed++
	}
	if result.Processed > 0 {
		metrics.SandboxSessionsReaped.Add(float64(result.Processed))
	}
	if result.Processed > 0 || len(result.Errors) > 0 {
		s.log.Infow("stale_sessions_reaped", "processed", result.Processed, "errors", len(result.Errors))
	}
	return result
}

// TrackStorageUsage prices a storage snapshot: GB-month rate plus an
// operations surcharge per StorageOpsUnit operations.
func (s *Service) TrackStorageUsage(ctx context.Context, req *StorageUsageRequest) (*TrackResult, error) {
	if req == nil || req.UserID == "" || req.ResourceID == "" {
		return nil, billingerr.Validation("userID and resourceID required")
	}
	if req.SizeGB.IsNegative() || req.Operations < 0 {
		return nil, billingerr.Validation("negative storage quantities")
	}
	if req.SizeGB.IsZero() && req.Operations == 0 {
		return nil, billingerr.Validation("nothing to bill: zero size and zero operations")
	}

	cost := req.SizeGB.Mul(pricing.StoragePerGBMonthUSD)
	if req.Operations > 0 {
		opsCost := decimal.NewFromInt(req.Operations).Div(pricing.StorageOpsUnit).Mul(pricing.StoragePerOpsUnitUSD)
		cost = cost.Add(opsCost)
	}
	cost = pricing.RoundCharge(cost)

	meta := mergeMeta(req.Metadata, map[string]any{"size_gb": req.SizeGB.String(), "operations": req.Operations})
	return s.track(ctx, req.UserID, types.TransactionTypeStorageUsage, types.ResourceClassStorage,
		req.ResourceID, req.SizeGB, "gb_month", cost,
		fmt.Sprintf("Storage %s: %s GB", req.ResourceID, req.SizeGB), meta)
}

// TrackDeployment charges the flat per-deploy fee.
func (s *Service) TrackDeployment(ctx context.Context, req *DeploymentRequest) (*TrackResult, error) {
	if req == nil || req.UserID == "" || req.DeploymentID == "" {
		return nil, billingerr.Validation("userID and deploymentID required")
	}

	cost := pricing.Round(pricing.DeploymentFlatUSD)
	return s.track(ctx, req.UserID, types.TransactionTypeDeployment, types.ResourceClassDeployment,
		req.DeploymentID, decimal.NewFromInt(1), "deploys", cost,
		fmt.Sprintf("Deployment %s", req.DeploymentID), mergeMeta(req.Metadata, nil))
}

// TrackAIUsage prices input/output token counts per model. Unknown models
// fall back to the default token rates.
func (s *Service) TrackAIUsage(ctx context.Context, req *AIUsageRequest) (*TrackResult, error) {
	if req == nil || req.UserID == "" || req.ModelID == "" {
		return nil, billingerr.Validation("userID and modelID required")
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 {
		return nil, billingerr.Validation("negative token counts")
	}
	if req.InputTokens == 0 && req.OutputTokens == 0 {
		return nil, billingerr.Validation("nothing to bill: zero token counts")
	}

	inRate := pricing.AIDefaultInputPerMTokUSD
	outRate := pricing.AIDefaultOutputPerMTokUSD
	if m, err := s.registry.Get(ctx, req.ModelID); err != nil {
		return nil, err
	} else if m != nil {
		inRate = m.InputPerMTokUSD
		outRate = m.OutputPerMTokUSD
	}

	cost := decimal.NewFromInt(req.InputTokens).Div(pricing.MillionTokens).Mul(inRate).
		Add(decimal.NewFromInt(req.OutputTokens).Div(pricing.MillionTokens).Mul(outRate))
	cost = pricing.RoundCharge(cost)

	totalTokens := decimal.NewFromInt(req.InputTokens + req.OutputTokens)
	meta := mergeMeta(req.Metadata, map[string]any{
		"model_id":      req.ModelID,
		"input_tokens":  req.InputTokens,
		"output_tokens": req.OutputTokens,
	})
	return s.track(ctx, req.UserID, types.TransactionTypeAIUsage, types.ResourceClassAI,
		req.ModelID, totalTokens, "tokens", cost,
		fmt.Sprintf("AI %s: %d in / %d out", req.ModelID, req.InputTokens, req.OutputTokens), meta)
}

// track performs the shared debit-plus-usage-record write for one-shot
// resources. Both rows commit or neither does.
func (s *Service) track(ctx context.Context, userID string, txType types.TransactionType,
	class types.ResourceClass, resourceID string, quantity decimal.Decimal, unit string,
	cost decimal.Decimal, description string, meta map[string]any) (*TrackResult, error) {

	var result *TrackResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.ledgerSvc.DebitTx(ctx, tx, &ledger.Mutation{
			UserID:      userID,
			Amount:      cost,
			Type:        txType,
			Description: description,
			Metadata:    meta,
		})
		if err != nil {
			return err
		}

		record := &models.UsageRecord{
			ID:                   tool.GenerateUUIDV7(),
			UserID:               userID,
			ResourceClass:        class,
			ResourceID:           resourceID,
			Quantity:             quantity,
			Unit:                 unit,
			ProviderCostUSD:      cost,
			BalanceTransactionID: entry.TransactionID,
			Metadata:             datatypes.JSONMap(meta),
		}
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("failed to create usage record: %w", err)
		}
		if err := s.consumePlanCredits(ctx, tx, userID, cost); err != nil {
			return err
		}

		result = &TrackResult{
			UsageRecordID:   record.ID,
			ProviderCostUSD: cost,
			BalanceAfter:    entry.BalanceAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ceilMinutes rounds a duration up to whole minutes. A zero result is
// possible here; finalizeSession raises it to the one-minute minimum before
// pricing.
func ceilMinutes(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms <= 0 {
		return 0
	}
	return (ms + 59_999) / 60_000
}

func mergeMeta(user, extra map[string]any) map[string]any {
	out := make(map[string]any, len(user)+len(extra))
	for k, v := range user {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
