package statistics

import (
	"context"
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/models"
	"github.com/forgecloud/billing/pkg/billingerr"
	types "github.com/forgecloud/billing/pkg/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service computes admin-facing aggregates from the balance ledger. All
// queries are read-only and derived; nothing here feeds back into billing.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// DailyPoint is one day of summed amounts for a transaction type.
type DailyPoint struct {
	Day       time.Time       `json:"day"`
	Type      string          `json:"type"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
	Count     int64           `json:"count"`
}

type Summary struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	// TopupUSD is gross credited top-up volume in the window.
	TopupUSD decimal.Decimal `json:"topup_usd"`
	// UsageUSD is gross debited usage in the window, as a positive number.
	UsageUSD    decimal.Decimal `json:"usage_usd"`
	RefundUSD   decimal.Decimal `json:"refund_usd"`
	ActiveUsers int64           `json:"active_users"`
	Daily       []*DailyPoint   `json:"daily"`
}

var usageTypes = []types.TransactionType{
	types.TransactionTypeAIUsage,
	types.TransactionTypeSandboxUsage,
	types.TransactionTypeStorageUsage,
	types.TransactionTypeDBUsage,
	types.TransactionTypeDeployment,
}

// Summarize aggregates ledger activity between from and to. The window is
// half-open: [from, to).
func (s *Service) Summarize(ctx context.Context, from, to time.Time) (*Summary, error) {
	if !to.After(from) {
		return nil, billingerr.Validation("empty window: from %s to %s", from, to)
	}

	sum := &Summary{From: from, To: to}

	type totalRow struct {
		Type  types.TransactionType
		Total decimal.Decimal
		Count int64
	}
	var totals []totalRow
	err := s.db.WithContext(ctx).Model(&models.BalanceTransaction{}).
		Select("type, SUM(ABS(amount)) AS total, COUNT(*) AS count").
		Where("created_at >= ? AND created_at < ?", from, to).
		Group("type").
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger totals: %w", err)
	}

	for _, row := range totals {
		switch row.Type {
		case types.TransactionTypeTopup:
			sum.TopupUSD = sum.TopupUSD.Add(row.Total)
		case types.TransactionTypeRefund:
			sum.RefundUSD = sum.RefundUSD.Add(row.Total)
		default:
			for _, ut := range usageTypes {
				if row.Type == ut {
					sum.UsageUSD = sum.UsageUSD.Add(row.Total)
					break
				}
			}
		}
	}

	err = s.db.WithContext(ctx).Model(&models.BalanceTransaction{}).
		Where("created_at >= ? AND created_at < ?", from, to).
		Distinct("user_id").
		Count(&sum.ActiveUsers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count active users: %w", err)
	}

	daily, err := s.dailyBreakdown(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sum.Daily = daily
	return sum, nil
}

func (s *Service) dailyBreakdown(ctx context.Context, from, to time.Time) ([]*DailyPoint, error) {
	dateExpr := "DATE(created_at)"
	if s.db.Dialector.Name() != "sqlite" {
		dateExpr = "date_trunc('day', created_at)"
	}

	// the day expression comes back as text on sqlite, so scan it as a
	// string and parse
	type dayRow struct {
		Day   string
		Type  string
		Total decimal.Decimal
		Count int64
	}
	var rows []dayRow
	err := s.db.WithContext(ctx).Model(&models.BalanceTransaction{}).
		Select(dateExpr+" AS day, type, SUM(ABS(amount)) AS total, COUNT(*) AS count").
		Where("created_at >= ? AND created_at < ?", from, to).
		Group(dateExpr + ", type").
		Order("day asc").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate daily ledger activity: %w", err)
	}

	points := make([]*DailyPoint, 0, len(rows))
	for _, r := range rows {
		day, err := parseDay(r.Day)
		if err != nil {
			return nil, err
		}
		points = append(points, &DailyPoint{
			Day:       day,
			Type:      r.Type,
			AmountUSD: r.Total,
			Count:     r.Count,
		})
	}
	return points, nil
}

func parseDay(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04:05-07:00", "2006-01-02T15:04:05Z"} {
		if d, err := time.Parse(layout, raw); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable day value %q", raw)
}

// SubscriptionCounts reports how many subscriptions sit in each status.
func (s *Service) SubscriptionCounts(ctx context.Context) (map[types.SubscriptionStatus]int64, error) {
	type statusRow struct {
		Status types.SubscriptionStatus
		Count  int64
	}
	var rows []statusRow
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	counts := make(map[types.SubscriptionStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
