package reports

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/billsync/billsync/pkg/entities"
	"github.com/billsync/billsync/pkg/observability"
)

// Service runs reporting queries against the mirror
type Service struct {
	db       *sql.DB
	logger   *observability.Logger
	cache    *redis.Client
	cacheTTL time.Duration
}

// New creates a reporting Service. The Redis client is optional; pass
// nil to compute every report from the database.
func New(db *sql.DB, logger *observability.Logger, cache *redis.Client, cacheTTL time.Duration) *Service {
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{db: db, logger: logger, cache: cache, cacheTTL: cacheTTL}
}

// MonthRange returns the half-open UTC interval covering a calendar month
func MonthRange(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// withCache serves a report from Redis when possible, computing and
// storing it otherwise. Cache failures fall back to computing.
func (s *Service) withCache(ctx context.Context, key string, dest interface{}, compute func() (interface{}, error)) error {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key).Result(); err == nil {
			if err := json.Unmarshal([]byte(data), dest); err == nil {
				return nil
			}
			s.cache.Del(ctx, key)
		}
	}

	result, err := compute()
	if err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, data, s.cacheTTL)
	}
	return json.Unmarshal(data, dest)
}

// StartedCount counts subscribers whose subscription started during the
// month. Trials that have not converted yet are not counted as starts.
func (s *Service) StartedCount(ctx context.Context, year int, month time.Month) (int64, error) {
	start, end := MonthRange(year, month)
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE start >= $1 AND start < $2 AND status <> 'trialing'
	`, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count started subscriptions: %w", err)
	}
	return count, nil
}

// CanceledCount counts subscribers who canceled during the month
func (s *Service) CanceledCount(ctx context.Context, year int, month time.Month) (int64, error) {
	start, end := MonthRange(year, month)
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE canceled_at >= $1 AND canceled_at < $2
	`, start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count canceled subscriptions: %w", err)
	}
	return count, nil
}

// ActiveCount counts subscribers whose subscription entitles them to
// service right now.
func (s *Service) ActiveCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subscriptions
		WHERE status IN ('trialing', 'active')
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active subscriptions: %w", err)
	}
	return count, nil
}

// Churn reports the cancellation rate for the current month: subscribers
// who canceled this month over currently active subscribers. No active
// subscribers yields zero.
func (s *Service) Churn(ctx context.Context) (decimal.Decimal, error) {
	now := time.Now().UTC()

	canceled, err := s.CanceledCount(ctx, now.Year(), now.Month())
	if err != nil {
		return decimal.Zero, err
	}
	active, err := s.ActiveCount(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if active == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromInt(canceled).Div(decimal.NewFromInt(active)), nil
}

// PlanSummary aggregates one plan's subscribers
type PlanSummary struct {
	Plan            string          `json:"plan"`
	SubscriberCount int64           `json:"subscriber_count"`
	AvgAmount       decimal.Decimal `json:"avg_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

func (s *Service) planSummaries(ctx context.Context, where string, args ...interface{}) ([]PlanSummary, error) {
	query := `
		SELECT plan, COUNT(*), COALESCE(AVG(amount), 0), COALESCE(SUM(amount), 0)
		FROM subscriptions
		` + where + `
		GROUP BY plan
		ORDER BY plan
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize plans: %w", err)
	}
	defer rows.Close()

	var summaries []PlanSummary
	for rows.Next() {
		var ps PlanSummary
		if err := rows.Scan(&ps.Plan, &ps.SubscriberCount, &ps.AvgAmount, &ps.TotalAmount); err != nil {
			return nil, fmt.Errorf("failed to scan plan summary: %w", err)
		}
		summaries = append(summaries, ps)
	}
	return summaries, rows.Err()
}

// StartedPlanSummary summarizes, per plan, the subscriptions started
// during the month.
func (s *Service) StartedPlanSummary(ctx context.Context, year int, month time.Month) ([]PlanSummary, error) {
	start, end := MonthRange(year, month)
	var summaries []PlanSummary
	key := fmt.Sprintf("report:plans:started:%d-%02d", year, month)
	err := s.withCache(ctx, key, &summaries, func() (interface{}, error) {
		return s.planSummaries(ctx,
			`WHERE start >= $1 AND start < $2 AND status <> 'trialing'`, start, end)
	})
	return summaries, err
}

// ActivePlanSummary summarizes currently active subscriptions per plan
func (s *Service) ActivePlanSummary(ctx context.Context) ([]PlanSummary, error) {
	var summaries []PlanSummary
	err := s.withCache(ctx, "report:plans:active", &summaries, func() (interface{}, error) {
		return s.planSummaries(ctx, `WHERE status IN ('trialing', 'active')`)
	})
	return summaries, err
}

// CanceledPlanSummary summarizes, per plan, the subscriptions canceled
// during the month.
func (s *Service) CanceledPlanSummary(ctx context.Context, year int, month time.Month) ([]PlanSummary, error) {
	start, end := MonthRange(year, month)
	var summaries []PlanSummary
	key := fmt.Sprintf("report:plans:canceled:%d-%02d", year, month)
	err := s.withCache(ctx, key, &summaries, func() (interface{}, error) {
		return s.planSummaries(ctx,
			`WHERE canceled_at >= $1 AND canceled_at < $2`, start, end)
	})
	return summaries, err
}

// TransfersDuring returns the transfers dated within the month
func (s *Service) TransfersDuring(ctx context.Context, year int, month time.Month) ([]*entities.Transfer, error) {
	start, end := MonthRange(year, month)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stripe_id, event_stripe_id, amount, currency, status, date, description,
		       net, charge_fees, adjustment_fees, refund_fees, validation_fees,
		       created_at, updated_at
		FROM transfers
		WHERE date >= $1 AND date < $2
		ORDER BY date
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*entities.Transfer
	for rows.Next() {
		t := &entities.Transfer{}
		err := rows.Scan(&t.ID, &t.StripeID, &t.EventStripeID, &t.Amount, &t.Currency, &t.Status,
			&t.Date, &t.Description, &t.Net, &t.ChargeFees, &t.AdjustmentFees, &t.RefundFees,
			&t.ValidationFees, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// TransferTotals sums settled transfers over a month
type TransferTotals struct {
	TotalAmount         decimal.Decimal `json:"total_amount"`
	TotalNet            decimal.Decimal `json:"total_net"`
	TotalChargeFees     decimal.Decimal `json:"total_charge_fees"`
	TotalAdjustmentFees decimal.Decimal `json:"total_adjustment_fees"`
	TotalRefundFees     decimal.Decimal `json:"total_refund_fees"`
	TotalValidationFees decimal.Decimal `json:"total_validation_fees"`
}

// TransferPaidTotals sums the paid transfers dated within the month
func (s *Service) TransferPaidTotals(ctx context.Context, year int, month time.Month) (*TransferTotals, error) {
	start, end := MonthRange(year, month)
	totals := &TransferTotals{}
	key := fmt.Sprintf("report:transfers:paid:%d-%02d", year, month)
	err := s.withCache(ctx, key, totals, func() (interface{}, error) {
		t := &TransferTotals{}
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(net), 0),
			       COALESCE(SUM(charge_fees), 0), COALESCE(SUM(adjustment_fees), 0),
			       COALESCE(SUM(refund_fees), 0), COALESCE(SUM(validation_fees), 0)
			FROM transfers
			WHERE status = 'paid' AND date >= $1 AND date < $2
		`, start, end).Scan(&t.TotalAmount, &t.TotalNet, &t.TotalChargeFees,
			&t.TotalAdjustmentFees, &t.TotalRefundFees, &t.TotalValidationFees)
		if err != nil {
			return nil, fmt.Errorf("failed to total transfers: %w", err)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}
