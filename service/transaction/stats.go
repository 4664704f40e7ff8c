package transaction

import (
	"context"
	"fmt"

	"github.com/brojonat/vitrine/service/db"
	"github.com/shopspring/decimal"
)

// Stats summarises a seller's sales.
type Stats struct {
	SellerID              string                         `json:"seller_id"`
	TotalTransactions     int64                          `json:"total_transactions"`
	CompletedTransactions int64                          `json:"completed_transactions"`
	TotalRevenue          decimal.Decimal                `json:"total_revenue"`
	AverageOrderValue     decimal.Decimal                `json:"average_order_value"`
	CompletionRate        float64                        `json:"completion_rate"`
	ByStatus              map[db.TransactionStatus]int64 `json:"by_status"`
}

// GetTransactionStats aggregates a seller's transactions. Revenue counts only
// completed transactions; the completion rate is completed over all.
func (s *Service) GetTransactionStats(ctx context.Context, sellerID string) (*Stats, error) {
	if sellerID == "" {
		return nil, newValidationError("seller_id is required")
	}

	totals, err := s.store.GetSellerStatusTotals(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seller totals: %w", err)
	}

	stats := &Stats{
		SellerID:          sellerID,
		TotalRevenue:      decimal.Zero,
		AverageOrderValue: decimal.Zero,
		ByStatus:          make(map[db.TransactionStatus]int64, len(db.AllStatuses)),
	}
	for _, status := range db.AllStatuses {
		stats.ByStatus[status] = 0
	}

	for _, t := range totals {
		stats.ByStatus[t.Status] = t.Count
		stats.TotalTransactions += t.Count
		if t.Status == db.StatusCompleted {
			stats.CompletedTransactions = t.Count
			stats.TotalRevenue = t.Amount
		}
	}

	if stats.CompletedTransactions > 0 {
		stats.AverageOrderValue = stats.TotalRevenue.Div(decimal.NewFromInt(stats.CompletedTransactions)).Round(2)
	}
	if stats.TotalTransactions > 0 {
		stats.CompletionRate = float64(stats.CompletedTransactions) / float64(stats.TotalTransactions)
	}
	return stats, nil
}
