package repository

import (
	"context"
	"fmt"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/shopspring/decimal"
)

var paidStatuses = []string{models.OrderPaid, models.OrderSubmitted, models.OrderAllocated}

// SalesReport aggregates paid orders for the admin report.
func (r *Repository) SalesReport(ctx context.Context) (*models.SalesReport, error) {
	report := &models.SalesReport{Revenue: decimal.Zero}

	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("status IN ?", paidStatuses).
		Count(&report.PaidOrders).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to count paid orders: %w", err)
	}

	var revenue decimal.NullDecimal
	err = r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("status IN ?", paidStatuses).
		Select("SUM(amount)").
		Scan(&revenue).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to sum revenue: %w", err)
	}
	if revenue.Valid {
		report.Revenue = revenue.Decimal
	}

	err = r.db.WithContext(ctx).
		Model(&models.Order{}).
		Distinct("user_id").
		Count(&report.ActiveUsers).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to count active users: %w", err)
	}

	return report, nil
}
