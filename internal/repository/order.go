package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fi44er/esim_bot/internal/models"
	"gorm.io/gorm"
)

// CreateOrder persists a new order. The unique index on memo is the
// authoritative guard against memo collisions.
func (r *Repository) CreateOrder(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Create(order).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrDuplicateMemo
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return &order, nil
}

// GetOpenOrder returns the user's most recent order awaiting payment,
// nil when there is none.
func (r *Repository) GetOpenOrder(ctx context.Context, userID string) (*models.Order, error) {
	return r.getLatestOrder(ctx, userID, models.OrderAwaitingPayment)
}

// GetUnfulfilledOrder returns the user's most recent order that has been
// funded but not yet allocated: submitted orders waiting on the provider,
// and paid purchase orders whose submission never ran. Paid top-ups are
// terminal and excluded. Nil when there is none.
func (r *Repository) GetUnfulfilledOrder(ctx context.Context, userID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status = ? OR (status = ? AND package_code <> ?)",
			models.OrderSubmitted, models.OrderPaid, models.PackageTopUp).
		Order("id DESC").
		First(&order).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unfulfilled order for %s: %w", userID, err)
	}
	return &order, nil
}

func (r *Repository) getLatestOrder(ctx context.Context, userID, status string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, status).
		Order("id DESC").
		First(&order).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s order for %s: %w", status, userID, err)
	}
	return &order, nil
}

// TransitionOrder is a compare-and-swap on the order status: the update
// applies only when the stored status equals expected, otherwise
// ErrStaleTransition. This is what makes crediting and fulfillment
// idempotent under retries and duplicate triggers.
func (r *Repository) TransitionOrder(ctx context.Context, id uint, expected, next string, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": next}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition order %d to %s: %w", id, next, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrStaleTransition
	}
	return nil
}

// FindUncreditedPaidOrders returns orders whose funding event is missing
// from the adjustment history: the process marked them paid but crashed
// before the balance credit landed. Balance-funded orders never show up
// here because their debit and status change share one transaction.
func (r *Repository) FindUncreditedPaidOrders(ctx context.Context) ([]*models.Order, error) {
	var orders []*models.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.OrderPaid, models.OrderSubmitted, models.OrderAllocated}).
		Where("NOT EXISTS (SELECT 1 FROM balance_adjustments WHERE balance_adjustments.order_id = orders.id)").
		Order("id ASC").
		Find(&orders).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to find uncredited orders: %w", err)
	}
	return orders, nil
}
