package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetBalance returns the user's balance, zero for unknown users.
func (r *Repository) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance models.Balance
	err := r.db.WithContext(ctx).First(&balance, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance for %s: %w", userID, err)
	}
	return balance.Amount, nil
}

// AdjustBalance atomically applies amount += delta in a single statement.
// A negative delta that would take the balance below zero is rejected with
// ErrInsufficientBalance; the row is never created with a negative value.
func (r *Repository) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	return applyDelta(r.db.WithContext(ctx), userID, delta)
}

func applyDelta(db *gorm.DB, userID string, delta decimal.Decimal) error {
	if delta.IsNegative() {
		res := db.Model(&models.Balance{}).
			Where("user_id = ? AND amount >= ?", userID, delta.Neg()).
			Update("amount", gorm.Expr("amount - ?", delta.Neg()))
		if res.Error != nil {
			return fmt.Errorf("failed to deduct balance for %s: %w", userID, res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrInsufficientBalance
		}
		return nil
	}

	balance := models.Balance{UserID: userID, Amount: delta}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"amount":     gorm.Expr("balances.amount + excluded.amount"),
			"updated_at": gorm.Expr("NOW()"),
		}),
	}).Create(&balance).Error
	if err != nil {
		return fmt.Errorf("failed to credit balance for %s: %w", userID, err)
	}
	return nil
}

// RecordAdjustment appends an audit row for a balance movement that is not
// the funding event of an order (fulfillment deductions, refunds, surplus
// credits, admin credits).
func (r *Repository) RecordAdjustment(ctx context.Context, userID string, delta decimal.Decimal, reason string) error {
	adj := models.BalanceAdjustment{
		UserID: userID,
		Delta:  delta,
		Reason: reason,
	}
	if err := r.db.WithContext(ctx).Create(&adj).Error; err != nil {
		return fmt.Errorf("failed to record adjustment for %s: %w", userID, err)
	}
	return nil
}

// CreditOrder applies the order's matched payment to the user's balance
// exactly once. The adjustment row is keyed by order id with a unique
// index, so a duplicate credit fails on the index and never reaches the
// balance.
func (r *Repository) CreditOrder(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		adj := models.BalanceAdjustment{
			UserID:  order.UserID,
			OrderID: &order.ID,
			Delta:   order.Amount,
			Reason:  models.AdjustPaymentCredit,
		}
		if err := tx.Create(&adj).Error; err != nil {
			return err
		}
		return applyDelta(tx, order.UserID, order.Amount)
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrAlreadyCredited
	}
	if err != nil {
		return fmt.Errorf("failed to credit order %d: %w", order.ID, err)
	}
	return nil
}

// DebitOrder funds an order from the user's standing balance: deduct the
// order amount, record the funding adjustment and move the order from
// awaiting_payment to paid, all in one transaction. Fails with
// ErrInsufficientBalance when a concurrent purchase drained the balance
// after the caller's pre-check.
func (r *Repository) DebitOrder(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		adj := models.BalanceAdjustment{
			UserID:  order.UserID,
			OrderID: &order.ID,
			Delta:   order.Amount.Neg(),
			Reason:  models.AdjustPurchase,
		}
		if err := tx.Create(&adj).Error; err != nil {
			return err
		}
		if err := applyDelta(tx, order.UserID, order.Amount.Neg()); err != nil {
			return err
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderAwaitingPayment).
			Update("status", models.OrderPaid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrStaleTransition
		}
		return nil
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.ErrAlreadyCredited
	}
	if errors.Is(err, models.ErrInsufficientBalance) || errors.Is(err, models.ErrStaleTransition) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to debit order %d: %w", order.ID, err)
	}

	order.Status = models.OrderPaid
	return nil
}

// DebitFulfillment takes the fulfillment charge for a payment-funded order
// and claims the order for submission in one transaction. The
// paid->submitted compare-and-swap runs first, so a losing concurrent
// attempt exits with ErrStaleTransition before any money moves.
func (r *Repository) DebitFulfillment(ctx context.Context, order *models.Order) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderPaid).
			Update("status", models.OrderSubmitted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return models.ErrStaleTransition
		}

		adj := models.BalanceAdjustment{
			UserID: order.UserID,
			Delta:  order.Amount.Neg(),
			Reason: models.AdjustPurchase,
		}
		if err := tx.Create(&adj).Error; err != nil {
			return err
		}
		return applyDelta(tx, order.UserID, order.Amount.Neg())
	})

	if errors.Is(err, models.ErrStaleTransition) || errors.Is(err, models.ErrInsufficientBalance) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to debit fulfillment of order %d: %w", order.ID, err)
	}

	order.Status = models.OrderSubmitted
	return nil
}

// OrderFunding returns the order's funding event: the credit applied for a
// matched payment (positive delta) or the debit taken from the standing
// balance (negative delta). Nil when the funding never landed.
func (r *Repository) OrderFunding(ctx context.Context, orderID uint) (*models.BalanceAdjustment, error) {
	var adj models.BalanceAdjustment
	err := r.db.WithContext(ctx).First(&adj, "order_id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get funding of order %d: %w", orderID, err)
	}
	return &adj, nil
}
