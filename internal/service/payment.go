package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/shopspring/decimal"
)

// ReconcileResult reports what a reconciliation pass did with an order.
type ReconcileResult struct {
	Order *models.Order
	// Credited is the matched amount applied to the balance, zero when the
	// order was already handled.
	Credited decimal.Decimal
	// Fulfillment is set when a purchase order proceeded to provider
	// submission within the same pass.
	Fulfillment *PurchaseResult
}

// ReconcileOrder matches the order's memo against the payment feed and, on
// a hit, marks the order paid and credits the balance exactly once. Safe to
// call repeatedly: an order past awaiting_payment is a no-op, and a
// concurrent pass losing the compare-and-swap backs off without crediting.
func (s *Service) ReconcileOrder(ctx context.Context, orderID uint) (*ReconcileResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderAwaitingPayment {
		s.logger.Infof("Order %d already %s, nothing to reconcile", order.ID, order.Status)
		return &ReconcileResult{Order: order}, nil
	}

	matched := s.matchPayment(ctx, order.Memo, order.Amount)
	if matched.IsZero() {
		return nil, models.ErrPaymentNotFound
	}

	// Mark paid first, credit second: a crash in between leaves a paid
	// order without its credit, which RepairCredits picks up later.
	err = s.repo.TransitionOrder(ctx, order.ID, models.OrderAwaitingPayment, models.OrderPaid,
		map[string]interface{}{"amount": matched})
	if errors.Is(err, models.ErrStaleTransition) {
		s.logger.Warnf("Order %d reconciled concurrently, backing off", order.ID)
		order, err = s.repo.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		return &ReconcileResult{Order: order}, nil
	}
	if err != nil {
		return nil, err
	}

	order.Status = models.OrderPaid
	order.Amount = matched

	credited := matched
	if err := s.repo.CreditOrder(ctx, order); err != nil {
		if !errors.Is(err, models.ErrAlreadyCredited) {
			return nil, err
		}
		s.logger.Warnf("Order %d credit already applied", order.ID)
		credited = decimal.Zero
	}

	s.logger.Infof("Order %d paid: credited %s to user %s", order.ID, credited, order.UserID)

	result := &ReconcileResult{Order: order, Credited: credited}
	if order.IsTopUp() {
		return result, nil
	}

	fulfillment, err := s.FulfillPaidOrder(ctx, order)
	if err != nil {
		return result, err
	}
	result.Fulfillment = fulfillment
	result.Order = fulfillment.Order
	return result, nil
}

// matchPayment scans the recent-transaction window for a transfer whose
// note contains the memo and whose amount is within tolerance of the
// expected amount. Not observed and feed failure both come back as zero:
// either way the caller retries later.
func (s *Service) matchPayment(ctx context.Context, memo string, expected decimal.Decimal) decimal.Decimal {
	transfers, err := s.feed.RecentTransfers(ctx, s.walletAddress)
	if err != nil {
		s.logger.Warnf("Payment feed unavailable, treating as not found: %v", err)
		return decimal.Zero
	}

	for _, t := range transfers {
		if !strings.Contains(t.Note, memo) {
			continue
		}
		if t.Amount.Sub(expected).Abs().LessThan(matchTolerance) {
			return t.Amount
		}
		s.logger.Warnf("Transfer %s carries memo %s but amount %s differs from expected %s", t.TxID, memo, t.Amount, expected)
	}

	return decimal.Zero
}

// RepairCredits applies the missing balance credit to paid orders whose
// funding never landed (crash between mark-paid and credit). Returns the
// number of credits applied.
func (s *Service) RepairCredits(ctx context.Context) (int, error) {
	orders, err := s.repo.FindUncreditedPaidOrders(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, order := range orders {
		if err := s.repo.CreditOrder(ctx, order); err != nil {
			if errors.Is(err, models.ErrAlreadyCredited) {
				continue
			}
			return repaired, fmt.Errorf("failed to repair order %d: %w", order.ID, err)
		}
		s.logger.Warnf("Repaired missing credit of %s for order %d (user %s)", order.Amount, order.ID, order.UserID)
		repaired++
	}

	return repaired, nil
}
