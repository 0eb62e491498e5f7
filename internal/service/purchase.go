package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/Fi44er/esim_bot/utils"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

// memoAttempts bounds re-generation when a fresh memo collides with an
// existing order.
const memoAttempts = 3

// PaymentInstructions tell the user how to settle an order on-chain.
type PaymentInstructions struct {
	Address string
	Memo    string
	Amount  decimal.Decimal
}

// PurchaseResult is the outcome of a purchase or fulfillment attempt.
type PurchaseResult struct {
	Order *models.Order
	// Profiles are set when the provider allocated within the polling
	// budget.
	Profiles []models.ESIMProfile
	// Pending means the order was submitted but allocation has not finished
	// yet; the user re-checks later. A deliberate partial success.
	Pending bool
	// Instructions are set when the balance did not cover the charge and
	// the order awaits an on-chain payment.
	Instructions *PaymentInstructions
	// Surplus is the amount above the list price returned to the balance
	// after the minimum-payment floor.
	Surplus decimal.Decimal
}

// Purchase runs one purchase attempt: floor the price, then either fund the
// order from the standing balance and submit it to the provider, or park it
// awaiting an on-chain payment.
func (s *Service) Purchase(ctx context.Context, userID, displayName, packageCode string, listPrice decimal.Decimal) (*PurchaseResult, error) {
	if listPrice.IsNegative() || packageCode == "" || packageCode == models.PackageTopUp {
		return nil, fmt.Errorf("invalid purchase request for user %s", userID)
	}

	charge := listPrice
	if charge.LessThan(MinCharge) {
		charge = MinCharge
	}

	order, err := s.createOrder(ctx, userID, displayName, packageCode, charge, listPrice)
	if err != nil {
		return nil, err
	}

	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	if balance.LessThan(charge) {
		s.logger.Infof("Order %d awaits payment of %s from user %s (balance %s)", order.ID, charge, userID, balance)
		return &PurchaseResult{Order: order, Instructions: s.instructions(order)}, nil
	}

	if err := s.repo.DebitOrder(ctx, order); err != nil {
		if errors.Is(err, models.ErrInsufficientBalance) {
			// A concurrent purchase drained the balance between the read and
			// the deduction; fall back to the awaiting-payment path.
			s.logger.Warnf("Balance of user %s drained concurrently, order %d awaits payment", userID, order.ID)
			return &PurchaseResult{Order: order, Instructions: s.instructions(order)}, nil
		}
		return nil, err
	}

	return s.FulfillPaidOrder(ctx, order)
}

// TopUp creates an order that only tops up the standing balance: no
// provider call ever happens for it, reconciliation credits it and stops.
func (s *Service) TopUp(ctx context.Context, userID, displayName string, amount decimal.Decimal) (*PurchaseResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("invalid top-up amount %s for user %s", amount, userID)
	}

	if amount.LessThan(MinCharge) {
		amount = MinCharge
	}

	order, err := s.createOrder(ctx, userID, displayName, models.PackageTopUp, amount, amount)
	if err != nil {
		return nil, err
	}

	return &PurchaseResult{Order: order, Instructions: s.instructions(order)}, nil
}

// FulfillPaidOrder drives a paid purchase order to the provider. The
// paid->submitted compare-and-swap is the claim on the order; for
// payment-funded orders it runs in the same transaction as the charge
// deduction, so of two concurrent attempts only one moves money and
// reaches the provider while the other gets ErrStaleTransition and
// reports the order as pending.
func (s *Service) FulfillPaidOrder(ctx context.Context, order *models.Order) (*PurchaseResult, error) {
	if order.Status != models.OrderPaid || order.IsTopUp() {
		return &PurchaseResult{Order: order}, nil
	}

	funding, err := s.repo.OrderFunding(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	if funding != nil && funding.Delta.IsNegative() {
		// Balance-funded: the charge was taken when the order turned paid,
		// only the claim remains.
		err = s.repo.TransitionOrder(ctx, order.ID, models.OrderPaid, models.OrderSubmitted, nil)
	} else {
		if funding == nil {
			// Paid but never credited: the process crashed before the credit
			// landed. Apply it first, same as the repair pass would.
			if err := s.repo.CreditOrder(ctx, order); err != nil && !errors.Is(err, models.ErrAlreadyCredited) {
				return nil, err
			}
		}
		err = s.repo.DebitFulfillment(ctx, order)
	}

	if err != nil {
		if errors.Is(err, models.ErrStaleTransition) {
			s.logger.Warnf("Order %d claimed by a concurrent fulfillment", order.ID)
			fresh, err := s.repo.GetOrder(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			return &PurchaseResult{Order: fresh, Pending: fresh.Status == models.OrderSubmitted}, nil
		}
		return nil, fmt.Errorf("failed to fund fulfillment of order %d: %w", order.ID, err)
	}

	order.Status = models.OrderSubmitted
	return s.submitAndPoll(ctx, order)
}

// CheckOrder re-checks an order on user demand: awaiting orders get their
// payment instructions back, submitted orders get a single allocation
// query, allocated orders re-fetch their profiles.
func (s *Service) CheckOrder(ctx context.Context, orderID uint) (*PurchaseResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderAwaitingPayment:
		return &PurchaseResult{Order: order, Instructions: s.instructions(order)}, nil

	case models.OrderPaid:
		return s.FulfillPaidOrder(ctx, order)

	case models.OrderSubmitted:
		if order.ProviderOrderNo == "" {
			// Claimed and charged, but the process died before the provider
			// call. The memo doubles as the provider-side transaction id, so
			// resubmitting is safe.
			return s.submitAndPoll(ctx, order)
		}
		profiles, err := s.provider.QueryProfiles(ctx, order.ProviderOrderNo)
		if err != nil {
			s.logger.Warnf("Allocation query for order %d failed: %v", order.ID, err)
			return &PurchaseResult{Order: order, Pending: true}, nil
		}
		if len(profiles) == 0 {
			return &PurchaseResult{Order: order, Pending: true}, nil
		}
		s.markAllocated(ctx, order)
		return &PurchaseResult{Order: order, Profiles: profiles}, nil

	case models.OrderAllocated:
		profiles, err := s.provider.QueryProfiles(ctx, order.ProviderOrderNo)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch profiles for order %d: %w", order.ID, err)
		}
		return &PurchaseResult{Order: order, Profiles: profiles}, nil

	default:
		return &PurchaseResult{Order: order}, nil
	}
}

func (s *Service) createOrder(ctx context.Context, userID, displayName, packageCode string, charge, listPrice decimal.Decimal) (*models.Order, error) {
	var lastErr error
	for i := 0; i < memoAttempts; i++ {
		memo, err := utils.GenerateMemo()
		if err != nil {
			return nil, err
		}

		order := &models.Order{
			UserID:      userID,
			DisplayName: displayName,
			Amount:      charge,
			ListPrice:   listPrice,
			Memo:        memo,
			PackageCode: packageCode,
			Status:      models.OrderAwaitingPayment,
		}

		lastErr = s.repo.CreateOrder(ctx, order)
		if lastErr == nil {
			return order, nil
		}
		if !errors.Is(lastErr, models.ErrDuplicateMemo) {
			return nil, lastErr
		}
		s.logger.Warnf("Memo collision for user %s, regenerating", userID)
	}
	return nil, lastErr
}

// submitAndPoll drives an order that already holds the submission claim
// through the provider call and the bounded allocation poll. The charge
// has been secured by the caller; submission failure triggers the
// compensating refund of the full charge before the failure surfaces.
func (s *Service) submitAndPoll(ctx context.Context, order *models.Order) (*PurchaseResult, error) {
	orderNo, err := s.provider.SubmitOrder(ctx, order.Memo, order.PackageCode, order.Amount)
	if err != nil {
		s.logger.Errorf("Provider rejected order %d: %v", order.ID, err)
		s.refundFailedOrder(ctx, order)
		return nil, fmt.Errorf("%w: %v", models.ErrProviderRejected, err)
	}

	if err := s.repo.TransitionOrder(ctx, order.ID, models.OrderSubmitted, models.OrderSubmitted,
		map[string]interface{}{"provider_order_no": orderNo}); err != nil && !errors.Is(err, models.ErrStaleTransition) {
		return nil, err
	}
	order.ProviderOrderNo = orderNo

	result := &PurchaseResult{Order: order}

	if surplus := order.Surplus(); surplus.IsPositive() {
		if err := s.repo.AdjustBalance(ctx, order.UserID, surplus); err != nil {
			s.logger.Errorf("Failed to credit surplus %s for order %d: %v", surplus, order.ID, err)
		} else {
			if err := s.repo.RecordAdjustment(ctx, order.UserID, surplus, models.AdjustSurplus); err != nil {
				s.logger.Errorf("Failed to record surplus adjustment for order %d: %v", order.ID, err)
			}
			result.Surplus = surplus
			s.logger.Infof("Credited surplus %s from order %d back to user %s", surplus, order.ID, order.UserID)
		}
	}

	profiles, err := s.pollAllocation(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		// Budget exhausted: the order stays submitted and the user re-checks
		// later. Partial success, not failure.
		result.Pending = true
		return result, nil
	}

	s.markAllocated(ctx, order)
	result.Profiles = profiles
	return result, nil
}

var errNotAllocated = errors.New("not allocated yet")

// pollAllocation queries the provider at a fixed interval until profiles
// appear or the retry budget runs out. No transactional context is held
// across the waits.
func (s *Service) pollAllocation(ctx context.Context, orderNo string) ([]models.ESIMProfile, error) {
	var profiles []models.ESIMProfile

	backoff := retry.WithMaxRetries(s.pollRetries, retry.NewConstant(s.pollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		found, err := s.provider.QueryProfiles(ctx, orderNo)
		if err != nil {
			s.logger.Warnf("Allocation query for %s failed: %v", orderNo, err)
			return retry.RetryableError(err)
		}
		if len(found) == 0 {
			return retry.RetryableError(errNotAllocated)
		}
		profiles = found
		return nil
	})

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Budget exhausted. Not an error: the caller reports "check later".
		return nil, nil
	}
	return profiles, nil
}

func (s *Service) markAllocated(ctx context.Context, order *models.Order) {
	err := s.repo.TransitionOrder(ctx, order.ID, models.OrderSubmitted, models.OrderAllocated, nil)
	if err != nil && !errors.Is(err, models.ErrStaleTransition) {
		s.logger.Errorf("Failed to mark order %d allocated: %v", order.ID, err)
		return
	}
	order.Status = models.OrderAllocated
}

// refundFailedOrder compensates a deduction whose provider submission
// failed: the charge goes back to the balance and the order turns failed.
func (s *Service) refundFailedOrder(ctx context.Context, order *models.Order) {
	if err := s.repo.AdjustBalance(ctx, order.UserID, order.Amount); err != nil {
		s.logger.Errorf("CRITICAL: failed to refund %s to user %s for order %d: %v", order.Amount, order.UserID, order.ID, err)
	} else if err := s.repo.RecordAdjustment(ctx, order.UserID, order.Amount, models.AdjustRefund); err != nil {
		s.logger.Errorf("Failed to record refund adjustment for order %d: %v", order.ID, err)
	}

	err := s.repo.TransitionOrder(ctx, order.ID, models.OrderSubmitted, models.OrderFailed, nil)
	if err != nil && !errors.Is(err, models.ErrStaleTransition) {
		s.logger.Errorf("Failed to mark order %d failed: %v", order.ID, err)
		return
	}
	order.Status = models.OrderFailed
}

func (s *Service) instructions(order *models.Order) *PaymentInstructions {
	return &PaymentInstructions{
		Address: s.walletAddress,
		Memo:    order.Memo,
		Amount:  order.Amount,
	}
}
