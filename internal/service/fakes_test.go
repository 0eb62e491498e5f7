package service

import (
	"context"
	"sync"
	"time"

	"github.com/Fi44er/esim_bot/internal/esim"
	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/Fi44er/esim_bot/internal/tron"
	"github.com/Fi44er/esim_bot/utils"
	"github.com/shopspring/decimal"
)

// fakeRepo mirrors the store's atomicity guarantees in memory: every
// method takes the mutex for its whole critical section, so conditional
// updates behave like single serializable statements.
type fakeRepo struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	orders      map[uint]*models.Order
	adjustments []models.BalanceAdjustment
	creditedBy  map[uint]bool
	nextID      uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		balances:   make(map[string]decimal.Decimal),
		orders:     make(map[uint]*models.Order),
		creditedBy: make(map[uint]bool),
	}
}

func (f *fakeRepo) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeRepo) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyDeltaLocked(userID, delta)
}

func (f *fakeRepo) applyDeltaLocked(userID string, delta decimal.Decimal) error {
	next := f.balances[userID].Add(delta)
	if next.IsNegative() {
		return models.ErrInsufficientBalance
	}
	f.balances[userID] = next
	return nil
}

func (f *fakeRepo) RecordAdjustment(_ context.Context, userID string, delta decimal.Decimal, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adjustments = append(f.adjustments, models.BalanceAdjustment{UserID: userID, Delta: delta, Reason: reason})
	return nil
}

func (f *fakeRepo) CreditOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditedBy[order.ID] {
		return models.ErrAlreadyCredited
	}
	if err := f.applyDeltaLocked(order.UserID, order.Amount); err != nil {
		return err
	}
	f.creditedBy[order.ID] = true
	id := order.ID
	f.adjustments = append(f.adjustments, models.BalanceAdjustment{
		UserID: order.UserID, OrderID: &id, Delta: order.Amount, Reason: models.AdjustPaymentCredit,
	})
	return nil
}

func (f *fakeRepo) DebitOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.creditedBy[order.ID] {
		return models.ErrAlreadyCredited
	}
	stored := f.orders[order.ID]
	if stored == nil || stored.Status != models.OrderAwaitingPayment {
		return models.ErrStaleTransition
	}
	if err := f.applyDeltaLocked(order.UserID, order.Amount.Neg()); err != nil {
		return err
	}
	f.creditedBy[order.ID] = true
	id := order.ID
	f.adjustments = append(f.adjustments, models.BalanceAdjustment{
		UserID: order.UserID, OrderID: &id, Delta: order.Amount.Neg(), Reason: models.AdjustPurchase,
	})
	stored.Status = models.OrderPaid
	order.Status = models.OrderPaid
	return nil
}

func (f *fakeRepo) CreateOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.orders {
		if existing.Memo == order.Memo {
			return models.ErrDuplicateMemo
		}
	}
	f.nextID++
	order.ID = f.nextID
	clone := *order
	f.orders[order.ID] = &clone
	return nil
}

func (f *fakeRepo) GetOrder(_ context.Context, id uint) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	clone := *order
	return &clone, nil
}

func (f *fakeRepo) GetOpenOrder(_ context.Context, userID string) (*models.Order, error) {
	return f.latestByStatus(userID, models.OrderAwaitingPayment), nil
}

func (f *fakeRepo) GetUnfulfilledOrder(_ context.Context, userID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Order
	for _, order := range f.orders {
		if order.UserID != userID {
			continue
		}
		if order.Status != models.OrderSubmitted &&
			!(order.Status == models.OrderPaid && !order.IsTopUp()) {
			continue
		}
		if latest == nil || order.ID > latest.ID {
			latest = order
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

func (f *fakeRepo) DebitFulfillment(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.orders[order.ID]
	if stored == nil || stored.Status != models.OrderPaid {
		return models.ErrStaleTransition
	}
	if err := f.applyDeltaLocked(order.UserID, order.Amount.Neg()); err != nil {
		return err
	}
	f.adjustments = append(f.adjustments, models.BalanceAdjustment{
		UserID: order.UserID, Delta: order.Amount.Neg(), Reason: models.AdjustPurchase,
	})
	stored.Status = models.OrderSubmitted
	order.Status = models.OrderSubmitted
	return nil
}

func (f *fakeRepo) OrderFunding(_ context.Context, orderID uint) (*models.BalanceAdjustment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.adjustments {
		if f.adjustments[i].OrderID != nil && *f.adjustments[i].OrderID == orderID {
			clone := f.adjustments[i]
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) latestByStatus(userID, status string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Order
	for _, order := range f.orders {
		if order.UserID == userID && order.Status == status {
			if latest == nil || order.ID > latest.ID {
				latest = order
			}
		}
	}
	if latest == nil {
		return nil
	}
	clone := *latest
	return &clone
}

func (f *fakeRepo) TransitionOrder(_ context.Context, id uint, expected, next string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok || order.Status != expected {
		return models.ErrStaleTransition
	}
	order.Status = next
	if v, ok := fields["amount"]; ok {
		order.Amount = v.(decimal.Decimal)
	}
	if v, ok := fields["provider_order_no"]; ok {
		order.ProviderOrderNo = v.(string)
	}
	return nil
}

func (f *fakeRepo) FindUncreditedPaidOrders(_ context.Context) ([]*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found []*models.Order
	for _, order := range f.orders {
		switch order.Status {
		case models.OrderPaid, models.OrderSubmitted, models.OrderAllocated:
			if !f.creditedBy[order.ID] {
				clone := *order
				found = append(found, &clone)
			}
		}
	}
	return found, nil
}

func (f *fakeRepo) SalesReport(_ context.Context) (*models.SalesReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	report := &models.SalesReport{Revenue: decimal.Zero}
	users := make(map[string]bool)
	for _, order := range f.orders {
		users[order.UserID] = true
		switch order.Status {
		case models.OrderPaid, models.OrderSubmitted, models.OrderAllocated:
			report.PaidOrders++
			report.Revenue = report.Revenue.Add(order.Amount)
		}
	}
	report.ActiveUsers = int64(len(users))
	return report, nil
}

func (f *fakeRepo) order(id uint) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *f.orders[id]
	return &clone
}

func (f *fakeRepo) balance(userID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID]
}

type fakeFeed struct {
	mu        sync.Mutex
	transfers []tron.Transfer
	err       error
}

func (f *fakeFeed) RecentTransfers(context.Context, string) ([]tron.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.transfers, nil
}

type fakeProvider struct {
	mu        sync.Mutex
	packages  []esim.Package
	submitErr error
	orderNo   string
	// queries before the provider reports allocated profiles
	allocateAfter int
	profiles      []models.ESIMProfile
	queryErr      error

	submitCalls   []submitCall
	queryCalls    int
	packagesCalls int
}

type submitCall struct {
	memo        string
	packageCode string
	amount      decimal.Decimal
}

func (f *fakeProvider) Packages(context.Context) ([]esim.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packagesCalls++
	return f.packages, nil
}

func (f *fakeProvider) SubmitOrder(_ context.Context, memo, packageCode string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls = append(f.submitCalls, submitCall{memo: memo, packageCode: packageCode, amount: amount})
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if f.orderNo == "" {
		return "PO-1", nil
	}
	return f.orderNo, nil
}

func (f *fakeProvider) QueryProfiles(context.Context, string) ([]models.ESIMProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryCalls <= f.allocateAfter {
		return nil, nil
	}
	return f.profiles, nil
}

func newTestService(repo Repository, feed PaymentFeed, provider Provisioner) *Service {
	svc := NewService(repo, feed, provider, "TWalletAddr123", 42, utils.InitLogger())
	svc.pollRetries = 3
	svc.pollInterval = time.Millisecond
	return svc
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
