package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Fi44er/esim_bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchase_MinimumChargeFloor(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeFeed{}, &fakeProvider{})

	result, err := svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("2.00"))
	require.NoError(t, err)

	require.NotNil(t, result.Instructions)
	assert.True(t, result.Order.Amount.Equal(dec("5.00")), "charge = %s, want 5.00", result.Order.Amount)
	assert.True(t, result.Instructions.Amount.Equal(dec("5.00")))
	assert.True(t, result.Order.ListPrice.Equal(dec("2.00")))
	assert.Equal(t, models.OrderAwaitingPayment, result.Order.Status)
}

func TestPurchase_InsufficientBalanceCreatesAwaitingOrder(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeFeed{}, &fakeProvider{})

	result, err := svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("10.00"))
	require.NoError(t, err)

	require.NotNil(t, result.Instructions)
	assert.Equal(t, "TWalletAddr123", result.Instructions.Address)
	assert.Len(t, result.Instructions.Memo, 8)
	assert.True(t, result.Instructions.Amount.Equal(dec("10.00")))
	assert.Equal(t, models.OrderAwaitingPayment, repo.order(result.Order.ID).Status)
	assert.True(t, repo.balance("u1").IsZero())
}

func TestPurchase_FromBalanceSubmitsAndAllocates(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["u1"] = dec("10.00")
	provider := &fakeProvider{
		orderNo:  "PO-77",
		profiles: []models.ESIMProfile{{ICCID: "894411", QRCodeURL: "https://qr.example/1", ActivationCode: "LPA:1$x$y"}},
	}
	svc := newTestService(repo, &fakeFeed{}, provider)

	result, err := svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("7.00"))
	require.NoError(t, err)

	assert.True(t, repo.balance("u1").Equal(dec("3.00")), "balance = %s, want 3.00", repo.balance("u1"))
	assert.Equal(t, models.OrderAllocated, repo.order(result.Order.ID).Status)
	assert.Equal(t, "PO-77", repo.order(result.Order.ID).ProviderOrderNo)
	require.Len(t, result.Profiles, 1)
	assert.Equal(t, "894411", result.Profiles[0].ICCID)
	assert.False(t, result.Pending)

	require.Len(t, provider.submitCalls, 1)
	assert.Equal(t, "PKG-EU", provider.submitCalls[0].packageCode)
	assert.True(t, provider.submitCalls[0].amount.Equal(dec("7.00")))
}

func TestPurchase_SubmissionFailureRefundsBalance(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["u1"] = dec("10.00")
	provider := &fakeProvider{submitErr: errors.New("upstream out of stock")}
	svc := newTestService(repo, &fakeFeed{}, provider)

	result, err := svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("7.00"))
	require.ErrorIs(t, err, models.ErrProviderRejected)
	assert.Nil(t, result)

	assert.True(t, repo.balance("u1").Equal(dec("10.00")), "balance = %s, want full refund", repo.balance("u1"))

	orders, err := repo.FindUncreditedPaidOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orders)

	failed := repo.latestByStatus("u1", models.OrderFailed)
	require.NotNil(t, failed)
}

func TestPurchase_AllocationBudgetExhaustedStaysSubmitted(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["u1"] = dec("10.00")
	provider := &fakeProvider{allocateAfter: 1000}
	svc := newTestService(repo, &fakeFeed{}, provider)

	result, err := svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("7.00"))
	require.NoError(t, err)

	assert.True(t, result.Pending)
	assert.Empty(t, result.Profiles)
	assert.Equal(t, models.OrderSubmitted, repo.order(result.Order.ID).Status)
}

func TestPurchase_SurplusCreditedAfterSubmission(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["u1"] = dec("10.00")
	provider := &fakeProvider{profiles: []models.ESIMProfile{{ICCID: "894411"}}}
	svc := newTestService(repo, &fakeFeed{}, provider)

	result, err := svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("2.00"))
	require.NoError(t, err)

	// 10.00 - 5.00 charge + 3.00 surplus back: effective cost is the list price.
	assert.True(t, repo.balance("u1").Equal(dec("8.00")), "balance = %s, want 8.00", repo.balance("u1"))
	assert.True(t, result.Surplus.Equal(dec("3.00")))
}

func TestPurchase_ConcurrentNoDoubleSpend(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["u1"] = dec("10.00")
	provider := &fakeProvider{profiles: []models.ESIMProfile{{ICCID: "894411"}}}
	svc := newTestService(repo, &fakeFeed{}, provider)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]*PurchaseResult, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("7.00"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "purchase %d", i)
	}

	funded := 0
	for _, result := range results {
		if result.Instructions == nil {
			funded++
		}
	}
	assert.Equal(t, 1, funded, "exactly one purchase may be funded from a 10.00 balance")
	assert.True(t, repo.balance("u1").Equal(dec("3.00")), "balance = %s, want 3.00", repo.balance("u1"))
}

func TestPurchase_DistinctMemos(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeFeed{}, &fakeProvider{})

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		result, err := svc.Purchase(context.Background(), "u1", "alice", "PKG-EU", dec("10.00"))
		require.NoError(t, err)
		require.False(t, seen[result.Order.Memo], "memo %s reused", result.Order.Memo)
		seen[result.Order.Memo] = true
	}
}

func TestPurchase_RejectsTopUpSentinel(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeFeed{}, &fakeProvider{})
	_, err := svc.Purchase(context.Background(), "u1", "alice", models.PackageTopUp, dec("5.00"))
	require.Error(t, err)
}

func TestTopUp_FloorsAtMinimum(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeFeed{}, &fakeProvider{})

	result, err := svc.TopUp(context.Background(), "u1", "alice", dec("3.00"))
	require.NoError(t, err)

	assert.True(t, result.Order.Amount.Equal(dec("5.00")))
	assert.True(t, result.Order.IsTopUp())
	require.NotNil(t, result.Instructions)
}

func TestCheckOrder_SubmittedBecomesAllocated(t *testing.T) {
	repo := newFakeRepo()
	provider := &fakeProvider{profiles: []models.ESIMProfile{{ICCID: "894411"}}}
	svc := newTestService(repo, &fakeFeed{}, provider)

	order := &models.Order{UserID: "u1", Amount: dec("7.00"), ListPrice: dec("7.00"),
		Memo: "CHKMEMO1", PackageCode: "PKG-EU", Status: models.OrderAwaitingPayment}
	require.NoError(t, repo.CreateOrder(context.Background(), order))
	repo.orders[order.ID].Status = models.OrderSubmitted
	repo.orders[order.ID].ProviderOrderNo = "PO-5"

	result, err := svc.CheckOrder(context.Background(), order.ID)
	require.NoError(t, err)

	require.Len(t, result.Profiles, 1)
	assert.Equal(t, models.OrderAllocated, repo.order(order.ID).Status)
}

func TestFulfillPaidOrder_ConcurrentSingleDeduction(t *testing.T) {
	repo := newFakeRepo()
	provider := &fakeProvider{profiles: []models.ESIMProfile{{ICCID: "894411"}}}
	svc := newTestService(repo, &fakeFeed{}, provider)

	ctx := context.Background()
	order := awaitingOrder(t, repo, "u1", "PKG-EU", "10.00")
	require.NoError(t, repo.TransitionOrder(ctx, order.ID, models.OrderAwaitingPayment, models.OrderPaid, nil))
	require.NoError(t, repo.CreditOrder(ctx, repo.order(order.ID)))
	// Unrelated standing balance, so a second deduction would be visible
	// instead of bottoming out at zero.
	require.NoError(t, repo.AdjustBalance(ctx, "u1", dec("10.00")))

	// Two handlers load the same paid order independently.
	first := repo.order(order.ID)
	second := repo.order(order.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, o := range []*models.Order{first, second} {
		wg.Add(1)
		go func(i int, o *models.Order) {
			defer wg.Done()
			_, errs[i] = svc.FulfillPaidOrder(ctx, o)
		}(i, o)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "attempt %d", i)
	}

	assert.True(t, repo.balance("u1").Equal(dec("10.00")), "balance = %s, want a single 10.00 deduction", repo.balance("u1"))
	assert.Len(t, provider.submitCalls, 1, "provider must see exactly one submission")
	assert.Equal(t, models.OrderAllocated, repo.order(order.ID).Status)
}

func TestCheckOrder_ResumesStuckPaidOrder(t *testing.T) {
	// Crash after the credit landed but before submission: the order sits
	// in paid and must be resumable from a user re-check.
	repo := newFakeRepo()
	provider := &fakeProvider{orderNo: "PO-88", profiles: []models.ESIMProfile{{ICCID: "894411"}}}
	svc := newTestService(repo, &fakeFeed{}, provider)

	ctx := context.Background()
	order := awaitingOrder(t, repo, "u1", "PKG-EU", "10.00")
	require.NoError(t, repo.TransitionOrder(ctx, order.ID, models.OrderAwaitingPayment, models.OrderPaid, nil))
	require.NoError(t, repo.CreditOrder(ctx, repo.order(order.ID)))

	stuck, err := repo.GetUnfulfilledOrder(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stuck, "a stuck paid order must be visible to the re-check lookup")
	require.Equal(t, order.ID, stuck.ID)

	result, err := svc.CheckOrder(ctx, stuck.ID)
	require.NoError(t, err)

	require.Len(t, result.Profiles, 1)
	assert.Equal(t, models.OrderAllocated, repo.order(order.ID).Status)
	assert.True(t, repo.balance("u1").IsZero(), "credit must be consumed by the fulfillment charge")
	assert.Len(t, provider.submitCalls, 1)
}

func TestCheckOrder_ResubmitsClaimedOrderWithoutReference(t *testing.T) {
	// Crash between the claim and the provider call: the order is submitted
	// and charged but carries no provider reference. The memo doubles as
	// the provider transaction id, so a re-check resubmits safely.
	repo := newFakeRepo()
	provider := &fakeProvider{orderNo: "PO-55", profiles: []models.ESIMProfile{{ICCID: "894411"}}}
	svc := newTestService(repo, &fakeFeed{}, provider)

	order := awaitingOrder(t, repo, "u1", "PKG-EU", "10.00")
	repo.orders[order.ID].Status = models.OrderSubmitted

	result, err := svc.CheckOrder(context.Background(), order.ID)
	require.NoError(t, err)

	require.Len(t, result.Profiles, 1)
	assert.Equal(t, "PO-55", repo.order(order.ID).ProviderOrderNo)
	assert.Equal(t, models.OrderAllocated, repo.order(order.ID).Status)
	assert.Len(t, provider.submitCalls, 1)
}

func TestGetUnfulfilledOrder_SkipsPaidTopUps(t *testing.T) {
	repo := newFakeRepo()
	ctx := context.Background()

	topup := awaitingOrder(t, repo, "u1", models.PackageTopUp, "10.00")
	require.NoError(t, repo.TransitionOrder(ctx, topup.ID, models.OrderAwaitingPayment, models.OrderPaid, nil))

	pending, err := repo.GetUnfulfilledOrder(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, pending, "a paid top-up is terminal and needs no fulfillment")
}

func TestAdjustBalance_RoundTrip(t *testing.T) {
	repo := newFakeRepo()
	repo.balances["u1"] = dec("1.23")

	require.NoError(t, repo.AdjustBalance(context.Background(), "u1", dec("5.00")))
	require.NoError(t, repo.AdjustBalance(context.Background(), "u1", dec("-5.00")))

	assert.True(t, repo.balance("u1").Equal(dec("1.23")))
}
