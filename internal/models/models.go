package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order status values. Transitions are strictly sequential:
// awaiting_payment -> paid -> submitted -> allocated, or -> failed.
const (
	OrderAwaitingPayment = "awaiting_payment"
	OrderPaid            = "paid"
	OrderSubmitted       = "submitted"
	OrderAllocated       = "allocated"
	OrderFailed          = "failed"
)

// PackageTopUp is the sentinel package code for a pure balance top-up.
const PackageTopUp = "topup"

type Balance struct {
	UserID    string          `gorm:"primaryKey" json:"user_id"`
	Amount    decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0" json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Order struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          string          `gorm:"index" json:"user_id"`
	DisplayName     string          `json:"display_name"`
	Amount          decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	ListPrice       decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"list_price"`
	Memo            string          `gorm:"uniqueIndex;size:16" json:"memo"`
	PackageCode     string          `json:"package_code"`
	Status          string          `gorm:"default:awaiting_payment;index" json:"status"`
	ProviderOrderNo string          `json:"provider_order_no"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (o *Order) IsTopUp() bool {
	return o.PackageCode == PackageTopUp
}

// Surplus is the part of the charged amount above the list price, created
// when the minimum-payment floor rounds a cheap package up. It goes back
// to the user's balance once fulfillment succeeds.
func (o *Order) Surplus() decimal.Decimal {
	return o.Amount.Sub(o.ListPrice)
}

// BalanceAdjustment is the audit trail of balance movements. For
// order-linked credits OrderID carries a unique index, so crediting the
// same order twice hits the index instead of the balance.
type BalanceAdjustment struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	UserID    string          `gorm:"index" json:"user_id"`
	OrderID   *uint           `gorm:"uniqueIndex" json:"order_id,omitempty"`
	Delta     decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"delta"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	AdjustPaymentCredit = "payment_credit"
	AdjustPurchase      = "purchase"
	AdjustRefund        = "refund"
	AdjustSurplus       = "surplus"
	AdjustAdminCredit   = "admin_credit"
)

// ESIMProfile is the activation artifact handed out by the provider. It is
// not persisted here; the provider owns it and it is fetched by order number.
type ESIMProfile struct {
	ICCID          string `json:"iccid"`
	QRCodeURL      string `json:"qr_code_url"`
	ActivationCode string `json:"activation_code"`
}

type SalesReport struct {
	PaidOrders  int64           `json:"paid_orders"`
	Revenue     decimal.Decimal `json:"revenue"`
	ActiveUsers int64           `json:"active_users"`
}
