package models

import "errors"

var (
	// ErrInsufficientBalance is returned when an adjustment would take a
	// balance below zero. The store rejects the write even if the caller
	// pre-checked.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateMemo is returned when an order is created with a memo
	// that already exists. The unique index is the authoritative backstop
	// for memo collisions.
	ErrDuplicateMemo = errors.New("memo already exists")

	// ErrStaleTransition is returned when a compare-and-swap status update
	// finds the order in a different state than expected. Callers treat it
	// as "someone else already did this" and no-op.
	ErrStaleTransition = errors.New("order status changed concurrently")

	// ErrAlreadyCredited is returned when a payment credit for an order was
	// already applied.
	ErrAlreadyCredited = errors.New("order already credited")

	// ErrOrderNotFound is returned when an order id does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrPaymentNotFound means the payment was not observed in the feed yet.
	// Retryable: "not found" and "feed unavailable" both map here.
	ErrPaymentNotFound = errors.New("payment not found yet")

	// ErrProviderRejected means the provisioning API refused the order.
	ErrProviderRejected = errors.New("provider rejected order")
)
