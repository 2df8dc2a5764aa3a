package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billable/pkg/errs"
)

type ItemInput struct {
	SKU string
	// Quantity defaults to one.
	Quantity int64
}

type CreateOrderRequest struct {
	AccountID snowflake.ID
	Items     []ItemInput
	Metadata  map[string]any
}

type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error)
	// Confirm records the payment and grants every item. Confirming again
	// with the same payment id returns the paid order unchanged.
	Confirm(ctx context.Context, orderID snowflake.ID, paymentID, paymentMethod string) (Order, error)
	Cancel(ctx context.Context, orderID snowflake.ID, reason string) (Order, error)
	// Refund revokes whatever is left of the batches the order granted.
	// Consumed units stay consumed.
	Refund(ctx context.Context, orderID snowflake.ID, reason string) (Order, error)
	GetOrder(ctx context.Context, orderID snowflake.ID) (Order, error)
	ListOrders(ctx context.Context, accountID snowflake.ID, filter ListOrdersFilter) ([]Order, error)
}

var (
	ErrOrderEmpty           = errs.New(errs.ErrValidation, "order_has_no_items")
	ErrInvalidQuantity      = errs.New(errs.ErrValidation, "invalid_quantity")
	ErrMixedCurrency        = errs.New(errs.ErrValidation, "order_mixed_currency")
	ErrPaymentRequired      = errs.New(errs.ErrValidation, "payment_id_required")
	ErrOrderNotFound        = errs.New(errs.ErrNotFound, "order_not_found")
	ErrOrderNotPending      = errs.New(errs.ErrInvalidState, "order_not_pending")
	ErrOrderNotPaid         = errs.New(errs.ErrInvalidState, "order_not_paid")
	ErrOrderAlreadyRefunded = errs.New(errs.ErrInvalidState, "order_already_refunded")
	ErrPaymentConflict      = errs.New(errs.ErrConflict, "payment_id_conflict")
)
