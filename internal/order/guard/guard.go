package guard

import (
	"strings"

	orderdomain "github.com/smallbiznis/billable/internal/order/domain"
)

// ConfirmOutcome tells Confirm what to do with an order.
type ConfirmOutcome int

const (
	// ConfirmApply transitions the order and grants its items.
	ConfirmApply ConfirmOutcome = iota
	// ConfirmReplay returns the already paid order without writing.
	ConfirmReplay
)

func EnsureOrderCanConfirm(order orderdomain.Order, paymentID string) (ConfirmOutcome, error) {
	if strings.TrimSpace(paymentID) == "" {
		return ConfirmApply, orderdomain.ErrPaymentRequired
	}
	switch order.Status {
	case orderdomain.OrderStatusPending:
		return ConfirmApply, nil
	case orderdomain.OrderStatusPaid:
		if order.PaymentID != nil && *order.PaymentID == paymentID {
			return ConfirmReplay, nil
		}
		return ConfirmApply, orderdomain.ErrPaymentConflict
	default:
		return ConfirmApply, orderdomain.ErrOrderNotPending
	}
}

func EnsureOrderCanCancel(status orderdomain.OrderStatus) error {
	if status != orderdomain.OrderStatusPending {
		return orderdomain.ErrOrderNotPending
	}
	return nil
}

func EnsureOrderCanRefund(status orderdomain.OrderStatus) error {
	switch status {
	case orderdomain.OrderStatusPaid:
		return nil
	case orderdomain.OrderStatusRefunded:
		return orderdomain.ErrOrderAlreadyRefunded
	default:
		return orderdomain.ErrOrderNotPaid
	}
}
