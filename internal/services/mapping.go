package services

import (
	domain "github.com/kelaskita/api/internal/domain"
	"github.com/kelaskita/api/internal/payments"
)

// StatusOutcome is the canonical interpretation of a raw gateway status: the
// order status to persist plus the side effects that status commits us to.
type StatusOutcome struct {
	Status            domain.OrderStatus
	GrantEntitlements bool
	ClearCart         bool
	// Known is false when the gateway returned a status this service has no
	// rule for. The order is held in pending and the raw value is recorded
	// verbatim for investigation.
	Known bool
}

// MapRawStatus translates a raw gateway transaction status into the canonical
// order status and its side-effect obligations.
//
// A denied transaction stays pending: the gateway allows the customer to retry
// the payment under the same reference, so denial is not terminal here.
func MapRawStatus(raw payments.RawStatus) StatusOutcome {
	switch raw {
	case payments.RawStatusPending:
		return StatusOutcome{Status: domain.OrderStatusPending, Known: true}
	case payments.RawStatusSettlement, payments.RawStatusSuccess:
		return StatusOutcome{
			Status:            domain.OrderStatusPaid,
			GrantEntitlements: true,
			ClearCart:         true,
			Known:             true,
		}
	case payments.RawStatusCancel:
		return StatusOutcome{Status: domain.OrderStatusCancelled, ClearCart: true, Known: true}
	case payments.RawStatusExpire:
		return StatusOutcome{Status: domain.OrderStatusExpired, ClearCart: true, Known: true}
	case payments.RawStatusDeny:
		return StatusOutcome{Status: domain.OrderStatusPending, Known: true}
	default:
		return StatusOutcome{Status: domain.OrderStatusPending, Known: false}
	}
}
