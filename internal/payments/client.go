package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// RawStatus is the gateway's own transaction status vocabulary. The canonical
// order state is derived from it by the reconciliation layer; values outside
// the known set are carried through untouched so they can be logged and
// re-checked later.
type RawStatus string

const (
	// RawStatusPending means the customer has not completed payment yet.
	RawStatusPending RawStatus = "pending"
	// RawStatusSettlement means funds have settled.
	RawStatusSettlement RawStatus = "settlement"
	// RawStatusSuccess is a legacy alias some gateway channels report instead
	// of settlement.
	RawStatusSuccess RawStatus = "success"
	// RawStatusCancel means the transaction was cancelled.
	RawStatusCancel RawStatus = "cancel"
	// RawStatusExpire means the checkout window lapsed before payment.
	RawStatusExpire RawStatus = "expire"
	// RawStatusDeny means the payment was rejected by the acquirer.
	RawStatusDeny RawStatus = "deny"
)

// ErrGatewayUnavailable wraps transport-level failures talking to the gateway.
var ErrGatewayUnavailable = errors.New("payments: gateway unavailable")

// GatewayError reports a failed gateway call. Messages carries the provider's
// error_messages payload when the response included one.
type GatewayError struct {
	Op         string
	StatusCode int
	Messages   []string
	Err        error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message()
	if e.StatusCode > 0 {
		return fmt.Sprintf("payments: %s failed (http %d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("payments: %s failed: %s", e.Op, msg)
}

// Unwrap exposes the underlying error.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Message returns the provider-supplied message when available, otherwise a
// generic fallback safe to surface to callers.
func (e *GatewayError) Message() string {
	if e == nil {
		return ""
	}
	if len(e.Messages) > 0 {
		return strings.Join(e.Messages, "; ")
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "payment gateway request failed"
}

// IsRetryable reports whether the failure is transient enough that a bounded
// retry may succeed. Client errors other than throttling are final.
func (e *GatewayError) IsRetryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == 0 || e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}

// TransactionItem is one line item submitted with a checkout transaction.
type TransactionItem struct {
	ID       string
	Price    int64
	Quantity int64
	Name     string
	Image    string
}

// CreateTransactionRequest captures the payload for a new checkout
// transaction at the gateway.
type CreateTransactionRequest struct {
	ExternalRef string
	GrossAmount int64
	Email       string
	Items       []TransactionItem
}

// Transaction is the gateway's answer to a successful create call.
type Transaction struct {
	Token       string
	RedirectURL string
}

// Client is the narrow contract this service consumes the payment gateway
// through. Implementations must not retry internally; retry policy belongs to
// the caller.
type Client interface {
	// CheckStatus asks the gateway for the current raw status of a
	// transaction identified by its external reference.
	CheckStatus(ctx context.Context, externalRef string) (RawStatus, error)
	// CreateTransaction registers a new checkout transaction and returns the
	// checkout token.
	CreateTransaction(ctx context.Context, req CreateTransactionRequest) (Transaction, error)
	// CancelTransaction asks the gateway to cancel a transaction and returns
	// the raw status the gateway reports after the attempt.
	CancelTransaction(ctx context.Context, externalRef string) (RawStatus, error)
}
