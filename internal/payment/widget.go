package payment

import "context"

// Outcome is the widget's resolution of a payment attempt.
type Outcome string

const (
	OutcomeCaptured  Outcome = "captured"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Order is what the widget needs to collect a payment.
type Order struct {
	GatewayOrderID string
	AmountMinor    int64
	Currency       string
	CustomerName   string
	CustomerEmail  string
}

// Result carries the widget outcome. PaymentID, OrderID and Signature are
// set only when Outcome is captured; together they form the proof the
// backend needs to verify the charge.
type Result struct {
	Outcome   Outcome
	PaymentID string
	OrderID   string
	Signature string
	Reason    string
}

// Widget presents the hosted payment page for an order and blocks until the
// shopper resolves it or ctx is done. Cancelling ctx while the page is open
// counts as the shopper dismissing it.
type Widget interface {
	Present(ctx context.Context, order Order) (Result, error)
}
