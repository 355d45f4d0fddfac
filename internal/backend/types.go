package backend

import "github.com/shopspring/decimal"

// CartLine mirrors one cart line on the wire.
type CartLine struct {
	ItemID              string          `json:"itemId" validate:"required"`
	Name                string          `json:"name"`
	UnitPrice           decimal.Decimal `json:"unitPrice"`
	Quantity            int             `json:"quantity" validate:"gte=1"`
	OutletID            string          `json:"outletId"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
}

// CartState is the full server-authoritative cart returned by every cart
// endpoint.
type CartState struct {
	FoodCourtID string     `json:"foodCourtId"`
	TableID     string     `json:"tableId"`
	Version     string     `json:"version"`
	Lines       []CartLine `json:"lines"`
}

// AddItemRequest is the payload for adding a line to the table's cart.
type AddItemRequest struct {
	ItemID              string          `json:"itemId" validate:"required"`
	Name                string          `json:"name"`
	UnitPrice           decimal.Decimal `json:"unitPrice"`
	Quantity            int             `json:"quantity" validate:"gte=1"`
	OutletID            string          `json:"outletId" validate:"required"`
	SpecialInstructions string          `json:"specialInstructions,omitempty"`
}

// UpdateItemRequest adjusts the quantity of an existing line.
type UpdateItemRequest struct {
	Quantity int `json:"quantity" validate:"gte=1"`
}

// InitiateCheckoutRequest asks the backend to create a payment intent. The
// amount is advisory; the server recomputes it from its own cart copy.
type InitiateCheckoutRequest struct {
	AmountMinor int64  `json:"amount" validate:"gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	FoodCourtID string `json:"foodCourtId" validate:"required"`
	TableNumber string `json:"tableNumber" validate:"required"`
}

// InitiateCheckoutResponse carries the created payment intent.
type InitiateCheckoutResponse struct {
	GatewayOrderID string `json:"gatewayOrderId"`
	IntentID       string `json:"intentId"`
	AmountMinor    int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// FinalizeCheckoutRequest presents the payment gateway's proof to the
// backend. The ids and signature are opaque and forwarded verbatim; the
// backend verifies authenticity and must treat the call as idempotent per
// intent id.
type FinalizeCheckoutRequest struct {
	IntentID         string `json:"intentId" validate:"required"`
	GatewayPaymentID string `json:"gatewayPaymentId" validate:"required"`
	GatewayOrderID   string `json:"gatewayOrderId" validate:"required"`
	GatewaySignature string `json:"gatewaySignature" validate:"required"`
}

// FinalizeCheckoutResponse confirms the created order.
type FinalizeCheckoutResponse struct {
	OrderID string `json:"orderId"`
}
