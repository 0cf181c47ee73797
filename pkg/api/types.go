package api

// Request/response types for the REST and WebSocket boundary.

// Machine-checkable rejection codes.
const (
	CodeInvalidOrderKind = "INVALID_ORDER_KIND"
	CodeInvalidAmount    = "INVALID_AMOUNT"
	CodeNotFound         = "NOT_FOUND"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternal         = "INTERNAL"
)

// SubmitOrderRequest is the payload for POST /api/v1/orders.
type SubmitOrderRequest struct {
	Type     string  `json:"type"`     // must be "MARKET"
	TokenIn  string  `json:"tokenIn"`  // e.g. "SOL"
	TokenOut string  `json:"tokenOut"` // e.g. "USDC"
	Amount   float64 `json:"amount"`
}

// SubmitOrderResponse acknowledges an accepted order.
type SubmitOrderResponse struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// The websocket feed at /ws/orders/{orderId} streams notify.Event values as
// JSON, one message per state transition, forward-only (no replay).
