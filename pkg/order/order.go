package order

import (
	"errors"
	"math"
	"time"
)

var (
	ErrInvalidKind   = errors.New("unsupported order kind")
	ErrInvalidAmount = errors.New("invalid order amount")
	ErrUnknownOrder  = errors.New("order not found")
)

// KindMarket is the only order kind the engine accepts.
const KindMarket = "MARKET"

// Status tracks the lifecycle of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Order is the engine's view of a market order and its processing history.
type Order struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"`
	AssetIn  string  `json:"assetIn"`
	AssetOut string  `json:"assetOut"`
	Amount   float64 `json:"amount"`
	Status   Status  `json:"status"`

	// Set during processing, never cleared once set.
	Venue         string  `json:"venue,omitempty"`
	Price         float64 `json:"price,omitempty"`
	SettlementRef string  `json:"settlementRef,omitempty"`

	// Append-only processing log.
	Logs []string `json:"logs"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New builds a pending order with its initial log entry.
func New(id, kind, assetIn, assetOut string, amount float64, now time.Time) *Order {
	return &Order{
		ID:        id,
		Kind:      kind,
		AssetIn:   assetIn,
		AssetOut:  assetOut,
		Amount:    amount,
		Status:    StatusPending,
		Logs:      []string{"Order received"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks an admission request. Failures are returned before any
// state is created, so a rejected submission leaves no trace.
func Validate(kind string, amount float64) error {
	if kind != KindMarket {
		return ErrInvalidKind
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ErrInvalidAmount
	}
	return nil
}

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSubmitted: 3,
	StatusConfirmed: 4,
}

// CanTransition reports whether moving from -> to is a legal edge of the
// state graph. Confirmed is terminal. Failed is terminal for an attempt but a
// redelivered job may re-enter routing, and the final budget-exhausted log is
// recorded as failed -> failed.
func CanTransition(from, to Status) bool {
	if from == StatusConfirmed {
		return false
	}
	if from == StatusFailed {
		return to == StatusRouting || to == StatusFailed
	}
	if to == StatusFailed {
		return true
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// Terminal reports whether a status ends a processing attempt.
func Terminal(s Status) bool {
	return s == StatusConfirmed || s == StatusFailed
}
