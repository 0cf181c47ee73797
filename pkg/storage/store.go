package storage

import (
	"github.com/devhyun/dexflow/pkg/order"
)

// Transition is one state-machine move applied to a stored order: a status
// change, a log line, and any newly-set fields, committed as a single unit.
type Transition struct {
	Status        order.Status
	Log           string
	Venue         string
	Price         float64
	SettlementRef string
}

// Store is the durable record of every order; the single source of truth for
// status. Commit returns the updated order and whether anything changed: an
// illegal (backwards) transition is a no-op with changed=false, never an
// error, so a redelivered job that races an old attempt cannot rewind state.
type Store interface {
	Insert(o *order.Order) error
	Get(id string) (*order.Order, error)
	List(limit int) ([]*order.Order, error)
	Commit(id string, tr Transition) (*order.Order, bool, error)
	Close() error
}
