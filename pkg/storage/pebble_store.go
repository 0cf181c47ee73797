package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/devhyun/dexflow/pkg/order"
)

// PebbleStore persists orders in a pebble keyspace.
//
// keys: o:<uuid>
type PebbleStore struct {
	db *pebble.DB

	// Serializes Commit's read-modify-write. Queue delivery already keeps a
	// single worker per order, but retries and redeliveries make the atomic
	// commit worth keeping regardless.
	mu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func kOrder(id string) []byte { return append([]byte("o:"), id...) }

func (s *PebbleStore) Insert(o *order.Order) error {
	val, err := encodeJSON(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	if err := s.db.Set(kOrder(o.ID), val, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) Get(id string) (*order.Order, error) {
	val, closer, err := s.db.Get(kOrder(id))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, order.ErrUnknownOrder
		}
		return nil, err
	}
	defer closer.Close()
	var out order.Order
	if err := decodeJSON(val, &out); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &out, nil
}

// List returns up to limit orders, newest first.
func (s *PebbleStore) List(limit int) ([]*order.Order, error) {
	prefix := []byte("o:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := decodeJSON(iter.Value(), &o); err != nil {
			continue
		}
		orders = append(orders, &o)
	}
	sortByCreatedDesc(orders)
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// Commit applies one transition atomically: update status and any newly-set
// fields, append the log entry, bump UpdatedAt. Status only moves along the
// state graph; venue, price and settlement ref are never cleared once set.
func (s *PebbleStore) Commit(id string, tr Transition) (*order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.Get(id)
	if err != nil {
		return nil, false, err
	}
	if !order.CanTransition(o.Status, tr.Status) {
		return o, false, nil
	}

	o.Status = tr.Status
	if tr.Venue != "" {
		o.Venue = tr.Venue
	}
	if tr.Price > 0 {
		o.Price = tr.Price
	}
	if tr.SettlementRef != "" {
		o.SettlementRef = tr.SettlementRef
	}
	if tr.Log != "" {
		o.Logs = append(o.Logs, tr.Log)
	}
	o.UpdatedAt = time.Now().UTC()

	val, err := encodeJSON(o)
	if err != nil {
		return nil, false, fmt.Errorf("encode order: %w", err)
	}
	if err := s.db.Set(kOrder(id), val, pebble.Sync); err != nil {
		return nil, false, fmt.Errorf("save order: %w", err)
	}
	return o, true, nil
}

var _ Store = (*PebbleStore)(nil)
