// Package notify fans order state transitions out to live subscribers.
// Publishing is fire-and-forget: a transition with zero subscribers is not an
// error, and a subscriber that stops draining only loses its own messages.
package notify

import (
	"sync"
	"time"

	"github.com/devhyun/dexflow/pkg/order"
)

// Event is the full payload of one state transition.
type Event struct {
	OrderID       string       `json:"orderId"`
	Status        order.Status `json:"status"`
	Log           string       `json:"log"`
	Venue         string       `json:"venue,omitempty"`
	Price         float64      `json:"price,omitempty"`
	SettlementRef string       `json:"settlementRef,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

const defaultBuffer = 64

// Subscription is one listener on one order's topic. C is closed by
// Unsubscribe and never by the bus.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	orderID string
	ch      chan Event
	once    sync.Once
}

// Unsubscribe detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.drop(s)
		close(s.ch)
	})
}

// Bus is an in-process publish/subscribe topic per order identifier.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe opens a subscription on an order's topic. The order does not have
// to exist: subscribing to an unknown or already-terminal id is valid and
// simply never yields messages.
func (b *Bus) Subscribe(orderID string) *Subscription {
	ch := make(chan Event, defaultBuffer)
	sub := &Subscription{C: ch, bus: b, orderID: orderID, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[orderID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[orderID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every current subscriber of the order's topic.
// A subscriber whose buffer is full is skipped rather than blocking the
// pipeline.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[ev.OrderID] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// NumSubscribers reports the live subscriber count for an order topic.
func (b *Bus) NumSubscribers(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[orderID])
}

func (b *Bus) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.orderID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.orderID)
	}
}
