package events

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicWalletCredited       = "wallet.credited"
	TopicWalletDebited        = "wallet.debited"
	TopicWalletFrozen         = "wallet.frozen"
	TopicWalletUnfrozen       = "wallet.unfrozen"
	TopicTransactionApplied   = "transaction.applied"
	TopicBookingStatusChanged = "booking.status_changed"
	TopicMilestonePaid        = "milestone.paid"
	TopicDisputeOpened        = "dispute.opened"
	TopicDisputeResolved      = "dispute.resolved"
)

// Event is emitted after every applied transaction and every successful
// lifecycle transition. Delivery and formatting downstream are the consumer's
// responsibility.
type Event struct {
	Topic         string          `json:"topic"`
	WalletID      string          `json:"wallet_id,omitempty"`
	BookingID     string          `json:"booking_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	MilestoneID   string          `json:"milestone_id,omitempty"`
	DisputeID     string          `json:"dispute_id,omitempty"`
	Amount        decimal.Decimal `json:"amount,omitempty"`
	Status        string          `json:"status,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Hub fans events out to in-process subscribers. Slow subscribers are skipped
// rather than blocking the emitting transaction.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string][]chan Event),
	}
}

func (h *Hub) Subscribe(topic string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 10)
	h.subscribers[topic] = append(h.subscribers[topic], ch)
	return ch
}

func (h *Hub) Emit(_ context.Context, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[event.Topic] {
		select {
		case ch <- event:
		default:
			// Channel full, skip (don't block)
		}
	}
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// Fanout emits to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, event Event) {
	for _, s := range f {
		s.Emit(ctx, event)
	}
}
