package escrow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a ledger notification.
type EventType string

const (
	EventEscrowCreated     EventType = "escrow_created"
	EventDeliveryConfirmed EventType = "delivery_confirmed"
	EventReceiptConfirmed  EventType = "receipt_confirmed"
	EventFundsReleased     EventType = "funds_released"
	EventDisputeRaised     EventType = "dispute_raised"
	EventTimeoutClaimed    EventType = "timeout_claimed"
	EventRefunded          EventType = "refunded"
)

// Event is an append-only notification emitted after a committed transition.
type Event struct {
	Seq          int64     `json:"seq"`
	Type         EventType `json:"type"`
	EscrowID     uint64    `json:"escrowId"`
	Actor        Principal `json:"actor"`
	Counterparty Principal `json:"counterparty,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Fee          string    `json:"fee,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	Matched      *bool     `json:"matched,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EventStore persists events and assigns sequence numbers.
type EventStore interface {
	Append(ctx context.Context, ev *Event) error
	Since(ctx context.Context, afterSeq int64, limit int) ([]*Event, error)
	ByEscrow(ctx context.Context, escrowID uint64) ([]*Event, error)
}

// EventLog appends events to a store and fans them out to subscribers.
// Delivery to subscribers is non-blocking: a full subscriber buffer drops the
// event for that subscriber only. The store keeps everything.
type EventLog struct {
	store  EventStore
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewEventLog creates an event log over store.
func NewEventLog(store EventStore, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{
		store:  store,
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Publish persists events in order and notifies subscribers. Persistence
// failures are logged; the transition that produced them has already
// committed.
func (l *EventLog) Publish(ctx context.Context, events ...*Event) {
	for _, ev := range events {
		if err := l.store.Append(ctx, ev); err != nil {
			l.logger.Error("escrow event append failed",
				"type", ev.Type, "escrow_id", ev.EscrowID, "error", err)
			eventAppendFailures.Inc()
			continue
		}
		eventsPublished.WithLabelValues(string(ev.Type)).Inc()
		l.fanOut(*ev)
	}
}

func (l *EventLog) fanOut(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			eventsDropped.Inc()
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that closes
// it. buffer <= 0 uses 64.
func (l *EventLog) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Since replays events with seq > afterSeq.
func (l *EventLog) Since(ctx context.Context, afterSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return l.store.Since(ctx, afterSeq, limit)
}

// ByEscrow returns the full event history of one escrow.
func (l *EventLog) ByEscrow(ctx context.Context, escrowID uint64) ([]*Event, error) {
	return l.store.ByEscrow(ctx, escrowID)
}

// MemoryEventStore keeps events in a slice.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (m *MemoryEventStore) Append(_ context.Context, ev *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.Seq = int64(len(m.events) + 1)
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryEventStore) Since(_ context.Context, afterSeq int64, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, ev := range m.events {
		if ev.Seq <= afterSeq {
			continue
		}
		cp := *ev
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryEventStore) ByEscrow(_ context.Context, escrowID uint64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, ev := range m.events {
		if ev.EscrowID == escrowID {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result, nil
}
