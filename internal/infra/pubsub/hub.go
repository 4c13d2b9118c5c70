// Package pubsub fans committed store events out to subscribers keyed by
// account id. Delivery is best effort: a subscriber that falls behind loses
// events and is expected to catch up through the change feed query.
package pubsub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shm-network/shm/internal/domain"
)

// Hub routes events to per-account subscriptions.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription // account -> id -> sub
	buffer int
	logger *slog.Logger
}

// Subscription receives events addressed to one account.
type Subscription struct {
	ID      string
	Account string
	C       <-chan domain.Event

	ch      chan domain.Event
	done    chan struct{}
	once    sync.Once
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "pubsub"),
	}
}

// Subscribe registers a subscription for account.
func (h *Hub) Subscribe(account string) *Subscription {
	ch := make(chan domain.Event, h.buffer)
	sub := &Subscription{
		ID:      uuid.New().String(),
		Account: account,
		C:       ch,
		ch:      ch,
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	m, ok := h.subs[account]
	if !ok {
		m = make(map[string]*Subscription)
		h.subs[account] = m
	}
	m[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its Done channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if m, ok := h.subs[sub.Account]; ok {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(h.subs, sub.Account)
		}
	}
	h.mu.Unlock()
	sub.once.Do(func() { close(sub.done) })
}

// Publish delivers each event to the subscriptions of its recipients.
// It never blocks; it is used as the store's commit hook.
func (h *Hub) Publish(events []domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ev := range events {
		for _, account := range ev.Recipients {
			for _, sub := range h.subs[account] {
				select {
				case sub.ch <- ev:
				default:
					h.logger.Warn("subscriber buffer full, event dropped",
						"account", account, "subscription", sub.ID, "seq", ev.Seq)
				}
			}
		}
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}
