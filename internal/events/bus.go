// Package events publishes the core's outbound notifications. Delivery is
// fire-and-forget with at-least-once semantics; nothing in the matching or
// settlement path depends on a subscriber seeing an event.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the core.
const (
	TypeOrderPlaced           = "ORDER_PLACED"
	TypeOrderCancelled        = "ORDER_CANCELLED"
	TypeTradeExecuted         = "TRADE_EXECUTED"
	TypeTransactionCompleted  = "TRANSACTION_COMPLETED"
	TypeTransactionFailed     = "TRANSACTION_FAILED"
	TypeTransactionRolledBack = "TRANSACTION_ROLLED_BACK"
)

// Event is one outbound notification.
type Event struct {
	Topic     string                 `json:"topic"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// Handler consumes one event. Handlers must be fast; a panicking handler
// is recovered and logged.
type Handler func(Event)

// Bus publishes and subscribes to events.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler Handler)
}

// InMemoryBus is a concurrent fan-out bus for in-process subscribers.
type InMemoryBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]Handler
}

// NewInMemoryBus creates an in-memory event bus.
func NewInMemoryBus(logger *zap.Logger) *InMemoryBus {
	return &InMemoryBus{
		logger: logger.Named("events"),
		subs:   make(map[string][]Handler),
	}
}

// Publish delivers the event to all subscribers of its topic.
func (b *InMemoryBus) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[event.Topic]...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.Any("recover", r),
						zap.String("topic", event.Topic),
						zap.String("type", event.Type))
				}
			}()
			h(event)
		}(handler)
	}
}

// Subscribe registers a handler for topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], handler)
	b.mu.Unlock()
}
