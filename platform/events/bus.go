package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"crm_leadflow/platform/logger"
)

// InMemoryBus is a process-local Bus. Handlers subscribed to the same event
// name run in subscription order. Events implementing Keyed are delivered
// one at a time per key, in publish order.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *logger.Logger
	wg       sync.WaitGroup

	queueMu sync.Mutex
	queues  map[string][]func()
}

// NewInMemoryBus creates an empty bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]Handler),
		log:      log,
		queues:   make(map[string][]func()),
	}
}

// Subscribe registers a handler for the given event name.
func (b *InMemoryBus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = append(b.handlers[eventName], handler)
}

// Publish runs handlers in a background goroutine. Errors are logged.
// The context is detached from cancellation so a finished request does not
// abort downstream work. A keyed event is queued behind earlier events with
// the same key before Publish returns.
func (b *InMemoryBus) Publish(ctx context.Context, event Event) {
	handlers := b.snapshot(event.EventName())
	if len(handlers) == 0 {
		return
	}

	detached := context.WithoutCancel(ctx)
	deliver := func() { b.deliver(detached, event, handlers) }

	if keyed, ok := event.(Keyed); ok {
		if key := keyed.OrderingKey(); key != "" {
			b.enqueue(key, deliver)
			return
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		deliver()
	}()
}

// enqueue appends a delivery to the key's queue and starts a drain goroutine
// when none is running for that key.
func (b *InMemoryBus) enqueue(key string, deliver func()) {
	b.queueMu.Lock()
	pending, running := b.queues[key]
	b.queues[key] = append(pending, deliver)
	if running {
		b.queueMu.Unlock()
		return
	}
	b.wg.Add(1)
	b.queueMu.Unlock()

	go b.drain(key)
}

func (b *InMemoryBus) drain(key string) {
	defer b.wg.Done()
	for {
		b.queueMu.Lock()
		pending := b.queues[key]
		if len(pending) == 0 {
			delete(b.queues, key)
			b.queueMu.Unlock()
			return
		}
		next := pending[0]
		pending[0] = nil
		b.queues[key] = pending[1:]
		b.queueMu.Unlock()

		next()
	}
}

func (b *InMemoryBus) deliver(ctx context.Context, event Event, handlers []Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", event.EventName(), "panic", fmt.Sprint(r))
		}
	}()
	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			b.log.Error("event handler failed", "event", event.EventName(), "error", err)
		}
	}
}

// PublishSync runs every handler and returns their joined errors.
func (b *InMemoryBus) PublishSync(ctx context.Context, event Event) error {
	var errs []error
	for _, h := range b.snapshot(event.EventName()) {
		if err := h.Handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until all asynchronously published events have been handled.
func (b *InMemoryBus) Wait() {
	b.wg.Wait()
}

func (b *InMemoryBus) snapshot(eventName string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := b.handlers[eventName]
	out := make([]Handler, len(handlers))
	copy(out, handlers)
	return out
}
