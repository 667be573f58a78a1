package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and single-binary dev
// runs. Deliveries are fanned out to every subscriber of a subject on
// dedicated goroutines, preserving per-subscriber ordering.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
	wg     sync.WaitGroup
}

type memorySub struct {
	ch      chan Delivery
	handler Handler
}

// memoryBusBuffer bounds each subscriber's backlog. Publish drops for a
// subscriber whose buffer is full rather than blocking the publisher.
const memoryBusBuffer = 256

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

// Publish fans the payload out to every subscriber of subject.
func (b *MemoryBus) Publish(_ context.Context, subject string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory bus is closed")
	}
	for _, sub := range b.subs[subject] {
		select {
		case sub.ch <- Delivery{Subject: subject, Payload: payload}:
		default:
			// Subscriber backlog full; drop for this subscriber only.
		}
	}
	return nil
}

// Subscribe registers handler for subject until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memory bus is closed")
	}
	sub := &memorySub{ch: make(chan Delivery, memoryBusBuffer), handler: handler}
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case d, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(ctx, d)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close stops all subscribers and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
