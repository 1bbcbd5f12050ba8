package backend

import (
	"context"
	"sync"

	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

// EventSink receives every session event the store emits.
type EventSink interface {
	Publish(ctx context.Context, evt protocol.SessionEvent) error
}

// Bus is the in-process event fan-out: the store publishes into it and
// transports subscribe from it. Delivery is synchronous and in publish
// order, which is the ordering guarantee the engine's cache math relies on.
type Bus struct {
	mu       sync.Mutex
	handlers map[int]func(protocol.SessionEvent)
	nextID   int
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]func(protocol.SessionEvent))}
}

func (b *Bus) Publish(_ context.Context, evt protocol.SessionEvent) error {
	b.mu.Lock()
	fns := make([]func(protocol.SessionEvent), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
	return nil
}

// Subscribe registers fn and returns its cancel function.
func (b *Bus) Subscribe(fn func(protocol.SessionEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// MultiSink fans one publish out to several sinks, stopping at the first
// error.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, evt protocol.SessionEvent) error {
	for _, s := range m {
		if err := s.Publish(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}
