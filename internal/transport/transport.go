// Package transport declares the contract between the sync engine and
// whatever carries its traffic: correlated request/response calls plus
// unsolicited event delivery over one logical connection.
//
// Reconnection, backoff and wire encoding are the concern of concrete
// implementations, not of this contract.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event is one unsolicited push delivery. Payload is decoded by the
// subscriber; for protocol.TopicSessionEvents it is a protocol.SessionEvent.
type Event struct {
	Topic   string
	Payload json.RawMessage
}

// Handler consumes push events. Handlers for a given topic are invoked in
// delivery order.
type Handler func(evt Event)

// Transport reaches the authoritative session store.
//
// Call blocks until the store answers or ctx is done. A non-nil error covers
// both "not connected" and a rejected request; the payload is only valid on
// success.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(topic string, h Handler) (func(), error)
}

// CallError is a request the store rejected, as opposed to a connection
// failure.
type CallError struct {
	Method string
	Code   string
	Reason string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Method, e.Reason, e.Code)
}
