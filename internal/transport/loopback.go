package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lanewaylabs/sessionsync/internal/backend"
	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

// Loopback binds an in-process store and its event bus to the Transport
// contract. It is the transport for tests and single-binary deployments;
// networked transports live with their owners, outside this module.
type Loopback struct {
	svc *backend.Service
	bus *backend.Bus
}

func NewLoopback(svc *backend.Service, bus *backend.Bus) *Loopback {
	return &Loopback{svc: svc, bus: bus}
}

func (l *Loopback) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: encode params: %w", method, err)
	}

	var result any
	switch method {
	case protocol.MethodSessionsSwitch:
		var p protocol.SwitchParams
		if err := json.Unmarshal(encoded, &p); err != nil {
			return nil, &CallError{Method: method, Code: "bad_params", Reason: err.Error()}
		}
		result, err = l.svc.Switch(ctx, p)
	case protocol.MethodSessionsList:
		result, err = l.svc.List(ctx)
	case protocol.MethodSessionsResolve:
		var p protocol.ResolveParams
		if err := json.Unmarshal(encoded, &p); err != nil {
			return nil, &CallError{Method: method, Code: "bad_params", Reason: err.Error()}
		}
		result, err = l.svc.Resolve(ctx, p.Key)
	case protocol.MethodChatAppend:
		var p protocol.AppendParams
		if err := json.Unmarshal(encoded, &p); err != nil {
			return nil, &CallError{Method: method, Code: "bad_params", Reason: err.Error()}
		}
		var idx int
		idx, err = l.svc.Append(ctx, p.Key, p.Message)
		result = protocol.AppendResult{HistoryIndex: idx}
	case protocol.MethodChatClear:
		var p protocol.ClearParams
		if err := json.Unmarshal(encoded, &p); err != nil {
			return nil, &CallError{Method: method, Code: "bad_params", Reason: err.Error()}
		}
		err = l.svc.Clear(ctx, p.Key)
		result = struct{}{}
	case protocol.MethodChatContext:
		var p protocol.ResolveParams
		if err := json.Unmarshal(encoded, &p); err != nil {
			return nil, &CallError{Method: method, Code: "bad_params", Reason: err.Error()}
		}
		result, err = l.svc.Context(ctx, p.Key)
	default:
		return nil, &CallError{Method: method, Code: "unknown_method", Reason: "method not supported"}
	}
	if err != nil {
		return nil, &CallError{Method: method, Code: "store_error", Reason: err.Error()}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%s: encode result: %w", method, err)
	}
	return out, nil
}

func (l *Loopback) Subscribe(topic string, h Handler) (func(), error) {
	if topic != protocol.TopicSessionEvents {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	cancel := l.bus.Subscribe(func(evt protocol.SessionEvent) {
		payload, err := json.Marshal(evt)
		if err != nil {
			return
		}
		h(Event{Topic: topic, Payload: payload})
	})
	return cancel, nil
}
