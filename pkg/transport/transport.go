// Package transport defines the seam between scheduler-tree actors. The
// in-process implementation here dispatches directly to a registered
// handler; a networked implementation (gRPC, etc.) can satisfy the same
// interface without callers changing.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Transport delivers a named RPC call to whatever address owns it and
// returns the raw reply payload. Callers marshal/unmarshal their own
// request and response types; the transport only routes by address+method.
type Transport interface {
	Call(ctx context.Context, address, method string, req any) (any, error)
}

// Handler processes one inbound call for a registered address.
type Handler func(ctx context.Context, method string, req any) (any, error)

// Local is an in-process Transport: components register a Handler under an
// address and other components call it directly, with no network hop. This
// is the implementation every scheduler tier uses today; a future transport
// implementing the same interface can replace it without touching callers.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocal builds an empty in-process transport registry.
func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

// Register binds address to handler. Registering the same address twice
// replaces the previous handler.
func (l *Local) Register(address string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[address] = h
}

// Unregister removes a previously registered address.
func (l *Local) Unregister(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, address)
}

// Call implements Transport.
func (l *Local) Call(ctx context.Context, address, method string, req any) (any, error) {
	l.mu.RLock()
	h, ok := l.handlers[address]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no handler registered for address %q", address)
	}
	return h(ctx, method, req)
}
