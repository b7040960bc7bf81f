// Package demo implements the DemoServer interface: three remotely
// invokable operations, the client-side Proxy that encodes them into
// transactions, the server-side Stub that decodes and dispatches them, and
// the Service that holds the business logic.
//
// Wire contract, per operation code (every request opens with Descriptor):
//
//	ALERT  1  text (fixed literal)  -> (none)   one-way
//	PUSH   2  int32                 -> (empty)  synchronous
//	ADD    3  int32, int32          -> int32    synchronous
package demo

import (
	"context"

	"go.uber.org/zap"

	"mini-binder/binder"
)

// Descriptor names the interface. It opens every transaction buffer.
const Descriptor = "DemoServer"

// Operation codes. Changing them breaks wire compatibility.
const (
	CodeAlert = binder.FirstCallTransaction + iota
	CodePush
	CodeAdd
)

// AlertText is the literal the proxy sends with every alert.
const AlertText = ">>> The alert string"

// Demo is the capability implemented by Service (locally) and Proxy (remotely).
type Demo interface {
	// Push sends a value to the service.
	Push(ctx context.Context, v int32) error
	// Alert signals an alert condition. It does not wait for the service.
	Alert(ctx context.Context) error
	// Add returns v1 + v2 with two's-complement wraparound.
	Add(ctx context.Context, v1, v2 int32) (int32, error)
}

// AsInterface returns a Demo for b. Objects living in this process are
// returned directly; anything else is wrapped in a Proxy.
func AsInterface(b binder.IBinder, logger *zap.Logger) (Demo, error) {
	if local, ok := b.(*binder.Local); ok {
		if stub, ok := local.Handler().(*Stub); ok {
			return stub.impl, nil
		}
	}
	return NewProxy(b, logger)
}
