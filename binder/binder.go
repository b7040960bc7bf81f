// Package binder defines the transaction model shared by proxies and stubs:
// operation codes, calling modes, the IBinder capability and the base
// dispatcher every local object falls back to.
//
// An IBinder is anything a transaction can be sent to. A proxy holds one
// without knowing whether it is in-process (Local) or behind a transport.
//
//	Proxy ──Transact(code, data, mode)──► IBinder
//	                                        ├── *Local  ──► Handler.OnTransact (stub)
//	                                        └── remote  ──► transport ──► server ──► *Local
package binder

import (
	"context"
	"fmt"

	"mini-binder/parcel"
)

// Code identifies an operation within an interface. Codes are part of the
// wire contract and must not change once published.
type Code uint32

const (
	// FirstCallTransaction is the first code available to user interfaces.
	// Code 0 is never assigned.
	FirstCallTransaction Code = 0x00000001
	// LastCallTransaction is the last code available to user interfaces.
	LastCallTransaction Code = 0x00ffffff

	// PingTransaction checks that the object is alive. Handled by every local binder.
	PingTransaction Code = '_'<<24 | 'P'<<16 | 'N'<<8 | 'G'
	// InterfaceTransaction asks the object for its descriptor.
	InterfaceTransaction Code = '_'<<24 | 'N'<<16 | 'T'<<8 | 'F'
)

func (c Code) String() string {
	switch c {
	case PingTransaction:
		return "PING_TRANSACTION"
	case InterfaceTransaction:
		return "INTERFACE_TRANSACTION"
	}
	return fmt.Sprintf("%d", uint32(c))
}

// CallMode selects the calling convention of a transaction.
type CallMode uint8

const (
	// Synchronous blocks the caller until the reply arrives.
	Synchronous CallMode = iota
	// OneWay returns once the transaction is handed off. There is no reply.
	OneWay
)

func (m CallMode) String() string {
	if m == OneWay {
		return "ONE_WAY"
	}
	return "SYNCHRONOUS"
}

// IBinder is the capability a proxy transacts against.
//
// For Synchronous calls the returned parcel holds the reply payload,
// positioned at its start. For OneWay calls the returned parcel is nil.
type IBinder interface {
	Transact(ctx context.Context, code Code, data *parcel.Parcel, mode CallMode) (*parcel.Parcel, error)
}

// Handler is implemented by stubs. OnTransact must be safe for concurrent
// use and keep no state between transactions. reply is nil for OneWay
// transactions and must not be written to.
type Handler interface {
	Descriptor() string
	OnTransact(ctx context.Context, code Code, data, reply *parcel.Parcel, mode CallMode) error
}

// CheckInterface reads the leading descriptor of data and verifies that it
// names h's interface.
func CheckInterface(data *parcel.Parcel, h Handler) error {
	token, err := data.ReadInterfaceToken()
	if err != nil {
		return fmt.Errorf("%w: unreadable token: %w", ErrDescriptorMismatch, err)
	}
	if want := h.Descriptor(); token != want {
		return fmt.Errorf("%w: got %q, want %q", ErrDescriptorMismatch, token, want)
	}
	return nil
}

// BaseTransact is the dispatcher a stub delegates to for codes it does not
// recognise. It answers ping and interface queries and rejects the rest.
func BaseTransact(h Handler, code Code, reply *parcel.Parcel) error {
	switch code {
	case PingTransaction:
		return nil
	case InterfaceTransaction:
		if reply != nil {
			reply.WriteString(h.Descriptor())
		}
		return nil
	}
	return fmt.Errorf("%w: code %s on %q", ErrUnknownOperation, code, h.Descriptor())
}

// Local is an in-process IBinder backed by a Handler.
type Local struct {
	handler Handler
}

// NewLocal wraps h.
func NewLocal(h Handler) *Local {
	return &Local{handler: h}
}

// Handler returns the wrapped handler, so interface casts can skip the proxy
// for objects living in the same process.
func (l *Local) Handler() Handler {
	return l.handler
}

// Descriptor returns the descriptor of the wrapped handler.
func (l *Local) Descriptor() string {
	return l.handler.Descriptor()
}

// Transact dispatches directly to the handler.
func (l *Local) Transact(ctx context.Context, code Code, data *parcel.Parcel, mode CallMode) (*parcel.Parcel, error) {
	if data == nil {
		data = parcel.New()
	}
	var reply *parcel.Parcel
	if mode == Synchronous {
		reply = parcel.New()
	}
	if err := l.handler.OnTransact(ctx, code, data, reply, mode); err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return parcel.FromBytes(reply.Bytes()), nil
}

// Ping sends PingTransaction to b.
func Ping(ctx context.Context, b IBinder) error {
	_, err := b.Transact(ctx, PingTransaction, parcel.New(), Synchronous)
	return err
}

// InterfaceDescriptor asks b for the descriptor of the interface it implements.
func InterfaceDescriptor(ctx context.Context, b IBinder) (string, error) {
	reply, err := b.Transact(ctx, InterfaceTransaction, parcel.New(), Synchronous)
	if err != nil {
		return "", err
	}
	return reply.ReadString()
}
