package demo

import (
	"context"

	"go.uber.org/zap"

	"mini-binder/binder"
	"mini-binder/parcel"
)

// Stub decodes DemoServer transactions and dispatches them to a Demo
// implementation. It keeps no state between transactions and is safe to
// call from many workers at once.
type Stub struct {
	impl   Demo
	logger *zap.Logger
}

var _ binder.Handler = (*Stub)(nil)

// NewStub returns a stub dispatching to impl.
func NewStub(impl Demo, logger *zap.Logger) *Stub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stub{impl: impl, logger: logger.Named("stub")}
}

// NewBinder is shorthand for a local binder serving impl.
func NewBinder(impl Demo, logger *zap.Logger) *binder.Local {
	return binder.NewLocal(NewStub(impl, logger))
}

func (s *Stub) Descriptor() string {
	return Descriptor
}

func (s *Stub) OnTransact(ctx context.Context, code binder.Code, data, reply *parcel.Parcel, mode binder.CallMode) error {
	s.logger.Debug("on transact", zap.Stringer("code", code), zap.Stringer("mode", mode))

	// PING and INTERFACE carry no token.
	if code < binder.FirstCallTransaction || code > binder.LastCallTransaction {
		return binder.BaseTransact(s, code, reply)
	}

	if err := binder.CheckInterface(data, s); err != nil {
		return err
	}
	s.logger.Debug("transaction parcel", zap.Stringer("parcel", data))

	switch code {
	case CodeAlert:
		// The alert text is sent but never read.
		return s.impl.Alert(ctx)

	case CodePush:
		v, err := data.ReadInt32()
		if err != nil {
			return err
		}
		s.logger.Debug("push received", zap.Int32("value", v))
		return s.impl.Push(ctx, v)

	case CodeAdd:
		v1, err := data.ReadInt32()
		if err != nil {
			return err
		}
		v2, err := data.ReadInt32()
		if err != nil {
			return err
		}
		sum, err := s.impl.Add(ctx, v1, v2)
		if err != nil {
			return err
		}
		s.logger.Debug("add", zap.Int32("v1", v1), zap.Int32("v2", v2), zap.Int32("sum", sum))
		if reply != nil {
			reply.WriteInt32(sum)
		}
		return nil

	default:
		return binder.BaseTransact(s, code, reply)
	}
}
