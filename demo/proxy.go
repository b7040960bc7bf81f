package demo

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mini-binder/binder"
	"mini-binder/parcel"
)

// Proxy implements Demo by turning each call into a transaction on a
// remote endpoint.
type Proxy struct {
	remote binder.IBinder
	logger *zap.Logger
}

var _ Demo = (*Proxy)(nil)

// NewProxy binds a proxy to remote.
func NewProxy(remote binder.IBinder, logger *zap.Logger) (*Proxy, error) {
	if remote == nil {
		return nil, fmt.Errorf("demo: new proxy: %w", binder.ErrEndpointUnavailable)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{remote: remote, logger: logger.Named("proxy")}, nil
}

// Remote returns the endpoint the proxy transacts against.
func (p *Proxy) Remote() binder.IBinder {
	return p.remote
}

func (p *Proxy) Push(ctx context.Context, v int32) error {
	data := parcel.New()
	data.WriteInterfaceToken(Descriptor)
	data.WriteInt32(v)
	p.logger.Debug("push parcel to be sent", zap.Stringer("parcel", data))

	reply, err := p.remote.Transact(ctx, CodePush, data, binder.Synchronous)
	if err != nil {
		return fmt.Errorf("demo: push(%d): %w", v, err)
	}
	p.logger.Debug("push parcel reply", zap.Stringer("parcel", reply))
	p.logger.Debug("push", zap.Int32("value", v))
	return nil
}

func (p *Proxy) Alert(ctx context.Context) error {
	data := parcel.New()
	data.WriteInterfaceToken(Descriptor)
	data.WriteString(AlertText)

	if _, err := p.remote.Transact(ctx, CodeAlert, data, binder.OneWay); err != nil {
		return fmt.Errorf("demo: alert: %w", err)
	}
	p.logger.Debug("alert sent")
	return nil
}

func (p *Proxy) Add(ctx context.Context, v1, v2 int32) (int32, error) {
	data := parcel.New()
	data.WriteInterfaceToken(Descriptor)
	data.WriteInt32(v1)
	data.WriteInt32(v2)
	p.logger.Debug("add parcel to be sent", zap.Stringer("parcel", data))

	reply, err := p.remote.Transact(ctx, CodeAdd, data, binder.Synchronous)
	if err != nil {
		return 0, fmt.Errorf("demo: add(%d, %d): %w", v1, v2, err)
	}
	p.logger.Debug("add transact reply", zap.Stringer("parcel", reply))
	return decodeSum(reply, v1, v2)
}

func decodeSum(reply *parcel.Parcel, v1, v2 int32) (int32, error) {
	if reply == nil {
		reply = parcel.New()
	}
	sum, err := reply.ReadInt32()
	if err != nil {
		return 0, fmt.Errorf("demo: add(%d, %d) reply: %w", v1, v2, err)
	}
	return sum, nil
}
