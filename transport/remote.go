package transport

import (
	"context"
	"net"

	"mini-binder/binder"
	"mini-binder/parcel"
)

// Remote is a handle to one object living in another process. It implements
// binder.IBinder by sending transactions over a shared ClientTransport.
type Remote struct {
	t      *ClientTransport
	handle uint32
}

var _ binder.IBinder = (*Remote)(nil)

// NewRemote returns the handle for object handle on the server behind t.
func NewRemote(t *ClientTransport, handle uint32) *Remote {
	return &Remote{t: t, handle: handle}
}

// Transact sends data to the remote object. The reply is nil for one-way calls.
func (r *Remote) Transact(ctx context.Context, code binder.Code, data *parcel.Parcel, mode binder.CallMode) (*parcel.Parcel, error) {
	var body []byte
	if data != nil {
		body = data.Bytes()
	}
	reply, err := r.t.Transact(ctx, r.handle, code, body, mode)
	if err != nil {
		return nil, err
	}
	if mode == binder.OneWay {
		return nil, nil
	}
	return parcel.FromBytes(reply), nil
}

// Handle returns the server-side object handle.
func (r *Remote) Handle() uint32 {
	return r.handle
}

// RemoteAddr returns the address of the server hosting the object.
func (r *Remote) RemoteAddr() net.Addr {
	return r.t.conn.RemoteAddr()
}

// Alive reports whether the underlying connection is still up. It does not
// probe the object; use Ping for that.
func (r *Remote) Alive() bool {
	return r.t.Alive()
}

// Ping round-trips a ping transaction to the remote object.
func (r *Remote) Ping(ctx context.Context) error {
	return binder.Ping(ctx, r)
}
