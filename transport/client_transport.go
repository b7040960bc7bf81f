// Package transport implements the client side of the binder wire: a multiplexed
// connection to one server process, with heartbeat, and Remote, the handle a
// proxy uses to reach one object on that server.
//
// ClientTransport lets many concurrent transactions share a single connection.
// Each synchronous transaction gets a unique sequence number, and a background
// goroutine (recvLoop) reads reply frames and routes them to the waiting caller.
// One-way transactions are written and forgotten: they never enter the pending map.
//
//	goroutine-1 ──Transact(seq=1)──┐
//	goroutine-2 ──Transact(seq=2)──┼──→ single conn ──→ Server
//	goroutine-3 ──Transact(1-way)──┘
//
//	recvLoop:  ←── reply(seq=2) → pending[2] chan → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mini-binder/binder"
	"mini-binder/protocol"
)

// DefaultHeartbeat is the interval between heartbeat frames.
const DefaultHeartbeat = 30 * time.Second

type options struct {
	logger    *zap.Logger
	heartbeat time.Duration
}

// Option configures a ClientTransport.
type Option func(*options)

// WithLogger sets the logger used for connection-level events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHeartbeat sets the heartbeat interval. Zero or negative disables heartbeats.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// result is what recvLoop hands to a waiting caller.
type result struct {
	status binder.Status
	body   []byte
	err    error
}

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn    net.Conn
	logger  *zap.Logger
	seq     uint32     // protected by sending
	pending sync.Map   // map[uint32]chan result
	sending sync.Mutex // whole frames must be written atomically

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{} // closed when the connection is lost or closed
	err       error         // why done was closed; written once before close(done)
}

// Dial connects to addr and wraps the connection in a ClientTransport.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %v", binder.ErrTransport, network, addr, err)
	}
	return NewClientTransport(conn, opts...), nil
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads reply frames and dispatches them to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames so a dead connection is noticed
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	o := options{heartbeat: DefaultHeartbeat}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	t := &ClientTransport{
		conn:   conn,
		logger: o.logger.Named("transport").With(zap.Stringer("remote", conn.RemoteAddr())),
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Transact sends one transaction to the object identified by handle.
//
// For binder.Synchronous it blocks until the reply arrives, ctx is done, or
// the connection is lost, and returns the reply parcel bytes. A reply with a
// non-OK status is returned as a *binder.StatusError.
// For binder.OneWay it returns as soon as the frame is written, with a nil reply.
func (t *ClientTransport) Transact(ctx context.Context, handle uint32, code binder.Code, data []byte, mode binder.CallMode) ([]byte, error) {
	header := protocol.Header{
		MsgType: protocol.MsgTypeTransaction,
		Handle:  handle,
		Code:    uint32(code),
		BodyLen: uint32(len(data)),
	}
	if mode == binder.OneWay {
		header.Flags |= protocol.FlagOneway
	}

	ch, err := t.send(&header, data, mode == binder.Synchronous)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, nil
	}

	select {
	case res := <-ch:
		return res.reply()
	case <-ctx.Done():
		t.pending.Delete(header.Seq)
		return nil, ctx.Err()
	case <-t.done:
		// The reply may have been routed just before the connection went away.
		select {
		case res := <-ch:
			return res.reply()
		default:
		}
		t.pending.Delete(header.Seq)
		return nil, fmt.Errorf("%w: %v", binder.ErrTransport, t.err)
	}
}

// send writes one frame. When wait is set it assigns a sequence number and
// registers a pending channel before writing, so recvLoop can never see a
// reply it does not know about.
func (t *ClientTransport) send(header *protocol.Header, body []byte, wait bool) (chan result, error) {
	t.sending.Lock()
	defer t.sending.Unlock()

	if t.closed.Load() {
		return nil, fmt.Errorf("%w: connection closed", binder.ErrTransport)
	}

	var ch chan result
	if wait {
		t.seq++
		header.Seq = t.seq
		ch = make(chan result, 1) // buffered so recvLoop never blocks
		t.pending.Store(header.Seq, ch)
	}

	if err := protocol.Encode(t.conn, header, body); err != nil {
		if wait {
			t.pending.Delete(header.Seq)
		}
		return nil, fmt.Errorf("%w: write transaction: %v", binder.ErrTransport, err)
	}
	return ch, nil
}

func (r result) reply() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if err := r.status.Err(string(r.body)); err != nil {
		return nil, err
	}
	return r.body, nil
}

// recvLoop runs in a dedicated goroutine, continuously reading reply frames.
// Reads must be sequential to parse frame boundaries, so there is exactly one reader.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeReply:
		default:
			t.logger.Warn("unexpected frame from server", zap.Uint8("msgType", uint8(header.MsgType)))
			continue
		}

		channel, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			// The caller gave up (ctx done) before the reply arrived.
			t.logger.Debug("dropping reply with no pending caller", zap.Uint32("seq", header.Seq))
			continue
		}
		channel.(chan result) <- result{status: binder.Status(int32(header.Code)), body: body}
	}
}

// fail marks the transport dead, closes the connection and releases every
// pending caller. Only the first call has any effect.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.err = err
		close(t.done)
		t.conn.Close()
		if !errors.Is(err, net.ErrClosed) {
			t.logger.Info("connection lost", zap.Error(err))
		}
		t.closeAllPending(err)
	})
}

// closeAllPending sends an error to every pending caller so none of them
// blocks forever waiting for a reply.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: fmt.Errorf("%w: %v", binder.ErrTransport, err)}
		}
		return true
	})
}

// heartbeatLoop sends periodic heartbeat frames until the transport is closed.
// Heartbeat frames have no body, so they are very lightweight.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		if _, err := t.send(header, nil, false); err != nil {
			t.fail(err)
			return
		}
	}
}

// Alive reports whether the connection is still usable.
func (t *ClientTransport) Alive() bool {
	return !t.closed.Load()
}

// Done is closed once the connection is lost or closed.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close shuts the connection down. Pending synchronous transactions fail with binder.ErrTransport.
func (t *ClientTransport) Close() error {
	t.fail(net.ErrClosed)
	return nil
}
