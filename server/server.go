// Package server implements the binder server: an object table addressed by
// handle, a middleware chain, a bounded worker pool, registry publication and
// graceful shutdown.
//
// Transaction processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each transaction: acquire a worker slot, go handleTransaction
//	    → Middleware Chain → dispatch (handle → IBinder.Transact) → write reply (synchronous only)
package server

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
	"mini-binder/message"
	"mini-binder/middleware"
	"mini-binder/parcel"
	"mini-binder/protocol"
	"mini-binder/registry"
)

const (
	// DefaultMaxThreads bounds concurrently running transactions.
	DefaultMaxThreads = 15
	// DefaultLeaseTTL is the registry lease, in seconds, for published names.
	DefaultLeaseTTL int64 = 10
)

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxThreads bounds how many transactions run at once across all connections.
func WithMaxThreads(n int) Option {
	return func(s *Server) {
		s.maxThreads = n
	}
}

// WithLeaseTTL sets the registry lease, in seconds, used when publishing names.
func WithLeaseTTL(ttl int64) Option {
	return func(s *Server) {
		s.leaseTTL = ttl
	}
}

type object struct {
	name   string
	binder binder.IBinder
}

// Server hosts binder objects and serves transactions addressed to them.
type Server struct {
	logger     *zap.Logger
	maxThreads int
	leaseTTL   int64

	mu         sync.RWMutex
	objects    map[uint32]object // handle → object
	names      map[string]uint32 // name → handle
	nextHandle uint32

	listener    net.Listener
	workers     chan struct{}           // counting semaphore, one slot per running transaction
	wg          sync.WaitGroup          // Tracks in-flight transactions for graceful shutdown
	admitMu     sync.Mutex              // Orders wg.Add against the shutdown flag
	shutdown    atomic.Bool             // Set to true during shutdown to suppress Accept errors
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatch)))

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	registry  registry.Registry // nil if not publishing
	published []registry.Endpoint
}

// NewServer creates a server with an empty object table.
func NewServer(opts ...Option) *Server {
	s := &Server{
		maxThreads: DefaultMaxThreads,
		leaseTTL:   DefaultLeaseTTL,
		objects:    make(map[uint32]object),
		names:      make(map[string]uint32),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.maxThreads <= 0 {
		s.maxThreads = DefaultMaxThreads
	}
	s.logger = s.logger.Named("server")
	s.workers = make(chan struct{}, s.maxThreads)
	return s
}

// Register adds obj to the object table under name and returns its handle.
// Handles start at 1. Names are published to the registry when Serve starts.
func (svr *Server) Register(name string, obj binder.IBinder) (uint32, error) {
	if name == "" {
		return 0, errors.New("server: empty service name")
	}
	if obj == nil {
		return 0, fmt.Errorf("server: nil object for %q", name)
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.names[name]; ok {
		return 0, fmt.Errorf("server: service %q already registered", name)
	}
	svr.nextHandle++
	handle := svr.nextHandle
	svr.objects[handle] = object{name: name, binder: obj}
	svr.names[name] = handle
	svr.logger.Info("registered service", zap.String("name", name), zap.Uint32("handle", handle))
	return handle, nil
}

// Lookup returns the handle registered under name.
func (svr *Server) Lookup(name string) (uint32, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	handle, ok := svr.names[name]
	return handle, ok
}

// Listen binds the server's listener. Call it before Serve; Addr is valid afterwards.
func (svr *Server) Listen(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("server: listen %s %s: %w", network, address, err)
	}
	svr.listener = listener
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve publishes every registered name, then runs the Accept loop until
// Shutdown. It returns nil after a graceful shutdown.
//
// Parameters:
//   - advertiseAddr: the address published in the registry (e.g., "127.0.0.1:8080").
//     Empty means the listener's own address.
//   - reg: the registry implementation. Pass nil to skip publication.
func (svr *Server) Serve(advertiseAddr string, reg registry.Registry) error {
	if svr.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	// Build the middleware chain once at startup (not per-transaction)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)

	if advertiseAddr == "" {
		advertiseAddr = svr.listener.Addr().String()
	}
	if reg != nil {
		if err := svr.publish(advertiseAddr, reg); err != nil {
			svr.listener.Close()
			return err
		}
	}
	svr.logger.Info("serving", zap.Stringer("listen", svr.listener.Addr()), zap.String("advertise", advertiseAddr), zap.Int("maxThreads", svr.maxThreads))

	// Accept loop: one reader goroutine per connection
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) publish(advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()

	svr.registry = reg
	network := svr.listener.Addr().Network()
	for name, handle := range svr.names {
		ep := registry.Endpoint{Name: name, Network: network, Addr: advertiseAddr, Handle: handle}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := reg.Register(ctx, ep, svr.leaseTTL)
		cancel()
		if err != nil {
			return fmt.Errorf("server: publish %s: %w", name, err)
		}
		svr.published = append(svr.published, ep)
		svr.logger.Info("published service", zap.Stringer("endpoint", ep))
	}
	return nil
}

// handleConn processes a single connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each transaction to the worker pool for parallel processing.
//
// A per-connection write mutex (writeMu) is shared among all transaction goroutines on this connection.
// This prevents frame interleaving when multiple goroutines write replies concurrently.
func (svr *Server) handleConn(conn net.Conn) {
	if !svr.trackConn(conn, true) {
		conn.Close()
		return
	}
	defer func() {
		svr.trackConn(conn, false)
		conn.Close()
	}()

	logger := svr.logger.With(zap.Stringer("peer", conn.RemoteAddr()))
	logger.Debug("connection opened")
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection closed", zap.Error(err))
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeTransaction:
		default:
			logger.Warn("unexpected frame from client, closing", zap.Uint8("msgType", uint8(header.MsgType)))
			return
		}

		txn := &message.Transaction{
			Seq:    header.Seq,
			Handle: header.Handle,
			Code:   binder.Code(header.Code),
			Mode:   binder.Synchronous,
			Data:   body,
		}
		if header.Oneway() {
			txn.Mode = binder.OneWay
		}

		// Blocks the reader when every worker is busy, which pushes back on the client.
		svr.workers <- struct{}{}
		if !svr.admit() {
			<-svr.workers
			return
		}
		go func() {
			defer func() {
				<-svr.workers
				svr.wg.Done()
			}()
			svr.handleTransaction(txn, conn, writeMu, logger)
		}()
	}
}

// admit counts a new transaction on wg unless shutdown has begun.
func (svr *Server) admit() bool {
	svr.admitMu.Lock()
	defer svr.admitMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) trackConn(conn net.Conn, add bool) bool {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	if add {
		if svr.shutdown.Load() {
			return false
		}
		svr.conns[conn] = struct{}{}
		return true
	}
	delete(svr.conns, conn)
	return true
}

// handleTransaction runs one transaction through the middleware chain and,
// for synchronous transactions, writes the reply frame. It returns only when
// every handler started for txn has returned, even one a middleware detached.
func (svr *Server) handleTransaction(txn *message.Transaction, conn net.Conn, writeMu *sync.Mutex, logger *zap.Logger) {
	var detached sync.WaitGroup
	defer detached.Wait()
	reply := svr.handler(middleware.WithInflight(context.Background(), &detached), txn)

	if txn.Oneway() {
		if reply.Status != binder.StatusOK {
			logger.Warn("one-way transaction failed",
				zap.Uint32("handle", txn.Handle),
				zap.Stringer("code", txn.Code),
				zap.Stringer("status", reply.Status),
				zap.String("error", reply.Error),
			)
		}
		return
	}

	body := reply.Body()
	// Same seq as the transaction, so the client can match it
	replyHeader := protocol.Header{
		MsgType: protocol.MsgTypeReply,
		Seq:     txn.Seq,
		Code:    uint32(int32(reply.Status)),
		BodyLen: uint32(len(body)),
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, body); err != nil {
		logger.Debug("failed to write reply", zap.Uint32("seq", txn.Seq), zap.Error(err))
	}
}

// dispatch is the innermost handler: it finds the addressed object and runs
// the transaction on it.
func (svr *Server) dispatch(ctx context.Context, txn *message.Transaction) *message.Reply {
	svr.mu.RLock()
	obj, ok := svr.objects[txn.Handle]
	svr.mu.RUnlock()
	if !ok {
		return &message.Reply{
			Seq:    txn.Seq,
			Status: binder.StatusDeadObject,
			Error:  fmt.Sprintf("no object with handle %d", txn.Handle),
		}
	}

	reply, err := obj.binder.Transact(ctx, txn.Code, parcel.FromBytes(txn.Data), txn.Mode)
	if err != nil {
		return message.ErrorReply(txn, err)
	}
	r := &message.Reply{Seq: txn.Seq, Status: binder.StatusOK}
	if reply != nil {
		r.Data = reply.Bytes()
	}
	return r
}

// Shutdown performs graceful shutdown:
//  1. Deregister every published name (clients stop resolving this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight transactions to finish (with timeout)
//  5. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Step 1: Deregister FIRST, so clients stop sending new transactions
	var errs []error
	svr.mu.RLock()
	reg, published := svr.registry, svr.published
	svr.mu.RUnlock()
	for _, ep := range published {
		if err := reg.Deregister(ctx, ep); err != nil {
			errs = append(errs, fmt.Errorf("server: deregister %s: %w", ep.Name, err))
		}
	}

	// Step 2: Set shutdown flag BEFORE closing listener. No wg.Add can
	// follow once the flag is set under admitMu.
	svr.admitMu.Lock()
	svr.shutdown.Store(true)
	svr.admitMu.Unlock()
	if svr.listener != nil {
		svr.listener.Close()
	}

	// Step 3: Wait for in-flight transactions with timeout
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("server: timeout waiting for ongoing transactions to finish"))
	}

	svr.connMu.Lock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.connMu.Unlock()

	svr.logger.Info("shut down")
	return errors.Join(errs...)
}
