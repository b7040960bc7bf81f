// Package client is the service-manager side of a binder client: it turns a
// well-known service name into a live binder.IBinder.
//
//	CheckService    one lookup, fails fast
//	GetService      CheckService retried with exponential backoff
//	WaitForService  blocks on a registry watch until the name appears
//
// Resolved handles are cached by name. Connections are shared per server
// address, so every object published by one server rides one connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"mini-binder/binder"
	"mini-binder/loadbalance"
	"mini-binder/registry"
	"mini-binder/transport"
)

const (
	DefaultRetries   = 5
	DefaultBackoff   = 100 * time.Millisecond
	DefaultCacheSize = 64
)

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) {
		c.balancer = b
	}
}

// WithRetries sets how many lookups GetService makes, and the delay before
// the second one. Each further delay doubles.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = attempts
		c.backoff = backoff
	}
}

// WithHeartbeat sets the heartbeat interval of new connections.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) {
		c.heartbeat = interval
	}
}

// WithCacheSize bounds how many resolved names are remembered.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		c.cacheSize = n
	}
}

// Client resolves service names through a registry.
type Client struct {
	registry  registry.Registry
	balancer  loadbalance.Balancer
	logger    *zap.Logger
	retries   int
	backoff   time.Duration
	heartbeat time.Duration
	cacheSize int

	cache *lru.Cache // name → *transport.Remote

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport // network://addr → shared connection
	closed     bool
}

// New creates a client that resolves names through reg.
func New(reg registry.Registry, opts ...Option) (*Client, error) {
	if reg == nil {
		return nil, errors.New("client: nil registry")
	}
	c := &Client{
		registry:   reg,
		balancer:   &loadbalance.RoundRobinBalancer{},
		retries:    DefaultRetries,
		backoff:    DefaultBackoff,
		heartbeat:  transport.DefaultHeartbeat,
		cacheSize:  DefaultCacheSize,
		transports: make(map[string]*transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("client")
	if c.retries < 1 {
		c.retries = 1
	}

	cache, err := lru.NewWithEvict(c.cacheSize, func(key, value any) {
		c.logger.Debug("evicted service handle", zap.Any("name", key))
	})
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	c.cache = cache
	return c, nil
}

// CheckService resolves name once. It fails with binder.ErrEndpointUnavailable
// (wrapping registry.ErrNotFound) when nothing is published under name.
func (c *Client) CheckService(ctx context.Context, name string) (binder.IBinder, error) {
	if v, ok := c.cache.Get(name); ok {
		remote := v.(*transport.Remote)
		if remote.Alive() {
			return remote, nil
		}
		c.logger.Debug("cached handle is dead", zap.String("name", name))
		c.cache.Remove(name)
	}

	eps, err := c.registry.Discover(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", binder.ErrEndpointUnavailable, name, err)
	}
	ep, err := c.balancer.Pick(eps)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", binder.ErrEndpointUnavailable, name, err)
	}

	t, err := c.connect(ctx, ep)
	if err != nil {
		return nil, err
	}
	remote := transport.NewRemote(t, ep.Handle)
	c.cache.Add(name, remote)
	c.logger.Debug("resolved service", zap.Stringer("endpoint", ep))
	return remote, nil
}

// GetService calls CheckService until it succeeds, the attempts run out, or ctx is done.
func (c *Client) GetService(ctx context.Context, name string) (binder.IBinder, error) {
	delay := c.backoff
	for attempt := 1; ; attempt++ {
		b, err := c.CheckService(ctx, name)
		if err == nil {
			return b, nil
		}
		if attempt >= c.retries {
			return nil, err
		}
		c.logger.Info("waiting for service",
			zap.String("name", name),
			zap.Int("attempt", attempt),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", binder.ErrEndpointUnavailable, name, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

// WaitForService blocks until name is published and reachable, or ctx is done.
func (c *Client) WaitForService(ctx context.Context, name string) (binder.IBinder, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for eps := range c.registry.Watch(watchCtx, name) {
		if len(eps) == 0 {
			continue
		}
		b, err := c.CheckService(ctx, name)
		if err == nil {
			return b, nil
		}
		c.logger.Debug("service published but not reachable yet", zap.String("name", name), zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %s: %w", binder.ErrEndpointUnavailable, name, ctx.Err())
}

// connect returns the shared connection to ep's server, dialing a new one
// when there is none or the previous one died.
func (c *Client) connect(ctx context.Context, ep registry.Endpoint) (*transport.ClientTransport, error) {
	key := ep.Network + "://" + ep.Addr

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", binder.ErrTransport)
	}
	if t, ok := c.transports[key]; ok {
		if t.Alive() {
			return t, nil
		}
		delete(c.transports, key)
	}

	t, err := transport.Dial(ctx, ep.Network, ep.Addr,
		transport.WithLogger(c.logger),
		transport.WithHeartbeat(c.heartbeat),
	)
	if err != nil {
		return nil, err
	}
	c.transports[key] = t
	return t, nil
}

// Close drops every cached handle and closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cache.Purge()
	for key, t := range c.transports {
		t.Close()
		delete(c.transports, key)
	}
	return nil
}
