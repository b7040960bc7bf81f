package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdPrefix = "/mini-binder/"

// EtcdRegistry implements the Registry interface using etcd v3, as a
// "distributed phonebook" for services:
//
//	Key:   /mini-binder/{Name}/{Endpoint.ID}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is removed automatically, so clients never see a ghost endpoint.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]etcdLease // key → lease kept alive by this process
}

type etcdLease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc
}

var _ Registry = (*EtcdRegistry)(nil)

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...Option) (*EtcdRegistry, error) {
	o := newOptions(opts)
	logger := o.logger.Named("registry")
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]etcdLease),
	}, nil
}

func servicePrefix(name string) string {
	return etcdPrefix + name + "/"
}

func etcdKey(ep Endpoint) string {
	return servicePrefix(ep.Name) + ep.ID()
}

// Register adds an endpoint to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(ctx context.Context, ep Endpoint, ttl int64) error {
	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	key := etcdKey(ep)

	if ttl <= 0 {
		_, err := r.client.Put(ctx, key, string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive must outlive the registration call, so it gets its own context.
	keepCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		stop()
		return fmt.Errorf("registry: keep alive: %w", err)
	}

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.stop()
	}
	r.leases[key] = etcdLease{id: lease.ID, stop: stop}
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		if keepCtx.Err() == nil {
			r.logger.Warn("lease lost", zap.Stringer("endpoint", ep))
		}
	}()
	return nil
}

// Deregister removes an endpoint from etcd and releases its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, ep Endpoint) error {
	key := etcdKey(ep)

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	if ok {
		lease.stop()
		if _, err := r.client.Revoke(ctx, lease.id); err != nil {
			r.logger.Debug("revoke lease failed", zap.Error(err))
		}
	}
	return nil
}

// Discover returns all currently registered endpoints for a name.
func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]Endpoint, error) {
	eps, err := r.list(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, ErrNotFound
	}
	return eps, nil
}

func (r *EtcdRegistry) list(ctx context.Context, name string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, servicePrefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", name, err)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // Skip malformed entries
		}
		eps = append(eps, ep)
	}
	sortEndpoints(eps)
	return eps, nil
}

// Watch monitors a name's prefix and emits the updated endpoint list
// whenever it changes (registrations, deregistrations, lease expirations).
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)

		// Start watching before the initial read so no change falls in between.
		watchChan := r.client.Watch(ctx, servicePrefix(name), clientv3.WithPrefix())
		if eps, err := r.list(ctx, name); err == nil {
			offer(ch, eps)
		} else if !errors.Is(err, context.Canceled) {
			r.logger.Warn("watch initial read failed", zap.String("name", name), zap.Error(err))
		}

		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("watch interrupted", zap.String("name", name), zap.Error(err))
				continue
			}
			// Re-fetch the full list on any change; simpler than applying events.
			eps, err := r.list(ctx, name)
			if err != nil {
				continue
			}
			offer(ch, eps)
		}
	}()

	return ch
}

// Close stops every lease renewal and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, lease := range r.leases {
		lease.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
