package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps endpoints in process memory. TTLs are ignored: an
// entry lives until it is deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint // name → ID → endpoint
	watchers map[string]map[chan []Endpoint]struct{}
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string]map[chan []Endpoint]struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, ep Endpoint, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps, ok := r.services[ep.Name]
	if !ok {
		eps = make(map[string]Endpoint)
		r.services[ep.Name] = eps
	}
	eps[ep.ID()] = ep
	r.notifyLocked(ep.Name)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps, ok := r.services[ep.Name]
	if !ok {
		return nil
	}
	if _, ok := eps[ep.ID()]; !ok {
		return nil
	}
	delete(eps, ep.ID())
	if len(eps) == 0 {
		delete(r.services, ep.Name)
	}
	r.notifyLocked(ep.Name)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, name string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps := r.listLocked(name)
	if len(eps) == 0 {
		return nil, ErrNotFound
	}
	return eps, nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	r.mu.Lock()
	ws, ok := r.watchers[name]
	if !ok {
		ws = make(map[chan []Endpoint]struct{})
		r.watchers[name] = ws
	}
	ws[ch] = struct{}{}
	ch <- r.listLocked(name)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers[name], ch)
		if len(r.watchers[name]) == 0 {
			delete(r.watchers, name)
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(name string) []Endpoint {
	eps := make([]Endpoint, 0, len(r.services[name]))
	for _, ep := range r.services[name] {
		eps = append(eps, ep)
	}
	sortEndpoints(eps)
	return eps
}

func (r *MemoryRegistry) notifyLocked(name string) {
	if len(r.watchers[name]) == 0 {
		return
	}
	eps := r.listLocked(name)
	for ch := range r.watchers[name] {
		offer(ch, eps)
	}
}
