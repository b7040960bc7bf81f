// Package registry is the name service that lets a client find the object a
// server published under a well-known name.
//
// A server publishes one Endpoint per registered object: where to connect
// (Network, Addr) and which object to address on that connection (Handle).
// Three backends share the Registry interface:
//
//	Memory  single process, used by tests
//	File    a directory of JSON files, enough for two processes on one host
//	Etcd    leased keys in etcd, for anything larger
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Discover when no endpoint is registered under a name.
var ErrNotFound = errors.New("registry: service not found")

// Endpoint is one published object.
type Endpoint struct {
	Name    string `json:"name"`
	Network string `json:"network"`
	Addr    string `json:"addr"`
	Handle  uint32 `json:"handle"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s://%s#%d", e.Name, e.Network, e.Addr, e.Handle)
}

// ID identifies the endpoint inside its name's key space. It is derived
// from the endpoint itself so Deregister needs nothing but the endpoint.
func (e Endpoint) ID() string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s://%s/%d", e.Network, e.Addr, e.Handle))).String()
}

// Registry publishes and resolves endpoints by name.
type Registry interface {
	// Register publishes ep. With ttl > 0 (seconds) the entry disappears
	// unless the registering process stays alive to renew it.
	Register(ctx context.Context, ep Endpoint, ttl int64) error
	// Deregister removes ep. Removing an unknown endpoint is not an error.
	Deregister(ctx context.Context, ep Endpoint) error
	// Discover returns every endpoint published under name, or ErrNotFound.
	Discover(ctx context.Context, name string) ([]Endpoint, error)
	// Watch emits the current endpoint list for name, then a new list after
	// every change. The channel is closed when ctx is done.
	Watch(ctx context.Context, name string) <-chan []Endpoint
}

func sortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].Addr != eps[j].Addr {
			return eps[i].Addr < eps[j].Addr
		}
		return eps[i].Handle < eps[j].Handle
	})
}

// offer hands the latest list to a watcher, replacing a list it has not read yet.
func offer(ch chan []Endpoint, eps []Endpoint) {
	for {
		select {
		case ch <- eps:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func sameEndpoints(a, b []Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
