// Package loadbalance picks one endpoint when a service name resolves to
// several live registrations (for example during a rolling restart, when the
// old and the new server are both published for a moment).
package loadbalance

import (
	"errors"

	"mini-binder/registry"
)

// ErrNoEndpoints is returned by Pick for an empty list.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() each time it resolves a name.
type Balancer interface {
	// Pick selects one endpoint from the available list.
	// Must be goroutine-safe.
	Pick(endpoints []registry.Endpoint) (registry.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
