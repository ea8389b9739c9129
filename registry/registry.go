// Package registry resolves logical service names to pool destinations.
//
// An HTTP client embedding the pool manager often does not know its
// destinations up front; backends register themselves here and workers
// resolve a name like "billing" to the (host, port, secure) triples they
// should open pools for. Picking one destination out of the resolved list is
// the caller's business — the pool layer does no load balancing.
package registry

import "endpool/manager"

// Endpoint is one registered destination plus its metadata.
type Endpoint struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Secure  bool   `json:"secure"`
	Version string `json:"version,omitempty"`
}

// Destination converts the endpoint to the pool manager's key type.
func (e Endpoint) Destination() manager.Destination {
	return manager.Destination{Host: e.Host, Port: e.Port, Secure: e.Secure}
}

// Registry is the destination directory consumed by pool supervisors.
type Registry interface {
	// Register announces an endpoint under a service name with a TTL in
	// seconds; the entry disappears automatically if not kept alive.
	Register(service string, ep Endpoint, ttl int64) error

	// Deregister removes an endpoint. Called during graceful shutdown.
	Deregister(service string, ep Endpoint) error

	// Resolve returns all endpoints currently registered for a service.
	Resolve(service string) ([]Endpoint, error)

	// Watch emits the full endpoint list whenever it changes.
	Watch(service string) <-chan []Endpoint
}
