// Package registry defines the node registry contract shared by every backend:
// nodes register with an address and opaque metadata, keep their registration
// alive with lease refreshes, and discover each other through GetAvailableNodes.
//
// Backends:
//
//   - MemoryRegistry: in-process lease table with a background sweeper (also the
//     table behind the central HTTP registry server)
//   - center.Client: the central registry server reached over HTTP
//   - etcdregistry.Registry: etcd leases with signed node records
//   - pgregistry.Registry: a Postgres table with lease expiry columns
//   - NopRegistry: logs calls and discovers nothing
package registry

import (
	"context"
	"time"
)

const (
	// DefaultTTL is the lease duration granted on register and on every refresh.
	DefaultTTL = 30 * time.Second

	// DefaultHeartbeatInterval is how often a node refreshes its lease and peer view.
	DefaultHeartbeatInterval = 5 * time.Second
)

// Registry is implemented by every registry backend.
//
// All operations block until the backend answers or ctx is done. None of them
// retry on their own; the heartbeat loop or the caller decides what to do with
// a failure.
type Registry interface {
	// RegisterNode creates or overwrites the record and lease of nodeID with
	// expires_at = now + ttl. Re-registering a live node is allowed.
	RegisterNode(ctx context.Context, nodeID, host string, port int, metadata map[string]any) error

	// LeaseRefresh resets the lease of nodeID to now + ttl.
	// Returns ErrNodeNotFound when the backend has no record for nodeID.
	LeaseRefresh(ctx context.Context, nodeID string) error

	// DeregisterNode removes nodeID immediately, regardless of remaining TTL.
	// Returns ErrNodeNotFound when absent.
	DeregisterNode(ctx context.Context, nodeID string) error

	// GetAvailableNodes returns every record whose lease has not expired.
	GetAvailableNodes(ctx context.Context) (map[string]NodeRecord, error)
}
