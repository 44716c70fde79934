// Package directory holds a node's local view of its peers: the last snapshot
// returned by the registry.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/metrics"
)

// RefreshFunc fetches a fresh snapshot, normally Registry.GetAvailableNodes.
type RefreshFunc func(ctx context.Context) (map[string]registry.NodeRecord, error)

// Directory is a node-local, read-mostly copy of the available nodes.
//
// Replace swaps the whole map. Records handed out are copies, so callers may
// modify them freely.
type Directory struct {
	owner  string
	logger *logger.Logger

	mu          sync.RWMutex
	nodes       map[string]registry.NodeRecord
	lastRefresh time.Time
	onRemove    func(rec registry.NodeRecord)
}

// New creates an empty directory owned by node owner. The owner only labels
// logs and metrics.
func New(owner string) *Directory {
	return &Directory{
		owner:  owner,
		logger: logger.NewLogger("Directory(" + owner + ")"),
		nodes:  map[string]registry.NodeRecord{},
	}
}

// OnRemove sets fn to be called, outside the lock, with the old record of
// every node that Replace drops or moves to another address.
func (d *Directory) OnRemove(fn func(rec registry.NodeRecord)) {
	d.mu.Lock()
	d.onRemove = fn
	d.mu.Unlock()
}

// Replace installs snapshot as the new view. Nodes missing from snapshot are
// gone from the directory afterwards.
func (d *Directory) Replace(snapshot map[string]registry.NodeRecord) {
	nodes := make(map[string]registry.NodeRecord, len(snapshot))
	for id, rec := range snapshot {
		rec.NodeID = id
		nodes[id] = rec.Clone()
	}

	d.mu.Lock()
	added, removed := diff(d.nodes, nodes)
	stale := staleRecords(d.nodes, nodes)
	onRemove := d.onRemove
	d.nodes = nodes
	d.lastRefresh = time.Now()
	d.mu.Unlock()

	metrics.SetDirectoryNodes(d.owner, len(nodes))
	if len(added) > 0 || len(removed) > 0 {
		d.logger.Debugf("Peers changed: +%v -%v (now %d)", added, removed, len(nodes))
	}
	if onRemove != nil {
		for _, rec := range stale {
			onRemove(rec)
		}
	}
}

// Lookup returns a copy of the record of nodeID.
func (d *Directory) Lookup(nodeID string) (registry.NodeRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.nodes[nodeID]
	if !ok {
		return registry.NodeRecord{}, false
	}
	return rec.Clone(), true
}

// Snapshot returns a copy of the current view.
func (d *Directory) Snapshot() map[string]registry.NodeRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]registry.NodeRecord, len(d.nodes))
	for id, rec := range d.nodes {
		out[id] = rec.Clone()
	}
	return out
}

// IDs returns the node ids in the view, sorted.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of nodes in the view.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// LastRefresh returns when Replace last ran, or the zero time.
func (d *Directory) LastRefresh() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastRefresh
}

// Resolve looks nodeID up, and on a miss refreshes the view once through
// refresh and looks again. The returned bool is false when the node is still
// unknown; the error is only set when the refresh itself failed.
func (d *Directory) Resolve(ctx context.Context, nodeID string, refresh RefreshFunc) (registry.NodeRecord, bool, error) {
	if rec, ok := d.Lookup(nodeID); ok {
		return rec, true, nil
	}
	if refresh == nil {
		return registry.NodeRecord{}, false, nil
	}

	d.logger.Debugf("%s not in directory, refreshing", nodeID)
	snapshot, err := refresh(ctx)
	if err != nil {
		return registry.NodeRecord{}, false, err
	}
	d.Replace(snapshot)

	rec, ok := d.Lookup(nodeID)
	return rec, ok, nil
}

func diff(old, cur map[string]registry.NodeRecord) (added, removed []string) {
	for id := range cur {
		if _, ok := old[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range old {
		if _, ok := cur[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// staleRecords returns the old records whose node is gone from cur or now
// listens at a different address, sorted by node id.
func staleRecords(old, cur map[string]registry.NodeRecord) []registry.NodeRecord {
	var out []registry.NodeRecord
	for id, rec := range old {
		if c, ok := cur[id]; !ok || c.Address() != rec.Address() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
