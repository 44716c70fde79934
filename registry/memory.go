package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/metrics"
)

// MemoryConfig configures a MemoryRegistry.
type MemoryConfig struct {
	// TTL is the lease duration. Default: DefaultTTL
	TTL time.Duration

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time

	// Backend is the label used for metrics and logs. Default: "memory"
	Backend string
}

// Entry is a registration together with its lease.
type Entry struct {
	Record NodeRecord
	Lease  LeaseEntry
}

// MemoryRegistry is a lease table held in process memory.
//
// One mutex guards the whole table: register, deregister, refresh, list and
// sweep all observe a consistent snapshot. Expired entries are hidden from
// GetAvailableNodes immediately and physically removed by Sweep.
type MemoryRegistry struct {
	ttl     time.Duration
	now     func() time.Time
	backend string
	logger  *logger.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewMemoryRegistry creates an empty lease table.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	return &MemoryRegistry{
		ttl:     cfg.TTL,
		now:     cfg.Clock,
		backend: cfg.Backend,
		logger:  logger.NewLogger(fmt.Sprintf("MemoryRegistry(%s)", cfg.Backend)),
		entries: make(map[string]*Entry),
	}
}

// TTL returns the lease duration of the table.
func (r *MemoryRegistry) TTL() time.Duration {
	return r.ttl
}

func (r *MemoryRegistry) RegisterNode(ctx context.Context, nodeID, host string, port int, metadata map[string]any) (err error) {
	defer func(start time.Time) { Observe(r.backend, "register", start, err) }(time.Now())

	if err := Validate(nodeID, host, port); err != nil {
		return err
	}
	record := NodeRecord{
		NodeID:   nodeID,
		Host:     host,
		Port:     port,
		Metadata: CloneMetadata(metadata),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	_, existed := r.entries[nodeID]
	r.entries[nodeID] = &Entry{
		Record: record,
		Lease: LeaseEntry{
			NodeID:    nodeID,
			ExpiresAt: r.now().Add(r.ttl),
			TTL:       r.ttl,
		},
	}
	count := len(r.entries)
	r.mu.Unlock()

	metrics.SetRegistryNodes(r.backend, count)
	if existed {
		r.logger.Infof("Node %s re-registered at %s", nodeID, record.Address())
	} else {
		r.logger.Infof("Node %s registered at %s", nodeID, record.Address())
	}
	return nil
}

func (r *MemoryRegistry) LeaseRefresh(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { Observe(r.backend, "renew", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	entry, ok := r.entries[nodeID]
	if !ok {
		return fmt.Errorf("renew %s: %w", nodeID, ErrNodeNotFound)
	}
	// An expired entry that has not been swept yet can still be renewed.
	entry.Lease.Renew(r.now())
	return nil
}

func (r *MemoryRegistry) DeregisterNode(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { Observe(r.backend, "deregister", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalidArgument)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.entries[nodeID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("deregister %s: %w", nodeID, ErrNodeNotFound)
	}
	delete(r.entries, nodeID)
	count := len(r.entries)
	r.mu.Unlock()

	metrics.SetRegistryNodes(r.backend, count)
	r.logger.Infof("Node %s deregistered", nodeID)
	return nil
}

func (r *MemoryRegistry) GetAvailableNodes(ctx context.Context) (nodes map[string]NodeRecord, err error) {
	defer func(start time.Time) { Observe(r.backend, "list", start, err) }(time.Now())

	entries, err := r.AvailableEntries()
	if err != nil {
		return nil, err
	}
	nodes = make(map[string]NodeRecord, len(entries))
	for id, e := range entries {
		nodes[id] = e.Record
	}
	return nodes, nil
}

// AvailableEntries returns copies of every entry whose lease is live now.
func (r *MemoryRegistry) AvailableEntries() (map[string]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	now := r.now()
	out := make(map[string]Entry, len(r.entries))
	for id, e := range r.entries {
		if !e.Lease.Live(now) {
			continue
		}
		out[id] = Entry{Record: e.Record.Clone(), Lease: e.Lease}
	}
	return out, nil
}

// Lease returns the lease of nodeID, expired or not, if the table still holds it.
func (r *MemoryRegistry) Lease(nodeID string) (LeaseEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[nodeID]
	if !ok {
		return LeaseEntry{}, false
	}
	return e.Lease, true
}

// Len returns the number of entries held, including expired ones not yet swept.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep deletes every entry whose lease expired and returns how many were removed.
func (r *MemoryRegistry) Sweep() int {
	r.mu.Lock()
	now := r.now()
	var expired []string
	for id, e := range r.entries {
		if !e.Lease.Live(now) {
			expired = append(expired, id)
			delete(r.entries, id)
		}
	}
	count := len(r.entries)
	r.mu.Unlock()

	if len(expired) > 0 {
		metrics.RecordSwept(r.backend, len(expired))
		metrics.SetRegistryNodes(r.backend, count)
		r.logger.Infof("Swept %d expired nodes: %v", len(expired), expired)
	}
	return len(expired)
}

// StartSweeper runs Sweep every interval until ctx is done or Close is called.
// A non-positive interval defaults to TTL/2, which bounds how long an expired
// entry can linger in the table.
func (r *MemoryRegistry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 2
	}

	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	if r.sweepCancel != nil {
		r.logger.Warnf("Sweeper already started")
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.sweepCancel = cancel
	r.sweepDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.logger.Infof("Sweeper started with interval %v", interval)
		for {
			select {
			case <-sweepCtx.Done():
				r.logger.Infof("Sweeper stopped")
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// StopSweeper stops the background sweeper and waits for it to exit.
func (r *MemoryRegistry) StopSweeper() {
	r.sweepMu.Lock()
	cancel, done := r.sweepCancel, r.sweepDone
	r.sweepCancel, r.sweepDone = nil, nil
	r.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops the sweeper and rejects further calls.
func (r *MemoryRegistry) Close() error {
	r.StopSweeper()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
