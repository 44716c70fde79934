// Package pgregistry keeps node leases in a PostgreSQL table.
//
// Expiry is a column, not a server feature: listing filters on it and a
// sweeper deletes lapsed rows. Timestamps come from the registry's clock so
// every instance sharing the table agrees with its own view of time.
package pgregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/metrics"
	"github.com/isekhub/isekreg/util/postgres"
	"github.com/lib/pq"
)

const backendName = "postgres"

// TableName is the table holding one row per registered node.
const TableName = "isek_nodes"

const schema = `
CREATE TABLE IF NOT EXISTS isek_nodes (
	node_id    VARCHAR(255) PRIMARY KEY,
	host       TEXT NOT NULL,
	port       INTEGER NOT NULL CHECK (port BETWEEN 1 AND 65535),
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_isek_nodes_expires_at ON isek_nodes(expires_at);
`

// Config configures a Registry.
type Config struct {
	// TTL is the lease duration. Default: registry.DefaultTTL
	TTL time.Duration

	// SweepInterval is how often expired rows are deleted. Default: TTL/2
	SweepInterval time.Duration

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

// Registry is a registry.Registry over a Postgres table.
type Registry struct {
	db     *postgres.DB
	ttl    time.Duration
	sweep  time.Duration
	now    func() time.Time
	logger *logger.Logger

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

var _ registry.Registry = (*Registry)(nil)

// New creates a Registry over db. Call InitSchema once before use.
func New(db *postgres.DB, config Config) *Registry {
	if config.TTL <= 0 {
		config.TTL = registry.DefaultTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = config.TTL / 2
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Registry{
		db:     db,
		ttl:    config.TTL,
		sweep:  config.SweepInterval,
		now:    config.Clock,
		logger: logger.NewLogger("PostgresRegistry"),
	}
}

// InitSchema creates the node table if it does not exist.
func (r *Registry) InitSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", classify(err))
	}
	return nil
}

// classify marks driver errors that mean the database could not be used.
// Errors reported by the server itself (constraint violations, bad SQL) are
// returned as they are.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("postgres %s: %w", pqErr.Code.Name(), err)
	}
	return fmt.Errorf("%w: %w", registry.ErrBackendUnavailable, err)
}

func (r *Registry) RegisterNode(ctx context.Context, nodeID, host string, port int, metadata map[string]any) (err error) {
	defer func(start time.Time) { registry.Observe(backendName, "register", start, err) }(time.Now())

	if err := registry.Validate(nodeID, host, port); err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata of %s is not JSON encodable: %v", registry.ErrInvalidArgument, nodeID, err)
	}

	expiresAt := r.now().Add(r.ttl)
	_, err = r.db.Exec(ctx, `
		INSERT INTO isek_nodes (node_id, host, port, metadata, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (node_id) DO UPDATE
		SET host = EXCLUDED.host,
			port = EXCLUDED.port,
			metadata = EXCLUDED.metadata,
			expires_at = EXCLUDED.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, nodeID, host, port, string(metaJSON), expiresAt)
	if err != nil {
		return fmt.Errorf("register %s: %w", nodeID, classify(err))
	}

	r.logger.Infof("Node %s registered at %s:%d until %s", nodeID, host, port, expiresAt.Format(time.RFC3339))
	return nil
}

func (r *Registry) LeaseRefresh(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { registry.Observe(backendName, "renew", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", registry.ErrInvalidArgument)
	}

	// Expired rows not yet swept are renewable, matching the in-memory table.
	result, err := r.db.Exec(ctx, `
		UPDATE isek_nodes SET expires_at = $2, updated_at = CURRENT_TIMESTAMP
		WHERE node_id = $1
	`, nodeID, r.now().Add(r.ttl))
	if err != nil {
		return fmt.Errorf("renew %s: %w", nodeID, classify(err))
	}
	return expectOneRow(result, "renew", nodeID)
}

func (r *Registry) DeregisterNode(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { registry.Observe(backendName, "deregister", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", registry.ErrInvalidArgument)
	}

	result, err := r.db.Exec(ctx, `DELETE FROM isek_nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("deregister %s: %w", nodeID, classify(err))
	}
	if err := expectOneRow(result, "deregister", nodeID); err != nil {
		return err
	}
	r.logger.Infof("Node %s deregistered", nodeID)
	return nil
}

func expectOneRow(result sql.Result, op, nodeID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: failed to get rows affected: %w", op, nodeID, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", op, nodeID, registry.ErrNodeNotFound)
	}
	return nil
}

func (r *Registry) GetAvailableNodes(ctx context.Context) (nodes map[string]registry.NodeRecord, err error) {
	defer func(start time.Time) { registry.Observe(backendName, "list", start, err) }(time.Now())

	rows, err := r.db.Connection().QueryContext(ctx, `
		SELECT node_id, host, port, metadata FROM isek_nodes
		WHERE expires_at > $1
		ORDER BY node_id
	`, r.now())
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", classify(err))
	}
	defer rows.Close()

	nodes = make(map[string]registry.NodeRecord)
	for rows.Next() {
		var (
			rec      registry.NodeRecord
			metaJSON []byte
		)
		if err := rows.Scan(&rec.NodeID, &rec.Host, &rec.Port, &metaJSON); err != nil {
			return nil, fmt.Errorf("list nodes: failed to scan row: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			r.logger.Errorf("Skipping node %s with undecodable metadata: %v", rec.NodeID, err)
			continue
		}
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		nodes[rec.NodeID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nodes: %w", classify(err))
	}
	return nodes, nil
}

// Sweep deletes rows whose lease has expired and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM isek_nodes WHERE expires_at <= $1`, r.now())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", classify(err))
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep: failed to get rows affected: %w", err)
	}
	if removed > 0 {
		metrics.RecordSwept(backendName, int(removed))
		r.logger.Infof("Swept %d expired nodes", removed)
	}
	return removed, nil
}

// StartSweeper runs Sweep on the configured interval until ctx is done or
// Close is called.
func (r *Registry) StartSweeper(ctx context.Context) {
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
		ticker := time.NewTicker(r.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(sweepCtx); err != nil && sweepCtx.Err() == nil {
					r.logger.Warnf("Sweep failed: %v", err)
				}
			}
		}
	}()
}

// PurgeAll deletes every row, live or expired, and returns how many were removed.
func (r *Registry) PurgeAll(ctx context.Context) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM isek_nodes`)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", classify(err))
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge: failed to get rows affected: %w", err)
	}
	r.logger.Infof("Purged %d nodes", removed)
	return removed, nil
}

// Count returns the number of live rows and of expired rows not yet swept.
func (r *Registry) Count(ctx context.Context) (live, expired int64, err error) {
	row := r.db.Connection().QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE expires_at > $1), COUNT(*) FILTER (WHERE expires_at <= $1) FROM isek_nodes`,
		r.now())
	if err := row.Scan(&live, &expired); err != nil {
		return 0, 0, fmt.Errorf("count: %w", classify(err))
	}
	return live, expired, nil
}

// DropSchema removes the node table and everything in it.
func (r *Registry) DropSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `DROP TABLE IF EXISTS isek_nodes CASCADE`); err != nil {
		return fmt.Errorf("failed to drop schema: %w", classify(err))
	}
	return nil
}

// Close stops the sweeper. The database handle belongs to the caller.
func (r *Registry) Close() error {
	r.sweepMu.Lock()
	cancel, done := r.sweepCancel, r.sweepDone
	r.sweepCancel, r.sweepDone = nil, nil
	r.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
