// Package etcdregistry stores node records in etcd under per-node leases.
//
// Every record is written as a signed envelope at /{prefix}/{node_id} and
// attached to its own lease, so etcd deletes it once the lease lapses. Renew
// and deregister verify the stored envelope first and abort on a bad
// signature without touching the lease or the key.
package etcdregistry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/registry/signing"
	"github.com/isekhub/isekreg/util/logger"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// DefaultPrefix is the parent node id used as the key prefix.
	DefaultPrefix = "root"

	// DefaultEndpoint is used when Config.Endpoints is empty.
	DefaultEndpoint = "localhost:2379"

	// DefaultDialTimeout bounds the initial connection to etcd.
	DefaultDialTimeout = 5 * time.Second

	backendName = "etcd"

	// deregister retries when the record changes between read and delete
	maxDeleteAttempts = 3
)

// Config configures a Registry.
type Config struct {
	// Endpoints are the etcd client URLs. Default: [DefaultEndpoint]
	Endpoints []string

	// Prefix is the parent node id; records live at /{Prefix}/{node_id}. Default: DefaultPrefix
	Prefix string

	// TTL is the lease duration, rounded up to whole seconds. Default: registry.DefaultTTL
	TTL time.Duration

	// DialTimeout bounds Connect. Default: DefaultDialTimeout
	DialTimeout time.Duration

	// KeyFile persists the signing key across restarts. Empty means a fresh
	// key per process.
	KeyFile string

	// Signer overrides KeyFile.
	Signer *signing.Signer

	// TrustedKeys, when set, restricts renew and deregister to records signed
	// by one of these base64 public keys. Empty accepts any valid signature.
	TrustedKeys []string

	// VerifyOnList drops records with a bad signature from GetAvailableNodes.
	VerifyOnList bool
}

// Registry is a registry.Registry backed by etcd leases.
type Registry struct {
	config     Config
	signer     *signing.Signer
	logger     *logger.Logger
	nodePrefix string

	mu         sync.Mutex
	client     *clientv3.Client
	ownsClient bool
	leases     map[string]clientv3.LeaseID
}

var _ registry.Registry = (*Registry)(nil)

// New creates a Registry. It does not contact etcd; call Connect.
func New(config Config) (*Registry, error) {
	if len(config.Endpoints) == 0 {
		config.Endpoints = []string{DefaultEndpoint}
	}
	config.Prefix = strings.Trim(config.Prefix, "/")
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.TTL <= 0 {
		config.TTL = registry.DefaultTTL
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}

	signer := config.Signer
	if signer == nil {
		var err error
		signer, err = signing.LoadOrCreateSigner(config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key: %w", err)
		}
	}

	return &Registry{
		config:     config,
		signer:     signer,
		logger:     logger.NewLogger("EtcdRegistry"),
		nodePrefix: "/" + config.Prefix + "/",
		leases:     make(map[string]clientv3.LeaseID),
	}, nil
}

// NewWithClient creates a Registry over an existing client. Close leaves the
// client open.
func NewWithClient(cli *clientv3.Client, config Config) (*Registry, error) {
	if cli == nil {
		return nil, fmt.Errorf("etcd client is nil")
	}
	r, err := New(config)
	if err != nil {
		return nil, err
	}
	r.client = cli
	return r, nil
}

// Connect dials etcd and checks that it answers.
func (r *Registry) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return nil
	}

	r.logger.Infof("Connecting to etcd at %v (prefix %s)", r.config.Endpoints, r.nodePrefix)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   r.config.Endpoints,
		DialTimeout: r.config.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect to etcd %v: %w: %w", r.config.Endpoints, registry.ErrBackendUnavailable, err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, r.config.DialTimeout)
	defer cancel()
	if _, err := cli.Get(checkCtx, r.nodePrefix, clientv3.WithCountOnly()); err != nil {
		cli.Close()
		return fmt.Errorf("etcd %v not answering: %w: %w", r.config.Endpoints, registry.ErrBackendUnavailable, err)
	}

	r.client = cli
	r.ownsClient = true
	r.logger.Infof("Connected to etcd at %v", r.config.Endpoints)
	return nil
}

// Close releases the client if Connect created it. Leases are left to expire.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	var err error
	if r.ownsClient {
		r.logger.Infof("Closing etcd connection")
		err = r.client.Close()
	}
	r.client = nil
	r.ownsClient = false
	return err
}

// Prefix returns the key prefix, e.g. "/root/".
func (r *Registry) Prefix() string {
	return r.nodePrefix
}

// PublicKey returns the base64 key this instance signs records with.
func (r *Registry) PublicKey() string {
	return r.signer.PublicKeyBase64()
}

// LeaseID returns the lease this instance last granted for nodeID.
func (r *Registry) LeaseID(nodeID string) (clientv3.LeaseID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.leases[nodeID]
	return id, ok
}

func (r *Registry) key(nodeID string) string {
	return r.nodePrefix + nodeID
}

func (r *Registry) ttlSeconds() int64 {
	secs := int64(math.Ceil(r.config.TTL.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (r *Registry) getClient() (*clientv3.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, fmt.Errorf("etcd client not connected: %w", registry.ErrBackendUnavailable)
	}
	return r.client, nil
}

// unavailable wraps an etcd call failure so it matches both
// ErrBackendUnavailable and the underlying error.
func unavailable(op, nodeID string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, nodeID, registry.ErrBackendUnavailable, err)
}

func (r *Registry) RegisterNode(ctx context.Context, nodeID, host string, port int, metadata map[string]any) (err error) {
	defer func(start time.Time) { registry.Observe(backendName, "register", start, err) }(time.Now())

	if err := registry.Validate(nodeID, host, port); err != nil {
		return err
	}
	meta, err := registry.NormalizeMetadata(metadata)
	if err != nil {
		return err
	}
	cli, err := r.getClient()
	if err != nil {
		return err
	}

	env, err := r.signer.Sign(registry.NodeRecord{NodeID: nodeID, Host: host, Port: port, Metadata: meta})
	if err != nil {
		return fmt.Errorf("sign record for %s: %w", nodeID, err)
	}
	value, err := signing.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", nodeID, err)
	}

	lease, err := cli.Grant(ctx, r.ttlSeconds())
	if err != nil {
		return unavailable("grant lease for", nodeID, err)
	}

	putResp, err := cli.Put(ctx, r.key(nodeID), string(value), clientv3.WithLease(lease.ID), clientv3.WithPrevKV())
	if err != nil {
		r.revoke(cli, lease.ID)
		return unavailable("put", nodeID, err)
	}

	r.mu.Lock()
	r.leases[nodeID] = lease.ID
	r.mu.Unlock()

	// The key moved to the new lease; release the one it was attached to.
	if prev := putResp.PrevKv; prev != nil && prev.Lease != 0 && clientv3.LeaseID(prev.Lease) != lease.ID {
		r.revoke(cli, clientv3.LeaseID(prev.Lease))
		r.logger.Infof("Node %s re-registered at %s:%d (lease %x)", nodeID, host, port, lease.ID)
	} else {
		r.logger.Infof("Node %s registered at %s:%d (lease %x)", nodeID, host, port, lease.ID)
	}
	return nil
}

func (r *Registry) LeaseRefresh(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { registry.Observe(backendName, "renew", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", registry.ErrInvalidArgument)
	}
	cli, err := r.getClient()
	if err != nil {
		return err
	}

	kv, err := r.fetchVerified(ctx, cli, "renew", nodeID)
	if err != nil {
		return err
	}
	if kv.Lease == 0 {
		return fmt.Errorf("renew %s: record has no lease: %w", nodeID, registry.ErrNodeNotFound)
	}

	resp, err := cli.KeepAliveOnce(ctx, clientv3.LeaseID(kv.Lease))
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return fmt.Errorf("renew %s: lease %x expired: %w", nodeID, kv.Lease, registry.ErrNodeNotFound)
		}
		return unavailable("renew", nodeID, err)
	}
	r.logger.Debugf("Lease %x of node %s renewed, ttl=%ds", kv.Lease, nodeID, resp.TTL)
	return nil
}

func (r *Registry) DeregisterNode(ctx context.Context, nodeID string) (err error) {
	defer func(start time.Time) { registry.Observe(backendName, "deregister", start, err) }(time.Now())

	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", registry.ErrInvalidArgument)
	}
	cli, err := r.getClient()
	if err != nil {
		return err
	}
	key := r.key(nodeID)

	for attempt := 1; attempt <= maxDeleteAttempts; attempt++ {
		kv, err := r.fetchVerified(ctx, cli, "deregister", nodeID)
		if err != nil {
			return err
		}

		// Only delete the revision that was verified.
		txnResp, err := cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(key)).
			Commit()
		if err != nil {
			return unavailable("deregister", nodeID, err)
		}
		if !txnResp.Succeeded {
			r.logger.Warnf("Record of node %s changed during deregister (attempt %d), retrying", nodeID, attempt)
			continue
		}

		if kv.Lease != 0 {
			r.revoke(cli, clientv3.LeaseID(kv.Lease))
		}
		r.mu.Lock()
		delete(r.leases, nodeID)
		r.mu.Unlock()

		r.logger.Infof("Node %s deregistered", nodeID)
		return nil
	}
	return fmt.Errorf("deregister %s: record kept changing: %w", nodeID, registry.ErrBackendUnavailable)
}

func (r *Registry) GetAvailableNodes(ctx context.Context) (nodes map[string]registry.NodeRecord, err error) {
	defer func(start time.Time) { registry.Observe(backendName, "list", start, err) }(time.Now())

	cli, err := r.getClient()
	if err != nil {
		return nil, err
	}
	resp, err := cli.Get(ctx, r.nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, unavailable("list", r.nodePrefix, err)
	}

	nodes = make(map[string]registry.NodeRecord, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodeID := strings.TrimPrefix(string(kv.Key), r.nodePrefix)
		if nodeID == "" || strings.Contains(nodeID, "/") {
			continue
		}
		env, err := signing.Unmarshal(kv.Value)
		if err != nil {
			r.logger.Errorf("Skipping undecodable record of node %s: %v", nodeID, err)
			continue
		}
		if r.config.VerifyOnList {
			if err := r.verify(env); err != nil {
				r.logger.Warnf("Skipping record of node %s: %v", nodeID, err)
				continue
			}
		}
		nodes[nodeID] = env.NodeInfo
	}
	return nodes, nil
}

// PurgeAll deletes every record under the prefix and revokes their leases.
// It returns the number of records removed.
func (r *Registry) PurgeAll(ctx context.Context) (int64, error) {
	cli, err := r.getClient()
	if err != nil {
		return 0, err
	}
	resp, err := cli.Delete(ctx, r.nodePrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())
	if err != nil {
		return 0, unavailable("purge", r.nodePrefix, err)
	}
	for _, kv := range resp.PrevKvs {
		if kv.Lease != 0 {
			r.revoke(cli, clientv3.LeaseID(kv.Lease))
		}
	}

	r.mu.Lock()
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	r.logger.Infof("Purged %d records under %s", resp.Deleted, r.nodePrefix)
	return resp.Deleted, nil
}

// fetchVerified reads the record of nodeID and checks its signature.
func (r *Registry) fetchVerified(ctx context.Context, cli *clientv3.Client, op, nodeID string) (*kvRecord, error) {
	resp, err := cli.Get(ctx, r.key(nodeID))
	if err != nil {
		return nil, unavailable(op, nodeID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%s %s: %w", op, nodeID, registry.ErrNodeNotFound)
	}
	kv := resp.Kvs[0]

	env, err := signing.Unmarshal(kv.Value)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", op, nodeID, err, registry.ErrSignatureInvalid)
	}
	if env.NodeInfo.NodeID != nodeID {
		return nil, fmt.Errorf("%s %s: record claims node %q: %w", op, nodeID, env.NodeInfo.NodeID, registry.ErrSignatureInvalid)
	}
	if err := r.verify(env); err != nil {
		r.logger.Errorf("Refusing to %s node %s: %v", op, nodeID, err)
		return nil, fmt.Errorf("%s %s: %w", op, nodeID, err)
	}
	return &kvRecord{Lease: kv.Lease, ModRevision: kv.ModRevision}, nil
}

type kvRecord struct {
	Lease       int64
	ModRevision int64
}

func (r *Registry) verify(env signing.Envelope) error {
	if len(r.config.TrustedKeys) == 0 {
		return signing.Verify(env)
	}
	for _, key := range r.config.TrustedKeys {
		if env.NodeInfo.PublicKey == key {
			return signing.Verify(env)
		}
	}
	return fmt.Errorf("node %s: signer key not trusted: %w", env.NodeInfo.NodeID, registry.ErrSignatureInvalid)
}

// revoke releases a lease, tolerating one that already expired.
func (r *Registry) revoke(cli *clientv3.Client, id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.DialTimeout)
	defer cancel()
	if _, err := cli.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		r.logger.Warnf("Failed to revoke lease %x: %v", id, err)
	}
}
