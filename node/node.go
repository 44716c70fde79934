// Package node runs one agent node: it registers with the registry, keeps its
// lease and peer directory fresh, answers calls from peers and sends messages
// to them by node id.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/isekhub/isekreg/directory"
	"github.com/isekhub/isekreg/heartbeat"
	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/backoff"
	utilerrors "github.com/isekhub/isekreg/util/errors"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/metrics"
	"github.com/isekhub/isekreg/util/uniqueid"
	"github.com/isekhub/isekreg/util/workerpool"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultSendAttempts     = 3
	DefaultCallTimeout      = 10 * time.Second
	DefaultBroadcastWorkers = 8

	registryCallTimeout = 5 * time.Second
	stopGracePeriod     = 5 * time.Second
)

// Send attempt outcomes reported to isek_send_attempts_total.
const (
	sendOK          = "ok"
	sendNotResolved = "not_resolved"
	sendTransport   = "transport_error"
	sendRejected    = "rejected"
)

// Config configures a Node.
type Config struct {
	// NodeID is the registry key of this node. Default: a random uuid in hex
	NodeID string

	// Host and Port are the address advertised to peers.
	Host string
	Port int

	// ListenAddress is where the gRPC server binds. Default: 0.0.0.0:<Port>
	ListenAddress string

	Registry registry.Registry

	// Metadata is published with every registration. Optional.
	Metadata func() map[string]any

	// Handler answers calls from peers. Without one the node only sends.
	Handler MessageHandler

	// HeartbeatInterval between lease refreshes. Default: registry.DefaultHeartbeatInterval
	HeartbeatInterval time.Duration

	// TTL of the registry lease, used to sanity check HeartbeatInterval.
	// Default: registry.DefaultTTL
	TTL time.Duration

	// SendAttempts is the retry budget of SendMessage. Default: DefaultSendAttempts
	SendAttempts int

	// CallTimeout bounds one delivery attempt. Default: DefaultCallTimeout
	CallTimeout time.Duration

	// RetryDelay is the first pause between send attempts. Default: 200ms
	RetryDelay time.Duration

	// BroadcastWorkers bounds concurrent sends of Broadcast. Default: DefaultBroadcastWorkers
	BroadcastWorkers int

	// Transport delivers calls. Default: a GRPCTransport
	Transport Transport
}

// BroadcastResult is the outcome of one send of a Broadcast.
type BroadcastResult struct {
	Reply string
	Err   error
}

// Node is one participant of the network.
type Node struct {
	config    Config
	logger    *logger.Logger
	directory *directory.Directory
	transport Transport
	heartbeat *heartbeat.Loop
	pool      *workerpool.WorkerPool

	mu         sync.Mutex
	started    bool
	stopped    bool
	grpcServer *grpc.Server
	listener   net.Listener
	serveDone  chan struct{}
}

// New validates config and builds a node that is not yet registered.
func New(config Config) (*Node, error) {
	if config.NodeID == "" {
		config.NodeID = uniqueid.NodeID()
	}
	if err := registry.Validate(config.NodeID, config.Host, config.Port); err != nil {
		return nil, err
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", registry.ErrInvalidArgument)
	}
	if config.ListenAddress == "" {
		config.ListenAddress = fmt.Sprintf("0.0.0.0:%d", config.Port)
	}
	if config.SendAttempts <= 0 {
		config.SendAttempts = DefaultSendAttempts
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 200 * time.Millisecond
	}
	if config.BroadcastWorkers <= 0 {
		config.BroadcastWorkers = DefaultBroadcastWorkers
	}

	n := &Node{
		config:    config,
		logger:    logger.NewLogger(fmt.Sprintf("Node(%s)", config.NodeID)),
		directory: directory.New(config.NodeID),
	}
	if config.Transport == nil {
		t := NewGRPCTransport()
		t.logger = n.logger.Named("Transport")
		n.config.Transport = t
	}
	n.transport = n.config.Transport
	n.directory.OnRemove(func(rec registry.NodeRecord) {
		n.logger.Debugf("Peer %s left %s, dropping its connection", rec.NodeID, rec.Address())
		n.forget(rec.Address())
	})

	hb, err := heartbeat.New(heartbeat.Config{
		NodeID:         config.NodeID,
		Registry:       config.Registry,
		Directory:      n.directory,
		Interval:       config.HeartbeatInterval,
		Timeout:        registryCallTimeout,
		TTL:            config.TTL,
		OnNodeNotFound: n.register,
	})
	if err != nil {
		return nil, err
	}
	n.heartbeat = hb
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.config.NodeID
}

// Address returns the advertised host:port.
func (n *Node) Address() string {
	return fmt.Sprintf("%s:%d", n.config.Host, n.config.Port)
}

// ListenAddr returns the address the gRPC server is bound to, or "" when the
// node serves no calls.
func (n *Node) ListenAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Directory returns the local peer view kept fresh by the heartbeat.
func (n *Node) Directory() *directory.Directory {
	return n.directory
}

// Peers returns every available node known locally, this one included.
func (n *Node) Peers() map[string]registry.NodeRecord {
	return n.directory.Snapshot()
}

// Start serves calls (when a Handler is set), registers the node and starts
// the heartbeat. On error nothing is left running and Start may be retried.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started || n.stopped {
		n.mu.Unlock()
		return fmt.Errorf("node %s already started", n.config.NodeID)
	}
	n.started = true
	n.mu.Unlock()

	if n.config.Handler != nil {
		if err := n.serve(); err != nil {
			n.resetStarted()
			return err
		}
	}

	regCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
	err := n.register(regCtx)
	cancel()
	if err != nil {
		n.stopServer()
		n.resetStarted()
		return fmt.Errorf("register node %s: %w", n.config.NodeID, err)
	}

	n.pool = workerpool.New(context.Background(), n.config.BroadcastWorkers)
	n.pool.Start()

	// The heartbeat outlives ctx; Stop ends it
	n.heartbeat.Start(context.Background())

	n.logger.Infof("Node started at %s", n.Address())
	return nil
}

func (n *Node) resetStarted() {
	n.mu.Lock()
	n.started = false
	n.mu.Unlock()
}

func (n *Node) register(ctx context.Context) error {
	var metadata map[string]any
	if n.config.Metadata != nil {
		metadata = n.config.Metadata()
	}
	return n.config.Registry.RegisterNode(ctx, n.config.NodeID, n.config.Host, n.config.Port, metadata)
}

func (n *Node) serve() error {
	lis, err := net.Listen("tcp", n.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.config.ListenAddress, err)
	}

	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, n)
	done := make(chan struct{})

	n.mu.Lock()
	n.grpcServer = srv
	n.listener = lis
	n.serveDone = done
	n.mu.Unlock()

	go func() {
		defer close(done)
		n.logger.Infof("gRPC server listening on %s", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			n.logger.Errorf("gRPC server error: %v", err)
		}
	}()
	return nil
}

func (n *Node) handleCall(ctx context.Context, req CallRequest) (string, error) {
	if req.Receiver != "" && req.Receiver != n.config.NodeID {
		// The caller's directory points a stale address at this node
		return "", status.Errorf(codes.Unavailable, "node %s is not served at this address", req.Receiver)
	}
	n.logger.Debugf("Message %s from %s: %s", req.MessageID, req.Sender, req.Message)
	reply, err := n.config.Handler(ctx, req.Sender, req.Message)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return "", err
		}
		return "", status.Errorf(codes.Internal, "handler: %v", err)
	}
	return reply, nil
}

// Stop ends the heartbeat, deregisters the node and shuts the server down.
// Deregistration is best effort: the lease expires on its own anyway.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	started := n.started
	n.mu.Unlock()

	n.logger.Infof("Node stopping")
	n.heartbeat.Stop()

	var errs []error
	if started {
		deregCtx, cancel := context.WithTimeout(ctx, registryCallTimeout)
		err := n.config.Registry.DeregisterNode(deregCtx, n.config.NodeID)
		cancel()
		switch {
		case err == nil:
		case registry.IsNodeNotFound(err):
			n.logger.Infof("Already gone from registry")
		default:
			n.logger.Warnf("Deregister failed, lease will expire instead: %v", err)
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
	}

	if n.pool != nil {
		n.pool.Stop()
	}
	n.stopServer()
	if err := n.transport.Close(); err != nil {
		errs = append(errs, err)
	}

	n.logger.Infof("Node stopped")
	return errors.Join(errs...)
}

func (n *Node) stopServer() {
	n.mu.Lock()
	srv, done := n.grpcServer, n.serveDone
	n.grpcServer = nil
	n.mu.Unlock()
	if srv == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopGracePeriod):
		n.logger.Warnf("Graceful stop timed out, closing open calls")
		srv.Stop()
	}
	<-done
}

// SendMessage delivers message to target and returns its reply.
//
// The target is resolved through the directory, refreshing it once on a miss.
// Transport failures are retried up to SendAttempts with backoff, and each
// retry re-reads the registry since the address may have changed. A target
// that cannot be resolved or reached yields a *NodeUnavailableError. Errors
// returned by the target's handler are returned as they are.
func (n *Node) SendMessage(ctx context.Context, target, message string) (string, error) {
	self := n.config.NodeID
	n.logger.Infof("Send to %s: %s", target, message)

	req := CallRequest{
		MessageID: uniqueid.MessageID(),
		Sender:    self,
		Receiver:  target,
		Message:   message,
	}

	var reply, lastAddr string
	var attempts int
	b := backoff.New(n.config.RetryDelay, 10*n.config.RetryDelay, 2.0)
	err := backoff.Retry(ctx, b, n.config.SendAttempts, utilerrors.IsTransport, func(attempt int) error {
		attempts = attempt
		rec, err := n.resolve(ctx, target, attempt > 1)
		if err != nil {
			metrics.RecordSendAttempt(self, sendTransport)
			n.logger.Warnf("Send %s to %s attempt %d/%d: directory refresh failed: %v",
				req.MessageID, target, attempt, n.config.SendAttempts, err)
			return err
		}
		if rec == nil {
			metrics.RecordSendAttempt(self, sendNotResolved)
			n.logger.Warnf("Send %s to %s attempt %d/%d: not in registry",
				req.MessageID, target, attempt, n.config.SendAttempts)
			return errNotResolved
		}

		lastAddr = rec.Address()
		callCtx, cancel := context.WithTimeout(ctx, n.config.CallTimeout)
		defer cancel()
		r, err := n.transport.Call(callCtx, lastAddr, req)
		if err != nil {
			if utilerrors.IsTransport(err) {
				metrics.RecordSendAttempt(self, sendTransport)
			} else {
				metrics.RecordSendAttempt(self, sendRejected)
			}
			n.logger.Warnf("Send %s to %s at %s attempt %d/%d failed: %v",
				req.MessageID, target, rec.Address(), attempt, n.config.SendAttempts, err)
			return err
		}
		metrics.RecordSendAttempt(self, sendOK)
		reply = r
		return nil
	})

	switch {
	case err == nil:
		n.logger.Infof("Reply from %s: %s", target, reply)
		return reply, nil
	case errors.Is(err, errNotResolved):
		n.forget(lastAddr)
		return "", &NodeUnavailableError{NodeID: target}
	case ctx.Err() != nil:
		return "", fmt.Errorf("send to %s: %w", target, ctx.Err())
	case utilerrors.IsTransport(err):
		n.forget(lastAddr)
		return "", &NodeUnavailableError{NodeID: target, Attempts: attempts, Err: err}
	default:
		return "", fmt.Errorf("send to %s: %w", target, err)
	}
}

// forget drops whatever the transport caches for address.
func (n *Node) forget(address string) {
	if f, ok := n.transport.(addressForgetter); ok && address != "" {
		f.Forget(address)
	}
}

// resolve finds target in the directory. With force the directory is
// refreshed first; otherwise only on a miss. A nil record means the registry
// does not know target.
func (n *Node) resolve(ctx context.Context, target string, force bool) (*registry.NodeRecord, error) {
	refresh := n.listNodes
	if force {
		nodes, err := n.listNodes(ctx)
		if err != nil {
			return nil, err
		}
		n.directory.Replace(nodes)
		// Just refreshed; a miss now is final for this attempt
		refresh = nil
	}
	rec, ok, err := n.directory.Resolve(ctx, target, refresh)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (n *Node) listNodes(ctx context.Context) (map[string]registry.NodeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, registryCallTimeout)
	defer cancel()
	return n.config.Registry.GetAvailableNodes(ctx)
}

// Broadcast sends message to every known peer except this node, at most
// BroadcastWorkers at a time. The node must be started.
func (n *Node) Broadcast(ctx context.Context, message string) (map[string]BroadcastResult, error) {
	if n.pool == nil {
		return nil, fmt.Errorf("node %s not started", n.config.NodeID)
	}

	var targets []string
	for _, id := range n.directory.IDs() {
		if id != n.config.NodeID {
			targets = append(targets, id)
		}
	}

	replies := make([]string, len(targets))
	tasks := make([]workerpool.Task, len(targets))
	for i, target := range targets {
		i, target := i, target
		tasks[i] = func(poolCtx context.Context) error {
			sendCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(poolCtx, cancel)
			defer stop()

			reply, err := n.SendMessage(sendCtx, target, message)
			replies[i] = reply
			return err
		}
	}

	out := make(map[string]BroadcastResult, len(targets))
	for _, r := range n.pool.SubmitAndWait(ctx, tasks) {
		res := BroadcastResult{Err: r.Err}
		if r.Err == nil {
			res.Reply = replies[r.Index]
		}
		out[targets[r.Index]] = res
	}
	return out, nil
}
