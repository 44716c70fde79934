// Package heartbeat keeps a node's lease alive and its peer directory fresh.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/isekhub/isekreg/directory"
	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/logger"
	"github.com/isekhub/isekreg/util/metrics"
)

// Failure stages reported to isek_heartbeat_failures_total.
const (
	StageRenew      = "renew"
	StageReregister = "reregister"
	StageRefresh    = "refresh"
)

// DefaultTimeout bounds each registry call made by a tick.
const DefaultTimeout = 5 * time.Second

// Config configures a Loop.
type Config struct {
	NodeID    string
	Registry  registry.Registry
	Directory *directory.Directory

	// Interval between ticks. Default: registry.DefaultHeartbeatInterval
	Interval time.Duration

	// Timeout of each registry call. Default: DefaultTimeout
	Timeout time.Duration

	// TTL of the lease being renewed. Only used to warn about an Interval too
	// close to it. Default: registry.DefaultTTL
	TTL time.Duration

	// OnNodeNotFound runs when the registry no longer knows this node, normally
	// to register it again. Optional.
	OnNodeNotFound func(ctx context.Context) error
}

// Loop renews the lease of one node and replaces its directory on every tick.
type Loop struct {
	config Config
	logger *logger.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New validates config and returns a stopped loop.
func New(config Config) (*Loop, error) {
	if config.NodeID == "" {
		return nil, fmt.Errorf("heartbeat: node id is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("heartbeat: registry is required")
	}
	if config.Directory == nil {
		return nil, fmt.Errorf("heartbeat: directory is required")
	}
	if config.Interval <= 0 {
		config.Interval = registry.DefaultHeartbeatInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.TTL <= 0 {
		config.TTL = registry.DefaultTTL
	}

	l := &Loop{
		config: config,
		logger: logger.NewLogger("Heartbeat(" + config.NodeID + ")"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if config.Interval >= config.TTL/2 {
		l.logger.Warnf("Interval %v is not below half the lease ttl %v; one missed renewal may expire the node",
			config.Interval, config.TTL)
	}
	return l, nil
}

// Interval returns the tick period.
func (l *Loop) Interval() time.Duration {
	return l.config.Interval
}

// Start runs one tick immediately, then one per Interval in the background,
// until Stop is called or ctx is done. Starting twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		l.logger.Warnf("Heartbeat already started")
		return
	}
	select {
	case <-l.stopCh:
		l.logger.Warnf("Heartbeat already stopped, not restarting")
		return
	default:
	}
	l.started = true

	l.logger.Infof("Starting heartbeat every %v", l.config.Interval)
	go l.run(ctx)
}

// Stop ends the loop and waits for a tick in progress to finish. No tick
// starts after Stop returns. Safe to call more than once, or without Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	started := l.started
	l.mu.Unlock()

	if started {
		<-l.done
		l.logger.Infof("Heartbeat stopped")
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	l.Tick(ctx)

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a stop racing with the tick wins
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat: renew the lease, then refresh the directory.
// Failures are logged and counted, never returned; the next tick retries.
func (l *Loop) Tick(ctx context.Context) {
	l.renew(ctx)
	l.refresh(ctx)
}

func (l *Loop) renew(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	err := l.config.Registry.LeaseRefresh(callCtx, l.config.NodeID)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	metrics.RecordHeartbeatFailure(l.config.NodeID, StageRenew)

	if !registry.IsNodeNotFound(err) || l.config.OnNodeNotFound == nil {
		l.logger.Warnf("Lease refresh failed: %v", err)
		return
	}

	l.logger.Warnf("Registry lost this node (%v), registering again", err)
	regCtx, regCancel := context.WithTimeout(ctx, l.config.Timeout)
	defer regCancel()
	if err := l.config.OnNodeNotFound(regCtx); err != nil {
		metrics.RecordHeartbeatFailure(l.config.NodeID, StageReregister)
		l.logger.Errorf("Re-register failed: %v", err)
		return
	}
	l.logger.Infof("Registered again")
}

func (l *Loop) refresh(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	nodes, err := l.config.Registry.GetAvailableNodes(callCtx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.RecordHeartbeatFailure(l.config.NodeID, StageRefresh)
			l.logger.Warnf("Directory refresh failed, keeping %d known nodes: %v", l.config.Directory.Len(), err)
		}
		return
	}
	l.config.Directory.Replace(nodes)
}
