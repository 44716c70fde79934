package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isekhub/isekreg/directory"
	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/metrics"
	"github.com/isekhub/isekreg/util/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

// scriptedRegistry answers from a memory registry unless a failure is armed.
type scriptedRegistry struct {
	*registry.MemoryRegistry
	renewErr atomic.Value // error
	listErr  atomic.Value // error
	renews   atomic.Int32
	lists    atomic.Int32
}

type errBox struct{ err error }

func newScripted() *scriptedRegistry {
	r := &scriptedRegistry{MemoryRegistry: registry.NewMemoryRegistry(registry.MemoryConfig{})}
	r.renewErr.Store(errBox{})
	r.listErr.Store(errBox{})
	return r
}

func (r *scriptedRegistry) LeaseRefresh(ctx context.Context, nodeID string) error {
	r.renews.Add(1)
	if err := r.renewErr.Load().(errBox).err; err != nil {
		return err
	}
	return r.MemoryRegistry.LeaseRefresh(ctx, nodeID)
}

func (r *scriptedRegistry) GetAvailableNodes(ctx context.Context) (map[string]registry.NodeRecord, error) {
	r.lists.Add(1)
	if err := r.listErr.Load().(errBox).err; err != nil {
		return nil, err
	}
	return r.MemoryRegistry.GetAvailableNodes(ctx)
}

func TestNew_Validation(t *testing.T) {
	reg := registry.NewNopRegistry()
	dir := directory.New("x")

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing node id", Config{Registry: reg, Directory: dir}},
		{"missing registry", Config{NodeID: "A", Directory: dir}},
		{"missing directory", Config{NodeID: "A", Registry: reg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatalf("New(%+v) should fail", tt.cfg)
			}
		})
	}

	l, err := New(Config{NodeID: "A", Registry: reg, Directory: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if l.Interval() != registry.DefaultHeartbeatInterval {
		t.Fatalf("default Interval = %v, want %v", l.Interval(), registry.DefaultHeartbeatInterval)
	}
}

func TestTick_RenewsAndRefreshes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	advance := func(d time.Duration) { mu.Lock(); now = now.Add(d); mu.Unlock() }

	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: 30 * time.Second, Clock: clock})
	ctx := context.Background()
	if err := reg.RegisterNode(ctx, "A", "localhost", 8080, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}
	if err := reg.RegisterNode(ctx, "B", "localhost", 8081, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}

	dir := directory.New("A")
	l, err := New(Config{NodeID: "A", Registry: reg, Directory: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	advance(20 * time.Second)
	l.Tick(ctx)
	if dir.Len() != 2 {
		t.Fatalf("directory has %d nodes after tick, want 2", dir.Len())
	}

	// B never renews, A renewed at t=20s
	advance(20 * time.Second)
	l.Tick(ctx)
	if _, ok := dir.Lookup("A"); !ok {
		t.Fatalf("A expired despite heartbeat")
	}
	if _, ok := dir.Lookup("B"); ok {
		t.Fatalf("B should have expired from the directory")
	}
	lease, _ := reg.Lease("A")
	if want := now.Add(30 * time.Second); !lease.ExpiresAt.Equal(want) {
		t.Fatalf("A expires at %v, want %v", lease.ExpiresAt, want)
	}
}

func TestTick_ReRegistersOnNodeNotFound(t *testing.T) {
	testutil.LockMetrics(t)
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	dir := directory.New("lost")

	var calls int
	l, err := New(Config{
		NodeID:    "lost",
		Registry:  reg,
		Directory: dir,
		OnNodeNotFound: func(ctx context.Context) error {
			calls++
			return reg.RegisterNode(ctx, "lost", "localhost", 9000, nil)
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	before := promtestutil.ToFloat64(metrics.HeartbeatFailuresTotal.WithLabelValues("lost", StageRenew))
	l.Tick(context.Background())

	if calls != 1 {
		t.Fatalf("OnNodeNotFound called %d times, want 1", calls)
	}
	if _, ok := dir.Lookup("lost"); !ok {
		t.Fatalf("re-registered node should be in the directory after the same tick")
	}
	after := promtestutil.ToFloat64(metrics.HeartbeatFailuresTotal.WithLabelValues("lost", StageRenew))
	if after-before != 1 {
		t.Fatalf("renew failure counter grew by %v, want 1", after-before)
	}

	// Registered now: the next tick must not re-register
	l.Tick(context.Background())
	if calls != 1 {
		t.Fatalf("OnNodeNotFound called again on a healthy tick")
	}
}

func TestTick_FailuresAreTolerated(t *testing.T) {
	testutil.LockMetrics(t)
	reg := newScripted()
	ctx := context.Background()
	if err := reg.RegisterNode(ctx, "A", "localhost", 8080, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}

	dir := directory.New("tolerant")
	l, err := New(Config{NodeID: "A", Registry: reg, Directory: dir})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Tick(ctx)
	if dir.Len() != 1 {
		t.Fatalf("directory has %d nodes, want 1", dir.Len())
	}

	down := fmt.Errorf("dial: %w", registry.ErrBackendUnavailable)
	reg.renewErr.Store(errBox{down})
	reg.listErr.Store(errBox{down})
	before := promtestutil.ToFloat64(metrics.HeartbeatFailuresTotal.WithLabelValues("A", StageRefresh))

	l.Tick(ctx)

	if reg.lists.Load() != 2 {
		t.Fatalf("refresh skipped after a failed renew")
	}
	if dir.Len() != 1 {
		t.Fatalf("failed refresh must keep the previous directory, Len = %d", dir.Len())
	}
	if after := promtestutil.ToFloat64(metrics.HeartbeatFailuresTotal.WithLabelValues("A", StageRefresh)); after-before != 1 {
		t.Fatalf("refresh failure counter grew by %v, want 1", after-before)
	}
}

func TestStartStop(t *testing.T) {
	reg := newScripted()
	if err := reg.RegisterNode(context.Background(), "A", "localhost", 8080, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}
	l, err := New(Config{NodeID: "A", Registry: reg, Directory: directory.New("A"), Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Start(context.Background())
	l.Start(context.Background()) // no second goroutine

	testutil.WaitFor(t, 2*time.Second, "several ticks", func() bool {
		return reg.renews.Load() >= 3
	})

	l.Stop()
	l.Stop()
	stoppedAt := reg.renews.Load()
	time.Sleep(100 * time.Millisecond)
	if got := reg.renews.Load(); got != stoppedAt {
		t.Fatalf("ticks continued after Stop: %d -> %d", stoppedAt, got)
	}

	// A stopped loop does not restart
	l.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	if got := reg.renews.Load(); got != stoppedAt {
		t.Fatalf("Start after Stop resumed ticking")
	}
}

func TestStop_WithoutStart(t *testing.T) {
	l, err := New(Config{NodeID: "A", Registry: registry.NewNopRegistry(), Directory: directory.New("A")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop without Start blocked")
	}
}

func TestStart_ContextCancelStopsLoop(t *testing.T) {
	reg := newScripted()
	l, err := New(Config{NodeID: "A", Registry: reg, Directory: directory.New("A"), Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	testutil.WaitFor(t, 2*time.Second, "first tick", func() bool { return reg.renews.Load() >= 1 })
	cancel()

	done := make(chan struct{})
	go func() {
		l.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop after context cancel blocked")
	}
}

func TestPeersBecomeVisibleWithinOnePeriod(t *testing.T) {
	const interval = 50 * time.Millisecond
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: time.Second})
	ctx := context.Background()

	loops := map[string]*Loop{}
	dirs := map[string]*directory.Directory{}
	for _, id := range []string{"A", "B"} {
		dirs[id] = directory.New(id)
		l, err := New(Config{NodeID: id, Registry: reg, Directory: dirs[id], Interval: interval, TTL: time.Second})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", id, err)
		}
		loops[id] = l
	}

	if err := reg.RegisterNode(ctx, "B", "10.0.0.2", 8081, nil); err != nil {
		t.Fatalf("RegisterNode(B) failed: %v", err)
	}
	loops["B"].Start(ctx)
	defer loops["B"].Stop()

	if err := reg.RegisterNode(ctx, "A", "10.0.0.1", 8080, nil); err != nil {
		t.Fatalf("RegisterNode(A) failed: %v", err)
	}
	loops["A"].Start(ctx)
	defer loops["A"].Stop()

	// One full period plus scheduling slack
	deadline := time.Now().Add(interval + 200*time.Millisecond)
	for {
		if a, ok := dirs["B"].Lookup("A"); ok {
			if a.Host != "10.0.0.1" || a.Port != 8080 {
				t.Fatalf("B sees A as %s, want 10.0.0.1:8080", a.Address())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("B did not see A within one heartbeat period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTick_CanceledContextIsNotAFailure(t *testing.T) {
	testutil.LockMetrics(t)
	reg := newScripted()
	reg.renewErr.Store(errBox{context.Canceled})
	reg.listErr.Store(errBox{context.Canceled})

	l, err := New(Config{NodeID: "canceled", Registry: reg, Directory: directory.New("canceled")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := promtestutil.ToFloat64(metrics.HeartbeatFailuresTotal.WithLabelValues("canceled", StageRenew))
	l.Tick(ctx)
	if after := promtestutil.ToFloat64(metrics.HeartbeatFailuresTotal.WithLabelValues("canceled", StageRenew)); after != before {
		t.Fatalf("shutdown cancellation counted as heartbeat failure")
	}
}
