package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isekhub/isekreg/registry"
	"github.com/isekhub/isekreg/util/callcontext"
	utilerrors "github.com/isekhub/isekreg/util/errors"
	"github.com/isekhub/isekreg/util/testutil"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeTransport records calls and answers through fn.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []string // addresses, in call order
	forgotten []string
	fn        func(call int, address string, req CallRequest) (string, error)
	closed    bool
}

func (f *fakeTransport) Forget(address string) {
	f.mu.Lock()
	f.forgotten = append(f.forgotten, address)
	f.mu.Unlock()
}

func (f *fakeTransport) forgottenAddresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forgotten...)
}

func (f *fakeTransport) Call(ctx context.Context, address string, req CallRequest) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, address)
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(n, address, req)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// flakyRegistry fails registrations while down is set.
type flakyRegistry struct {
	*registry.MemoryRegistry
	down atomic.Bool
}

func (r *flakyRegistry) RegisterNode(ctx context.Context, nodeID, host string, port int, metadata map[string]any) error {
	if r.down.Load() {
		return fmt.Errorf("register %s: %w", nodeID, registry.ErrBackendUnavailable)
	}
	return r.MemoryRegistry.RegisterNode(ctx, nodeID, host, port, metadata)
}

// countingRegistry counts directory refreshes.
type countingRegistry struct {
	*registry.MemoryRegistry
	lists atomic.Int32
}

func (r *countingRegistry) GetAvailableNodes(ctx context.Context) (map[string]registry.NodeRecord, error) {
	r.lists.Add(1)
	return r.MemoryRegistry.GetAvailableNodes(ctx)
}

func newSender(t *testing.T, reg registry.Registry, tr Transport) *Node {
	t.Helper()
	n, err := New(Config{
		NodeID:     "sender",
		Host:       "127.0.0.1",
		Port:       testutil.GetFreePort(),
		Registry:   reg,
		Transport:  tr,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { n.Stop(context.Background()) })
	return n
}

func TestNew_Validation(t *testing.T) {
	reg := registry.NewNopRegistry()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no host", Config{NodeID: "A", Port: 8080, Registry: reg}},
		{"bad port", Config{NodeID: "A", Host: "h", Port: 0, Registry: reg}},
		{"slash in id", Config{NodeID: "root/A", Host: "h", Port: 8080, Registry: reg}},
		{"no registry", Config{NodeID: "A", Host: "h", Port: 8080}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, registry.ErrInvalidArgument) {
				t.Fatalf("New error = %v, want ErrInvalidArgument", err)
			}
		})
	}

	n, err := New(Config{Host: "h", Port: 8080, Registry: reg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(n.ID()) != 32 {
		t.Fatalf("generated id %q, want 32 hex digits", n.ID())
	}
	if n.Address() != "h:8080" {
		t.Fatalf("Address = %q", n.Address())
	}
	if n.config.ListenAddress != "0.0.0.0:8080" || n.config.SendAttempts != DefaultSendAttempts {
		t.Fatalf("defaults not applied: %+v", n.config)
	}
}

func TestSendMessage_Ghost(t *testing.T) {
	reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry(registry.MemoryConfig{})}
	tr := &fakeTransport{}
	n := newSender(t, reg, tr)
	// let the heartbeat's first refresh happen before counting
	testutil.WaitFor(t, 2*time.Second, "first heartbeat", func() bool {
		return !n.Directory().LastRefresh().IsZero()
	})

	before := reg.lists.Load()
	_, err := n.SendMessage(context.Background(), "ghost", "hi")

	var nu *NodeUnavailableError
	if !errors.As(err, &nu) {
		t.Fatalf("SendMessage(ghost) error = %v, want *NodeUnavailableError", err)
	}
	if nu.NodeID != "ghost" || nu.Err != nil {
		t.Fatalf("NodeUnavailableError = %+v", nu)
	}
	if id, ok := IsNodeUnavailable(err); !ok || id != "ghost" {
		t.Fatalf("IsNodeUnavailable = %q, %v", id, ok)
	}
	if got := reg.lists.Load() - before; got != 1 {
		t.Fatalf("directory refreshed %d times, want exactly 1", got)
	}
	if tr.callCount() != 0 {
		t.Fatalf("transport called for an unresolved node")
	}
}

func TestSendMessage_ResolvesAfterRefresh(t *testing.T) {
	reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry(registry.MemoryConfig{})}
	tr := &fakeTransport{fn: func(_ int, address string, req CallRequest) (string, error) {
		if req.Sender != "sender" || req.Receiver != "late" || req.MessageID == "" {
			return "", fmt.Errorf("unexpected request %+v", req)
		}
		return "hello from " + address, nil
	}}
	n := newSender(t, reg, tr)

	// Registered after the sender's first heartbeat: only a refresh finds it
	if err := reg.RegisterNode(context.Background(), "late", "10.1.1.1", 7000, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}
	reply, err := n.SendMessage(context.Background(), "late", "hi")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply != "hello from 10.1.1.1:7000" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestSendMessage_Retries(t *testing.T) {
	unavailable := status.Error(codes.Unavailable, "connection refused")

	tests := []struct {
		name          string
		fn            func(call int, address string, req CallRequest) (string, error)
		wantReply     string
		wantCalls     int
		wantUnavail   bool
		wantCode      codes.Code
		wantErrString string
	}{
		{
			name: "succeeds on third attempt",
			fn: func(call int, _ string, _ CallRequest) (string, error) {
				if call < 3 {
					return "", unavailable
				}
				return "finally", nil
			},
			wantReply: "finally",
			wantCalls: 3,
		},
		{
			name: "budget exhausted",
			fn: func(int, string, CallRequest) (string, error) {
				return "", unavailable
			},
			wantCalls:   3,
			wantUnavail: true,
			wantCode:    codes.Unavailable,
		},
		{
			name: "deadline is retried",
			fn: func(call int, _ string, _ CallRequest) (string, error) {
				if call == 1 {
					return "", status.Error(codes.DeadlineExceeded, "slow")
				}
				return "second", nil
			},
			wantReply: "second",
			wantCalls: 2,
		},
		{
			name: "handler rejection is final",
			fn: func(int, string, CallRequest) (string, error) {
				return "", status.Error(codes.InvalidArgument, "no thanks")
			},
			wantCalls:     1,
			wantCode:      codes.InvalidArgument,
			wantErrString: "no thanks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry(registry.MemoryConfig{})}
			if err := reg.RegisterNode(context.Background(), "B", "10.0.0.2", 8081, nil); err != nil {
				t.Fatalf("RegisterNode failed: %v", err)
			}
			tr := &fakeTransport{fn: tt.fn}
			n := newSender(t, reg, tr)

			reply, err := n.SendMessage(context.Background(), "B", "hi")
			if tr.callCount() != tt.wantCalls {
				t.Fatalf("transport called %d times, want %d", tr.callCount(), tt.wantCalls)
			}
			if tt.wantCode == codes.OK {
				if err != nil {
					t.Fatalf("SendMessage failed: %v", err)
				}
				if reply != tt.wantReply {
					t.Fatalf("reply = %q, want %q", reply, tt.wantReply)
				}
				return
			}

			_, unavail := IsNodeUnavailable(err)
			if unavail != tt.wantUnavail {
				t.Fatalf("SendMessage error = %v, NodeUnavailable = %v, want %v", err, unavail, tt.wantUnavail)
			}
			if tt.wantUnavail {
				var nu *NodeUnavailableError
				errors.As(err, &nu)
				if nu.Attempts != tt.wantCalls {
					t.Fatalf("Attempts = %d, want %d", nu.Attempts, tt.wantCalls)
				}
			}
			if s, _ := status.FromError(errors.Unwrap(err)); s.Code() != tt.wantCode {
				t.Fatalf("underlying code = %v, want %v (err %v)", s.Code(), tt.wantCode, err)
			}
			if tt.wantErrString != "" && !strings.Contains(err.Error(), tt.wantErrString) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErrString)
			}
		})
	}
}

func TestSendMessage_RetryRereadsRegistry(t *testing.T) {
	reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry(registry.MemoryConfig{})}
	ctx := context.Background()
	if err := reg.RegisterNode(ctx, "B", "10.0.0.2", 8081, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}

	tr := &fakeTransport{}
	n := newSender(t, reg, tr)
	testutil.WaitFor(t, 2*time.Second, "B in directory", func() bool {
		_, ok := n.Directory().Lookup("B")
		return ok
	})

	// B moved; the first attempt still dials the stale address
	if err := reg.RegisterNode(ctx, "B", "10.0.0.9", 9999, nil); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	tr.fn = func(call int, address string, _ CallRequest) (string, error) {
		if address == "10.0.0.2:8081" {
			return "", status.Error(codes.Unavailable, "gone")
		}
		return "moved", nil
	}

	reply, err := n.SendMessage(ctx, "B", "hi")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply != "moved" {
		t.Fatalf("reply = %q", reply)
	}
	tr.mu.Lock()
	calls := append([]string(nil), tr.calls...)
	tr.mu.Unlock()
	if len(calls) != 2 || calls[0] != "10.0.0.2:8081" || calls[1] != "10.0.0.9:9999" {
		t.Fatalf("dialed %v, want stale then fresh address", calls)
	}
}

func TestSendMessage_RetryOfVanishedTargetListsOnce(t *testing.T) {
	reg := &countingRegistry{MemoryRegistry: registry.NewMemoryRegistry(registry.MemoryConfig{})}
	ctx := context.Background()
	if err := reg.RegisterNode(ctx, "B", "10.0.0.2", 8081, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}

	tr := &fakeTransport{}
	n := newSender(t, reg, tr)
	testutil.WaitFor(t, 2*time.Second, "B in directory", func() bool {
		_, ok := n.Directory().Lookup("B")
		return ok
	})

	// B deregisters while the first call is failing
	tr.fn = func(int, string, CallRequest) (string, error) {
		if err := reg.DeregisterNode(ctx, "B"); err != nil {
			return "", err
		}
		return "", status.Error(codes.Unavailable, "gone")
	}

	before := reg.lists.Load()
	_, err := n.SendMessage(ctx, "B", "hi")
	if id, ok := IsNodeUnavailable(err); !ok || id != "B" {
		t.Fatalf("SendMessage error = %v, want NodeUnavailable(B)", err)
	}
	if tr.callCount() != 1 {
		t.Fatalf("transport called %d times, want 1", tr.callCount())
	}
	if got := reg.lists.Load() - before; got != 1 {
		t.Fatalf("registry listed %d times for one retry, want 1", got)
	}
}

func TestSendMessage_DroppedPeerIsForgotten(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	ctx := context.Background()
	if err := reg.RegisterNode(ctx, "B", "10.0.0.2", 8081, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}

	tr := &fakeTransport{}
	n := newSender(t, reg, tr)
	testutil.WaitFor(t, 2*time.Second, "B in directory", func() bool {
		_, ok := n.Directory().Lookup("B")
		return ok
	})
	if got := tr.forgottenAddresses(); len(got) != 0 {
		t.Fatalf("forgot %v before B left", got)
	}

	if err := reg.DeregisterNode(ctx, "B"); err != nil {
		t.Fatalf("DeregisterNode failed: %v", err)
	}
	// The miss refreshes the directory, which drops B
	if _, err := n.SendMessage(ctx, "ghost", "hi"); err == nil {
		t.Fatalf("SendMessage(ghost) should fail")
	}
	got := tr.forgottenAddresses()
	if len(got) == 0 || got[0] != "10.0.0.2:8081" {
		t.Fatalf("forgotten = %v, want [10.0.0.2:8081]", got)
	}
}

func TestSendMessage_ContextCanceled(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	if err := reg.RegisterNode(context.Background(), "B", "10.0.0.2", 8081, nil); err != nil {
		t.Fatalf("RegisterNode failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	tr := &fakeTransport{fn: func(int, string, CallRequest) (string, error) {
		cancel()
		return "", status.Error(codes.Unavailable, "down")
	}}
	n := newSender(t, reg, tr)

	_, err := n.SendMessage(ctx, "B", "hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SendMessage error = %v, want context.Canceled", err)
	}
	if _, ok := IsNodeUnavailable(err); ok {
		t.Fatalf("caller cancellation reported as NodeUnavailable")
	}
	if tr.callCount() != 1 {
		t.Fatalf("retried after cancellation: %d calls", tr.callCount())
	}
}

func TestStartStopLifecycle(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	tr := &fakeTransport{}
	n, err := New(Config{
		NodeID:    "life",
		Host:      "127.0.0.1",
		Port:      8080,
		Registry:  reg,
		Transport: tr,
		Metadata:  func() map[string]any { return map[string]any{"intro": "lifecycle"} },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := n.Broadcast(ctx, "early"); err == nil {
		t.Fatalf("Broadcast before Start should fail")
	}
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Start(ctx); err == nil {
		t.Fatalf("second Start should fail")
	}

	nodes, _ := reg.GetAvailableNodes(ctx)
	if rec, ok := nodes["life"]; !ok || rec.Metadata["intro"] != "lifecycle" {
		t.Fatalf("registered record = %+v, %v", rec, ok)
	}
	testutil.WaitFor(t, 2*time.Second, "self in directory", func() bool {
		_, ok := n.Peers()["life"]
		return ok
	})

	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := n.Stop(ctx); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	nodes, _ = reg.GetAvailableNodes(ctx)
	if _, ok := nodes["life"]; ok {
		t.Fatalf("node still registered after Stop")
	}
	if !tr.closed {
		t.Fatalf("transport not closed by Stop")
	}
}

func TestStop_ToleratesMissingRegistration(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	n := newSender(t, reg, &fakeTransport{})
	if err := reg.DeregisterNode(context.Background(), n.ID()); err != nil {
		t.Fatalf("DeregisterNode failed: %v", err)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after external deregister = %v, want nil", err)
	}
}

func TestStart_RegisterFailure(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	reg.Close()

	n, err := New(Config{
		NodeID:        "closed",
		Host:          "127.0.0.1",
		Port:          testutil.GetFreePort(),
		ListenAddress: testutil.GetFreeAddress(),
		Registry:      reg,
		Handler:       func(context.Context, string, string) (string, error) { return "", nil },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(context.Background()); err == nil {
		t.Fatalf("Start with a closed registry should fail")
	}
	if n.ListenAddr() == "" {
		t.Fatalf("listener was never opened")
	}
	n.mu.Lock()
	srv := n.grpcServer
	n.mu.Unlock()
	if srv != nil {
		t.Fatalf("gRPC server left running after failed Start")
	}
}

func TestStart_RetryAfterRegisterFailure(t *testing.T) {
	reg := &flakyRegistry{MemoryRegistry: registry.NewMemoryRegistry(registry.MemoryConfig{})}
	reg.down.Store(true)

	n, err := New(Config{
		NodeID:        "retry",
		Host:          "127.0.0.1",
		Port:          testutil.GetFreePort(),
		ListenAddress: testutil.GetFreeAddress(),
		Registry:      reg,
		Transport:     &fakeTransport{},
		Handler:       func(context.Context, string, string) (string, error) { return "", nil },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	t.Cleanup(func() { n.Stop(ctx) })

	if err := n.Start(ctx); !errors.Is(err, registry.ErrBackendUnavailable) {
		t.Fatalf("Start with registry down = %v, want ErrBackendUnavailable", err)
	}

	reg.down.Store(false)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start after registry recovered failed: %v", err)
	}
	nodes, _ := reg.GetAvailableNodes(ctx)
	if _, ok := nodes["retry"]; !ok {
		t.Fatalf("node not registered after retried Start: %v", nodes)
	}
	if err := n.Start(ctx); err == nil {
		t.Fatalf("Start on a running node should fail")
	}
}

func echoNode(t *testing.T, reg registry.Registry, id string) *Node {
	t.Helper()
	port := testutil.GetFreePort()
	n, err := New(Config{
		NodeID:            id,
		Host:              "127.0.0.1",
		Port:              port,
		ListenAddress:     fmt.Sprintf("127.0.0.1:%d", port),
		Registry:          reg,
		HeartbeatInterval: 100 * time.Millisecond,
		TTL:               2 * time.Second,
		CallTimeout:       2 * time.Second,
		RetryDelay:        10 * time.Millisecond,
		Handler: func(ctx context.Context, sender, message string) (string, error) {
			if callcontext.SenderID(ctx) != sender {
				return "", fmt.Errorf("sender %q missing from context", sender)
			}
			if message == "fail" {
				return "", errors.New("refusing")
			}
			return fmt.Sprintf("%s got %q from %s", id, message, sender), nil
		},
	})
	if err != nil {
		t.Fatalf("New(%s) failed: %v", id, err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) failed: %v", id, err)
	}
	t.Cleanup(func() { n.Stop(context.Background()) })
	return n
}

func TestGRPC_SendAndBroadcast(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: 2 * time.Second})
	a := echoNode(t, reg, "A")
	echoNode(t, reg, "B")
	echoNode(t, reg, "C")
	ctx := context.Background()

	reply, err := a.SendMessage(ctx, "B", "hi")
	if err != nil {
		t.Fatalf("SendMessage(B) failed: %v", err)
	}
	if reply != `B got "hi" from A` {
		t.Fatalf("reply = %q", reply)
	}

	// A handler error crosses the wire and is not retried into NodeUnavailable
	_, err = a.SendMessage(ctx, "B", "fail")
	if s, _ := status.FromError(errors.Unwrap(err)); s.Code() != codes.Internal {
		t.Fatalf("handler failure = %v, want Internal status", err)
	}

	testutil.WaitFor(t, 3*time.Second, "A to know B and C", func() bool {
		return a.Directory().Len() == 3
	})
	results, err := a.Broadcast(ctx, "all")
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Broadcast reached %d peers, want 2 (self excluded): %v", len(results), results)
	}
	for _, id := range []string{"B", "C"} {
		r := results[id]
		if r.Err != nil || r.Reply != fmt.Sprintf(`%s got "all" from A`, id) {
			t.Fatalf("result for %s = %+v", id, r)
		}
	}
}

func TestGRPC_StoppedPeerBecomesUnavailable(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: 2 * time.Second})
	a := echoNode(t, reg, "A")
	b := echoNode(t, reg, "B")
	ctx := context.Background()

	if _, err := a.SendMessage(ctx, "B", "hi"); err != nil {
		t.Fatalf("SendMessage(B) failed: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop(B) failed: %v", err)
	}

	// A's directory may still list B; the retry refresh finds it deregistered
	_, err := a.SendMessage(ctx, "B", "hi again")
	if id, ok := IsNodeUnavailable(err); !ok || id != "B" {
		t.Fatalf("SendMessage to stopped node = %v, want NodeUnavailable(B)", err)
	}

	// Dropping B from the directory closed A's connection to it
	tr := a.transport.(*GRPCTransport)
	tr.mu.Lock()
	_, cached := tr.conns[b.Address()]
	tr.mu.Unlock()
	if cached {
		t.Fatalf("connection to departed node %s still cached", b.Address())
	}
}

func TestGRPC_CallTimeout(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: 2 * time.Second})
	port := testutil.GetFreePort()
	slow, err := New(Config{
		NodeID:        "slow",
		Host:          "127.0.0.1",
		Port:          port,
		ListenAddress: fmt.Sprintf("127.0.0.1:%d", port),
		Registry:      reg,
		Handler: func(ctx context.Context, _, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := slow.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { slow.Stop(context.Background()) })

	tr := NewGRPCTransport()
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = tr.Call(ctx, slow.ListenAddr(), CallRequest{Sender: "x", Receiver: "slow", Message: "hi"})

	var te *utilerrors.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Call past deadline = %v (%T), want *TimeoutError", err, err)
	}
	if te.NodeID != "slow" || !strings.Contains(te.Operation, slow.ListenAddr()) {
		t.Fatalf("TimeoutError = %+v", te)
	}
	if !utilerrors.IsTransport(err) {
		t.Fatalf("timeout should be a retryable transport failure")
	}
}

func TestGRPC_WrongReceiverIsRetryable(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{TTL: 2 * time.Second})
	b := echoNode(t, reg, "B")

	tr := NewGRPCTransport()
	defer tr.Close()
	_, err := tr.Call(context.Background(), b.ListenAddr(), CallRequest{Sender: "x", Receiver: "not-B", Message: "hi"})
	if s, _ := status.FromError(err); s.Code() != codes.Unavailable {
		t.Fatalf("misrouted call = %v, want Unavailable", err)
	}

	tr.Forget(b.ListenAddr())
	reply, err := tr.Call(context.Background(), b.ListenAddr(), CallRequest{Sender: "x", Receiver: "B", Message: "hi"})
	if err != nil || reply != `B got "hi" from x` {
		t.Fatalf("Call after Forget = %q, %v", reply, err)
	}

	tr.Close()
	if _, err := tr.Call(context.Background(), b.ListenAddr(), CallRequest{Receiver: "B"}); err == nil {
		t.Fatalf("Call on closed transport should fail")
	}
}
