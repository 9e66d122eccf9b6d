package p2p

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mikhashev/dpc-core/internal/identity"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/router"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, name string) *Manager {
	t.Helper()
	dir := t.TempDir()
	id, err := identity.Generate(filepath.Join(dir, "node.key"), filepath.Join(dir, "node.crt"))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	m := New(id, name, router.New(nil), nil, nil, nil, nil)
	m.Mode = ModeIPv4
	m.ListenPort = 0 // ephemeral
	m.ReconnectDelay = 50 * time.Millisecond
	return m
}

func startManager(t *testing.T, m *Manager) int {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Shutdown)
	addrs := m.ListenAddrs()
	if len(addrs) == 0 {
		t.Fatal("no listener bound")
	}
	_, portStr, err := net.SplitHostPort(addrs[0])
	if err != nil {
		t.Fatalf("listener addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDirectConnectHelloExchange(t *testing.T) {
	a := newTestManager(t, "alice")
	b := newTestManager(t, "bob")
	portA := startManager(t, a)
	startManager(t, b)

	conn, err := b.ConnectDirectly(context.Background(), "127.0.0.1", portA, a.SelfID(), 5*time.Second)
	if err != nil {
		t.Fatalf("ConnectDirectly: %v", err)
	}
	if conn.NodeID() != a.SelfID() {
		t.Fatalf("conn.NodeID = %q, want %q", conn.NodeID(), a.SelfID())
	}
	if conn.Transport() != peerconn.TransportDirectTLSv4 {
		t.Fatalf("transport = %q", conn.Transport())
	}

	// The listener side registers b once HELLO lands.
	waitFor(t, 3*time.Second, func() bool {
		_, ok := a.Peer(b.SelfID())
		return ok
	})
	if name, _ := a.PeerName(b.SelfID()); name != "bob" {
		t.Fatalf("a recorded peer name %q, want bob", name)
	}
	if name, _ := b.PeerName(a.SelfID()); name != "alice" {
		t.Fatalf("b recorded peer name %q, want alice", name)
	}
}

func TestMessageRoundTripDispatchesToRouter(t *testing.T) {
	a := newTestManager(t, "alice")
	b := newTestManager(t, "bob")
	portA := startManager(t, a)
	startManager(t, b)

	received := make(chan map[string]any, 1)
	a.Router.Register("TEXT", func(sender string, payload map[string]any) (any, error) {
		if sender == b.SelfID() {
			received <- payload
		}
		return nil, nil
	})

	if _, err := b.ConnectDirectly(context.Background(), "127.0.0.1", portA, a.SelfID(), 5*time.Second); err != nil {
		t.Fatalf("ConnectDirectly: %v", err)
	}
	if err := b.SendCommand(a.SelfID(), "TEXT", map[string]any{"body": "hi"}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	select {
	case payload := <-received:
		if payload["body"] != "hi" {
			t.Fatalf("payload = %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestPreflightRefusedDiagnostic(t *testing.T) {
	b := newTestManager(t, "bob")
	startManager(t, b)

	// Grab a port that is momentarily free, then close it so nothing listens.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	_, err = b.ConnectDirectly(context.Background(), "127.0.0.1", port, "", 5*time.Second)
	if !errors.Is(err, ErrPreflightRefused) {
		t.Fatalf("error = %v, want ErrPreflightRefused", err)
	}
}

func TestPreflightTimeoutDiagnostic(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a blackholed TEST-NET address")
	}
	b := newTestManager(t, "bob")
	startManager(t, b)

	_, err := b.ConnectDirectly(context.Background(), "198.51.100.10", 8888, "", 500*time.Millisecond)
	if !errors.Is(err, ErrPreflightTimeout) {
		t.Fatalf("error = %v, want ErrPreflightTimeout", err)
	}
}

type countingOrchestrator struct {
	calls atomic.Int64
}

func (o *countingOrchestrator) Connect(context.Context, string) (peerconn.Conn, error) {
	o.calls.Add(1)
	return nil, errors.New("unreachable")
}

func TestAutoReconnectFiresOncePerLoss(t *testing.T) {
	a := newTestManager(t, "alice")
	b := newTestManager(t, "bob")
	portA := startManager(t, a)
	startManager(t, b)

	orch := &countingOrchestrator{}
	b.SetOrchestrator(orch)

	if _, err := b.ConnectDirectly(context.Background(), "127.0.0.1", portA, a.SelfID(), 5*time.Second); err != nil {
		t.Fatalf("ConnectDirectly: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		_, ok := a.Peer(b.SelfID())
		return ok
	})

	// A drops b intentionally on its side; b observes a transport loss and
	// must retry exactly once.
	if err := a.ShutdownPeerConnection(b.SelfID()); err != nil {
		t.Fatalf("shutdown peer: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return orch.calls.Load() == 1 })
	time.Sleep(200 * time.Millisecond)
	if got := orch.calls.Load(); got != 1 {
		t.Fatalf("reconnect attempts = %d, want 1", got)
	}
}

func TestIntentionalDisconnectSuppressesReconnect(t *testing.T) {
	a := newTestManager(t, "alice")
	b := newTestManager(t, "bob")
	portA := startManager(t, a)
	startManager(t, b)

	orch := &countingOrchestrator{}
	b.SetOrchestrator(orch)

	if _, err := b.ConnectDirectly(context.Background(), "127.0.0.1", portA, a.SelfID(), 5*time.Second); err != nil {
		t.Fatalf("ConnectDirectly: %v", err)
	}
	if err := b.ShutdownPeerConnection(a.SelfID()); err != nil {
		t.Fatalf("shutdown peer: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if got := orch.calls.Load(); got != 0 {
		t.Fatalf("reconnect attempts = %d, want 0 for intentional disconnect", got)
	}
}
