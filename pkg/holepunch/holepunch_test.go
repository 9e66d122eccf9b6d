package holepunch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
)

const (
	idP = "node-000000000000000000000000000000e1"
	idQ = "node-000000000000000000000000000000e2"
	idR = "node-000000000000000000000000000000e3"
)

func newManager(t *testing.T, selfID string) *Manager {
	t.Helper()
	m, err := New(selfID, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SyncDelay = 100 * time.Millisecond
	m.PunchTimeout = 3 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
	return m
}

func loopbackAddr(m *Manager) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: m.LocalAddr().Port}
}

func TestSimultaneousPunchSucceedsBothSides(t *testing.T) {
	p := newManager(t, idP)
	q := newManager(t, idQ)

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, results[0] = p.PunchHole(context.Background(), idQ, loopbackAddr(q))
	}()
	go func() {
		defer wg.Done()
		_, results[1] = q.PunchHole(context.Background(), idP, loopbackAddr(p))
	}()
	wg.Wait()

	if results[0] != nil || results[1] != nil {
		t.Fatalf("punch results: p=%v q=%v", results[0], results[1])
	}
	if p.SuccessRate() != 1.0 || q.SuccessRate() != 1.0 {
		t.Fatalf("success rates: p=%v q=%v, want 1.0", p.SuccessRate(), q.SuccessRate())
	}
}

func TestPunchTimesOutAgainstSilentPeer(t *testing.T) {
	p := newManager(t, idP)
	p.PunchTimeout = 500 * time.Millisecond

	// A bound socket that never answers: mimics a peer whose NAT dropped our
	// datagrams.
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("silent socket: %v", err)
	}
	defer silent.Close()

	_, err = p.PunchHole(context.Background(), idQ, silent.LocalAddr().(*net.UDPAddr))
	if err != ErrPunchTimeout {
		t.Fatalf("err = %v, want ErrPunchTimeout", err)
	}
	if p.SuccessRate() != 0 {
		t.Fatalf("success rate = %v, want 0", p.SuccessRate())
	}
}

func newRPC(t *testing.T, selfID string) *dht.RPC {
	t.Helper()
	r, err := dht.NewRPC(selfID, 0, dht.Handlers{}, nil)
	if err != nil {
		t.Fatalf("NewRPC: %v", err)
	}
	r.Start(context.Background())
	t.Cleanup(func() { r.Close() })
	return r
}

func recordFor(r *dht.RPC, nodeID string) dht.Record {
	return dht.Record{NodeID: nodeID, IP: "127.0.0.1", Port: r.LocalAddr().Port, LastSeen: time.Now()}
}

func TestReflexiveDiscoveryTakesModalObservation(t *testing.T) {
	m := newManager(t, idP)
	querier := newRPC(t, idP)
	resp1 := newRPC(t, idQ)
	resp2 := newRPC(t, idR)

	peers := []dht.Record{recordFor(resp1, idQ), recordFor(resp2, idR)}
	ep, err := m.DiscoverExternalEndpoint(context.Background(), querier, peers, true)
	if err != nil {
		t.Fatalf("DiscoverExternalEndpoint: %v", err)
	}
	if ep.IP != "127.0.0.1" {
		t.Fatalf("reflexive IP = %q, want 127.0.0.1", ep.IP)
	}
	// Both responders observed the querier's RPC socket, so the modal port
	// is that socket's port with full agreement.
	if ep.Port != querier.LocalAddr().Port {
		t.Fatalf("reflexive port = %d, want %d", ep.Port, querier.LocalAddr().Port)
	}
	if ep.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", ep.Confidence)
	}

	// Fresh cache is reused without re-querying.
	cached, err := m.DiscoverExternalEndpoint(context.Background(), querier, nil, false)
	if err != nil {
		t.Fatalf("cached discovery: %v", err)
	}
	if cached.Port != ep.Port || !cached.DiscoveredAt.Equal(ep.DiscoveredAt) {
		t.Fatal("cached endpoint not reused")
	}
}

func TestNATInferenceConeWhenPortsAgree(t *testing.T) {
	m := newManager(t, idP)
	querier := newRPC(t, idP)
	resp1 := newRPC(t, idQ)
	resp2 := newRPC(t, idR)

	// Observations come from the querier's RPC socket, which differs from
	// the punch socket's local port: equal-but-translated means cone.
	nat, err := m.InferNATType(context.Background(), querier, []dht.Record{recordFor(resp1, idQ), recordFor(resp2, idR)})
	if err != nil {
		t.Fatalf("InferNATType: %v", err)
	}
	if nat != NATCone {
		t.Fatalf("nat = %q, want %q", nat, NATCone)
	}
}

func TestNATInferenceUnknownWithoutEnoughPeers(t *testing.T) {
	m := newManager(t, idP)
	querier := newRPC(t, idP)
	resp1 := newRPC(t, idQ)

	nat, err := m.InferNATType(context.Background(), querier, []dht.Record{recordFor(resp1, idQ)})
	if err != nil {
		t.Fatalf("InferNATType: %v", err)
	}
	if nat != NATUnknown {
		t.Fatalf("nat = %q, want %q", nat, NATUnknown)
	}
}
