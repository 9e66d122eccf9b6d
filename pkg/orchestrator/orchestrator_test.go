package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/strategy"
)

const testPeer = "node-00000000000000000000000000000042"

type fakeResolver struct {
	ep  *dht.PeerEndpoint
	err error
}

func (r *fakeResolver) FindPeerFull(context.Context, string) (*dht.PeerEndpoint, error) {
	return r.ep, r.err
}

type fakeConn struct{ strat string }

func (c *fakeConn) NodeID() string                { return testPeer }
func (c *fakeConn) Transport() peerconn.Transport { return peerconn.TransportDirectTLSv4 }
func (c *fakeConn) StrategyUsed() string          { return c.strat }
func (c *fakeConn) Send(peerconn.Message) error   { return nil }
func (c *fakeConn) Read() (peerconn.Message, error) {
	return nil, errors.New("fake")
}
func (c *fakeConn) Close() error { return nil }

type fakeStrategy struct {
	name       string
	priority   int
	timeout    time.Duration
	applicable bool
	err        error
	delay      time.Duration
	calls      int
}

func (s *fakeStrategy) Name() string                          { return s.name }
func (s *fakeStrategy) Priority() int                         { return s.priority }
func (s *fakeStrategy) Timeout() time.Duration                { return s.timeout }
func (s *fakeStrategy) IsApplicable(*dht.PeerEndpoint) bool   { return s.applicable }
func (s *fakeStrategy) Connect(ctx context.Context, _ string, _ *dht.PeerEndpoint) (peerconn.Conn, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &fakeConn{strat: s.name}, nil
}

func endpoint() *dht.PeerEndpoint {
	return &dht.PeerEndpoint{SchemaVersion: dht.SchemaV2, NodeID: testPeer, IPv4: dht.IPv4Info{Local: "10.0.0.2:8888"}}
}

func TestPriorityOrderSkipsInapplicable(t *testing.T) {
	s1 := &fakeStrategy{name: "ipv6_direct", priority: 1, timeout: time.Second, applicable: false}
	s2 := &fakeStrategy{name: "ipv4_direct", priority: 2, timeout: time.Second, applicable: false}
	s3 := &fakeStrategy{name: "udp_hole_punch", priority: 4, timeout: time.Second, applicable: true}

	// Deliberately construct out of order to exercise the priority sort.
	o := New(&fakeResolver{ep: endpoint()}, []strategy.Strategy{s3, s1, s2}, nil, nil)

	conn, err := o.Connect(context.Background(), testPeer)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.StrategyUsed() != "udp_hole_punch" {
		t.Fatalf("StrategyUsed = %q, want udp_hole_punch", conn.StrategyUsed())
	}
	if s1.calls != 0 || s2.calls != 0 {
		t.Fatal("inapplicable strategies were attempted")
	}
}

func TestFailedStrategyContinuesToNext(t *testing.T) {
	s1 := &fakeStrategy{name: "ipv4_direct", priority: 2, timeout: time.Second, applicable: true, err: fmt.Errorf("%w: refused", strategy.ErrConnectionFailed)}
	s2 := &fakeStrategy{name: "volunteer_relay", priority: 5, timeout: time.Second, applicable: true}

	o := New(&fakeResolver{ep: endpoint()}, []strategy.Strategy{s1, s2}, nil, nil)
	conn, err := o.Connect(context.Background(), testPeer)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.StrategyUsed() != "volunteer_relay" {
		t.Fatalf("StrategyUsed = %q, want volunteer_relay", conn.StrategyUsed())
	}
	if s1.calls != 1 {
		t.Fatalf("first strategy calls = %d, want 1", s1.calls)
	}
}

func TestMidAttemptNotApplicableIsSilentlySkipped(t *testing.T) {
	s1 := &fakeStrategy{name: "udp_hole_punch", priority: 4, timeout: time.Second, applicable: true, err: fmt.Errorf("%w: symmetric NAT", strategy.ErrNotApplicable)}
	s2 := &fakeStrategy{name: "volunteer_relay", priority: 5, timeout: time.Second, applicable: true}

	o := New(&fakeResolver{ep: endpoint()}, []strategy.Strategy{s1, s2}, nil, nil)
	conn, err := o.Connect(context.Background(), testPeer)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.StrategyUsed() != "volunteer_relay" {
		t.Fatalf("StrategyUsed = %q, want volunteer_relay", conn.StrategyUsed())
	}
	// NotApplicable attempts aren't recorded in the history.
	for _, a := range o.History(testPeer) {
		if a.Strategy == "udp_hole_punch" {
			t.Fatal("not-applicable attempt recorded in history")
		}
	}
}

func TestAllStrategiesFailProducesCompositeError(t *testing.T) {
	s1 := &fakeStrategy{name: "ipv4_direct", priority: 2, timeout: time.Second, applicable: true, err: errors.New("refused")}
	s2 := &fakeStrategy{name: "volunteer_relay", priority: 5, timeout: time.Second, applicable: true, err: errors.New("no relay")}

	o := New(&fakeResolver{ep: endpoint()}, []strategy.Strategy{s1, s2}, nil, nil)
	_, err := o.Connect(context.Background(), testPeer)
	var cf *ConnectionFailed
	if !errors.As(err, &cf) {
		t.Fatalf("error type %T, want *ConnectionFailed", err)
	}
	if cf.LastStrategy != "volunteer_relay" {
		t.Fatalf("LastStrategy = %q, want volunteer_relay", cf.LastStrategy)
	}
	if cf.LastErr.Error() != "no relay" {
		t.Fatalf("LastErr = %v, want no relay", cf.LastErr)
	}

	stats := o.Stats()
	if stats.Failures != 1 || stats.Successes != 0 || stats.Attempts != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(o.History(testPeer)) != 2 {
		t.Fatalf("history length = %d, want 2", len(o.History(testPeer)))
	}
}

func TestResolverFailureIsPeerNotAnnounced(t *testing.T) {
	o := New(&fakeResolver{err: dht.ErrPeerNotAnnounced}, nil, nil, nil)
	_, err := o.Connect(context.Background(), testPeer)
	var cf *ConnectionFailed
	if !errors.As(err, &cf) {
		t.Fatalf("error type %T, want *ConnectionFailed", err)
	}
	if !errors.Is(err, dht.ErrPeerNotAnnounced) {
		t.Fatalf("error %v does not wrap ErrPeerNotAnnounced", err)
	}
}

func TestOverallTimeoutStopsIteration(t *testing.T) {
	slow := &fakeStrategy{name: "ipv4_direct", priority: 2, timeout: 10 * time.Second, applicable: true, delay: 200 * time.Millisecond, err: errors.New("slow fail")}
	never := &fakeStrategy{name: "volunteer_relay", priority: 5, timeout: 10 * time.Second, applicable: true}

	o := New(&fakeResolver{ep: endpoint()}, []strategy.Strategy{slow, never}, nil, nil)
	o.OverallTimeout = 100 * time.Millisecond

	_, err := o.Connect(context.Background(), testPeer)
	if err == nil {
		t.Fatal("expected failure under overall timeout")
	}
	if never.calls != 0 {
		t.Fatal("orchestrator kept iterating past the overall deadline")
	}
}

func TestPerStrategyHistogram(t *testing.T) {
	ok := &fakeStrategy{name: "ipv4_direct", priority: 2, timeout: time.Second, applicable: true}
	o := New(&fakeResolver{ep: endpoint()}, []strategy.Strategy{ok}, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := o.Connect(context.Background(), testPeer); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	stats := o.Stats()
	if stats.PerStrategy["ipv4_direct"] != 3 {
		t.Fatalf("histogram = %v, want ipv4_direct:3", stats.PerStrategy)
	}
	if stats.Successes != 3 {
		t.Fatalf("successes = %d, want 3", stats.Successes)
	}
}
