package gossip

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/mikhashev/dpc-core/pkg/router"
)

// fakeNetwork is a shared registry of gossip managers and an explicit
// adjacency list, used to hand each manager a fakePeers view scoped to its
// own direct neighbors (so relay tests can force a multi-hop path).
type fakeNetwork struct {
	mu        sync.Mutex
	mgrs      map[string]*Manager
	neighbors map[string][]string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{mgrs: make(map[string]*Manager), neighbors: make(map[string][]string)}
}

func (n *fakeNetwork) register(id string, mgr *Manager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mgrs[id] = mgr
}

func (n *fakeNetwork) connect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.neighbors[a] = append(n.neighbors[a], b)
	n.neighbors[b] = append(n.neighbors[b], a)
}

func (n *fakeNetwork) viewFor(owner string) *fakePeers {
	return &fakePeers{net: n, owner: owner}
}

// fakePeers is a PeerTransport scoped to a single node's direct neighbors,
// delivering sent commands straight into the target manager's handlers.
type fakePeers struct {
	net   *fakeNetwork
	owner string
}

func (f *fakePeers) ConnectedPeerIDs() []string {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	out := make([]string, len(f.net.neighbors[f.owner]))
	copy(out, f.net.neighbors[f.owner])
	return out
}

func (f *fakePeers) SendCommand(nodeID, command string, payload map[string]any) error {
	f.net.mu.Lock()
	mgr := f.net.mgrs[nodeID]
	f.net.mu.Unlock()
	if mgr == nil {
		return nil
	}
	switch command {
	case CommandGossipMessage:
		mgr.OnReceive(payload)
	case CommandGossipSync:
		ids, _ := payload["message_ids"].([]string)
		mgr.OnSync("", ids)
	}
	return nil
}

type fakeCerts struct {
	mu   sync.Mutex
	keys map[string]*rsa.PublicKey
}

func (c *fakeCerts) CachedPublicKey(nodeID string) (*rsa.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pk, ok := c.keys[nodeID]
	return pk, ok
}

func (c *fakeCerts) ConnectionPublicKey(nodeID string) (*rsa.PublicKey, bool) { return nil, false }

func generateSelfSignedCert(t *testing.T, cn string, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestSendGossip_DirectDelivery(t *testing.T) {
	net := newFakeNetwork()
	certs := &fakeCerts{keys: make(map[string]*rsa.PublicKey)}

	keyA, _ := rsa.GenerateKey(rand.Reader, 2048)
	keyB, _ := rsa.GenerateKey(rand.Reader, 2048)
	certB := generateSelfSignedCert(t, "node-b", keyB)

	mgrA := New("node-a", keyA, nil, net.viewFor("node-a"), certs, nil, nil, nil)
	mgrB := New("node-b", keyB, certB, net.viewFor("node-b"), certs, nil, nil, nil)
	net.register("node-a", mgrA)
	net.register("node-b", mgrB)
	net.connect("node-a", "node-b")
	certs.keys["node-b"] = &keyB.PublicKey

	received := make(chan map[string]any, 1)
	mgrB.RegisterDeliveryCallback("node-a", func(source string, payload map[string]any) {
		received <- payload
	})

	if _, err := mgrA.SendGossip(context.Background(), "node-b", map[string]any{"greeting": "hi"}, PriorityNormal); err != nil {
		t.Fatalf("send gossip: %v", err)
	}

	select {
	case payload := <-received:
		if payload["greeting"] != "hi" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestOnReceive_ForwardsWhenNotDestination(t *testing.T) {
	net := newFakeNetwork()
	certs := &fakeCerts{keys: make(map[string]*rsa.PublicKey)}

	keyA, _ := rsa.GenerateKey(rand.Reader, 2048)
	keyC, _ := rsa.GenerateKey(rand.Reader, 2048)
	certC := generateSelfSignedCert(t, "node-c", keyC)

	mgrA := New("node-a", keyA, nil, net.viewFor("node-a"), certs, nil, nil, nil)
	mgrB := New("node-b", nil, nil, net.viewFor("node-b"), certs, nil, nil, nil)
	mgrC := New("node-c", keyC, certC, net.viewFor("node-c"), certs, nil, nil, nil)
	net.register("node-a", mgrA)
	net.register("node-b", mgrB)
	net.register("node-c", mgrC)
	certs.keys["node-c"] = &keyC.PublicKey

	received := make(chan map[string]any, 1)
	mgrC.RegisterDeliveryCallback("node-a", func(source string, payload map[string]any) {
		received <- payload
	})

	// node-a only reaches node-b directly; node-b must relay to node-c.
	net.connect("node-a", "node-b")
	net.connect("node-b", "node-c")

	if _, err := mgrA.SendGossip(context.Background(), "node-c", map[string]any{"hops": "via-b"}, PriorityNormal); err != nil {
		t.Fatalf("send gossip: %v", err)
	}

	select {
	case payload := <-received:
		if payload["hops"] != "via-b" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("message was never relayed to destination")
	}
}

func TestOnReceive_DropsDuplicateMessage(t *testing.T) {
	net := newFakeNetwork()
	mgr := New("node-a", nil, nil, net.viewFor("node-a"), nil, nil, nil, nil)
	net.register("node-a", mgr)

	msg := NewMessage("node-x", "node-z", map[string]any{"encrypted": "AA=="}, 5, time.Hour, PriorityNormal, NewVectorClock())

	mgr.OnReceive(msg.ToMap())
	if mgr.DroppedCount() != 0 {
		t.Fatalf("first receipt should not be dropped, dropped=%d", mgr.DroppedCount())
	}
	mgr.OnReceive(msg.ToMap())

	mgr.mu.Lock()
	stored := len(mgr.store)
	mgr.mu.Unlock()
	if stored != 1 {
		t.Fatalf("duplicate message should not be stored twice, store size=%d", stored)
	}
}

func TestCleanupExpired_RemovesOldMessages(t *testing.T) {
	net := newFakeNetwork()
	mgr := New("node-a", nil, nil, net.viewFor("node-a"), nil, nil, nil, nil)

	msg := NewMessage("node-x", "node-z", nil, 5, time.Millisecond, PriorityNormal, NewVectorClock())
	mgr.mu.Lock()
	mgr.store[msg.ID] = msg
	mgr.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	mgr.cleanupExpired()

	mgr.mu.Lock()
	_, exists := mgr.store[msg.ID]
	mgr.mu.Unlock()
	if exists {
		t.Fatal("expired message should have been cleaned up")
	}
}

func TestGossip_ChainDeliveryWithinHopBudget(t *testing.T) {
	net := newFakeNetwork()
	certs := &fakeCerts{keys: make(map[string]*rsa.PublicKey)}

	keyA, _ := rsa.GenerateKey(rand.Reader, 2048)
	keyB, _ := rsa.GenerateKey(rand.Reader, 2048)
	certB := generateSelfSignedCert(t, "node-b", keyB)

	// A - M - N - B: direct connections between consecutive pairs only.
	mgrA := New("node-a", keyA, nil, net.viewFor("node-a"), certs, nil, nil, nil)
	mgrM := New("node-m", nil, nil, net.viewFor("node-m"), certs, nil, nil, nil)
	mgrN := New("node-n", nil, nil, net.viewFor("node-n"), certs, nil, nil, nil)
	mgrB := New("node-b", keyB, certB, net.viewFor("node-b"), certs, nil, nil, nil)
	for id, mgr := range map[string]*Manager{"node-a": mgrA, "node-m": mgrM, "node-n": mgrN, "node-b": mgrB} {
		net.register(id, mgr)
	}
	net.connect("node-a", "node-m")
	net.connect("node-m", "node-n")
	net.connect("node-n", "node-b")
	certs.keys["node-b"] = &keyB.PublicKey

	received := make(chan map[string]any, 1)
	mgrB.RegisterDeliveryCallback("node-a", func(source string, payload map[string]any) {
		received <- payload
	})

	if _, err := mgrA.SendGossip(context.Background(), "node-b", map[string]any{"command": "HELLO"}, PriorityNormal); err != nil {
		t.Fatalf("send gossip: %v", err)
	}

	select {
	case payload := <-received:
		if payload["command"] != "HELLO" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never crossed the three-hop chain")
	}

	// Intermediate nodes held the ciphertext but never the plaintext: their
	// stores carry the message with the encrypted payload only.
	mgrM.mu.Lock()
	for _, msg := range mgrM.store {
		if _, ok := msg.Payload["encrypted"]; !ok {
			t.Error("intermediate node stored an unencrypted payload")
		}
	}
	mgrM.mu.Unlock()
}

func TestForward_NeverSendsBackToForwarder(t *testing.T) {
	net := newFakeNetwork()
	mgrB := New("node-b", nil, nil, net.viewFor("node-b"), nil, nil, nil, nil)
	net.register("node-b", mgrB)

	delivered := make(chan string, 4)
	probe := &recordingPeers{inner: net.viewFor("node-b"), sent: delivered}
	mgrB.Peers = probe
	net.connect("node-b", "node-a")
	net.connect("node-b", "node-c")

	msg := NewMessage("node-a", "node-z", map[string]any{"encrypted": "AA=="}, 5, time.Hour, PriorityNormal, NewVectorClock())
	msg.IncrementHops("node-a")
	mgrB.OnReceive(msg.ToMap())

	close(delivered)
	for target := range delivered {
		if target == "node-a" {
			t.Fatal("message forwarded back to a peer in already_forwarded")
		}
	}
}

// recordingPeers wraps a PeerTransport and records forwarding targets.
type recordingPeers struct {
	inner *fakePeers
	sent  chan string
}

func (r *recordingPeers) ConnectedPeerIDs() []string { return r.inner.ConnectedPeerIDs() }

func (r *recordingPeers) SendCommand(nodeID, command string, payload map[string]any) error {
	if command == CommandGossipMessage {
		select {
		case r.sent <- nodeID:
		default:
		}
	}
	return nil
}

func TestDeliver_FallsBackToMessageRouter(t *testing.T) {
	net := newFakeNetwork()
	certs := &fakeCerts{keys: make(map[string]*rsa.PublicKey)}

	keyA, _ := rsa.GenerateKey(rand.Reader, 2048)
	keyB, _ := rsa.GenerateKey(rand.Reader, 2048)
	certB := generateSelfSignedCert(t, "node-b", keyB)

	mgrA := New("node-a", keyA, nil, net.viewFor("node-a"), certs, nil, nil, nil)
	mgrB := New("node-b", keyB, certB, net.viewFor("node-b"), certs, nil, nil, nil)
	net.register("node-a", mgrA)
	net.register("node-b", mgrB)
	net.connect("node-a", "node-b")
	certs.keys["node-b"] = &keyB.PublicKey

	// No per-source callback on B; the command router is the second tier.
	rtr := router.New(nil)
	routed := make(chan map[string]any, 1)
	rtr.Register("TEXT", func(sender string, payload map[string]any) (any, error) {
		if sender == "node-a" {
			routed <- payload
		}
		return nil, nil
	})
	mgrB.Router = rtr

	if _, err := mgrA.SendGossip(context.Background(), "node-b", map[string]any{
		"command": "TEXT",
		"payload": map[string]any{"body": "hi"},
	}, PriorityNormal); err != nil {
		t.Fatalf("send gossip: %v", err)
	}

	select {
	case payload := <-routed:
		if payload["body"] != "hi" {
			t.Fatalf("routed payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("message never reached the router fallback")
	}
}

func TestDeliver_CallbackTakesPrecedenceOverRouter(t *testing.T) {
	net := newFakeNetwork()
	certs := &fakeCerts{keys: make(map[string]*rsa.PublicKey)}

	keyA, _ := rsa.GenerateKey(rand.Reader, 2048)
	keyB, _ := rsa.GenerateKey(rand.Reader, 2048)
	certB := generateSelfSignedCert(t, "node-b", keyB)

	mgrA := New("node-a", keyA, nil, net.viewFor("node-a"), certs, nil, nil, nil)
	mgrB := New("node-b", keyB, certB, net.viewFor("node-b"), certs, nil, nil, nil)
	net.register("node-a", mgrA)
	net.register("node-b", mgrB)
	net.connect("node-a", "node-b")
	certs.keys["node-b"] = &keyB.PublicKey

	rtr := router.New(nil)
	routerHit := false
	rtr.Register("TEXT", func(string, map[string]any) (any, error) {
		routerHit = true
		return nil, nil
	})
	mgrB.Router = rtr

	viaCallback := make(chan struct{}, 1)
	mgrB.RegisterDeliveryCallback("node-a", func(string, map[string]any) {
		viaCallback <- struct{}{}
	})

	if _, err := mgrA.SendGossip(context.Background(), "node-b", map[string]any{
		"command": "TEXT",
	}, PriorityNormal); err != nil {
		t.Fatalf("send gossip: %v", err)
	}

	select {
	case <-viaCallback:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	if routerHit {
		t.Fatal("router handled a message that had a registered callback")
	}
}
