// Package gossip implements epidemic store-and-forward messaging with
// TTL/hop limits, deduplication, vector-clock anti-entropy, and hybrid
// end-to-end encryption.
package gossip

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikhashev/dpc-core/internal/metrics"
	"github.com/mikhashev/dpc-core/pkg/router"
)

// Tunable defaults.
const (
	DefaultMaxHops         = 5
	DefaultFanout          = 3
	DefaultTTL             = 24 * time.Hour
	DefaultSyncInterval    = 5 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultReceivePoll     = 30 * time.Second
)

// Commands this layer emits/consumes
const (
	CommandGossipMessage = "GOSSIP_MESSAGE"
	CommandGossipSync    = "GOSSIP_SYNC"
)

// PeerTransport is the subset of the P2P manager's active-connection
// registry the gossip manager needs: which peers are currently connected,
// and how to send a command to one.
type PeerTransport interface {
	ConnectedPeerIDs() []string
	SendCommand(nodeID, command string, payload map[string]any) error
}

// CertSource resolves a destination's RSA public key via the peer cache,
// an active connection's exchanged certificate, or a DHT fallback,
// the "peer cache → active connection → FIND_VALUE" order.
type CertSource interface {
	CachedPublicKey(nodeID string) (*rsa.PublicKey, bool)
	ConnectionPublicKey(nodeID string) (*rsa.PublicKey, bool)
}

// ValueStore is the subset of *dht.Manager used to publish and resolve
// "cert:<node_id>" values.
type ValueStore interface {
	StoreValue(ctx context.Context, key, value string) (int, error)
	FindValue(ctx context.Context, key string) (string, error)
}

// DeliveryCallback is invoked when a gossip message destined for us from
// source arrives and is successfully decrypted.
type DeliveryCallback func(source string, payload map[string]any)

// Manager is the gossip manager: epidemic forwarding, deduplication,
// vector-clock anti-entropy, and hybrid encryption over whichever peer
// connections are currently active.
type Manager struct {
	SelfID     string
	PrivateKey *rsa.PrivateKey
	CertPEM    []byte

	Peers PeerTransport
	Certs CertSource
	DHT   ValueStore

	// Router is the fallback for messages delivered to us whose source has
	// no registered callback: the decrypted payload is dispatched by its
	// command name like any transport-delivered message.
	Router *router.Router

	MaxHops         int
	Fanout          int
	TTL             time.Duration
	SyncInterval    time.Duration
	CleanupInterval time.Duration
	DefaultPriority string

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	store map[string]*Message
	seen  map[string]struct{}
	clock VectorClock

	cbMu      sync.RWMutex
	callbacks map[string]DeliveryCallback

	dropped atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a gossip manager. PrivateKey/CertPEM are this node's identity
// material for hybrid decryption and certificate publication. mets may be
// nil.
func New(selfID string, privateKey *rsa.PrivateKey, certPEM []byte, peers PeerTransport, certs CertSource, dhtStore ValueStore, logger *slog.Logger, mets *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		SelfID:          selfID,
		PrivateKey:      privateKey,
		CertPEM:         certPEM,
		Peers:           peers,
		Certs:           certs,
		DHT:             dhtStore,
		MaxHops:         DefaultMaxHops,
		Fanout:          DefaultFanout,
		TTL:             DefaultTTL,
		SyncInterval:    DefaultSyncInterval,
		CleanupInterval: DefaultCleanupInterval,
		DefaultPriority: PriorityNormal,
		logger:          logger,
		metrics:         mets,
		store:           make(map[string]*Message),
		seen:            make(map[string]struct{}),
		clock:           NewVectorClock(),
		callbacks:       make(map[string]DeliveryCallback),
	}
}

// Start publishes our certificate and launches the anti-entropy and cleanup
// background loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	if m.DHT != nil && len(m.CertPEM) > 0 {
		if _, err := m.DHT.StoreValue(ctx, "cert:"+m.SelfID, string(m.CertPEM)); err != nil {
			m.logger.Warn("gossip: certificate publication failed", "error", err)
		}
	}
	m.wg.Add(2)
	go m.antiEntropyLoop(ctx)
	go m.cleanupLoop(ctx)
}

// Stop cancels the background loops and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// RegisterDeliveryCallback installs (or replaces) the callback invoked when
// a message from source is delivered to us.
func (m *Manager) RegisterDeliveryCallback(source string, cb DeliveryCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks[source] = cb
}

// UnregisterDeliveryCallback removes a previously registered callback.
func (m *Manager) UnregisterDeliveryCallback(source string) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	delete(m.callbacks, source)
}

// DroppedCount returns how many messages have been dropped as expired or over
// their hop budget. Duplicates of an already-seen message are discarded
// without being counted here.
func (m *Manager) DroppedCount() int64 { return m.dropped.Load() }

func (m *Manager) resolvePublicKey(ctx context.Context, dest string) (*rsa.PublicKey, error) {
	if m.Certs != nil {
		if pk, ok := m.Certs.CachedPublicKey(dest); ok {
			return pk, nil
		}
		if pk, ok := m.Certs.ConnectionPublicKey(dest); ok {
			return pk, nil
		}
	}
	if m.DHT == nil {
		return nil, fmt.Errorf("gossip: no certificate source available for %s", dest)
	}
	pemStr, err := m.DHT.FindValue(ctx, "cert:"+dest)
	if err != nil {
		return nil, fmt.Errorf("gossip: resolve certificate for %s: %w", dest, err)
	}
	return publicKeyFromPEM(pemStr)
}

func publicKeyFromPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("gossip: invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("gossip: parse certificate: %w", err)
	}
	pk, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("gossip: certificate public key is not RSA")
	}
	return pk, nil
}

// SendGossip encrypts payload for dest under hybrid encryption, builds a
// GossipMessage, stores and marks it seen locally, and forwards it,
//
func (m *Manager) SendGossip(ctx context.Context, dest string, payload map[string]any, priority string) (string, error) {
	if priority == "" {
		priority = m.DefaultPriority
	}

	pubKey, err := m.resolvePublicKey(ctx, dest)
	if err != nil {
		return "", err
	}

	plain, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	encrypted, err := EncryptHybrid(plain, pubKey)
	if err != nil {
		return "", fmt.Errorf("gossip: encrypt payload: %w", err)
	}

	m.mu.Lock()
	m.clock.Increment(m.SelfID)
	snapshot := m.clock.Clone()
	m.mu.Unlock()

	wrapped := map[string]any{"encrypted": encodeBase64(encrypted)}
	msg := NewMessage(m.SelfID, dest, wrapped, m.MaxHops, m.TTL, priority, snapshot)

	m.mu.Lock()
	m.store[msg.ID] = msg
	m.seen[msg.ID] = struct{}{}
	m.mu.Unlock()

	m.metrics.ObserveGossip("sent")
	m.forward(msg)
	return msg.ID, nil
}

// OnReceive runs the receive state machine for an inbound GOSSIP_MESSAGE
// payload: deliver if we are the destination, otherwise dedupe, check the
// hop/TTL budget, store, merge clocks, and forward.
func (m *Manager) OnReceive(raw map[string]any) {
	msg := FromMap(raw)

	if msg.Destination == m.SelfID {
		m.deliver(msg)
		return
	}

	m.mu.Lock()
	if _, dup := m.seen[msg.ID]; dup {
		m.mu.Unlock()
		m.metrics.ObserveGossip("dropped")
		return
	}
	now := time.Now()
	if !msg.CanForward(now) {
		m.dropped.Add(1)
		m.mu.Unlock()
		m.metrics.ObserveGossip("dropped")
		return
	}
	m.store[msg.ID] = msg
	m.seen[msg.ID] = struct{}{}
	m.clock.Merge(msg.VectorClock)
	m.mu.Unlock()

	m.forward(msg)
}

func (m *Manager) deliver(msg *Message) {
	enc, ok := msg.Payload["encrypted"].(string)
	if !ok {
		m.logger.Warn("gossip: destination message missing encrypted payload", "id", msg.ID)
		return
	}
	blob, err := decodeBase64(enc)
	if err != nil {
		m.logger.Warn("gossip: malformed base64 payload", "id", msg.ID, "error", err)
		return
	}
	plain, err := DecryptHybrid(blob, m.PrivateKey)
	if err != nil {
		m.logger.Warn("gossip: decryption failed", "id", msg.ID, "error", err)
		return
	}
	payload, err := decodePayload(plain)
	if err != nil {
		m.logger.Warn("gossip: malformed decrypted payload", "id", msg.ID, "error", err)
		return
	}

	m.cbMu.RLock()
	cb, ok := m.callbacks[msg.Source]
	m.cbMu.RUnlock()
	if ok {
		cb(msg.Source, payload)
		m.metrics.ObserveGossip("delivered")
		return
	}

	// No per-source callback: route the decrypted payload by command name,
	// the same path a transport-delivered message takes.
	if m.Router != nil {
		command, _ := payload["command"].(string)
		if command != "" {
			inner, _ := payload["payload"].(map[string]any)
			if _, err := m.Router.Dispatch(msg.Source, router.Message{Command: command, Payload: inner}); err != nil {
				m.logger.Warn("gossip: routed delivery handler failed", "source", msg.Source, "command", command, "error", err)
			}
			m.metrics.ObserveGossip("delivered")
			return
		}
	}
	m.logger.Debug("gossip: no delivery callback or routable command, dropping", "source", msg.Source)
}

// forward sends msg to up to Fanout randomly-chosen currently connected
// peers, excluding anyone already in already_forwarded, incrementing hops
// exactly once for this hop
func (m *Manager) forward(msg *Message) {
	if m.Peers == nil {
		return
	}
	candidates := make([]string, 0)
	for _, p := range m.Peers.ConnectedPeerIDs() {
		if !msg.AlreadyForwardedTo(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > m.Fanout {
		candidates = candidates[:m.Fanout]
	}

	msg.IncrementHops(m.SelfID)
	m.metrics.ObserveGossip("forwarded")
	for _, peerID := range candidates {
		if err := m.Peers.SendCommand(peerID, CommandGossipMessage, msg.ToMap()); err != nil {
			m.logger.Debug("gossip: forward send failed", "peer", peerID, "id", msg.ID, "error", err)
		}
	}
}

// OnSync handles an inbound GOSSIP_SYNC: for every message ID the peer
// doesn't have, forward a fresh GOSSIP_MESSAGE copy to it.
func (m *Manager) OnSync(fromPeer string, theirIDs []string) {
	theirSet := make(map[string]struct{}, len(theirIDs))
	for _, id := range theirIDs {
		theirSet[id] = struct{}{}
	}

	m.mu.Lock()
	var missing []*Message
	for id, msg := range m.store {
		if _, has := theirSet[id]; !has {
			missing = append(missing, msg)
		}
	}
	m.mu.Unlock()

	for _, msg := range missing {
		if m.Peers != nil {
			if err := m.Peers.SendCommand(fromPeer, CommandGossipMessage, msg.ToMap()); err != nil {
				m.logger.Debug("gossip: anti-entropy push failed", "peer", fromPeer, "id", msg.ID, "error", err)
			}
		}
	}
}

func (m *Manager) antiEntropyLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runAntiEntropy()
		}
	}
}

func (m *Manager) runAntiEntropy() {
	if m.Peers == nil {
		return
	}
	peers := m.Peers.ConnectedPeerIDs()
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]

	m.mu.Lock()
	ids := make([]string, 0, len(m.store))
	for id := range m.store {
		ids = append(ids, id)
	}
	clockSnapshot := m.clock.Clone()
	m.mu.Unlock()

	payload := map[string]any{"vector_clock": clockSnapshot, "message_ids": ids}
	if err := m.Peers.SendCommand(target, CommandGossipSync, payload); err != nil {
		m.logger.Debug("gossip: anti-entropy sync send failed", "peer", target, "error", err)
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

func (m *Manager) cleanupExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, msg := range m.store {
		if !msg.notExpired(now) {
			delete(m.store, id)
		}
	}
}
