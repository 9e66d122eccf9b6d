// Package p2p implements the P2P manager: the dual-stack
// TLS listener, outbound direct connections with pre-flight diagnostics, the
// unified registry of active peer connections, the peer-cache hot path, and
// auto-reconnect for non-intentional drops.
package p2p

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mikhashev/dpc-core/internal/identity"
	"github.com/mikhashev/dpc-core/internal/metrics"
	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/gossip"
	"github.com/mikhashev/dpc-core/pkg/peercache"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/router"
)

// Tunable defaults.
const (
	DefaultListenPort     = 8888
	DefaultConnectTimeout = 30 * time.Second
	DefaultCacheDialTimeout = 5 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

// Listener modes.
const (
	ModeIPv4 = "ipv4"
	ModeIPv6 = "ipv6"
	ModeDual = "dual"
)

// Commands the manager itself produces/consumes
const (
	CommandHello        = "HELLO"
	CommandHelloAck     = "HELLO_ACK"
	CommandGetProviders = "GET_PROVIDERS"
)

var (
	// ErrAlreadyConnected is returned by Connect helpers when the peer
	// already has an active registry entry.
	ErrAlreadyConnected = errors.New("p2p: peer already connected")
	// ErrShuttingDown marks operations rejected during shutdown.
	ErrShuttingDown = errors.New("p2p: manager shutting down")
)

// Orchestrator is the slice of pkg/orchestrator the manager delegates to
// when the cache hot path misses (back-reference set after construction to
// break the construction cycle).
type Orchestrator interface {
	Connect(ctx context.Context, nodeID string) (peerconn.Conn, error)
}

// Manager owns the node's connection registry and direct-TLS transport.
type Manager struct {
	ID   *identity.Identity
	Name string

	Mode           string
	ListenPort     int
	ConnectTimeout time.Duration
	RecentWindow   time.Duration
	ReconnectDelay time.Duration

	Router *router.Router
	Cache  *peercache.Cache
	DHT    *dht.Manager

	logger  *slog.Logger
	metrics *metrics.Metrics

	orch Orchestrator
	hub  Signaler

	iceServers []ICEServer

	mu          sync.Mutex
	active      map[string]peerconn.Conn
	names       map[string]string
	connPub     map[string]*rsa.PublicKey
	intentional map[string]struct{}
	pending     map[string]struct{} // in-flight WebRTC handshakes
	listeners   []net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// New builds a P2P manager around the loaded node identity. Router must be
// non-nil; Cache and DHT are optional. Metrics may be nil.
func New(id *identity.Identity, name string, rt *router.Router, cache *peercache.Cache, dhtMgr *dht.Manager, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ID:             id,
		Name:           name,
		Mode:           ModeDual,
		ListenPort:     DefaultListenPort,
		ConnectTimeout: DefaultConnectTimeout,
		RecentWindow:   peercache.DefaultRecentWindow,
		ReconnectDelay: DefaultReconnectDelay,
		Router:         rt,
		Cache:          cache,
		DHT:            dhtMgr,
		logger:         logger,
		metrics:        m,
		active:         make(map[string]peerconn.Conn),
		names:          make(map[string]string),
		connPub:        make(map[string]*rsa.PublicKey),
		intentional:    make(map[string]struct{}),
		pending:        make(map[string]struct{}),
	}
}

// SetOrchestrator wires the back-reference used by ConnectViaNodeID.
func (m *Manager) SetOrchestrator(o Orchestrator) { m.orch = o }

// SetSignaler wires the hub signaling client used by the WebRTC path.
func (m *Manager) SetSignaler(s Signaler) { m.hub = s }

// SetICEServers configures STUN/TURN servers for WebRTC peer connections.
func (m *Manager) SetICEServers(servers []ICEServer) { m.iceServers = servers }

// SelfID returns this node's ID.
func (m *Manager) SelfID() string { return m.ID.NodeID }

// ConnectedPeerIDs lists peers with an active registry entry. Implements
// gossip.PeerTransport.
func (m *Manager) ConnectedPeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

// Peer returns the active connection for nodeID, if any.
func (m *Manager) Peer(nodeID string) (peerconn.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[nodeID]
	return c, ok
}

// PeerName returns the display name a peer exchanged in its HELLO, if any.
func (m *Manager) PeerName(nodeID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.names[nodeID]
	return n, ok
}

// SendCommand sends one framed command to an actively connected peer.
// Implements gossip.PeerTransport.
func (m *Manager) SendCommand(nodeID, command string, payload map[string]any) error {
	conn, ok := m.Peer(nodeID)
	if !ok {
		return errors.New("p2p: peer not connected: " + nodeID)
	}
	return conn.Send(peerconn.Message{"command": command, "payload": payload})
}

// CachedPublicKey resolves a peer's RSA public key from the certificate PEM
// remembered in the peer cache. Implements gossip.CertSource.
func (m *Manager) CachedPublicKey(nodeID string) (*rsa.PublicKey, bool) {
	if m.Cache == nil {
		return nil, false
	}
	e, ok := m.Cache.Get(nodeID)
	if !ok {
		return nil, false
	}
	pemStr, ok := e.Metadata["cert_pem"]
	if !ok {
		return nil, false
	}
	pk, err := publicKeyFromCertPEM([]byte(pemStr))
	if err != nil {
		return nil, false
	}
	return pk, true
}

// ConnectionPublicKey resolves a peer's RSA public key from the certificate
// it presented on an active TLS/DTLS connection. Implements gossip.CertSource.
func (m *Manager) ConnectionPublicKey(nodeID string) (*rsa.PublicKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, ok := m.connPub[nodeID]
	return pk, ok
}

func publicKeyFromCertPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("p2p: invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("p2p: certificate key is not RSA")
	}
	return pk, nil
}

// register inserts conn into the active registry, replacing (and closing)
// any previous entry for the same peer, and starts its read loop.
func (m *Manager) register(conn peerconn.Conn) {
	nodeID := conn.NodeID()
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		conn.Close()
		return
	}
	if prev, ok := m.active[nodeID]; ok && prev != conn {
		prev.Close()
	}
	m.active[nodeID] = conn
	delete(m.intentional, nodeID)
	m.mu.Unlock()

	m.metrics.PeerConnected(string(conn.Transport()), 1)
	m.wg.Add(1)
	go m.readLoop(conn)
}

// deregister removes conn if it is still the registered entry for its peer.
// Returns whether removal happened (false when a newer connection replaced
// it already).
func (m *Manager) deregister(conn peerconn.Conn) bool {
	nodeID := conn.NodeID()
	m.mu.Lock()
	current, ok := m.active[nodeID]
	if !ok || current != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.active, nodeID)
	delete(m.connPub, nodeID)
	m.mu.Unlock()
	m.metrics.PeerConnected(string(conn.Transport()), -1)
	return true
}

// readLoop reads framed messages from conn and dispatches them to the
// router until the stream ends, then runs the reconnect policy.
func (m *Manager) readLoop(conn peerconn.Conn) {
	defer m.wg.Done()
	nodeID := conn.NodeID()

	for {
		msg, err := conn.Read()
		if err != nil {
			// The virtual gossip transport polls with an upper bound; an
			// empty poll window is idleness, not transport loss.
			if errors.Is(err, gossip.ErrReadTimeout) {
				continue
			}
			break
		}
		if msg == nil {
			continue
		}
		// Keepalive frames never reach handlers.
		if t, ok := msg["type"].(string); ok && (t == "ping" || t == "pong") {
			continue
		}
		command, _ := msg["command"].(string)
		if command == "" {
			continue
		}
		payload, _ := msg["payload"].(map[string]any)
		if _, err := m.Router.Dispatch(nodeID, router.Message{Command: command, Payload: payload}); err != nil {
			m.logger.Warn("p2p: handler error", "peer", nodeID, "command", command, "error", err)
		}
	}

	removed := m.deregister(conn)
	conn.Close()
	if !removed {
		return
	}
	m.logger.Info("p2p: connection closed", "peer", nodeID, "transport", conn.Transport())
	m.maybeReconnect(nodeID, conn.Transport())
}

// maybeReconnect applies the auto-reconnect policy: a fixed delay, then
// exactly one connect attempt, suppressed for intentional
// disconnects and during shutdown. WebRTC drops only retry while the hub is
// still connected.
func (m *Manager) maybeReconnect(nodeID string, transport peerconn.Transport) {
	m.mu.Lock()
	_, intentional := m.intentional[nodeID]
	down := m.shutdown
	m.mu.Unlock()
	if intentional || down {
		return
	}
	if transport == peerconn.TransportHubWebRTC && !m.HubConnected() {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(m.ReconnectDelay):
		case <-m.ctx.Done():
			return
		}
		m.logger.Info("p2p: reconnecting", "peer", nodeID)
		if _, err := m.ConnectViaNodeID(m.ctx, nodeID); err != nil {
			m.logger.Warn("p2p: reconnect failed", "peer", nodeID, "error", err)
		}
	}()
}

// ShutdownPeerConnection closes the peer's connection and marks the drop
// intentional so no reconnect fires until the peer connects again.
func (m *Manager) ShutdownPeerConnection(nodeID string) error {
	m.mu.Lock()
	m.intentional[nodeID] = struct{}{}
	conn, ok := m.active[nodeID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Shutdown cancels the server and listener tasks, closes every active
// connection, and stops the DHT
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	listeners := m.listeners
	m.listeners = nil
	conns := make([]peerconn.Conn, 0, len(m.active))
	for _, c := range m.active {
		conns = append(conns, c)
	}
	m.active = make(map[string]peerconn.Conn)
	m.connPub = make(map[string]*rsa.PublicKey)
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	for _, lis := range listeners {
		lis.Close()
	}
	for _, c := range conns {
		closeWithGrace(c, 2*time.Second)
	}
	if m.DHT != nil {
		m.DHT.Stop()
	}
	m.wg.Wait()
	m.logger.Info("p2p: shutdown complete")
}

// closeWithGrace bounds a connection close, matching the 2-second
// wait-closed guard the TLS teardown uses.
func closeWithGrace(c peerconn.Conn, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// announceSoon schedules a DHT announce without blocking the caller, fired
// after every successful direct connection
func (m *Manager) announceSoon() {
	if m.DHT == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		defer cancel()
		if _, err := m.DHT.Announce(ctx); err != nil {
			m.logger.Debug("p2p: post-connect announce failed", "error", err)
		}
	}()
}

// rememberPeer updates the peer cache after a connection event. observedIP
// is the remote address we saw; port falls back to the assumed direct port.
func (m *Manager) rememberPeer(nodeID, name, observedIP string, port int, supportsDirect bool) {
	if m.Cache == nil {
		return
	}
	if port == 0 {
		port = peercache.DefaultDirectPort
	}
	err := m.Cache.AddOrUpdate(nodeID, func(e *peercache.Entry) {
		if name != "" {
			e.DisplayName = name
		}
		if observedIP != "" {
			e.LastDirectIP = observedIP
			e.LastDirectPort = port
		}
		e.SupportsDirect = supportsDirect
	})
	if err != nil {
		m.logger.Warn("p2p: peer cache update failed", "peer", nodeID, "error", err)
	}
}

// tlsServerConfig builds the listener-side TLS configuration. Client certs
// are requested (so gossip can harvest the peer's RSA key) but identity is
// validated at the HELLO layer, preserving the source behavior chosen for
// the direct-TLS Open Question (see DESIGN.md).
func (m *Manager) tlsServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.ID.TLSCert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

func (m *Manager) tlsClientConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{m.ID.TLSCert},
		InsecureSkipVerify: true, // identity verified via node-ID HELLO exchange above the transport
		MinVersion:         tls.VersionTLS12,
	}
}

// capturePeerKey remembers the RSA public key from a TLS connection's peer
// certificate, for the gossip cert-resolution chain.
func (m *Manager) capturePeerKey(nodeID string, state tls.ConnectionState) {
	if len(state.PeerCertificates) == 0 {
		return
	}
	pk, ok := state.PeerCertificates[0].PublicKey.(*rsa.PublicKey)
	if !ok {
		return
	}
	m.mu.Lock()
	m.connPub[nodeID] = pk
	m.mu.Unlock()
}
