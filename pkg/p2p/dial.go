package p2p

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/strategy"
)

// PreflightTimeout caps the plain-TCP probe that precedes every direct TLS
// dial
const PreflightTimeout = 30 * time.Second

var (
	// ErrPreflightRefused marks a destination that actively refused the TCP
	// probe: the host is reachable but nothing listens on the port.
	ErrPreflightRefused = errors.New("p2p: connection actively refused")
	// ErrPreflightTimeout marks a probe that timed out, the signature of a
	// NAT or firewall silently dropping SYNs.
	ErrPreflightTimeout = errors.New("p2p: connection timed out (probable NAT or firewall)")
)

// ConnectDirectly establishes an outbound direct-TLS connection: a plain
// TCP pre-flight probe for diagnostics, then the TLS handshake and HELLO
// exchange. targetID, when non-empty, is the node ID the
// remote must claim in its HELLO handling (we verify against the exchanged
// node ID).
func (m *Manager) ConnectDirectly(ctx context.Context, host string, port int, targetID string, timeout time.Duration) (peerconn.Conn, error) {
	if timeout <= 0 {
		timeout = m.ConnectTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	// Pre-flight: distinguish "refused" from "timeout" before any TLS cost.
	preflightBudget := timeout
	if preflightBudget > PreflightTimeout {
		preflightBudget = PreflightTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, preflightBudget)
	var probeDialer net.Dialer
	probe, err := probeDialer.DialContext(probeCtx, "tcp", addr)
	cancel()
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrPreflightRefused, addr)
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrPreflightTimeout, addr)
		}
		return nil, fmt.Errorf("p2p: pre-flight to %s: %w", addr, err)
	}
	probe.Close()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dialer := &tls.Dialer{Config: m.tlsClientConfig()}
	rawConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("p2p: tls connect %s: %w", addr, err)
	}
	tlsConn := rawConn.(*tls.Conn)

	transport := peerconn.TransportDirectTLSv4
	strategyName := strategy.NameIPv4Direct
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		transport = peerconn.TransportDirectTLSv6
		strategyName = strategy.NameIPv6Direct
	}

	probeConn := peerconn.NewDirectConn("", transport, strategyName, tlsConn)
	if err := probeConn.Send(peerconn.Message{
		"command": CommandHello,
		"payload": map[string]any{"node_id": m.ID.NodeID, "name": m.Name},
	}); err != nil {
		tlsConn.Close()
		return nil, err
	}
	ack, err := probeConn.Read()
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("p2p: HELLO_ACK read: %w", err)
	}
	if cmd, _ := ack["command"].(string); cmd != CommandHelloAck {
		tlsConn.Close()
		return nil, fmt.Errorf("p2p: expected HELLO_ACK, got %v", ack["command"])
	}
	ackPayload, _ := ack["payload"].(map[string]any)
	peerName, _ := ackPayload["name"].(string)

	peerID := targetID
	if ackID, _ := ackPayload["node_id"].(string); ackID != "" {
		if targetID != "" && ackID != targetID {
			tlsConn.Close()
			return nil, fmt.Errorf("p2p: peer identified as %s, expected %s", ackID, targetID)
		}
		peerID = ackID
	}
	if peerID == "" {
		tlsConn.Close()
		return nil, errors.New("p2p: peer identity unknown after HELLO exchange")
	}

	conn := peerconn.NewDirectConn(peerID, transport, strategyName, tlsConn)
	m.mu.Lock()
	if peerName != "" {
		m.names[peerID] = peerName
	}
	m.mu.Unlock()
	m.capturePeerKey(peerID, tlsConn.ConnectionState())
	m.rememberPeer(peerID, peerName, host, port, true)
	m.register(conn)
	m.announceSoon()

	// Kick off provider discovery; the response routes through the message
	// router like any other application command.
	if err := conn.Send(peerconn.Message{"command": CommandGetProviders, "payload": map[string]any{}}); err != nil {
		m.logger.Debug("p2p: GET_PROVIDERS send failed", "peer", peerID, "error", err)
	}

	m.logger.Info("p2p: outbound peer connected", "peer", peerID, "addr", addr, "transport", transport)
	return conn, nil
}

// ConnectViaNodeID is the high-level connect path:
// already-connected fast return, then the peer-cache hot path, then the
// orchestrator.
func (m *Manager) ConnectViaNodeID(ctx context.Context, nodeID string) (peerconn.Conn, error) {
	if conn, ok := m.Peer(nodeID); ok {
		return conn, nil
	}
	m.mu.Lock()
	down := m.shutdown
	m.mu.Unlock()
	if down {
		return nil, ErrShuttingDown
	}

	if m.Cache != nil {
		if e, ok := m.Cache.Get(nodeID); ok && e.LastDirectIP != "" && m.Cache.RecentlySeen(nodeID, m.RecentWindow) {
			conn, err := m.ConnectDirectly(ctx, e.LastDirectIP, e.LastDirectPort, nodeID, DefaultCacheDialTimeout)
			if err == nil {
				return conn, nil
			}
			m.logger.Debug("p2p: peer-cache hot path missed", "peer", nodeID, "error", err)
		}
	}

	if m.orch == nil {
		return nil, errors.New("p2p: no orchestrator configured")
	}
	conn, err := m.orch.Connect(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	// Direct strategies already registered through ConnectDirectly; other
	// transports (DTLS, relayed, gossip) register here.
	if _, ok := m.Peer(nodeID); !ok {
		m.register(conn)
	}
	return conn, nil
}
