package p2p

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/strategy"
)

// Start binds the TLS listener(s) for the configured mode and begins
// accepting. In dual mode two listeners are bound (0.0.0.0 and ::) sharing
// the same handler
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	var binds []string
	switch m.Mode {
	case ModeIPv4:
		binds = []string{fmt.Sprintf("0.0.0.0:%d", m.ListenPort)}
	case ModeIPv6:
		binds = []string{fmt.Sprintf("[::]:%d", m.ListenPort)}
	case ModeDual, "":
		binds = []string{fmt.Sprintf("0.0.0.0:%d", m.ListenPort), fmt.Sprintf("[::]:%d", m.ListenPort)}
	default:
		return fmt.Errorf("p2p: unknown listen mode %q", m.Mode)
	}

	cfg := m.tlsServerConfig()
	for _, bind := range binds {
		lis, err := tls.Listen("tcp", bind, cfg)
		if err != nil {
			// In dual mode a host without IPv6 still serves IPv4.
			if m.Mode == ModeDual || m.Mode == "" {
				m.logger.Warn("p2p: listener bind failed", "addr", bind, "error", err)
				continue
			}
			return fmt.Errorf("p2p: listen %s: %w", bind, err)
		}
		m.mu.Lock()
		m.listeners = append(m.listeners, lis)
		m.mu.Unlock()
		m.wg.Add(1)
		go m.acceptLoop(lis)
		m.logger.Info("p2p: listening", "addr", bind)
	}

	m.mu.Lock()
	bound := len(m.listeners)
	m.mu.Unlock()
	if bound == 0 {
		return fmt.Errorf("p2p: no listener could bind on port %d", m.ListenPort)
	}
	return nil
}

// ListenAddrs returns the bound listener addresses.
func (m *Manager) ListenAddrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.listeners))
	for _, lis := range m.listeners {
		out = append(out, lis.Addr().String())
	}
	return out
}

func (m *Manager) acceptLoop(lis net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
			default:
				m.logger.Warn("p2p: accept failed", "error", err)
			}
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleIncoming(conn)
		}()
	}
}

// handleIncoming runs the server side of the HELLO exchange and registers
// the connection.
func (m *Manager) handleIncoming(raw net.Conn) {
	tlsConn, ok := raw.(*tls.Conn)
	if !ok {
		raw.Close()
		return
	}
	if err := tlsConn.HandshakeContext(m.ctx); err != nil {
		m.logger.Debug("p2p: inbound handshake failed", "remote", raw.RemoteAddr(), "error", err)
		raw.Close()
		return
	}

	transport := transportForAddr(raw.RemoteAddr())
	strategyName := strategy.NameIPv4Direct
	if transport == peerconn.TransportDirectTLSv6 {
		strategyName = strategy.NameIPv6Direct
	}
	// The node ID isn't known until HELLO arrives; build the conn with a
	// placeholder and fix it after the exchange.
	probe := peerconn.NewDirectConn("", transport, strategyName, tlsConn)

	hello, err := probe.Read()
	if err != nil {
		m.logger.Debug("p2p: inbound HELLO read failed", "remote", raw.RemoteAddr(), "error", err)
		raw.Close()
		return
	}
	if cmd, _ := hello["command"].(string); cmd != CommandHello {
		m.logger.Warn("p2p: inbound connection spoke before HELLO", "remote", raw.RemoteAddr(), "command", hello["command"])
		raw.Close()
		return
	}
	payload, _ := hello["payload"].(map[string]any)
	peerID, _ := payload["node_id"].(string)
	peerName, _ := payload["name"].(string)
	if peerID == "" || peerID == m.ID.NodeID {
		raw.Close()
		return
	}

	if err := probe.Send(peerconn.Message{
		"command": CommandHelloAck,
		"payload": map[string]any{"status": "OK", "name": m.Name, "node_id": m.ID.NodeID},
	}); err != nil {
		raw.Close()
		return
	}

	conn := peerconn.NewDirectConn(peerID, transport, strategyName, tlsConn)
	m.mu.Lock()
	m.names[peerID] = peerName
	m.mu.Unlock()
	m.capturePeerKey(peerID, tlsConn.ConnectionState())

	observedIP := hostOnly(raw.RemoteAddr().String())
	// The peer's listening port is assumed, not observed; its source port is
	// ephemeral.
	m.rememberPeer(peerID, peerName, observedIP, 0, true)
	m.register(conn)
	m.announceSoon()
	m.logger.Info("p2p: inbound peer connected", "peer", peerID, "name", peerName, "transport", transport)
}

func transportForAddr(addr net.Addr) peerconn.Transport {
	tcp, ok := addr.(*net.TCPAddr)
	if ok && tcp.IP.To4() == nil {
		return peerconn.TransportDirectTLSv6
	}
	return peerconn.TransportDirectTLSv4
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
