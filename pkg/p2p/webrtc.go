package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/strategy"
)

// DataChannelLabel is the single data channel both sides use.
const DataChannelLabel = "dpc-data"

// KeepaliveInterval is the data-channel ping cadence.
const KeepaliveInterval = 20 * time.Second

// DefaultWebRTCOpenTimeout bounds the wait for the data channel to open.
const DefaultWebRTCOpenTimeout = 30 * time.Second

// ErrHubNotConnected is returned by ConnectViaWebRTC without a live hub
// signaling session.
var ErrHubNotConnected = errors.New("p2p: hub not connected")

// ICEServer is one STUN or TURN server for WebRTC ICE gathering.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Signaler is the hub signaling client; the manager only needs offer/answer
// exchange and connectivity state from it.
type Signaler interface {
	Connected() bool
	// SendOffer delivers our SDP offer to target via the hub and blocks for
	// the answer SDP.
	SendOffer(ctx context.Context, target, offerSDP string) (answerSDP string, err error)
}

// HubConnected reports whether the hub signaling session is live. Exposed
// unconditionally so strategy applicability can gate on it (resolved Open
// Question, see DESIGN.md).
func (m *Manager) HubConnected() bool {
	return m.hub != nil && m.hub.Connected()
}

func (m *Manager) webrtcConfig() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(m.iceServers))
	for _, s := range m.iceServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// ConnectViaWebRTC runs the initiator side of the hub-signaled WebRTC
// handshake: create the peer connection and the "dpc-data" channel,
// exchange offer/answer via the hub, and wait for the channel to open.
func (m *Manager) ConnectViaWebRTC(ctx context.Context, nodeID string) (peerconn.Conn, error) {
	if !m.HubConnected() {
		return nil, ErrHubNotConnected
	}

	m.mu.Lock()
	if _, inFlight := m.pending[nodeID]; inFlight {
		m.mu.Unlock()
		return nil, fmt.Errorf("p2p: webrtc handshake already pending for %s", nodeID)
	}
	m.pending[nodeID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, nodeID)
		m.mu.Unlock()
	}()

	pc, err := webrtc.NewPeerConnection(m.webrtcConfig())
	if err != nil {
		return nil, fmt.Errorf("p2p: new peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("p2p: create data channel: %w", err)
	}
	conn := newWebRTCConn(nodeID, pc, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("p2p: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("p2p: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	answerSDP, err := m.hub.SendOffer(ctx, nodeID, pc.LocalDescription().SDP)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("p2p: signaling: %w", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("p2p: set remote description: %w", err)
	}

	if err := conn.waitOpen(ctx, DefaultWebRTCOpenTimeout); err != nil {
		pc.Close()
		return nil, fmt.Errorf("p2p: data channel open: %w", err)
	}

	m.register(conn)
	// Name exchange and provider discovery, mirroring the direct path.
	_ = conn.Send(peerconn.Message{"command": CommandHello, "payload": map[string]any{"node_id": m.ID.NodeID, "name": m.Name}})
	_ = conn.Send(peerconn.Message{"command": CommandGetProviders, "payload": map[string]any{}})
	m.logger.Info("p2p: webrtc peer connected", "peer", nodeID)
	return conn, nil
}

// HandleOffer runs the answerer side: the hub delivers a peer's offer SDP,
// we answer and register the connection once its channel opens.
func (m *Manager) HandleOffer(ctx context.Context, fromNodeID, offerSDP string) (string, error) {
	pc, err := webrtc.NewPeerConnection(m.webrtcConfig())
	if err != nil {
		return "", fmt.Errorf("p2p: new peer connection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		conn := newWebRTCConn(fromNodeID, pc, dc)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := conn.waitOpen(m.ctx, DefaultWebRTCOpenTimeout); err != nil {
				pc.Close()
				return
			}
			m.register(conn)
			m.logger.Info("p2p: webrtc peer connected (answerer)", "peer", fromNodeID)
		}()
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("p2p: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("p2p: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("p2p: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

// webrtcConn adapts a pion data channel to peerconn.Conn. Reads arrive via
// the channel's message callback into a queue; keepalive ping/pong frames
// are answered and filtered here, before the manager's dispatch loop.
type webrtcConn struct {
	nodeID string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	mu     sync.Mutex
	queue  []peerconn.Message
	notify chan struct{}
	opened chan struct{}
	closed bool
	done   chan struct{}

	keepaliveStop chan struct{}
}

var _ peerconn.Conn = (*webrtcConn)(nil)

func newWebRTCConn(nodeID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *webrtcConn {
	c := &webrtcConn{
		nodeID:        nodeID,
		pc:            pc,
		dc:            dc,
		notify:        make(chan struct{}, 1),
		opened:        make(chan struct{}),
		done:          make(chan struct{}),
		keepaliveStop: make(chan struct{}),
	}
	dc.OnOpen(func() {
		close(c.opened)
		go c.keepaliveLoop()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { c.onMessage(msg.Data) })
	dc.OnClose(func() { c.markClosed() })
	return c
}

func (c *webrtcConn) waitOpen(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out waiting for data channel to open")
	}
}

func (c *webrtcConn) onMessage(data []byte) {
	msg, err := peerconn.DecodeJSON(data)
	if err != nil {
		return
	}
	if t, ok := msg["type"].(string); ok {
		switch t {
		case "ping":
			if body, err := peerconn.EncodeJSON(peerconn.Message{"type": "pong"}); err == nil {
				_ = c.dc.SendText(string(body))
			}
			return
		case "pong":
			return
		}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *webrtcConn) keepaliveLoop() {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.keepaliveStop:
			return
		case <-ticker.C:
			body, err := peerconn.EncodeJSON(peerconn.Message{"type": "ping"})
			if err != nil {
				return
			}
			if err := c.dc.SendText(string(body)); err != nil {
				return
			}
		}
	}
}

func (c *webrtcConn) NodeID() string                { return c.nodeID }
func (c *webrtcConn) Transport() peerconn.Transport { return peerconn.TransportHubWebRTC }
func (c *webrtcConn) StrategyUsed() string          { return strategy.NameHubWebRTC }

func (c *webrtcConn) Send(msg peerconn.Message) error {
	body, err := peerconn.EncodeJSON(msg)
	if err != nil {
		return err
	}
	// The channel is message-oriented: one JSON string per message, no
	// length framing
	return c.dc.SendText(string(body))
}

func (c *webrtcConn) Read() (peerconn.Message, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil, errors.New("p2p: webrtc channel closed")
		}
		select {
		case <-c.notify:
		case <-c.done:
			// Loop once more to drain anything queued before the close.
		}
	}
}

func (c *webrtcConn) markClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.keepaliveStop)
	close(c.done)
}

func (c *webrtcConn) Close() error {
	c.markClosed()
	c.dc.Close()
	return c.pc.Close()
}
