package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/mikhashev/dpc-core/pkg/peerconn"
)

// Tunable defaults.
const (
	DefaultCacheTimeout    = 5 * time.Minute
	DefaultRegisterTimeout = 20 * time.Second
)

var (
	// ErrNoRelayAvailable is returned when no candidate descriptor survives
	// filtering (none advertised, all full, or DHT lookups all failed).
	ErrNoRelayAvailable = errors.New("relay: no relay available")
	// ErrRegistrationRefused covers RELAY_WAITING timing out or an ERROR
	// response from the relay server.
	ErrRegistrationRefused = errors.New("relay: registration refused or timed out")
)

// ValueStore is the subset of *dht.Manager the relay client needs to
// discover relay descriptors.
type ValueStore interface {
	FindValue(ctx context.Context, key string) (string, error)
}

// Dialer opens a raw authenticated connection to a relay's address (TLS in
// production; a net.Pipe() in tests).
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Client is the relay-consuming half of the volunteer relay manager.
type Client struct {
	SelfID string
	DHT    ValueStore
	Dial   Dialer
	Logger *slog.Logger

	cacheTimeout time.Duration

	mu        sync.Mutex
	cached    []Descriptor
	cachedAt  time.Time
}

// NewClient builds a relay client. dial must produce an authenticated
// connection suitable for framed JSON exchange (e.g. TLS).
func NewClient(selfID string, dhtStore ValueStore, dial Dialer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{SelfID: selfID, DHT: dhtStore, Dial: dial, Logger: logger, cacheTimeout: DefaultCacheTimeout}
}

// FindRelay queries relay:<peer_id> for every peer in knownPeers, parses
// successful responses into descriptors, drops full ones, and ranks the
// rest by QualityScore descending preferRegion, if
// non-empty, sorts exact region matches first without excluding others.
func (c *Client) FindRelay(ctx context.Context, knownPeers []string, preferRegion string) ([]Descriptor, error) {
	c.mu.Lock()
	if !c.cachedAt.IsZero() && time.Since(c.cachedAt) < c.cacheTimeout {
		cached := append([]Descriptor(nil), c.cached...)
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	if c.DHT == nil {
		return nil, ErrNoRelayAvailable
	}

	var candidates []Descriptor
	for _, peerID := range knownPeers {
		raw, err := c.DHT.FindValue(ctx, "relay:"+peerID)
		if err != nil {
			continue
		}
		d, err := DescriptorFromJSON(raw)
		if err != nil {
			c.Logger.Debug("relay: malformed descriptor", "peer", peerID, "error", err)
			continue
		}
		if d.Full() {
			continue
		}
		candidates = append(candidates, d)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		iPreferred := preferRegion != "" && candidates[i].Region == preferRegion
		jPreferred := preferRegion != "" && candidates[j].Region == preferRegion
		if iPreferred != jPreferred {
			return iPreferred
		}
		return candidates[i].QualityScore() > candidates[j].QualityScore()
	})

	if len(candidates) == 0 {
		return nil, ErrNoRelayAvailable
	}

	c.mu.Lock()
	c.cached = candidates
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return candidates, nil
}

// ConnectViaRelay dials relay, registers interest in targetPeer, and on a
// RELAY_READY response returns a relayed peerconn.Conn
func (c *Client) ConnectViaRelay(ctx context.Context, targetPeer string, relay Descriptor) (peerconn.Conn, error) {
	if c.Dial == nil {
		return nil, fmt.Errorf("relay: no dialer configured")
	}
	conn, err := c.Dial(ctx, relay.Address)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", relay.Address, err)
	}

	if err := writeFrame(conn, map[string]any{
		"command": "RELAY_REGISTER",
		"payload": map[string]any{
			"from":    c.SelfID,
			"peer_id": targetPeer,
			"timeout": DefaultRegisterTimeout.Seconds(),
		},
	}); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	command, _ := resp["command"].(string)
	payload, _ := resp["payload"].(map[string]any)
	switch command {
	case "RELAY_READY":
		sessionID, _ := payload["session_id"].(string)
		return newRelayConn(conn, c.SelfID, targetPeer, relay.NodeID, sessionID), nil
	case "RELAY_WAITING":
		// Block for a second response within the registration timeout.
		deadline := time.Now().Add(DefaultRegisterTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		conn.SetReadDeadline(deadline)
		resp2, err := readFrame(conn)
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrRegistrationRefused, err)
		}
		if cmd, _ := resp2["command"].(string); cmd == "RELAY_READY" {
			p2, _ := resp2["payload"].(map[string]any)
			sessionID, _ := p2["session_id"].(string)
			return newRelayConn(conn, c.SelfID, targetPeer, relay.NodeID, sessionID), nil
		}
		conn.Close()
		return nil, ErrRegistrationRefused
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: relay responded %q", ErrRegistrationRefused, command)
	}
}

// relayConn is the client-side relayed peerconn.Conn
type relayConn struct {
	conn       net.Conn
	selfID     string
	targetPeer string
	relayID    string
	sessionID  string

	readMu sync.Mutex
}

var _ peerconn.Conn = (*relayConn)(nil)

func newRelayConn(conn net.Conn, selfID, targetPeer, relayID, sessionID string) *relayConn {
	return &relayConn{conn: conn, selfID: selfID, targetPeer: targetPeer, relayID: relayID, sessionID: sessionID}
}

func (r *relayConn) NodeID() string                { return r.targetPeer }
func (r *relayConn) Transport() peerconn.Transport { return peerconn.TransportRelayed }
func (r *relayConn) StrategyUsed() string          { return "volunteer_relay" }

func (r *relayConn) Send(msg peerconn.Message) error {
	return writeFrame(r.conn, map[string]any{
		"command": "RELAY_MESSAGE",
		"payload": map[string]any{
			"from":       r.selfID,
			"to":         r.targetPeer,
			"session_id": r.sessionID,
			"message":    map[string]any(msg),
		},
	})
}

// Read filters incoming frames for a RELAY_MESSAGE addressed to our
// session, discarding anything else
func (r *relayConn) Read() (peerconn.Message, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	for {
		frame, err := readFrame(r.conn)
		if err != nil {
			return nil, err
		}
		command, _ := frame["command"].(string)
		if command != "RELAY_MESSAGE" {
			continue
		}
		payload, _ := frame["payload"].(map[string]any)
		if payload == nil {
			continue
		}
		sessionID, _ := payload["session_id"].(string)
		from, _ := payload["from"].(string)
		if sessionID != r.sessionID || from != r.targetPeer {
			continue
		}
		inner, _ := payload["message"].(map[string]any)
		return peerconn.Message(inner), nil
	}
}

func (r *relayConn) Close() error {
	_ = writeFrame(r.conn, map[string]any{
		"command": "RELAY_DISCONNECT",
		"payload": map[string]any{
			"peer":       r.targetPeer,
			"session_id": r.sessionID,
			"reason":     "closed",
		},
	})
	return r.conn.Close()
}
