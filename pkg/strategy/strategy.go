// Package strategy defines the pluggable connection strategies: six
// transports tried in priority order by the orchestrator, each
// declaring a cheap applicability predicate and a bounded connect attempt.
package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
)

// Strategy names, also recorded as PeerConnection.strategy_used.
const (
	NameIPv6Direct         = "ipv6_direct"
	NameIPv4Direct         = "ipv4_direct"
	NameHubWebRTC          = "hub_webrtc"
	NameUDPHolePunch       = "udp_hole_punch"
	NameVolunteerRelay     = "volunteer_relay"
	NameGossipStoreForward = "gossip_store_forward"
)

// Default per-strategy timeouts.
const (
	DefaultDirectTimeout = 10 * time.Second
	DefaultWebRTCTimeout = 30 * time.Second
	DefaultPunchTimeout  = 15 * time.Second
	DefaultRelayTimeout  = 20 * time.Second
	DefaultGossipTimeout = 5 * time.Second
)

var (
	// ErrNotApplicable is returned by Connect when preconditions discovered
	// mid-attempt rule the strategy out; the orchestrator skips it silently,
	//
	ErrNotApplicable = errors.New("strategy: not applicable")
	// ErrConnectionFailed wraps a strategy-specific transport failure.
	ErrConnectionFailed = errors.New("strategy: connection failed")
)

// Strategy is the common contract every connection strategy implements.
type Strategy interface {
	Name() string
	// Priority orders strategies 1 (tried first) through 6.
	Priority() int
	Timeout() time.Duration
	// IsApplicable is a cheap predicate over the peer's endpoint record; it
	// must not perform I/O.
	IsApplicable(ep *dht.PeerEndpoint) bool
	Connect(ctx context.Context, nodeID string, ep *dht.PeerEndpoint) (peerconn.Conn, error)
}

// DirectDialer is the slice of the P2P manager the direct-TLS strategies
// use: an outbound TLS connection with pre-flight diagnostics.
type DirectDialer interface {
	ConnectDirectly(ctx context.Context, host string, port int, targetID string, timeout time.Duration) (peerconn.Conn, error)
}

// HubDialer is the slice of the P2P manager the hub_webrtc strategy uses.
// Per the resolved Open Question in DESIGN.md, the connect method exists
// unconditionally and applicability gates on HubConnected alone.
type HubDialer interface {
	HubConnected() bool
	ConnectViaWebRTC(ctx context.Context, nodeID string) (peerconn.Conn, error)
}

// PeerLister reports which peers currently hold an active connection, used
// by the gossip strategy's "at least one connected peer" requirement.
type PeerLister interface {
	ConnectedPeerIDs() []string
}
