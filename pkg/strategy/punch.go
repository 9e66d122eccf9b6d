package strategy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/dtlsconn"
	"github.com/mikhashev/dpc-core/pkg/holepunch"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
)

// UDPHolePunch is priority 4: DHT-coordinated simultaneous UDP send,
// upgraded to mutual-auth DTLS. Punchable only when the peer advertises
// support and neither NAT is symmetric.
type UDPHolePunch struct {
	SelfID string
	Punch  *holepunch.Manager
	RPC    *dht.RPC
	DHT    *dht.Manager

	Cert             tls.Certificate
	HandshakeTimeout time.Duration
	AttemptTimeout   time.Duration
}

func (s *UDPHolePunch) Name() string  { return NameUDPHolePunch }
func (s *UDPHolePunch) Priority() int { return 4 }

func (s *UDPHolePunch) Timeout() time.Duration {
	if s.AttemptTimeout > 0 {
		return s.AttemptTimeout
	}
	return DefaultPunchTimeout
}

// IsApplicable checks the peer's advertised punch support and NAT type.
// Cone, none and unknown are punchable; symmetric is not
func (s *UDPHolePunch) IsApplicable(ep *dht.PeerEndpoint) bool {
	if ep == nil || !ep.SupportsHolePunching() {
		return false
	}
	switch ep.IPv4.NATType {
	case dht.NATSymmetric:
		return false
	default:
		return true
	}
}

func (s *UDPHolePunch) Connect(ctx context.Context, nodeID string, ep *dht.PeerEndpoint) (peerconn.Conn, error) {
	peers, err := s.DHT.FindNode(ctx, s.SelfID)
	if err != nil || len(peers) == 0 {
		return nil, fmt.Errorf("%w: no DHT peers for reflexive discovery", ErrConnectionFailed)
	}

	if _, err := s.Punch.DiscoverExternalEndpoint(ctx, s.RPC, peers, false); err != nil {
		return nil, fmt.Errorf("%w: reflexive discovery: %v", ErrConnectionFailed, err)
	}
	natType, err := s.Punch.InferNATType(ctx, s.RPC, peers)
	if err == nil && natType == dht.NATSymmetric {
		return nil, fmt.Errorf("%w: local NAT is symmetric", ErrNotApplicable)
	}

	peerAddr, err := punchTarget(ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}

	sock, err := s.Punch.PunchHole(ctx, nodeID, peerAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: punch: %v", ErrConnectionFailed, err)
	}

	// Deterministic DTLS roles so exactly one side dials: the
	// lexicographically smaller node ID is the client.
	var dconn *dtlsconn.Conn
	if s.SelfID < nodeID {
		dconn, err = dtlsconn.Dial(ctx, sock, peerAddr, s.Cert, nodeID, s.HandshakeTimeout)
	} else {
		dconn, err = dtlsconn.Accept(ctx, sock, peerAddr, s.Cert, nodeID, s.HandshakeTimeout)
	}
	if err != nil {
		// A failed or mismatched handshake must not be retried on the
		// same socket.
		if rerr := s.Punch.ResetSocket(); rerr != nil {
			return nil, fmt.Errorf("%w: dtls: %v (socket reset also failed: %v)", ErrConnectionFailed, err, rerr)
		}
		return nil, fmt.Errorf("%w: dtls: %v", ErrConnectionFailed, err)
	}
	return peerconn.NewDTLSConn(dconn), nil
}

// punchTarget resolves the address to punch toward: the peer's external
// IPv4 host, on its dedicated STUN/punch port when advertised, otherwise
// the external port itself.
func punchTarget(ep *dht.PeerEndpoint) (*net.UDPAddr, error) {
	host, portStr, ok := ep.ExternalIPv4Address()
	if !ok {
		var err error
		host, portStr, err = ep.PrimaryIPv4Address()
		if err != nil {
			return nil, err
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("bad punch port %q", portStr)
	}
	if ep.Punch != nil && ep.Punch.STUNPort != 0 {
		port = int(ep.Punch.STUNPort)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("bad punch host %q", host)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}
