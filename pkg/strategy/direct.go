package strategy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
)

// IPv6Direct is priority 1: a direct TLS connection to the peer's global
// IPv6 address. Directness beats everything else when it works.
type IPv6Direct struct {
	Dial        DirectDialer
	DialTimeout time.Duration
}

func (s *IPv6Direct) Name() string           { return NameIPv6Direct }
func (s *IPv6Direct) Priority() int          { return 1 }
func (s *IPv6Direct) Timeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return DefaultDirectTimeout
}

func (s *IPv6Direct) IsApplicable(ep *dht.PeerEndpoint) bool {
	return ep != nil && ep.HasIPv6()
}

func (s *IPv6Direct) Connect(ctx context.Context, nodeID string, ep *dht.PeerEndpoint) (peerconn.Conn, error) {
	host, portStr, err := net.SplitHostPort(ep.IPv6.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ipv6 address %q: %v", ErrNotApplicable, ep.IPv6.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ipv6 port %q", ErrNotApplicable, portStr)
	}
	conn, err := s.Dial.ConnectDirectly(ctx, host, port, nodeID, s.Timeout())
	if err != nil {
		return nil, fmt.Errorf("%w: ipv6 direct to %s: %v", ErrConnectionFailed, ep.IPv6.Address, err)
	}
	return conn, nil
}

// IPv4Direct is priority 2: direct TLS to the peer's external IPv4 address
// if advertised, falling back to the local one (same-LAN case).
type IPv4Direct struct {
	Dial        DirectDialer
	DialTimeout time.Duration
}

func (s *IPv4Direct) Name() string           { return NameIPv4Direct }
func (s *IPv4Direct) Priority() int          { return 2 }
func (s *IPv4Direct) Timeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return DefaultDirectTimeout
}

func (s *IPv4Direct) IsApplicable(ep *dht.PeerEndpoint) bool {
	return ep != nil && ep.IPv4.Local != ""
}

func (s *IPv4Direct) Connect(ctx context.Context, nodeID string, ep *dht.PeerEndpoint) (peerconn.Conn, error) {
	var lastErr error
	if host, portStr, ok := ep.ExternalIPv4Address(); ok {
		if port, err := strconv.Atoi(portStr); err == nil {
			conn, err := s.Dial.ConnectDirectly(ctx, host, port, nodeID, s.Timeout())
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
	}

	host, portStr, err := ep.PrimaryIPv4Address()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotApplicable, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ipv4 port %q", ErrNotApplicable, portStr)
	}
	conn, err := s.Dial.ConnectDirectly(ctx, host, port, nodeID, s.Timeout())
	if err != nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: external: %v; local: %v", ErrConnectionFailed, lastErr, err)
		}
		return nil, fmt.Errorf("%w: ipv4 direct to %s: %v", ErrConnectionFailed, ep.IPv4.Local, err)
	}
	return conn, nil
}
