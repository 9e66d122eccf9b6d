package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/gossip"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
)

// GossipStoreForward is priority 6, the last resort: a virtual connection
// whose sends diffuse epidemically and whose reads wait on the gossip
// manager's delivery callback. Eventual delivery, no real-time guarantee.
type GossipStoreForward struct {
	Gossip         *gossip.Manager
	Peers          PeerLister
	AttemptTimeout time.Duration
}

func (s *GossipStoreForward) Name() string  { return NameGossipStoreForward }
func (s *GossipStoreForward) Priority() int { return 6 }

func (s *GossipStoreForward) Timeout() time.Duration {
	if s.AttemptTimeout > 0 {
		return s.AttemptTimeout
	}
	return DefaultGossipTimeout
}

func (s *GossipStoreForward) IsApplicable(*dht.PeerEndpoint) bool { return true }

func (s *GossipStoreForward) Connect(_ context.Context, nodeID string, _ *dht.PeerEndpoint) (peerconn.Conn, error) {
	if s.Peers == nil || len(s.Peers.ConnectedPeerIDs()) == 0 {
		return nil, fmt.Errorf("%w: no connected peers to gossip through", ErrConnectionFailed)
	}
	return gossip.NewConn(s.Gossip, nodeID), nil
}
