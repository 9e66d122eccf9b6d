package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/relay"
)

// VolunteerRelay is priority 5: route through the best-scoring volunteer
// relay discovered via the DHT. Always applicable; a relay gives 100% NAT
// coverage at the price of an extra hop.
type VolunteerRelay struct {
	Client *relay.Client
	// KnownPeers supplies candidate node IDs whose relay:<id> keys are
	// queried during discovery (normally the routing table's closest peers).
	KnownPeers     func() []string
	PreferRegion   string
	AttemptTimeout time.Duration
}

func (s *VolunteerRelay) Name() string  { return NameVolunteerRelay }
func (s *VolunteerRelay) Priority() int { return 5 }

func (s *VolunteerRelay) Timeout() time.Duration {
	if s.AttemptTimeout > 0 {
		return s.AttemptTimeout
	}
	return DefaultRelayTimeout
}

func (s *VolunteerRelay) IsApplicable(*dht.PeerEndpoint) bool { return true }

func (s *VolunteerRelay) Connect(ctx context.Context, nodeID string, _ *dht.PeerEndpoint) (peerconn.Conn, error) {
	var known []string
	if s.KnownPeers != nil {
		known = s.KnownPeers()
	}
	candidates, err := s.Client.FindRelay(ctx, known, s.PreferRegion)
	if err != nil {
		return nil, fmt.Errorf("%w: relay discovery: %v", ErrConnectionFailed, err)
	}

	var lastErr error
	for _, candidate := range candidates {
		conn, err := s.Client.ConnectViaRelay(ctx, nodeID, candidate)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: all %d relays failed: %v", ErrConnectionFailed, len(candidates), lastErr)
}
