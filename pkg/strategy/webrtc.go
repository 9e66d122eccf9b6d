package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
)

// HubWebRTC is priority 3: a WebRTC data channel negotiated through the hub
// signaling service. The hub itself is out of scope; this strategy only
// checks hub connectivity and delegates the handshake to the P2P manager.
type HubWebRTC struct {
	Hub         HubDialer
	OpenTimeout time.Duration
}

func (s *HubWebRTC) Name() string  { return NameHubWebRTC }
func (s *HubWebRTC) Priority() int { return 3 }

func (s *HubWebRTC) Timeout() time.Duration {
	if s.OpenTimeout > 0 {
		return s.OpenTimeout
	}
	return DefaultWebRTCTimeout
}

func (s *HubWebRTC) IsApplicable(ep *dht.PeerEndpoint) bool {
	return ep != nil && s.Hub != nil && s.Hub.HubConnected()
}

func (s *HubWebRTC) Connect(ctx context.Context, nodeID string, _ *dht.PeerEndpoint) (peerconn.Conn, error) {
	if !s.Hub.HubConnected() {
		return nil, fmt.Errorf("%w: hub not connected", ErrNotApplicable)
	}
	conn, err := s.Hub.ConnectViaWebRTC(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: webrtc via hub: %v", ErrConnectionFailed, err)
	}
	return conn, nil
}
