// Package relay implements the volunteer relay manager:
// client-side relay discovery and session handling, and the server-side
// pairing/forwarding logic for nodes that opt in to volunteering relay
// capacity for peers stuck behind symmetric NATs.
package relay

import (
	"encoding/json"
	"fmt"
)

// Descriptor is a relay node's advertised capability, published to the DHT
// under "relay:<node_id>" and consumed by clients choosing a relay.
//
// Address is not part of the distilled schema but is required for a client
// to actually dial the relay; we publish it alongside the rest of the
// descriptor the way a v2.0 peer endpoint record carries its own address.
type Descriptor struct {
	NodeID         string  `json:"node_id"`
	Address        string  `json:"address"`
	CapacityFree   float64 `json:"capacity_free"`
	Region         string  `json:"region"`
	UptimeRatio    float64 `json:"uptime"`
	LatencyMillis  float64 `json:"latency_ms"`
	BandwidthMbps  float64 `json:"bandwidth_mbps"`
	MaxPeers       int     `json:"max_peers"`
	ActiveSessions int     `json:"active_sessions"`
}

// QualityScore ranks a relay candidate:
// 0.5*uptime + 0.3*capacity_free + 0.2*(1 - min(1, latency/500)).
func (d Descriptor) QualityScore() float64 {
	latencyPenalty := d.LatencyMillis / 500
	if latencyPenalty > 1 {
		latencyPenalty = 1
	}
	return 0.5*d.UptimeRatio + 0.3*d.CapacityFree + 0.2*(1-latencyPenalty)
}

// Full reports whether the relay has no free capacity left.
func (d Descriptor) Full() bool { return d.ActiveSessions >= d.MaxPeers }

// ToJSON serializes the descriptor for DHT storage.
func (d Descriptor) ToJSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("relay: marshal descriptor: %w", err)
	}
	return string(b), nil
}

// DescriptorFromJSON parses a relay descriptor previously retrieved via
// FIND_VALUE("relay:<node_id>").
func DescriptorFromJSON(raw string) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Descriptor{}, fmt.Errorf("relay: unmarshal descriptor: %w", err)
	}
	return d, nil
}
