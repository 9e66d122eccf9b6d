package dht

import "testing"

func TestPeerEndpoint_ToFromJSON_RoundTrip(t *testing.T) {
	ep := NewPeerEndpoint("node-0000000000000000000000000000000a", "192.168.1.100:8888")
	ep.IPv4.External = "203.0.113.50:12345"
	ep.IPv4.NATType = NATCone
	ep.IPv6 = &IPv6Info{Address: "[2001:db8::1]:8888", Type: IPv6Global}
	ep.Relay = &RelayInfo{Available: true, MaxPeers: 10, Region: "eu", Uptime: 0.9}
	ep.Punch = &PunchInfo{Supported: true, STUNPort: 8890, SuccessRate: 0.75}

	s, err := ep.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	got, err := PeerEndpointFromJSON(s)
	if err != nil {
		t.Fatalf("PeerEndpointFromJSON: %v", err)
	}
	if got.NodeID != ep.NodeID || got.IPv4.Local != ep.IPv4.Local || got.IPv4.External != ep.IPv4.External {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, ep)
	}
	if !got.HasIPv6() || !got.SupportsRelay() || !got.SupportsHolePunching() {
		t.Fatalf("expected all optional capabilities to round-trip: %+v", got)
	}
}

func TestPeerEndpoint_OmitsUnavailableOptionalBlocks(t *testing.T) {
	ep := NewPeerEndpoint("node-0000000000000000000000000000000a", "192.168.1.100:8888")
	ep.Relay = &RelayInfo{Available: false}
	ep.Punch = &PunchInfo{Supported: false}

	s, err := ep.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err := PeerEndpointFromJSON(s)
	if err != nil {
		t.Fatalf("PeerEndpointFromJSON: %v", err)
	}
	if got.SupportsRelay() || got.SupportsHolePunching() {
		t.Fatalf("expected unavailable relay/punch to be omitted: %+v", got)
	}
}

func TestPeerEndpoint_LegacyString(t *testing.T) {
	ep, err := FromLegacyString("node-0000000000000000000000000000000a", "10.0.0.5:9001")
	if err != nil {
		t.Fatalf("FromLegacyString: %v", err)
	}
	if ep.SchemaVersion != SchemaV1 {
		t.Fatalf("expected schema v1.0, got %s", ep.SchemaVersion)
	}
	if ep.IPv4.Local != "10.0.0.5:9001" {
		t.Fatalf("unexpected ipv4.local: %s", ep.IPv4.Local)
	}

	parsed, err := PeerEndpointFromJSON("10.0.0.5:9001")
	if err != nil {
		t.Fatalf("PeerEndpointFromJSON(legacy): %v", err)
	}
	if parsed.IPv4.Local != "10.0.0.5:9001" {
		t.Fatalf("unexpected parsed legacy address: %s", parsed.IPv4.Local)
	}
}

func TestPeerEndpoint_MissingRequiredFields(t *testing.T) {
	if _, err := PeerEndpointFromJSON(`{"node_id":"node-1"}`); err == nil {
		t.Fatal("expected error for missing ipv4.local")
	}
	if _, err := PeerEndpointFromJSON(`{"ipv4":{"local":"1.2.3.4:8888"}}`); err == nil {
		t.Fatal("expected error for missing node_id")
	}
}

func TestPeerEndpoint_PrimaryIPv4Address(t *testing.T) {
	ep := NewPeerEndpoint("node-0000000000000000000000000000000a", "192.168.1.100:8888")
	host, port, err := ep.PrimaryIPv4Address()
	if err != nil {
		t.Fatalf("PrimaryIPv4Address: %v", err)
	}
	if host != "192.168.1.100" || port != "8888" {
		t.Fatalf("unexpected host/port: %s/%s", host, port)
	}
}
