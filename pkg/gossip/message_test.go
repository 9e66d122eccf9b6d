package gossip

import (
	"testing"
	"time"
)

func TestNewMessage_SeedsForwardedWithSource(t *testing.T) {
	msg := NewMessage("node-a", "node-b", map[string]any{"k": "v"}, 5, time.Hour, PriorityNormal, NewVectorClock())
	if !msg.AlreadyForwardedTo("node-a") {
		t.Error("source should be pre-seeded into already_forwarded")
	}
	if msg.Hops != 0 {
		t.Errorf("expected hops=0, got %d", msg.Hops)
	}
	if msg.ID == "" {
		t.Error("expected a non-empty message id")
	}
}

func TestMessage_CanForward_HopLimit(t *testing.T) {
	msg := NewMessage("a", "z", nil, 2, time.Hour, PriorityNormal, NewVectorClock())
	msg.IncrementHops("b")
	if !msg.CanForward(time.Now()) {
		t.Fatal("should still be forwardable after one hop of two")
	}
	msg.IncrementHops("c")
	if msg.CanForward(time.Now()) {
		t.Fatal("should not be forwardable once hops==max_hops")
	}
}

func TestMessage_CanForward_Expiry(t *testing.T) {
	msg := NewMessage("a", "z", nil, 5, time.Millisecond, PriorityNormal, NewVectorClock())
	if !msg.CanForward(time.Now()) {
		t.Fatal("should be forwardable immediately")
	}
	future := time.Now().Add(time.Hour)
	if msg.CanForward(future) {
		t.Fatal("should not be forwardable once ttl has elapsed")
	}
}

func TestMessage_IncrementHops_DedupesForwarder(t *testing.T) {
	msg := NewMessage("a", "z", nil, 5, time.Hour, PriorityNormal, NewVectorClock())
	msg.IncrementHops("b")
	msg.IncrementHops("b")
	count := 0
	for _, id := range msg.AlreadyForwarded {
		if id == "b" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected forwarder recorded once, got %d", count)
	}
	if msg.Hops != 2 {
		t.Fatalf("hops should still increment on repeat forwarder, got %d", msg.Hops)
	}
}

func TestMessage_ToMap_FromMap_RoundTrip(t *testing.T) {
	original := NewMessage("a", "z", map[string]any{"x": "y"}, 5, time.Hour, PriorityHigh, VectorClock{"a": 3})
	original.IncrementHops("b")

	decoded := FromMap(original.ToMap())
	if decoded.ID != original.ID || decoded.Source != original.Source || decoded.Destination != original.Destination {
		t.Fatal("round trip lost identity fields")
	}
	if decoded.Hops != original.Hops || decoded.MaxHops != original.MaxHops {
		t.Fatal("round trip lost hop accounting")
	}
	if decoded.VectorClock["a"] != 3 {
		t.Fatalf("expected vector clock entry a=3, got %d", decoded.VectorClock["a"])
	}
	if !decoded.AlreadyForwardedTo("b") {
		t.Fatal("round trip lost already_forwarded entries")
	}
}
