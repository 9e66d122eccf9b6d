package dht

import (
	"testing"
	"time"
)

const (
	selfID = "node-00000000000000000000000000000000"
	peerA  = "node-00000000000000000000000000000001"
	peerB  = "node-00000000000000000000000000000002"
	peerC  = "node-00000000000000000000000000000003"
)

func TestRoutingTable_RejectsSelfInsertion(t *testing.T) {
	rt, err := NewRoutingTable(selfID, 20, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}
	if err := rt.Add(selfID, "127.0.0.1", 1); err != ErrSelfInsertion {
		t.Fatalf("Add(self) = %v, want ErrSelfInsertion", err)
	}
}

func TestRoutingTable_AddAndFindClosest(t *testing.T) {
	rt, err := NewRoutingTable(selfID, 20, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}
	for _, p := range []string{peerA, peerB, peerC} {
		if err := rt.Add(p, "127.0.0.1", 9000); err != nil {
			t.Fatalf("Add(%s): %v", p, err)
		}
	}

	closest := rt.FindClosest(selfID, 2)
	if len(closest) != 2 {
		t.Fatalf("expected 2 closest records, got %d", len(closest))
	}
	if closest[0].NodeID != peerA {
		t.Fatalf("expected %s closest to self, got %s", peerA, closest[0].NodeID)
	}
	if closest[1].NodeID != peerB {
		t.Fatalf("expected %s second closest, got %s", peerB, closest[1].NodeID)
	}
}

func TestRoutingTable_FindClosestTruncatesToAvailable(t *testing.T) {
	rt, err := NewRoutingTable(selfID, 20, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}
	if err := rt.Add(peerA, "127.0.0.1", 9000); err != nil {
		t.Fatal(err)
	}
	closest := rt.FindClosest(selfID, 20)
	if len(closest) != 1 {
		t.Fatalf("expected min(n, total) = 1, got %d", len(closest))
	}
}

func TestRoutingTable_RemoveAndSize(t *testing.T) {
	rt, err := NewRoutingTable(selfID, 20, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}
	_ = rt.Add(peerA, "127.0.0.1", 9000)
	if rt.Size() != 1 {
		t.Fatalf("expected size 1, got %d", rt.Size())
	}
	if err := rt.Remove(peerA); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if rt.Size() != 0 {
		t.Fatalf("expected size 0 after remove, got %d", rt.Size())
	}
	if !rt.Empty() {
		t.Fatal("expected table to report empty")
	}
}

func TestRoutingTable_BucketsNeedingRefresh(t *testing.T) {
	rt, err := NewRoutingTable(selfID, 20, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewRoutingTable: %v", err)
	}
	_ = rt.Add(peerA, "127.0.0.1", 9000)

	due := rt.BucketsNeedingRefresh(0)
	if len(due) != 1 {
		t.Fatalf("expected exactly one due bucket with a zero interval, got %d", len(due))
	}

	due = rt.BucketsNeedingRefresh(time.Hour)
	if len(due) != 0 {
		t.Fatalf("expected no due buckets immediately after insert, got %d", len(due))
	}
}
