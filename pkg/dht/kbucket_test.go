package dht

import (
	"testing"
	"time"
)

func TestKBucket_AddAndRefreshMovesToTail(t *testing.T) {
	b := NewKBucket(20, 2)
	now := time.Now()

	b.Add(Record{NodeID: "node-a", IP: "10.0.0.1", Port: 1, LastSeen: now}, now, time.Hour)
	b.Add(Record{NodeID: "node-b", IP: "10.0.0.2", Port: 2, LastSeen: now.Add(time.Second)}, now, time.Hour)

	// Refresh node-a; it should move to the tail.
	later := now.Add(2 * time.Second)
	b.Add(Record{NodeID: "node-a", IP: "10.0.0.1", Port: 1, LastSeen: later}, later, time.Hour)

	recs := b.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[len(recs)-1].NodeID != "node-a" {
		t.Fatalf("expected node-a at tail after refresh, got %s", recs[len(recs)-1].NodeID)
	}
}

func TestKBucket_NoDuplicateNodeIDs(t *testing.T) {
	b := NewKBucket(20, 2)
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.Add(Record{NodeID: "node-x", IP: "10.0.0.1", Port: 1, LastSeen: now}, now, time.Hour)
	}
	if b.Len() != 1 {
		t.Fatalf("expected exactly one record for repeated inserts, got %d", b.Len())
	}
}

func TestKBucket_SubnetDiversityLimit(t *testing.T) {
	b := NewKBucket(20, 2)
	now := time.Now()
	ids := []string{
		"node-10000000000000000000000000000000",
		"node-20000000000000000000000000000000",
		"node-30000000000000000000000000000000",
		"node-40000000000000000000000000000000",
		"node-50000000000000000000000000000000",
	}
	for i, id := range ids {
		b.Add(Record{NodeID: id, IP: "10.0.0.1", Port: i, LastSeen: now}, now, time.Hour)
	}
	if b.Len() != 2 {
		t.Fatalf("expected subnet diversity to cap bucket at 2 records for same /24, got %d", b.Len())
	}
	if b.ReplacementLen() != 3 {
		t.Fatalf("expected 3 records pushed to replacement cache, got %d", b.ReplacementLen())
	}
}

func TestKBucket_FullBucketEvictsStaleHead(t *testing.T) {
	b := NewKBucket(2, 20) // high diversity limit so subnet rule doesn't interfere
	base := time.Now().Add(-time.Hour)

	b.Add(Record{NodeID: "node-1", IP: "10.0.0.1", Port: 1, LastSeen: base}, base, time.Minute)
	b.Add(Record{NodeID: "node-2", IP: "10.0.0.2", Port: 2, LastSeen: base.Add(time.Second)}, base.Add(time.Second), time.Minute)

	now := time.Now()
	ok := b.Add(Record{NodeID: "node-3", IP: "10.0.0.3", Port: 3, LastSeen: now}, now, time.Minute)
	if !ok {
		t.Fatal("expected node-3 to evict stale head node-1")
	}
	if b.Len() != 2 {
		t.Fatalf("expected bucket to remain at capacity 2, got %d", b.Len())
	}
	ids := map[string]bool{}
	for _, r := range b.Records() {
		ids[r.NodeID] = true
	}
	if ids["node-1"] {
		t.Fatal("stale head node-1 should have been evicted")
	}
	if !ids["node-3"] {
		t.Fatal("node-3 should have been inserted")
	}
}

func TestKBucket_FullBucketFreshHeadGoesToReplacement(t *testing.T) {
	b := NewKBucket(2, 20)
	now := time.Now()
	b.Add(Record{NodeID: "node-1", IP: "10.0.0.1", Port: 1, LastSeen: now}, now, time.Hour)
	b.Add(Record{NodeID: "node-2", IP: "10.0.0.2", Port: 2, LastSeen: now}, now, time.Hour)

	ok := b.Add(Record{NodeID: "node-3", IP: "10.0.0.3", Port: 3, LastSeen: now}, now, time.Hour)
	if ok {
		t.Fatal("fresh head should not be evicted; node-3 should land in replacement cache")
	}
	if b.Len() != 2 {
		t.Fatalf("expected bucket length unchanged at 2, got %d", b.Len())
	}
	if b.ReplacementLen() != 1 {
		t.Fatalf("expected 1 replacement entry, got %d", b.ReplacementLen())
	}
}

func TestKBucket_RemovePromotesReplacement(t *testing.T) {
	b := NewKBucket(1, 20)
	now := time.Now()
	b.Add(Record{NodeID: "node-1", IP: "10.0.0.1", Port: 1, LastSeen: now}, now, time.Hour)
	b.Add(Record{NodeID: "node-2", IP: "10.0.0.2", Port: 2, LastSeen: now}, now, time.Hour) // -> replacement

	if b.ReplacementLen() != 1 {
		t.Fatalf("expected 1 replacement entry before remove, got %d", b.ReplacementLen())
	}

	removed := b.Remove("node-1")
	if !removed {
		t.Fatal("expected Remove to report a live record removed")
	}
	if b.Len() != 1 {
		t.Fatalf("expected bucket length 1 after promotion, got %d", b.Len())
	}
	if b.ReplacementLen() != 0 {
		t.Fatalf("expected replacement cache drained after promotion, got %d", b.ReplacementLen())
	}
	if b.Records()[0].NodeID != "node-2" {
		t.Fatalf("expected node-2 promoted, got %s", b.Records()[0].NodeID)
	}
}

func TestKBucket_DueForRefresh(t *testing.T) {
	b := NewKBucket(20, 2)
	if b.DueForRefresh(time.Now().Add(30*time.Minute), time.Hour) {
		t.Fatal("bucket should not be due for refresh after only 30 minutes")
	}
	if !b.DueForRefresh(time.Now().Add(2*time.Hour), time.Hour) {
		t.Fatal("bucket should be due for refresh after 2 hours")
	}
}
