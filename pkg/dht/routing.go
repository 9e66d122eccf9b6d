package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/mikhashev/dpc-core/pkg/nodeid"
)

// RoutingTable is exactly nodeid.Bits k-buckets indexed 0..=127, keyed by
// XOR distance from Self. It is safe for concurrent use: every operation
// takes the table's own mutex, honoring the "never shared across
// threads without external synchronization" by doing that synchronization
// internally.
type RoutingTable struct {
	Self            string
	K               int
	SubnetDiversity int
	StaleThreshold  time.Duration

	mu      sync.RWMutex
	buckets [nodeid.Bits]*KBucket
}

// NewRoutingTable creates an empty routing table for the given self node ID.
func NewRoutingTable(self string, k, subnetDiversity int, staleThreshold time.Duration) (*RoutingTable, error) {
	if _, err := nodeid.Parse(self); err != nil {
		return nil, fmt.Errorf("routing table: invalid self id: %w", err)
	}
	rt := &RoutingTable{
		Self:            self,
		K:               k,
		SubnetDiversity: subnetDiversity,
		StaleThreshold:  staleThreshold,
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(k, subnetDiversity)
	}
	return rt, nil
}

func (rt *RoutingTable) bucketFor(peerID string) (int, error) {
	idx, err := nodeid.BucketIndexFor(rt.Self, peerID)
	if err == nodeid.ErrIdenticalNodes {
		return 0, ErrSelfInsertion
	}
	return idx, err
}

// Add inserts or refreshes a node record. Inserting self is forbidden.
func (rt *RoutingTable) Add(peerID, ip string, port int) error {
	if peerID == rt.Self {
		return ErrSelfInsertion
	}
	idx, err := rt.bucketFor(peerID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].Add(Record{NodeID: peerID, IP: ip, Port: port, LastSeen: time.Now()}, time.Now(), rt.StaleThreshold)
	return nil
}

// Remove deletes a node record from its bucket.
func (rt *RoutingTable) Remove(peerID string) error {
	idx, err := rt.bucketFor(peerID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.buckets[idx].Remove(peerID)
	return nil
}

// FindClosest returns up to n records across all buckets, sorted by
// ascending XOR distance to target.
func (rt *RoutingTable) FindClosest(target string, n int) []Record {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	all := make([]Record, 0, rt.K*4)
	for _, b := range rt.buckets {
		all = append(all, b.Records()...)
	}

	ids := make([]string, len(all))
	byID := make(map[string]Record, len(all))
	for i, r := range all {
		ids[i] = r.NodeID
		byID[r.NodeID] = r
	}
	sortedIDs := nodeid.SortByDistance(target, ids)

	if n > len(sortedIDs) {
		n = len(sortedIDs)
	}
	out := make([]Record, 0, n)
	for _, id := range sortedIDs[:n] {
		out = append(out, byID[id])
	}
	return out
}

// Bucket returns a snapshot of bucket i's live records (for diagnostics and
// refresh scheduling). Returns nil for an out-of-range index.
func (rt *RoutingTable) Bucket(i int) []Record {
	if i < 0 || i >= len(rt.buckets) {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[i].Records()
}

// BucketsNeedingRefresh returns the indices of every non-empty bucket that
// hasn't been updated within interval.
func (rt *RoutingTable) BucketsNeedingRefresh(interval time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	now := time.Now()
	var due []int
	for i, b := range rt.buckets {
		if b.Len() == 0 {
			continue
		}
		if b.DueForRefresh(now, interval) {
			due = append(due, i)
		}
	}
	return due
}

// Size returns the total number of live records across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}

// Empty reports whether the routing table currently holds zero nodes.
func (rt *RoutingTable) Empty() bool {
	return rt.Size() == 0
}
