package dht

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Record is a single DHT routing-table entry. Equality and hashing are by
// NodeID alone
type Record struct {
	NodeID      string
	IP          string
	Port        int
	LastSeen    time.Time
	FailedPings int
}

// Addr renders the record's contact address as "ip:port".
func (r Record) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// Subnet24 returns the /24 subnet of the record's IP, used for diversity
// checks. IPv6 and unparsable addresses return the empty string, which is
// treated as its own (non-diversity-limited) bucket by callers.
func (r Record) Subnet24() string {
	ip := net.ParseIP(r.IP)
	if ip == nil {
		return ""
	}
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return strings.Join([]string{
		strconv.Itoa(int(v4[0])), strconv.Itoa(int(v4[1])), strconv.Itoa(int(v4[2])),
	}, ".")
}

// IsStale reports whether this record hasn't been seen within threshold.
func (r Record) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastSeen) > threshold
}

// KBucketDefaultSize is the default maximum number of live records per
// bucket (k in Kademlia).
const KBucketDefaultSize = 20

// DefaultSubnetDiversityLimit caps how many records in a single bucket may
// share a /24, preventing a single host (or small hosting provider) from
// dominating a bucket.
const DefaultSubnetDiversityLimit = 2

// KBucket is an ordered (oldest-first by LastSeen) list of up to Size
// records, plus a bounded replacement cache of the same size.
//
// KBucket is not safe for concurrent use; callers (RoutingTable) must
// serialize access.
type KBucket struct {
	Size            int
	SubnetDiversity int

	records     []Record
	replacement []Record
	lastUpdated time.Time
}

// NewKBucket creates an empty bucket with the given capacity and diversity
// limit. A zero/negative size or diversity falls back to the package defaults.
func NewKBucket(size, subnetDiversity int) *KBucket {
	if size <= 0 {
		size = KBucketDefaultSize
	}
	if subnetDiversity <= 0 {
		subnetDiversity = DefaultSubnetDiversityLimit
	}
	return &KBucket{
		Size:            size,
		SubnetDiversity: subnetDiversity,
		lastUpdated:     time.Now(),
	}
}

// Len returns the number of live (non-replacement) records.
func (b *KBucket) Len() int { return len(b.records) }

// ReplacementLen returns the number of records held in the replacement cache.
func (b *KBucket) ReplacementLen() int { return len(b.replacement) }

// Records returns a copy of the live records, oldest-first.
func (b *KBucket) Records() []Record {
	out := make([]Record, len(b.records))
	copy(out, b.records)
	return out
}

// LastUpdated returns when this bucket last changed.
func (b *KBucket) LastUpdated() time.Time { return b.lastUpdated }

// DueForRefresh reports whether this bucket has gone longer than interval
// without an update.
func (b *KBucket) DueForRefresh(now time.Time, interval time.Duration) bool {
	return now.Sub(b.lastUpdated) > interval
}

func (b *KBucket) indexOf(nodeID string) int {
	for i, r := range b.records {
		if r.NodeID == nodeID {
			return i
		}
	}
	return -1
}

func (b *KBucket) subnetCount(subnet string) int {
	if subnet == "" {
		return 0
	}
	n := 0
	for _, r := range b.records {
		if r.Subnet24() == subnet {
			n++
		}
	}
	return n
}

// Add inserts or refreshes a record. Behavior
//   - an existing record moves to the tail with LastSeen updated;
//   - a new record is appended if there is room and the subnet diversity
//     limit isn't exceeded;
//   - if the bucket is full and its head (oldest) record is stale, the head
//     is evicted and the new record appended (subject to diversity);
//   - otherwise the new record is placed in the replacement cache.
//
// Add reports whether the record ended up live in the bucket (as opposed to
// only updating the replacement cache or being dropped for diversity).
func (b *KBucket) Add(rec Record, now time.Time, staleThreshold time.Duration) bool {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}

	if i := b.indexOf(rec.NodeID); i >= 0 {
		b.records = append(b.records[:i], b.records[i+1:]...)
		b.records = append(b.records, rec)
		b.lastUpdated = now
		return true
	}

	subnet := rec.Subnet24()
	if len(b.records) < b.Size {
		if b.subnetCount(subnet) >= b.SubnetDiversity {
			b.pushReplacement(rec)
			return false
		}
		b.records = append(b.records, rec)
		b.lastUpdated = now
		return true
	}

	head := b.records[0]
	if head.IsStale(now, staleThreshold) {
		if b.subnetCount(subnet) >= b.SubnetDiversity {
			b.pushReplacement(rec)
			return false
		}
		b.records = append(b.records[1:], rec)
		b.lastUpdated = now
		return true
	}

	b.pushReplacement(rec)
	return false
}

func (b *KBucket) pushReplacement(rec Record) {
	for i, r := range b.replacement {
		if r.NodeID == rec.NodeID {
			b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
			break
		}
	}
	b.replacement = append(b.replacement, rec)
	if len(b.replacement) > b.Size {
		b.replacement = b.replacement[len(b.replacement)-b.Size:]
	}
}

// Remove deletes a record by node ID, promoting the most recently seen
// replacement-cache entry (if any) into its place. Reports whether a live
// record was removed.
func (b *KBucket) Remove(nodeID string) bool {
	i := b.indexOf(nodeID)
	if i < 0 {
		for j, r := range b.replacement {
			if r.NodeID == nodeID {
				b.replacement = append(b.replacement[:j], b.replacement[j+1:]...)
				return false
			}
		}
		return false
	}
	b.records = append(b.records[:i], b.records[i+1:]...)
	if len(b.replacement) > 0 {
		promoted := b.replacement[len(b.replacement)-1]
		b.replacement = b.replacement[:len(b.replacement)-1]
		b.records = append(b.records, promoted)
	}
	b.lastUpdated = time.Now()
	return true
}
