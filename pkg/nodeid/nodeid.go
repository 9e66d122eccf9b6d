// Package nodeid implements the 128-bit XOR key space that the DHT routing
// table and iterative lookups are built on.
//
// Node IDs are textual identifiers of the form "node-<32 hex>", parsing to a
// 128-bit unsigned integer. Two IDs are "distant" by the XOR of their integer
// forms; two IDs are identical iff that distance is zero.
package nodeid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

const (
	// Prefix is the required textual prefix of every node ID.
	Prefix = "node-"
	// HexLength is the number of hex characters following Prefix (128 bits).
	HexLength = 32
	// Bits is the size of the key space.
	Bits = 128
)

// ErrIdenticalNodes is returned by BucketIndex (and BucketIndexFor) for a zero
// distance, i.e. for a node ID paired with itself or with an equal node ID;
// bucket insertion of such a pair is a fatal condition
var ErrIdenticalNodes = errors.New("nodeid: distance between identical node IDs")

// ErrInvalidNodeID is returned by Parse when the prefix, length, or hex
// content of a node ID string is malformed.
var ErrInvalidNodeID = errors.New("nodeid: invalid node id")

// ID is a parsed 128-bit node identifier.
type ID struct {
	val *big.Int
}

// Parse converts a textual node ID ("node-<32 hex>") into its 128-bit integer
// form. It fails if the prefix, length, or hex content is invalid.
func Parse(s string) (ID, error) {
	if !strings.HasPrefix(s, Prefix) {
		return ID{}, fmt.Errorf("%w: missing prefix %q: %s", ErrInvalidNodeID, Prefix, s)
	}
	hexPart := s[len(Prefix):]
	if len(hexPart) != HexLength {
		return ID{}, fmt.Errorf("%w: hex part must be %d characters, got %d: %s", ErrInvalidNodeID, HexLength, len(hexPart), s)
	}
	v, ok := new(big.Int).SetString(hexPart, 16)
	if !ok {
		return ID{}, fmt.Errorf("%w: invalid hex characters: %s", ErrInvalidNodeID, s)
	}
	return ID{val: v}, nil
}

// MustParse parses s, panicking on error. Intended for constants in tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the ID back to its canonical "node-<32 hex>" form.
func (id ID) String() string {
	return Prefix + fmt.Sprintf("%032x", id.val)
}

// Equal reports whether two IDs represent the same node.
func (id ID) Equal(other ID) bool {
	return id.val.Cmp(other.val) == 0
}

// Distance computes the XOR distance between two node ID strings.
func Distance(a, b string) (*big.Int, error) {
	idA, err := Parse(a)
	if err != nil {
		return nil, err
	}
	idB, err := Parse(b)
	if err != nil {
		return nil, err
	}
	return idA.DistanceTo(idB), nil
}

// DistanceTo computes the XOR distance between two parsed IDs.
func (id ID) DistanceTo(other ID) *big.Int {
	return new(big.Int).Xor(id.val, other.val)
}

// BucketIndex computes floor(log2(distance)) clamped to [0, Bits-1]. Zero
// distance is an error: it denotes two identical node IDs, which must never
// be inserted into the same routing table.
func BucketIndex(distance *big.Int) (int, error) {
	if distance.Sign() == 0 {
		return 0, ErrIdenticalNodes
	}
	// BitLen() is 1-indexed position of the highest set bit.
	idx := distance.BitLen() - 1
	if idx > Bits-1 {
		idx = Bits - 1
	}
	return idx, nil
}

// BucketIndexFor is a convenience wrapper computing the bucket index between
// two node ID strings directly.
func BucketIndexFor(a, b string) (int, error) {
	d, err := Distance(a, b)
	if err != nil {
		return 0, err
	}
	return BucketIndex(d)
}

// SortByDistance returns ids sorted by ascending XOR distance to target.
// Entries that fail to parse are dropped silently (callers are expected to
// have validated IDs on ingestion).
func SortByDistance(target string, ids []string) []string {
	targetID, err := Parse(target)
	if err != nil {
		return nil
	}
	type scored struct {
		id   string
		dist *big.Int
	}
	scoredIDs := make([]scored, 0, len(ids))
	for _, s := range ids {
		pid, err := Parse(s)
		if err != nil {
			continue
		}
		scoredIDs = append(scoredIDs, scored{id: s, dist: targetID.DistanceTo(pid)})
	}
	sort.SliceStable(scoredIDs, func(i, j int) bool {
		return scoredIDs[i].dist.Cmp(scoredIDs[j].dist) < 0
	})
	out := make([]string, len(scoredIDs))
	for i, s := range scoredIDs {
		out[i] = s.id
	}
	return out
}

// IsCloser reports whether candidate is closer to target than reference is.
func IsCloser(target, candidate, reference string) (bool, error) {
	dCand, err := Distance(target, candidate)
	if err != nil {
		return false, err
	}
	dRef, err := Distance(target, reference)
	if err != nil {
		return false, err
	}
	return dCand.Cmp(dRef) < 0, nil
}

// RandomIDInBucket returns a node ID whose distance from self lies in
// [2^bucketIdx, 2^(bucketIdx+1)), for routing-table refresh lookups.
func RandomIDInBucket(self string, bucketIdx int) (string, error) {
	selfID, err := Parse(self)
	if err != nil {
		return "", err
	}
	if bucketIdx < 0 || bucketIdx > Bits-1 {
		return "", fmt.Errorf("%w: bucket index out of range: %d", ErrInvalidNodeID, bucketIdx)
	}

	// Range width is 2^bucketIdx; pick a random offset in [0, width) and set
	// bit bucketIdx so the result's highest differing bit is exactly bucketIdx.
	width := new(big.Int).Lsh(big.NewInt(1), uint(bucketIdx))
	offset, err := rand.Int(rand.Reader, width)
	if err != nil {
		return "", fmt.Errorf("nodeid: generate random offset: %w", err)
	}
	distance := new(big.Int).Or(offset, width)

	result := new(big.Int).Xor(selfID.val, distance)
	return Prefix + fmt.Sprintf("%032x", result), nil
}

// Random generates a random node ID, e.g. for fresh self-identity generation
// outside this package's scope of interest (the identity utility is external
//, but tests and tooling still need synthetic IDs).
func Random() (string, error) {
	max := new(big.Int).Lsh(big.NewInt(1), Bits)
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("nodeid: generate random id: %w", err)
	}
	return Prefix + fmt.Sprintf("%032x", v), nil
}
