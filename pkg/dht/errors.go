package dht

import "errors"

var (
	// ErrSelfInsertion is returned when code attempts to insert the local
	// node's own ID into its routing table. This is a programmer error,
	// not a transient condition.
	ErrSelfInsertion = errors.New("dht: refusing to insert self into routing table")

	// ErrNotFound names the condition of a key with no stored value. No
	// function in this package returns it: FindValue and FindPeerFull report
	// a value that no peer holds as ErrPeerNotAnnounced.
	ErrNotFound = errors.New("dht: key not found")

	// ErrRPCTimeout is returned when an RPC's retries are all exhausted
	// without a matching response.
	ErrRPCTimeout = errors.New("dht: rpc timed out")

	// ErrBootstrapFailed is returned when no seed responded within the
	// bootstrap timeout.
	ErrBootstrapFailed = errors.New("dht: bootstrap failed, no seed responded")

	// ErrPeerNotAnnounced is returned by find_peer_full when no peer
	// endpoint record could be located on the network.
	ErrPeerNotAnnounced = errors.New("dht: peer not announced")

	// ErrPacketTooLarge is returned when an outbound datagram would exceed
	// the configured max packet size.
	ErrPacketTooLarge = errors.New("dht: packet exceeds max size")
)
