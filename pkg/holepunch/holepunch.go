// Package holepunch implements reflexive-address discovery, NAT-type
// inference, and DHT-coordinated simultaneous UDP send.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikhashev/dpc-core/internal/metrics"
	"github.com/mikhashev/dpc-core/pkg/dht"
)

// Tunable defaults.
const (
	DefaultPort            = 8890
	DefaultDiscoveryPeers  = 3
	DefaultFreshnessWindow = 5 * time.Minute
	DefaultSyncDelay       = 5 * time.Second
	DefaultPunchTimeout    = 12 * time.Second
)

// NAT type classifications, mirrored from pkg/dht's peer-endpoint schema.
const (
	NATNone      = dht.NATNone
	NATCone      = dht.NATCone
	NATSymmetric = dht.NATSymmetric
	NATUnknown   = dht.NATUnknown
)

var (
	// ErrNoResponses is returned by DiscoverExternalEndpoint when none of
	// the queried peers answered.
	ErrNoResponses = errors.New("holepunch: no peers responded to DISCOVER_ENDPOINT")
	// ErrSymmetricNAT is returned by PunchHole when the local NAT type is
	// symmetric, which cannot be punched.
	ErrSymmetricNAT = errors.New("holepunch: local NAT is symmetric, punching not applicable")
	// ErrPunchTimeout is returned when no matching PUNCH reply arrives
	// within the punch timeout.
	ErrPunchTimeout = errors.New("holepunch: no matching PUNCH reply received")
)

const punchPayload = "PUNCH"

// ExternalEndpoint is the last discovered reflexive address, with its
// freshness and inferred NAT-type metadata.
type ExternalEndpoint struct {
	IP           string
	Port         int
	Confidence   float64
	NATType      string
	DiscoveredAt time.Time
}

// dhtLookup is the subset of *dht.Manager the hole-punch manager needs,
// kept as an interface so tests can fake it without a live DHT.
type dhtLookup interface {
	FindNode(ctx context.Context, target string) ([]dht.Record, error)
	StoreValue(ctx context.Context, key, value string) (int, error)
}

// Manager owns a dedicated UDP socket and coordinates hole punching with
// peers via DHT timing and reflexive-address discovery.
type Manager struct {
	SelfID         string
	DHT            dhtLookup
	Logger         *slog.Logger
	DiscoveryPeers int
	SyncDelay      time.Duration
	PunchTimeout   time.Duration

	metrics *metrics.Metrics

	conn *net.UDPConn

	mu        sync.Mutex
	cachedEP  *ExternalEndpoint
	attempts  atomic.Int64
	successes atomic.Int64

	waitersMu sync.Mutex
	waiters   map[string]chan *net.UDPAddr // keyed by expected peer IP

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the hole-punch UDP socket (SO_REUSEADDR semantics delegated to
// the OS default for ListenUDP) on port. mets may be nil.
func New(selfID string, port int, dhtMgr dhtLookup, logger *slog.Logger, mets *metrics.Metrics) (*Manager, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("holepunch: listen udp: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		SelfID:         selfID,
		DHT:            dhtMgr,
		Logger:         logger,
		metrics:        mets,
		DiscoveryPeers: DefaultDiscoveryPeers,
		SyncDelay:      DefaultSyncDelay,
		PunchTimeout:   DefaultPunchTimeout,
		conn:           conn,
		waiters:        make(map[string]chan *net.UDPAddr),
	}, nil
}

// LocalAddr returns the bound UDP address of the dedicated punch socket.
func (m *Manager) LocalAddr() *net.UDPAddr { return m.conn.LocalAddr().(*net.UDPAddr) }

// Socket exposes the bound *net.UDPConn so a successful punch can be handed
// directly to the DTLS transport layer.
func (m *Manager) Socket() *net.UDPConn { return m.conn }

// Start begins the datagram receive loop on the punch socket. The loop only
// watches for PUNCH datagrams; reflexive-address queries go over the DHT RPC
// socket, not this one.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.ctx = ctx
	m.wg.Add(1)
	go m.recvLoop(ctx, m.conn)
}

// ResetSocket closes and rebinds the punch socket on the same port,
// restarting the receive loop. Used after a failed DTLS upgrade, which
// must never be retried on the same socket.
func (m *Manager) ResetSocket() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	port := m.conn.LocalAddr().(*net.UDPAddr).Port
	_ = m.conn.Close()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("holepunch: rebind udp: %w", err)
	}
	m.conn = conn
	if m.ctx != nil {
		m.wg.Add(1)
		go m.recvLoop(m.ctx, conn)
	}
	return nil
}

// Stop cancels the receive loop and closes the UDP socket.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	err := m.conn.Close()
	m.wg.Wait()
	return err
}

// SuccessRate returns successes/attempts, 0 if no attempts were made yet.
func (m *Manager) SuccessRate() float64 {
	a := m.attempts.Load()
	if a == 0 {
		return 0
	}
	return float64(m.successes.Load()) / float64(a)
}

func (m *Manager) recvLoop(ctx context.Context, conn *net.UDPConn) {
	defer m.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.Logger.Debug("holepunch: read error", "error", err)
			return
		}
		if string(buf[:n]) != punchPayload {
			continue
		}
		m.waitersMu.Lock()
		ch, ok := m.waiters[addr.IP.String()]
		m.waitersMu.Unlock()
		if ok {
			select {
			case ch <- addr:
			default:
			}
			continue
		}
		// Unsolicited PUNCH from a peer racing ahead of us: answer in kind
		// so its own wait can succeed too.
		_, _ = conn.WriteToUDP([]byte(punchPayload), addr)
	}
}

// DiscoverExternalEndpoint queries DiscoveryPeers random DHT peers with
// DISCOVER_ENDPOINT and takes the modal (ip, port) among the responses.
// A cached result younger than DefaultFreshnessWindow is reused
// unless force is set.
func (m *Manager) DiscoverExternalEndpoint(ctx context.Context, rpc *dht.RPC, peers []dht.Record, force bool) (*ExternalEndpoint, error) {
	m.mu.Lock()
	if !force && m.cachedEP != nil && time.Since(m.cachedEP.DiscoveredAt) < DefaultFreshnessWindow {
		cached := *m.cachedEP
		m.mu.Unlock()
		return &cached, nil
	}
	m.mu.Unlock()

	picked := pickRandom(peers, m.DiscoveryPeers)
	if len(picked) == 0 {
		return nil, ErrNoResponses
	}

	type observation struct {
		ip   string
		port int
	}
	obsCh := make(chan observation, len(picked))
	var wg sync.WaitGroup
	for _, p := range picked {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := dht.ResolveUDPAddr(p.IP, p.Port)
			if err != nil {
				return
			}
			ip, port, err := rpc.DiscoverEndpoint(ctx, addr)
			if err != nil {
				return
			}
			obsCh <- observation{ip: ip, port: port}
		}()
	}
	wg.Wait()
	close(obsCh)

	ipVotes := make(map[string]int)
	portVotes := make(map[int]int)
	total := 0
	for obs := range obsCh {
		ipVotes[obs.ip]++
		portVotes[obs.port]++
		total++
	}
	if total == 0 {
		return nil, ErrNoResponses
	}

	modalIP, ipCount := modeString(ipVotes)
	modalPort, portCount := modeInt(portVotes)
	confidence := min(float64(ipCount)/float64(total), float64(portCount)/float64(total))

	ep := &ExternalEndpoint{
		IP:           modalIP,
		Port:         modalPort,
		Confidence:   confidence,
		DiscoveredAt: time.Now(),
	}
	m.mu.Lock()
	m.cachedEP = ep
	m.mu.Unlock()
	return ep, nil
}

// InferNATType queries at least two peers sequentially via DISCOVER_ENDPOINT
// and compares the observed ports against our local punch-socket port:
// both equal to local means no NAT, equal but translated means cone,
// divergent means symmetric.
func (m *Manager) InferNATType(ctx context.Context, rpc *dht.RPC, peers []dht.Record) (string, error) {
	picked := pickRandom(peers, 2)
	if len(picked) < 2 {
		return NATUnknown, nil
	}
	localPort := m.LocalAddr().Port

	var ports []int
	for _, p := range picked {
		addr, err := dht.ResolveUDPAddr(p.IP, p.Port)
		if err != nil {
			continue
		}
		_, port, err := rpc.DiscoverEndpoint(ctx, addr)
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	if len(ports) < 2 {
		return NATUnknown, nil
	}

	p1, p2 := ports[0], ports[1]
	switch {
	case p1 == localPort && p2 == localPort:
		return NATNone, nil
	case p1 == p2:
		return NATCone, nil
	case p1 != p2:
		return NATSymmetric, nil
	default:
		return NATUnknown, nil
	}
}

// PunchHole performs the DHT-coordinated simultaneous send:
// STORE a coordination timing record, sleep until the agreed sync time, then
// send PUNCH to peerAddr and wait for a matching reply. On success it
// returns the still-bound UDP socket.
func (m *Manager) PunchHole(ctx context.Context, peerNodeID string, peerAddr *net.UDPAddr) (*net.UDPConn, error) {
	m.attempts.Add(1)

	syncTime := time.Now().Add(m.SyncDelay)
	if m.DHT != nil {
		key := fmt.Sprintf("punch:%s:%s", peerNodeID, m.SelfID)
		value := fmt.Sprintf("%d", syncTime.UnixNano())
		if _, err := m.DHT.StoreValue(ctx, key, value); err != nil {
			m.Logger.Debug("holepunch: failed to store coordination record", "peer", peerNodeID, "error", err)
		}
	}

	select {
	case <-time.After(time.Until(syncTime)):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	waitCh := make(chan *net.UDPAddr, 4)
	m.waitersMu.Lock()
	m.waiters[peerAddr.IP.String()] = waitCh
	m.waitersMu.Unlock()
	defer func() {
		m.waitersMu.Lock()
		delete(m.waiters, peerAddr.IP.String())
		m.waitersMu.Unlock()
	}()

	punchCtx, cancel := context.WithTimeout(ctx, m.PunchTimeout)
	defer cancel()

	stopSend := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopSend:
				return
			case <-ticker.C:
				_, _ = m.conn.WriteToUDP([]byte(punchPayload), peerAddr)
			}
		}
	}()
	_, _ = m.conn.WriteToUDP([]byte(punchPayload), peerAddr)

	select {
	case from := <-waitCh:
		close(stopSend)
		if from.IP.String() != peerAddr.IP.String() {
			m.metrics.ObserveHolePunch("failure")
			return nil, ErrPunchTimeout
		}
		m.successes.Add(1)
		m.metrics.ObserveHolePunch("success")
		return m.conn, nil
	case <-punchCtx.Done():
		close(stopSend)
		if ctx.Err() != nil {
			m.metrics.ObserveHolePunch("cancelled")
			return nil, ctx.Err()
		}
		m.metrics.ObserveHolePunch("timeout")
		return nil, ErrPunchTimeout
	}
}

func pickRandom(peers []dht.Record, n int) []dht.Record {
	if len(peers) <= n {
		return peers
	}
	shuffled := make([]dht.Record, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

func modeString(votes map[string]int) (string, int) {
	var best string
	bestN := -1
	for k, v := range votes {
		if v > bestN {
			best, bestN = k, v
		}
	}
	return best, bestN
}

func modeInt(votes map[int]int) (int, int) {
	var best int
	bestN := -1
	for k, v := range votes {
		if v > bestN {
			best, bestN = k, v
		}
	}
	return best, bestN
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
