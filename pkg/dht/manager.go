package dht

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mikhashev/dpc-core/internal/metrics"
	"github.com/mikhashev/dpc-core/pkg/nodeid"
)

// Default tuning for the DHT manager.
const (
	DefaultK                = KBucketDefaultSize
	DefaultAlpha            = 3
	DefaultBootstrapTimeout = 30 * time.Second
	DefaultBootstrapRetry   = 5 * time.Minute
	DefaultLookupTimeout    = 10 * time.Second
	DefaultAnnounceInterval = time.Hour
	DefaultMaintenanceTick  = 60 * time.Second
)

// Stats is a point-in-time snapshot of manager activity, surfaced via
// Manager.Stats for `dpcd bootstrap` (supplemented feature, see DESIGN.md).
type Stats struct {
	RoutingTableSize int
	RPCErrors        int64
	Lookups          int64
	Announces        int64
	AnnounceSuccess  int64
	Bootstraps       int64
}

// Manager is the DHT manager: bootstrap, iterative lookup, announce, and
// periodic maintenance built on top of RoutingTable and RPC.
type Manager struct {
	SelfID string
	Alpha  int
	K      int

	BootstrapTimeout time.Duration
	BootstrapRetry   time.Duration
	LookupTimeout    time.Duration
	AnnounceInterval time.Duration
	MaintenanceTick  time.Duration
	BucketRefresh    time.Duration

	rt      *RoutingTable
	rpc     *RPC
	store   *localStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	selfAddr string // "ip:port" this node advertises via STORE(self, ...)

	lookups         atomic.Int64
	announces       atomic.Int64
	announceSuccess atomic.Int64
	bootstraps      atomic.Int64

	seedsMu sync.RWMutex
	seeds   []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a DHT manager wired to rt and rpc. selfAddr is the
// "ip:port" this node announces for itself (e.g. its P2P listen address).
// mets may be nil.
func NewManager(selfID string, rt *RoutingTable, rpc *RPC, selfAddr string, logger *slog.Logger, mets *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		SelfID:           selfID,
		Alpha:            DefaultAlpha,
		K:                rt.K,
		BootstrapTimeout: DefaultBootstrapTimeout,
		BootstrapRetry:   DefaultBootstrapRetry,
		LookupTimeout:    DefaultLookupTimeout,
		AnnounceInterval: DefaultAnnounceInterval,
		MaintenanceTick:  DefaultMaintenanceTick,
		BucketRefresh:    time.Hour,
		rt:               rt,
		rpc:              rpc,
		store:            newLocalStore(),
		logger:           logger,
		metrics:          mets,
		selfAddr:         selfAddr,
	}
	rpc.metrics = mets
	rpc.handlers = Handlers{
		OnPing:      m.onPing,
		OnFindNode:  m.onFindNode,
		OnStore:     m.onStore,
		OnFindValue: m.onFindValue,
	}
	return m
}

func (m *Manager) onPing(from NodeContact) {
	if from.NodeID == m.SelfID {
		return
	}
	if err := m.rt.Add(from.NodeID, from.IP, from.Port); err != nil {
		m.logger.Debug("dht manager: add on ping failed", "peer", from.NodeID, "error", err)
	}
}

func (m *Manager) onFindNode(from NodeContact, target string) []NodeContact {
	m.onPing(from)
	return toContacts(m.rt.FindClosest(target, m.K))
}

func (m *Manager) onStore(from NodeContact, key, value string) bool {
	m.onPing(from)
	m.store.Put(key, value)
	return true
}

func (m *Manager) onFindValue(from NodeContact, key string) (string, bool, []NodeContact) {
	m.onPing(from)
	if v, ok := m.store.Get(key); ok {
		return v, true, nil
	}
	return "", false, toContacts(m.rt.FindClosest(key, m.K))
}

func toContacts(records []Record) []NodeContact {
	out := make([]NodeContact, len(records))
	for i, r := range records {
		out[i] = NodeContact{NodeID: r.NodeID, IP: r.IP, Port: r.Port}
	}
	return out
}

// Start launches the periodic maintenance loop. Call Stop to cancel it.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.maintenanceLoop(ctx)
}

// Stop cancels the maintenance loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Stats returns a snapshot of manager activity counters.
func (m *Manager) Stats() Stats {
	return Stats{
		RoutingTableSize: m.rt.Size(),
		RPCErrors:        m.rpc.ErrorCount(),
		Lookups:          m.lookups.Load(),
		Announces:        m.announces.Load(),
		AnnounceSuccess:  m.announceSuccess.Load(),
		Bootstraps:       m.bootstraps.Load(),
	}
}

// Bootstrap PINGs every seed concurrently under BootstrapTimeout. If at
// least one PONG arrives, it runs a self-lookup to populate nearby buckets
// and returns true. Seeds are remembered for the background empty-table
// retry loop.
func (m *Manager) Bootstrap(ctx context.Context, seeds []string) (bool, error) {
	m.bootstraps.Add(1)
	m.seedsMu.Lock()
	m.seeds = seeds
	m.seedsMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.BootstrapTimeout)
	defer cancel()

	var ok atomic.Bool
	var wg sync.WaitGroup
	for _, seed := range seeds {
		addr, err := ResolveUDPAddr(hostPart(seed), portPart(seed))
		if err != nil {
			m.logger.Warn("dht manager: bad seed address", "seed", seed, "error", err)
			continue
		}
		wg.Add(1)
		go func(seed string, addr *net.UDPAddr) {
			defer wg.Done()
			seedID, err := m.rpc.PingNode(ctx, addr)
			if err != nil {
				m.logger.Debug("dht manager: bootstrap ping failed", "seed", seed, "error", err)
				return
			}
			ok.Store(true)
			// Seed the routing table with the responder so the self-lookup
			// below has somewhere to start.
			if seedID != "" && seedID != m.SelfID {
				if err := m.rt.Add(seedID, addr.IP.String(), addr.Port); err != nil {
					m.logger.Debug("dht manager: add seed failed", "seed", seed, "error", err)
				}
			}
		}(seed, addr)
	}
	wg.Wait()

	if !ok.Load() {
		return false, ErrBootstrapFailed
	}

	if _, err := m.FindNode(ctx, m.SelfID); err != nil {
		m.logger.Warn("dht manager: self-lookup after bootstrap failed", "error", err)
	}

	sem := semaphore.NewWeighted(int64(m.Alpha))
	var eg errgroup.Group
	for _, idx := range m.rt.BucketsNeedingRefresh(0) {
		idx := idx
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			m.refreshBucket(ctx, idx)
			return nil
		})
	}
	_ = eg.Wait()

	return true, nil
}

func (m *Manager) refreshBucket(ctx context.Context, idx int) {
	target, err := nodeid.RandomIDInBucket(m.SelfID, idx)
	if err != nil {
		return
	}
	if _, err := m.FindNode(ctx, target); err != nil {
		m.logger.Debug("dht manager: bucket refresh lookup failed", "bucket", idx, "error", err)
	}
}

// FindNode runs the iterative alpha-parallel Kademlia lookup, returning
// the final shortlist of up to K peers closest to target.
func (m *Manager) FindNode(ctx context.Context, target string) ([]Record, error) {
	m.lookups.Add(1)
	m.metrics.ObserveDHTLookup(m.rt.Size())
	ctx, cancel := context.WithTimeout(ctx, m.LookupTimeout)
	defer cancel()

	type entry struct {
		rec     Record
		queried bool
	}

	shortlist := make(map[string]*entry)
	for _, r := range m.rt.FindClosest(target, m.K) {
		shortlist[r.NodeID] = &entry{rec: r}
	}

	sortedIDsOf := func() []string {
		ids := make([]string, 0, len(shortlist))
		for id := range shortlist {
			ids = append(ids, id)
		}
		return nodeid.SortByDistance(target, ids)
	}

	var closestDist *big.Int
	for {
		sortedIDs := sortedIDsOf()

		var toQuery []string
		for _, id := range sortedIDs {
			if len(toQuery) >= m.Alpha {
				break
			}
			if !shortlist[id].queried {
				toQuery = append(toQuery, id)
			}
		}
		if len(toQuery) == 0 {
			break // every candidate in the shortlist has already been queried
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		newPeers := 0
		for _, id := range toQuery {
			id := id
			shortlist[id].queried = true
			rec := shortlist[id].rec
			wg.Add(1)
			go func() {
				defer wg.Done()
				addr, err := ResolveUDPAddr(rec.IP, rec.Port)
				if err != nil {
					return
				}
				contacts, err := m.rpc.FindNode(ctx, addr, target)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				for _, c := range contacts {
					if c.NodeID == m.SelfID {
						continue
					}
					if _, exists := shortlist[c.NodeID]; !exists {
						shortlist[c.NodeID] = &entry{rec: Record{NodeID: c.NodeID, IP: c.IP, Port: c.Port, LastSeen: time.Now()}}
						newPeers++
						_ = m.rt.Add(c.NodeID, c.IP, c.Port)
					}
				}
			}()
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			goto done
		default:
		}

		sortedIDs = sortedIDsOf()
		// Truncate the shortlist back to K closest so it can't grow unbounded
		// across rounds.
		if len(sortedIDs) > m.K {
			for _, id := range sortedIDs[m.K:] {
				delete(shortlist, id)
			}
			sortedIDs = sortedIDs[:m.K]
		}

		var newClosest *big.Int
		if len(sortedIDs) > 0 {
			newClosest, _ = nodeid.Distance(target, sortedIDs[0])
		}
		respondedAll := true
		for _, e := range shortlist {
			if !e.queried {
				respondedAll = false
				break
			}
		}

		// Terminate when this round brought no new peer and no closer one,
		// or when every shortlist candidate has been queried. Responders
		// are not counted, so there is no separate stop at K responses.
		noCloser := closestDist != nil && newClosest != nil && newClosest.Cmp(closestDist) >= 0
		closestDist = newClosest
		if (newPeers == 0 && noCloser) || respondedAll {
			break
		}
	}
done:

	sortedIDs := sortedIDsOf()
	if len(sortedIDs) > m.K {
		sortedIDs = sortedIDs[:m.K]
	}
	out := make([]Record, 0, len(sortedIDs))
	for _, id := range sortedIDs {
		out = append(out, shortlist[id].rec)
	}
	return out, nil
}

// Announce runs find_node(self), then STORE(self.node_id, selfAddr) on each
// returned peer, returning the count of successful stores.
func (m *Manager) Announce(ctx context.Context) (int, error) {
	m.announces.Add(1)
	peers, err := m.FindNode(ctx, m.SelfID)
	if err != nil {
		return 0, fmt.Errorf("dht manager: announce self-lookup: %w", err)
	}
	successes := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := ResolveUDPAddr(p.IP, p.Port)
			if err != nil {
				return
			}
			ok, err := m.rpc.Store(ctx, addr, m.SelfID, m.selfAddr)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()
	m.announceSuccess.Add(int64(successes))
	return successes, nil
}

// StoreValue publishes an arbitrary key/value pair (a PeerEndpoint, relay
// descriptor, or certificate PEM) to the K peers closest to key, e.g. for
// "relay:<self>" or "cert:<self>" publication.
func (m *Manager) StoreValue(ctx context.Context, key, value string) (int, error) {
	peers, err := m.FindNode(ctx, key)
	if err != nil {
		return 0, err
	}
	successes := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr, err := ResolveUDPAddr(p.IP, p.Port)
			if err != nil {
				return
			}
			ok, err := m.rpc.Store(ctx, addr, key, value)
			if err != nil || !ok {
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return successes, nil
}

// FindPeer runs an iterative lookup for target, then queries each discovered
// peer's FIND_VALUE in order until one returns a value, parsing it as
// "ip:port".
func (m *Manager) FindPeer(ctx context.Context, target string) (ip string, port int, err error) {
	ep, err := m.FindPeerFull(ctx, target)
	if err != nil {
		return "", 0, err
	}
	host, portStr, err := ep.PrimaryIPv4Address()
	if err != nil {
		return "", 0, err
	}
	p, err := parsePort(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, p, nil
}

// FindPeerFull is the richer variant of FindPeer that returns the fully
// decoded v2.0 PeerEndpoint (or a synthesized legacy one).
func (m *Manager) FindPeerFull(ctx context.Context, target string) (*PeerEndpoint, error) {
	peers, err := m.FindNode(ctx, target)
	if err != nil {
		return nil, err
	}
	value, err := m.findValueAmong(ctx, target, peers)
	if err != nil {
		return nil, err
	}
	return PeerEndpointFromJSON(value)
}

// FindValue is the generic counterpart of FindPeerFull for arbitrary keys
// (relay descriptors, certificates).
func (m *Manager) FindValue(ctx context.Context, key string) (string, error) {
	peers, err := m.FindNode(ctx, key)
	if err != nil {
		return "", err
	}
	return m.findValueAmong(ctx, key, peers)
}

func (m *Manager) findValueAmong(ctx context.Context, key string, peers []Record) (string, error) {
	for _, p := range peers {
		addr, err := ResolveUDPAddr(p.IP, p.Port)
		if err != nil {
			continue
		}
		value, found, _, err := m.rpc.FindValue(ctx, addr, key)
		if err != nil || !found {
			continue
		}
		return value, nil
	}
	return "", ErrPeerNotAnnounced
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.MaintenanceTick)
	defer ticker.Stop()

	lastAnnounce := time.Now()
	lastEmptyRetry := time.Now()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("dht manager: maintenance loop stopped")
			return
		case <-ticker.C:
			if m.rt.Empty() && time.Since(lastEmptyRetry) >= m.BootstrapRetry {
				lastEmptyRetry = time.Now()
				m.seedsMu.RLock()
				seeds := append([]string(nil), m.seeds...)
				m.seedsMu.RUnlock()
				if len(seeds) > 0 {
					m.logger.Info("dht manager: routing table empty, retrying bootstrap")
					if _, err := m.Bootstrap(ctx, seeds); err != nil {
						m.logger.Warn("dht manager: bootstrap retry failed", "error", err)
					}
				}
			}

			for _, idx := range m.rt.BucketsNeedingRefresh(m.BucketRefresh) {
				m.refreshBucket(ctx, idx)
			}

			if time.Since(lastAnnounce) >= m.AnnounceInterval {
				lastAnnounce = time.Now()
				if _, err := m.Announce(ctx); err != nil {
					m.logger.Warn("dht manager: periodic announce failed", "error", err)
				}
			}
		}
	}
}
