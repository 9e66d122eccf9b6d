package dht

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mikhashev/dpc-core/internal/metrics"
)

// Defaults for the RPC engine
const (
	DefaultRPCTimeout    = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultRateLimitMin  = 100
	DefaultMaxPacketSize = 8192
)

// Handlers are the request-side callbacks the DHT manager registers so the
// RPC engine can answer incoming requests without owning the routing table
// or local store itself.
type Handlers struct {
	// OnPing is invoked for every incoming PING after rate limiting.
	OnPing func(from NodeContact)
	// OnFindNode returns up to k nodes closest to target known locally.
	OnFindNode func(from NodeContact, target string) []NodeContact
	// OnStore persists key->value locally and reports success.
	OnStore func(from NodeContact, key, value string) bool
	// OnFindValue returns a stored value if present, else the closest nodes.
	OnFindValue func(from NodeContact, key string) (value string, found bool, closest []NodeContact)
}

// RPC is the UDP request/response engine underlying the DHT. A single
// RPC instance owns one UDP socket and handles both outbound requests (with
// per-call retry/backoff) and inbound requests (dispatched to Handlers).
type RPC struct {
	SelfID        string
	Timeout       time.Duration
	MaxRetries    int
	MaxPacketSize int
	RateLimitMin  int
	Logger        *slog.Logger

	conn     *net.UDPConn
	handlers Handlers
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]chan *envelope

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	errCount int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRPC binds a UDP socket on the given port (0 = any free port) and
// returns an RPC engine ready to Serve once started.
func NewRPC(selfID string, port int, handlers Handlers, logger *slog.Logger) (*RPC, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dht rpc: listen udp: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RPC{
		SelfID:        selfID,
		Timeout:       DefaultRPCTimeout,
		MaxRetries:    DefaultMaxRetries,
		MaxPacketSize: DefaultMaxPacketSize,
		RateLimitMin:  DefaultRateLimitMin,
		Logger:        logger,
		conn:          conn,
		handlers:      handlers,
		pending:       make(map[string]chan *envelope),
		limiters:      make(map[string]*rate.Limiter),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (r *RPC) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Start begins the receive loop. Call Close to stop it.
func (r *RPC) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.recvLoop()
}

// Close stops the receive loop and releases the socket.
func (r *RPC) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	err := r.conn.Close()
	r.wg.Wait()
	return err
}

// ErrorCount returns the number of malformed/rejected datagrams observed so
// far, for diagnostics.
func (r *RPC) ErrorCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errCount
}

func (r *RPC) bumpErrors() {
	r.mu.Lock()
	r.errCount++
	r.mu.Unlock()
}

func (r *RPC) recvLoop() {
	defer r.wg.Done()
	buf := make([]byte, r.MaxPacketSize+1)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			r.Logger.Warn("dht rpc: read error", "error", err)
			return
		}
		if n > r.MaxPacketSize {
			r.Logger.Warn("dht rpc: dropping oversized datagram", "from", addr.String(), "size", n)
			r.bumpErrors()
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go r.handleDatagram(data, addr)
	}
}

func (r *RPC) handleDatagram(data []byte, addr *net.UDPAddr) {
	if !r.allow(addr.IP.String()) {
		return // rate limit trip: drop silently
	}

	env, err := unmarshalEnvelope(data)
	if err != nil {
		r.Logger.Debug("dht rpc: malformed envelope", "from", addr.String(), "error", err)
		r.bumpErrors()
		return
	}

	switch env.Type {
	case TypePong, TypeNodesFound, TypeStored, TypeValueFound, TypeReflexiveAddr:
		r.resolvePending(env)
	default:
		r.handleRequest(env, addr)
	}
}

func (r *RPC) allow(ip string) bool {
	limit := r.RateLimitMin
	if limit <= 0 {
		limit = DefaultRateLimitMin
	}
	r.limiterMu.Lock()
	l, ok := r.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(limit)/60.0), limit)
		r.limiters[ip] = l
	}
	r.limiterMu.Unlock()
	return l.Allow()
}

func (r *RPC) resolvePending(env *envelope) {
	r.mu.Lock()
	ch, ok := r.pending[env.RPCID]
	if ok {
		delete(r.pending, env.RPCID)
	}
	r.mu.Unlock()
	if !ok {
		// Response without a matching pending request; drop
		return
	}
	ch <- env
}

func (r *RPC) handleRequest(env *envelope, addr *net.UDPAddr) {
	from := NodeContact{NodeID: env.NodeID, IP: addr.IP.String(), Port: addr.Port}
	r.metrics.ObserveDHTRPC(env.Type, "served")

	switch env.Type {
	case TypePing:
		if env.NodeID == r.SelfID {
			r.Logger.Debug("dht rpc: ignoring self-identical ping", "node_id", env.NodeID)
			return
		}
		if r.handlers.OnPing != nil {
			r.handlers.OnPing(from)
		}
		r.sendTo(addr, &envelope{Type: TypePong, RPCID: env.RPCID, NodeID: r.SelfID, Timestamp: nowUnix()})

	case TypeFindNode:
		var nodes []NodeContact
		if r.handlers.OnFindNode != nil {
			nodes = r.handlers.OnFindNode(from, env.Target)
		}
		r.sendTo(addr, &envelope{Type: TypeNodesFound, RPCID: env.RPCID, NodeID: r.SelfID, Timestamp: nowUnix(), Nodes: nodes})

	case TypeStore:
		success := false
		if r.handlers.OnStore != nil {
			success = r.handlers.OnStore(from, env.Key, env.Value)
		}
		r.sendTo(addr, &envelope{Type: TypeStored, RPCID: env.RPCID, NodeID: r.SelfID, Timestamp: nowUnix(), Success: success})

	case TypeFindValue:
		if r.handlers.OnFindValue != nil {
			value, found, closest := r.handlers.OnFindValue(from, env.Key)
			if found {
				r.sendTo(addr, &envelope{Type: TypeValueFound, RPCID: env.RPCID, NodeID: r.SelfID, Timestamp: nowUnix(), Value: value, Found: true})
				return
			}
			r.sendTo(addr, &envelope{Type: TypeNodesFound, RPCID: env.RPCID, NodeID: r.SelfID, Timestamp: nowUnix(), Nodes: closest})
			return
		}
		r.sendTo(addr, &envelope{Type: TypeNodesFound, RPCID: env.RPCID, NodeID: r.SelfID, Timestamp: nowUnix()})

	case TypeDiscoverEndpoint:
		r.sendTo(addr, &envelope{Type: TypeReflexiveAddr, RPCID: env.RPCID, NodeID: r.SelfID, Timestamp: nowUnix(), ReflexiveIP: addr.IP.String(), ReflexivePort: addr.Port})

	default:
		r.Logger.Debug("dht rpc: unrecognized request type", "type", env.Type, "from", addr.String())
		r.bumpErrors()
	}
}

func (r *RPC) sendTo(addr *net.UDPAddr, env *envelope) {
	data, err := env.marshal()
	if err != nil {
		r.Logger.Warn("dht rpc: marshal response", "error", err)
		return
	}
	if len(data) > r.MaxPacketSize {
		r.Logger.Warn("dht rpc: response exceeds max packet size, truncating", "size", len(data))
		data = data[:r.MaxPacketSize]
	}
	if _, err := r.conn.WriteToUDP(data, addr); err != nil {
		r.Logger.Debug("dht rpc: write error", "addr", addr.String(), "error", err)
	}
}

// call sends a request and retries up to MaxRetries times with exponential
// backoff (0.1 * 2^n seconds per attempt), returning the first matching
// response or ErrRPCTimeout.
func (r *RPC) call(ctx context.Context, addr *net.UDPAddr, req *envelope) (*envelope, error) {
	req.RPCID = uuid.NewString()
	req.NodeID = r.SelfID
	req.Timestamp = nowUnix()

	data, err := req.marshal()
	if err != nil {
		return nil, fmt.Errorf("dht rpc: marshal request: %w", err)
	}
	if len(data) > r.MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	ch := make(chan *envelope, 1)
	r.mu.Lock()
	r.pending[req.RPCID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.RPCID)
		r.mu.Unlock()
	}()

	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if _, err := r.conn.WriteToUDP(data, addr); err != nil {
			r.metrics.ObserveDHTRPC(req.Type, "write_error")
			return nil, fmt.Errorf("dht rpc: write: %w", err)
		}

		select {
		case resp := <-ch:
			r.metrics.ObserveDHTRPC(req.Type, "success")
			return resp, nil
		case <-time.After(timeout):
			if attempt < maxRetries {
				backoff := time.Duration(float64(100*time.Millisecond) * pow2(attempt))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				continue
			}
			r.metrics.ObserveDHTRPC(req.Type, "timeout")
			return nil, ErrRPCTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrRPCTimeout
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Ping sends a liveness probe to addr and returns nil on a matching PONG.
func (r *RPC) Ping(ctx context.Context, addr *net.UDPAddr) error {
	_, err := r.PingNode(ctx, addr)
	return err
}

// PingNode is Ping plus the responder's node ID from its PONG, letting
// bootstrap seed the routing table from a bare "ip:port" contact.
func (r *RPC) PingNode(ctx context.Context, addr *net.UDPAddr) (string, error) {
	resp, err := r.call(ctx, addr, &envelope{Type: TypePing})
	if err != nil {
		return "", err
	}
	return resp.NodeID, nil
}

// FindNode asks addr for the nodes closest to target.
func (r *RPC) FindNode(ctx context.Context, addr *net.UDPAddr, target string) ([]NodeContact, error) {
	resp, err := r.call(ctx, addr, &envelope{Type: TypeFindNode, Target: target})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Store asks addr to persist key->value.
func (r *RPC) Store(ctx context.Context, addr *net.UDPAddr, key, value string) (bool, error) {
	resp, err := r.call(ctx, addr, &envelope{Type: TypeStore, Key: key, Value: value})
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// FindValue asks addr for key, returning either the stored value or its
// closest known nodes.
func (r *RPC) FindValue(ctx context.Context, addr *net.UDPAddr, key string) (value string, found bool, closest []NodeContact, err error) {
	resp, err := r.call(ctx, addr, &envelope{Type: TypeFindValue, Key: key})
	if err != nil {
		return "", false, nil, err
	}
	if resp.Type == TypeValueFound {
		return resp.Value, true, nil, nil
	}
	return "", false, resp.Nodes, nil
}

// DiscoverEndpoint asks addr to echo the reflexive (ip, port) it observed
// for us.
func (r *RPC) DiscoverEndpoint(ctx context.Context, addr *net.UDPAddr) (ip string, port int, err error) {
	resp, err := r.call(ctx, addr, &envelope{Type: TypeDiscoverEndpoint})
	if err != nil {
		return "", 0, err
	}
	return resp.ReflexiveIP, resp.ReflexivePort, nil
}

// ResolveUDPAddr is a small convenience wrapper shared by callers building
// *net.UDPAddr from a Record or "host:port" string.
func ResolveUDPAddr(host string, port int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
}
