package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mikhashev/dpc-core/internal/metrics"
)

// Server-side defaults.
const (
	DefaultMaxPeers         = 10
	DefaultMsgRatePerSecond = 100
	DefaultStaleAfter       = 5 * time.Minute
	DefaultWaitingTimeout   = 20 * time.Second
	DefaultAdvertiseInterval = 5 * time.Minute
)

// ERROR reasons emitted by the server.
const (
	ReasonNotVolunteering   = "not_volunteering"
	ReasonInvalidRequest    = "invalid_request"
	ReasonRateLimitExceeded = "rate_limit_exceeded"
)

// Session is one paired relay session
type Session struct {
	SessionID       string
	RelayID         string
	PeerA           string
	PeerB           string
	CreatedAt       time.Time
	LastActivity    time.Time
	MessagesRelayed int64
	BytesRelayed    int64
}

// Stale reports whether the session has seen no activity for staleAfter.
func (s *Session) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(s.LastActivity) > staleAfter
}

func (s *Session) hasPeer(id string) bool { return s.PeerA == id || s.PeerB == id }

func (s *Session) otherPeer(id string) string {
	if s.PeerA == id {
		return s.PeerB
	}
	return s.PeerA
}

// Publisher is the subset of *dht.Manager the server needs to advertise its
// relay descriptor under relay:<self>.
type Publisher interface {
	StoreValue(ctx context.Context, key, value string) (int, error)
}

// ServerStats is a point-in-time snapshot for the status surface.
type ServerStats struct {
	ActiveSessions  int
	WaitingPeers    int
	MessagesRelayed int64
	BytesRelayed    int64
}

type waitingIntent struct {
	wants   string
	conn    net.Conn
	expires time.Time
}

// Server is the volunteering half of the relay manager: it pairs two
// registered peers into a session and forwards their framed messages
// verbatim. The relay never decrypts application payloads; it observes
// from/to/session_id, sizes and timing only.
type Server struct {
	SelfID    string
	Volunteer bool
	MaxPeers  int
	Region    string

	MsgRatePerSecond  int
	StaleAfter        time.Duration
	WaitingTimeout    time.Duration
	AdvertiseInterval time.Duration

	// PeerID, when set, extracts the authenticated node ID from an accepted
	// connection (e.g. the TLS certificate CN). When nil, the first
	// RELAY_REGISTER's "from" field is bound to the connection instead.
	PeerID func(net.Conn) (string, bool)

	logger  *slog.Logger
	metrics *metrics.Metrics

	startedAt time.Time

	mu       sync.Mutex
	conns    map[string]net.Conn
	waiting  map[string]waitingIntent
	sessions map[string]*Session
	byPeer   map[string]string // peer node ID -> session ID
	limiters map[string]*rate.Limiter

	messagesRelayed int64
	bytesRelayed    int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a relay server with documented defaults. mets may be nil.
func NewServer(selfID string, volunteer bool, maxPeers int, region string, logger *slog.Logger, mets *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Server{
		SelfID:            selfID,
		Volunteer:         volunteer,
		MaxPeers:          maxPeers,
		Region:            region,
		MsgRatePerSecond:  DefaultMsgRatePerSecond,
		StaleAfter:        DefaultStaleAfter,
		WaitingTimeout:    DefaultWaitingTimeout,
		AdvertiseInterval: DefaultAdvertiseInterval,
		logger:            logger,
		metrics:           mets,
		startedAt:         time.Now(),
		conns:             make(map[string]net.Conn),
		waiting:           make(map[string]waitingIntent),
		sessions:          make(map[string]*Session),
		byPeer:            make(map[string]string),
		limiters:          make(map[string]*rate.Limiter),
	}
}

// Serve accepts connections from lis until ctx is cancelled, handling each
// in its own goroutine. It also runs the stale-session sweep.
func (s *Server) Serve(ctx context.Context, lis net.Listener) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.cleanupLoop(ctx)

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Warn("relay server: accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConn(conn)
		}()
	}
}

// Stop cancels the serve loop and waits for handlers to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Stats returns a snapshot of relay activity.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerStats{
		ActiveSessions:  len(s.sessions),
		WaitingPeers:    len(s.waiting),
		MessagesRelayed: s.messagesRelayed,
		BytesRelayed:    s.bytesRelayed,
	}
}

// Descriptor builds this server's current relay descriptor for DHT
// publication. address is the dialable "host:port" clients should use.
func (s *Server) Descriptor(address string) Descriptor {
	s.mu.Lock()
	active := len(s.sessions)
	s.mu.Unlock()
	free := 1 - float64(active)/float64(s.MaxPeers)
	if free < 0 {
		free = 0
	}
	uptime := time.Since(s.startedAt)
	uptimeRatio := 1.0
	if uptime < time.Hour {
		uptimeRatio = uptime.Seconds() / time.Hour.Seconds()
	}
	return Descriptor{
		NodeID:         s.SelfID,
		Address:        address,
		CapacityFree:   free,
		Region:         s.Region,
		UptimeRatio:    uptimeRatio,
		MaxPeers:       s.MaxPeers,
		ActiveSessions: active,
	}
}

// AdvertiseLoop periodically publishes the relay descriptor under
// relay:<self> while volunteering and below capacity
func (s *Server) AdvertiseLoop(ctx context.Context, pub Publisher, address string) {
	ticker := time.NewTicker(s.AdvertiseInterval)
	defer ticker.Stop()
	s.advertise(ctx, pub, address)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.advertise(ctx, pub, address)
		}
	}
}

func (s *Server) advertise(ctx context.Context, pub Publisher, address string) {
	if !s.Volunteer {
		return
	}
	d := s.Descriptor(address)
	if d.Full() {
		return
	}
	raw, err := d.ToJSON()
	if err != nil {
		return
	}
	if _, err := pub.StoreValue(ctx, "relay:"+s.SelfID, raw); err != nil {
		s.logger.Warn("relay server: descriptor publication failed", "error", err)
	}
}

// HandleConn runs the per-connection read loop. Exported so transports that
// accept connections themselves (or tests using net.Pipe) can hand them in.
func (s *Server) HandleConn(conn net.Conn) {
	var boundID string
	if s.PeerID != nil {
		if id, ok := s.PeerID(conn); ok {
			boundID = id
		}
	}

	defer func() {
		conn.Close()
		if boundID != "" {
			s.dropPeer(boundID)
		}
	}()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		command, _ := frame["command"].(string)
		payload, _ := frame["payload"].(map[string]any)
		if payload == nil {
			s.sendError(conn, ReasonInvalidRequest)
			continue
		}

		switch command {
		case "RELAY_REGISTER":
			from, _ := payload["from"].(string)
			if boundID == "" {
				boundID = from
			}
			s.handleRegister(conn, boundID, payload)
		case "RELAY_MESSAGE":
			s.handleMessage(conn, boundID, frame, payload)
		case "RELAY_DISCONNECT":
			s.handleDisconnect(conn, boundID, payload)
		default:
			s.logger.Debug("relay server: unknown command", "command", command)
		}
	}
}

func (s *Server) handleRegister(conn net.Conn, requester string, payload map[string]any) {
	target, _ := payload["peer_id"].(string)
	if requester == "" || target == "" || requester == target {
		s.sendError(conn, ReasonInvalidRequest)
		return
	}
	if !s.Volunteer {
		s.sendError(conn, ReasonNotVolunteering)
		return
	}

	s.mu.Lock()
	if len(s.sessions) >= s.MaxPeers {
		s.mu.Unlock()
		s.sendError(conn, ReasonNotVolunteering)
		return
	}
	s.conns[requester] = conn

	intent, ok := s.waiting[target]
	if ok && intent.wants == requester && time.Now().Before(intent.expires) {
		delete(s.waiting, target)
		sess := &Session{
			SessionID:    "sess-" + uuid.NewString(),
			RelayID:      s.SelfID,
			PeerA:        target,
			PeerB:        requester,
			CreatedAt:    time.Now(),
			LastActivity: time.Now(),
		}
		s.sessions[sess.SessionID] = sess
		s.byPeer[target] = sess.SessionID
		s.byPeer[requester] = sess.SessionID
		otherConn := intent.conn
		sessionCount := len(s.sessions)
		s.mu.Unlock()
		s.metrics.SetRelaySessions(sessionCount)

		ready := func(to net.Conn, peer string) {
			_ = writeFrame(to, map[string]any{
				"command": "RELAY_READY",
				"payload": map[string]any{"session_id": sess.SessionID, "peer": peer},
			})
		}
		ready(conn, target)
		ready(otherConn, requester)
		s.logger.Info("relay server: session established", "session", sess.SessionID, "peer_a", sess.PeerA, "peer_b", sess.PeerB)
		return
	}

	s.waiting[requester] = waitingIntent{wants: target, conn: conn, expires: time.Now().Add(s.WaitingTimeout)}
	s.mu.Unlock()

	_ = writeFrame(conn, map[string]any{
		"command": "RELAY_WAITING",
		"payload": map[string]any{"timeout": s.WaitingTimeout.Seconds()},
	})
}

// handleMessage forwards the decoded frame, re-encoded as JSON but otherwise
// unchanged, to the other peer of the session; the inner message is never
// modified.
func (s *Server) handleMessage(conn net.Conn, boundID string, frame, payload map[string]any) {
	from, _ := payload["from"].(string)
	to, _ := payload["to"].(string)
	sessionID, _ := payload["session_id"].(string)

	if boundID == "" || from != boundID {
		s.sendError(conn, ReasonInvalidRequest)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.hasPeer(from) || !sess.hasPeer(to) {
		s.mu.Unlock()
		s.sendError(conn, ReasonInvalidRequest)
		return
	}
	lim, ok := s.limiters[from]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.MsgRatePerSecond), s.MsgRatePerSecond)
		s.limiters[from] = lim
	}
	if !lim.Allow() {
		s.mu.Unlock()
		s.sendError(conn, ReasonRateLimitExceeded)
		return
	}
	dest, haveDest := s.conns[to]
	s.mu.Unlock()

	if !haveDest {
		s.sendError(conn, ReasonInvalidRequest)
		return
	}

	if err := writeFrame(dest, frame); err != nil {
		s.logger.Debug("relay server: forward failed", "session", sessionID, "to", to, "error", err)
		return
	}

	size := approxFrameSize(frame)
	s.mu.Lock()
	sess.LastActivity = time.Now()
	sess.MessagesRelayed++
	sess.BytesRelayed += size
	s.messagesRelayed++
	s.bytesRelayed += size
	s.mu.Unlock()
	s.metrics.ObserveRelayForward(size)
}

func (s *Server) handleDisconnect(conn net.Conn, boundID string, payload map[string]any) {
	sessionID, _ := payload["session_id"].(string)
	reason, _ := payload["reason"].(string)

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || boundID == "" || !sess.hasPeer(boundID) {
		s.mu.Unlock()
		s.sendError(conn, ReasonInvalidRequest)
		return
	}
	other := sess.otherPeer(boundID)
	otherConn := s.conns[other]
	delete(s.sessions, sessionID)
	delete(s.byPeer, sess.PeerA)
	delete(s.byPeer, sess.PeerB)
	sessionCount := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetRelaySessions(sessionCount)

	_ = writeFrame(conn, map[string]any{
		"command": "RELAY_DISCONNECT_ACK",
		"payload": map[string]any{"session_id": sessionID},
	})
	if otherConn != nil {
		_ = writeFrame(otherConn, map[string]any{
			"command": "RELAY_DISCONNECT",
			"payload": map[string]any{"peer": boundID, "session_id": sessionID, "reason": reason},
		})
	}
	s.logger.Info("relay server: session closed", "session", sessionID, "by", boundID, "reason", reason)
}

// dropPeer tears down any session and waiting intent a disconnected peer
// participated in, notifying the other side.
func (s *Server) dropPeer(peerID string) {
	s.mu.Lock()
	delete(s.conns, peerID)
	delete(s.waiting, peerID)
	delete(s.limiters, peerID)
	sessionID, ok := s.byPeer[peerID]
	var otherConn net.Conn
	var other string
	if ok {
		if sess, exists := s.sessions[sessionID]; exists {
			other = sess.otherPeer(peerID)
			otherConn = s.conns[other]
			delete(s.sessions, sessionID)
			delete(s.byPeer, sess.PeerA)
			delete(s.byPeer, sess.PeerB)
		}
	}
	sessionCount := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetRelaySessions(sessionCount)

	if otherConn != nil {
		_ = writeFrame(otherConn, map[string]any{
			"command": "RELAY_DISCONNECT",
			"payload": map[string]any{"peer": peerID, "session_id": sessionID, "reason": "peer_lost"},
		})
	}
}

func (s *Server) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Server) sweepStale() {
	now := time.Now()
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.Stale(now, s.StaleAfter) {
			delete(s.sessions, id)
			delete(s.byPeer, sess.PeerA)
			delete(s.byPeer, sess.PeerB)
			s.logger.Info("relay server: stale session removed", "session", id)
		}
	}
	for id, intent := range s.waiting {
		if now.After(intent.expires) {
			delete(s.waiting, id)
		}
	}
	sessionCount := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetRelaySessions(sessionCount)
}

func (s *Server) sendError(conn net.Conn, reason string) {
	_ = writeFrame(conn, map[string]any{
		"command": "ERROR",
		"payload": map[string]any{"reason": reason},
	})
}

func approxFrameSize(frame map[string]any) int64 {
	// Approximates the size of the inner message only: key lengths plus string
	// value lengths, and 8 bytes for each non-string value. The envelope and
	// the frame header are not counted.
	p, _ := frame["payload"].(map[string]any)
	msg, _ := p["message"].(map[string]any)
	var n int64
	for k, v := range msg {
		n += int64(len(k))
		if sv, ok := v.(string); ok {
			n += int64(len(sv))
		} else {
			n += 8
		}
	}
	return n
}
