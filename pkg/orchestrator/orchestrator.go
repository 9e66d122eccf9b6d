// Package orchestrator iterates the connection strategies in priority order
// under an overall deadline, recording per-strategy statistics and attempt
// history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mikhashev/dpc-core/internal/metrics"
	"github.com/mikhashev/dpc-core/pkg/dht"
	"github.com/mikhashev/dpc-core/pkg/peerconn"
	"github.com/mikhashev/dpc-core/pkg/strategy"
)

// DefaultOverallTimeout bounds one Connect call across all strategies.
const DefaultOverallTimeout = 30 * time.Second

// historyDepth is how many recent attempts are retained per peer.
const historyDepth = 32

// EndpointResolver is the slice of *dht.Manager the orchestrator needs.
type EndpointResolver interface {
	FindPeerFull(ctx context.Context, target string) (*dht.PeerEndpoint, error)
}

// ConnectionFailed is the user-visible failure when every strategy was
// exhausted The per-strategy attempt history is available
// via History.
type ConnectionFailed struct {
	NodeID       string
	LastStrategy string
	LastErr      error
}

func (e *ConnectionFailed) Error() string {
	if e.LastStrategy == "" {
		return fmt.Sprintf("orchestrator: connect %s: %v", e.NodeID, e.LastErr)
	}
	return fmt.Sprintf("orchestrator: connect %s: all strategies failed, last %s: %v", e.NodeID, e.LastStrategy, e.LastErr)
}

func (e *ConnectionFailed) Unwrap() error { return e.LastErr }

// Attempt is one recorded strategy attempt for diagnostics.
type Attempt struct {
	NodeID   string
	Strategy string
	Start    time.Time
	Duration time.Duration
	Err      string
	Success  bool
}

// Stats is a snapshot of orchestrator counters.
type Stats struct {
	Attempts    int64
	Successes   int64
	Failures    int64
	PerStrategy map[string]int64
	Active      []string
}

// Orchestrator tries strategies in priority order until one yields a
// connection or the overall deadline expires.
type Orchestrator struct {
	Resolver       EndpointResolver
	OverallTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	strategies []strategy.Strategy

	mu          sync.Mutex
	attempts    int64
	successes   int64
	failures    int64
	perStrategy map[string]int64
	history     map[string][]Attempt
}

// New builds an orchestrator over the given strategies, sorted by priority
// ascending. A nil logger falls back to slog.Default(); metrics may be nil.
func New(resolver EndpointResolver, strategies []strategy.Strategy, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := append([]strategy.Strategy(nil), strategies...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &Orchestrator{
		Resolver:       resolver,
		OverallTimeout: DefaultOverallTimeout,
		logger:         logger,
		metrics:        m,
		strategies:     sorted,
		perStrategy:    make(map[string]int64),
		history:        make(map[string][]Attempt),
	}
}

// Strategies returns the configured strategy names in priority order.
func (o *Orchestrator) Strategies() []string {
	out := make([]string, len(o.strategies))
	for i, s := range o.strategies {
		out[i] = s.Name()
	}
	return out
}

// Connect resolves nodeID's endpoint record and walks the strategies in
// priority order under the overall deadline.
func (o *Orchestrator) Connect(ctx context.Context, nodeID string) (peerconn.Conn, error) {
	ep, err := o.Resolver.FindPeerFull(ctx, nodeID)
	if err != nil {
		o.mu.Lock()
		o.failures++
		o.mu.Unlock()
		return nil, &ConnectionFailed{NodeID: nodeID, LastErr: fmt.Errorf("peer not announced: %w", err)}
	}

	start := time.Now()
	var lastErr error
	var lastStrategy string

	for _, s := range o.strategies {
		remaining := o.OverallTimeout - time.Since(start)
		if remaining <= 0 {
			break
		}
		if !s.IsApplicable(ep) {
			continue
		}

		budget := s.Timeout()
		if remaining < budget {
			budget = remaining
		}
		attemptCtx, cancel := context.WithTimeout(ctx, budget)
		attemptStart := time.Now()
		conn, err := s.Connect(attemptCtx, nodeID, ep)
		cancel()
		elapsed := time.Since(attemptStart)

		if errors.Is(err, strategy.ErrNotApplicable) {
			continue
		}

		o.recordAttempt(Attempt{
			NodeID:   nodeID,
			Strategy: s.Name(),
			Start:    attemptStart,
			Duration: elapsed,
			Err:      errString(err),
			Success:  err == nil,
		})

		if err != nil {
			o.metrics.ObserveConnectAttempt(s.Name(), "failure", elapsed.Seconds())
			o.logger.Debug("orchestrator: strategy failed", "peer", nodeID, "strategy", s.Name(), "error", err)
			lastErr = err
			lastStrategy = s.Name()
			continue
		}

		o.metrics.ObserveConnectAttempt(s.Name(), "success", elapsed.Seconds())
		o.mu.Lock()
		o.successes++
		o.perStrategy[s.Name()]++
		o.mu.Unlock()
		o.logger.Info("orchestrator: connected", "peer", nodeID, "strategy", s.Name(), "elapsed", elapsed)
		return conn, nil
	}

	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
	if lastErr == nil {
		lastErr = fmt.Errorf("no applicable strategy")
	}
	return nil, &ConnectionFailed{NodeID: nodeID, LastStrategy: lastStrategy, LastErr: lastErr}
}

func (o *Orchestrator) recordAttempt(a Attempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	h := append(o.history[a.NodeID], a)
	if len(h) > historyDepth {
		h = h[len(h)-historyDepth:]
	}
	o.history[a.NodeID] = h
}

// History returns the recent attempts recorded for nodeID, oldest first.
func (o *Orchestrator) History(nodeID string) []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Attempt(nil), o.history[nodeID]...)
}

// Stats returns a snapshot of the counters and strategy usage histogram.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	per := make(map[string]int64, len(o.perStrategy))
	for k, v := range o.perStrategy {
		per[k] = v
	}
	return Stats{
		Attempts:    o.attempts,
		Successes:   o.successes,
		Failures:    o.failures,
		PerStrategy: per,
		Active:      o.Strategies(),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
