package gossip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mikhashev/dpc-core/pkg/peerconn"
)

// ErrReadTimeout is returned by Conn.Read when no message arrives within
// the configured poll window.
var ErrReadTimeout = errors.New("gossip: read timed out waiting for delivery")

// ErrConnClosed is returned by Send/Read after Close.
var ErrConnClosed = errors.New("gossip: connection closed")

// Conn is the virtual store-and-forward peer connection
// (gossip_store_forward): Send hands off to the gossip manager's epidemic
// forwarding instead of any direct transport, and Read waits on a queue fed
// by the manager's delivery callback
type Conn struct {
	peerID string
	mgr    *Manager
	poll   time.Duration

	mu     sync.Mutex
	queue  []peerconn.Message
	notify chan struct{}
	closed bool
}

var _ peerconn.Conn = (*Conn)(nil)

// NewConn registers a delivery callback on mgr for peerID and returns a
// peerconn.Conn backed by it. Close unregisters the callback.
func NewConn(mgr *Manager, peerID string) *Conn {
	c := &Conn{
		peerID: peerID,
		mgr:    mgr,
		poll:   DefaultReceivePoll,
		notify: make(chan struct{}, 1),
	}
	mgr.RegisterDeliveryCallback(peerID, c.onDeliver)
	return c
}

func (c *Conn) onDeliver(_ string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, peerconn.Message(payload))
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) NodeID() string                { return c.peerID }
func (c *Conn) Transport() peerconn.Transport { return peerconn.TransportGossip }
func (c *Conn) StrategyUsed() string          { return "gossip_store_forward" }

func (c *Conn) Send(msg peerconn.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.mu.Unlock()
	_, err := c.mgr.SendGossip(context.Background(), c.peerID, map[string]any(msg), c.mgr.DefaultPriority)
	return err
}

func (c *Conn) Read() (peerconn.Message, error) {
	deadline := time.NewTimer(c.poll)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConnClosed
		}
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
			continue
		case <-deadline.C:
			return nil, ErrReadTimeout
		}
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.mgr.UnregisterDeliveryCallback(c.peerID)
	return nil
}
