package peerconn

import (
	"fmt"

	"github.com/mikhashev/dpc-core/pkg/dtlsconn"
)

// DTLSConn is a peer connection backed by an authenticated DTLS session over
// a hole-punched UDP socket.
type DTLSConn struct {
	conn *dtlsconn.Conn
}

// NewDTLSConn wraps an established *dtlsconn.Conn as a peerconn.Conn.
func NewDTLSConn(conn *dtlsconn.Conn) *DTLSConn {
	return &DTLSConn{conn: conn}
}

func (c *DTLSConn) NodeID() string       { return c.conn.PeerNodeID() }
func (c *DTLSConn) Transport() Transport { return TransportUDPDTLS }
func (c *DTLSConn) StrategyUsed() string { return "udp_hole_punch" }
func (c *DTLSConn) Close() error         { return c.conn.Close() }

func (c *DTLSConn) Send(msg Message) error {
	body, err := EncodeJSON(msg)
	if err != nil {
		return err
	}
	if err := c.conn.WriteFrame(body); err != nil {
		return fmt.Errorf("peerconn: dtls write: %w", err)
	}
	return nil
}

func (c *DTLSConn) Read() (Message, error) {
	body, err := c.conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("peerconn: dtls read: %w", err)
	}
	return DecodeJSON(body)
}
