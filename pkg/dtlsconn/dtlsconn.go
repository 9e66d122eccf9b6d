// Package dtlsconn upgrades a punched UDP socket into a mutual-auth DTLS
// 1.2+ session, validating the peer certificate's Common
// Name against the expected node ID.
package dtlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
)

// DefaultHandshakeTimeout is the DTLS handshake budget.
const DefaultHandshakeTimeout = 3 * time.Second

// HeaderLen is the fixed ASCII-decimal length-prefix size used for framing
// messages over the DTLS session
const HeaderLen = 10

// ErrCertificateMismatch is returned when the peer certificate's Common
// Name does not exactly equal the expected node ID. This aborts the DTLS
// attempt; the caller must close the underlying UDP socket
// and never retry the handshake on the same socket.
var ErrCertificateMismatch = errors.New("dtlsconn: peer certificate CN does not match expected node id")

// ErrFrameTooLarge is returned when a framed read's length header exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("dtlsconn: frame exceeds maximum size")

// MaxFrameSize bounds a single framed message body.
const MaxFrameSize = 1 << 20

// packetConn adapts an already-bound, unconnected *net.UDPConn plus a fixed
// remote address into a net.Conn, which is what pion/dtls requires. This
// lets a hole-punched socket (still bound, not dialed) be handed directly
// to the DTLS layer without rebinding.
type packetConn struct {
	udp    *net.UDPConn
	remote *net.UDPAddr
}

func (p *packetConn) Read(b []byte) (int, error) {
	for {
		n, addr, err := p.udp.ReadFromUDP(b)
		if err != nil {
			return 0, err
		}
		if addr.IP.Equal(p.remote.IP) && addr.Port == p.remote.Port {
			return n, nil
		}
		// Datagram from someone else sharing this socket; ignore and retry.
	}
}

func (p *packetConn) Write(b []byte) (int, error) { return p.udp.WriteToUDP(b, p.remote) }
func (p *packetConn) Close() error                { return nil } // caller owns the UDP socket's lifecycle
func (p *packetConn) LocalAddr() net.Addr         { return p.udp.LocalAddr() }
func (p *packetConn) RemoteAddr() net.Addr        { return p.remote }
func (p *packetConn) SetDeadline(t time.Time) error {
	return p.udp.SetDeadline(t)
}
func (p *packetConn) SetReadDeadline(t time.Time) error  { return p.udp.SetReadDeadline(t) }
func (p *packetConn) SetWriteDeadline(t time.Time) error { return p.udp.SetWriteDeadline(t) }

// Conn is an established, authenticated DTLS session over a punched UDP
// socket, framed (10-byte ASCII length header + UTF-8
// JSON body).
type Conn struct {
	dtls       *dtls.Conn
	underlying *net.UDPConn
	peerNodeID string
}

// PeerNodeID returns the expected/verified node ID of the remote peer.
func (c *Conn) PeerNodeID() string { return c.peerNodeID }

// Close sends the DTLS close-alert. The underlying UDP socket is not
// closed by this layer; the caller owns that.
func (c *Conn) Close() error { return c.dtls.Close() }

// WriteFrame writes a single length-prefixed message.
func (c *Conn) WriteFrame(body []byte) error {
	header := fmt.Sprintf("%010d", len(body))
	if _, err := c.dtls.Write([]byte(header)); err != nil {
		return fmt.Errorf("dtlsconn: write header: %w", err)
	}
	if _, err := c.dtls.Write(body); err != nil {
		return fmt.Errorf("dtlsconn: write body: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one length-prefixed message.
func (c *Conn) ReadFrame() ([]byte, error) {
	header := make([]byte, HeaderLen)
	if err := readFull(c.dtls, header); err != nil {
		return nil, fmt.Errorf("dtlsconn: read header: %w", err)
	}
	var n int
	if _, err := fmt.Sscanf(string(header), "%d", &n); err != nil {
		return nil, fmt.Errorf("dtlsconn: parse header: %w", err)
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if err := readFull(c.dtls, body); err != nil {
		return nil, fmt.Errorf("dtlsconn: read body: %w", err)
	}
	return body, nil
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := r.Read(buf[off:])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// buildConfig assembles the shared dtls.Config used by both Client and
// Server: ECDHE (forward-secret) cipher suites with the AES-GCM ones listed
// first plus one ECDHE-ECDSA CBC suite, a required client certificate, and a
// certificate-CN verification callback enforcing expectedPeerNodeID.
func buildConfig(cert tls.Certificate, expectedPeerNodeID string, handshakeTimeout time.Duration) *dtls.Config {
	return &dtls.Config{
		Certificates: []tls.Certificate{cert},
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
		},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ClientAuth:           dtls.RequireAnyClientCert,
		InsecureSkipVerify:   true, // identity is checked below, not via a CA chain
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPeerCertificateCN(rawCerts, expectedPeerNodeID)
		},
		FlightInterval: 500 * time.Millisecond,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), handshakeTimeout)
		},
	}
}

func verifyPeerCertificateCN(rawCerts [][]byte, expectedPeerNodeID string) error {
	if len(rawCerts) == 0 {
		return ErrCertificateMismatch
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("dtlsconn: parse peer certificate: %w", err)
	}
	if cert.Subject.CommonName != expectedPeerNodeID {
		return ErrCertificateMismatch
	}
	return nil
}

// Dial performs the DTLS client handshake over a punched UDP socket,
// verifying the peer's certificate CN equals expectedPeerNodeID.
func Dial(ctx context.Context, udpConn *net.UDPConn, remote *net.UDPAddr, cert tls.Certificate, expectedPeerNodeID string, handshakeTimeout time.Duration) (*Conn, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	pc := &packetConn{udp: udpConn, remote: remote}
	cfg := buildConfig(cert, expectedPeerNodeID, handshakeTimeout)

	_, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := dtls.Client(pc, cfg)
	if err != nil {
		return nil, fmt.Errorf("dtlsconn: client handshake: %w", err)
	}
	return &Conn{dtls: conn, underlying: udpConn, peerNodeID: expectedPeerNodeID}, nil
}

// Accept performs the DTLS server handshake over a punched UDP socket,
// verifying the peer's certificate CN equals expectedPeerNodeID.
func Accept(ctx context.Context, udpConn *net.UDPConn, remote *net.UDPAddr, cert tls.Certificate, expectedPeerNodeID string, handshakeTimeout time.Duration) (*Conn, error) {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	pc := &packetConn{udp: udpConn, remote: remote}
	cfg := buildConfig(cert, expectedPeerNodeID, handshakeTimeout)

	_, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := dtls.Server(pc, cfg)
	if err != nil {
		return nil, fmt.Errorf("dtlsconn: server handshake: %w", err)
	}
	return &Conn{dtls: conn, underlying: udpConn, peerNodeID: expectedPeerNodeID}, nil
}
