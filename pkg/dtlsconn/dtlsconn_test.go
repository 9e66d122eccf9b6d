package dtlsconn

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikhashev/dpc-core/internal/identity"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	dir := t.TempDir()
	id, err := identity.Generate(filepath.Join(dir, "node.key"), filepath.Join(dir, "node.crt"))
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return id
}

func udpPair(t *testing.T) (a, b *net.UDPConn, aAddr, bAddr *net.UDPAddr) {
	t.Helper()
	mk := func() *net.UDPConn {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("listen udp: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	a, b = mk(), mk()
	aAddr = a.LocalAddr().(*net.UDPAddr)
	bAddr = b.LocalAddr().(*net.UDPAddr)
	return a, b, aAddr, bAddr
}

func TestHandshakeAndFrameRoundTrip(t *testing.T) {
	client := testIdentity(t)
	server := testIdentity(t)
	cSock, sSock, cAddr, sAddr := udpPair(t)

	type acceptResult struct {
		conn *Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := Accept(context.Background(), sSock, cAddr, server.TLSCert, client.NodeID, 5*time.Second)
		acceptCh <- acceptResult{conn, err}
	}()

	clientConn, err := Dial(context.Background(), cSock, sAddr, client.TLSCert, server.NodeID, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	res := <-acceptCh
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	serverConn := res.conn

	if clientConn.PeerNodeID() != server.NodeID {
		t.Fatalf("client sees peer %q, want %q", clientConn.PeerNodeID(), server.NodeID)
	}

	payload := []byte(`{"command":"HELLO","payload":{}}`)
	if err := clientConn.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := serverConn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("frame mangled: %q", got)
	}

	// And the reverse direction.
	if err := serverConn.WriteFrame([]byte(`{"command":"HELLO_ACK"}`)); err != nil {
		t.Fatalf("server WriteFrame: %v", err)
	}
	if _, err := clientConn.ReadFrame(); err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}

	clientConn.Close()
	serverConn.Close()
}

func TestHandshakeRejectsWrongNodeID(t *testing.T) {
	client := testIdentity(t)
	server := testIdentity(t)
	cSock, sSock, cAddr, sAddr := udpPair(t)

	go func() {
		// The server expects the client's real ID; the client expects an ID
		// the server does not hold.
		_, _ = Accept(context.Background(), sSock, cAddr, server.TLSCert, client.NodeID, 2*time.Second)
	}()

	wrongID := "node-00000000000000000000000000000bad"
	if _, err := Dial(context.Background(), cSock, sAddr, client.TLSCert, wrongID, 2*time.Second); err == nil {
		t.Fatal("handshake succeeded against a peer with the wrong CN")
	}
}
