// Package identity loads the persistent node key and certificate (node.key /
// node.crt) that every transport layer authenticates with. The certificate's
// Common Name is the node ID; the RSA key doubles as the hybrid-encryption
// unwrap key for gossip payloads.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// NodeIDPrefix matches pkg/nodeid's textual form: node-<32 hex>.
const NodeIDPrefix = "node-"

const rsaKeyBits = 2048

// Identity is the loaded node identity: the textual node ID, the TLS
// certificate used by every authenticated transport (direct TLS, DTLS), the
// raw RSA private key for gossip hybrid decryption, and the certificate PEM
// published to the DHT under cert:<node_id>.
type Identity struct {
	NodeID     string
	TLSCert    tls.Certificate
	PrivateKey *rsa.PrivateKey
	CertPEM    []byte
}

// NodeIDFromPublicKey derives the textual node ID from an RSA public key:
// node- followed by the first 16 bytes of the key's SHA-256, hex-encoded.
func NodeIDFromPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("identity: marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return NodeIDPrefix + hex.EncodeToString(sum[:16]), nil
}

// Load reads node.key and node.crt from disk. The returned identity's NodeID
// is the certificate's Common Name. Missing files are a configuration error;
// use LoadOrGenerate when first-run generation is wanted.
func Load(keyFile, certFile string) (*Identity, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("identity: load keypair: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("identity: parse certificate: %w", err)
	}
	cert.Leaf = leaf

	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity: node key is not RSA")
	}

	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("identity: read certificate: %w", err)
	}

	nodeID := leaf.Subject.CommonName
	if len(nodeID) != len(NodeIDPrefix)+32 || nodeID[:len(NodeIDPrefix)] != NodeIDPrefix {
		return nil, fmt.Errorf("identity: certificate CN %q is not a node ID", nodeID)
	}

	return &Identity{NodeID: nodeID, TLSCert: cert, PrivateKey: priv, CertPEM: certPEM}, nil
}

// LoadOrGenerate loads an existing identity, or generates and persists a
// fresh one (overwriting any certificate file) when the key file does not
// exist yet.
func LoadOrGenerate(keyFile, certFile string) (*Identity, error) {
	if _, err := os.Stat(keyFile); err == nil {
		return Load(keyFile, certFile)
	}
	return Generate(keyFile, certFile)
}

// Generate creates a new RSA key and a self-signed certificate whose Common
// Name is the derived node ID, writes both to disk, and returns the loaded
// identity.
func Generate(keyFile, certFile string) (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	nodeID, err := NodeIDFromPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("identity: serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: nodeID},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("identity: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	for _, f := range []string{keyFile, certFile} {
		if dir := filepath.Dir(f); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("identity: mkdir %s: %w", dir, err)
			}
		}
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("identity: write key: %w", err)
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("identity: write certificate: %w", err)
	}

	return Load(keyFile, certFile)
}
