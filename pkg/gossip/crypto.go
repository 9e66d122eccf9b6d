package gossip

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptionFailed wraps any authentication or unwrap failure during
// Decrypt "GCM authentication failure is fatal."
var ErrDecryptionFailed = errors.New("gossip: hybrid decryption failed")

const (
	aesKeySize   = 32 // 256-bit AES-GCM key
	gcmNonceSize = 12 // 96-bit nonce
)

// EncryptHybrid seals a payload for one recipient: a fresh
// 256-bit AES-GCM key and 96-bit nonce encrypt payload; the AES key is then
// wrapped under RSA-OAEP/SHA-256 for peerPublicKey. The output framing is
// rsa_keylen (4 bytes BE) || rsa_wrapped_key || nonce || ciphertext+tag.
func EncryptHybrid(payload []byte, peerPublicKey *rsa.PublicKey) ([]byte, error) {
	aesKey := make([]byte, aesKeySize)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return nil, fmt.Errorf("gossip: generate aes key: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("gossip: generate nonce: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("gossip: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("gossip: new gcm: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, payload, nil) // includes the auth tag

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerPublicKey, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("gossip: rsa-oaep wrap aes key: %w", err)
	}

	out := make([]byte, 0, 4+len(wrappedKey)+len(nonce)+len(ciphertext))
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(wrappedKey)))
	out = append(out, lenBuf...)
	out = append(out, wrappedKey...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptHybrid reverses EncryptHybrid: it unwraps the AES key via RSA-OAEP
// under myPrivateKey, then AES-GCM-decrypts and authenticates the
// ciphertext. Any single-bit alteration of ciphertext or tag, or of the
// wrapped key, produces ErrDecryptionFailed.
func DecryptHybrid(blob []byte, myPrivateKey *rsa.PrivateKey) ([]byte, error) {
	if len(blob) < 4 {
		return nil, ErrDecryptionFailed
	}
	keyLen := int(binary.BigEndian.Uint32(blob[:4]))
	rest := blob[4:]
	if keyLen < 0 || keyLen > len(rest) {
		return nil, ErrDecryptionFailed
	}
	wrappedKey := rest[:keyLen]
	rest = rest[keyLen:]
	if len(rest) < gcmNonceSize {
		return nil, ErrDecryptionFailed
	}
	nonce := rest[:gcmNonceSize]
	ciphertext := rest[gcmNonceSize:]

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, myPrivateKey, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: rsa-oaep unwrap: %v", ErrDecryptionFailed, err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: aes cipher: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm authentication: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
