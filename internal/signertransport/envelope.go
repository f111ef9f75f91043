// Package signertransport talks to a remote-interactive signer over a relay
// using an encrypted kind-24133 envelope. Key agreement is ECDH over
// curve25519, the shared secret is expanded with HKDF, and frames are
// sealed with ChaCha20-Poly1305, all from golang.org/x/crypto (see
// DESIGN.md for why this construction replaces a bespoke cipher).
package signertransport

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "nsite-signer-envelope-v1"

// SharedSecret derives a 32-byte symmetric key from a local private scalar
// and a remote public point via X25519, expanded with HKDF-SHA256.
func SharedSecret(localPriv, remotePub [32]byte) ([32]byte, error) {
	var shared [32]byte
	point, err := curve25519.X25519(localPriv[:], remotePub[:])
	if err != nil {
		return shared, fmt.Errorf("x25519: %w", err)
	}

	kdf := hkdf.New(sha256.New, point, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, shared[:]); err != nil {
		return shared, fmt.Errorf("hkdf expand: %w", err)
	}
	return shared, nil
}

// Seal encrypts plaintext under key, returning base64(nonce||ciphertext).
func Seal(key [32]byte, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64(nonce||ciphertext) string produced by Seal.
func Open(key [32]byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}

// GenerateKeypair produces a fresh X25519 private/public pair for the
// transport's own end of the envelope (distinct from the record-signing
// identity).
func GenerateKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("random scalar: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive public: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}
