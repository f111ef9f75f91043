// Package signer turns a records.Template into a finished, signed
// records.Record. Two variants share one interface: a local Ed25519 key
// (pure computation) and a remote-interactive signer reached over relays
// (internal/signertransport). The key-loading shape follows
// internal/dht/keypair.go's LoadOrGenerateKeypair.
package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"runtime"

	"github.com/duskbeacon/nsite/internal/records"
)

// Signer produces signed records from templates. Calls may suspend (the
// remote variant) but never reorder requests made by the same caller.
type Signer interface {
	PublicKey(ctx context.Context) ([32]byte, error)
	Sign(ctx context.Context, tmpl records.Template) (*records.Record, error)
}

// secret holds a private key in a slice that is explicitly zeroed when the
// signer is closed: a minimal manual implementation rather than a
// fabricated dependency.
type secret struct {
	priv ed25519.PrivateKey
}

func (s *secret) zero() {
	for i := range s.priv {
		s.priv[i] = 0
	}
	runtime.KeepAlive(s.priv)
}

// Local is the local-key Signer variant: pure computation, no I/O once
// constructed. It fails only on a malformed private key at construction,
// or in Sign when ctx is already done.
type Local struct {
	pub ed25519.PublicKey
	sec *secret
}

// NewLocal constructs a Local signer from a raw 64-byte Ed25519 private key.
func NewLocal(priv ed25519.PrivateKey) (*Local, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: invalid private key size %d, want %d", len(priv), ed25519.PrivateKeySize)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signer: could not derive public key")
	}
	cp := make(ed25519.PrivateKey, len(priv))
	copy(cp, priv)
	return &Local{pub: pub, sec: &secret{priv: cp}}, nil
}

// LoadOrGenerateLocal loads a 32-byte Ed25519 seed from keyPath, or
// generates and persists a new one if the file doesn't exist. Modeled
// directly on internal/dht/keypair.go's LoadOrGenerateKeypair.
func LoadOrGenerateLocal(keyPath string) (*Local, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != ed25519.SeedSize {
			return nil, fmt.Errorf("signer: key file %s has %d bytes, want %d", keyPath, len(data), ed25519.SeedSize)
		}
		return NewLocal(ed25519.NewKeyFromSeed(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("signer: read key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("signer: generate keypair: %w", err)
	}
	if err := os.WriteFile(keyPath, priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("signer: write key file: %w", err)
	}
	cp := make(ed25519.PrivateKey, len(priv))
	copy(cp, priv)
	return &Local{pub: pub, sec: &secret{priv: cp}}, nil
}

// PublicKey returns the signer's 32-byte identity.
func (l *Local) PublicKey(ctx context.Context) ([32]byte, error) {
	var out [32]byte
	copy(out[:], l.pub)
	return out, nil
}

// Sign fills in the publisher identity, computes the canonical identifier,
// and produces the signature. It never suspends.
func (l *Local) Sign(ctx context.Context, tmpl records.Template) (*records.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records.Finalize(l.pub, l.sec.priv, tmpl)
}

// Close zeroes the held private key material. After Close, Sign must not be
// called again.
func (l *Local) Close() {
	l.sec.zero()
}
