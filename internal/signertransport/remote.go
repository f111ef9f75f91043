package signertransport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/duskbeacon/nsite/internal/records"
)

// RemoteSigner adapts a Client to the signer.Signer interface, dispatching
// get_public_key and sign_event calls to whatever process holds the
// publisher's private key on the other end of the envelope.
type RemoteSigner struct {
	client *Client
	pubKey [32]byte
	cached bool
}

// NewRemoteSigner wraps an already-dialed Client.
func NewRemoteSigner(client *Client) *RemoteSigner {
	return &RemoteSigner{client: client}
}

// PublicKey asks the remote signer for its identity, once, caching the
// result for subsequent calls.
func (r *RemoteSigner) PublicKey(ctx context.Context) ([32]byte, error) {
	if r.cached {
		return r.pubKey, nil
	}
	result, err := r.client.Call(ctx, "get_public_key")
	if err != nil {
		return [32]byte{}, fmt.Errorf("get_public_key: %w", err)
	}
	raw, err := hex.DecodeString(result)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("get_public_key: malformed response %q", result)
	}
	copy(r.pubKey[:], raw)
	r.cached = true
	return r.pubKey, nil
}

// Sign asks the remote signer to produce a finished record from tmpl. The
// remote side is trusted to hold the private key; the response is the
// finished record encoded as JSON.
func (r *RemoteSigner) Sign(ctx context.Context, tmpl records.Template) (*records.Record, error) {
	tmplJSON, err := json.Marshal(tmpl)
	if err != nil {
		return nil, fmt.Errorf("marshal template: %w", err)
	}
	result, err := r.client.Call(ctx, "sign_event", string(tmplJSON))
	if err != nil {
		return nil, fmt.Errorf("sign_event: %w", err)
	}
	var rec records.Record
	if err := json.Unmarshal([]byte(result), &rec); err != nil {
		return nil, fmt.Errorf("sign_event: malformed response: %w", err)
	}
	if err := records.Verify(&rec); err != nil {
		return nil, fmt.Errorf("sign_event: signer returned an invalid record: %w", err)
	}
	return &rec, nil
}

// Connect performs the initial handshake with the remote signer, optionally
// presenting secret (issued out of band when the pairing was established).
// Bunkers that don't require a secret accept an empty string.
func (r *RemoteSigner) Connect(ctx context.Context, secret string) error {
	result, err := r.client.Call(ctx, "connect", hex.EncodeToString(r.client.remotePubKey[:]), secret)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if result != "ack" {
		return fmt.Errorf("connect: unexpected response %q", result)
	}
	return nil
}

// Ping checks that the remote signer is reachable and responsive.
func (r *RemoteSigner) Ping(ctx context.Context) error {
	result, err := r.client.Call(ctx, "ping")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if result != "pong" {
		return fmt.Errorf("ping: unexpected response %q", result)
	}
	return nil
}

// Close releases the underlying connection.
func (r *RemoteSigner) Close() error {
	return r.client.Close()
}
