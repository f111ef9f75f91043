package signertransport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/duskbeacon/nsite/internal/signer"
)

// Credential is the opaque blob a pairing flow mints: the remote signer's
// identity, a relay set to reach it on, an optional secret, and the X25519
// session keypair negotiated during pairing. Loading one reconstitutes a
// ready-to-use RemoteSigner without repeating the pairing handshake.
type Credential struct {
	RemotePubKey [32]byte
	RemoteXPub   [32]byte
	LocalXPriv   [32]byte
	LocalXPub    [32]byte
	Relays       []string
	Secret       string
}

// EncodeCredential serializes cred as a single base64(JSON) string suitable
// for storage in a config file or environment variable.
func EncodeCredential(cred Credential) (string, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCredential parses a blob produced by EncodeCredential.
func DecodeCredential(blob string) (Credential, error) {
	var cred Credential
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return cred, fmt.Errorf("decode credential: %w", err)
	}
	if err := json.Unmarshal(data, &cred); err != nil {
		return cred, fmt.Errorf("unmarshal credential: %w", err)
	}
	return cred, nil
}

// LoadRemoteSigner dials the first reachable relay in cred.Relays, performs
// the connect handshake, and returns a ready RemoteSigner. Minting a
// Credential is the pairing flow's job and stays outside the core; this is
// the counterpart that consumes one.
func LoadRemoteSigner(ctx context.Context, cred Credential, local signer.Signer) (*RemoteSigner, error) {
	var lastErr error
	for _, relayURL := range cred.Relays {
		client, err := Dial(ctx, relayURL, local, cred.LocalXPriv, cred.LocalXPub, cred.RemotePubKey, cred.RemoteXPub)
		if err != nil {
			lastErr = err
			continue
		}
		rs := NewRemoteSigner(client)
		if err := rs.Connect(ctx, cred.Secret); err != nil {
			client.Close()
			lastErr = err
			continue
		}
		return rs, nil
	}
	return nil, fmt.Errorf("load remote signer: no relay reachable: %w", lastErr)
}
