package signertransport

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskbeacon/nsite/internal/records"
	"github.com/duskbeacon/nsite/internal/relay/relaytest"
	"github.com/duskbeacon/nsite/internal/signer"
)

// runFakeBunker answers connect, get_public_key, sign_event, and ping
// requests addressed to it, standing in for a real remote-interactive
// signer process during tests. It shares the same encryption keys the test
// wires up manually, in place of an out-of-band bunker-URI exchange.
func runFakeBunker(t *testing.T, relayURL string, bunkerSigner *signer.Local, bunkerPub [32]byte, bunkerXPriv [32]byte, appPubHex string, secret [32]byte) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(relayURL, nil)
	if err != nil {
		t.Errorf("bunker dial: %v", err)
		return
	}
	defer conn.Close()

	sub := []interface{}{"REQ", "bunker-sub", map[string]interface{}{
		"kinds":   []int{records.KindSignerEnvelope},
		"authors": []string{appPubHex},
	}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Errorf("bunker subscribe: %v", err)
		return
	}

	for {
		var raw []json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		if len(raw) < 3 {
			continue
		}
		var verb string
		_ = json.Unmarshal(raw[0], &verb)
		if verb != "EVENT" {
			continue
		}
		var rec records.Record
		if err := json.Unmarshal(raw[2], &rec); err != nil {
			continue
		}
		plaintext, err := Open(secret, rec.Content)
		if err != nil {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(plaintext, &req); err != nil {
			continue
		}

		var resp rpcResponse
		resp.ID = req.ID
		switch req.Method {
		case "connect":
			resp.Result = "ack"
		case "get_public_key":
			resp.Result = hex.EncodeToString(bunkerPub[:])
		case "ping":
			resp.Result = "pong"
		case "sign_event":
			var tmpl records.Template
			_ = json.Unmarshal([]byte(req.Params[0].(string)), &tmpl)
			signed, err := bunkerSigner.Sign(context.Background(), tmpl)
			if err != nil {
				resp.Error = err.Error()
			} else {
				out, _ := json.Marshal(signed)
				resp.Result = string(out)
			}
		default:
			resp.Error = "unknown method"
		}

		payload, _ := json.Marshal(resp)
		sealed, err := Seal(secret, payload)
		if err != nil {
			continue
		}
		replyTmpl := records.Template{
			Kind:      records.KindSignerEnvelope,
			CreatedAt: time.Now().Unix(),
			Tags:      []records.Tag{{"p", appPubHex}},
			Content:   sealed,
		}
		replyRec, err := bunkerSigner.Sign(context.Background(), replyTmpl)
		if err != nil {
			continue
		}
		replyJSON, _ := json.Marshal(replyRec)
		_ = conn.WriteJSON([]interface{}{"EVENT", json.RawMessage(replyJSON)})
	}
}

func TestRemoteSignerGetPublicKeyAndSign(t *testing.T) {
	relayServer := relaytest.New(relaytest.AcceptAll)
	defer relayServer.Close()

	appPub, appPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("app key: %v", err)
	}
	appSigner, err := signer.NewLocal(appPriv)
	if err != nil {
		t.Fatalf("app signer: %v", err)
	}
	var appPubArr [32]byte
	copy(appPubArr[:], appPub)

	bunkerPubEd, bunkerPrivEd, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("bunker key: %v", err)
	}
	bunkerSigner, err := signer.NewLocal(bunkerPrivEd)
	if err != nil {
		t.Fatalf("bunker signer: %v", err)
	}
	var bunkerPubArr [32]byte
	copy(bunkerPubArr[:], bunkerPubEd)

	appXPriv, appXPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("app x25519: %v", err)
	}
	bunkerXPriv, bunkerXPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("bunker x25519: %v", err)
	}
	secret, err := SharedSecret(appXPriv, bunkerXPub)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}

	go runFakeBunker(t, relayServer.URL, bunkerSigner, bunkerPubArr, bunkerXPriv, hex.EncodeToString(appPub), secret)
	time.Sleep(50 * time.Millisecond) // let the bunker's subscription land before the client's request

	client, err := Dial(context.Background(), relayServer.URL, appSigner, appXPriv, appXPub, bunkerPubArr, bunkerXPub)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	rs := NewRemoteSigner(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := rs.PublicKey(ctx)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if pub != bunkerPubArr {
		t.Errorf("public key mismatch: got %x want %x", pub, bunkerPubArr)
	}

	if err := rs.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	rec, err := rs.Sign(ctx, records.Template{Kind: records.KindFileAnnounce, Tags: []records.Tag{{"d", "/x"}, {"x", "h"}}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rec.PubKeyHex() != hex.EncodeToString(bunkerPubEd) {
		t.Errorf("signed record has wrong pubkey")
	}

	if err := rs.Connect(ctx, "s3cr3t"); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func TestLoadRemoteSignerFromCredential(t *testing.T) {
	relayServer := relaytest.New(relaytest.AcceptAll)
	defer relayServer.Close()

	appPub, appPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("app key: %v", err)
	}
	appSigner, err := signer.NewLocal(appPriv)
	if err != nil {
		t.Fatalf("app signer: %v", err)
	}

	bunkerPubEd, bunkerPrivEd, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("bunker key: %v", err)
	}
	bunkerSigner, err := signer.NewLocal(bunkerPrivEd)
	if err != nil {
		t.Fatalf("bunker signer: %v", err)
	}
	var bunkerPubArr [32]byte
	copy(bunkerPubArr[:], bunkerPubEd)

	appXPriv, appXPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("app x25519: %v", err)
	}
	bunkerXPriv, bunkerXPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("bunker x25519: %v", err)
	}
	secret, err := SharedSecret(appXPriv, bunkerXPub)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}

	go runFakeBunker(t, relayServer.URL, bunkerSigner, bunkerPubArr, bunkerXPriv, hex.EncodeToString(appPub), secret)
	time.Sleep(50 * time.Millisecond)

	cred := Credential{
		RemotePubKey: bunkerPubArr,
		RemoteXPub:   bunkerXPub,
		LocalXPriv:   appXPriv,
		LocalXPub:    appXPub,
		Relays:       []string{relayServer.URL},
		Secret:       "s3cr3t",
	}
	blob, err := EncodeCredential(cred)
	if err != nil {
		t.Fatalf("encode credential: %v", err)
	}
	decoded, err := DecodeCredential(blob)
	if err != nil {
		t.Fatalf("decode credential: %v", err)
	}

	rs, err := LoadRemoteSigner(context.Background(), decoded, appSigner)
	if err != nil {
		t.Fatalf("load remote signer: %v", err)
	}
	defer rs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub, err := rs.PublicKey(ctx)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if pub != bunkerPubArr {
		t.Errorf("public key mismatch: got %x want %x", pub, bunkerPubArr)
	}
}
