// transport.go holds the JSON-RPC envelope client: a persistent relay
// connection that publishes encrypted requests and correlates encrypted
// responses back to the caller by request id. The pending-request map plus
// read-loop dispatch mirrors internal/dht/transport.go's peerConn,
// generalized from raw RPC frames to encrypted relay events.
package signertransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duskbeacon/nsite/internal/records"
	"github.com/duskbeacon/nsite/internal/signer"
)

// RequestTimeout is the minimum wait for a remote signer response, long
// enough to allow for interactive approval on the signer side.
const RequestTimeout = 30 * time.Second

// rpcRequest is the JSON-RPC-shaped payload carried inside an encrypted
// kind-24133 envelope.
type rpcRequest struct {
	ID     string        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// Client talks to a single remote signer over one relay connection.
type Client struct {
	conn *websocket.Conn
	wmu  sync.Mutex // serializes writes to conn; gorilla/websocket forbids concurrent writers

	local        signer.Signer // signs the outer kind-24133 envelope record
	localXPriv   [32]byte
	localXPub    [32]byte
	remoteXPub   [32]byte
	remotePubKey [32]byte // the remote signer's identity, for filtering inbound events
	sharedSecret [32]byte

	mu      sync.Mutex
	pending map[string]chan rpcResponse

	closeOnce sync.Once
	done      chan struct{}
}

// writeJSON serializes concurrent writers onto conn, since gorilla/websocket
// connections aren't safe for concurrent writes and publish.Run drives
// signing (and therefore Call) from many goroutines at once.
func (c *Client) writeJSON(v interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

// Dial opens a persistent connection to relayURL, subscribes to kind-24133
// events authored by the remote signer's identity, and returns a ready
// Client. local signs the outer envelope. localXPriv/localXPub is this
// session's X25519 pair for the envelope encryption channel, distinct from
// the signing identity and exchanged with the remote signer out of band
// (e.g. embedded in a bunker connection string), the way GenerateKeypair's
// caller is expected to persist and share it once per pairing.
func Dial(ctx context.Context, relayURL string, local signer.Signer, localXPriv, localXPub, remotePubKey, remoteXPub [32]byte) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	secret, err := SharedSecret(localXPriv, remoteXPub)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}

	c := &Client{
		conn:         conn,
		local:        local,
		localXPriv:   localXPriv,
		localXPub:    localXPub,
		remoteXPub:   remoteXPub,
		remotePubKey: remotePubKey,
		sharedSecret: secret,
		pending:      make(map[string]chan rpcResponse),
		done:         make(chan struct{}),
	}

	remoteHex := hexString(remotePubKey[:])
	subID := uuid.New().String()
	req := []interface{}{"REQ", subID, map[string]interface{}{
		"kinds":   []int{records.KindSignerEnvelope},
		"authors": []string{remoteHex},
	}}
	if err := c.writeJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var raw []json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
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
		if rec.Kind != records.KindSignerEnvelope {
			continue
		}
		plaintext, err := Open(c.sharedSecret, rec.Content)
		if err != nil {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(plaintext, &resp); err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Call sends method/params to the remote signer and blocks for its response
// or RequestTimeout, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (string, error) {
	id := uuid.New().String()
	req := rpcRequest{ID: id, Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	sealed, err := Seal(c.sharedSecret, payload)
	if err != nil {
		return "", fmt.Errorf("seal request: %w", err)
	}

	tmpl := records.Template{
		Kind:      records.KindSignerEnvelope,
		CreatedAt: time.Now().Unix(),
		Tags:      []records.Tag{{"p", hexString(c.remotePubKey[:])}},
		Content:   sealed,
	}
	rec, err := c.local.Sign(ctx, tmpl)
	if err != nil {
		return "", fmt.Errorf("sign envelope: %w", err)
	}

	respCh := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	recJSON, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal envelope record: %w", err)
	}
	if err := c.writeJSON([]interface{}{"EVENT", json.RawMessage(recJSON)}); err != nil {
		return "", fmt.Errorf("send envelope: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return "", fmt.Errorf("signer rejected: %s", resp.Error)
		}
		return resp.Result, nil
	case <-time.After(RequestTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", fmt.Errorf("signer request timed out after %s", RequestTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", ctx.Err()
	case <-c.done:
		return "", fmt.Errorf("signer connection closed")
	}
}

// Close terminates the underlying connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func hexString(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
