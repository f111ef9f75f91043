// Package relay implements publishing a signed record to one relay over a
// bidirectional framed message channel, plus the underlying per-relay query
// primitive used to fetch records back. Each Publish or Fetch call owns its
// connection for the call's duration and reads/writes it from a single
// goroutine, so no write mutex is needed here the way signertransport.Client
// needs one for its long-lived, multiply-called connection. The JSON framing
// (an array whose first element is a verb) mirrors internal/mesh/ws.go's
// message shape, and the dial-then-read-until-terminal-frame loop mirrors
// internal/dht/transport.go's peerConn/readLoop pair.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duskbeacon/nsite/internal/model"
	"github.com/duskbeacon/nsite/internal/records"
)

const (
	ConnectTimeout          = 10 * time.Second
	PublishAckTimeout       = 5 * time.Second
	SubscriptionIdleTimeout = 5 * time.Second
)

// Filter is a relay query filter.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
}

// frame is the generic relay wire message: a JSON array whose first element
// is a capitalized verb.
type frame []json.RawMessage

func verbOf(f frame) string {
	if len(f) == 0 {
		return ""
	}
	var v string
	_ = json.Unmarshal(f[0], &v)
	return v
}

// dial opens a connection to url within ConnectTimeout.
func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Publish sends record r to a single relay and returns its outcome. It
// opens one connection, sends EVENT, waits for the matching OK (or a
// per-attempt timeout), and closes the connection.
func Publish(ctx context.Context, url string, r *records.Record) model.RelayOutcome {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	conn, err := dial(ctx, url)
	cancel()
	if err != nil {
		return model.RelayOutcome{Relay: url, Status: model.RelayTransportError, Detail: err.Error()}
	}
	defer conn.Close()

	payload, err := json.Marshal(r)
	if err != nil {
		return model.RelayOutcome{Relay: url, Status: model.RelayTransportError, Detail: err.Error()}
	}
	msg := []interface{}{"EVENT", json.RawMessage(payload)}
	if err := conn.WriteJSON(msg); err != nil {
		return model.RelayOutcome{Relay: url, Status: model.RelayTransportError, Detail: err.Error()}
	}

	deadline := time.Now().Add(PublishAckTimeout)
	conn.SetReadDeadline(deadline)

	var notices []string
	for {
		var raw frame
		if err := conn.ReadJSON(&raw); err != nil {
			if isTimeout(err) {
				return model.RelayOutcome{Relay: url, Status: model.RelayTimedOut, Notices: notices}
			}
			return model.RelayOutcome{Relay: url, Status: model.RelayTransportError, Detail: err.Error(), Notices: notices}
		}

		switch verbOf(raw) {
		case "OK":
			var id, msgText string
			var ok bool
			if len(raw) >= 4 {
				_ = json.Unmarshal(raw[1], &id)
				_ = json.Unmarshal(raw[2], &ok)
				_ = json.Unmarshal(raw[3], &msgText)
			}
			if id != r.IDHex() {
				continue // not addressed to this record; ignore
			}
			if ok {
				return model.RelayOutcome{Relay: url, Status: model.RelayAccepted, Detail: msgText, Notices: notices}
			}
			if isRateLimitMessage(msgText) {
				return model.RelayOutcome{Relay: url, Status: model.RelayRateLimited, Detail: msgText, Notices: notices}
			}
			return model.RelayOutcome{Relay: url, Status: model.RelayRejected, Detail: msgText, Notices: notices}
		case "NOTICE":
			var text string
			if len(raw) >= 2 {
				_ = json.Unmarshal(raw[1], &text)
			}
			if text != "" {
				notices = append(notices, text)
			}
			continue
		default:
			continue
		}
	}
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate-limit") || strings.Contains(lower, "noting too much")
}

func isTimeout(err error) bool {
	ne, ok := err.(interface{ Timeout() bool })
	return ok && ne.Timeout()
}

// PublishToRelays fans out record r to every relay in parallel and returns
// true iff at least one outcome was accepted. Every per-relay outcome is
// returned so the caller can record it in the message collector.
func PublishToRelays(ctx context.Context, r *records.Record, relayURLs []string) (bool, []model.RelayOutcome) {
	outcomes := make([]model.RelayOutcome, len(relayURLs))
	done := make(chan struct{})
	results := make(chan struct {
		i int
		o model.RelayOutcome
	}, len(relayURLs))

	for i, url := range relayURLs {
		go func(i int, url string) {
			o := Publish(ctx, url, r)
			select {
			case results <- struct {
				i int
				o model.RelayOutcome
			}{i, o}:
			case <-done:
			}
		}(i, url)
	}

	for range relayURLs {
		res := <-results
		outcomes[res.i] = res.o
	}
	close(done)

	accepted := false
	for _, o := range outcomes {
		if o.Status == model.RelayAccepted {
			accepted = true
		}
	}
	return accepted, outcomes
}

// Fetch queries a single relay for records matching filter, collecting
// EVENT frames until EOSE or SubscriptionIdleTimeout elapses since the last
// frame received. Any NOTICE frames the relay sends along the way are
// returned alongside the records for the caller to surface.
func Fetch(ctx context.Context, url string, filter Filter) ([]*records.Record, []string, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	conn, err := dial(ctx, url)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	subID := uuid.New().String()
	req := []interface{}{"REQ", subID, filter}
	if err := conn.WriteJSON(req); err != nil {
		return nil, nil, fmt.Errorf("send REQ: %w", err)
	}

	var out []*records.Record
	var notices []string
	for {
		conn.SetReadDeadline(time.Now().Add(SubscriptionIdleTimeout))
		var raw frame
		if err := conn.ReadJSON(&raw); err != nil {
			if isTimeout(err) {
				break // treat idle timeout like EOSE: return what we have
			}
			return nil, notices, fmt.Errorf("read: %w", err)
		}

		switch verbOf(raw) {
		case "EVENT":
			if len(raw) < 3 {
				continue
			}
			var gotSub string
			_ = json.Unmarshal(raw[1], &gotSub)
			if gotSub != subID {
				continue
			}
			var r records.Record
			if err := json.Unmarshal(raw[2], &r); err != nil {
				continue
			}
			out = append(out, &r)
		case "EOSE":
			var gotSub string
			if len(raw) >= 2 {
				_ = json.Unmarshal(raw[1], &gotSub)
			}
			if gotSub == subID {
				closeMsg := []interface{}{"CLOSE", subID}
				_ = conn.WriteJSON(closeMsg)
				return out, notices, nil
			}
		case "NOTICE":
			var text string
			if len(raw) >= 2 {
				_ = json.Unmarshal(raw[1], &text)
			}
			if text != "" {
				notices = append(notices, text)
			}
		default:
			continue
		}
	}

	closeMsg := []interface{}{"CLOSE", subID}
	_ = conn.WriteJSON(closeMsg)
	return out, notices, nil
}
