// Package relaytest provides an in-process fake relay for exercising the
// publish, fetch, and live-subscription protocols in tests, modeled on
// internal/mesh's test helpers that spin up a real gorilla/websocket server
// under httptest rather than mocking the connection.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Behavior controls how the fake relay responds to EVENT frames.
type Behavior int

const (
	AcceptAll Behavior = iota
	RejectAll
	RateLimitAll
	// RateLimitAfterN accepts up to N events per window (one event per
	// second with New; N and the window are set through NewRateLimited), then
	// rejects with a rate-limit reason for the rest of the window,
	// simulating a real relay's throttling rather than a relay that always
	// refuses.
	RateLimitAfterN
	NeverRespond
)

type subscription struct {
	id      string
	conn    *safeConn
	kinds   map[int]bool
	authors map[string]bool
}

func (sub subscription) matches(kind int, author string) bool {
	if len(sub.kinds) > 0 && !sub.kinds[kind] {
		return false
	}
	if len(sub.authors) > 0 && !sub.authors[author] {
		return false
	}
	return true
}

// safeConn serializes writes to a single websocket connection, since
// gorilla/websocket connections aren't safe for concurrent writers.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// fixedWindowLimiter is the small counter RateLimitAfterN needs to simulate
// a relay that throttles: allow up to rate events, then refuse until window
// has elapsed since the first event of the current window.
type fixedWindowLimiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

func newFixedWindowLimiter(rate int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{rate: rate, window: window, windowStart: time.Now()}
}

func (l *fixedWindowLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// Server is a fake relay backed by a real httptest.Server.
type Server struct {
	*httptest.Server
	URL string // ws:// form

	mu      sync.Mutex
	stored  []json.RawMessage
	subs    []subscription
	behave  Behavior
	reason  string
	limiter *fixedWindowLimiter
	notice  string
}

// SetNotice makes the fake relay send a NOTICE frame with text before its
// OK response to every subsequent EVENT and before the stored events it
// replays for every subsequent REQ, simulating an operator message
// (maintenance, deprecation, policy) alongside normal protocol traffic.
func (s *Server) SetNotice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notice = text
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// New starts a fake relay with the given behavior. For RateLimitAfterN, use
// NewRateLimited to set N; New defaults it to 1 event per second.
func New(behave Behavior) *Server {
	s := &Server{behave: behave}
	switch behave {
	case RateLimitAll:
		s.reason = "rate-limit: slow down"
	case RejectAll:
		s.reason = "blocked: not allowed"
	case RateLimitAfterN:
		s.reason = "rate-limit: slow down"
		s.limiter = newFixedWindowLimiter(1, time.Second)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.Server = httptest.NewServer(mux)
	s.URL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	return s
}

// NewRateLimited starts a fake relay that accepts up to n events per window,
// then rejects the rest with a rate-limit reason.
func NewRateLimited(n int, window time.Duration) *Server {
	s := &Server{behave: RateLimitAfterN, reason: "rate-limit: slow down", limiter: newFixedWindowLimiter(n, window)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.Server = httptest.NewServer(mux)
	s.URL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &safeConn{conn: rawConn}
	defer rawConn.Close()
	defer s.removeSubsFor(conn)

	for {
		var raw []json.RawMessage
		if err := rawConn.ReadJSON(&raw); err != nil {
			return
		}
		if len(raw) == 0 {
			continue
		}
		var verb string
		_ = json.Unmarshal(raw[0], &verb)

		switch verb {
		case "EVENT":
			s.handleEvent(conn, raw)
		case "REQ":
			s.handleReq(conn, raw)
		case "CLOSE":
			if len(raw) >= 2 {
				var subID string
				_ = json.Unmarshal(raw[1], &subID)
				s.removeSub(subID)
			}
		}
	}
}

func (s *Server) removeSub(subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.id != subID {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
}

func (s *Server) removeSubsFor(conn *safeConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.conn != conn {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
}

func (s *Server) handleEvent(conn *safeConn, raw []json.RawMessage) {
	if len(raw) < 2 {
		return
	}
	var rec struct {
		ID     [32]byte `json:"id"`
		Kind   int      `json:"kind"`
		PubKey [32]byte `json:"pubkey"`
	}
	if err := json.Unmarshal(raw[1], &rec); err != nil {
		return
	}
	idHex := hexEncode(rec.ID[:])
	authorHex := hexEncode(rec.PubKey[:])

	if s.behave == NeverRespond {
		return
	}

	accept := s.behave == AcceptAll
	if s.behave == RateLimitAfterN {
		accept = s.limiter.Allow()
	}

	s.mu.Lock()
	if accept {
		s.stored = append(s.stored, raw[1])
	}
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	notice := s.notice
	s.mu.Unlock()

	if notice != "" {
		_ = conn.writeJSON([]interface{}{"NOTICE", notice})
	}

	if accept {
		_ = conn.writeJSON([]interface{}{"OK", idHex, true, ""})
	} else {
		_ = conn.writeJSON([]interface{}{"OK", idHex, false, s.reason})
	}

	if !accept {
		return
	}
	for _, sub := range subs {
		if sub.matches(rec.Kind, authorHex) {
			_ = sub.conn.writeJSON([]interface{}{"EVENT", sub.id, raw[1]})
		}
	}
}

func (s *Server) handleReq(conn *safeConn, raw []json.RawMessage) {
	if len(raw) < 2 {
		return
	}
	var subID string
	_ = json.Unmarshal(raw[1], &subID)

	sub := subscription{id: subID, conn: conn, kinds: map[int]bool{}, authors: map[string]bool{}}
	if len(raw) >= 3 {
		var filter struct {
			Kinds   []int    `json:"kinds"`
			Authors []string `json:"authors"`
		}
		if err := json.Unmarshal(raw[2], &filter); err == nil {
			for _, k := range filter.Kinds {
				sub.kinds[k] = true
			}
			for _, a := range filter.Authors {
				sub.authors[a] = true
			}
		}
	}

	s.mu.Lock()
	stored := make([]json.RawMessage, len(s.stored))
	copy(stored, s.stored)
	s.subs = append(s.subs, sub)
	notice := s.notice
	s.mu.Unlock()

	if notice != "" {
		_ = conn.writeJSON([]interface{}{"NOTICE", notice})
	}

	for _, rec := range stored {
		var meta struct {
			Kind   int      `json:"kind"`
			PubKey [32]byte `json:"pubkey"`
		}
		if err := json.Unmarshal(rec, &meta); err != nil {
			continue
		}
		if sub.matches(meta.Kind, hexEncode(meta.PubKey[:])) {
			_ = conn.writeJSON([]interface{}{"EVENT", subID, rec})
		}
	}
	_ = conn.writeJSON([]interface{}{"EOSE", subID})
}

// Stored returns every EVENT payload accepted so far.
func (s *Server) Stored() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]json.RawMessage, len(s.stored))
	copy(out, s.stored)
	return out
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
