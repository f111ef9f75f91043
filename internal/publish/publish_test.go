package publish

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/duskbeacon/nsite/internal/nsiteerr"
	"github.com/duskbeacon/nsite/internal/relay/relaytest"
	"github.com/duskbeacon/nsite/internal/signer"
)

func testSigner(t *testing.T) signer.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s, err := signer.NewLocal(priv)
	if err != nil {
		t.Fatalf("new local signer: %v", err)
	}
	return s
}

// blobServer is a minimal in-memory Blossom-style server for tests: it
// tracks which hashes it has "stored" so repeated HEAD probes and re-runs
// behave like a real server.
type blobServer struct {
	*httptest.Server
	mu     sync.Mutex
	stored map[string]bool
}

func newBlobServer() *blobServer {
	b := &blobServer{stored: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handle)
	b.Server = httptest.NewServer(mux)
	return b
}

func (b *blobServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/upload" && r.Method == http.MethodPut {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		b.mu.Lock()
		b.stored["uploaded"] = true // hash isn't recomputed here; test only checks call counts
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		return
	}
	hash := r.URL.Path[1:]
	b.mu.Lock()
	present := b.stored[hash]
	b.mu.Unlock()
	switch r.Method {
	case http.MethodHead:
		if present {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodDelete:
		b.mu.Lock()
		delete(b.stored, hash)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestRunFreshPublish(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")
	writeFile(t, dir, "style.css", "body{}")

	relayServer := relaytest.New(relaytest.AcceptAll)
	defer relayServer.Close()
	server := newBlobServer()
	defer server.Close()

	summary, err := Run(context.Background(), Options{
		Root:    dir,
		Relays:  []string{relayServer.URL},
		Servers: []string{server.URL},
		Signer:  testSigner(t),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.UploadedPaths) != 2 {
		t.Fatalf("want 2 uploaded paths, got %+v", summary.UploadedPaths)
	}
	if len(relayServer.Stored()) != 2 {
		t.Fatalf("want 2 records stored at relay, got %d", len(relayServer.Stored()))
	}
	if summary.ServerUploadCounts[server.URL] != 2 {
		t.Errorf("want 2 successful uploads counted for %s, got %+v", server.URL, summary.ServerUploadCounts)
	}
	if summary.RelayAcceptCounts[relayServer.URL] != 2 {
		t.Errorf("want 2 accepted publishes counted for %s, got %+v", relayServer.URL, summary.RelayAcceptCounts)
	}
	if !strings.HasPrefix(summary.GatewayURL, "https://npub1") || !strings.HasSuffix(summary.GatewayURL, "/") {
		t.Errorf("want a full gateway URL, got %q", summary.GatewayURL)
	}
}

func TestRunAbortsOnCancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")

	relayServer := relaytest.New(relaytest.AcceptAll)
	defer relayServer.Close()
	server := newBlobServer()
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Options{
		Root:    dir,
		Relays:  []string{relayServer.URL},
		Servers: []string{server.URL},
		Signer:  testSigner(t),
	})
	if err == nil {
		t.Fatal("want error when the context is already cancelled")
	}
	var nerr *nsiteerr.Error
	if !errors.As(err, &nerr) || nerr.Kind != nsiteerr.Cancelled {
		t.Fatalf("want a Cancelled error, got %v", err)
	}
}

func TestRunFailsWhenAllUploadsFail(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "index.html", "<html></html>")

	relayServer := relaytest.New(relaytest.AcceptAll)
	defer relayServer.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	_, err := Run(context.Background(), Options{
		Root:    dir,
		Relays:  []string{relayServer.URL},
		Servers: []string{failing.URL},
		Signer:  testSigner(t),
	})
	if err == nil {
		t.Fatal("want error when every upload fails on every server")
	}
	var nerr *nsiteerr.Error
	if !errors.As(err, &nerr) || nerr.Kind != nsiteerr.UploadTransport {
		t.Fatalf("want an UploadTransport error, got %v", err)
	}
}

func TestRunFailsWhenConfigMissing(t *testing.T) {
	_, err := Run(context.Background(), Options{Root: t.TempDir(), Signer: testSigner(t)})
	if err == nil {
		t.Fatal("want error when no relays/servers configured")
	}
}

func TestRunAbortsWithoutSigner(t *testing.T) {
	_, err := Run(context.Background(), Options{Root: t.TempDir(), Relays: []string{"ws://x"}, Servers: []string{"http://x"}})
	if err == nil {
		t.Fatal("want error when no signer configured")
	}
}
