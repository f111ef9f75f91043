// Package blob fans a single file out to every configured blob server,
// HEAD-probing before upload, authenticating PUT and DELETE requests with a
// signed kind-24242 record, and bounding how many uploads run at once with
// a fixed-size semaphore. The indexed-results-plus-WaitGroup fan-out shape
// follows internal/dht/node.go's findNodeRPC parallel query loop.
package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/duskbeacon/nsite/internal/model"
	"github.com/duskbeacon/nsite/internal/records"
	"github.com/duskbeacon/nsite/internal/signer"
)

// DefaultParallelism bounds how many blobs UploadAll has in flight at once.
// The per-server requests for one blob are not counted against it.
const DefaultParallelism = 4

// RequestTimeout bounds a single HEAD/PUT/DELETE attempt.
const RequestTimeout = 30 * time.Second

// AuthRecordLifetime is the "expiration" tag window for blob-server
// authorization records.
const AuthRecordLifetime = 120 * time.Second

// Uploader fans blob operations out to a fixed set of servers.
type Uploader struct {
	Servers     []string
	Parallelism int
	HTTPClient  *http.Client
}

// New constructs an Uploader with DefaultParallelism and a default client.
func New(servers []string) *Uploader {
	return &Uploader{
		Servers:     servers,
		Parallelism: DefaultParallelism,
		HTTPClient:  &http.Client{Timeout: RequestTimeout},
	}
}

func (u *Uploader) parallelism() int {
	if u.Parallelism <= 0 {
		return DefaultParallelism
	}
	return u.Parallelism
}

func (u *Uploader) client() *http.Client {
	if u.HTTPClient == nil {
		return &http.Client{Timeout: RequestTimeout}
	}
	return u.HTTPClient
}

// authHeader builds the base64-encoded JSON auth record header value used
// by both PUT and DELETE (Blossom-style "Authorization: Nostr <b64>").
func authHeader(auth *records.Record) (string, error) {
	data, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("marshal auth record: %w", err)
	}
	return "Nostr " + base64.StdEncoding.EncodeToString(data), nil
}

// buildAuth signs a kind-24242 blob-auth record scoped to a single hash and
// verb ("upload" or "delete"), valid for a short window.
func buildAuth(ctx context.Context, s signer.Signer, verb, hash string, expiresAt int64) (*records.Record, error) {
	tmpl := records.Template{
		Kind:      records.KindBlobAuth,
		CreatedAt: time.Now().Unix(),
		Tags: []records.Tag{
			{"t", verb},
			{"x", hash},
			{"expiration", fmt.Sprintf("%d", expiresAt)},
		},
		Content: fmt.Sprintf("%s %s", verb, hash),
	}
	return s.Sign(ctx, tmpl)
}

// ProbeAny HEAD-probes hash on every configured server and reports whether
// any of them already has it. Used to resolve an inconclusive remote fetch:
// if the blob is already out there, the run must not silently re-upload.
func (u *Uploader) ProbeAny(ctx context.Context, hash string) bool {
	for _, server := range u.Servers {
		if ok, err := u.exists(ctx, server, hash); err == nil && ok {
			return true
		}
	}
	return false
}

// exists HEAD-probes a single server for a hash.
func (u *Uploader) exists(ctx context.Context, server, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, server+"/"+hash, nil)
	if err != nil {
		return false, err
	}
	resp, err := u.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// putOne uploads content to a single server, HEAD-probing first so an
// already-present blob is not re-transferred.
func (u *Uploader) putOne(ctx context.Context, s signer.Signer, server string, entry model.FileEntry, expiresAt int64) model.ServerResult {
	if ok, err := u.exists(ctx, server, entry.Hash); err == nil && ok {
		return model.ServerResult{Server: server, Success: true, Status: http.StatusOK}
	}

	auth, err := buildAuth(ctx, s, "upload", entry.Hash, expiresAt)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "signer-rejected"}
	}
	header, err := authHeader(auth)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-transport"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, server+"/upload", bytes.NewReader(entry.Content))
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-transport"}
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Content-Type", entry.MediaType)

	resp, err := u.client().Do(req)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-transport"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return model.ServerResult{Server: server, Success: true, Status: resp.StatusCode}
	}
	return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-rejected", Status: resp.StatusCode}
}

// deleteOne issues an authenticated DELETE against a single server.
func (u *Uploader) deleteOne(ctx context.Context, s signer.Signer, server, hash string, expiresAt int64) model.ServerResult {
	auth, err := buildAuth(ctx, s, "delete", hash, expiresAt)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "signer-rejected"}
	}
	header, err := authHeader(auth)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-transport"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, server+"/"+hash, nil)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-transport"}
	}
	req.Header.Set("Authorization", header)

	resp, err := u.client().Do(req)
	if err != nil {
		return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-transport"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
		return model.ServerResult{Server: server, Success: true, Status: resp.StatusCode}
	}
	return model.ServerResult{Server: server, Success: false, ErrorKind: "upload-rejected", Status: resp.StatusCode}
}

// UploadOne uploads a single file entry to every configured server and
// returns one result per server. The per-server PUTs run concurrently and
// unthrottled here; UploadAll is what bounds how many blobs are in flight at
// once. The file is considered stored iff at least one server succeeds.
func (u *Uploader) UploadOne(ctx context.Context, s signer.Signer, entry model.FileEntry) []model.ServerResult {
	expiresAt := time.Now().Add(AuthRecordLifetime).Unix()
	results := make([]model.ServerResult, len(u.Servers))
	var wg sync.WaitGroup
	wg.Add(len(u.Servers))
	for i, server := range u.Servers {
		go func(i int, server string) {
			defer wg.Done()
			results[i] = u.putOne(ctx, s, server, entry, expiresAt)
		}(i, server)
	}
	wg.Wait()
	return results
}

// UploadAll uploads every entry in files, bounding how many blobs are in
// flight at once to u.parallelism(). Within a single blob, the per-server
// PUTs proceed in parallel and are not further throttled. An entry still
// waiting for a slot when ctx is done is not attempted and has no key in the
// returned map.
func (u *Uploader) UploadAll(ctx context.Context, s signer.Signer, files []model.FileEntry) map[string][]model.ServerResult {
	sem := make(chan struct{}, u.parallelism())
	out := make(map[string][]model.ServerResult, len(files))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(files))
	for _, entry := range files {
		go func(entry model.FileEntry) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			results := u.UploadOne(ctx, s, entry)
			mu.Lock()
			out[entry.Path] = results
			mu.Unlock()
		}(entry)
	}
	wg.Wait()
	return out
}

// DeleteAll issues authenticated deletes for hash against every server. Each
// per-server DELETE holds one slot of the caller-supplied sem while it runs,
// so unlike UploadAll the bound applies to individual server requests.
func (u *Uploader) DeleteAll(ctx context.Context, s signer.Signer, hash string, sem chan struct{}) []model.ServerResult {
	expiresAt := time.Now().Add(AuthRecordLifetime).Unix()
	results := make([]model.ServerResult, len(u.Servers))
	var wg sync.WaitGroup
	wg.Add(len(u.Servers))
	for i, server := range u.Servers {
		go func(i int, server string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = u.deleteOne(ctx, s, server, hash, expiresAt)
		}(i, server)
	}
	wg.Wait()
	return results
}

// BuildAnnouncement signs a kind-34128 file-announcement record for entry,
// to be published at most once per successful (path, hash). The size tag
// is decimal bytes.
func BuildAnnouncement(ctx context.Context, s signer.Signer, entry model.FileEntry, appName string) (*records.Record, error) {
	tmpl := records.Template{
		Kind:      records.KindFileAnnounce,
		CreatedAt: time.Now().Unix(),
		Tags: []records.Tag{
			{"d", entry.Path},
			{"x", entry.Hash},
			{"m", entry.MediaType},
			{"size", fmt.Sprintf("%d", entry.Size)},
			{"client", appName},
		},
	}
	rec, err := s.Sign(ctx, tmpl)
	if err != nil {
		return nil, fmt.Errorf("sign announcement for %s: %w", entry.Path, err)
	}
	return rec, nil
}

// Succeeded reports whether at least one server result succeeded.
func Succeeded(results []model.ServerResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}
