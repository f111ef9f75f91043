// Package publish implements the orchestrator that runs the walk, fetch,
// diff, upload, and publication stages in sequence and produces a
// human-readable summary. It is the one place in the pipeline that knows
// about all the others; every stage it calls is independently testable, so
// this package's own tests exercise the sequencing and edge cases (a fresh
// publish, cancellation, every upload failing, missing configuration or
// signer) rather than the stage internals. Modeled on cmd/nocturne-agent/main.go's top-level run loop,
// which plays the same "glue everything together, report a summary" role
// for the agent binary.
package publish

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/duskbeacon/nsite/internal/blob"
	"github.com/duskbeacon/nsite/internal/collector"
	"github.com/duskbeacon/nsite/internal/diff"
	"github.com/duskbeacon/nsite/internal/fetch"
	"github.com/duskbeacon/nsite/internal/gateway"
	"github.com/duskbeacon/nsite/internal/model"
	"github.com/duskbeacon/nsite/internal/nsiteerr"
	"github.com/duskbeacon/nsite/internal/records"
	"github.com/duskbeacon/nsite/internal/relay"
	"github.com/duskbeacon/nsite/internal/signer"
	"github.com/duskbeacon/nsite/internal/walker"
)

const appName = "nsite-publish"

// Profile carries the optional kind-0 profile fields.
type Profile struct {
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// Options configures one publish run. It is fully populated by the CLI (or
// any other caller) before Run is invoked; the core takes no part in
// reading configuration files or flags itself.
type Options struct {
	Root       string
	IgnoreSpec *walker.IgnoreSpec
	Relays     []string
	Servers    []string
	Signer     signer.Signer
	Uploader   *blob.Uploader // optional; defaults to blob.New(Servers)

	Force             bool
	Purge             bool
	PublishRelayList  bool
	PublishServerList bool
	Profile           *Profile

	Parallelism int
	GatewayHost string // optional; defaults to gateway.DefaultHost
}

// Summary is the human-readable result of a run.
type Summary struct {
	UploadedPaths       []string
	DeletedPaths        []string
	UnchangedCount      int
	ServerUploadCounts  map[string]int // server URL -> successful uploads
	RelayAcceptCounts   map[string]int // relay URL -> accepted publishes
	GroupedErrors       map[string][]string
	GatewayURL          string
	Ambiguous           bool
	NoOp                bool
}

// Run executes the full publish sequence and returns a Summary, or an
// *nsiteerr.Error describing why the run aborted.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if opts.Signer == nil {
		return nil, nsiteerr.New(nsiteerr.AuthMissing, fmt.Errorf("no signer configured"))
	}
	if len(opts.Relays) == 0 {
		return nil, nsiteerr.New(nsiteerr.ConfigMissing, fmt.Errorf("no relays configured"))
	}
	if len(opts.Servers) == 0 {
		return nil, nsiteerr.New(nsiteerr.ConfigMissing, fmt.Errorf("no blob servers configured"))
	}

	coll := collector.New()
	uploader := opts.Uploader
	if uploader == nil {
		uploader = blob.New(opts.Servers)
	}
	if opts.Parallelism > 0 {
		uploader.Parallelism = opts.Parallelism
	}

	pubKey, err := opts.Signer.PublicKey(ctx)
	if err != nil {
		return nil, nsiteerr.New(nsiteerr.SignerUnreachable, err)
	}
	pubKeyHex := hex.EncodeToString(pubKey[:])

	// 1. Walk local directory.
	walkResult, err := walker.Walk(opts.Root, opts.IgnoreSpec)
	if err != nil {
		return nil, nsiteerr.New(nsiteerr.WalkIO, err)
	}
	for _, fe := range walkResult.Errors {
		coll.Add(collector.CategoryError, fe.Path, fe.Err.Error())
	}

	// 2. Fetch remote set; handle the ambiguity check.
	fetchResult := fetch.FetchFileAnnouncements(ctx, opts.Relays, pubKeyHex, coll)
	if ctx.Err() != nil {
		return nil, nsiteerr.New(nsiteerr.Cancelled, ctx.Err())
	}
	ambiguous := false
	if len(fetchResult.Records) == 0 && fetchResult.Inconclusive && len(walkResult.Included) > 0 {
		ambiguous = uploader.ProbeAny(ctx, walkResult.Included[0].Hash)
	}
	if ambiguous && !opts.Force {
		return &Summary{Ambiguous: true}, nsiteerr.New(nsiteerr.DiffAmbiguous, fmt.Errorf("remote state unknown and blobs already present on a server; re-run with --force"))
	}

	// 3. Compute diff. In the forced-ambiguous case remote state is
	// untrustworthy, so every local file is re-uploaded rather than diffed
	// against a remote set that might be stale or incomplete.
	var d model.Diff
	if ambiguous && opts.Force {
		for _, e := range walkResult.Included {
			d.ToUpload = append(d.ToUpload, model.FileEntry{Path: e.Path, Size: e.Size, Hash: e.Hash, MediaType: e.MediaType, Content: e.Cached})
		}
	} else {
		d = diff.Compute(walkResult.Included, diff.RemoteFromRecords(fetchResult.Records))
	}

	// 4. No-op short-circuit.
	if len(d.ToUpload) == 0 && len(d.ToDelete) == 0 && !opts.Force {
		return &Summary{NoOp: true, GatewayURL: mustGatewayURL(pubKey, opts.GatewayHost), UnchangedCount: len(d.Unchanged)}, nil
	}

	// 5. Load content for to-upload entries beyond the small-file cache.
	if err := loadContent(opts.Root, d.ToUpload); err != nil {
		return nil, nsiteerr.New(nsiteerr.HashIO, err)
	}

	// 6. Upload, then publish announcements.
	var uploadedPaths []string
	anyStored := false
	uploadResults := uploader.UploadAll(ctx, opts.Signer, d.ToUpload)
	byPath := make(map[string]model.FileEntry, len(d.ToUpload))
	for _, e := range d.ToUpload {
		byPath[e.Path] = e
	}
	for path, results := range uploadResults {
		for _, r := range results {
			coll.Add(collector.CategoryUpload, r.Server, statusLabel(r))
		}
		if !blob.Succeeded(results) {
			coll.Add(collector.CategoryError, path, "upload failed on every server")
			continue
		}
		anyStored = true
		entry := byPath[path]
		ann, err := blob.BuildAnnouncement(ctx, opts.Signer, entry, appName)
		if err != nil {
			coll.Add(collector.CategoryError, path, err.Error())
			continue
		}
		accepted, outcomes := relay.PublishToRelays(ctx, ann, opts.Relays)
		recordRelayOutcomes(coll, outcomes)
		if accepted {
			uploadedPaths = append(uploadedPaths, path)
		} else {
			coll.Add(collector.CategoryError, path, "announcement rejected by every relay")
		}
	}
	if ctx.Err() != nil {
		return nil, nsiteerr.New(nsiteerr.Cancelled, ctx.Err())
	}
	if len(d.ToUpload) > 0 && !anyStored {
		return nil, nsiteerr.New(nsiteerr.UploadTransport, fmt.Errorf("all uploads failed on every server"))
	}

	// 7. Purge.
	var deletedPaths []string
	if opts.Purge {
		sem := make(chan struct{}, uploader.Parallelism)
		for _, e := range d.ToDelete {
			if e.Source == nil {
				continue
			}
			delTmpl := records.Template{
				Kind:      records.KindDeletion,
				CreatedAt: time.Now().Unix(),
				Tags: []records.Tag{
					{"e", e.Source.IDHex()},
					{"expiration", fmt.Sprintf("%d", time.Now().Add(blob.AuthRecordLifetime).Unix())},
				},
			}
			delRec, err := opts.Signer.Sign(ctx, delTmpl)
			if err != nil {
				coll.Add(collector.CategoryError, e.Path, err.Error())
				continue
			}
			accepted, outcomes := relay.PublishToRelays(ctx, delRec, opts.Relays)
			recordRelayOutcomes(coll, outcomes)
			if !accepted {
				coll.Add(collector.CategoryError, e.Path, "deletion record rejected by every relay")
				continue
			}
			results := uploader.DeleteAll(ctx, opts.Signer, e.Hash, sem)
			for _, r := range results {
				coll.Add(collector.Category("delete"), r.Server, statusLabel(r))
			}
			if blob.Succeeded(results) {
				deletedPaths = append(deletedPaths, e.Path)
			} else {
				coll.Add(collector.CategoryError, e.Path, "delete failed on every server")
			}
		}
	}

	// 8. Optional metadata records.
	if err := publishMetadata(ctx, opts, coll); err != nil {
		coll.Add(collector.CategoryError, "metadata", err.Error())
	}

	sort.Strings(uploadedPaths)
	sort.Strings(deletedPaths)

	return &Summary{
		UploadedPaths:      uploadedPaths,
		DeletedPaths:       deletedPaths,
		UnchangedCount:     len(d.Unchanged),
		ServerUploadCounts: coll.CountByCategoryAndStatus(collector.CategoryUpload, "success"),
		RelayAcceptCounts:  coll.CountByCategoryAndStatus(collector.CategoryRelayPublish, string(model.RelayAccepted)),
		GroupedErrors:      coll.GroupedErrors(3),
		GatewayURL:         mustGatewayURL(pubKey, opts.GatewayHost),
	}, nil
}

// loadContent fills in Content for any to-upload entry the walker didn't
// already cache (files of walker.SmallFileThreshold bytes or more), re-reading them
// from root by their logical path.
func loadContent(root string, entries []model.FileEntry) error {
	for i := range entries {
		if entries[i].Content != nil {
			continue
		}
		fsPath := filepath.Join(root, filepath.FromSlash(entries[i].Path))
		data, err := os.ReadFile(fsPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", entries[i].Path, err)
		}
		entries[i].Content = data
	}
	return nil
}

func recordRelayOutcomes(coll *collector.Collector, outcomes []model.RelayOutcome) {
	for _, o := range outcomes {
		coll.Add(collector.CategoryRelayPublish, o.Relay, string(o.Status))
		for _, n := range o.Notices {
			coll.Add(collector.CategoryNotice, o.Relay, n)
		}
	}
}

func statusLabel(r model.ServerResult) string {
	if r.Success {
		return "success"
	}
	return r.ErrorKind
}

func mustGatewayURL(pub [32]byte, host string) string {
	url, err := gateway.URL(pub, host)
	if err != nil {
		return ""
	}
	return url
}

// publishMetadata emits the relay-list, server-list, and profile records
// requested by opts.
func publishMetadata(ctx context.Context, opts Options, coll *collector.Collector) error {
	if opts.PublishRelayList {
		tags := make([]records.Tag, 0, len(opts.Relays))
		for _, r := range opts.Relays {
			tags = append(tags, records.Tag{"r", r})
		}
		tmpl := records.Template{Kind: records.KindRelayList, CreatedAt: time.Now().Unix(), Tags: tags}
		rec, err := opts.Signer.Sign(ctx, tmpl)
		if err != nil {
			return fmt.Errorf("sign relay list: %w", err)
		}
		_, outcomes := relay.PublishToRelays(ctx, rec, opts.Relays)
		recordRelayOutcomes(coll, outcomes)
	}

	if opts.PublishServerList {
		tags := make([]records.Tag, 0, len(opts.Servers))
		for _, s := range opts.Servers {
			tags = append(tags, records.Tag{"server", s})
		}
		tmpl := records.Template{Kind: records.KindServerList, CreatedAt: time.Now().Unix(), Tags: tags}
		rec, err := opts.Signer.Sign(ctx, tmpl)
		if err != nil {
			return fmt.Errorf("sign server list: %w", err)
		}
		_, outcomes := relay.PublishToRelays(ctx, rec, opts.Relays)
		recordRelayOutcomes(coll, outcomes)
	}

	if opts.Profile != nil {
		content, err := profileJSON(*opts.Profile)
		if err != nil {
			return fmt.Errorf("marshal profile: %w", err)
		}
		tmpl := records.Template{Kind: records.KindProfile, CreatedAt: time.Now().Unix(), Content: content}
		rec, err := opts.Signer.Sign(ctx, tmpl)
		if err != nil {
			return fmt.Errorf("sign profile: %w", err)
		}
		_, outcomes := relay.PublishToRelays(ctx, rec, opts.Relays)
		recordRelayOutcomes(coll, outcomes)
	}
	return nil
}

func profileJSON(p Profile) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
