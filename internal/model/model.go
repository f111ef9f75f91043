// Package model holds the data types shared by every stage of the publish
// pipeline: the local/remote file view, the diff between them, and the
// per-target outcomes produced by uploading and announcing.
package model

import "github.com/duskbeacon/nsite/internal/records"

// FileEntry describes one file, either enumerated locally by the walker or
// reconstructed from a relay's file-announcement records.
//
// Path always begins with "/" and uses forward slashes. Hash is present iff
// the file's content has been read at least once. Content holds the
// walker's small-file cache for local entries and is filled in for every
// to-upload entry before its upload. Source is the remote record an entry
// was reconstructed from, or for a local entry the remote record at the
// same path when one exists (purge uses it to build a deletion record).
type FileEntry struct {
	Path      string
	Size      int64
	Hash      string
	MediaType string
	Content   []byte
	Source    *records.Record
}

// Diff is the output of comparing a local file set against a remote one.
// The three slices are disjoint and each is stable-sorted by Path.
type Diff struct {
	ToUpload  []FileEntry
	Unchanged []FileEntry
	ToDelete  []FileEntry
}

// ServerResult is the per-(blob, server) outcome of an upload or delete
// attempt against one blob server.
type ServerResult struct {
	Server    string
	Success   bool
	ErrorKind string
	Status    int
}

// RelayOutcome is the per-(record, relay) outcome of a publish attempt.
type RelayOutcome struct {
	Relay   string
	Status  RelayStatus
	Detail  string
	Notices []string // NOTICE messages the relay sent during the attempt
}

// RelayStatus enumerates the possible per-relay publish outcomes.
type RelayStatus string

const (
	RelayAccepted       RelayStatus = "accepted"
	RelayRejected       RelayStatus = "rejected"
	RelayRateLimited    RelayStatus = "rate_limited"
	RelayTimedOut       RelayStatus = "timed_out"
	RelayTransportError RelayStatus = "transport_error"
)
