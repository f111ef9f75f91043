// Package nsiteerr defines the error-kind vocabulary shared across the
// publish pipeline. Kinds carry structured detail (a rejection reason, an
// HTTP status) that a bare sentinel error can't, so they're modeled as a
// small typed enum on a wrapping struct rather than as package-level
// sentinel values, unlike internal/dht/filestorage.go's ErrShardNotFound,
// whose errors carry no payload.
package nsiteerr

import "fmt"

// Kind identifies one of the pipeline's error categories.
type Kind string

const (
	ConfigMissing    Kind = "config-missing"
	AuthMissing      Kind = "auth-missing"
	SignerUnreachable Kind = "signer-unreachable"
	SignerRejected   Kind = "signer-rejected"
	SignerTimeout    Kind = "signer-timeout"
	WalkIO           Kind = "walk-io"
	HashIO           Kind = "hash-io"
	UploadTransport  Kind = "upload-transport"
	UploadRejected   Kind = "upload-rejected"
	RelayTransport   Kind = "relay-transport"
	RelayRejected    Kind = "relay-rejected"
	RelayRateLimited Kind = "relay-rate-limited"
	RelayTimeout     Kind = "relay-timeout"
	DiffAmbiguous    Kind = "diff-ambiguous"
	Cancelled        Kind = "cancelled"
)

// Error wraps an underlying cause with a Kind and, for per-file errors, the
// path it concerns.
type Error struct {
	Kind   Kind
	Path   string
	Status int // set for upload-rejected
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WithPath attaches a file path (for per-file errors) and returns e.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithReason attaches a human-readable reason (e.g. relay rejection text).
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithStatus attaches an HTTP status code (for upload-rejected).
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}
