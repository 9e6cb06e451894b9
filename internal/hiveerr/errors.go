// Package hiveerr defines the error taxonomy shared by every Hive
// subsystem. Storage contention, graph violations, parse failures and
// transport errors all map onto a small set of kinds so callers can make
// retry/degrade decisions without string matching.
package hiveerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// KindBusy and KindLocked are retryable storage contention.
	KindBusy   Kind = "BUSY"
	KindLocked Kind = "LOCKED"

	// KindConstraint, KindMismatch and KindSchema are non-retryable
	// storage errors surfaced to the caller.
	KindConstraint Kind = "CONSTRAINT"
	KindMismatch   Kind = "MISMATCH"
	KindSchema     Kind = "SCHEMA"

	// KindIO covers filesystem and driver-level failures.
	KindIO Kind = "IO"

	// KindNotFound is a missing id or path. Non-fatal.
	KindNotFound Kind = "NOT_FOUND"

	// KindCycle and KindGraphTooDeep are dependency-graph violations.
	// Caller-visible, never fatal.
	KindCycle        Kind = "CYCLE"
	KindGraphTooDeep Kind = "GRAPH_TOO_DEEP"

	// KindParse is a malformed JSON/JSONL line. Reported per line and
	// never aborts a batch.
	KindParse Kind = "PARSE"

	// KindEmbedder is a transport/timeout/model error from the embedding
	// service. Triggers degradation to FTS and null embeddings.
	KindEmbedder Kind = "EMBEDDER"

	// KindWalBloat means the WAL health threshold was exceeded. A
	// warning, not an error.
	KindWalBloat Kind = "WAL_BLOAT"

	// KindConflict is a 3-way merge conflict, surfaced in results.
	KindConflict Kind = "CONFLICT"

	// KindClientGone means a stream subscriber disconnected. Cleaned up
	// locally, never propagated.
	KindClientGone Kind = "CLIENT_GONE"

	// KindOutOfRange is a viewer request outside a file's line range.
	KindOutOfRange Kind = "OUT_OF_RANGE"

	// KindInternal is the fallback for unclassified errors.
	KindInternal Kind = "INTERNAL"
)

// Error carries a kind alongside the underlying cause.
type Error struct {
	Knd  Kind
	Msg  string
	Err  error
	Path []string // populated for cycle errors: the offending path
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Knd, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Knd, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error.
func New(kind Kind, msg string) *Error {
	return &Error{Knd: kind, Msg: msg}
}

// Newf builds a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Knd: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Knd: kind, Msg: msg, Err: err}
}

// Cycle builds a KindCycle error carrying the offending path.
func Cycle(path []string) *Error {
	return &Error{Knd: KindCycle, Msg: fmt.Sprintf("dependency cycle: %v", path), Path: path}
}

// KindOf extracts the kind from err, walking the wrap chain.
// Unclassified errors report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Knd
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error is transient storage contention.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindBusy, KindLocked:
		return true
	}
	return false
}

// HTTPStatus maps a kind to the HTTP status the stream server returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return 404
	case KindParse, KindOutOfRange:
		return 400
	case KindBusy, KindLocked:
		return 503
	default:
		return 500
	}
}

// Body is the structured error body carried on HTTP error responses.
type Body struct {
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToBody converts an error into its wire representation.
func ToBody(err error) Body {
	kind := KindOf(err)
	return Body{
		Code:      string(kind),
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: Retryable(err),
	}
}
