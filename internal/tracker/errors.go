package tracker

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrConfigNotFound means a requested page id has no registered target.
	ErrConfigNotFound = errors.New("no crawl target configured")
	// ErrInvalidRange means a trend query had from >= to or an unknown
	// granularity. Caller contract violation, never retried.
	ErrInvalidRange = errors.New("invalid trend range")
	// ErrNotFound means the requested entity is absent from the store.
	ErrNotFound = errors.New("not found")
)

// FetchErrorKind classifies transport failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchKindNetwork    FetchErrorKind = "network"
	FetchKindTimeout    FetchErrorKind = "timeout"
	FetchKindHTTPStatus FetchErrorKind = "http_status"
)

// FetchError is returned by the fetch client after retries exhaust.
type FetchError struct {
	Kind   FetchErrorKind
	Status int
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Kind == FetchKindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the failure should not be retried (4xx).
func (e *FetchError) Permanent() bool {
	return e.Kind == FetchKindHTTPStatus && e.Status >= 400 && e.Status < 500
}

// ParseError means a payload did not match the expected page shape.
// At the orchestrator this is a per-item failure, not a run failure.
type ParseError struct {
	NovelID int64
	Reason  string
}

func (e *ParseError) Error() string {
	if e.NovelID != 0 {
		return fmt.Sprintf("parse novel %d: %s", e.NovelID, e.Reason)
	}
	return fmt.Sprintf("parse: %s", e.Reason)
}

// StoreError wraps persistence failures so callers can treat them as
// (bounded-retryable) item failures.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
