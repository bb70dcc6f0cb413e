// Package synerr defines the error taxonomy of the sync cache engine.
//
// Only ConfigurationError and StorageError are hard failures. Upstream errors
// are classified by Kind and turned into degraded or unavailable results by
// the coordinator; they never escape Resolve as Go errors.
package synerr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assistantsync.app/pkg/models"
)

// ErrNotFound is returned by Cache Store lookups for absent keys.
var ErrNotFound = errors.New("cache entry not found")

// ErrClosed is returned once the engine has been shut down.
var ErrClosed = errors.New("sync engine closed")

// ConfigurationError reports a resource type the registry does not know.
type ConfigurationError struct {
	Resource models.ResourceType
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("configuration error for resource %q: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("configuration error: unknown resource type %q", e.Resource)
}

// StorageError wraps a Cache Store I/O failure.
type StorageError struct {
	Op  string // "get", "put", "delete", "load_stats", ...
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is nil or already a StorageError.
func NewStorageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Kind classifies upstream failures.
type Kind int

const (
	// KindTransient covers timeouts, 5xx and network errors.
	KindTransient Kind = iota
	// KindRateLimited is a distinguished signal: it puts the key into backoff.
	KindRateLimited
	// KindAuthRequired means credentials must be refreshed by the user.
	KindAuthRequired
	// KindMalformed means the upstream answered with something unparseable.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuthRequired:
		return "auth_required"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// UpstreamError is what fetch functions return to describe a failure.
type UpstreamError struct {
	Kind Kind
	// RetryAfter is an optional upstream hint; only used for KindRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream %s", e.Kind)
	}
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// RateLimited builds a rate-limit error with an optional Retry-After hint.
func RateLimited(retryAfter time.Duration, err error) *UpstreamError {
	return &UpstreamError{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

// AuthRequired builds an auth error.
func AuthRequired(err error) *UpstreamError {
	return &UpstreamError{Kind: KindAuthRequired, Err: err}
}

// Transient builds a transient error.
func Transient(err error) *UpstreamError {
	return &UpstreamError{Kind: KindTransient, Err: err}
}

// Malformed builds a malformed-response error.
func Malformed(err error) *UpstreamError {
	return &UpstreamError{Kind: KindMalformed, Err: err}
}

// Classify maps any fetch error to an UpstreamError.
// Deadline errors become Transient; unclassified errors are Transient as well.
func Classify(err error) *UpstreamError {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamError{Kind: KindTransient, Err: fmt.Errorf("fetch timed out: %w", err)}
	}
	return &UpstreamError{Kind: KindTransient, Err: err}
}

// IsRateLimited reports whether err carries the rate-limit signal.
func IsRateLimited(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Kind == KindRateLimited
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
