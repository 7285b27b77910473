package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid execution context")

	// Agent errors
	ErrNotConnected          = errors.New("integration not connected")
	ErrUpstream              = errors.New("upstream service error")
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrTimeout               = errors.New("operation timed out")
	ErrUnknownTool           = errors.New("unknown tool")
	ErrDimensionMismatch     = errors.New("embedding dimension mismatch")
	ErrWorkerStopped         = errors.New("agent worker stopped")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrEmptyModelResponse    = errors.New("model returned an empty response")
	ErrMissingTaskParameters = errors.New("task parameters incomplete")
)

// ErrorKind is the classification every fault is reduced to at an operation boundary.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindNotConnected         ErrorKind = "not_connected"
	KindInvalidArguments     ErrorKind = "invalid_arguments"
	KindUpstream             ErrorKind = "upstream_error"
	KindEmbeddingUnavailable ErrorKind = "embedding_unavailable"
	KindTimeout              ErrorKind = "timeout"
	KindInternal             ErrorKind = "internal"
)

// UpstreamError carries a failed call to a delegated provider or model endpoint.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: upstream: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// NewUpstreamError wraps err for provider; a nil err still yields a non-nil error.
func NewUpstreamError(provider string, status int, err error) error {
	if err == nil {
		err = ErrOperationFailed
	}
	return &UpstreamError{Provider: provider, StatusCode: status, Err: err}
}

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrUnknownTool),
		errors.Is(err, ErrMissingTaskParameters):
		return KindInvalidArguments
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrEmbeddingUnavailable),
		errors.Is(err, ErrDimensionMismatch):
		return KindEmbeddingUnavailable
	case errors.Is(err, ErrUpstream),
		errors.Is(err, ErrEmptyModelResponse):
		return KindUpstream
	default:
		return KindInternal
	}
}

// Retryable reports whether a task that failed with err should be attempted again.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNotConnected, KindUpstream, KindTimeout:
		return true
	default:
		return false
	}
}
