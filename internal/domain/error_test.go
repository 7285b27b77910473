//go:build !integration

package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"wrapped not connected", fmt.Errorf("calendar: %w", ErrNotConnected), KindNotConnected},
		{"unknown tool", ErrUnknownTool, KindInvalidArguments},
		{"missing parameters", ErrMissingTaskParameters, KindInvalidArguments},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"dimension mismatch", ErrDimensionMismatch, KindEmbeddingUnavailable},
		{"upstream", NewUpstreamError("hubspot", 502, errors.New("bad gateway")), KindUpstream},
		{"anything else", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run("should classify "+tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Run("should retry transient failures only", func(t *testing.T) {
		if !Retryable(ErrNotConnected) || !Retryable(ErrTimeout) || !Retryable(NewUpstreamError("gmail", 0, nil)) {
			t.Error("expected transient errors to be retryable")
		}
		if Retryable(ErrInvalidArgument) || Retryable(errors.New("boom")) {
			t.Error("expected permanent errors not to be retryable")
		}
	})

	t.Run("should keep upstream details reachable", func(t *testing.T) {
		cause := errors.New("quota")
		err := NewUpstreamError("gmail", 429, cause)
		var ue *UpstreamError
		if !errors.As(err, &ue) || ue.StatusCode != 429 {
			t.Fatalf("expected *UpstreamError with status 429, got %v", err)
		}
		if !errors.Is(err, cause) {
			t.Error("expected the cause to unwrap")
		}
	})
}
