package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"nil", nil, ""},
		{"circuit open", ErrCircuitOpen, KindLLMCircuitOpen},
		{"upstream timeout", ErrUpstreamTimeout, KindLLMNetworkTimeout},
		{"context deadline", context.DeadlineExceeded, KindLLMNetworkTimeout},
		{"upstream refused", ErrUpstreamRefused, KindLLMRefused},
		{"upstream 5xx", ErrUpstream5xx, KindLLM5xx},
		{"upstream 4xx", ErrUpstream4xx, KindLLM4xx},
		{"rate limited", ErrRateLimited, KindLLM5xx},
		{"empty response", ErrEmptyResponse, KindLLMEmpty},
		{"invalid json", ErrInvalidJSON, KindLLMInvalidJSON},
		{"schema shape", ErrSchemaShape, KindLLMSchemaShape},
		{"invalid argument", ErrInvalidArgument, KindValidationFailed},
		{"conflict", ErrConflict, KindDatastoreConflict},
		{"unavailable", ErrUnavailable, KindDatastoreUnreachable},
		{"shutdown", ErrShutdown, KindShutdown},
		{"context canceled", context.Canceled, KindShutdown},
		{"unknown defaults to unreachable", errors.New("boom"), KindDatastoreUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindFromError(tt.err); got != tt.kind {
				t.Errorf("KindFromError(%v) = %q, want %q", tt.err, got, tt.kind)
			}
		})
	}
}

func TestKindFromErrorUnwrapsChains(t *testing.T) {
	err := fmt.Errorf("op=llm.extract: %w", fmt.Errorf("post: %w", ErrUpstreamTimeout))
	if got := KindFromError(err); got != KindLLMNetworkTimeout {
		t.Errorf("wrapped timeout classified as %q", got)
	}
}

func TestRetryableKind(t *testing.T) {
	retryable := []string{
		KindLLMNetworkTimeout, KindLLMRefused, KindLLM5xx,
		KindLLMCircuitOpen, KindDatastoreUnreachable, KindShutdown,
	}
	for _, k := range retryable {
		if !RetryableKind(k) {
			t.Errorf("expected %q to be retryable", k)
		}
	}

	terminal := []string{
		KindLLMInvalidJSON, KindLLMSchemaShape, KindLLM4xx,
		KindValidationFailed, KindMaxAttempts, KindFilteredCompilation,
	}
	for _, k := range terminal {
		if RetryableKind(k) {
			t.Errorf("expected %q to be terminal", k)
		}
	}
}

func TestBreakerKind(t *testing.T) {
	counts := []string{KindLLMNetworkTimeout, KindLLMRefused, KindLLM5xx}
	for _, k := range counts {
		if !BreakerKind(k) {
			t.Errorf("expected %q to count toward the breaker", k)
		}
	}
	if BreakerKind(KindLLMInvalidJSON) {
		t.Error("invalid json must not trip the breaker")
	}
	if BreakerKind(KindLLMCircuitOpen) {
		t.Error("circuit_open itself must not feed back into the breaker")
	}
}

func TestFilterKind(t *testing.T) {
	if got := FilterKind("compilation"); got != KindFilteredCompilation {
		t.Errorf("FilterKind(compilation) = %q", got)
	}
	if got := FilterKind("short"); got != KindFilteredShort {
		t.Errorf("FilterKind(short) = %q", got)
	}
}
