package domain

import (
	"context"
	"errors"
)

// Error kinds stored on ExtractionJob.LastErrorKind. Filter kinds mark the
// job skipped; llm/validation/datastore kinds mark it failed; side-effect
// kinds are logged and counted but never touch job status.
const (
	KindFilteredForwarded     = "filtered_forwarded"
	KindFilteredDeleted       = "filtered_deleted"
	KindFilteredShort         = "filtered_short"
	KindFilteredBlocklisted   = "filtered_blocklisted"
	KindFilteredCompilation   = "filtered_compilation"
	KindFilteredNonAssignment = "filtered_non_assignment"

	KindLLMNetworkTimeout = "llm_network_timeout"
	KindLLMRefused        = "llm_refused"
	KindLLM5xx            = "llm_5xx"
	KindLLM4xx            = "llm_4xx"
	KindLLMEmpty          = "llm_empty"
	KindLLMInvalidJSON    = "llm_invalid_json"
	KindLLMSchemaShape    = "llm_schema_shape"
	KindLLMCircuitOpen    = "llm_circuit_open"

	KindValidationFailed     = "validation_failed"
	KindDatastoreConflict    = "datastore_conflict"
	KindDatastoreUnreachable = "datastore_unreachable"
	KindShutdown             = "shutdown"
	KindMaxAttempts          = "max_attempts"

	KindBroadcastFailed = "broadcast_failed"
	KindDMFailed        = "dm_failed"
	KindEventsFailed    = "events_failed"
	KindGeocodeFailed   = "geocode_failed"
)

// FilterKind builds a filtered_* kind from a triage skip reason.
func FilterKind(reason string) string {
	return "filtered_" + reason
}

// KindFromError maps a pipeline error to its job error kind. Unknown errors
// classify as validation_failed only when they wrap ErrSchemaShape-family
// sentinels; everything else is surfaced as datastore_unreachable or the
// generic internal kind of the failing stage, so callers should wrap errors
// with the right sentinel at the adapter boundary.
func KindFromError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return KindLLMCircuitOpen
	case errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded):
		return KindLLMNetworkTimeout
	case errors.Is(err, ErrUpstreamRefused):
		return KindLLMRefused
	case errors.Is(err, ErrUpstream5xx):
		return KindLLM5xx
	case errors.Is(err, ErrRateLimited):
		return KindLLM5xx
	case errors.Is(err, ErrUpstream4xx):
		return KindLLM4xx
	case errors.Is(err, ErrEmptyResponse):
		return KindLLMEmpty
	case errors.Is(err, ErrInvalidJSON):
		return KindLLMInvalidJSON
	case errors.Is(err, ErrSchemaShape):
		return KindLLMSchemaShape
	case errors.Is(err, ErrInvalidArgument):
		return KindValidationFailed
	case errors.Is(err, ErrConflict):
		return KindDatastoreConflict
	case errors.Is(err, ErrUnavailable):
		return KindDatastoreUnreachable
	case errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled):
		return KindShutdown
	default:
		return KindDatastoreUnreachable
	}
}

// RetryableKind reports whether a failed job with this kind is worth
// returning to the queue (by stale requeue or operator re-enqueue policy).
func RetryableKind(kind string) bool {
	switch kind {
	case KindLLMNetworkTimeout, KindLLMRefused, KindLLM5xx,
		KindLLMCircuitOpen, KindDatastoreUnreachable, KindShutdown:
		return true
	}
	return false
}

// BreakerKind reports whether the kind counts toward the LLM circuit
// breaker's consecutive-failure threshold.
func BreakerKind(kind string) bool {
	switch kind {
	case KindLLMNetworkTimeout, KindLLMRefused, KindLLM5xx:
		return true
	}
	return false
}
