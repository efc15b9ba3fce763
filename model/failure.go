package model

import "errors"

// FailureKind is the taxonomic classification of an adapter failure. The
// executor uses it to drive retries, anti-bot escalation and circuit
// breaker accounting; implementation error types never leave the adapter.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureTransientNetwork FailureKind = "TRANSIENT_NETWORK"
	FailureRateLimited      FailureKind = "RATE_LIMITED"
	FailureBotChallenge     FailureKind = "BOT_CHALLENGE"
	FailureAuthExpired      FailureKind = "AUTH_EXPIRED"
	FailureParseRecoverable FailureKind = "PARSE_ERROR_RECOVERABLE"
	FailureParseUnusable    FailureKind = "PARSE_ERROR_UNUSABLE"
	FailureUpstreamEmpty    FailureKind = "UPSTREAM_EMPTY"
	FailureCancelled        FailureKind = "CANCELLED"
)

// CountsAgainstHealth reports whether the failure should feed the rolling
// success rate and circuit breaker. Cancellations are the caller's doing
// and empty result sets are valid responses.
func (k FailureKind) CountsAgainstHealth() bool {
	switch k {
	case FailureNone, FailureCancelled, FailureUpstreamEmpty, FailureParseRecoverable:
		return false
	}
	return true
}

// Aggregated errors surfaced to the downstream caller. Per-adapter failures
// stay in health counters; the caller sees at most one of these.
var (
	ErrNoRoute          = errors.New("no eligible source for route")
	ErrAllSourcesFailed = errors.New("all sources failed")
	ErrTimeout          = errors.New("search deadline exceeded")
)

// SourceError pairs an adapter error with its classified kind so the
// executor does not need to re-classify.
type SourceError struct {
	SourceID string
	Kind     FailureKind
	Err      error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *SourceError) Unwrap() error { return e.Err }
