// Package adapter defines the uniform contract every upstream source
// implementation satisfies, plus the shared machinery they lean on: the
// injected AdapterContext, per-source token buckets, the anti-bot strategy
// ladder and the residential proxy pool.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/skyscan/skyscan/model"
)

// RawSink receives raw offers as an adapter parses them. Implementations
// must return promptly; a non-nil error (typically the context error) tells
// the adapter to stop emitting.
type RawSink func(model.RawOffer) error

// Adapter is the contract between the fan-out executor and one upstream
// source. Search streams raw offers into sink until the response is
// exhausted or ctx is done; the deadline on ctx is the adapter's budget.
type Adapter interface {
	ID() string
	Search(ctx context.Context, q model.Query, sink RawSink) error
	HealthCheck(ctx context.Context) error
	// ClassifyFailure maps an error returned by Search onto the failure
	// taxonomy so the executor can decide retry and escalation policy.
	ClassifyFailure(err error) model.FailureKind
}

// Carriers is implemented by adapters that directly serve specific
// marketing carriers; the router forces them into the primary tier on
// routes where those carriers are expected.
type Carriers interface {
	Carriers() []string
}

// ErrBotChallenge is returned when a WAF block or CAPTCHA interstitial is
// detected in an upstream response.
var ErrBotChallenge = errors.New("bot challenge")

// ErrRateLimited is returned when the upstream rejects with 429 or the
// local token bucket cannot be satisfied within the deadline.
var ErrRateLimited = errors.New("rate limited")

// ErrAuthExpired is returned on a 401 after a previously valid token.
var ErrAuthExpired = errors.New("auth expired")

// ErrUpstreamEmpty marks a valid response that contained zero offers.
var ErrUpstreamEmpty = errors.New("upstream returned no offers")

// ParseError is returned when a response cannot be decoded. Unusable means
// the root structure changed and the payload yields nothing; recoverable
// means individual offers were dropped but siblings survived.
type ParseError struct {
	Unusable bool
	Err      error
}

func (e *ParseError) Error() string {
	if e.Unusable {
		return "parse error (unusable): " + e.Err.Error()
	}
	return "parse error (recoverable): " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ClassifyDefault is the shared classification most HTTP adapters use.
// Adapters wrap it to add source-specific cases.
func ClassifyDefault(err error) model.FailureKind {
	switch {
	case err == nil:
		return model.FailureNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.FailureCancelled
	case errors.Is(err, ErrBotChallenge):
		return model.FailureBotChallenge
	case errors.Is(err, ErrRateLimited):
		return model.FailureRateLimited
	case errors.Is(err, ErrAuthExpired):
		return model.FailureAuthExpired
	case errors.Is(err, ErrUpstreamEmpty):
		return model.FailureUpstreamEmpty
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		if pe.Unusable {
			return model.FailureParseUnusable
		}
		return model.FailureParseRecoverable
	}
	return model.FailureTransientNetwork
}

// ClassifyStatus maps an HTTP status code onto the failure taxonomy.
// 2xx maps to FailureNone; callers handle body-level detection separately.
func ClassifyStatus(status int) model.FailureKind {
	switch {
	case status >= 200 && status < 300:
		return model.FailureNone
	case status == http.StatusTooManyRequests:
		return model.FailureRateLimited
	case status == http.StatusUnauthorized:
		return model.FailureAuthExpired
	case status == http.StatusForbidden:
		return model.FailureBotChallenge
	default:
		return model.FailureTransientNetwork
	}
}

// StatusError lets adapters surface a failing HTTP status with its
// classification attached.
func StatusError(status int) error {
	switch ClassifyStatus(status) {
	case model.FailureRateLimited:
		return ErrRateLimited
	case model.FailureAuthExpired:
		return ErrAuthExpired
	case model.FailureBotChallenge:
		return ErrBotChallenge
	default:
		return &httpStatusError{status: status}
	}
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.status)
}
