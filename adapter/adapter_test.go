package adapter

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

func TestBucketAcquireImmediate(t *testing.T) {
	b := NewBucket(config.RateLimitConfig{Capacity: 2, RefillPerSec: 1})

	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx))
	require.NoError(t, b.Acquire(ctx))
}

func TestBucketAcquireRespectsDeadline(t *testing.T) {
	b := NewBucket(config.RateLimitConfig{Capacity: 1, RefillPerSec: 0.1})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Acquire(ctx))

	// Bucket is drained; the 10s refill cannot fit a 50ms deadline.
	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRateLimited)

	// The cancelled reservation must not have burned the refilling token.
	assert.Greater(t, b.Tokens(), -1.0)
}

func TestBucketAcquireCancelledMidWait(t *testing.T) {
	b := NewBucket(config.RateLimitConfig{Capacity: 1, RefillPerSec: 2})
	require.NoError(t, b.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	// Deadline-less context: Acquire waits on the refill, then observes the cancel.
	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLadderAdvanceAndDecay(t *testing.T) {
	l := NewLadder(2, StrategyDirect, StrategyCookiePrime, StrategyProxyRotate)

	assert.Equal(t, StrategyDirect, l.Current())

	require.True(t, l.Advance())
	assert.Equal(t, StrategyCookiePrime, l.Peek())

	// Escalated strategy holds for two requests, then decays.
	assert.Equal(t, StrategyCookiePrime, l.Current())
	assert.Equal(t, StrategyCookiePrime, l.Current())
	assert.Equal(t, StrategyDirect, l.Current())
}

func TestLadderTopStays(t *testing.T) {
	l := NewLadder(1, StrategyDirect, StrategyBrowser)
	require.True(t, l.Advance())
	assert.False(t, l.Advance(), "top of ladder cannot advance")
	assert.Equal(t, StrategyBrowser, l.Peek())
}

func TestProxyPoolRotatesAndCaps(t *testing.T) {
	p := NewProxyPool([]string{"http://a", "http://b"}, 1)

	url1, release1, err := p.Lease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://a", url1)
	assert.Equal(t, 1, p.InUse())

	// Pool is at capacity; a second lease must block until release.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err = p.Lease(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release1()
	release1() // idempotent

	url2, release2, err := p.Lease(context.Background())
	require.NoError(t, err)
	defer release2()
	assert.Equal(t, "http://b", url2)
}

func TestProxyPoolEmpty(t *testing.T) {
	p := NewProxyPool(nil, 2)
	_, _, err := p.Lease(context.Background())
	assert.ErrorIs(t, err, ErrNoProxies)
}

func TestClassifyDefault(t *testing.T) {
	cases := []struct {
		err  error
		want model.FailureKind
	}{
		{nil, model.FailureNone},
		{context.Canceled, model.FailureCancelled},
		{context.DeadlineExceeded, model.FailureCancelled},
		{ErrBotChallenge, model.FailureBotChallenge},
		{ErrRateLimited, model.FailureRateLimited},
		{ErrAuthExpired, model.FailureAuthExpired},
		{ErrUpstreamEmpty, model.FailureUpstreamEmpty},
		{&ParseError{Unusable: true, Err: assert.AnError}, model.FailureParseUnusable},
		{&ParseError{Err: assert.AnError}, model.FailureParseRecoverable},
		{assert.AnError, model.FailureTransientNetwork},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyDefault(tc.err))
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, model.FailureNone, ClassifyStatus(http.StatusOK))
	assert.Equal(t, model.FailureRateLimited, ClassifyStatus(http.StatusTooManyRequests))
	assert.Equal(t, model.FailureAuthExpired, ClassifyStatus(http.StatusUnauthorized))
	assert.Equal(t, model.FailureBotChallenge, ClassifyStatus(http.StatusForbidden))
	assert.Equal(t, model.FailureTransientNetwork, ClassifyStatus(http.StatusBadGateway))
}
