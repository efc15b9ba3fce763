// Package executor fans a query out across the planned sources, applies
// per-source retry and escalation policy, and feeds outcomes back into the
// circuit breakers and health accounting. Interactive searches return as
// soon as the first usable response has landed plus a short grace window;
// the crawl keeps running in the background so the cache still receives
// the full merged picture.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/normalize"
	"github.com/skyscan/skyscan/pkg/logger"
	"github.com/skyscan/skyscan/router"
)

// SourceOutcome is the per-source result summary attached to a Result.
type SourceOutcome struct {
	Kind     model.FailureKind `json:"kind"`
	Offers   int               `json:"offers"`
	Dropped  int               `json:"dropped,omitempty"` // offers lost to recoverable parse failures
	Attempts int               `json:"attempts"`
	Duration time.Duration     `json:"duration"`
	Error    string            `json:"error,omitempty"`
}

// Result is one fan-out's accumulated output. Offers are normalized but
// not yet merged; the merger owns dedup.
type Result struct {
	Offers  []model.Offer
	Sources map[string]SourceOutcome
	Skipped map[string]string
	// Partial marks an interactive snapshot taken while sources were
	// still in flight.
	Partial bool
}

// Executor runs fan-outs over a fixed adapter set.
type Executor struct {
	cfg      config.ExecutorConfig
	adapters map[string]adapter.Adapter
	norm     *normalize.Registry
	health   *Health
	circuits *CircuitSet
	log      *logger.Logger
	now      func() time.Time

	bgLimit int
	bgMu    sync.Mutex
	bgSlots map[string]chan struct{}
}

// SetBackgroundLimit caps concurrent background requests per source.
// Refresh crawls queue behind the cap; interactive fan-outs bypass it, so
// bulk refresh cannot starve interactive load. Zero means uncapped.
func (e *Executor) SetBackgroundLimit(n int) { e.bgLimit = n }

func (e *Executor) acquireCrawlSlot(ctx context.Context, id string) error {
	if e.bgLimit <= 0 {
		return nil
	}
	e.bgMu.Lock()
	if e.bgSlots == nil {
		e.bgSlots = make(map[string]chan struct{})
	}
	slots, ok := e.bgSlots[id]
	if !ok {
		slots = make(chan struct{}, e.bgLimit)
		e.bgSlots[id] = slots
	}
	e.bgMu.Unlock()
	select {
	case slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) releaseCrawlSlot(id string) {
	if e.bgLimit <= 0 {
		return
	}
	e.bgMu.Lock()
	slots := e.bgSlots[id]
	e.bgMu.Unlock()
	if slots != nil {
		<-slots
	}
}

// New constructs an executor.
func New(cfg config.ExecutorConfig, adapters map[string]adapter.Adapter, norm *normalize.Registry,
	health *Health, circuits *CircuitSet, log *logger.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		adapters: adapters,
		norm:     norm,
		health:   health,
		circuits: circuits,
		log:      log,
		now:      time.Now,
	}
}

// Search runs an interactive fan-out. It returns the first snapshot (the
// first usable response plus the grace window, or whatever accumulated by
// the interactive deadline) and a channel that delivers the final result
// once every source has finished; the continuation is detached from the
// caller's context and bounded by the background deadline. The final
// channel always receives exactly one value.
func (e *Executor) Search(ctx context.Context, q model.Query, plan router.Plan, nc normalize.Context) (*Result, <-chan *Result, error) {
	if len(plan.Sources()) == 0 {
		return nil, nil, model.ErrNoRoute
	}
	bgCtx, bgCancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.BackgroundDeadline)
	snapCh := make(chan *Result, 1)
	finalCh := make(chan *Result, 1)
	go e.collect(bgCtx, bgCancel, q, plan, nc, snapCh, finalCh)

	select {
	case r := <-snapCh:
		return r, finalCh, nil
	case <-ctx.Done():
		// The continuation still completes and the caller may still
		// consume finalCh for the cache write.
		return nil, finalCh, ctx.Err()
	}
}

// Crawl runs a background fan-out to completion under the caller's
// context. Used by the refresh workers, where nobody is waiting.
func (e *Executor) Crawl(ctx context.Context, q model.Query, plan router.Plan, nc normalize.Context) (*Result, error) {
	if len(plan.Sources()) == 0 {
		return nil, model.ErrNoRoute
	}
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.BackgroundDeadline)
	finalCh := make(chan *Result, 1)
	go e.collect(runCtx, cancel, q, plan, nc, nil, finalCh)
	select {
	case r := <-finalCh:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type sourceResult struct {
	id      string
	offers  []model.Offer
	dropped int
	kind    model.FailureKind
	err     error
	att     int
	dur     time.Duration
}

func (e *Executor) collect(ctx context.Context, cancel context.CancelFunc, q model.Query, plan router.Plan,
	nc normalize.Context, snapCh chan *Result, finalCh chan *Result) {
	defer cancel()

	resCh := make(chan sourceResult, len(e.adapters)+1)
	pending := 0
	inFlight := make(map[string]bool)
	outcomes := make(map[string]SourceOutcome)
	background := snapCh == nil

	launch := func(ids []string) {
		for _, id := range ids {
			ad, ok := e.adapters[id]
			if !ok {
				continue
			}
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < e.cfg.MinAdapterFloor {
				continue
			}
			pending++
			inFlight[id] = true
			go func(id string, ad adapter.Adapter) {
				if background {
					if err := e.acquireCrawlSlot(ctx, id); err != nil {
						resCh <- sourceResult{id: id, kind: model.FailureCancelled, err: err}
						return
					}
					defer e.releaseCrawlSlot(id)
				}
				resCh <- e.runSource(ctx, id, ad, q, nc)
			}(id, ad)
		}
	}
	launch(plan.Primary)
	launch(plan.Complementary)

	fallbackFired := len(plan.Fallback) == 0
	fireFallback := func() {
		if fallbackFired {
			return
		}
		fallbackFired = true
		e.log.Debug("firing fallback tier", "query", q.Key(), "sources", plan.Fallback)
		launch(plan.Fallback)
	}

	var offers []model.Offer
	anyOffers := false
	snapSent := snapCh == nil
	sendSnap := func(partial bool) {
		if snapSent {
			return
		}
		snapSent = true
		snapCh <- e.assemble(offers, outcomes, plan, partial)
	}

	var interactiveC, fallbackC, graceC <-chan time.Time
	if snapCh != nil {
		it := time.NewTimer(e.cfg.InteractiveDeadline)
		defer it.Stop()
		interactiveC = it.C
		ft := time.NewTimer(e.cfg.FallbackSubDeadline)
		defer ft.Stop()
		fallbackC = ft.C
	}

	for pending > 0 {
		select {
		case r := <-resCh:
			pending--
			delete(inFlight, r.id)
			outcomes[r.id] = SourceOutcome{
				Kind: r.kind, Offers: len(r.offers), Dropped: r.dropped,
				Attempts: r.att, Duration: r.dur, Error: errText(r.err),
			}
			e.circuits.Record(r.id, r.kind)
			e.health.Record(r.id, r.kind, errText(r.err))
			if len(r.offers) > 0 {
				offers = append(offers, r.offers...)
				if !anyOffers {
					anyOffers = true
					if !snapSent {
						gt := time.NewTimer(e.cfg.FirstResponseGrace)
						defer gt.Stop()
						graceC = gt.C
					}
				}
			}
			if pending == 0 && !anyOffers {
				fireFallback()
			}
		case <-graceC:
			sendSnap(pending > 0)
		case <-interactiveC:
			sendSnap(pending > 0)
		case <-fallbackC:
			if !anyOffers {
				fireFallback()
			}
		case <-ctx.Done():
			for id := range inFlight {
				outcomes[id] = SourceOutcome{Kind: model.FailureCancelled, Error: ctx.Err().Error()}
			}
			pending = 0
		}
	}

	sendSnap(false)
	finalCh <- e.assemble(offers, outcomes, plan, false)
	close(finalCh)
}

func (e *Executor) assemble(offers []model.Offer, outcomes map[string]SourceOutcome, plan router.Plan, partial bool) *Result {
	r := &Result{
		Offers:  append([]model.Offer{}, offers...),
		Sources: make(map[string]SourceOutcome, len(outcomes)),
		Skipped: plan.Skipped,
		Partial: partial,
	}
	for id, o := range outcomes {
		r.Sources[id] = o
	}
	return r
}

// escalator is implemented by adapters carrying an anti-bot ladder.
type escalator interface {
	Ladder() *adapter.Ladder
}

// tokenInvalidator is implemented by adapters caching long-lived tokens.
type tokenInvalidator interface {
	InvalidateToken()
}

const maxTransientRetries = 2

// runSource runs one adapter with the retry policy:
//   - TRANSIENT_NETWORK retries up to twice;
//   - AUTH_EXPIRED invalidates the cached token and retries once, when
//     the adapter supports invalidation;
//   - BOT_CHALLENGE advances the adapter's evasion ladder for subsequent
//     requests; the blocked request itself is not retried;
//   - everything else fails the attempt outright.
//
// Each attempt runs under the adapter's own timeout when one is
// configured, on top of the fan-out deadline.
func (e *Executor) runSource(ctx context.Context, id string, ad adapter.Adapter, q model.Query, nc normalize.Context) sourceResult {
	start := e.now()
	if !e.circuits.Allow(id) {
		return sourceResult{id: id, kind: model.FailureCancelled, att: 0, dur: e.now().Sub(start)}
	}

	var (
		offers    []model.Offer
		dropped   int
		transient int
		authTried bool
		attempts  int
		err       error
	)
	sink := func(ro model.RawOffer) error {
		o, nerr := e.norm.Normalize(ro, nc)
		if nerr != nil {
			dropped++
			e.log.Debug("dropped unnormalizable offer", "source", id, "error", nerr.Error())
			return nil
		}
		offers = append(offers, o)
		return ctx.Err()
	}

	for {
		offers = offers[:0]
		dropped = 0
		attempts++
		attemptCtx, cancel := e.attemptContext(ctx, id)
		err = ad.Search(attemptCtx, q, sink)
		cancel()
		if err == nil || ctx.Err() != nil {
			break
		}
		switch ad.ClassifyFailure(err) {
		case model.FailureTransientNetwork:
			if transient < maxTransientRetries {
				transient++
				continue
			}
		case model.FailureAuthExpired:
			if ti, ok := ad.(tokenInvalidator); ok && !authTried {
				authTried = true
				ti.InvalidateToken()
				continue
			}
		case model.FailureBotChallenge:
			// The escalated strategy applies to subsequent requests; the
			// blocked request is not replayed.
			if esc, ok := ad.(escalator); ok && esc.Ladder().Advance() {
				e.log.Warn("bot challenge, escalating strategy",
					"source", id, "strategy", string(esc.Ladder().Peek()))
			}
		}
		break
	}

	kind := ad.ClassifyFailure(err)
	if err == nil && len(offers) == 0 {
		kind = model.FailureUpstreamEmpty
	}
	if err != nil {
		err = &model.SourceError{SourceID: id, Kind: kind, Err: err}
	}
	return sourceResult{
		id: id, offers: offers, dropped: dropped,
		kind: kind, err: err, att: attempts, dur: e.now().Sub(start),
	}
}

// attemptContext bounds one upstream request by the source's configured
// timeout, when it has one.
func (e *Executor) attemptContext(ctx context.Context, id string) (context.Context, context.CancelFunc) {
	if t := e.cfg.AdapterTimeouts[id]; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return ctx, func() {}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
