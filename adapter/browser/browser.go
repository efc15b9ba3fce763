package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// SourceID identifies this adapter in offers and health records.
const SourceID = "browser"

const resultsURL = "https://www.jinair.example/booking/index"

// Fare is the tagged raw payload this adapter emits, lifted from the
// booking page's client-side state.
type Fare struct {
	Carrier      string  `json:"carrier"`
	FlightNumber string  `json:"flight_number"`
	Origin       string  `json:"origin"`
	Destination  string  `json:"destination"`
	DepartLocal  string  `json:"depart_local"` // 2006-01-02T15:04
	ArriveLocal  string  `json:"arrive_local"`
	Cabin        string  `json:"cabin"`
	Price        float64 `json:"price"`
	Currency     string  `json:"currency"`
	FareClass    string  `json:"fare_class,omitempty"`
}

// Adapter drives a headless browser through the airline's booking flow
// and lifts fares from the page state the frontend hydrates.
type Adapter struct {
	cfg    config.AdapterConfig
	actx   *adapter.Context
	bucket *adapter.Bucket
	pool   *Pool
}

// New constructs the browser adapter over a shared pool.
func New(cfg config.AdapterConfig, actx *adapter.Context, pool *Pool) *Adapter {
	return &Adapter{cfg: cfg, actx: actx, bucket: adapter.NewBucket(cfg.RateLimit), pool: pool}
}

func (a *Adapter) ID() string { return SourceID }

func (a *Adapter) Carriers() []string { return []string{"LJ"} }

func (a *Adapter) ClassifyFailure(err error) model.FailureKind {
	if err != nil && strings.Contains(err.Error(), "challenge page") {
		return model.FailureBotChallenge
	}
	return adapter.ClassifyDefault(err)
}

// HealthCheck verifies an instance can be leased and is responsive. It
// does not navigate anywhere.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	inst, release, err := a.pool.Lease(ctx)
	if err != nil {
		return err
	}
	tabCtx, cancel := a.scoped(ctx, inst)
	defer cancel()
	var title string
	err = chromedp.Run(tabCtx, chromedp.Title(&title))
	release(err != nil)
	return err
}

// scoped derives a tab context from the instance bounded by the caller's
// context so a hung page never wedges the pooled browser.
func (a *Adapter) scoped(ctx context.Context, inst *Instance) (context.Context, context.CancelFunc) {
	tabCtx, tabCancel := chromedp.NewContext(inst.Ctx())
	stop := context.AfterFunc(ctx, tabCancel)
	cancel := func() {
		stop()
		tabCancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		var dCancel context.CancelFunc
		tabCtx, dCancel = context.WithDeadline(tabCtx, deadline)
		inner := cancel
		cancel = func() {
			dCancel()
			inner()
		}
	}
	return tabCtx, cancel
}

func (a *Adapter) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	if err := a.bucket.Acquire(ctx); err != nil {
		return err
	}
	inst, release, err := a.pool.Lease(ctx)
	if err != nil {
		return err
	}
	failed := true
	defer func() { release(failed) }()

	u := fmt.Sprintf("%s?dep=%s&arr=%s&depDate=%s&adt=%d&chd=%d&inf=%d",
		resultsURL, q.Origin, q.Destination, q.DepartureDate.Format("20060102"),
		q.Travelers.Adults, q.Travelers.Children, q.Travelers.InfantInSeat+q.Travelers.InfantOnLap)

	tabCtx, cancel := a.scoped(ctx, inst)
	defer cancel()
	var stateJSON string
	var pageTitle string
	err = chromedp.Run(tabCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"accept-language": "en-US,en;q=0.9"}),
		chromedp.Navigate(u),
		chromedp.Title(&pageTitle),
		chromedp.WaitVisible(`#fareResults`, chromedp.ByID),
		chromedp.Evaluate(`JSON.stringify(window.__FARE_STATE__ || null)`, &stateJSON),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.Contains(strings.ToLower(pageTitle), "access denied") {
			return fmt.Errorf("challenge page: %s", pageTitle)
		}
		return err
	}
	failed = false

	if stateJSON == "" || stateJSON == "null" {
		return adapter.ErrUpstreamEmpty
	}
	return a.parseState(stateJSON, sink)
}

type pageState struct {
	Currency string `json:"currency"`
	Flights  []struct {
		FlightNo string `json:"flightNo"`
		DepStn   string `json:"depStn"`
		ArrStn   string `json:"arrStn"`
		DepTime  string `json:"depTime"` // 2006-01-02 15:04
		ArrTime  string `json:"arrTime"`
		Fares    []struct {
			Cabin    string  `json:"cabin"`
			FareType string  `json:"fareType"`
			Amount   float64 `json:"amount"`
		} `json:"fares"`
	} `json:"flights"`
}

func (a *Adapter) parseState(raw string, sink adapter.RawSink) error {
	var st pageState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return &adapter.ParseError{Unusable: true, Err: err}
	}
	if len(st.Flights) == 0 {
		return adapter.ErrUpstreamEmpty
	}

	emitted := 0
	for _, f := range st.Flights {
		dep, err1 := time.Parse("2006-01-02 15:04", f.DepTime)
		arr, err2 := time.Parse("2006-01-02 15:04", f.ArrTime)
		if err1 != nil || err2 != nil || len(f.Fares) == 0 {
			continue
		}
		best := f.Fares[0]
		for _, fr := range f.Fares[1:] {
			if fr.Amount < best.Amount {
				best = fr
			}
		}
		payload, err := json.Marshal(Fare{
			Carrier:      "LJ",
			FlightNumber: strings.TrimPrefix(f.FlightNo, "LJ"),
			Origin:       f.DepStn,
			Destination:  f.ArrStn,
			DepartLocal:  dep.Format("2006-01-02T15:04"),
			ArriveLocal:  arr.Format("2006-01-02T15:04"),
			Cabin:        best.Cabin,
			Price:        best.Amount,
			Currency:     st.Currency,
			FareClass:    best.FareType,
		})
		if err != nil {
			continue
		}
		if err := sink(model.RawOffer{
			SourceID:  SourceID,
			Payload:   payload,
			FetchedAt: a.actx.Now().UTC(),
		}); err != nil {
			return err
		}
		emitted++
	}
	if emitted == 0 {
		return &adapter.ParseError{Unusable: true, Err: fmt.Errorf("no parseable fares in page state")}
	}
	return nil
}
