// Package airline holds direct-airline adapters: sources that speak to one
// carrier's own booking systems. They produce the highest-trust prices and
// are forced into the primary tier on routes the carrier flies.
package airline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// JejuAirSourceID identifies the Jeju Air adapter.
const JejuAirSourceID = "jejuair"

const jejuBaseURL = "https://www.jejuair.example"

// Fare is the tagged raw payload both direct-airline adapters emit. Times
// are airport-local, as the booking engines render them.
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
	BookingURL   string  `json:"booking_url,omitempty"`
}

// JejuAir crawls the Jeju Air booking engine. The engine has no public
// API: a warm-up GET on the search page issues a session cookie, and the
// availability endpoint accepts a form POST tied to that session. Sessions
// go stale server-side after a few minutes, so each search re-primes when
// the last prime is old.
type JejuAir struct {
	cfg    config.AdapterConfig
	actx   *adapter.Context
	bucket *adapter.Bucket

	mu       sync.Mutex
	cookies  []string
	primedAt time.Time
}

const jejuSessionTTL = 4 * time.Minute

// NewJejuAir constructs the Jeju Air adapter.
func NewJejuAir(cfg config.AdapterConfig, actx *adapter.Context) *JejuAir {
	return &JejuAir{cfg: cfg, actx: actx, bucket: adapter.NewBucket(cfg.RateLimit)}
}

func (a *JejuAir) ID() string { return JejuAirSourceID }

func (a *JejuAir) Carriers() []string { return []string{"7C"} }

func (a *JejuAir) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

func (a *JejuAir) HealthCheck(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, jejuBaseURL+"/ibe/booking/Availability.do", nil)
	if err != nil {
		return err
	}
	res, err := a.actx.Masked.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}
	return nil
}

func (a *JejuAir) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	if err := a.bucket.Acquire(ctx); err != nil {
		return err
	}
	cookies, err := a.session(ctx)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("depStn", q.Origin)
	form.Set("arrStn", q.Destination)
	form.Set("depDate", q.DepartureDate.Format("20060102"))
	form.Set("tripType", tripCode(q))
	if q.TripType == model.RoundTrip && q.ReturnDate != nil {
		form.Set("retDate", q.ReturnDate.Format("20060102"))
	}
	form.Set("adtCount", strconv.Itoa(q.Travelers.Adults))
	form.Set("chdCount", strconv.Itoa(q.Travelers.Children))
	form.Set("infCount", strconv.Itoa(q.Travelers.InfantInSeat+q.Travelers.InfantOnLap))
	form.Set("currency", q.Currency)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		jejuBaseURL+"/ibe/booking/searchAvailability.json", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	req.Header.Set("referer", jejuBaseURL+"/ibe/booking/Availability.do")
	req.Header.Set("x-requested-with", "XMLHttpRequest")
	req.Header["cookie"] = cookies

	res, err := a.actx.Masked.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}
	ct := res.Header.Get("content-type")
	if strings.Contains(ct, "text/html") {
		// The engine answers availability calls with JSON; HTML here is the
		// WAF interstitial or a bounced session.
		a.InvalidateToken()
		return adapter.ErrBotChallenge
	}

	var body struct {
		ResultCode string `json:"resultCode"`
		Flights    []struct {
			FlightNo  string `json:"flightNo"`
			DepStn    string `json:"depStn"`
			ArrStn    string `json:"arrStn"`
			DepTime   string `json:"depTime"` // 200601021504
			ArrTime   string `json:"arrTime"`
			Fares     []struct {
				FareType string  `json:"fareType"`
				Amount   float64 `json:"totalAmount"`
				Currency string  `json:"currency"`
				Cabin    string  `json:"cabinClass"`
			} `json:"fares"`
		} `json:"flightList"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return &adapter.ParseError{Unusable: true, Err: err}
	}
	if body.ResultCode == "SESSION_EXPIRED" {
		a.InvalidateToken()
		return adapter.ErrAuthExpired
	}
	if len(body.Flights) == 0 {
		return adapter.ErrUpstreamEmpty
	}

	emitted := 0
	for _, f := range body.Flights {
		dep, err1 := time.Parse("200601021504", f.DepTime)
		arr, err2 := time.Parse("200601021504", f.ArrTime)
		if err1 != nil || err2 != nil || len(f.Fares) == 0 {
			continue
		}
		// Cheapest fare bucket per flight.
		best := f.Fares[0]
		for _, fr := range f.Fares[1:] {
			if fr.Amount < best.Amount {
				best = fr
			}
		}
		payload, err := json.Marshal(Fare{
			Carrier:      "7C",
			FlightNumber: strings.TrimPrefix(f.FlightNo, "7C"),
			Origin:       f.DepStn,
			Destination:  f.ArrStn,
			DepartLocal:  dep.Format("2006-01-02T15:04"),
			ArriveLocal:  arr.Format("2006-01-02T15:04"),
			Cabin:        best.Cabin,
			Price:        best.Amount,
			Currency:     best.Currency,
			FareClass:    best.FareType,
			BookingURL:   jejuBaseURL + "/ibe/booking/Availability.do",
		})
		if err != nil {
			continue
		}
		if err := sink(model.RawOffer{
			SourceID:  JejuAirSourceID,
			Payload:   payload,
			FetchedAt: a.actx.Now().UTC(),
		}); err != nil {
			return err
		}
		emitted++
	}
	if emitted == 0 {
		return &adapter.ParseError{Unusable: true, Err: fmt.Errorf("no parseable flights in %d rows", len(body.Flights))}
	}
	return nil
}

func (a *JejuAir) session(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	if len(a.cookies) > 0 && a.actx.Now().Sub(a.primedAt) < jejuSessionTTL {
		cookies := a.cookies
		a.mu.Unlock()
		return cookies, nil
	}
	a.mu.Unlock()

	cookies, err := adapter.PrimeCookies(ctx, a.actx.Masked, jejuBaseURL+"/ibe/booking/Availability.do", "")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.cookies = cookies
	a.primedAt = a.actx.Now()
	a.mu.Unlock()
	return cookies, nil
}

// InvalidateToken drops the primed session so the next search re-primes.
// The executor calls it before the AUTH_EXPIRED retry.
func (a *JejuAir) InvalidateToken() {
	a.mu.Lock()
	a.cookies = nil
	a.mu.Unlock()
}

func tripCode(q model.Query) string {
	if q.TripType == model.RoundTrip {
		return "RT"
	}
	return "OW"
}
