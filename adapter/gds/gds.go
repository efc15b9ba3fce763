// Package gds implements the GDS distribution API adapter. Access is
// OAuth2 client-credentials; the contract caps usage on two windows at
// once, per-second and per-hour, so the adapter stacks a second hourly
// bucket behind the shared per-second one.
package gds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// SourceID identifies this adapter in offers and health records.
const SourceID = "gds"

const defaultBaseURL = "https://api.gds-distribution.example/v2"

// Offer is the tagged raw payload this adapter emits. GDS itineraries are
// fully structured; times are airport-local with the offset attached.
type Offer struct {
	Segments   []Segment `json:"segments"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	FareClass  string    `json:"fare_class,omitempty"`
	Refundable bool      `json:"refundable"`
}

// Segment is one GDS itinerary segment.
type Segment struct {
	Carrier          string `json:"carrier"`
	OperatingCarrier string `json:"operating_carrier,omitempty"`
	FlightNumber     string `json:"flight_number"`
	Origin           string `json:"origin"`
	Destination      string `json:"destination"`
	Depart           string `json:"depart"` // RFC 3339 with offset
	Arrive           string `json:"arrive"`
	Aircraft         string `json:"aircraft,omitempty"`
	Cabin            string `json:"cabin"`
	DurationMin      int    `json:"duration_min"`
}

// Adapter crawls the GDS flight offers API.
type Adapter struct {
	cfg     config.AdapterConfig
	actx    *adapter.Context
	bucket  *adapter.Bucket // per-second window
	hourly  *rate.Limiter   // per-hour window
	cc      clientcredentials.Config
	baseURL string

	mu     sync.Mutex
	token  oauth2.TokenSource
	client *http.Client
}

const hourlyQuota = 1000

// New constructs the GDS adapter. Tokens refresh 60 seconds before their
// stamped expiry so an in-flight search never straddles a rollover.
func New(cfg config.AdapterConfig, actx *adapter.Context) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		actx:   actx,
		bucket: adapter.NewBucket(cfg.RateLimit),
		hourly: rate.NewLimiter(rate.Limit(float64(hourlyQuota)/3600.0), hourlyQuota),
		cc: clientcredentials.Config{
			ClientID:     cfg.Credentials.ClientID,
			ClientSecret: cfg.Credentials.ClientSecret,
			TokenURL:     cfg.Credentials.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		baseURL: defaultBaseURL,
	}
	a.rebuildTokenSource()
	return a
}

func (a *Adapter) rebuildTokenSource() {
	base := context.WithValue(context.Background(), oauth2.HTTPClient, a.actx.Plain.StandardClient())
	src := oauth2.ReuseTokenSourceWithExpiry(nil, a.cc.TokenSource(base), time.Minute)
	a.mu.Lock()
	a.token = src
	a.client = oauth2.NewClient(base, src)
	a.mu.Unlock()
}

// InvalidateToken drops the cached bearer token; the next request fetches
// a fresh one. The executor calls it before the AUTH_EXPIRED retry.
func (a *Adapter) InvalidateToken() {
	a.rebuildTokenSource()
}

// NewWithBaseURL overrides the endpoint, for tests.
func NewWithBaseURL(cfg config.AdapterConfig, actx *adapter.Context, baseURL string) *Adapter {
	a := New(cfg, actx)
	a.baseURL = baseURL
	return a
}

func (a *Adapter) ID() string { return SourceID }

func (a *Adapter) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

// acquire satisfies both windows. The hourly reservation is cancelled if
// the per-second wait fails so quota is not silently burned.
func (a *Adapter) acquire(ctx context.Context) error {
	r := a.hourly.Reserve()
	if !r.OK() || r.Delay() > 0 {
		r.Cancel()
		return adapter.ErrRateLimited
	}
	if err := a.bucket.Acquire(ctx); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	src := a.token
	a.mu.Unlock()
	// Fetching a token exercises the auth path without spending quota.
	if _, err := src.Token(); err != nil {
		return adapter.ErrAuthExpired
	}
	return nil
}

func (a *Adapter) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	if err := a.acquire(ctx); err != nil {
		return err
	}

	vals := url.Values{}
	vals.Set("originLocationCode", q.Origin)
	vals.Set("destinationLocationCode", q.Destination)
	vals.Set("departureDate", q.DepartureDate.Format(time.DateOnly))
	if q.TripType == model.RoundTrip && q.ReturnDate != nil {
		vals.Set("returnDate", q.ReturnDate.Format(time.DateOnly))
	}
	vals.Set("adults", strconv.Itoa(q.Travelers.Adults))
	if q.Travelers.Children > 0 {
		vals.Set("children", strconv.Itoa(q.Travelers.Children))
	}
	if n := q.Travelers.InfantInSeat + q.Travelers.InfantOnLap; n > 0 {
		vals.Set("infants", strconv.Itoa(n))
	}
	vals.Set("travelClass", gdsCabin(q.Cabin))
	vals.Set("currencyCode", q.Currency)
	vals.Set("max", "100")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/shopping/flight-offers?"+vals.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")

	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}
	return a.parseResponse(res.Body, sink)
}

type offersResponse struct {
	Data []struct {
		Itineraries []struct {
			Segments []struct {
				Departure struct {
					IATACode string `json:"iataCode"`
					At       string `json:"at"`
				} `json:"departure"`
				Arrival struct {
					IATACode string `json:"iataCode"`
					At       string `json:"at"`
				} `json:"arrival"`
				CarrierCode string `json:"carrierCode"`
				Number      string `json:"number"`
				Aircraft    struct {
					Code string `json:"code"`
				} `json:"aircraft"`
				Operating struct {
					CarrierCode string `json:"carrierCode"`
				} `json:"operating"`
				Duration string `json:"duration"` // ISO 8601, e.g. PT2H15M
			} `json:"segments"`
		} `json:"itineraries"`
		Price struct {
			GrandTotal string `json:"grandTotal"`
			Currency   string `json:"currency"`
		} `json:"price"`
		PricingOptions struct {
			Refundable bool `json:"refundableFare"`
		} `json:"pricingOptions"`
		TravelerPricings []struct {
			FareDetailsBySegment []struct {
				Cabin string `json:"cabin"`
				Class string `json:"class"`
			} `json:"fareDetailsBySegment"`
		} `json:"travelerPricings"`
	} `json:"data"`
}

func (a *Adapter) parseResponse(body io.Reader, sink adapter.RawSink) error {
	var or offersResponse
	if err := json.NewDecoder(body).Decode(&or); err != nil {
		return &adapter.ParseError{Unusable: true, Err: err}
	}
	if len(or.Data) == 0 {
		return adapter.ErrUpstreamEmpty
	}

	emitted := 0
	for _, d := range or.Data {
		amount, err := strconv.ParseFloat(d.Price.GrandTotal, 64)
		if err != nil || d.Price.Currency == "" {
			continue
		}
		o := Offer{
			Price:      amount,
			Currency:   d.Price.Currency,
			Refundable: d.PricingOptions.Refundable,
		}
		cabins := map[int]struct{ cabin, class string }{}
		if len(d.TravelerPricings) > 0 {
			for i, fd := range d.TravelerPricings[0].FareDetailsBySegment {
				cabins[i] = struct{ cabin, class string }{fd.Cabin, fd.Class}
				if o.FareClass == "" {
					o.FareClass = fd.Class
				}
			}
		}
		idx := 0
		for _, it := range d.Itineraries {
			for _, s := range it.Segments {
				seg := Segment{
					Carrier:          s.CarrierCode,
					OperatingCarrier: s.Operating.CarrierCode,
					FlightNumber:     s.Number,
					Origin:           s.Departure.IATACode,
					Destination:      s.Arrival.IATACode,
					Depart:           s.Departure.At,
					Arrive:           s.Arrival.At,
					Aircraft:         s.Aircraft.Code,
					DurationMin:      parseISODurationMin(s.Duration),
				}
				if c, ok := cabins[idx]; ok {
					seg.Cabin = c.cabin
				}
				o.Segments = append(o.Segments, seg)
				idx++
			}
		}
		if len(o.Segments) == 0 {
			continue
		}
		payload, err := json.Marshal(o)
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
		return &adapter.ParseError{Unusable: true, Err: fmt.Errorf("all %d offers malformed", len(or.Data))}
	}
	return nil
}

func gdsCabin(c model.CabinClass) string {
	switch c {
	case model.PremiumEconomy:
		return "PREMIUM_ECONOMY"
	case model.Business:
		return "BUSINESS"
	case model.First:
		return "FIRST"
	default:
		return "ECONOMY"
	}
}

// parseISODurationMin handles the PTxHyM shapes the API emits; anything
// unparseable comes back as zero and the normalizer recomputes from times.
func parseISODurationMin(s string) int {
	var h, m int
	if n, _ := fmt.Sscanf(s, "PT%dH%dM", &h, &m); n == 2 {
		return h*60 + m
	}
	if n, _ := fmt.Sscanf(s, "PT%dH", &h); n == 1 {
		return h * 60
	}
	if n, _ := fmt.Sscanf(s, "PT%dM", &m); n == 1 {
		return m
	}
	return 0
}
