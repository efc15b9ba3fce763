// Package aggregator implements the OTA aggregator adapter: a plain JSON
// REST API authenticated with a partner API key. It is the widest-coverage
// source and tolerates the highest request rate, so it runs on the plain
// client with no evasion machinery.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// SourceID identifies this adapter in offers and health records.
const SourceID = "aggregator"

const defaultBaseURL = "https://partners.kayview.example/v2"

// Segment is one leg of an aggregator itinerary, already flattened from
// the upstream route array.
type Segment struct {
	Carrier          string `json:"carrier"`
	OperatingCarrier string `json:"operating_carrier,omitempty"`
	FlightNumber     string `json:"flight_number"`
	Origin           string `json:"origin"`
	Destination      string `json:"destination"`
	DepartUTC        string `json:"depart_utc"` // RFC 3339
	ArriveUTC        string `json:"arrive_utc"`
	Cabin            string `json:"cabin"`
}

// Offer is the tagged raw payload this adapter emits.
type Offer struct {
	Segments   []Segment `json:"segments"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	BagsPrice  float64   `json:"bags_price,omitempty"`
	DeepLink   string    `json:"deep_link"`
	FareClass  string    `json:"fare_class,omitempty"`
}

// Adapter crawls the aggregator partner API.
type Adapter struct {
	cfg     config.AdapterConfig
	actx    *adapter.Context
	bucket  *adapter.Bucket
	baseURL string
}

// New constructs the aggregator adapter.
func New(cfg config.AdapterConfig, actx *adapter.Context) *Adapter {
	return &Adapter{cfg: cfg, actx: actx, bucket: adapter.NewBucket(cfg.RateLimit), baseURL: defaultBaseURL}
}

// NewWithBaseURL overrides the endpoint, for tests against a local server.
func NewWithBaseURL(cfg config.AdapterConfig, actx *adapter.Context, baseURL string) *Adapter {
	a := New(cfg, actx)
	a.baseURL = baseURL
	return a
}

func (a *Adapter) ID() string { return SourceID }

func (a *Adapter) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", a.cfg.Credentials.APIKey)
	res, err := a.actx.Plain.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}
	return nil
}

// Search queries /search and streams each itinerary into sink.
func (a *Adapter) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	if err := a.bucket.Acquire(ctx); err != nil {
		return err
	}

	vals := url.Values{}
	vals.Set("fly_from", q.Origin)
	vals.Set("fly_to", q.Destination)
	vals.Set("date_from", q.DepartureDate.Format("02/01/2006"))
	vals.Set("date_to", q.DepartureDate.Format("02/01/2006"))
	if q.TripType == model.RoundTrip && q.ReturnDate != nil {
		vals.Set("return_from", q.ReturnDate.Format("02/01/2006"))
		vals.Set("return_to", q.ReturnDate.Format("02/01/2006"))
	}
	vals.Set("adults", strconv.Itoa(q.Travelers.Adults))
	vals.Set("children", strconv.Itoa(q.Travelers.Children))
	vals.Set("infants", strconv.Itoa(q.Travelers.InfantInSeat+q.Travelers.InfantOnLap))
	vals.Set("selected_cabins", cabinCode(q.Cabin))
	vals.Set("curr", q.Currency)
	vals.Set("limit", "100")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/search?"+vals.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", a.cfg.Credentials.APIKey)
	req.Header.Set("accept", "application/json")

	res, err := a.actx.Plain.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}
	return a.parseResponse(res.Body, sink)
}

func cabinCode(c model.CabinClass) string {
	switch c {
	case model.PremiumEconomy:
		return "W"
	case model.Business:
		return "C"
	case model.First:
		return "F"
	default:
		return "M"
	}
}

type searchResponse struct {
	Data []itinerary `json:"data"`
}

type itinerary struct {
	Price      float64            `json:"price"`
	Currency   string             `json:"currency"`
	DeepLink   string             `json:"deep_link"`
	FareClass  string             `json:"fare_category"`
	BagsPrice  map[string]float64 `json:"bags_price"`
	Route      []routeLeg         `json:"route"`
}

type routeLeg struct {
	Airline          string `json:"airline"`
	OperatingCarrier string `json:"operating_carrier"`
	FlightNo         int    `json:"flight_no"`
	FlyFrom          string `json:"flyFrom"`
	FlyTo            string `json:"flyTo"`
	UTCDeparture     string `json:"utc_departure"`
	UTCArrival       string `json:"utc_arrival"`
	FareCategory     string `json:"fare_category"`
}

func (a *Adapter) parseResponse(body io.Reader, sink adapter.RawSink) error {
	var sr searchResponse
	if err := json.NewDecoder(body).Decode(&sr); err != nil {
		return &adapter.ParseError{Unusable: true, Err: err}
	}
	if len(sr.Data) == 0 {
		return adapter.ErrUpstreamEmpty
	}

	dropped := 0
	emitted := 0
	for _, it := range sr.Data {
		o, err := flatten(it)
		if err != nil {
			dropped++
			continue
		}
		payload, err := json.Marshal(o)
		if err != nil {
			dropped++
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
		return &adapter.ParseError{Unusable: true, Err: fmt.Errorf("all %d itineraries malformed", dropped)}
	}
	if dropped > 0 {
		a.actx.Log.Warn("aggregator dropped malformed itineraries", "dropped", dropped, "emitted", emitted)
	}
	return nil
}

func flatten(it itinerary) (Offer, error) {
	if len(it.Route) == 0 {
		return Offer{}, fmt.Errorf("itinerary without route")
	}
	if it.Currency == "" {
		return Offer{}, fmt.Errorf("itinerary without currency")
	}
	o := Offer{
		Price:     it.Price,
		Currency:  it.Currency,
		DeepLink:  it.DeepLink,
		FareClass: it.FareClass,
		BagsPrice: it.BagsPrice["1"],
	}
	for _, leg := range it.Route {
		if _, err := time.Parse(time.RFC3339, leg.UTCDeparture); err != nil {
			return Offer{}, fmt.Errorf("leg departure %q: %w", leg.UTCDeparture, err)
		}
		if _, err := time.Parse(time.RFC3339, leg.UTCArrival); err != nil {
			return Offer{}, fmt.Errorf("leg arrival %q: %w", leg.UTCArrival, err)
		}
		o.Segments = append(o.Segments, Segment{
			Carrier:          leg.Airline,
			OperatingCarrier: leg.OperatingCarrier,
			FlightNumber:     strconv.Itoa(leg.FlightNo),
			Origin:           leg.FlyFrom,
			Destination:      leg.FlyTo,
			DepartUTC:        leg.UTCDeparture,
			ArriveUTC:        leg.UTCArrival,
			Cabin:            leg.FareCategory,
		})
	}
	return o, nil
}
