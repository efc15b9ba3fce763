// Package tenant implements the shared-tenant fare platform adapter. A
// number of airlines expose their fare search through the same white-label
// platform, one tenant per airline; a single API key works across tenants,
// so one adapter serves all of them and dispatches by marketing carrier.
package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// SourceID identifies this adapter in offers and health records.
const SourceID = "tenant_fares"

// Tenant is one airline on the shared platform.
type Tenant struct {
	Carrier string // IATA marketing carrier code
	Slug    string // tenant path segment on the platform
	Name    string
}

// Manifest lists the airlines reachable through the platform. The router
// reads carriers from here through the Carriers interface.
var Manifest = []Tenant{
	{Carrier: "TW", Slug: "twayair", Name: "T'way Air"},
	{Carrier: "RS", Slug: "airseoul", Name: "Air Seoul"},
	{Carrier: "BX", Slug: "airbusan", Name: "Air Busan"},
	{Carrier: "ZE", Slug: "eastarjet", Name: "Eastar Jet"},
	{Carrier: "TG", Slug: "thaiairways", Name: "Thai Airways"},
	{Carrier: "VJ", Slug: "vietjetair", Name: "VietJet Air"},
	{Carrier: "MM", Slug: "peachaviation", Name: "Peach Aviation"},
	{Carrier: "GK", Slug: "jetstarjapan", Name: "Jetstar Japan"},
}

const defaultBaseURL = "https://fares.sputnik-platform.example/api/v3"

// Fare is the tagged raw payload this adapter emits. The platform returns
// one fare per flight per day; times are airport-local.
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

// Adapter queries every tenant whose carrier plausibly serves the route
// and merges their fares into one stream.
type Adapter struct {
	cfg     config.AdapterConfig
	actx    *adapter.Context
	bucket  *adapter.Bucket
	baseURL string
	tenants []Tenant

	// carriersFor narrows the tenant fan-out per route; nil means all.
	carriersFor func(q model.Query) []string
}

// New constructs the tenant platform adapter over the full manifest.
func New(cfg config.AdapterConfig, actx *adapter.Context) *Adapter {
	return &Adapter{
		cfg:     cfg,
		actx:    actx,
		bucket:  adapter.NewBucket(cfg.RateLimit),
		baseURL: defaultBaseURL,
		tenants: Manifest,
	}
}

// NewWithTenants overrides the manifest and endpoint, for tests.
func NewWithTenants(cfg config.AdapterConfig, actx *adapter.Context, baseURL string, tenants []Tenant) *Adapter {
	a := New(cfg, actx)
	a.baseURL = baseURL
	a.tenants = tenants
	return a
}

// SetCarrierFilter installs the router's per-route carrier narrowing.
func (a *Adapter) SetCarrierFilter(f func(q model.Query) []string) { a.carriersFor = f }

func (a *Adapter) ID() string { return SourceID }

// Carriers reports every marketing carrier served through the platform.
func (a *Adapter) Carriers() []string {
	out := make([]string, len(a.tenants))
	for i, t := range a.tenants {
		out[i] = t.Carrier
	}
	return out
}

func (a *Adapter) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if len(a.tenants) == 0 {
		return fmt.Errorf("tenant manifest is empty")
	}
	// One tenant's status endpoint stands in for the platform.
	u := fmt.Sprintf("%s/%s/status", a.baseURL, a.tenants[0].Slug)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", a.cfg.Credentials.APIKey)
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

// Search fans out across the selected tenants in parallel. A tenant error
// only fails the search when every tenant failed; partial tenant coverage
// is normal on most routes.
func (a *Adapter) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	tenants := a.selectTenants(q)
	if len(tenants) == 0 {
		return adapter.ErrUpstreamEmpty
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		emitted int
		errs    []error
	)
	safeSink := func(ro model.RawOffer) error {
		mu.Lock()
		defer mu.Unlock()
		emitted++
		return sink(ro)
	}

	for _, t := range tenants {
		if err := a.bucket.Acquire(ctx); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(t Tenant) {
			defer wg.Done()
			if err := a.searchTenant(ctx, t, q, safeSink); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("tenant %s: %w", t.Slug, err))
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if emitted > 0 {
		if len(errs) > 0 {
			a.actx.Log.Warn("partial tenant coverage", "failed", len(errs), "of", len(tenants))
		}
		return nil
	}
	for _, err := range errs {
		// Surface the strongest signal: a platform-level block beats empties.
		if adapter.ClassifyDefault(err) != model.FailureUpstreamEmpty {
			return err
		}
	}
	return adapter.ErrUpstreamEmpty
}

func (a *Adapter) selectTenants(q model.Query) []Tenant {
	if a.carriersFor == nil {
		return a.tenants
	}
	want := a.carriersFor(q)
	if len(want) == 0 {
		return a.tenants
	}
	set := make(map[string]bool, len(want))
	for _, c := range want {
		set[c] = true
	}
	var out []Tenant
	for _, t := range a.tenants {
		if set[t.Carrier] {
			out = append(out, t)
		}
	}
	return out
}

type fareRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	DepartDate  string `json:"departureDate"`
	ReturnDate  string `json:"returnDate,omitempty"`
	Cabin       string `json:"cabinClass"`
	Adults      int    `json:"adt"`
	Children    int    `json:"chd"`
	Infants     int    `json:"inf"`
	Currency    string `json:"currency"`
}

type fareResponse struct {
	Fares []struct {
		FlightNumber string  `json:"flightNumber"`
		Origin       string  `json:"origin"`
		Destination  string  `json:"destination"`
		Departure    string  `json:"departureDateTime"`
		Arrival      string  `json:"arrivalDateTime"`
		Cabin        string  `json:"cabinClass"`
		Total        float64 `json:"totalPrice"`
		Currency     string  `json:"currencyCode"`
		FareClass    string  `json:"fareBasis"`
		DeepLink     string  `json:"deepLink"`
	} `json:"fares"`
}

func (a *Adapter) searchTenant(ctx context.Context, t Tenant, q model.Query, sink adapter.RawSink) error {
	body := fareRequest{
		Origin:      q.Origin,
		Destination: q.Destination,
		DepartDate:  q.DepartureDate.Format(time.DateOnly),
		Cabin:       cabinCode(q.Cabin),
		Adults:      q.Travelers.Adults,
		Children:    q.Travelers.Children,
		Infants:     q.Travelers.InfantInSeat + q.Travelers.InfantOnLap,
		Currency:    q.Currency,
	}
	if q.TripType == model.RoundTrip && q.ReturnDate != nil {
		body.ReturnDate = q.ReturnDate.Format(time.DateOnly)
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/%s/fares/search", a.baseURL, t.Slug)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", a.cfg.Credentials.APIKey)
	req.Header.Set("x-tenant", t.Slug)

	res, err := a.actx.Plain.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}

	var fr fareResponse
	if err := json.NewDecoder(res.Body).Decode(&fr); err != nil {
		return &adapter.ParseError{Unusable: true, Err: err}
	}
	if len(fr.Fares) == 0 {
		return adapter.ErrUpstreamEmpty
	}
	for _, f := range fr.Fares {
		payload, err := json.Marshal(Fare{
			Carrier:      t.Carrier,
			FlightNumber: f.FlightNumber,
			Origin:       f.Origin,
			Destination:  f.Destination,
			DepartLocal:  f.Departure,
			ArriveLocal:  f.Arrival,
			Cabin:        f.Cabin,
			Price:        f.Total,
			Currency:     f.Currency,
			FareClass:    f.FareClass,
			BookingURL:   f.DeepLink,
		})
		if err != nil {
			continue
		}
		if err := sink(model.RawOffer{
			SourceID:  SourceID,
			Tenant:    t.Slug,
			Payload:   payload,
			FetchedAt: a.actx.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func cabinCode(c model.CabinClass) string {
	switch c {
	case model.PremiumEconomy:
		return "PREMIUM"
	case model.Business:
		return "BUSINESS"
	case model.First:
		return "FIRST"
	default:
		return "ECONOMY"
	}
}
