// Package official implements the flag-carrier official API adapter. The
// carrier issues long-lived OAuth2 tokens (around 36 hours) from a slow
// token endpoint, so the token is cached across searches and refreshed
// once on a 401 rather than proactively per request.
package official

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// SourceID identifies this adapter in offers and health records.
const SourceID = "official"

const defaultBaseURL = "https://api.koreanflag.example/ndc/v1"

// Offer is the tagged raw payload this adapter emits.
type Offer struct {
	Segments  []Segment `json:"segments"`
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	FareClass string    `json:"fare_class,omitempty"`
	Baggage   bool      `json:"baggage"`
	Meal      bool      `json:"meal"`
}

// Segment is one leg of an official-API itinerary.
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
}

// Adapter crawls the carrier's official shopping API.
type Adapter struct {
	cfg     config.AdapterConfig
	actx    *adapter.Context
	bucket  *adapter.Bucket
	cc      clientcredentials.Config
	baseURL string

	mu    sync.Mutex
	token *oauth2.Token
}

// New constructs the official-API adapter.
func New(cfg config.AdapterConfig, actx *adapter.Context) *Adapter {
	return &Adapter{
		cfg:    cfg,
		actx:   actx,
		bucket: adapter.NewBucket(cfg.RateLimit),
		cc: clientcredentials.Config{
			ClientID:     cfg.Credentials.ClientID,
			ClientSecret: cfg.Credentials.ClientSecret,
			TokenURL:     cfg.Credentials.TokenURL,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		baseURL: defaultBaseURL,
	}
}

// NewWithBaseURL overrides the endpoint, for tests.
func NewWithBaseURL(cfg config.AdapterConfig, actx *adapter.Context, baseURL string) *Adapter {
	a := New(cfg, actx)
	a.baseURL = baseURL
	return a
}

func (a *Adapter) ID() string { return SourceID }

func (a *Adapter) Carriers() []string { return []string{"KE"} }

func (a *Adapter) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

func (a *Adapter) bearer(ctx context.Context, force bool) (string, error) {
	a.mu.Lock()
	if !force && a.token.Valid() {
		t := a.token.AccessToken
		a.mu.Unlock()
		return t, nil
	}
	a.mu.Unlock()

	tctx := context.WithValue(ctx, oauth2.HTTPClient, a.actx.Plain.StandardClient())
	tok, err := a.cc.Token(tctx)
	if err != nil {
		return "", fmt.Errorf("token: %w", adapter.ErrAuthExpired)
	}
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
	return tok.AccessToken, nil
}

// InvalidateToken drops the cached token so the next call re-authenticates.
// The executor calls this on an AUTH_EXPIRED before its single retry.
func (a *Adapter) InvalidateToken() {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if _, err := a.bearer(ctx, false); err != nil {
		return err
	}
	return nil
}

func (a *Adapter) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	if err := a.bucket.Acquire(ctx); err != nil {
		return err
	}
	tok, err := a.bearer(ctx, false)
	if err != nil {
		return err
	}

	res, err := a.doSearch(ctx, q, tok)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusUnauthorized {
		// The 36h token can be revoked server-side early; refresh once.
		res.Body.Close()
		if tok, err = a.bearer(ctx, true); err != nil {
			return err
		}
		if res, err = a.doSearch(ctx, q, tok); err != nil {
			return err
		}
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}
	return a.parseResponse(res.Body, sink)
}

type shopRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	DepartDate  string `json:"departureDate"`
	ReturnDate  string `json:"returnDate,omitempty"`
	Cabin       string `json:"cabinClass"`
	Adults      int    `json:"adultCount"`
	Children    int    `json:"childCount"`
	Infants     int    `json:"infantCount"`
	Currency    string `json:"currencyCode"`
}

func (a *Adapter) doSearch(ctx context.Context, q model.Query, token string) (*http.Response, error) {
	body := shopRequest{
		Origin:      q.Origin,
		Destination: q.Destination,
		DepartDate:  q.DepartureDate.Format(time.DateOnly),
		Cabin:       officialCabin(q.Cabin),
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
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/air-shopping", strings.NewReader(string(buf)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("authorization", "Bearer "+token)
	return a.actx.Plain.Do(req)
}

type shopResponse struct {
	Offers []struct {
		TotalPrice float64 `json:"totalPrice"`
		Currency   string  `json:"currencyCode"`
		FareBasis  string  `json:"fareBasisCode"`
		Baggage    bool    `json:"baggageIncluded"`
		Meal       bool    `json:"mealIncluded"`
		Segments   []struct {
			Carrier          string `json:"marketingCarrier"`
			OperatingCarrier string `json:"operatingCarrier"`
			FlightNumber     string `json:"flightNumber"`
			Origin           string `json:"origin"`
			Destination      string `json:"destination"`
			Departure        string `json:"departureDateTime"`
			Arrival          string `json:"arrivalDateTime"`
			Equipment        string `json:"equipmentCode"`
			Cabin            string `json:"cabinClass"`
		} `json:"segments"`
	} `json:"offers"`
}

func (a *Adapter) parseResponse(body io.Reader, sink adapter.RawSink) error {
	var sr shopResponse
	if err := json.NewDecoder(body).Decode(&sr); err != nil {
		return &adapter.ParseError{Unusable: true, Err: err}
	}
	if len(sr.Offers) == 0 {
		return adapter.ErrUpstreamEmpty
	}

	emitted := 0
	for _, of := range sr.Offers {
		if len(of.Segments) == 0 || of.Currency == "" {
			continue
		}
		o := Offer{
			Price:     of.TotalPrice,
			Currency:  of.Currency,
			FareClass: of.FareBasis,
			Baggage:   of.Baggage,
			Meal:      of.Meal,
		}
		for _, s := range of.Segments {
			o.Segments = append(o.Segments, Segment{
				Carrier:          s.Carrier,
				OperatingCarrier: s.OperatingCarrier,
				FlightNumber:     s.FlightNumber,
				Origin:           s.Origin,
				Destination:      s.Destination,
				Depart:           s.Departure,
				Arrive:           s.Arrival,
				Aircraft:         s.Equipment,
				Cabin:            s.Cabin,
			})
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
		return &adapter.ParseError{Unusable: true, Err: fmt.Errorf("all %d offers malformed", len(sr.Offers))}
	}
	return nil
}

func officialCabin(c model.CabinClass) string {
	switch c {
	case model.PremiumEconomy:
		return "PREMIUM"
	case model.Business:
		return "PRESTIGE"
	case model.First:
		return "FIRST"
	default:
		return "ECONOMY"
	}
}
