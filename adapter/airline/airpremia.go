package airline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

// AirPremiaSourceID identifies the Air Premia adapter.
const AirPremiaSourceID = "airpremia"

const premiaBaseURL = "https://mobile-api.airpremia.example/v1"

// AirPremia crawls the Air Premia mobile API. Every request carries an
// HMAC-SHA256 signature over "<path>\n<timestamp>" keyed with the app
// secret; clock skew beyond the server's window comes back as a 401.
type AirPremia struct {
	cfg    config.AdapterConfig
	actx   *adapter.Context
	bucket *adapter.Bucket
}

// NewAirPremia constructs the Air Premia adapter.
func NewAirPremia(cfg config.AdapterConfig, actx *adapter.Context) *AirPremia {
	return &AirPremia{cfg: cfg, actx: actx, bucket: adapter.NewBucket(cfg.RateLimit)}
}

func (a *AirPremia) ID() string { return AirPremiaSourceID }

func (a *AirPremia) Carriers() []string { return []string{"YP"} }

func (a *AirPremia) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

func (a *AirPremia) sign(req *retryablehttp.Request, path string) {
	ts := strconv.FormatInt(a.actx.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(a.cfg.Credentials.ClientSecret))
	mac.Write([]byte(path + "\n" + ts))
	req.Header.Set("x-app-id", a.cfg.Credentials.ClientID)
	req.Header.Set("x-timestamp", ts)
	req.Header.Set("x-signature", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("accept", "application/json")
}

func (a *AirPremia) HealthCheck(ctx context.Context) error {
	const path = "/health"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, premiaBaseURL+path, nil)
	if err != nil {
		return err
	}
	a.sign(req, path)
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

func (a *AirPremia) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	if err := a.bucket.Acquire(ctx); err != nil {
		return err
	}

	const path = "/flights/search"
	vals := url.Values{}
	vals.Set("origin", q.Origin)
	vals.Set("destination", q.Destination)
	vals.Set("departureDate", q.DepartureDate.Format(time.DateOnly))
	if q.TripType == model.RoundTrip && q.ReturnDate != nil {
		vals.Set("returnDate", q.ReturnDate.Format(time.DateOnly))
	}
	vals.Set("adults", strconv.Itoa(q.Travelers.Adults))
	vals.Set("children", strconv.Itoa(q.Travelers.Children))
	vals.Set("infants", strconv.Itoa(q.Travelers.InfantInSeat+q.Travelers.InfantOnLap))
	vals.Set("cabin", premiaCabin(q.Cabin))
	vals.Set("currency", q.Currency)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, premiaBaseURL+path+"?"+vals.Encode(), nil)
	if err != nil {
		return err
	}
	a.sign(req, path)

	res, err := a.actx.Plain.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return adapter.StatusError(res.StatusCode)
	}

	var body struct {
		Flights []struct {
			FlightNumber string `json:"flightNumber"`
			Origin       string `json:"origin"`
			Destination  string `json:"destination"`
			Departure    string `json:"departureTime"` // 2006-01-02T15:04, airport-local
			Arrival      string `json:"arrivalTime"`
			Cabins       []struct {
				Cabin     string  `json:"cabin"`
				FareClass string  `json:"fareClass"`
				Total     float64 `json:"totalPrice"`
				Currency  string  `json:"currency"`
				Seats     int     `json:"seatsLeft"`
			} `json:"cabins"`
		} `json:"flights"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return &adapter.ParseError{Unusable: true, Err: err}
	}
	if len(body.Flights) == 0 {
		return adapter.ErrUpstreamEmpty
	}

	want := premiaCabin(q.Cabin)
	emitted := 0
	for _, f := range body.Flights {
		for _, c := range f.Cabins {
			if c.Cabin != want || c.Seats == 0 {
				continue
			}
			payload, err := json.Marshal(Fare{
				Carrier:      "YP",
				FlightNumber: f.FlightNumber,
				Origin:       f.Origin,
				Destination:  f.Destination,
				DepartLocal:  f.Departure,
				ArriveLocal:  f.Arrival,
				Cabin:        c.Cabin,
				Price:        c.Total,
				Currency:     c.Currency,
				FareClass:    c.FareClass,
				BookingURL:   "https://www.airpremia.example/booking",
			})
			if err != nil {
				continue
			}
			if err := sink(model.RawOffer{
				SourceID:  AirPremiaSourceID,
				Payload:   payload,
				FetchedAt: a.actx.Now().UTC(),
			}); err != nil {
				return err
			}
			emitted++
		}
	}
	if emitted == 0 {
		return &adapter.ParseError{Unusable: true, Err: fmt.Errorf("no fares for cabin %s in %d flights", want, len(body.Flights))}
	}
	return nil
}

func premiaCabin(c model.CabinClass) string {
	switch c {
	case model.PremiumEconomy, model.Business, model.First:
		// Air Premia sells a single premium cabin.
		return "PREMIA42"
	default:
		return "ECONOMY35"
	}
}
