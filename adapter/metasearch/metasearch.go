// Package metasearch implements the binary-protocol metasearch adapter.
// The upstream accepts a base64-encoded binary message over HTTP GET and
// answers with XSSI-framed JSON sections; the endpoint sits behind
// browser-fingerprint checks, so requests ride the masked client with
// primed session cookies.
package metasearch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/config"
	"github.com/skyscan/skyscan/model"
)

const (
	// SourceID identifies this adapter in offers and health records.
	SourceID = "metasearch"

	baseURL   = "https://www.travelmeta.example/flights"
	searchURL = baseURL + "/search/rpc"
)

// Leg is one decoded flight leg of a metasearch itinerary row.
type Leg struct {
	Carrier      string `json:"carrier"`
	FlightNumber string `json:"flight_number"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	DepartLocal  string `json:"depart_local"` // 2006-01-02T15:04 in origin airport time
	ArriveLocal  string `json:"arrive_local"`
	Aircraft     string `json:"aircraft,omitempty"`
	DurationMin  int    `json:"duration_min"`
}

// Itinerary is the tagged raw payload this adapter emits. The normalizer
// registered for SourceID consumes exactly this shape.
type Itinerary struct {
	Legs       []Leg   `json:"legs"`
	Cabin      string  `json:"cabin"`
	Price      float64 `json:"price"`
	Currency   string  `json:"currency"`
	BookingURL string  `json:"booking_url"`
}

// Adapter crawls the metasearch endpoint.
type Adapter struct {
	cfg    config.AdapterConfig
	actx   *adapter.Context
	bucket *adapter.Bucket
	ladder *adapter.Ladder

	mu      sync.Mutex
	cookies []string
}

// New constructs the metasearch adapter.
func New(cfg config.AdapterConfig, actx *adapter.Context) *Adapter {
	return &Adapter{
		cfg:    cfg,
		actx:   actx,
		bucket: adapter.NewBucket(cfg.RateLimit),
		ladder: adapter.NewLadder(10,
			adapter.StrategyCookiePrime,
			adapter.StrategyCookieHarvest,
			adapter.StrategyProxyRotate,
		),
	}
}

func (a *Adapter) ID() string { return SourceID }

// Ladder exposes the anti-bot ladder to the executor for escalation.
func (a *Adapter) Ladder() *adapter.Ladder { return a.ladder }

func (a *Adapter) ClassifyFailure(err error) model.FailureKind {
	return adapter.ClassifyDefault(err)
}

// HealthCheck probes the landing page without consuming search quota.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
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

// Search encodes the query into the binary wire message, performs the GET
// and streams decoded itinerary rows into sink.
func (a *Adapter) Search(ctx context.Context, q model.Query, sink adapter.RawSink) error {
	if err := a.bucket.Acquire(ctx); err != nil {
		return err
	}

	strategy := a.ladder.Current()
	if err := a.ensureCookies(ctx, strategy); err != nil {
		return err
	}

	res, err := a.doSearch(ctx, q, strategy)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	default:
		return adapter.StatusError(res.StatusCode)
	}

	return a.parseResponse(res.Body, q, sink)
}

func (a *Adapter) ensureCookies(ctx context.Context, strategy adapter.Strategy) error {
	a.mu.Lock()
	have := len(a.cookies) > 0
	a.mu.Unlock()
	if have && strategy != adapter.StrategyCookieHarvest {
		return nil
	}

	harvest := ""
	if strategy == adapter.StrategyCookieHarvest {
		harvest = "travelmeta.example"
	}
	cookies, err := adapter.PrimeCookies(ctx, a.actx.Masked, baseURL, harvest)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cookies = cookies
	a.mu.Unlock()
	return nil
}

func (a *Adapter) doSearch(ctx context.Context, q model.Query, strategy adapter.Strategy) (*http.Response, error) {
	payload := encodeQuery(q)
	u := searchURL +
		"?req=" + base64.RawURLEncoding.EncodeToString(payload) +
		"&curr=" + q.Currency +
		"&hl=en&rt=c&_reqid=" + strconv.FormatInt(a.actx.Now().Unix()%100000, 10)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "*/*")
	req.Header.Set("cache-control", "no-cache")
	a.mu.Lock()
	req.Header["cookie"] = append([]string{}, a.cookies...)
	a.mu.Unlock()

	if strategy == adapter.StrategyProxyRotate && a.actx.Proxies != nil {
		proxyURL, release, err := a.actx.Proxies.Lease(ctx)
		if err == nil {
			defer release()
			req.Header.Set("x-lum-proxy", proxyURL)
		}
	}
	return a.actx.Masked.Do(req)
}

// Wire message layout, mirroring the upstream URL payload:
//
//	message Search {
//	  repeated Flight flight = 1;   // one per direction
//	  repeated int32 traveler = 2;  // 1=adult 2=child 3=infant_seat 4=infant_lap
//	  int32 cabin = 3;              // 1..4
//	  int32 trip_type = 4;          // 1=round 2=one_way 3=multi_city
//	}
//	message Flight {
//	  string date = 1;
//	  string origin = 2;
//	  string destination = 3;
//	}
func encodeQuery(q model.Query) []byte {
	var out []byte

	appendFlight := func(date time.Time, origin, dest string) {
		var f []byte
		f = protowire.AppendTag(f, 1, protowire.BytesType)
		f = protowire.AppendString(f, date.Format(time.DateOnly))
		f = protowire.AppendTag(f, 2, protowire.BytesType)
		f = protowire.AppendString(f, origin)
		f = protowire.AppendTag(f, 3, protowire.BytesType)
		f = protowire.AppendString(f, dest)
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, f)
	}

	appendFlight(q.DepartureDate, q.Origin, q.Destination)
	if q.TripType == model.RoundTrip && q.ReturnDate != nil {
		appendFlight(*q.ReturnDate, q.Destination, q.Origin)
	}

	appendTravelers := func(kind, n int) {
		for i := 0; i < n; i++ {
			out = protowire.AppendTag(out, 2, protowire.VarintType)
			out = protowire.AppendVarint(out, uint64(kind))
		}
	}
	appendTravelers(1, q.Travelers.Adults)
	appendTravelers(2, q.Travelers.Children)
	appendTravelers(3, q.Travelers.InfantInSeat)
	appendTravelers(4, q.Travelers.InfantOnLap)

	out = protowire.AppendTag(out, 3, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(cabinCode(q.Cabin)))
	out = protowire.AppendTag(out, 4, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(tripTypeCode(q.TripType)))
	return out
}

func cabinCode(c model.CabinClass) int {
	switch c {
	case model.PremiumEconomy:
		return 2
	case model.Business:
		return 3
	case model.First:
		return 4
	default:
		return 1
	}
}

func tripTypeCode(t model.TripType) int {
	switch t {
	case model.OneWay:
		return 2
	case model.MultiCity:
		return 3
	default:
		return 1
	}
}

const xssiPrefix = ")]}'"

// parseResponse walks the XSSI-framed sections. Each section is a JSON
// array of itinerary rows:
//
//	[[legRows, cabin, price, currency, bookingPath], ...]
//	legRow: [carrier, number, origin, dest, departLocal, arriveLocal, aircraft, durationMin]
//
// Individual malformed rows are skipped (recoverable); a body whose root
// framing cannot be read at all is an unusable parse failure.
func (a *Adapter) parseResponse(body io.Reader, q model.Query, sink adapter.RawSink) error {
	r := bufio.NewReader(body)
	head, err := r.Peek(len(xssiPrefix))
	if err != nil {
		return &adapter.ParseError{Unusable: true, Err: fmt.Errorf("reading response head: %w", err)}
	}
	if bytes.Contains(head, []byte("<")) {
		// HTML instead of the RPC framing is the WAF interstitial.
		return adapter.ErrBotChallenge
	}
	if string(head) == xssiPrefix {
		_, _ = r.Discard(len(xssiPrefix))
	}

	dec := json.NewDecoder(r)
	sections := 0
	emitted := 0
	for {
		var rows []json.RawMessage
		if err := dec.Decode(&rows); err != nil {
			if err == io.EOF {
				break
			}
			if sections == 0 {
				return &adapter.ParseError{Unusable: true, Err: err}
			}
			break
		}
		sections++
		for _, row := range rows {
			it, ok := decodeRow(row, q)
			if !ok {
				continue
			}
			payload, err := json.Marshal(it)
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
	}
	if emitted == 0 {
		return adapter.ErrUpstreamEmpty
	}
	return nil
}

func decodeRow(row json.RawMessage, q model.Query) (Itinerary, bool) {
	var cells []json.RawMessage
	if err := json.Unmarshal(row, &cells); err != nil || len(cells) < 5 {
		return Itinerary{}, false
	}

	var legRows [][]any
	if err := json.Unmarshal(cells[0], &legRows); err != nil || len(legRows) == 0 {
		return Itinerary{}, false
	}

	it := Itinerary{}
	if err := json.Unmarshal(cells[1], &it.Cabin); err != nil {
		it.Cabin = string(q.Cabin)
	}
	if err := json.Unmarshal(cells[2], &it.Price); err != nil {
		return Itinerary{}, false
	}
	if err := json.Unmarshal(cells[3], &it.Currency); err != nil {
		return Itinerary{}, false
	}
	var bookingPath string
	_ = json.Unmarshal(cells[4], &bookingPath)
	if bookingPath != "" {
		it.BookingURL = baseURL + bookingPath
	}

	for _, lr := range legRows {
		leg, ok := decodeLeg(lr)
		if !ok {
			return Itinerary{}, false
		}
		it.Legs = append(it.Legs, leg)
	}
	return it, true
}

func decodeLeg(cells []any) (Leg, bool) {
	if len(cells) < 6 {
		return Leg{}, false
	}
	strs := make([]string, 6)
	for i := 0; i < 6; i++ {
		s, ok := cells[i].(string)
		if !ok {
			return Leg{}, false
		}
		strs[i] = s
	}
	leg := Leg{
		Carrier:      strs[0],
		FlightNumber: strs[1],
		Origin:       strs[2],
		Destination:  strs[3],
		DepartLocal:  strs[4],
		ArriveLocal:  strs[5],
	}
	if len(cells) > 6 {
		if s, ok := cells[6].(string); ok {
			leg.Aircraft = s
		}
	}
	if len(cells) > 7 {
		if d, ok := cells[7].(float64); ok {
			leg.DurationMin = int(d)
		}
	}
	return leg, true
}
