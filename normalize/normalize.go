// Package normalize converts adapter-specific raw offers into canonical
// model.Offer values: airport-local times are resolved to UTC through the
// airport table, prices are converted into the query currency with the
// stamped daily rate, and per-source cabin vocabularies are mapped onto
// the shared cabin classes.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anyascii/go"

	"github.com/skyscan/skyscan/iata"
	"github.com/skyscan/skyscan/model"
)

// TrustScore ranks source classes for merge tie-breaking. Higher wins.
// Airline-direct data outranks the official distribution APIs, which
// outrank resellers; DOM-scraped data sits at the bottom because its
// field mapping is the most fragile.
var TrustScore = map[string]int{
	"jejuair":      60,
	"airpremia":    60,
	"tenant_fares": 60,
	"official":     50,
	"gds":          40,
	"aggregator":   30,
	"metasearch":   20,
	"browser":      10,
}

// Rates is one day's FX table, quoted against the store currency.
type Rates struct {
	Base   string             // store currency, e.g. KRW
	Date   string             // 2006-01-02, stamped onto converted prices
	ToBase map[string]float64 // value of 1 unit of a currency in Base
}

// Convert converts amount from one currency to another through the base.
// ok is false when either currency is missing from the table.
func (r Rates) Convert(amount float64, from, to string) (float64, bool) {
	if from == to {
		return amount, true
	}
	fromRate, okFrom := r.rate(from)
	toRate, okTo := r.rate(to)
	if !okFrom || !okTo || toRate == 0 {
		return 0, false
	}
	return amount * fromRate / toRate, true
}

func (r Rates) rate(currency string) (float64, bool) {
	if currency == r.Base {
		return 1, true
	}
	v, ok := r.ToBase[currency]
	return v, ok
}

// Context carries the query being normalized for and the FX table in
// effect. Normalizers treat it as read-only.
type Context struct {
	Query model.Query
	Rates Rates
}

// Func converts one raw offer into a canonical offer.
type Func func(raw model.RawOffer, nc Context) (model.Offer, error)

// ErrUnknownSource is returned when no normalizer is registered for a
// raw offer's source.
var ErrUnknownSource = errors.New("no normalizer for source")

// ErrMissingCurrency rejects offers whose price carries no currency; a
// price that cannot be converted cannot be compared.
var ErrMissingCurrency = errors.New("offer has no currency")

// Registry dispatches raw offers to per-source normalizers.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry builds a registry with every built-in normalizer installed.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register("metasearch", Metasearch)
	r.Register("aggregator", Aggregator)
	r.Register("tenant_fares", TenantFares)
	r.Register("jejuair", AirlineFare)
	r.Register("airpremia", AirlineFare)
	r.Register("gds", GDS)
	r.Register("official", Official)
	r.Register("browser", BrowserFare)
	return r
}

// Register installs or replaces the normalizer for a source.
func (r *Registry) Register(sourceID string, f Func) {
	r.funcs[sourceID] = f
}

// Normalize dispatches by raw.SourceID and validates the result. The
// returned offer always carries provenance and at least one price.
func (r *Registry) Normalize(raw model.RawOffer, nc Context) (model.Offer, error) {
	f, ok := r.funcs[raw.SourceID]
	if !ok {
		return model.Offer{}, fmt.Errorf("%w: %s", ErrUnknownSource, raw.SourceID)
	}
	offer, err := f(raw, nc)
	if err != nil {
		return model.Offer{}, fmt.Errorf("normalize %s: %w", raw.SourceID, err)
	}
	if err := offer.Validate(); err != nil {
		return model.Offer{}, fmt.Errorf("normalize %s: %w", raw.SourceID, err)
	}
	return offer, nil
}

// localToUTC parses a wall-clock time in the airport's zone and converts
// it to UTC. Unknown airports fall back to UTC, which is wrong but keeps
// the offer comparable; the airport table covers the served network.
func localToUTC(value, layout, airport string) (time.Time, error) {
	loc := iata.TimeZone(airport)
	t, err := time.ParseInLocation(layout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q at %s: %w", value, airport, err)
	}
	return t.UTC(), nil
}

// cleanText folds free-text fields (fare names, equipment labels) to
// ASCII so fingerprints and logs stay byte-stable across sources.
func cleanText(s string) string {
	return strings.TrimSpace(anyascii.Transliterate(s))
}

// price assembles a canonical Price in the query currency. The original
// amount and currency are preserved alongside the conversion.
func price(nc Context, raw model.RawOffer, amount float64, currency string) (model.Price, error) {
	if currency == "" {
		return model.Price{}, ErrMissingCurrency
	}
	converted, ok := nc.Rates.Convert(amount, currency, nc.Query.Currency)
	if !ok {
		return model.Price{}, fmt.Errorf("no FX rate for %s->%s", currency, nc.Query.Currency)
	}
	return model.Price{
		SourceID:   raw.SourceID,
		TrustScore: TrustScore[raw.SourceID],
		Currency:   currency,
		Amount:     amount,
		Converted:  converted,
		RateStamp:  nc.Rates.Date,
		FetchedAt:  raw.FetchedAt,
	}, nil
}

// finishSegments applies the shared missing-field policy: an absent
// operating carrier falls back to the marketing carrier and the fallback
// is recorded in provenance; durations are recomputed from the UTC times
// when the source did not supply one.
func finishSegments(segs []model.Segment, prov *model.Provenance) {
	for i := range segs {
		if segs[i].OperatingCarrier == "" {
			segs[i].OperatingCarrier = segs[i].Carrier
			prov.OperatingCarrierAssumed = true
		}
		if segs[i].DurationMin == 0 {
			segs[i].DurationMin = int(segs[i].ArriveUTC.Sub(segs[i].DepartUTC) / time.Minute)
		}
	}
}
