package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skyscan/skyscan/adapter/aggregator"
	"github.com/skyscan/skyscan/adapter/airline"
	"github.com/skyscan/skyscan/adapter/browser"
	"github.com/skyscan/skyscan/adapter/gds"
	"github.com/skyscan/skyscan/adapter/metasearch"
	"github.com/skyscan/skyscan/adapter/official"
	"github.com/skyscan/skyscan/adapter/tenant"
	"github.com/skyscan/skyscan/model"
)

const localLayout = "2006-01-02T15:04"

// Metasearch normalizes metasearch itineraries. Leg times arrive in
// airport-local wall clock with no offset.
func Metasearch(raw model.RawOffer, nc Context) (model.Offer, error) {
	var it metasearch.Itinerary
	if err := json.Unmarshal(raw.Payload, &it); err != nil {
		return model.Offer{}, err
	}
	prov := model.Provenance{SourceID: raw.SourceID}
	segs := make([]model.Segment, 0, len(it.Legs))
	for _, leg := range it.Legs {
		dep, err := localToUTC(leg.DepartLocal, localLayout, leg.Origin)
		if err != nil {
			return model.Offer{}, err
		}
		arr, err := localToUTC(leg.ArriveLocal, localLayout, leg.Destination)
		if err != nil {
			return model.Offer{}, err
		}
		segs = append(segs, model.Segment{
			Carrier:      leg.Carrier,
			FlightNumber: leg.FlightNumber,
			Origin:       leg.Origin,
			Destination:  leg.Destination,
			DepartUTC:    dep,
			ArriveUTC:    arr,
			AircraftType: cleanText(leg.Aircraft),
			Cabin:        model.ParseCabinClass(it.Cabin),
			DurationMin:  leg.DurationMin,
		})
	}
	p, err := price(nc, raw, it.Price, it.Currency)
	if err != nil {
		return model.Offer{}, err
	}
	p.BookingURL = it.BookingURL
	finishSegments(segs, &prov)
	return model.Offer{Segments: segs, Prices: []model.Price{p}, Provenance: prov}, nil
}

// Aggregator normalizes aggregator itineraries; leg times are UTC RFC 3339.
func Aggregator(raw model.RawOffer, nc Context) (model.Offer, error) {
	var o aggregator.Offer
	if err := json.Unmarshal(raw.Payload, &o); err != nil {
		return model.Offer{}, err
	}
	prov := model.Provenance{SourceID: raw.SourceID}
	segs := make([]model.Segment, 0, len(o.Segments))
	for _, s := range o.Segments {
		dep, err := time.Parse(time.RFC3339, s.DepartUTC)
		if err != nil {
			return model.Offer{}, fmt.Errorf("departure %q: %w", s.DepartUTC, err)
		}
		arr, err := time.Parse(time.RFC3339, s.ArriveUTC)
		if err != nil {
			return model.Offer{}, fmt.Errorf("arrival %q: %w", s.ArriveUTC, err)
		}
		segs = append(segs, model.Segment{
			Carrier:          s.Carrier,
			OperatingCarrier: s.OperatingCarrier,
			FlightNumber:     s.FlightNumber,
			Origin:           s.Origin,
			Destination:      s.Destination,
			DepartUTC:        dep.UTC(),
			ArriveUTC:        arr.UTC(),
			Cabin:            model.ParseCabinClass(s.Cabin),
		})
	}
	p, err := price(nc, raw, o.Price, o.Currency)
	if err != nil {
		return model.Offer{}, err
	}
	p.FareClass = cleanText(o.FareClass)
	p.BookingURL = o.DeepLink
	p.IncludesBaggage = o.BagsPrice == 0
	finishSegments(segs, &prov)
	return model.Offer{Segments: segs, Prices: []model.Price{p}, Provenance: prov}, nil
}

// TenantFares normalizes shared-platform fares: single-leg, airport-local
// times, carrier injected by the adapter from the tenant manifest.
func TenantFares(raw model.RawOffer, nc Context) (model.Offer, error) {
	var f tenant.Fare
	if err := json.Unmarshal(raw.Payload, &f); err != nil {
		return model.Offer{}, err
	}
	return singleLegOffer(raw, nc, singleLeg{
		Carrier:      f.Carrier,
		FlightNumber: f.FlightNumber,
		Origin:       f.Origin,
		Destination:  f.Destination,
		DepartLocal:  f.DepartLocal,
		ArriveLocal:  f.ArriveLocal,
		Cabin:        f.Cabin,
		Price:        f.Price,
		Currency:     f.Currency,
		FareClass:    f.FareClass,
		BookingURL:   f.BookingURL,
	})
}

// AirlineFare normalizes the direct-airline adapters' shared payload.
// Direct fares always include a checked bag and, on the full-service
// carriers, a meal; the booking engines do not expose either flag.
func AirlineFare(raw model.RawOffer, nc Context) (model.Offer, error) {
	var f airline.Fare
	if err := json.Unmarshal(raw.Payload, &f); err != nil {
		return model.Offer{}, err
	}
	o, err := singleLegOffer(raw, nc, singleLeg{
		Carrier:      f.Carrier,
		FlightNumber: f.FlightNumber,
		Origin:       f.Origin,
		Destination:  f.Destination,
		DepartLocal:  f.DepartLocal,
		ArriveLocal:  f.ArriveLocal,
		Cabin:        f.Cabin,
		Price:        f.Price,
		Currency:     f.Currency,
		FareClass:    f.FareClass,
		BookingURL:   f.BookingURL,
	})
	if err != nil {
		return model.Offer{}, err
	}
	o.Prices[0].IncludesBaggage = true
	return o, nil
}

// BrowserFare normalizes DOM-lifted fares, same single-leg shape.
func BrowserFare(raw model.RawOffer, nc Context) (model.Offer, error) {
	var f browser.Fare
	if err := json.Unmarshal(raw.Payload, &f); err != nil {
		return model.Offer{}, err
	}
	return singleLegOffer(raw, nc, singleLeg{
		Carrier:      f.Carrier,
		FlightNumber: f.FlightNumber,
		Origin:       f.Origin,
		Destination:  f.Destination,
		DepartLocal:  f.DepartLocal,
		ArriveLocal:  f.ArriveLocal,
		Cabin:        f.Cabin,
		Price:        f.Price,
		Currency:     f.Currency,
		FareClass:    f.FareClass,
	})
}

type singleLeg struct {
	Carrier      string
	FlightNumber string
	Origin       string
	Destination  string
	DepartLocal  string
	ArriveLocal  string
	Cabin        string
	Price        float64
	Currency     string
	FareClass    string
	BookingURL   string
}

func singleLegOffer(raw model.RawOffer, nc Context, f singleLeg) (model.Offer, error) {
	prov := model.Provenance{SourceID: raw.SourceID}
	dep, err := localToUTC(f.DepartLocal, localLayout, f.Origin)
	if err != nil {
		return model.Offer{}, err
	}
	arr, err := localToUTC(f.ArriveLocal, localLayout, f.Destination)
	if err != nil {
		return model.Offer{}, err
	}
	if !arr.After(dep) {
		// Red-eyes crossing midnight are published with a next-day arrival
		// the wall clock hides; a non-positive duration means exactly that.
		arr = arr.Add(24 * time.Hour)
	}
	segs := []model.Segment{{
		Carrier:      f.Carrier,
		FlightNumber: f.FlightNumber,
		Origin:       f.Origin,
		Destination:  f.Destination,
		DepartUTC:    dep,
		ArriveUTC:    arr,
		Cabin:        model.ParseCabinClass(f.Cabin),
	}}
	p, err := price(nc, raw, f.Price, f.Currency)
	if err != nil {
		return model.Offer{}, err
	}
	p.FareClass = cleanText(f.FareClass)
	p.BookingURL = f.BookingURL
	finishSegments(segs, &prov)
	return model.Offer{Segments: segs, Prices: []model.Price{p}, Provenance: prov}, nil
}

// GDS normalizes GDS offers; segment times carry explicit UTC offsets.
func GDS(raw model.RawOffer, nc Context) (model.Offer, error) {
	var o gds.Offer
	if err := json.Unmarshal(raw.Payload, &o); err != nil {
		return model.Offer{}, err
	}
	prov := model.Provenance{SourceID: raw.SourceID}
	segs := make([]model.Segment, 0, len(o.Segments))
	for _, s := range o.Segments {
		dep, err := parseOffsetTime(s.Depart)
		if err != nil {
			return model.Offer{}, err
		}
		arr, err := parseOffsetTime(s.Arrive)
		if err != nil {
			return model.Offer{}, err
		}
		segs = append(segs, model.Segment{
			Carrier:          s.Carrier,
			OperatingCarrier: s.OperatingCarrier,
			FlightNumber:     s.FlightNumber,
			Origin:           s.Origin,
			Destination:      s.Destination,
			DepartUTC:        dep,
			ArriveUTC:        arr,
			AircraftType:     cleanText(s.Aircraft),
			Cabin:            model.ParseCabinClass(s.Cabin),
			DurationMin:      s.DurationMin,
		})
	}
	p, err := price(nc, raw, o.Price, o.Currency)
	if err != nil {
		return model.Offer{}, err
	}
	p.FareClass = cleanText(o.FareClass)
	finishSegments(segs, &prov)
	return model.Offer{Segments: segs, Prices: []model.Price{p}, Provenance: prov}, nil
}

// Official normalizes official-API offers; times carry explicit offsets
// and the ancillary flags are authoritative.
func Official(raw model.RawOffer, nc Context) (model.Offer, error) {
	var o official.Offer
	if err := json.Unmarshal(raw.Payload, &o); err != nil {
		return model.Offer{}, err
	}
	prov := model.Provenance{SourceID: raw.SourceID}
	segs := make([]model.Segment, 0, len(o.Segments))
	for _, s := range o.Segments {
		dep, err := parseOffsetTime(s.Depart)
		if err != nil {
			return model.Offer{}, err
		}
		arr, err := parseOffsetTime(s.Arrive)
		if err != nil {
			return model.Offer{}, err
		}
		segs = append(segs, model.Segment{
			Carrier:          s.Carrier,
			OperatingCarrier: s.OperatingCarrier,
			FlightNumber:     s.FlightNumber,
			Origin:           s.Origin,
			Destination:      s.Destination,
			DepartUTC:        dep,
			ArriveUTC:        arr,
			AircraftType:     cleanText(s.Aircraft),
			Cabin:            model.ParseCabinClass(s.Cabin),
		})
	}
	p, err := price(nc, raw, o.Price, o.Currency)
	if err != nil {
		return model.Offer{}, err
	}
	p.FareClass = cleanText(o.FareClass)
	p.IncludesBaggage = o.Baggage
	p.IncludesMeal = o.Meal
	finishSegments(segs, &prov)
	return model.Offer{Segments: segs, Prices: []model.Price{p}, Provenance: prov}, nil
}

// parseOffsetTime accepts RFC 3339 with or without seconds; distribution
// APIs emit "2026-03-01T10:05:00+09:00" and sometimes drop the seconds.
func parseOffsetTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t.UTC(), nil
	}
	t, err2 := time.Parse("2006-01-02T15:04Z07:00", s)
	if err2 == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("time %q: %w", s, err)
}
