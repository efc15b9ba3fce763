package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawOffer is the adapter-specific payload emitted by a crawl before
// normalization. The payload bytes are only meaningful to the normalizer
// registered for the same source (and tenant, for shared endpoints).
// Raw offers are short-lived and never persisted.
type RawOffer struct {
	SourceID  string          `json:"source_id"`
	Tenant    string          `json:"tenant,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Segment is a single flight leg of an itinerary.
type Segment struct {
	Carrier          string     `json:"carrier"`
	OperatingCarrier string     `json:"operating_carrier,omitempty"`
	FlightNumber     string     `json:"flight_number"`
	Origin           string     `json:"origin"`
	Destination      string     `json:"destination"`
	DepartUTC        time.Time  `json:"depart_utc"`
	ArriveUTC        time.Time  `json:"arrive_utc"`
	AircraftType     string     `json:"aircraft_type,omitempty"`
	Cabin            CabinClass `json:"cabin"`
	DurationMin      int        `json:"duration_min"`
}

// Fingerprint derives the dedup key for one segment.
func (s Segment) Fingerprint() string {
	return fmt.Sprintf("%s%s:%s:%s-%s:%s",
		s.Carrier, s.FlightNumber,
		s.DepartUTC.UTC().Format(time.DateOnly),
		s.Origin, s.Destination, s.Cabin)
}

// Validate checks the per-segment invariant arrive > depart.
func (s Segment) Validate() error {
	if !s.ArriveUTC.After(s.DepartUTC) {
		return fmt.Errorf("segment %s%s: arrival %s not after departure %s",
			s.Carrier, s.FlightNumber, s.ArriveUTC.Format(time.RFC3339), s.DepartUTC.Format(time.RFC3339))
	}
	return nil
}

// Price is one source's quote for an offer, kept alongside competing quotes
// from other sources after merging.
type Price struct {
	SourceID        string    `json:"source_id"`
	TrustScore      int       `json:"trust_score"`
	Currency        string    `json:"currency"`
	Amount          float64   `json:"amount"`
	Converted       float64   `json:"converted"`
	RateStamp       string    `json:"rate_stamp,omitempty"`
	IncludesBaggage bool      `json:"includes_baggage"`
	IncludesMeal    bool      `json:"includes_meal"`
	FareClass       string    `json:"fare_class,omitempty"`
	BookingURL      string    `json:"booking_url,omitempty"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Provenance records normalization fallbacks applied to an offer.
type Provenance struct {
	SourceID                string `json:"source_id"`
	OperatingCarrierAssumed bool   `json:"operating_carrier_assumed,omitempty"`
}

// Offer is the canonical, merge-ready flight result. Once an Offer enters
// the cache it is never mutated; refreshes swap in a new value atomically.
type Offer struct {
	Segments   []Segment  `json:"segments"`
	Prices     []Price    `json:"prices"`
	Provenance Provenance `json:"provenance"`
}

// Fingerprint is the dedup key: the ordered tuple of segment fingerprints
// joined with "|".
func (o Offer) Fingerprint() string {
	parts := make([]string, len(o.Segments))
	for i, s := range o.Segments {
		parts[i] = s.Fingerprint()
	}
	return strings.Join(parts, "|")
}

// LowestPrice returns the minimum quote in the query currency. All amounts
// are compared after conversion (Price.Converted). ok is false when the
// offer carries no prices.
func (o Offer) LowestPrice() (Price, bool) {
	if len(o.Prices) == 0 {
		return Price{}, false
	}
	best := o.Prices[0]
	for _, p := range o.Prices[1:] {
		if p.Converted < best.Converted {
			best = p
		}
	}
	return best, true
}

// Validate checks the offer invariants: non-empty segments and prices,
// chronological ordering and geographic chaining of adjacent segments.
func (o Offer) Validate() error {
	if len(o.Segments) == 0 {
		return fmt.Errorf("offer has no segments")
	}
	if len(o.Prices) == 0 {
		return fmt.Errorf("offer %s has no prices", o.Fingerprint())
	}
	for i, s := range o.Segments {
		if err := s.Validate(); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := o.Segments[i-1]
		if s.Origin != prev.Destination {
			return fmt.Errorf("segment %d origin %s does not chain from %s", i, s.Origin, prev.Destination)
		}
		if !s.DepartUTC.After(prev.ArriveUTC) {
			return fmt.Errorf("segment %d departs before previous arrival", i)
		}
	}
	return nil
}

// MarketingCarrier returns the carrier of the first segment.
func (o Offer) MarketingCarrier() string {
	if len(o.Segments) == 0 {
		return ""
	}
	return o.Segments[0].Carrier
}
