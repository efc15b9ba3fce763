// Package model contains the canonical data types exchanged between the
// crawling adapters, the merger and the cache: search queries, raw and
// normalized offers, and the failure taxonomy used for health accounting.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CabinClass is the requested service cabin.
type CabinClass string

const (
	Economy        CabinClass = "ECONOMY"
	PremiumEconomy CabinClass = "PREMIUM_ECONOMY"
	Business       CabinClass = "BUSINESS"
	First          CabinClass = "FIRST"
)

// ParseCabinClass maps loose source strings onto a CabinClass.
func ParseCabinClass(s string) CabinClass {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PREMIUM_ECONOMY", "PREMIUM ECONOMY", "W":
		return PremiumEconomy
	case "BUSINESS", "C", "J":
		return Business
	case "FIRST", "F":
		return First
	default:
		return Economy
	}
}

// TripType distinguishes one-way, round-trip and multi-city queries.
type TripType string

const (
	OneWay    TripType = "ONE_WAY"
	RoundTrip TripType = "ROUND_TRIP"
	MultiCity TripType = "MULTI_CITY"
)

// Travelers holds passenger counts for a query.
type Travelers struct {
	Adults       int `json:"adults"`
	Children     int `json:"children"`
	InfantInSeat int `json:"infants_in_seat"`
	InfantOnLap  int `json:"infants_on_lap"`
}

// Total returns the number of seats plus lap infants.
func (t Travelers) Total() int {
	return t.Adults + t.Children + t.InfantInSeat + t.InfantOnLap
}

// Query is an immutable flight search request descriptor.
type Query struct {
	Origin        string     `json:"origin"`
	Destination   string     `json:"destination"`
	DepartureDate time.Time  `json:"departure_date"`
	ReturnDate    *time.Time `json:"return_date,omitempty"`
	Cabin         CabinClass `json:"cabin"`
	Travelers     Travelers  `json:"travelers"`
	Currency      string     `json:"currency"`
	TripType      TripType   `json:"trip_type"`
}

// ErrInvalidQuery is returned for queries that fail validation.
var ErrInvalidQuery = errors.New("invalid query")

func validIATA(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Validate checks the query invariants: IATA-3 endpoints, passenger count
// rules (adults >= 1, total <= 9, lap infants <= adults), ISO-4217 currency,
// departure not in the past, and return date ordering when present.
func (q Query) Validate(now time.Time) error {
	if !validIATA(q.Origin) {
		return fmt.Errorf("%w: origin %q is not an IATA-3 code", ErrInvalidQuery, q.Origin)
	}
	if !validIATA(q.Destination) {
		return fmt.Errorf("%w: destination %q is not an IATA-3 code", ErrInvalidQuery, q.Destination)
	}
	if q.Origin == q.Destination {
		return fmt.Errorf("%w: origin and destination are both %s", ErrInvalidQuery, q.Origin)
	}
	if q.Travelers.Adults < 1 {
		return fmt.Errorf("%w: at least one adult is required", ErrInvalidQuery)
	}
	if q.Travelers.Total() > 9 {
		return fmt.Errorf("%w: at most 9 passengers per query", ErrInvalidQuery)
	}
	if q.Travelers.InfantOnLap > q.Travelers.Adults {
		return fmt.Errorf("%w: lap infants (%d) exceed adults (%d)", ErrInvalidQuery, q.Travelers.InfantOnLap, q.Travelers.Adults)
	}
	if len(q.Currency) != 3 {
		return fmt.Errorf("%w: currency %q is not ISO-4217", ErrInvalidQuery, q.Currency)
	}
	today := now.UTC().Truncate(24 * time.Hour)
	if q.DepartureDate.Before(today) {
		return fmt.Errorf("%w: departure date %s is in the past", ErrInvalidQuery, q.DepartureDate.Format(time.DateOnly))
	}
	if q.ReturnDate != nil && q.ReturnDate.Before(q.DepartureDate) {
		return fmt.Errorf("%w: return date before departure date", ErrInvalidQuery)
	}
	switch q.TripType {
	case OneWay, RoundTrip, MultiCity:
	default:
		return fmt.Errorf("%w: unknown trip type %q", ErrInvalidQuery, q.TripType)
	}
	if q.TripType == RoundTrip && q.ReturnDate == nil {
		return fmt.Errorf("%w: round trip requires a return date", ErrInvalidQuery)
	}
	return nil
}

// Key returns the canonical cache key for the query. Passenger counts are
// deliberately excluded: they only multiply the final price and do not
// change availability, so all party sizes share one cache entry.
func (q Query) Key() string {
	ret := "-"
	if q.ReturnDate != nil {
		ret = q.ReturnDate.Format(time.DateOnly)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s:%s",
		q.Origin, q.Destination,
		q.DepartureDate.Format(time.DateOnly), ret,
		q.Cabin, q.TripType, q.Currency)
}
