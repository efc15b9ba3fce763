package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseQuery() Query {
	return Query{
		Origin:        "ICN",
		Destination:   "NRT",
		DepartureDate: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC),
		Cabin:         Economy,
		Travelers:     Travelers{Adults: 1},
		Currency:      "KRW",
		TripType:      OneWay,
	}
}

func TestQueryValidate(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	require.NoError(t, baseQuery().Validate(now))

	cases := []struct {
		name   string
		mutate func(*Query)
	}{
		{"bad origin", func(q *Query) { q.Origin = "ic" }},
		{"lowercase destination", func(q *Query) { q.Destination = "nrt" }},
		{"same endpoints", func(q *Query) { q.Destination = "ICN" }},
		{"no adults", func(q *Query) { q.Travelers.Adults = 0 }},
		{"party too large", func(q *Query) { q.Travelers.Children = 9 }},
		{"lap infants exceed adults", func(q *Query) { q.Travelers.InfantOnLap = 2 }},
		{"bad currency", func(q *Query) { q.Currency = "WONS" }},
		{"departure in past", func(q *Query) { q.DepartureDate = now.AddDate(0, 0, -2) }},
		{"unknown trip type", func(q *Query) { q.TripType = "OPEN_JAW" }},
		{"round trip without return", func(q *Query) { q.TripType = RoundTrip }},
		{"return before departure", func(q *Query) {
			ret := q.DepartureDate.AddDate(0, 0, -1)
			q.ReturnDate = &ret
			q.TripType = RoundTrip
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := baseQuery()
			tc.mutate(&q)
			assert.ErrorIs(t, q.Validate(now), ErrInvalidQuery)
		})
	}
}

func TestQueryValidateSameDayDeparture(t *testing.T) {
	// Departing later today is allowed even after the clock passed midnight.
	now := time.Date(2026, 8, 26, 23, 30, 0, 0, time.UTC)
	q := baseQuery()
	q.DepartureDate = time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, q.Validate(now))
}

func TestQueryKeyExcludesTravelers(t *testing.T) {
	a := baseQuery()
	b := baseQuery()
	b.Travelers = Travelers{Adults: 2, Children: 1}

	assert.Equal(t, a.Key(), b.Key(), "party size must not fragment the cache")
}

func TestQueryKeyRoundTrip(t *testing.T) {
	q := baseQuery()
	ret := q.DepartureDate.AddDate(0, 0, 7)
	q.ReturnDate = &ret
	q.TripType = RoundTrip

	assert.Equal(t, "ICN:NRT:2026-09-10:2026-09-17:ECONOMY:ROUND_TRIP:KRW", q.Key())
	assert.NotEqual(t, baseQuery().Key(), q.Key())
}

func TestParseCabinClass(t *testing.T) {
	assert.Equal(t, PremiumEconomy, ParseCabinClass("premium economy"))
	assert.Equal(t, Business, ParseCabinClass("J"))
	assert.Equal(t, First, ParseCabinClass("F"))
	assert.Equal(t, Economy, ParseCabinClass("whatever"))
}
