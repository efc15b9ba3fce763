package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(carrier, number, origin, dest string, depart time.Time, dur time.Duration) Segment {
	return Segment{
		Carrier:      carrier,
		FlightNumber: number,
		Origin:       origin,
		Destination:  dest,
		DepartUTC:    depart,
		ArriveUTC:    depart.Add(dur),
		Cabin:        Economy,
		DurationMin:  int(dur.Minutes()),
	}
}

func TestSegmentFingerprint(t *testing.T) {
	s := seg("KE", "703", "ICN", "NRT", time.Date(2026, 9, 10, 1, 0, 0, 0, time.UTC), 2*time.Hour)
	assert.Equal(t, "KE703:2026-09-10:ICN-NRT:ECONOMY", s.Fingerprint())
}

func TestOfferFingerprintJoinsSegments(t *testing.T) {
	dep := time.Date(2026, 9, 10, 1, 0, 0, 0, time.UTC)
	o := Offer{Segments: []Segment{
		seg("KE", "703", "ICN", "NRT", dep, 2*time.Hour),
		seg("KE", "2", "NRT", "HNL", dep.Add(4*time.Hour), 7*time.Hour),
	}}
	assert.Equal(t,
		"KE703:2026-09-10:ICN-NRT:ECONOMY|KE2:2026-09-10:NRT-HNL:ECONOMY",
		o.Fingerprint())
}

func TestOfferValidateChaining(t *testing.T) {
	dep := time.Date(2026, 9, 10, 1, 0, 0, 0, time.UTC)
	price := Price{SourceID: "gds", Currency: "KRW", Amount: 100000, Converted: 100000}

	good := Offer{
		Segments: []Segment{
			seg("KE", "703", "ICN", "NRT", dep, 2*time.Hour),
			seg("KE", "2", "NRT", "HNL", dep.Add(4*time.Hour), 7*time.Hour),
		},
		Prices: []Price{price},
	}
	require.NoError(t, good.Validate())

	broken := good
	broken.Segments = []Segment{
		seg("KE", "703", "ICN", "NRT", dep, 2*time.Hour),
		seg("KE", "2", "KIX", "HNL", dep.Add(4*time.Hour), 7*time.Hour),
	}
	assert.Error(t, broken.Validate())

	overlap := good
	overlap.Segments = []Segment{
		seg("KE", "703", "ICN", "NRT", dep, 2*time.Hour),
		seg("KE", "2", "NRT", "HNL", dep.Add(time.Hour), 7*time.Hour),
	}
	assert.Error(t, overlap.Validate())

	assert.Error(t, Offer{Prices: []Price{price}}.Validate(), "no segments")
	assert.Error(t, Offer{Segments: good.Segments}.Validate(), "no prices")
}

func TestSegmentValidateArrivalAfterDeparture(t *testing.T) {
	s := seg("7C", "1101", "GMP", "CJU", time.Date(2026, 9, 10, 1, 0, 0, 0, time.UTC), time.Hour)
	s.ArriveUTC = s.DepartUTC
	assert.Error(t, s.Validate())
}

func TestLowestPriceComparesConverted(t *testing.T) {
	o := Offer{Prices: []Price{
		{SourceID: "gds", Currency: "USD", Amount: 90, Converted: 125100},
		{SourceID: "jejuair", Currency: "KRW", Amount: 98000, Converted: 98000},
		{SourceID: "aggregator", Currency: "EUR", Amount: 80, Converted: 120800},
	}}
	p, ok := o.LowestPrice()
	require.True(t, ok)
	assert.Equal(t, "jejuair", p.SourceID)

	_, ok = Offer{}.LowestPrice()
	assert.False(t, ok)
}
