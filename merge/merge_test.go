package merge

import (
	"math/rand"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyscan/skyscan/model"
)

func offer(sourceID string, trust int, converted float64, mutate ...func(*model.Offer)) model.Offer {
	dep := time.Date(2026, 9, 10, 0, 30, 0, 0, time.UTC)
	o := model.Offer{
		Segments: []model.Segment{{
			Carrier:          "KE",
			OperatingCarrier: "KE",
			FlightNumber:     "703",
			Origin:           "ICN",
			Destination:      "NRT",
			DepartUTC:        dep,
			ArriveUTC:        dep.Add(145 * time.Minute),
			Cabin:            model.Economy,
			DurationMin:      145,
		}},
		Prices: []model.Price{{
			SourceID:   sourceID,
			TrustScore: trust,
			Currency:   "KRW",
			Amount:     converted,
			Converted:  converted,
		}},
		Provenance: model.Provenance{SourceID: sourceID},
	}
	for _, m := range mutate {
		m(&o)
	}
	return o
}

func withFlight(number string) func(*model.Offer) {
	return func(o *model.Offer) { o.Segments[0].FlightNumber = number }
}

func TestMergeCollapsesSameFingerprint(t *testing.T) {
	in := []model.Offer{
		offer("gds", 40, 290000),
		offer("jejuair", 60, 285000),
		offer("metasearch", 20, 280000),
	}
	out, stats := MergeWithStats(in)

	require.Len(t, out, 1)
	assert.Equal(t, 3, stats.In)
	assert.Equal(t, 1, stats.Out)
	assert.Equal(t, 2, stats.Collapsed)

	m := out[0]
	assert.Len(t, m.Prices, 3, "every source's quote survives")
	assert.Equal(t, "jejuair", m.Provenance.SourceID, "highest trust owns the non-price fields")

	low, ok := m.LowestPrice()
	require.True(t, ok)
	assert.Equal(t, "metasearch", low.SourceID)
}

func TestMergeKeepsDistinctFingerprints(t *testing.T) {
	in := []model.Offer{
		offer("gds", 40, 290000),
		offer("gds", 40, 180000, withFlight("705")),
	}
	out := Merge(in)

	require.Len(t, out, 2)
	// Sorted by lowest converted price.
	assert.Equal(t, "705", out[0].Segments[0].FlightNumber)
	assert.Equal(t, "703", out[1].Segments[0].FlightNumber)
}

func TestMergeOrderInvariant(t *testing.T) {
	in := []model.Offer{
		offer("gds", 40, 290000),
		offer("jejuair", 60, 285000),
		offer("aggregator", 30, 280000),
		offer("gds", 40, 180000, withFlight("705")),
		offer("browser", 10, 182000, withFlight("705")),
	}
	want := Merge(in)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.Offer{}, in...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if diff := deep.Equal(want, Merge(shuffled)); diff != nil {
			t.Fatalf("merge depends on input order: %v", diff)
		}
	}
}

func TestMergeIdempotent(t *testing.T) {
	in := []model.Offer{
		offer("gds", 40, 290000),
		offer("jejuair", 60, 285000),
		offer("gds", 40, 180000, withFlight("705")),
	}
	once := Merge(in)
	twice := Merge(once)
	if diff := deep.Equal(once, twice); diff != nil {
		t.Fatalf("merge is not idempotent: %v", diff)
	}
}

func TestMergeTrustTieBreakBySource(t *testing.T) {
	in := []model.Offer{
		offer("zeta", 40, 290000),
		offer("alpha", 40, 290000),
	}
	out := Merge(in)
	require.Len(t, out, 1)
	assert.Equal(t, "alpha", out[0].Provenance.SourceID, "equal trust breaks ties by source ID")
}

func TestMergeCheapestQuotePerSource(t *testing.T) {
	in := []model.Offer{
		offer("gds", 40, 290000),
		offer("gds", 40, 275000),
	}
	out := Merge(in)
	require.Len(t, out, 1)
	require.Len(t, out[0].Prices, 1)
	assert.Equal(t, 275000.0, out[0].Prices[0].Converted)
}

func TestMergeBackfillsMissingAttributes(t *testing.T) {
	trusted := offer("jejuair", 60, 285000, func(o *model.Offer) {
		o.Segments[0].AircraftType = ""
		o.Segments[0].OperatingCarrier = "KE"
		o.Provenance.OperatingCarrierAssumed = true
	})
	detailed := offer("gds", 40, 290000, func(o *model.Offer) {
		o.Segments[0].AircraftType = "Boeing 737-800"
		o.Segments[0].OperatingCarrier = "LJ"
	})
	out := Merge([]model.Offer{trusted, detailed})

	require.Len(t, out, 1)
	s := out[0].Segments[0]
	assert.Equal(t, "Boeing 737-800", s.AircraftType, "aircraft backfilled from lower trust")
	assert.Equal(t, "LJ", s.OperatingCarrier, "assumed operating carrier replaced by a known one")
	assert.False(t, out[0].Provenance.OperatingCarrierAssumed)
}

func TestMergeEmptyInput(t *testing.T) {
	out, stats := MergeWithStats(nil)
	assert.Empty(t, out)
	assert.Zero(t, stats.In)
	assert.Zero(t, stats.Out)
}
