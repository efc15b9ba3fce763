// Package merge deduplicates normalized offers across sources. Offers
// with the same fingerprint collapse into one entry carrying every
// source's price; non-price attributes come from the most trusted
// contributor, with gaps backfilled from the others. The merge is
// deterministic: any input order produces the same output.
package merge

import (
	"sort"

	"github.com/skyscan/skyscan/model"
)

// Stats summarizes one merge for response diagnostics and logs.
type Stats struct {
	In        int            `json:"in"`
	Out       int            `json:"out"`
	Collapsed int            `json:"collapsed"` // inputs absorbed into an existing fingerprint
	BySource  map[string]int `json:"by_source"` // surviving price quotes per source
}

// Merge collapses offers by fingerprint and returns them sorted by lowest
// converted price, fingerprint as tie-break. Safe to call on already
// merged output; merging is idempotent.
func Merge(offers []model.Offer) []model.Offer {
	out, _ := MergeWithStats(offers)
	return out
}

// MergeWithStats is Merge plus coverage statistics.
func MergeWithStats(offers []model.Offer) ([]model.Offer, Stats) {
	stats := Stats{In: len(offers), BySource: make(map[string]int)}
	groups := make(map[string][]model.Offer)
	var order []string
	for _, o := range offers {
		fp := o.Fingerprint()
		if _, seen := groups[fp]; !seen {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], o)
	}

	merged := make([]model.Offer, 0, len(groups))
	for _, fp := range order {
		group := groups[fp]
		m := collapse(group)
		if len(group) > 1 {
			stats.Collapsed += len(group) - 1
		}
		for _, p := range m.Prices {
			stats.BySource[p.SourceID]++
		}
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		pi, _ := merged[i].LowestPrice()
		pj, _ := merged[j].LowestPrice()
		if pi.Converted != pj.Converted {
			return pi.Converted < pj.Converted
		}
		return merged[i].Fingerprint() < merged[j].Fingerprint()
	})
	stats.Out = len(merged)
	return merged, stats
}

// collapse merges one fingerprint group. The winner for non-price fields
// is the contributor with the highest trust score, source ID as the
// deterministic tie-break; prices are unioned keeping the cheapest quote
// per source.
func collapse(group []model.Offer) model.Offer {
	sorted := append([]model.Offer{}, group...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := trustOf(sorted[i]), trustOf(sorted[j])
		if ti != tj {
			return ti > tj
		}
		return sourceOf(sorted[i]) < sourceOf(sorted[j])
	})

	winner := sorted[0]
	out := model.Offer{
		Segments:   append([]model.Segment{}, winner.Segments...),
		Provenance: winner.Provenance,
	}

	// Backfill segment attributes the winner is missing from the next
	// most trusted contributor that has them.
	for _, o := range sorted[1:] {
		if len(o.Segments) != len(out.Segments) {
			continue
		}
		for i := range out.Segments {
			if out.Segments[i].AircraftType == "" {
				out.Segments[i].AircraftType = o.Segments[i].AircraftType
			}
			if out.Provenance.OperatingCarrierAssumed && !o.Provenance.OperatingCarrierAssumed {
				out.Segments[i].OperatingCarrier = o.Segments[i].OperatingCarrier
			}
		}
		if out.Provenance.OperatingCarrierAssumed && !o.Provenance.OperatingCarrierAssumed {
			out.Provenance.OperatingCarrierAssumed = false
		}
	}

	// Price union: cheapest surviving quote per source.
	bestBySource := make(map[string]model.Price)
	var sourceOrder []string
	for _, o := range sorted {
		for _, p := range o.Prices {
			cur, seen := bestBySource[p.SourceID]
			if !seen {
				sourceOrder = append(sourceOrder, p.SourceID)
				bestBySource[p.SourceID] = p
				continue
			}
			if p.Converted < cur.Converted {
				bestBySource[p.SourceID] = p
			}
		}
	}
	sort.Strings(sourceOrder)
	for _, src := range sourceOrder {
		out.Prices = append(out.Prices, bestBySource[src])
	}
	return out
}

func trustOf(o model.Offer) int {
	best := 0
	for _, p := range o.Prices {
		if p.TrustScore > best {
			best = p.TrustScore
		}
	}
	return best
}

func sourceOf(o model.Offer) string {
	if len(o.Prices) > 0 {
		return o.Prices[0].SourceID
	}
	return o.Provenance.SourceID
}
