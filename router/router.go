// Package router selects and tiers sources for a query. Selection starts
// from static coverage (which sources can answer the route at all), then
// health shapes the plan: circuit-open sources are skipped and sources
// with a poor recent success rate are demoted to the fallback tier.
package router

import (
	"sort"

	"github.com/skyscan/skyscan/adapter"
	"github.com/skyscan/skyscan/model"
	"github.com/skyscan/skyscan/pkg/logger"
)

// HealthView is the router's read-only window onto executor health
// accounting. Implementations must be safe for concurrent use.
type HealthView interface {
	// Available reports whether the source's circuit admits requests
	// (closed, or half-open probe allowed).
	Available(sourceID string) bool
	// SuccessRate is the source's success fraction over the sliding
	// window; sources with no recent samples report 1.
	SuccessRate(sourceID string) float64
}

// demoteBelow is the success-rate floor under which a healthy-circuit
// source is still pushed to the fallback tier.
const demoteBelow = 0.5

// Plan is an ordered source selection for one query.
type Plan struct {
	// Primary sources fan out immediately.
	Primary []string
	// Complementary sources also fan out immediately; their results
	// widen coverage but no one waits for them.
	Complementary []string
	// Fallback sources fire only when the primaries produce nothing.
	Fallback []string
	// Skipped maps excluded sources to the reason (circuit_open,
	// disabled, no_coverage), for response diagnostics.
	Skipped map[string]string
	// RouteTier drives cache TTLs downstream.
	RouteTier RouteTier
}

// Sources returns every source the plan may touch, primaries first.
func (p Plan) Sources() []string {
	out := make([]string, 0, len(p.Primary)+len(p.Complementary)+len(p.Fallback))
	out = append(out, p.Primary...)
	out = append(out, p.Complementary...)
	out = append(out, p.Fallback...)
	return out
}

// baseTier is the static tier of each source before carrier forcing and
// health demotion. Metasearch and the aggregator carry every route; the
// distribution APIs widen coverage; browser automation is last resort.
var baseTier = map[string]string{
	"metasearch":   "primary",
	"aggregator":   "primary",
	"gds":          "complementary",
	"official":     "complementary",
	"tenant_fares": "complementary",
	"jejuair":      "complementary",
	"airpremia":    "complementary",
	"browser":      "fallback",
}

// Router builds per-query plans over the registered adapters.
type Router struct {
	adapters map[string]adapter.Adapter
	health   HealthView
	log      *logger.Logger
	override map[string]string // config tier overrides by source
}

// New constructs a router. overrides maps source IDs to a forced tier
// ("primary", "complementary", "fallback"); "auto" entries are ignored.
func New(adapters map[string]adapter.Adapter, health HealthView, overrides map[string]string, log *logger.Logger) *Router {
	ov := make(map[string]string)
	for id, tier := range overrides {
		switch tier {
		case "primary", "complementary", "fallback":
			ov[id] = tier
		}
	}
	return &Router{adapters: adapters, health: health, log: log, override: ov}
}

// Plan computes the source plan for a query.
//
// Tiering rules, in order of precedence:
//  1. a source whose circuit is open is skipped outright;
//  2. a config override pins the tier;
//  3. a direct-carrier source is skipped on routes its carrier does not
//     serve, and forced primary on routes it does, except that fallback
//     sources stay fallback (browser automation is never worth waiting
//     for up front);
//  4. otherwise the static base tier applies;
//  5. after placement, a success rate under 50% demotes to fallback.
func (r *Router) Plan(q model.Query) Plan {
	p := Plan{
		Skipped:   make(map[string]string),
		RouteTier: TierFor(q.Origin, q.Destination),
	}

	for id, ad := range r.adapters {
		if !r.health.Available(id) {
			p.Skipped[id] = "circuit_open"
			continue
		}

		tier := baseTier[id]
		if tier == "" {
			tier = "complementary"
		}

		if c, ok := ad.(adapter.Carriers); ok {
			if !anyServes(c.Carriers(), q) {
				p.Skipped[id] = "no_coverage"
				continue
			}
			if tier != "fallback" {
				tier = "primary"
			}
		}

		if forced, ok := r.override[id]; ok {
			tier = forced
		}

		if tier != "fallback" && r.health.SuccessRate(id) < demoteBelow {
			r.log.Debug("demoting unhealthy source to fallback",
				"source", id, "success_rate", r.health.SuccessRate(id))
			tier = "fallback"
		}

		switch tier {
		case "primary":
			p.Primary = append(p.Primary, id)
		case "fallback":
			p.Fallback = append(p.Fallback, id)
		default:
			p.Complementary = append(p.Complementary, id)
		}
	}

	// Map iteration order is random; plans must be stable for tests and
	// for reproducible fan-out logs.
	sort.Strings(p.Primary)
	sort.Strings(p.Complementary)
	sort.Strings(p.Fallback)
	return p
}

func anyServes(carriers []string, q model.Query) bool {
	for _, c := range carriers {
		if CarrierServes(c, q.Origin, q.Destination) {
			return true
		}
	}
	return false
}
