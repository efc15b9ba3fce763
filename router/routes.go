package router

import (
	"sort"
	"strings"

	"github.com/skyscan/skyscan/iata"
)

// RouteTier buckets routes by demand; the cache derives TTLs from it and
// the scheduler derives refresh cadence.
type RouteTier string

const (
	TierTop      RouteTier = "top"
	TierMedium   RouteTier = "medium"
	TierLongTail RouteTier = "long_tail"
)

// tier1Routes are the highest-demand city pairs, refreshed most often.
// Undirected; "ICN-NRT" covers both directions.
var tier1Routes = map[string]bool{
	"ICN-NRT": true, "ICN-KIX": true, "ICN-FUK": true, "GMP-HND": true,
	"ICN-BKK": true, "ICN-DAD": true, "ICN-SGN": true, "ICN-HAN": true,
	"ICN-TPE": true, "ICN-HKG": true, "ICN-CEB": true, "ICN-MNL": true,
	"GMP-CJU": true, "ICN-CJU": true, "PUS-CJU": true,
}

// tier2Routes are steadily searched but off-peak pairs.
var tier2Routes = map[string]bool{
	"ICN-CTS": true, "ICN-OKA": true, "ICN-NGO": true, "PUS-NRT": true,
	"PUS-KIX": true, "ICN-KUL": true, "ICN-SIN": true, "ICN-DPS": true,
	"ICN-BKI": true, "ICN-CNX": true, "ICN-HKT": true, "ICN-PQC": true,
	"ICN-ULN": true, "ICN-SYD": true, "ICN-GUM": true, "ICN-SPN": true,
}

func routeKey(origin, dest string) string {
	if origin > dest {
		origin, dest = dest, origin
	}
	return origin + "-" + dest
}

// TierFor classifies a route.
func TierFor(origin, dest string) RouteTier {
	k := routeKey(origin, dest)
	switch {
	case tier1Routes[k]:
		return TierTop
	case tier2Routes[k]:
		return TierMedium
	default:
		return TierLongTail
	}
}

// Route is one scheduled city pair.
type Route struct {
	Origin      string
	Destination string
}

// RoutesInTier enumerates the routes of a scheduled tier in stable order,
// for the background refresh seeder. The long-tail tier is open-ended and
// returns nothing.
func RoutesInTier(t RouteTier) []Route {
	var table map[string]bool
	switch t {
	case TierTop:
		table = tier1Routes
	case TierMedium:
		table = tier2Routes
	default:
		return nil
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Route, 0, len(keys))
	for _, k := range keys {
		parts := strings.SplitN(k, "-", 2)
		out = append(out, Route{Origin: parts[0], Destination: parts[1]})
	}
	return out
}

// carrierRoutes lists the network of each directly-served carrier. The
// carrier-forcing rule only fires when the queried route appears here;
// a direct adapter is useless on a route its airline does not fly.
var carrierRoutes = map[string]map[string]bool{
	"7C": {"GMP-CJU": true, "ICN-CJU": true, "PUS-CJU": true, "ICN-NRT": true,
		"ICN-KIX": true, "ICN-FUK": true, "ICN-BKK": true, "ICN-DAD": true,
		"ICN-SGN": true, "ICN-CEB": true, "ICN-MNL": true, "ICN-TPE": true,
		"ICN-OKA": true, "ICN-CTS": true, "ICN-GUM": true},
	"YP": {"ICN-NRT": true, "ICN-BKK": true, "ICN-SGN": true, "ICN-HKG": true,
		"ICN-DAD": true, "ICN-LAX": true, "ICN-SFO": true, "ICN-EWR": true,
		"ICN-HNL": true},
	"LJ": {"GMP-CJU": true, "ICN-CJU": true, "ICN-NRT": true, "ICN-KIX": true,
		"ICN-FUK": true, "ICN-BKK": true, "ICN-CEB": true, "ICN-GUM": true,
		"ICN-DAD": true, "ICN-OKA": true, "ICN-CTS": true},
	"KE": {}, // flag carrier: whole network, matched by region below
	"TW": {"GMP-CJU": true, "ICN-CJU": true, "ICN-NRT": true, "ICN-KIX": true,
		"ICN-FUK": true, "ICN-OIT": true, "ICN-BKK": true, "ICN-DAD": true,
		"ICN-SGN": true, "ICN-SPN": true, "ICN-SYD": true, "ICN-ULN": true},
	"RS": {"ICN-NRT": true, "ICN-KIX": true, "ICN-FUK": true, "ICN-DAD": true,
		"ICN-DPS": true, "ICN-BKI": true, "ICN-HAN": true, "ICN-TPE": true},
	"BX": {"PUS-CJU": true, "PUS-NRT": true, "PUS-KIX": true, "PUS-FUK": true,
		"GMP-CJU": true, "ICN-NRT": true, "ICN-KIX": true, "ICN-DAD": true},
	"ZE": {"GMP-CJU": true, "ICN-CJU": true, "ICN-NRT": true, "ICN-BKK": true,
		"ICN-DAD": true, "ICN-TPE": true},
	"TG": {"ICN-BKK": true, "PUS-BKK": true, "ICN-HKT": true, "ICN-CNX": true},
	"VJ": {"ICN-SGN": true, "ICN-HAN": true, "ICN-DAD": true, "ICN-PQC": true,
		"PUS-DAD": true, "PUS-SGN": true},
	"MM": {"ICN-KIX": true, "ICN-NRT": true, "PUS-KIX": true, "GMP-HND": true},
	"GK": {"ICN-NRT": true, "ICN-KIX": true, "ICN-CTS": true},
}

// CarrierServes reports whether a carrier plausibly serves the route. The
// flag carrier with an empty route set matches any route touching its
// home region.
func CarrierServes(carrier, origin, dest string) bool {
	routes, ok := carrierRoutes[carrier]
	if !ok {
		return false
	}
	if len(routes) == 0 {
		return iata.Region(origin) == "NEA" || iata.Region(dest) == "NEA"
	}
	return routes[routeKey(origin, dest)]
}

// CarriersOn returns every known carrier serving the route, for the
// tenant adapter's per-route fan-out narrowing.
func CarriersOn(origin, dest string) []string {
	var out []string
	for c := range carrierRoutes {
		if CarrierServes(c, origin, dest) {
			out = append(out, c)
		}
	}
	return out
}
