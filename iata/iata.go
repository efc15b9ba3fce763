// Package iata contains the IATA airport reference table used for time-zone
// resolution and region lookups during normalization and routing.
//
// The table was hand-trimmed from an airport list (see [airports.json]) down
// to the airports present in the crawl route tables; unknown codes fall back
// to UTC.
//
// [airports.json]: https://github.com/mwgg/Airports/blob/f259c38566a5acbcb04b64eb5ad01d14bf7fd07c/airports.json
package iata

import "time"

// Location contains airport location data including city, country, timezone
// and coordinates.
type Location struct {
	City    string
	Country string
	Tz      string
	Lat     float64
	Lon     float64
}

var airports = map[string]Location{
	"ICN": {"Seoul", "KR", "Asia/Seoul", 37.469101, 126.450996},
	"GMP": {"Seoul", "KR", "Asia/Seoul", 37.558300, 126.791000},
	"PUS": {"Busan", "KR", "Asia/Seoul", 35.179501, 128.938004},
	"CJU": {"Jeju", "KR", "Asia/Seoul", 33.511299, 126.492996},
	"NRT": {"Tokyo", "JP", "Asia/Tokyo", 35.764702, 140.386002},
	"HND": {"Tokyo", "JP", "Asia/Tokyo", 35.552299, 139.779999},
	"KIX": {"Osaka", "JP", "Asia/Tokyo", 34.427299, 135.244003},
	"NGO": {"Nagoya", "JP", "Asia/Tokyo", 34.858398, 136.804993},
	"FUK": {"Fukuoka", "JP", "Asia/Tokyo", 33.585899, 130.451004},
	"CTS": {"Sapporo", "JP", "Asia/Tokyo", 42.775101, 141.692001},
	"OKA": {"Naha", "JP", "Asia/Tokyo", 26.195801, 127.646004},
	"PVG": {"Shanghai", "CN", "Asia/Shanghai", 31.143400, 121.805000},
	"PEK": {"Beijing", "CN", "Asia/Shanghai", 40.080101, 116.584999},
	"HKG": {"Hong Kong", "HK", "Asia/Hong_Kong", 22.308901, 113.915001},
	"TPE": {"Taipei", "TW", "Asia/Taipei", 25.077700, 121.233002},
	"BKK": {"Bangkok", "TH", "Asia/Bangkok", 13.681100, 100.747002},
	"CNX": {"Chiang Mai", "TH", "Asia/Bangkok", 18.766800, 98.962601},
	"SGN": {"Ho Chi Minh City", "VN", "Asia/Ho_Chi_Minh", 10.818800, 106.652000},
	"HAN": {"Hanoi", "VN", "Asia/Ho_Chi_Minh", 21.221201, 105.807002},
	"DAD": {"Da Nang", "VN", "Asia/Ho_Chi_Minh", 16.043900, 108.198997},
	"MNL": {"Manila", "PH", "Asia/Manila", 14.508600, 121.019997},
	"CEB": {"Cebu", "PH", "Asia/Manila", 10.307500, 123.978996},
	"SIN": {"Singapore", "SG", "Asia/Singapore", 1.350190, 103.994003},
	"KUL": {"Kuala Lumpur", "MY", "Asia/Kuala_Lumpur", 2.745580, 101.709999},
	"DPS": {"Denpasar", "ID", "Asia/Makassar", -8.748170, 115.166998},
	"CGK": {"Jakarta", "ID", "Asia/Jakarta", -6.125570, 106.655998},
	"DEL": {"Delhi", "IN", "Asia/Kolkata", 28.566500, 77.103104},
	"DXB": {"Dubai", "AE", "Asia/Dubai", 25.252800, 55.364399},
	"DOH": {"Doha", "QA", "Asia/Qatar", 25.273100, 51.608101},
	"IST": {"Istanbul", "TR", "Europe/Istanbul", 41.275278, 28.751944},
	"LHR": {"London", "GB", "Europe/London", 51.470600, -0.461941},
	"CDG": {"Paris", "FR", "Europe/Paris", 49.012798, 2.550000},
	"AMS": {"Amsterdam", "NL", "Europe/Amsterdam", 52.308601, 4.763890},
	"FRA": {"Frankfurt", "DE", "Europe/Berlin", 50.033333, 8.570556},
	"MUC": {"Munich", "DE", "Europe/Berlin", 48.353802, 11.786100},
	"ZRH": {"Zurich", "CH", "Europe/Zurich", 47.464699, 8.549170},
	"VIE": {"Vienna", "AT", "Europe/Vienna", 48.110298, 16.569700},
	"WAW": {"Warsaw", "PL", "Europe/Warsaw", 52.165699, 20.967100},
	"HEL": {"Helsinki", "FI", "Europe/Helsinki", 60.317200, 24.963301},
	"ADD": {"Addis Ababa", "ET", "Africa/Addis_Ababa", 8.977890, 38.799301},
	"JFK": {"New York", "US", "America/New_York", 40.639801, -73.778900},
	"EWR": {"Newark", "US", "America/New_York", 40.692501, -74.168701},
	"LAX": {"Los Angeles", "US", "America/Los_Angeles", 33.942501, -118.407997},
	"SFO": {"San Francisco", "US", "America/Los_Angeles", 37.618999, -122.375000},
	"SEA": {"Seattle", "US", "America/Los_Angeles", 47.449001, -122.308998},
	"ORD": {"Chicago", "US", "America/Chicago", 41.978600, -87.904800},
	"DFW": {"Dallas", "US", "America/Chicago", 32.896801, -97.038002},
	"YVR": {"Vancouver", "CA", "America/Vancouver", 49.193901, -123.183998},
	"HNL": {"Honolulu", "US", "Pacific/Honolulu", 21.320600, -157.924005},
	"GUM": {"Guam", "GU", "Pacific/Guam", 13.483400, 144.796005},
	"SPN": {"Saipan", "MP", "Pacific/Saipan", 15.119000, 145.729004},
	"SYD": {"Sydney", "AU", "Australia/Sydney", -33.946110, 151.177002},
	"BNE": {"Brisbane", "AU", "Australia/Brisbane", -27.384199, 153.117004},
	"AKL": {"Auckland", "NZ", "Pacific/Auckland", -37.008099, 174.792007},
	"UBN": {"Ulaanbaatar", "MN", "Asia/Ulaanbaatar", 47.646901, 106.819702},
	"ALA": {"Almaty", "KZ", "Asia/Almaty", 43.352100, 77.040497},
	"TAS": {"Tashkent", "UZ", "Asia/Tashkent", 41.257900, 69.281197},
}

// Lookup returns the Location for an IATA airport code. ok is false for
// codes outside the generated table.
func Lookup(code string) (Location, bool) {
	loc, ok := airports[code]
	return loc, ok
}

// TimeZone resolves the airport's tz database zone, falling back to UTC for
// unknown codes or unknown zones.
func TimeZone(code string) *time.Location {
	loc, ok := airports[code]
	if !ok {
		return time.UTC
	}
	tz, err := time.LoadLocation(loc.Tz)
	if err != nil {
		return time.UTC
	}
	return tz
}

// countryRegion maps ISO country codes to the coarse regions used by the
// route coverage table.
var countryRegion = map[string]string{
	"KR": "NEA", "JP": "NEA", "CN": "NEA", "HK": "NEA", "TW": "NEA", "MN": "NEA",
	"TH": "SEA", "VN": "SEA", "PH": "SEA", "SG": "SEA", "MY": "SEA", "ID": "SEA",
	"IN": "SA", "KZ": "CA", "UZ": "CA",
	"AE": "ME", "QA": "ME", "TR": "ME",
	"GB": "EU", "FR": "EU", "NL": "EU", "DE": "EU", "CH": "EU", "AT": "EU", "PL": "EU", "FI": "EU",
	"ET": "AF",
	"US": "NA", "CA": "NA",
	"GU": "OC", "MP": "OC", "AU": "OC", "NZ": "OC",
}

// Region returns the coarse geographic region for an airport code, or ""
// when the airport or its country is not in the table.
func Region(code string) string {
	loc, ok := airports[code]
	if !ok {
		return ""
	}
	return countryRegion[loc.Country]
}
