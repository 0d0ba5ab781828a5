package rfc9111

import (
	"net/http"
	"time"
)

// freshnessLifetime returns the freshness lifetime of a response and whether
// one could be determined. This is a private cache, so s-maxage is ignored.
func freshnessLifetime(header http.Header, cc CacheControl, responseTime time.Time) (time.Duration, bool) {
	// §     A cache can calculate the freshness lifetime (denoted as
	// §     freshness_lifetime) of a response by evaluating the following rules
	// §     and using the first match:
	// §
	// §     *  If the max-age response directive (Section 5.2.2.1) is present,
	// §        use its value, or
	if val, ok := cc.MaxAge(); ok {
		return val, true
	}
	// §
	// §     *  If the Expires response header field (Section 5.3) is present, use
	// §        its value minus the value of the Date response header field (using
	// §        the time the message was received if it is not present, as per
	// §        Section 6.6.1 of [HTTP]), or
	if expires, present := getExpires(header); present {
		date, err := HttpDate(header.Get("Date"))
		if err != nil {
			date = responseTime
		}
		if lifetime := expires.Sub(date); lifetime > 0 {
			return lifetime, true
		}
		return 0, true
	}
	// §
	// §     *  Otherwise, no explicit expiration time is present in the response.
	// §        A heuristic freshness lifetime might be applicable; see
	// §        Section 4.2.2.
	return heuristicFreshness(header)
}
