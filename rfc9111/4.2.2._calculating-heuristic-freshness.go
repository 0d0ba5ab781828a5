package rfc9111

import (
	"net/http"
	"time"
)

// §     If the response has a Last-Modified header field (Section 8.8.2 of
// §     [HTTP]), caches are encouraged to use a heuristic expiration value
// §     that is no more than some fraction of the interval since that time.
// §     A typical setting of this fraction might be 10%.
const heuristicFraction = 10

// heuristicFreshness is a tenth of the time between Last-Modified and Date.
func heuristicFreshness(header http.Header) (time.Duration, bool) {
	lastModified, err := HttpDate(header.Get("Last-Modified"))
	if err != nil {
		return 0, false
	}
	date, err := HttpDate(header.Get("Date"))
	if err != nil || !date.After(lastModified) {
		return 0, false
	}
	return date.Sub(lastModified) / heuristicFraction, true
}
