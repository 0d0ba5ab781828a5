package rfc9111

import (
	"net/http"
	"time"
)

// §  5.3.  Expires
// §     A cache recipient MUST interpret invalid date formats, especially the
// §     value "0", as representing a time in the past (i.e., "already
// §     expired").
//
// getExpires returns the Expires time and whether the field was present.
// An invalid value yields the zero time, which is always in the past.
func getExpires(header http.Header) (time.Time, bool) {
	values := header.Values("Expires")
	if len(values) == 0 {
		return time.Time{}, false
	}
	exp, err := HttpDate(values[0])
	if err != nil {
		return time.Time{}, true
	}
	return exp, true
}
