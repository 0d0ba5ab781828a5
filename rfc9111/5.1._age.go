package rfc9111

import (
	"net/http"
	"strings"
	"time"
)

// §  5.1.  Age
// §     The Age field value is a non-negative integer, representing time in
// §     seconds (see Section 1.2.2).
// §     Although it is defined as a singleton header field, a cache
// §     encountering a message with a list-based Age field value SHOULD use
// §     the first member of the field value, discarding subsequent ones.
// §     If the field value (after discarding additional members, as per
// §     above) is invalid (e.g., it contains something other than a non-
// §     negative integer), a cache SHOULD ignore the field.
func getAge(header http.Header) (time.Duration, bool) {
	secondsStr := header.Get("Age")
	if secondsStr == "" {
		return 0, false
	}
	first, _, _ := strings.Cut(secondsStr, ",")
	return deltaSeconds(first)
}
