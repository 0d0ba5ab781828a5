package rfc9111

import (
	"net/http"
	"time"
)

// currentAge is the age of a response at the moment it was received.
//
// §       apparent_age = max(0, response_time - date_value);
// §       corrected_initial_age = max(apparent_age, age_value);
//
// The response delay is not known here and taken to be zero.
func currentAge(header http.Header, responseTime time.Time) time.Duration {
	var apparentAge time.Duration
	if date, err := HttpDate(header.Get("Date")); err == nil {
		if d := responseTime.Sub(date); d > 0 {
			apparentAge = d
		}
	}
	if age, ok := getAge(header); ok && age > apparentAge {
		return age
	}
	return apparentAge
}
