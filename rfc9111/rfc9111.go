// Package rfc9111 implements the parts of HTTP Caching (RFC 9111) a private
// cache needs to decide how long a response stays fresh.
//
// Quotes from the RFC are prefixed with "§".
package rfc9111

import (
	"net/http"
	"time"
)

// Expiration returns the time at which a response received at responseTime
// becomes stale. The zero time means no freshness information is present.
// Responses marked no-store or no-cache are stale immediately.
func Expiration(header http.Header, responseTime time.Time) time.Time {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	if cc.HasDirective("no-store") || cc.HasDirective("no-cache") {
		return responseTime
	}
	lifetime, ok := freshnessLifetime(header, cc, responseTime)
	if !ok {
		return time.Time{}
	}
	return responseTime.Add(lifetime - currentAge(header, responseTime))
}
