package cachekey

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var ErrMalformedURL = errors.New("malformed url")

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Canonical resolves rawURL against base (which may be nil) and returns the
// cache key of the result along with the parsed URL.
// The key drops the fragment and default ports, and lower-cases the host.
func Canonical(rawURL string, base *url.URL) (string, *url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", nil, fmt.Errorf("%w: empty", ErrMalformedURL)
	}
	var (
		u   *url.URL
		err error
	)
	if base != nil {
		u, err = base.Parse(rawURL)
	} else {
		u, err = url.Parse(rawURL)
	}
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrMalformedURL, err)
	}
	if u.Scheme == "" {
		return "", nil, fmt.Errorf("%w: %q is not absolute", ErrMalformedURL, rawURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if _, ok := defaultPorts[u.Scheme]; ok {
		if u.Host == "" {
			return "", nil, fmt.Errorf("%w: %q has no host", ErrMalformedURL, rawURL)
		}
		host, port := u.Hostname(), u.Port()
		if port == defaultPorts[u.Scheme] {
			port = ""
		}
		u.Host = strings.ToLower(host)
		if strings.Contains(host, ":") {
			// IPv6 literal
			u.Host = "[" + u.Host + "]"
		}
		if port != "" {
			u.Host += ":" + port
		}
		if u.Path == "" {
			u.Path = "/"
		}
	}
	return u.String(), u, nil
}

// SameSite reports whether a and b share a registrable domain, e.g.
// www.example.com and img.example.com. Hosts without one, like IP
// addresses, must match exactly.
func SameSite(a, b *url.URL) bool {
	if a.Scheme == "file" || b.Scheme == "file" {
		return a.Scheme == b.Scheme
	}
	ha, hb := strings.ToLower(a.Hostname()), strings.ToLower(b.Hostname())
	if ha == hb {
		return true
	}
	if net.ParseIP(ha) != nil || net.ParseIP(hb) != nil {
		return false
	}
	da, errA := publicsuffix.EffectiveTLDPlusOne(ha)
	db, errB := publicsuffix.EffectiveTLDPlusOne(hb)
	if errA != nil || errB != nil {
		return false
	}
	return da == db
}
