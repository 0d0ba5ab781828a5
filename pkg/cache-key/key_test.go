package cachekey

import (
	"errors"
	"net/url"
	"testing"
)

func TestCanonicalResolvesAgainstBase(t *testing.T) {
	base, _ := url.Parse("http://dev.localhost/dir/page.html")
	key, u, err := Canonical("../img/a.png#top", base)
	if err != nil {
		t.Fatal(err)
	}
	if key != "http://dev.localhost/img/a.png" {
		t.Fatalf("Key is %s", key)
	}
	if u.Fragment != "" {
		t.Fatalf("Fragment kept: %s", u.Fragment)
	}
}

func TestCanonicalNormalizesHost(t *testing.T) {
	key, _, err := Canonical("HTTP://Example.COM:80", nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != "http://example.com/" {
		t.Fatalf("Key is %s", key)
	}
	key, _, err = Canonical("https://example.com:8443/a", nil)
	if err != nil || key != "https://example.com:8443/a" {
		t.Fatalf("Key is %s (%v)", key, err)
	}
}

func TestCanonicalMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "relative/path", "http://", "http://[::1"} {
		if _, _, err := Canonical(raw, nil); !errors.Is(err, ErrMalformedURL) {
			t.Fatalf("%q: error is %v", raw, err)
		}
	}
}

func TestSameSite(t *testing.T) {
	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		if err != nil {
			t.Fatal(err)
		}
		return u
	}
	if !SameSite(parse("https://www.example.com/"), parse("http://img.example.com/a.png")) {
		t.Fatal("Subdomains of one site should match")
	}
	if SameSite(parse("https://www.example.com/"), parse("https://example.org/")) {
		t.Fatal("Different sites should not match")
	}
	if SameSite(parse("https://a.github.io/"), parse("https://b.github.io/")) {
		t.Fatal("Public suffix sites should not match")
	}
	if SameSite(parse("http://127.0.0.1/"), parse("http://127.0.0.2/")) {
		t.Fatal("Different IPs should not match")
	}
	if !SameSite(parse("file:///a.html"), parse("file:///b.png")) {
		t.Fatal("Local files should match")
	}
}
