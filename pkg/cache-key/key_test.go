package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func newKeyer(t *testing.T) CacheKeyer {
	base, err := url.Parse("http://dev.localhost")
	if err != nil {
		t.Fatal(err)
	}
	return NewCacheKeyer(*base)
}

func TestRequestFromKey(t *testing.T) {
	keygen := newKeyer(t)
	r, _ := http.NewRequest("GET", "/page?q=1", nil)
	key := keygen.GetKeyPrefix(r)
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://dev.localhost/page?q=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
	if req.Method != "GET" {
		t.Fatalf("Created request method is %s", req.Method)
	}
}

func TestRelativeAndAbsoluteRequestsShareKey(t *testing.T) {
	keygen := newKeyer(t)
	rel, _ := http.NewRequest("GET", "/pkg/koin.js", nil)
	abs, _ := http.NewRequest("GET", "http://dev.localhost/pkg/koin.js#frag", nil)
	if a, b := keygen.GetKeyPrefix(rel), keygen.GetKeyPrefix(abs); a != b {
		t.Fatalf("Keys differ: %q != %q", a, b)
	}
	other, _ := http.NewRequest("GET", "https://cdn.example/pkg/koin.js", nil)
	if keygen.GetKeyPrefix(rel) == keygen.GetKeyPrefix(other) {
		t.Fatal("Cross-origin request shares key with same-origin request")
	}
}

func TestVaryKeysSelectVariant(t *testing.T) {
	keygen := newKeyer(t)
	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Language", "fi")
	res := &http.Response{Header: http.Header{"Vary": {"Accept-Language, Accept-Encoding"}}}
	key := keygen.AddVaryKeys(keygen.GetKeyPrefix(req), req, res)

	if !keygen.Matches(key, req) {
		t.Fatalf("Key %q does not match its own request", key)
	}
	en, _ := http.NewRequest("GET", "/", nil)
	en.Header.Set("Accept-Language", "en")
	if keygen.Matches(key, en) {
		t.Fatalf("Key %q matches a different variant", key)
	}
	if h := keygen.GetVaryHeaders(key); h.Get("Accept-Language") != "fi" {
		t.Fatalf("Vary headers are %v", h)
	}
}

func TestVaryAll(t *testing.T) {
	if !VaryAll(http.Header{"Vary": {"Accept, *"}}) {
		t.Fatal("Expected Vary: * to be detected")
	}
	if VaryAll(http.Header{"Vary": {"Accept"}}) {
		t.Fatal("Vary: Accept detected as Vary: *")
	}
}
