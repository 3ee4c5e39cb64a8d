package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	methodSeparator = ":"
	varySeparator   = "\t"
	varyLine        = "\n"
)

type CacheKeyer struct {
	// Base URL that relative request URLs are resolved against.
	// Usually this should be the origin.
	Base url.URL
}

func NewCacheKeyer(base url.URL) CacheKeyer {
	return CacheKeyer{Base: base}
}

// AbsoluteURL resolves the request URL against the keyer base.
// Incoming server requests only carry a path, so they are treated as belonging to the base.
func (c CacheKeyer) AbsoluteURL(u *url.URL) *url.URL {
	abs := c.Base.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return r.Method + methodSeparator + c.AbsoluteURL(r.URL).String() + varySeparator
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range VaryFields(res.Header) {
		if http.CanonicalHeaderKey(name) == "Accept-Encoding" {
			// bodies are stored decoded, so the encoding never selects a variant
			continue
		}
		key = key + varyLine + strings.ToLower(name) + ": " + req.Header.Get(name)
	}
	return key
}

// Matches reports whether the stored key selects the given request,
// i.e. the URL matches and every recorded vary header has the same value.
func (c CacheKeyer) Matches(key string, r *http.Request) bool {
	if !strings.HasPrefix(key, c.GetKeyPrefix(r)) {
		return false
	}
	for name, values := range c.GetVaryHeaders(key) {
		if r.Header.Get(name) != values[0] {
			return false
		}
	}
	return true
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	keyNoVary, _, found := strings.Cut(key, varySeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %q", key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %q", key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, varyLine)
	for i := 1; i < len(lines); i++ {
		name, value, _ := strings.Cut(lines[i], ": ")
		header.Add(name, value)
	}
	return header
}

// VaryFields returns the field names listed in the response Vary header.
func VaryFields(header http.Header) []string {
	fields := make([]string, 0)
	for _, hdr := range header.Values("Vary") {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				fields = append(fields, item)
			}
		}
	}
	return fields
}

// VaryAll reports whether the response varies on everything (`Vary: *`),
// in which case it can never be selected from a cache.
func VaryAll(header http.Header) bool {
	for _, field := range VaryFields(header) {
		if field == "*" {
			return true
		}
	}
	return false
}
