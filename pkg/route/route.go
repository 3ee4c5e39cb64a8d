// Package route assigns intercepted requests to traffic classes.
package route

import (
	"net/http"
	"strings"
)

type Class string

const (
	// ClassNone is not intercepted at all.
	ClassNone     Class = "none"
	ClassStatic   Class = "static"
	ClassDocument Class = "document"
	ClassAPI      Class = "api"
	ClassOther    Class = "other"
)

// Rules holds the URL shapes that decide a request's class.
type Rules struct {
	// Path prefix of the build output (content-addressed or per-version assets).
	StaticPrefix string `yaml:"staticPrefix"`
	// Path prefix of dynamic endpoints that must never be cached.
	APIPrefix string `yaml:"apiPrefix"`
	// Extensions (including the dot) of document paths. The site root is always a document.
	DocumentExtensions []string `yaml:"documentExtensions"`
}

// DefaultRules matches a build that writes its assets to /pkg/.
func DefaultRules() Rules {
	return Rules{
		StaticPrefix:       "/pkg/",
		APIPrefix:          "/api/",
		DocumentExtensions: []string{".html"},
	}
}

// WithDefaults fills in empty fields from DefaultRules.
func (r Rules) WithDefaults() Rules {
	d := DefaultRules()
	if r.StaticPrefix == "" {
		r.StaticPrefix = d.StaticPrefix
	}
	if r.APIPrefix == "" {
		r.APIPrefix = d.APIPrefix
	}
	if len(r.DocumentExtensions) == 0 {
		r.DocumentExtensions = d.DocumentExtensions
	}
	return r
}

// Classify returns the class of the request.
// Rules are checked in a fixed order: method, static, document, api, other.
func (r Rules) Classify(req *http.Request) Class {
	if req.Method != http.MethodGet {
		return ClassNone
	}
	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	switch {
	case r.StaticPrefix != "" && strings.HasPrefix(path, r.StaticPrefix):
		return ClassStatic
	case r.isDocument(path):
		return ClassDocument
	case r.APIPrefix != "" && strings.HasPrefix(path, r.APIPrefix):
		return ClassAPI
	default:
		return ClassOther
	}
}

func (r Rules) isDocument(path string) bool {
	if path == "/" {
		return true
	}
	for _, ext := range r.DocumentExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// IsNavigation reports whether the request loads a new page in a client.
// Browsers mark navigations with Sec-Fetch-Mode; without it, document requests count.
func (r Rules) IsNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Classify(req) == ClassDocument
}
