package shellcache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	tee "github.com/always-cache/shell-cache/pkg/response-writer-tee"
)

// Fetcher performs a single network request.
// A returned error means the network itself failed; HTTP error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// OriginFetcher fetches requests from the origin server over HTTP.
type OriginFetcher struct {
	origin     url.URL
	originHost string
	httpClient *http.Client
}

// NewOriginFetcher creates a fetcher for the given origin.
// If host is set, it is used as the Host header and TLS server name,
// e.g. when the origin URL is just an IP address.
func NewOriginFetcher(origin url.URL, host string) *OriginFetcher {
	f := &OriginFetcher{
		origin:     origin,
		originHost: host,
		httpClient: &http.Client{
			// do not follow redirects, the browser does that
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if host != "" {
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return f
}

// Fetch the resource specified in the incoming request from the origin.
// Relative request URLs are resolved against the origin; absolute ones are fetched as is.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := f.origin.ResolveReference(r.URL)
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri.String(), body)
	if err != nil {
		return nil, fmt.Errorf("could not create request for %s: %w", uri, err)
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	removeHopByHopHeaders(req.Header)
	// let the transport negotiate compression so bodies arrive decoded
	req.Header.Del("Accept-Encoding")
	if f.originHost != "" && uri.Host == f.origin.Host {
		req.Host = f.originHost
	}
	return f.httpClient.Do(req)
}

// HandlerFetcher serves requests with an in-process handler instead of the network.
type HandlerFetcher struct {
	handler http.Handler
}

func NewHandlerFetcher(handler http.Handler) *HandlerFetcher {
	return &HandlerFetcher{handler: handler}
}

func (f *HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := r.Clone(ctx)
	if req.URL.Path == "" {
		req.URL.Path = "/"
	}
	if req.RequestURI == "" {
		req.RequestURI = req.URL.RequestURI()
	}
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	rs := tee.NewResponseSaver()
	f.handler.ServeHTTP(rs, req)
	return rs.Result(req)
}

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			header.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
