package shellcache

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	// Body when a cache-first miss could not reach the network.
	NetworkErrorBody = "Network error"
	// Body when a network-first request failed and there was no cached copy.
	OfflineBody = "Offline"
)

func networkErrorResponse(r *http.Request) *http.Response {
	return unavailableResponse(r, NetworkErrorBody)
}

func offlineResponse(r *http.Request) *http.Response {
	return unavailableResponse(r, OfflineBody)
}

// unavailableResponse synthesizes a 503 for when neither network nor cache can answer.
func unavailableResponse(r *http.Request, body string) *http.Response {
	return &http.Response{
		Status:     "503 Service Unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   {"text/plain; charset=utf-8"},
			"Content-Length": {strconv.Itoa(len(body))},
			"Cache-Control":  {"no-store"},
		},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
