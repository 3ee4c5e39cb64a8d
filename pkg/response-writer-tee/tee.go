package tee

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ResponseSaver is an http.ResponseWriter that records the response a handler writes,
// so the handler can be called like a network fetch.
type ResponseSaver struct {
	header http.Header
	// header as it was when the status line was written
	sent   http.Header
	status int
	body   bytes.Buffer
}

func NewResponseSaver() *ResponseSaver {
	return &ResponseSaver{header: http.Header{}}
}

func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// WriteHeader records the status and freezes the header. Only the first call counts.
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.status != 0 {
		return
	}
	t.status = statusCode
	t.sent = t.header.Clone()
}

func (t *ResponseSaver) Write(b []byte) (int, error) {
	if t.status == 0 {
		t.WriteHeader(http.StatusOK)
	}
	return t.body.Write(b)
}

// StatusCode returns the recorded status, or 0 if nothing was written yet.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Result returns the recorded response for the given request.
// A handler that wrote nothing produced an empty 200.
func (t *ResponseSaver) Result(req *http.Request) (*http.Response, error) {
	if t.status == 0 {
		t.WriteHeader(http.StatusOK)
	}
	if t.status < 100 || t.status > 999 {
		return nil, fmt.Errorf("invalid status code %d", t.status)
	}
	body := bytes.Clone(t.body.Bytes())
	header := t.sent.Clone()
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", t.status, http.StatusText(t.status)),
		StatusCode:    t.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
