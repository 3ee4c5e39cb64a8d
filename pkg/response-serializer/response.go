package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	responseTimeHeaderName = "Shell-Cache-Response-Time"
	requestTimeHeaderName  = "Shell-Cache-Request-Time"
)

var delim = []byte("\r\n\r\n----\r\n\r\n")

type TimedResponse struct {
	Response *http.Response
	// Fully read body of the response.
	Body []byte
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time
	// The value of the clock at the time the response was received.
	ResponseTime time.Time
}

// BufferResponse reads the whole response body and replaces it with an in-memory copy,
// so that the same response can be both stored and returned to the client.
// Content-Length is set to the buffered length.
func BufferResponse(res *http.Response) ([]byte, error) {
	if res.Body == nil {
		res.Body = http.NoBody
		res.ContentLength = 0
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	res.TransferEncoding = nil
	return body, nil
}

// StoredResponseToBytes returns the request and the response in HTTP/1.1 wire format.
// The response body must already be buffered in sRes.Body.
func StoredResponseToBytes(sRes TimedResponse) ([]byte, error) {
	if sRes.Response == nil {
		return nil, errors.New("no response to serialize")
	}
	buf := &bytes.Buffer{}

	if req := sRes.Response.Request; req != nil {
		out := &http.Request{
			Method:     req.Method,
			URL:        req.URL,
			Proto:      "HTTP/1.1",
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     req.Header.Clone(),
			Host:       req.Host,
		}
		if err := out.Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		}
	} else {
		log.Warn().Msg("Request not set")
	}
	buf.Write(delim)

	header := sRes.Response.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(responseTimeHeaderName, strconv.FormatInt(sRes.ResponseTime.UnixNano(), 10))
	header.Set(requestTimeHeaderName, strconv.FormatInt(sRes.RequestTime.UnixNano(), 10))
	out := &http.Response{
		Status:        sRes.Response.Status,
		StatusCode:    sRes.Response.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
		ContentLength: int64(len(sRes.Body)),
	}
	if err := out.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse reverses StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (TimedResponse, error) {
	sRes := TimedResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	body, err := BufferResponse(res)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	sRes.Body = body
	resTimeInt, err := strconv.ParseInt(res.Header.Get(responseTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, err
	}
	reqTimeInt, err := strconv.ParseInt(res.Header.Get(requestTimeHeaderName), 10, 64)
	if err != nil {
		return sRes, err
	}
	sRes.ResponseTime = time.Unix(0, resTimeInt)
	sRes.RequestTime = time.Unix(0, reqTimeInt)
	// delete extra headers
	res.Header.Del(responseTimeHeaderName)
	res.Header.Del(requestTimeHeaderName)
	return sRes, nil
}

// bytesToResponse converts a byte slice to a http.Response.
func bytesToResponse(b []byte) (*http.Response, error) {
	reqBytes, resBytes, found := bytes.Cut(b, delim)
	if !found {
		return nil, errors.New("malformed stored response")
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
	if err != nil {
		log.Warn().Err(err).Msg("Could not read request from stored response")
		req = nil
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
}
