package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestBufferResponseBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	buffered, err := BufferResponse(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" || string(buffered) != "This is the body" {
		t.Fatalf("Body: %s, buffered: %s", body, buffered)
	}
	if res.Header.Get("Content-Length") != "16" {
		t.Fatalf("Content-Length is %q", res.Header.Get("Content-Length"))
	}
}

func TestTimedResponseSerialization(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://dev.localhost/pkg/koin.js", nil)
	res := http.Response{
		StatusCode: 201,
		Header:     http.Header{},
		Request:    req,
	}
	res.Header.Add("Test", "-ing")
	res.Header.Add("Content-Type", "text/javascript")
	// create times now and now + 1s
	reqTime := time.Now()
	resTime := reqTime.Add(time.Second)
	bts, err := StoredResponseToBytes(TimedResponse{
		Response:     &res,
		Body:         []byte("console.log(1)"),
		ResponseTime: resTime,
		RequestTime:  reqTime,
	})
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	// the original response is left untouched
	if res.Header.Get(responseTimeHeaderName) != "" {
		t.Fatalf("Timing header leaked into original response %+v", res.Header)
	}
	// deserialize
	res2, err := BytesToStoredResponse(bts)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if res2.Response.StatusCode != 201 {
		t.Fatalf("Status is %d", res2.Response.StatusCode)
	}
	if res2.Response.Header.Get("Test") != "-ing" || res2.Response.Header.Get("Content-Type") != "text/javascript" {
		t.Fatalf("Headers wrong %+v", res2.Response.Header)
	}
	if res2.Response.Header.Get(responseTimeHeaderName) != "" || res2.Response.Header.Get(requestTimeHeaderName) != "" {
		t.Fatalf("Wrong amount of headers %+v", res2.Response.Header)
	}
	if string(res2.Body) != "console.log(1)" {
		t.Fatalf("Body is %s", res2.Body)
	}
	if !res2.RequestTime.Equal(reqTime) || !res2.ResponseTime.Equal(resTime) {
		t.Fatalf("Times are %v and %v", res2.RequestTime, res2.ResponseTime)
	}
	if res2.Response.Request == nil || res2.Response.Request.URL.Path != "/pkg/koin.js" {
		t.Fatalf("Request not restored: %+v", res2.Response.Request)
	}
}

func TestMalformedBytes(t *testing.T) {
	if _, err := BytesToStoredResponse([]byte("garbage")); err == nil {
		t.Fatal("Expected error for malformed bytes")
	}
}
