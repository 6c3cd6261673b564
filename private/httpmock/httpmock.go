// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httpmock serves canned responses to an *http.Client without a
// listening server, so tests can address any host.
package httpmock

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// Response represents a mocked HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// Request is a request seen by the Transport.
type Request struct {
	Method        string
	URL           string
	Authorization string
	Body          string
}

// Transport is a custom HTTP transport for handling mocked responses.
type Transport struct {
	mu        sync.Mutex
	responses map[string][]Response
	requests  []Request
}

// NewTransport creates a new instance of Transport.
func NewTransport() *Transport {
	return &Transport{
		responses: make(map[string][]Response),
	}
}

// AddResponse registers a response for method and url.
// Multiple responses for the same request are returned in sequence.
func (t *Transport) AddResponse(method, url string, response Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := method + " " + url
	t.responses[key] = append(t.responses[key], response)
}

// Requests returns the requests seen so far, in order.
func (t *Transport) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Request(nil), t.requests...)
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = append(t.requests, Request{
		Method:        req.Method,
		URL:           req.URL.String(),
		Authorization: req.Header.Get("Authorization"),
		Body:          string(body),
	})

	key := req.Method + " " + req.URL.String()
	responses := t.responses[key]
	if len(responses) == 0 {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader("Not Found")),
			Request:    req,
		}, nil
	}
	response := responses[0]
	t.responses[key] = responses[1:]

	headers := make(http.Header)
	for key, value := range response.Headers {
		headers.Set(key, value)
	}
	return &http.Response{
		StatusCode: response.StatusCode,
		Header:     headers,
		Body:       io.NopCloser(strings.NewReader(response.Body)),
		Request:    req,
	}, nil
}

// NewClient creates an *http.Client configured to use the Transport.
func NewClient() (*http.Client, *Transport) {
	transport := NewTransport()
	return &http.Client{Transport: transport}, transport
}
