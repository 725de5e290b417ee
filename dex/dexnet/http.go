// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package dexnet is a minimal JSON-over-HTTP helper shared by the ledger and
// chain REST clients.
package dexnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const defaultResponseSizeLimit = 1 << 20 // 1 MiB

// RequestOption is an optional argument to Get, Post, or Do.
type RequestOption struct {
	responseSizeLimit int64
	statusFunc        func(int)
	header            *[2]string
	errThing          any
	rawBody           *[]byte
}

// WithSizeLimit sets a size limit for a response. See defaultResponseSizeLimit
// for the default.
func WithSizeLimit(limit int64) *RequestOption {
	return &RequestOption{responseSizeLimit: limit}
}

// WithStatusFunc calls a function with the status code after the request is
// performed, regardless of whether the request ultimately errors.
func WithStatusFunc(f func(int)) *RequestOption {
	return &RequestOption{statusFunc: f}
}

// WithRequestHeader adds a header entry to the request.
func WithRequestHeader(k, v string) *RequestOption {
	h := [2]string{k, v}
	return &RequestOption{header: &h}
}

// WithErrorParsing JSON-decodes response bodies for non-2xx responses into
// thing, instead of discarding the body.
func WithErrorParsing(thing any) *RequestOption {
	return &RequestOption{errThing: thing}
}

// Post performs an HTTP POST with a JSON-encoded body. If thing is non-nil,
// the response is JSON-decoded into it.
func Post(ctx context.Context, uri string, thing, body any, opts ...*RequestOption) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error marshaling request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return Do(req, thing, opts...)
}

// PostRaw performs an HTTP POST of a raw, non-JSON body (e.g. the chain
// broadcast endpoint's raw transaction hex), JSON-decoding the response into
// thing if it is non-nil.
func PostRaw(ctx context.Context, uri string, thing any, body []byte, opts ...*RequestOption) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	return Do(req, thing, opts...)
}

// PostText performs an HTTP POST of a raw, non-JSON body and returns the raw
// response body as a string, for endpoints that respond with a bare txid
// rather than a JSON document (e.g. a chain API's POST /tx broadcast
// endpoint).
func PostText(ctx context.Context, uri string, body []byte, opts ...*RequestOption) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("error constructing request: %w", err)
	}
	var raw []byte
	opts = append(opts, &RequestOption{rawBody: &raw})
	if err := Do(req, nil, opts...); err != nil {
		return "", err
	}
	return string(raw), nil
}

// Get performs an HTTP GET request. If thing is non-nil, the response is
// JSON-decoded into it.
func Get(ctx context.Context, uri string, thing any, opts ...*RequestOption) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("error constructing request: %w", err)
	}
	return Do(req, thing, opts...)
}

// GetText performs an HTTP GET request and returns the raw response body,
// for endpoints that respond with a bare string rather than a JSON document
// (e.g. a chain API's /tx/{txid}/hex).
func GetText(ctx context.Context, uri string, opts ...*RequestOption) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("error constructing request: %w", err)
	}
	var raw []byte
	opts = append(opts, &RequestOption{rawBody: &raw})
	if err := Do(req, nil, opts...); err != nil {
		return "", err
	}
	return string(raw), nil
}

// Do performs the request, JSON-decoding the response into thing if non-nil.
func Do(req *http.Request, thing any, opts ...*RequestOption) error {
	var sizeLimit int64 = defaultResponseSizeLimit
	var statusFunc func(int)
	var errThing any
	var rawBody *[]byte
	for _, opt := range opts {
		if opt.responseSizeLimit > 0 {
			sizeLimit = opt.responseSizeLimit
		}
		if opt.statusFunc != nil {
			statusFunc = opt.statusFunc
		}
		if opt.header != nil {
			req.Header.Add(opt.header[0], opt.header[1])
		}
		if opt.errThing != nil {
			errThing = opt.errThing
		}
		if opt.rawBody != nil {
			rawBody = opt.rawBody
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error performing request: %w", err)
	}
	defer resp.Body.Close()
	if statusFunc != nil {
		statusFunc(resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, sizeLimit))
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if errThing != nil {
			if err := json.Unmarshal(body, errThing); err != nil {
				return fmt.Errorf("HTTP error: %q (code %d), body %q: %w", resp.Status, resp.StatusCode, body, err)
			}
		}
		return &StatusError{Status: resp.Status, Code: resp.StatusCode, Body: body}
	}
	if rawBody != nil {
		*rawBody = body
		return nil
	}
	if thing == nil {
		return nil
	}
	if err := json.Unmarshal(body, thing); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// StatusError is returned by Do for non-2xx responses. The Body is retained
// so callers can apply message-substring heuristics (e.g. the chain client's
// "already in mempool" detection) without a second round trip.
type StatusError struct {
	Status string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %q (code %d): %s", e.Status, e.Code, e.Body)
}
