package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrConsumed is returned when a single-use network result is read twice.
var ErrConsumed = errors.New("response body already consumed")

// Response is a snapshot of status, headers and body bytes. Values returned by
// Fresh.Split never share memory.
type Response struct {
	Status int
	Reason string
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy.
func (r Response) Clone() Response {
	out := Response{
		Status: r.Status,
		Reason: r.Reason,
		Header: r.Header.Clone(),
	}
	if r.Body != nil {
		out.Body = append([]byte{}, r.Body...)
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// StatusText returns the reason phrase, falling back to the standard one.
func (r Response) StatusText() string {
	if r.Reason != "" {
		return r.Reason
	}
	return http.StatusText(r.Status)
}

const (
	feedFallbackBody = "\"No Data\"\n"
	offlineReason    = "Offline"
)

// FeedFallback is served for a data feed that is neither reachable nor cached.
func FeedFallback() Response {
	h := http.Header{}
	h.Set("Content-Type", "text/csv")
	return Response{
		Status: http.StatusOK,
		Header: h,
		Body:   []byte(feedFallbackBody),
	}
}

// Offline is the terminal answer when neither a store nor the network can
// serve a request.
func Offline() Response {
	return Response{
		Status: http.StatusServiceUnavailable,
		Reason: offlineReason,
		Header: http.Header{},
		Body:   []byte{},
	}
}

// Fresh is a network result whose body can be consumed exactly once, either
// whole with Take or as two independent copies with Split.
type Fresh struct {
	Status int
	Reason string
	Header http.Header

	mu       sync.Mutex
	body     io.ReadCloser
	consumed bool
	release  []func()
}

// NewFresh wraps a status line, headers and a body stream. A nil body is
// treated as empty.
func NewFresh(status int, reason string, header http.Header, body io.ReadCloser) *Fresh {
	if body == nil {
		body = io.NopCloser(bytes.NewReader(nil))
	}
	if header == nil {
		header = http.Header{}
	}
	return &Fresh{Status: status, Reason: reason, Header: header, body: body}
}

// FreshFrom wraps an already materialized response.
func FreshFrom(r Response) *Fresh {
	return NewFresh(r.Status, r.Reason, r.Header.Clone(), io.NopCloser(bytes.NewReader(r.Body)))
}

func (f *Fresh) consume() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed {
		return nil, ErrConsumed
	}
	f.consumed = true
	defer f.runRelease()
	defer f.body.Close()
	b, err := io.ReadAll(f.body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return b, nil
}

// Take consumes the body into a single Response.
func (f *Fresh) Take() (Response, error) {
	b, err := f.consume()
	if err != nil {
		return Response{}, err
	}
	return Response{Status: f.Status, Reason: f.Reason, Header: f.Header.Clone(), Body: b}, nil
}

// Split consumes the body and returns two independent copies: the first is
// meant for persistence, the second for the caller.
func (f *Fresh) Split() (stored Response, returned Response, err error) {
	returned, err = f.Take()
	if err != nil {
		return Response{}, Response{}, err
	}
	return returned.Clone(), returned, nil
}

// Discard closes the body without reading it. It is a no-op after Take or Split.
func (f *Fresh) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed {
		return
	}
	f.consumed = true
	_ = f.body.Close()
	f.runRelease()
}

// AfterConsume registers fn to run once the body has been read or discarded.
// If that already happened, fn runs immediately.
func (f *Fresh) AfterConsume(fn func()) {
	f.mu.Lock()
	if f.consumed {
		f.mu.Unlock()
		fn()
		return
	}
	f.release = append(f.release, fn)
	f.mu.Unlock()
}

// runRelease must be called with f.mu held.
func (f *Fresh) runRelease() {
	fns := f.release
	f.release = nil
	for _, fn := range fns {
		fn()
	}
}
