// Package fetch performs the network side of every strategy: a Fetcher that
// forwards a request descriptor upstream, and RaceWithTimeout, which puts a
// deadline on it.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"shellcache/internal/model"
)

var (
	// ErrTimeout is returned when the network does not answer before the deadline.
	ErrTimeout = errors.New("network timeout")
	// ErrNetwork wraps transport failures: the request never produced a response.
	ErrNetwork = errors.New("network failure")
)

// Options tune a single fetch.
type Options struct {
	// NoStore asks every intermediate cache to be bypassed.
	NoStore bool
}

// Fetcher performs a network request. A returned error means no response was
// received; any HTTP status, including 4xx and 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req model.Request, opts Options) (*model.Fresh, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req model.Request, opts Options) (*model.Fresh, error)

func (f FetcherFunc) Fetch(ctx context.Context, req model.Request, opts Options) (*model.Fresh, error) {
	return f(ctx, req, opts)
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// HTTPFetcher forwards requests with an http.Client.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher wraps client; nil selects a client with default settings.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req model.Request, opts Options) (*model.Fresh, error) {
	var body io.Reader
	if b := req.Body(); len(b) > 0 {
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), req.URL(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrNetwork, err)
	}

	httpReq.Header = req.Header()
	stripHopHeaders(httpReq.Header)
	// Let the transport negotiate compression so stored bodies are decoded.
	httpReq.Header.Del("Accept-Encoding")
	if opts.NoStore {
		httpReq.Header.Set("Cache-Control", "no-store")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetwork, ctxErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	header := resp.Header.Clone()
	stripHopHeaders(header)
	header.Del("Content-Length")
	return model.NewFresh(resp.StatusCode, reasonPhrase(resp), header, resp.Body), nil
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))
	reason = strings.TrimSpace(reason)
	if reason == http.StatusText(resp.StatusCode) {
		return ""
	}
	return reason
}
