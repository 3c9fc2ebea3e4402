package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"shellcache/internal/logger"
	"shellcache/internal/model"
)

// maxRequestBody caps bodies forwarded upstream.
const maxRequestBody = 10 << 20

// Stores hold full 200-style bodies, so upstream must never answer with a
// 304 or a 206 on the client's behalf.
var strippedRequestHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

func (s *server) intercept(w http.ResponseWriter, r *http.Request) {
	req, err := s.toModel(w, r)
	if err != nil {
		logger.WarnCtx(r.Context(), "rejecting request", logger.KeyURL, r.URL.String(), logger.KeyError, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := s.opts.Router.Handle(r.Context(), req)
	writeResponse(w, r, resp)
}

// toModel converts an incoming request. Absolute-form targets (proxy
// requests) are kept as they are; origin-form targets are resolved against
// the upstream origin.
func (s *server) toModel(w http.ResponseWriter, r *http.Request) (model.Request, error) {
	target := r.URL
	if !target.IsAbs() {
		if s.opts.Upstream == nil {
			return model.Request{}, fmt.Errorf("no upstream configured for %s", r.URL.Path)
		}
		target = s.opts.Upstream.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			return model.Request{}, fmt.Errorf("read body: %w", err)
		}
		body = b
	}

	header := r.Header.Clone()
	for _, h := range strippedRequestHeaders {
		header.Del(h)
	}
	return model.NewRequest(target.String(), r.Method, requestMode(r), header, body), nil
}

// requestMode follows Sec-Fetch-Mode and falls back to treating HTML GETs
// as navigations for clients that do not send fetch metadata.
func requestMode(r *http.Request) model.Mode {
	if m := r.Header.Get("Sec-Fetch-Mode"); m != "" {
		if m == "navigate" {
			return model.ModeNavigate
		}
		return model.ModeOther
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return model.ModeNavigate
	}
	return model.ModeOther
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp model.Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if resp.Reason != "" && resp.Reason != http.StatusText(resp.Status) {
		h.Set(headerStatusText, resp.Reason)
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		logger.DebugCtx(r.Context(), "client went away", logger.KeyError, err)
	}
}
