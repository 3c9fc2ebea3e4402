package model

import (
	"net/http"
	"net/url"
	"strings"
)

// Mode tells a full-page navigation apart from every other request.
type Mode string

const (
	ModeNavigate Mode = "navigate"
	ModeOther    Mode = "other"
)

// Request is an immutable request descriptor. Accessors hand out copies so
// callers cannot mutate a request after classification.
type Request struct {
	url    string
	method string
	mode   Mode
	header http.Header
	body   []byte
}

// NewRequest builds a request descriptor. An empty method means GET and an
// empty mode means ModeOther.
func NewRequest(rawURL, method string, mode Mode, header http.Header, body []byte) Request {
	if method == "" {
		method = http.MethodGet
	}
	if mode == "" {
		mode = ModeOther
	}
	var b []byte
	if len(body) > 0 {
		b = append([]byte(nil), body...)
	}
	return Request{
		url:    rawURL,
		method: strings.ToUpper(method),
		mode:   mode,
		header: header.Clone(),
		body:   b,
	}
}

// Get is shorthand for a GET request with no headers.
func Get(rawURL string, mode Mode) Request {
	return NewRequest(rawURL, http.MethodGet, mode, nil, nil)
}

func (r Request) URL() string    { return r.url }
func (r Request) Method() string { return r.method }
func (r Request) Mode() Mode     { return r.mode }

func (r Request) Header() http.Header {
	if r.header == nil {
		return http.Header{}
	}
	return r.header.Clone()
}

func (r Request) Body() []byte {
	if len(r.body) == 0 {
		return nil
	}
	return append([]byte(nil), r.body...)
}

// Key is the request identity used by stores: method and URL without the
// fragment.
func (r Request) Key() string {
	return r.method + " " + normalizeURL(r.url)
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
