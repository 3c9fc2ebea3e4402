package registry

import (
	"encoding/json"
	"fmt"
	"net/http"

	"shellcache/internal/model"
)

// storedResponse is the on-disk form of a response. Body is base64 in JSON.
type storedResponse struct {
	Status int                 `json:"status"`
	Reason string              `json:"reason,omitempty"`
	Header map[string][]string `json:"header,omitempty"`
	Body   []byte              `json:"body"`
}

func encodeResponse(r model.Response) ([]byte, error) {
	b, err := json.Marshal(storedResponse{
		Status: r.Status,
		Reason: r.Reason,
		Header: r.Header,
		Body:   r.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return b, nil
}

func decodeResponse(b []byte) (model.Response, error) {
	var s storedResponse
	if err := json.Unmarshal(b, &s); err != nil {
		return model.Response{}, fmt.Errorf("decode response: %w", err)
	}
	h := http.Header(s.Header)
	if h == nil {
		h = http.Header{}
	}
	body := s.Body
	if body == nil {
		body = []byte{}
	}
	return model.Response{Status: s.Status, Reason: s.Reason, Header: h, Body: body}, nil
}
