package models

import (
	"encoding/json"
	"fmt"
)

// OperationInput is the structured input of an in-flight operation (a tool call).
// Values are kept as decoded JSON so that unknown fields survive round trips.
type OperationInput map[string]interface{}

// String returns the value of key as a string, and whether it was present and non-empty.
func (in OperationInput) String(key string) (string, bool) {
	v, ok := in[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	default:
		s = fmt.Sprint(t)
	}
	if s == "" {
		return "", false
	}
	return s, true
}

// Has reports whether key is present.
func (in OperationInput) Has(key string) bool {
	_, ok := in[key]
	return ok
}

// JSON returns the compact JSON encoding of the input, or "{}" when it cannot be encoded.
func (in OperationInput) JSON() string {
	if in == nil {
		return "{}"
	}
	b, err := json.Marshal(map[string]interface{}(in))
	if err != nil {
		return "{}"
	}
	return string(b)
}

// MatchRequest is the request for the match surface.
type MatchRequest struct {
	Tool  string         `json:"tool"`
	Input OperationInput `json:"input"`
}
