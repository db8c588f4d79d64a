package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a request's id member kept as raw JSON so it can be echoed
// back verbatim. Only strings and numbers are accepted; a null id is
// represented by a nil *RequestID.
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID returns a string id.
func NewRequestID(s string) *RequestID {
	return &RequestID{raw: json.RawMessage(strconv.Quote(s))}
}

// String returns the id as text, unquoting string ids. It is empty for a nil
// id.
func (id *RequestID) String() string {
	if id == nil || len(id.raw) == 0 {
		return ""
	}
	if id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(id.raw, &s); err == nil {
			return s
		}
	}
	return string(id.raw)
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id == nil || len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return fmt.Errorf("id is not valid JSON: %s", data)
	}
	switch c := data[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		id.raw = append(json.RawMessage(nil), data...)
		return nil
	}
	return fmt.Errorf("id must be a string or number, got %s", data)
}
