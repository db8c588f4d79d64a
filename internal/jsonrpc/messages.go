package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrParse is wrapped by ParseRequest for any body that is not a complete
// JSON-RPC request.
var ErrParse = errors.New("jsonrpc: parse error")

// Request represents a JSON-RPC request.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id"`
}

// Response represents a JSON-RPC response. ID is always serialized; it is
// null when the request id was null or unknown.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %s (%d): %s", e.Code, int(e.Code), e.Message)
}

// ParseRequest decodes a single request. The body must carry jsonrpc "2.0",
// a non-empty method and an id member (which may be null).
func ParseRequest(data []byte) (*Request, error) {
	var raw struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method"`
		Params         json.RawMessage `json:"params,omitempty"`
		ID             json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrParse, err)
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: jsonrpc must be %q", ErrParse, ProtocolVersion)
	}
	if raw.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrParse)
	}
	if len(raw.ID) == 0 {
		return nil, fmt.Errorf("%w: missing id", ErrParse)
	}

	req := &Request{
		JSONRPCVersion: raw.JSONRPCVersion,
		Method:         raw.Method,
		Params:         raw.Params,
	}
	if string(raw.ID) != "null" {
		req.ID = new(RequestID)
		if err := req.ID.UnmarshalJSON(raw.ID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
	}
	return req, nil
}
