// Package jsonrpc holds the JSON-RPC 2.0 message types and the
// line-delimited framing used between the gateway and its child
// processes. JSON-RPC 2.0 specification: https://www.jsonrpc.org/specification
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC version required on every message.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway error codes in the implementation-defined server range.
const (
	CodeServerError  = -32000 // instance spawn/handshake/write/timeout failures
	CodeUnauthorized = -32001
	CodeRateLimited  = -32029 // monthly quota or burst limit exceeded
)

// Request is a JSON-RPC 2.0 request or notification. Params are kept
// raw so the gateway can forward them to the child untouched.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and
// therefore expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse creates a successful response for the given id.
func NewResponse(id any, result json.RawMessage) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response for the given id.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// NewRequest creates a request with marshaled params. A nil id makes
// it a notification.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// IDKey canonicalizes a JSON-RPC id for use as a map key. JSON numbers
// decode as float64; string and number ids that render alike must not
// collide, so the key carries a type tag. The second return is false
// for absent or unsupported ids.
func IDKey(id any) (string, bool) {
	switch v := id.(type) {
	case nil:
		return "", false
	case string:
		return "s:" + v, true
	case float64:
		return "n:" + strconv.FormatFloat(v, 'g', -1, 64), true
	case int:
		return "n:" + strconv.Itoa(v), true
	case int64:
		return "n:" + strconv.FormatInt(v, 10), true
	case json.Number:
		return "n:" + v.String(), true
	default:
		return "", false
	}
}
