// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc defines the JSON-RPC 2.0 message envelope used on the wire
// by the streamable transport: requests, notifications, responses, and
// errors. It does not define method semantics or dispatch; that is the
// responsibility of whatever consumes a transport.Connection.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version string carried on every message.
const Version = "2.0"

// ID is a request identifier: a string, an integer, or absent (for
// notifications). The zero ID is invalid; use IsValid to test.
type ID struct {
	str      string
	num      int64
	isString bool
	valid    bool
}

// StringID creates a string-valued request ID.
func StringID(s string) ID { return ID{str: s, isString: true, valid: true} }

// Int64ID creates an integer-valued request ID.
func Int64ID(i int64) ID { return ID{num: i, valid: true} }

// IsValid reports whether id holds an actual identifier.
func (id ID) IsValid() bool { return id.valid }

// IsString reports whether id holds a string value.
func (id ID) IsString() bool { return id.valid && id.isString }

// Raw returns the underlying Go value: string, int64, or nil.
func (id ID) Raw() any {
	switch {
	case !id.valid:
		return nil
	case id.isString:
		return id.str
	default:
		return id.num
	}
}

// String renders the ID for display and for use as a map/event-stream key,
// regardless of its underlying JSON type.
func (id ID) String() string {
	if !id.valid {
		return ""
	}
	if id.isString {
		return id.str
	}
	return fmt.Sprintf("%d", id.num)
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.valid:
		return []byte("null"), nil
	case id.isString:
		return json.Marshal(id.str)
	default:
		return json.Marshal(id.num)
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*id = ID{}
	case string:
		*id = StringID(t)
	case float64:
		*id = Int64ID(int64(t))
	default:
		return fmt.Errorf("jsonrpc: invalid id type %T", v)
	}
	return nil
}

// Message is the closed set of JSON-RPC message shapes accepted on the wire.
//
// The concrete types are *Request, *Notification, *Response, and
// *ErrorResponse.
type Message interface {
	isMessage()
}

// Request is a call that expects a Response with the same ID.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) isMessage() {}

// Notification is a one-way call with no ID and no reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Notification) isMessage() {}

// Response is a successful reply to a Request.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result"`
}

func (*Response) isMessage() {}

// ErrorResponse is a failed reply to a Request.
type ErrorResponse struct {
	ID    ID     `json:"id"`
	Error *Error `json:"error"`
}

func (*ErrorResponse) isMessage() {}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// NewError builds an *Error with the given code and message.
func NewError(code int64, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewRequest constructs a *Request, marshaling params if non-nil.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification constructs a *Notification, marshaling params if non-nil.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse constructs a *Response, marshaling result.
func NewResponse(id ID, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Response{ID: id, Result: raw}, nil
}

func marshalParams(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: marshaling params: %w", err)
		}
		return data, nil
	}
}

// ResponseID returns the ID a Response or ErrorResponse correlates to, or an
// invalid ID for Request/Notification (Request.ID is the request's own
// identity, not a correlation target).
func ResponseID(msg Message) (ID, bool) {
	switch m := msg.(type) {
	case *Response:
		return m.ID, true
	case *ErrorResponse:
		return m.ID, true
	default:
		return ID{}, false
	}
}
