// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc

// NewErrorResponse builds an *ErrorResponse correlated to id.
func NewErrorResponse(id ID, err *Error) *ErrorResponse {
	return &ErrorResponse{ID: id, Error: err}
}

// InternalError wraps a Go error as a JSON-RPC internal-error object. The
// dispatcher layer is responsible for deciding when a failure warrants this
// versus a more specific code; the transport itself never constructs one on
// the dispatcher's behalf.
func InternalError(err error) *Error {
	return NewError(CodeInternalError, err.Error(), nil)
}
