// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import "context"

// Connection is the narrow surface a Dispatcher uses to write outbound
// messages that are correlated with an inbound one: the PostTransport that
// carried a request in, or the SessionTransport's standalone writer for
// messages with no related request.
type Connection interface {
	// SendMessage delivers an outbound JSON-RPC message. It reports whether
	// the message was accepted; false means the message was dropped locally
	// (the connection is already closed) though it may still have reached
	// the event store before that happened.
	SendMessage(ctx context.Context, msg any) (bool, error)
}

// MessageContext is the immutable side channel attached to every message
// pulled from a session's inbox. It is built once, when the message is
// admitted, and never mutated afterward; handlers that need to close a
// stream or inspect the caller's identity read it off the context they were
// given, they never reach into transport internals directly.
type MessageContext struct {
	// Session is the owning session's opaque identifier.
	Session string

	// RelatedTransport is the Connection outbound messages correlated with
	// this inbound message should be written to: the PostTransport that
	// admitted a request, or nil for messages that arrived with no
	// associated request (e.g. over StreamServerTransport).
	RelatedTransport Connection

	// Principal is the authenticated identity associated with the message,
	// if any. The transport never inspects this value; it only threads it
	// through from whatever admitted the message (HTTP middleware, a
	// migration handler) to the dispatcher.
	Principal any

	// FlowExecutionContext reports whether the caller asked the transport to
	// capture ambient execution context at admission time. Implementations
	// with no notion of ambient context can ignore it.
	FlowExecutionContext bool

	// ExecutionContext is the opaque value captured at admission time when
	// FlowExecutionContext is set; nil otherwise.
	ExecutionContext any

	// CloseSseStream closes the PostTransport's own SSE body, if there is
	// one. After it returns, the client is expected to reconnect with
	// Last-Event-ID and the replay mechanism resumes the exchange. It is
	// never nil once the message is admitted: where nothing else was set,
	// admission installs noopClose, so calling it is always safe.
	CloseSseStream func()

	// CloseStandaloneSseStream closes the owning session's GET SSE stream.
	// Like CloseSseStream, it is never nil; a transport that doesn't support
	// it installs noopClose.
	CloseStandaloneSseStream func()
}

func noopClose() {}

type messageContextKey struct{}

// WithMessageContext returns a context carrying mc, retrievable with
// MessageContextFrom.
func WithMessageContext(ctx context.Context, mc *MessageContext) context.Context {
	return context.WithValue(ctx, messageContextKey{}, mc)
}

// MessageContextFrom returns the MessageContext attached to ctx, if any.
func MessageContextFrom(ctx context.Context) (*MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(*MessageContext)
	return mc, ok
}

// Dispatcher drains a session's inbox and produces outbound messages by
// writing to the Connection named in each message's MessageContext (or to a
// session's standalone writer for unsolicited traffic). The transport
// package never implements method semantics itself; this interface is the
// one seam through which a JSON-RPC method handler layer is plugged in.
type Dispatcher interface {
	// Dispatch handles one inbound message. msg is typically a
	// *jsonrpc.Request or *jsonrpc.Notification; Dispatch is expected to
	// write any reply via conn.SendMessage. Implementations must honor ctx
	// cancellation and must not block indefinitely.
	Dispatch(ctx context.Context, conn Connection, msg any)
}
