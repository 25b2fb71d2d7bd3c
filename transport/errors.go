// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import "errors"

// Sentinel errors returned by session and stream operations. Callers should
// compare with errors.Is, not direct equality, since some are wrapped with
// additional context.
var (
	// ErrSessionDisposed is returned when a message is admitted (HandlePost)
	// to a session that has already been disposed. Sends on a disposed
	// SseWriter report false instead of returning it.
	ErrSessionDisposed = errors.New("transport: session disposed")

	// ErrStateless is returned when an operation that requires session state
	// (unsolicited SendMessage, a server-initiated request, GET, DELETE) is
	// attempted against a stateless server.
	ErrStateless = errors.New("transport: unsupported in stateless mode")

	// ErrNoSuchEvent is returned by GetStreamReader when a Last-Event-ID does
	// not resolve to a known, unexpired stream.
	ErrNoSuchEvent = errors.New("transport: event id not found")

	// ErrGetAlreadyOpen is returned by PrepareGet when a session already has
	// an open standalone GET stream.
	ErrGetAlreadyOpen = errors.New("transport: a GET stream is already open for this session")

	// ErrUnknownSession is returned when a session id does not resolve and
	// no migration handler (or a refusing one) is configured.
	ErrUnknownSession = errors.New("transport: unknown session")
)
