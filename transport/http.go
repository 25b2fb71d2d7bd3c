// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/mcpkit/streamable/jsonrpc"
)

// SessionIDHeader is the header carrying a session's opaque identifier in
// both directions.
const SessionIDHeader = "Mcp-Session-Id"

// LastEventIDHeader requests resumption of a dropped SSE stream.
const LastEventIDHeader = "Last-Event-Id"

// StreamableHTTPHandler is an http.Handler implementing the C6 HTTP surface:
// it maps POST/GET/DELETE on its configured path to session lookup or
// creation, content-type and Accept validation, mcp-session-id header
// handling, and GET resumption.
type StreamableHTTPHandler struct {
	newSession func(*http.Request) []SessionOption
	dispatcher Dispatcher
	stateless  bool
	migration  MigrationHandler
	maxBody    int64
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*SessionTransport
}

// StreamableHTTPOption configures a new StreamableHTTPHandler.
type StreamableHTTPOption func(*StreamableHTTPHandler)

// WithStatelessHandler makes every session created by the handler stateless:
// GET and DELETE always 405, and each POST's session is discarded once
// handled rather than kept for reuse.
func WithStatelessHandler() StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) { h.stateless = true }
}

// WithMigrationHandler installs a MigrationHandler invoked when a POST
// arrives with an unrecognized session id.
func WithMigrationHandler(f MigrationHandler) StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) { h.migration = f }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes; see effectiveMaxBodyBytes
// for the sentinel semantics of 0 and negative values.
func WithMaxBodyBytes(n int64) StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) { h.maxBody = n }
}

// WithHandlerLogger attaches a *slog.Logger; the default is slog.Default().
func WithHandlerLogger(logger *slog.Logger) StreamableHTTPOption {
	return func(h *StreamableHTTPHandler) { h.logger = logger }
}

// NewStreamableHTTPHandler returns a handler that dispatches admitted
// messages to dispatcher. newSessionOpts, if non-nil, is consulted for
// every newly created session to produce additional SessionOptions (e.g. a
// shared EventStreamStore) based on the originating request.
func NewStreamableHTTPHandler(dispatcher Dispatcher, newSessionOpts func(*http.Request) []SessionOption, opts ...StreamableHTTPOption) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		newSession: newSessionOpts,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		sessions:   make(map[string]*SessionTransport),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close terminates every session the handler is tracking.
func (h *StreamableHTTPHandler) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = nil
	h.mu.Unlock()
	for _, s := range sessions {
		s.Dispose(context.Background())
	}
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	accept := splitHeaderList(req.Header.Values("Accept"))
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json":
			jsonOK = true
		case "text/event-stream":
			streamOK = true
		}
	}

	switch req.Method {
	case http.MethodGet:
		if !streamOK {
			http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusNotAcceptable)
			return
		}
		h.serveGet(w, req)
	case http.MethodPost:
		if !jsonOK || !streamOK {
			http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusNotAcceptable)
			return
		}
		h.servePost(w, req)
	case http.MethodDelete:
		h.serveDelete(w, req)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func splitHeaderList(values []string) []string {
	return strings.Split(strings.Join(values, ","), ",")
}

func (h *StreamableHTTPHandler) lookupSession(id string) (*SessionTransport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *StreamableHTTPHandler) registerSession(s *SessionTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

func (h *StreamableHTTPHandler) forgetSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func (h *StreamableHTTPHandler) newSessionOptions(req *http.Request) []SessionOption {
	var opts []SessionOption
	if h.stateless {
		opts = append(opts, WithStateless())
	}
	if h.newSession != nil {
		opts = append(opts, h.newSession(req)...)
	}
	return opts
}

func (h *StreamableHTTPHandler) servePost(w http.ResponseWriter, req *http.Request) {
	if ct := req.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	maxBytes := effectiveMaxBodyBytes(h.maxBody)
	if maxBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, maxBytes)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	msgs, err := jsonrpc.DecodeBody(body)
	if err != nil {
		http.Error(w, "invalid JSON-RPC message: "+err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := req.Header.Get(SessionIDHeader)
	session, isNew, err := h.sessionForPost(req, sessionID, msgs)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set(SessionIDHeader, session.ID())

	wroteAny := false
	for _, msg := range msgs {
		wrote, err := session.HandlePost(req.Context(), msg, sseSink{w: w})
		if err != nil {
			h.logger.Warn("post handling failed", "session", session.ID(), "error", err)
		}
		wroteAny = wroteAny || wrote
	}

	if isNew && h.stateless {
		h.forgetSession(session.ID())
		session.Dispose(req.Context())
	}

	if !wroteAny {
		w.WriteHeader(http.StatusAccepted)
	}
}

// sessionForPost resolves the session a POST applies to, creating one if
// the body is an initialize request with no session header, and consulting
// the migration handler for an unrecognized id.
func (h *StreamableHTTPHandler) sessionForPost(req *http.Request, sessionID string, msgs []jsonrpc.Message) (session *SessionTransport, isNew bool, err error) {
	if sessionID != "" {
		if s, ok := h.lookupSession(sessionID); ok {
			return s, false, nil
		}
		if h.migration != nil {
			if s, ok := h.migration(req.Context(), sessionID); ok {
				h.registerSession(s)
				go RunDispatcher(context.Background(), s, h.dispatcher)
				return s, false, nil
			}
		}
		if h.stateless {
			// Stateless deployments never retain sessions across requests;
			// an unrecognized id simply starts a fresh ephemeral session.
		} else {
			return nil, false, ErrUnknownSession
		}
	}

	isInitialize := false
	if len(msgs) == 1 {
		if r, ok := msgs[0].(*jsonrpc.Request); ok && r.Method == "initialize" {
			isInitialize = true
		}
	}
	if sessionID == "" && !isInitialize && !h.stateless {
		return nil, false, errors.New("missing mcp-session-id for non-initialize request")
	}

	s := NewSessionTransport(0, h.newSessionOptions(req)...)
	if !h.stateless {
		h.registerSession(s)
	}
	go RunDispatcher(context.Background(), s, h.dispatcher)
	return s, true, nil
}

func (h *StreamableHTTPHandler) serveGet(w http.ResponseWriter, req *http.Request) {
	if h.stateless {
		http.Error(w, "GET is unsupported in stateless mode", http.StatusMethodNotAllowed)
		return
	}

	sessionID := req.Header.Get(SessionIDHeader)
	session, ok := h.lookupSession(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	lastEventID := req.Header.Get(LastEventIDHeader)

	finish, err := session.PrepareGet(lastEventID)
	if err != nil {
		switch {
		case errors.Is(err, ErrStateless):
			http.Error(w, "GET is unsupported in stateless mode", http.StatusMethodNotAllowed)
		case errors.Is(err, ErrGetAlreadyOpen):
			http.Error(w, "a standalone SSE stream is already open for this session", http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer finish()

	w.Header().Set(SessionIDHeader, session.ID())
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Content-Encoding", "identity")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if err := session.HandleGet(req.Context(), sseSink{w: w}, lastEventID); err != nil {
		h.logger.Warn("get handling failed", "session", session.ID(), "error", err)
	}
}

func (h *StreamableHTTPHandler) serveDelete(w http.ResponseWriter, req *http.Request) {
	if h.stateless {
		http.Error(w, "DELETE is unsupported in stateless mode", http.StatusMethodNotAllowed)
		return
	}

	sessionID := req.Header.Get(SessionIDHeader)
	session, ok := h.lookupSession(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	h.forgetSession(sessionID)
	session.Dispose(req.Context())
	w.Header().Set(SessionIDHeader, sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// sseSink adapts an http.ResponseWriter to the Sink interface, exposing its
// http.Flusher when the underlying writer supports it.
type sseSink struct {
	w http.ResponseWriter
}

func (s sseSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s sseSink) Flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// SetContentType implements ContentTypeSetter.
func (s sseSink) SetContentType(ct string) {
	s.w.Header().Set("Content-Type", ct)
}
