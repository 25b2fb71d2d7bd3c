// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mcpkit/streamable/jsonrpc"
)

// ResumableSinceProtocolVersion is the earliest negotiated protocol version
// for which this implementation emits priming frames and event IDs. Earlier
// revisions predate the resumability mechanism; clients speaking them
// wouldn't understand a Last-Event-ID exchange, so none is offered.
const ResumableSinceProtocolVersion = "2025-03-26"

func supportsResumabilityVersion(negotiated string) bool {
	return negotiated != "" && negotiated >= ResumableSinceProtocolVersion
}

// sessionState is the lifecycle state of a SessionTransport.
type sessionState int

const (
	sessionNew sessionState = iota
	sessionInitialized
	sessionTerminated
)

// defaultRetryInterval is the advisory reconnect interval (the retry:
// frame) sent to clients; it may be overridden per-session via
// WithRetryInterval, or globally for compatibility testing via the
// MCPSTREAM_RETRY_MS environment variable.
var defaultRetryInterval = retryIntervalFromEnv("MCPSTREAM_RETRY_MS", time.Second)

// retryIntervalFromEnv reads a millisecond duration override from the named
// environment variable, falling back to def when it's unset or malformed.
// This is the one compatibility knob the transport needs, so unlike a
// general key=value debug-flag parser it reads a single variable directly.
func retryIntervalFromEnv(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v + "ms")
	if err != nil {
		return def
	}
	return d
}

// InboundMessage pairs an admitted message with its MessageContext.
type InboundMessage struct {
	Message jsonrpc.Message
	Context *MessageContext
}

// SessionTransport owns one session's state (C5): its id, negotiated
// protocol version, inbox, and standalone GET SSE stream, coordinating
// between any number of concurrent PostTransports and at most one GET
// stream.
type SessionTransport struct {
	id            string
	stateless     bool
	flowExec      bool
	retryInterval time.Duration
	eventStore    EventStreamStore // nil disables resumability entirely
	logger        *slog.Logger

	onInitialize func(params any)

	inbox       chan InboundMessage
	disposeCtx  context.Context
	disposeStop context.CancelFunc

	mu                        sync.Mutex
	state                     sessionState
	negotiatedProtocolVersion string
	standaloneWriter          *SseWriter
	standaloneEventWriter     EventWriter
	getOpen                   bool
	disposed                  bool
}

// SessionOption configures a new SessionTransport.
type SessionOption func(*SessionTransport)

// WithStateless marks the session as stateless: unsolicited SendMessage,
// server-to-client requests, GET, and DELETE all fail per §8 invariant 9.
func WithStateless() SessionOption {
	return func(s *SessionTransport) { s.stateless = true }
}

// WithSessionID overrides the randomly generated session id. A
// MigrationHandler rehydrating a session from external storage uses this to
// give the returned SessionTransport the same id the client asked for, so
// the HTTP surface's response echoes it back (§8 invariant 6, "session
// preservation on migration") instead of minting a fresh one the client
// never sees.
func WithSessionID(id string) SessionOption {
	return func(s *SessionTransport) {
		if id != "" {
			s.id = id
		}
	}
}

// WithFlowExecutionContext enables capturing ambient execution context at
// POST admission time (§9's execution-context-flow option).
func WithFlowExecutionContext() SessionOption {
	return func(s *SessionTransport) { s.flowExec = true }
}

// WithEventStore attaches an EventStreamStore, enabling resumability. Without
// one, GET streams and POST responses carry no priming frame or event IDs.
func WithEventStore(store EventStreamStore) SessionOption {
	return func(s *SessionTransport) { s.eventStore = store }
}

// WithRetryInterval overrides the advisory SSE retry: hint.
func WithRetryInterval(d time.Duration) SessionOption {
	return func(s *SessionTransport) { s.retryInterval = d }
}

// WithLogger attaches a *slog.Logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *SessionTransport) { s.logger = logger }
}

// WithOnInitialize sets the callback invoked when an initialize request is
// admitted, so the session can record the negotiated protocol version.
// params is the request's raw json.RawMessage params, not decoded by this
// package (it defines no initialize params type); the callback decodes it
// and calls NegotiateProtocolVersion itself.
func WithOnInitialize(f func(params any)) SessionOption {
	return func(s *SessionTransport) { s.onInitialize = f }
}

// NewSessionTransport creates a session in the New state with a fresh
// random id, and an inbox of the given capacity (0 defaults to 16).
func NewSessionTransport(capacity int, opts ...SessionOption) *SessionTransport {
	if capacity <= 0 {
		capacity = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SessionTransport{
		id:            newSessionID(),
		retryInterval: defaultRetryInterval,
		logger:        slog.Default(),
		inbox:         make(chan InboundMessage, capacity),
		disposeCtx:    ctx,
		disposeStop:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session's opaque identifier.
func (s *SessionTransport) ID() string { return s.id }

// Stateless reports whether the session is configured as stateless.
func (s *SessionTransport) Stateless() bool { return s.stateless }

// Inbox returns the channel the dispatcher drains admitted messages from.
// Each receive yields the message and the MessageContext it was admitted
// with; the dispatcher should call WithMessageContext(ctx, mc) before
// handling msg so handlers can recover it.
func (s *SessionTransport) Inbox() <-chan InboundMessage { return s.inbox }

// NegotiateProtocolVersion records the protocol version agreed during
// initialize and transitions the session to Initialized.
func (s *SessionTransport) NegotiateProtocolVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiatedProtocolVersion = version
	if s.state == sessionNew {
		s.state = sessionInitialized
	}
}

func (s *SessionTransport) supportsResumability() bool {
	s.mu.Lock()
	v := s.negotiatedProtocolVersion
	hasStore := s.eventStore != nil
	s.mu.Unlock()
	return hasStore && supportsResumabilityVersion(v)
}

func (s *SessionTransport) retry() time.Duration {
	if s.retryInterval > 0 {
		return s.retryInterval
	}
	return defaultRetryInterval
}

// admit pushes msg onto the inbox with the given MessageContext, respecting
// cancellation and disposal.
func (s *SessionTransport) admit(ctx context.Context, msg jsonrpc.Message, mc *MessageContext) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	s.mu.Unlock()

	mc.Session = s.id
	if s.flowExec {
		mc.FlowExecutionContext = true
	}
	if mc.CloseSseStream == nil {
		mc.CloseSseStream = noopClose
	}
	if mc.CloseStandaloneSseStream == nil {
		mc.CloseStandaloneSseStream = func() { s.CloseStandaloneSseStream() }
	}

	if req, ok := msg.(*jsonrpc.Request); ok && req.Method == "initialize" && s.onInitialize != nil {
		s.onInitialize(req.Params)
	}

	select {
	case s.inbox <- InboundMessage{Message: msg, Context: mc}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.disposeCtx.Done():
		return ErrSessionDisposed
	}
}

// HandlePost runs a PostTransport for msg, writing correlated SSE output to
// body when msg carries a request id. It reports whether any bytes were
// written (so HTTP can choose between 200-with-body and 202-empty-body).
func (s *SessionTransport) HandlePost(ctx context.Context, msg jsonrpc.Message, body Sink) (bool, error) {
	ctx, cancel := s.linkedContext(ctx)
	defer cancel()

	var eventWriter EventWriter
	if s.eventStore != nil {
		streamID := "post"
		if req, ok := msg.(*jsonrpc.Request); ok && req.ID.IsValid() {
			streamID = req.ID.String()
		}
		w, err := s.eventStore.CreateStream(ctx, s.id, streamID, Streaming)
		if err != nil {
			return false, err
		}
		eventWriter = w
		defer w.Dispose(ctx)
	}

	pt := newPostTransport(s, msg, eventWriter)
	mc := &MessageContext{}
	return pt.run(ctx, msg, body, mc)
}

// linkedContext combines the request's cancellation with the session's
// disposal token, per §5's cancellation semantics.
func (s *SessionTransport) linkedContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.disposeCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// PrepareGet validates a GET request and, unless lastEventID targets a
// foreign (POST-owned) stream, atomically reserves the session's single
// standalone-stream slot — all without touching body. HTTP callers must do
// this *before* writing response headers: the at-most-one-GET invariant
// (§8 property 3, scenario S5) must surface as a 400 status, which is
// impossible once a 200 status line has already been flushed. On success,
// finish must be called exactly once after the caller is done streaming
// (via HandleGet), whatever the outcome.
func (s *SessionTransport) PrepareGet(lastEventID string) (finish func(), err error) {
	if s.stateless {
		return nil, ErrStateless
	}
	if lastEventID != "" && s.eventStore != nil {
		if _, streamID, _, ok := TryParseEventID(lastEventID); ok && streamID != GetStreamID {
			// Replaying a foreign POST stream doesn't occupy the standalone
			// slot; it's a one-off replay-and-close.
			return func() {}, nil
		}
	}

	s.mu.Lock()
	if s.getOpen {
		s.mu.Unlock()
		return nil, ErrGetAlreadyOpen
	}
	s.getOpen = true
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		s.getOpen = false
		s.mu.Unlock()
	}, nil
}

// HandleGet serves a GET request whose slot (if any) was already reserved by
// a prior, successful PrepareGet call. lastEventID, if non-empty, requests
// resumption.
func (s *SessionTransport) HandleGet(ctx context.Context, body Sink, lastEventID string) error {
	if s.stateless {
		return ErrStateless
	}

	ctx, cancel := s.linkedContext(ctx)
	defer cancel()

	if lastEventID != "" && s.eventStore != nil {
		_, streamID, _, ok := TryParseEventID(lastEventID)
		if ok && streamID != GetStreamID {
			// The client is resuming a POST response by accident: replay that
			// POST stream (with its own priming so it can resume again) and
			// close, rather than attach it to the standalone channel.
			return s.replayForeignStream(ctx, body, lastEventID)
		}
		return s.resumeStandalone(ctx, body, lastEventID)
	}

	writer := NewSseWriter(1, WithDropOldest())
	s.mu.Lock()
	s.standaloneWriter = writer
	s.standaloneEventWriter = nil
	s.mu.Unlock()

	if s.supportsResumability() {
		var eventWriter EventWriter
		w, err := s.eventStore.CreateStream(ctx, s.id, GetStreamID, Streaming)
		if err == nil {
			eventWriter = w
			s.mu.Lock()
			s.standaloneEventWriter = w
			s.mu.Unlock()
			defer w.Dispose(ctx)
		}
		if _, err := writer.SendPrimingEvent(ctx, s.retry(), eventWriter); err != nil {
			return err
		}
	}

	return writer.WriteAll(ctx, body)
}

// resumeStandalone replays missed events on the session's standalone
// ("__get__") stream and then continues delivering live unsolicited
// messages from the same point, per §4.4/S4. It relays straight from the
// event-store reader onto body rather than re-queuing through an SseWriter:
// the reader's own Streaming-mode loop (eventstore.go) already blocks for
// new events once it catches up, so one relay call serves both the replay
// and the live tail without a second writer or an artificial phase change.
func (s *SessionTransport) resumeStandalone(ctx context.Context, body Sink, lastEventID string) error {
	if s.eventStore == nil {
		return ErrNoSuchEvent
	}
	reader, err := s.eventStore.GetStreamReader(ctx, lastEventID)
	if err != nil {
		return err
	}

	// No direct in-memory writer is attached for a resumed connection;
	// SendMessage falls back to persisting through standaloneEventWriter
	// alone, which this same reader will pick up on its next poll.
	s.mu.Lock()
	s.standaloneWriter = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.standaloneEventWriter = nil
		s.mu.Unlock()
	}()

	w, err := s.eventStore.CreateStream(ctx, s.id, GetStreamID, Streaming)
	if err == nil {
		s.mu.Lock()
		s.standaloneEventWriter = w
		s.mu.Unlock()
		defer w.Dispose(ctx)
	}

	return relayEventsToSink(ctx, body, reader)
}

// replayForeignStream replays a POST-response stream in full onto body and
// closes; it does not attach to the session's standalone writer. The source
// stream is already Dispose()d by the HandlePost call that owned it by the
// time a client reconnects to it, so its reader's Streaming loop terminates
// naturally once it has drained the backlog.
func (s *SessionTransport) replayForeignStream(ctx context.Context, body Sink, lastEventID string) error {
	reader, err := s.eventStore.GetStreamReader(ctx, lastEventID)
	if err != nil {
		return err
	}
	return relayEventsToSink(ctx, body, reader)
}

// relayEventsToSink writes each item yielded by reader directly onto body as
// an SSE frame, flushing after every frame. It returns when the reader's
// item channel closes (see EventStreamReader.ReadEvents for completion
// conditions) or ctx is done.
func relayEventsToSink(ctx context.Context, body Sink, reader EventStreamReader) error {
	bw := bufio.NewWriter(body)
	flusher, _ := body.(http.Flusher)
	items, errs := reader.ReadEvents(ctx)
	for item := range items {
		if err := writeFrame(bw, item); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// SendMessage sends an unsolicited message on the standalone channel. It is
// refused in stateless mode. The standalone writer is drop-oldest, so a
// slow or absent GET consumer never back-pressures the sender.
func (s *SessionTransport) SendMessage(ctx context.Context, msg any) (bool, error) {
	if s.stateless {
		return false, ErrStateless
	}
	message, ok := msg.(jsonrpc.Message)
	if !ok {
		return false, fmt.Errorf("transport: SessionTransport.SendMessage: unsupported message type %T", msg)
	}

	s.mu.Lock()
	writer := s.standaloneWriter
	eventWriter := s.standaloneEventWriter
	s.mu.Unlock()

	item := SseItem{Data: message, EventType: eventTypeMessage}

	if writer == nil {
		if eventWriter == nil {
			// No GET has ever opened and no resumed reader is attached
			// either; there is nowhere to deliver this. Treat as dropped
			// rather than block the caller.
			return false, nil
		}
		// A resumed GET is being served straight from the event store
		// (resumeStandalone): persist so its reader picks this up on its
		// next poll; there is no in-memory channel to push onto directly.
		if _, err := eventWriter.WriteEvent(ctx, item); err != nil {
			return false, err
		}
		return true, nil
	}
	return writer.SendMessage(ctx, item, eventWriter)
}

// RunDispatcher drains sess's inbox until it is closed (by Dispose),
// invoking d.Dispatch for each admitted message on its own goroutine so that
// one slow handler cannot stall the rest of the session's traffic. Messages
// with no RelatedTransport (arrived with no correlated POST, e.g. a bare
// notification over a transport that doesn't track per-message connections)
// are dispatched against the session's own standalone Connection, so a
// reply or unsolicited push still has somewhere to go.
//
// HTTP callers get this for free: NewStreamableHTTPHandler starts it for
// every session it creates. Callers driving a SessionTransport directly
// (tests, non-HTTP embeddings) must call it themselves.
func RunDispatcher(ctx context.Context, sess *SessionTransport, d Dispatcher) {
	for inbound := range sess.Inbox() {
		mc := inbound.Context
		conn := mc.RelatedTransport
		if conn == nil {
			conn = sessionConnection{sess}
		}
		msgCtx := WithMessageContext(ctx, mc)
		go d.Dispatch(msgCtx, conn, inbound.Message)
	}
}

// sessionConnection adapts SessionTransport.SendMessage to Connection for
// messages admitted with no per-request correlator.
type sessionConnection struct{ s *SessionTransport }

func (c sessionConnection) SendMessage(ctx context.Context, msg any) (bool, error) {
	return c.s.SendMessage(ctx, msg)
}

// CloseStandaloneSseStream marks the standalone writer complete; the GET
// client observes EOF and is expected to reconnect with Last-Event-ID.
func (s *SessionTransport) CloseStandaloneSseStream() {
	s.mu.Lock()
	writer := s.standaloneWriter
	s.mu.Unlock()
	if writer != nil {
		writer.Complete()
	}
}

// Dispose terminates the session: completes the inbox, cancels the
// disposal token, and disposes the standalone writer and its event-stream
// writer. It is idempotent; every operation after disposal fails with
// ErrSessionDisposed.
func (s *SessionTransport) Dispose(ctx context.Context) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.state = sessionTerminated
	writer := s.standaloneWriter
	eventWriter := s.standaloneEventWriter
	s.mu.Unlock()

	s.disposeStop()
	close(s.inbox)
	if writer != nil {
		writer.Dispose()
	}
	if eventWriter != nil {
		_ = eventWriter.Dispose(ctx)
	}
}
