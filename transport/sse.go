// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mcpkit/streamable/jsonrpc"
)

// eventTypeEndpoint is the legacy SSE-transport priming frame: a single
// frame carrying the message endpoint URL as raw (not JSON-encoded) data.
const eventTypeEndpoint = "endpoint"

// eventTypePriming is the resumability priming event: empty data, carries
// only an id and a retry hint so the client learns its reconnect cadence
// before any real traffic arrives. This implementation standardizes on
// "priming" rather than the "prime" spelling also seen in the wild.
const eventTypePriming = "priming"

// eventTypeMessage is the default event type for an actual JSON-RPC message.
// It is emitted explicitly (event: message) even though it's the default,
// for interop with clients that always look for an event: line.
const eventTypeMessage = "message"

// SseItem is one item on an SseWriter's queue: either a real JSON-RPC
// message, or a framing-only item (endpoint/priming) with Data == nil.
type SseItem struct {
	Data                 jsonrpc.Message
	EventType            string
	EventID              string
	ReconnectionInterval time.Duration

	// RawData is the verbatim data: payload for EventType == "endpoint",
	// which is not JSON-encoded (it's a bare URL string).
	RawData string
}

// isFinalResponse reports whether item carries a Response or ErrorResponse
// whose id equals want, i.e. it is the terminal frame of a correlated POST.
func (item SseItem) isFinalResponse(want jsonrpc.ID) bool {
	id, ok := jsonrpc.ResponseID(item.Data)
	return ok && id.IsValid() && want.IsValid() && id.String() == want.String()
}

// Sink is the byte destination an SseWriter drains its queue to. Any
// io.Writer works; when it also implements http.Flusher, WriteAll flushes
// after every frame, matching the flush-every-write policy SSE transports
// need to avoid buffering frames behind an HTTP response writer.
type Sink = io.Writer

// ContentTypeSetter lets a Sink declare its Content-Type before any bytes
// are written. An http.ResponseWriter-backed Sink implements it so a caller
// can defer the text/event-stream vs application/json choice until it knows
// how many messages the body will actually carry (see PostTransport's
// single-message JSON optimization).
type ContentTypeSetter interface {
	SetContentType(string)
}

// EventWriter is the subset of EventStreamWriter that SseWriter needs to
// persist and stamp an item before it is enqueued. It is satisfied by
// *memoryStreamWriter and *redisStreamWriter.
type EventWriter interface {
	WriteEvent(ctx context.Context, item SseItem) (SseItem, error)
}

// SseWriter turns a sequence of SseItem values into SSE frames on a Sink,
// with back-pressure via a bounded, single-reader multi-writer queue.
//
// The zero value is not usable; construct with NewSseWriter.
type SseWriter struct {
	queue           chan SseItem
	messageEndpoint string
	filter          func(SseItem) (emit bool, terminal bool)
	dropOldest      bool

	mu       sync.Mutex
	done     bool
	disposed bool
}

// SseWriterOption configures a new SseWriter.
type SseWriterOption func(*SseWriter)

// WithMessageEndpoint causes WriteAll to emit a synthetic
// "event: endpoint\ndata: <endpoint>\n\n" frame before anything else, for
// legacy SSE-transport compatibility.
func WithMessageEndpoint(endpoint string) SseWriterOption {
	return func(w *SseWriter) { w.messageEndpoint = endpoint }
}

// WithStopOnFinalResponse installs a filter that lets WriteAll emit items
// normally but stop (as if Complete had been called) immediately after
// emitting a Response or ErrorResponse whose id equals want. This is how a
// PostTransport's SSE body terminates exactly when the correlated response
// has been written.
func WithStopOnFinalResponse(want jsonrpc.ID) SseWriterOption {
	return func(w *SseWriter) {
		w.filter = func(item SseItem) (bool, bool) {
			return true, item.isFinalResponse(want)
		}
	}
}

// WithDropOldest configures the writer's full-queue policy as drop-oldest
// instead of blocking back-pressure: when the queue is at capacity, the
// oldest queued item is discarded to make room for the new one. This is the
// policy SessionTransport's standalone (GET) writer uses per §4.1/§5, so
// that a slow or absent GET consumer cannot block senders; PostTransport's
// writer leaves this unset and blocks instead, since a POST always has a
// live consumer.
func WithDropOldest() SseWriterOption {
	return func(w *SseWriter) { w.dropOldest = true }
}

// NewSseWriter creates an SseWriter with the given queue capacity (the
// bound from §5's concurrency model; 0 or negative defaults to 1).
func NewSseWriter(capacity int, opts ...SseWriterOption) *SseWriter {
	if capacity <= 0 {
		capacity = 1
	}
	w := &SseWriter{queue: make(chan SseItem, capacity)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SendMessage enqueues item, first persisting and stamping it via writer if
// writer is non-nil and item.EventID is empty. It reports true if the item
// was enqueued, false if the writer was already disposed (the message is
// dropped locally, though it may still have been persisted to the event
// store).
func (w *SseWriter) SendMessage(ctx context.Context, item SseItem, writer EventWriter) (bool, error) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()

	if writer != nil && item.EventID == "" {
		stamped, err := writer.WriteEvent(ctx, item)
		if err != nil {
			return false, err
		}
		item = stamped
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return false, nil
	}
	if w.dropOldest {
		for {
			select {
			case w.queue <- item:
				return true, nil
			default:
			}
			// Queue is full: discard the oldest queued item and retry. This
			// never blocks, so a slow or absent GET consumer cannot back-
			// pressure the sender (§5 "Bounded, drop-oldest channels").
			select {
			case <-w.queue:
			default:
			}
		}
	}
	select {
	case w.queue <- item:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// SendPrimingEvent writes a single {Data: nil, EventType: "priming"} item,
// stamping it with an event ID from writer so the client learns both its
// reconnect cadence and a known-good Last-Event-ID before real traffic.
func (w *SseWriter) SendPrimingEvent(ctx context.Context, retryInterval time.Duration, writer EventWriter) (bool, error) {
	return w.SendMessage(ctx, SseItem{
		EventType:            eventTypePriming,
		ReconnectionInterval: retryInterval,
	}, writer)
}

// Complete marks the queue closed; WriteAll finishes after draining
// whatever was already enqueued.
func (w *SseWriter) Complete() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	close(w.queue)
}

// Dispose is Complete plus marking the writer unusable for further sends.
// It is idempotent and safe under concurrent SendMessage.
func (w *SseWriter) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	alreadyDone := w.done
	w.done = true
	w.mu.Unlock()
	if !alreadyDone {
		close(w.queue)
	}
}

// WriteAll drains the queue to sink, formatting each item as an SSE frame.
// It returns when the queue is completed, the filter (if any) signals
// termination, cancel fires, or a write to sink fails.
func (w *SseWriter) WriteAll(ctx context.Context, sink Sink) error {
	bw := bufio.NewWriter(sink)
	flusher, _ := sink.(http.Flusher)

	flush := func() error {
		if err := bw.Flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	if w.messageEndpoint != "" {
		if err := writeFrame(bw, SseItem{EventType: eventTypeEndpoint, RawData: w.messageEndpoint}); err != nil {
			return err
		}
		if err := flush(); err != nil {
			return err
		}
	}

	for {
		select {
		case item, ok := <-w.queue:
			if !ok {
				return nil
			}
			emit, terminal := true, false
			if w.filter != nil {
				emit, terminal = w.filter(item)
			}
			if emit {
				if err := writeFrame(bw, item); err != nil {
					return err
				}
				if err := flush(); err != nil {
					return err
				}
			}
			if terminal {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeFrame formats item per §4.1's framing rules: event: <type> is
// emitted whenever EventType is set; id: when EventID is set; retry: when
// ReconnectionInterval is nonzero; data: is the raw endpoint string for
// "endpoint", empty for "priming", and otherwise the JSON encoding of the
// JSON-RPC message on one line.
func writeFrame(w io.Writer, item SseItem) error {
	if item.EventType != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", item.EventType); err != nil {
			return err
		}
	}
	if item.EventID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", item.EventID); err != nil {
			return err
		}
	}
	if item.ReconnectionInterval > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n", item.ReconnectionInterval.Milliseconds()); err != nil {
			return err
		}
	}

	switch item.EventType {
	case eventTypeEndpoint:
		if _, err := fmt.Fprintf(w, "data: %s\n\n", item.RawData); err != nil {
			return err
		}
	case eventTypePriming:
		if _, err := io.WriteString(w, "data:\n\n"); err != nil {
			return err
		}
	default:
		data, err := jsonrpc.EncodeMessage(item.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
	}
	return nil
}
