// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"time"
)

// StreamMode is whether a stream's reader should block for new events
// (Streaming) or stop once it has drained what's currently persisted
// (Polling). A session's standalone stream and a POST's stream both start
// in Streaming mode; Polling exists so a dispatcher-level feature can push
// a client into a short-poll reconnect cycle without tearing down the
// stream's identity.
type StreamMode int

const (
	Streaming StreamMode = iota
	Polling
)

func (m StreamMode) String() string {
	if m == Polling {
		return "polling"
	}
	return "streaming"
}

// DefaultPollingInterval is how long a Streaming reader sleeps between
// checks for new events once it has caught up to the stream's last known
// sequence.
const DefaultPollingInterval = 500 * time.Millisecond

// DefaultEventTTL is the sliding per-event retention applied by the
// built-in store backends.
const DefaultEventTTL = 5 * time.Minute

// DefaultMaxEventAge is the absolute cap on a stream's retention, regardless
// of how recently it was written to.
const DefaultMaxEventAge = 1 * time.Hour

// StreamMetadata mirrors the persisted state of one (sessionId, streamId)
// stream.
type StreamMetadata struct {
	Mode         StreamMode
	LastSequence int64
	IsCompleted  bool
}

// EventStreamStore persists SseItem values per (session, stream) with a
// monotonic per-stream sequence, assigns event IDs via the codec in
// eventid.go, and supports replay from a given event ID. Implementations
// (MemoryEventStore, RedisEventStore) must be safe for concurrent writers on
// distinct streams and concurrent readers on any stream.
type EventStreamStore interface {
	// CreateStream opens a writer for (sessionID, streamID) in the given
	// mode. If a writer already exists for the same pair, CreateStream
	// returns a fresh writer that supersedes it; the caller is responsible
	// for disposing any prior writer it was holding.
	CreateStream(ctx context.Context, sessionID, streamID string, mode StreamMode) (EventStreamWriter, error)

	// GetStreamReader decodes lastEventID and, if the stream's metadata is
	// still present, returns a reader positioned just after the decoded
	// sequence. It returns ErrNoSuchEvent if the id is malformed or the
	// stream is unknown/expired.
	GetStreamReader(ctx context.Context, lastEventID string) (EventStreamReader, error)
}

// EventStreamWriter is the write side of one (sessionID, streamID) stream.
type EventStreamWriter interface {
	SessionID() string
	StreamID() string
	Mode() StreamMode

	// SetMode flips the stream between Streaming and Polling.
	SetMode(mode StreamMode)

	// WriteEvent persists item and stamps it with a fresh event ID, unless
	// item.EventID is already set (e.g. a replayed item), in which case it
	// is returned unchanged.
	WriteEvent(ctx context.Context, item SseItem) (SseItem, error)

	// Dispose marks the stream completed. It is idempotent.
	Dispose(ctx context.Context) error
}

// EventStreamReader is the read side of one (sessionID, streamID) stream,
// positioned to replay everything after a given sequence.
type EventStreamReader interface {
	SessionID() string
	StreamID() string

	// ReadEvents lazily yields items, starting at the sequence immediately
	// after the one this reader was positioned at, skipping any sequence
	// numbers whose stored event has expired. The returned item channel is
	// closed when the reader completes (Polling catch-up, a completed
	// Streaming stream, or the stream's metadata disappearing); the error
	// channel carries at most one error and is closed alongside it.
	ReadEvents(ctx context.Context) (<-chan SseItem, <-chan error)
}
