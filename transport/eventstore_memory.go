// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"
	"time"
)

// MemoryEventStore is the default, single-process EventStreamStore. It
// mirrors the outgoingMessages/signals bookkeeping the teacher's streamable
// transport did inline, generalized here into a standalone, reusable store.
type MemoryEventStore struct {
	eventTTL    time.Duration
	maxEventAge time.Duration

	mu      sync.Mutex
	streams map[string]*memoryStream
}

// MemoryEventStoreOption configures a MemoryEventStore.
type MemoryEventStoreOption func(*MemoryEventStore)

// WithEventTTL overrides DefaultEventTTL.
func WithEventTTL(d time.Duration) MemoryEventStoreOption {
	return func(s *MemoryEventStore) { s.eventTTL = d }
}

// WithMaxEventAge overrides DefaultMaxEventAge.
func WithMaxEventAge(d time.Duration) MemoryEventStoreOption {
	return func(s *MemoryEventStore) { s.maxEventAge = d }
}

// NewMemoryEventStore constructs a MemoryEventStore.
func NewMemoryEventStore(opts ...MemoryEventStoreOption) *MemoryEventStore {
	s := &MemoryEventStore{
		eventTTL:    DefaultEventTTL,
		maxEventAge: DefaultMaxEventAge,
		streams:     make(map[string]*memoryStream),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func streamKey(sessionID, streamID string) string {
	return sessionID + "\x00" + streamID
}

type storedMemoryEvent struct {
	item     SseItem
	storedAt time.Time
}

type memoryStream struct {
	sessionID, streamID string
	createdAt           time.Time

	mu        sync.Mutex
	seq       int64
	events    map[int64]storedMemoryEvent
	mode      StreamMode
	completed bool
}

// CreateStream implements EventStreamStore.
func (s *MemoryEventStore) CreateStream(ctx context.Context, sessionID, streamID string, mode StreamMode) (EventStreamWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := streamKey(sessionID, streamID)

	s.mu.Lock()
	st, ok := s.streams[key]
	if !ok {
		st = &memoryStream{
			sessionID: sessionID,
			streamID:  streamID,
			createdAt: time.Now(),
			events:    make(map[int64]storedMemoryEvent),
		}
		s.streams[key] = st
		if s.maxEventAge > 0 {
			time.AfterFunc(s.maxEventAge, func() {
				s.mu.Lock()
				if s.streams[key] == st {
					delete(s.streams, key)
				}
				s.mu.Unlock()
			})
		}
	}
	s.mu.Unlock()

	st.mu.Lock()
	st.mode = mode
	st.completed = false
	st.mu.Unlock()

	return &memoryStreamWriter{store: s, stream: st}, nil
}

// GetStreamReader implements EventStreamStore.
func (s *MemoryEventStore) GetStreamReader(ctx context.Context, lastEventID string) (EventStreamReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessionID, streamID, seq, ok := TryParseEventID(lastEventID)
	if !ok {
		return nil, ErrNoSuchEvent
	}

	s.mu.Lock()
	st, ok := s.streams[streamKey(sessionID, streamID)]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchEvent
	}

	return &memoryStreamReader{store: s, stream: st, afterSeq: seq}, nil
}

func (s *MemoryEventStore) lookup(sessionID, streamID string) (*memoryStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamKey(sessionID, streamID)]
	return st, ok
}

type memoryStreamWriter struct {
	store  *MemoryEventStore
	stream *memoryStream
}

func (w *memoryStreamWriter) SessionID() string { return w.stream.sessionID }
func (w *memoryStreamWriter) StreamID() string  { return w.stream.streamID }

func (w *memoryStreamWriter) Mode() StreamMode {
	w.stream.mu.Lock()
	defer w.stream.mu.Unlock()
	return w.stream.mode
}

func (w *memoryStreamWriter) SetMode(mode StreamMode) {
	w.stream.mu.Lock()
	w.stream.mode = mode
	w.stream.mu.Unlock()
}

func (w *memoryStreamWriter) WriteEvent(ctx context.Context, item SseItem) (SseItem, error) {
	if item.EventID != "" {
		return item, nil
	}
	st := w.stream
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	item.EventID = FormatEventID(st.sessionID, st.streamID, st.seq)
	st.events[st.seq] = storedMemoryEvent{item: item, storedAt: time.Now()}
	return item, nil
}

func (w *memoryStreamWriter) Dispose(ctx context.Context) error {
	w.stream.mu.Lock()
	w.stream.completed = true
	w.stream.mu.Unlock()
	return nil
}

type memoryStreamReader struct {
	store    *MemoryEventStore
	stream   *memoryStream
	afterSeq int64
}

func (r *memoryStreamReader) SessionID() string { return r.stream.sessionID }
func (r *memoryStreamReader) StreamID() string  { return r.stream.streamID }

func (r *memoryStreamReader) ReadEvents(ctx context.Context) (<-chan SseItem, <-chan error) {
	items := make(chan SseItem)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		next := r.afterSeq + 1
		for {
			r.stream.mu.Lock()
			last := r.stream.seq
			mode := r.stream.mode
			completed := r.stream.completed
			r.stream.mu.Unlock()

			for ; next <= last; next++ {
				r.stream.mu.Lock()
				stored, ok := r.stream.events[next]
				if ok && r.store.eventTTL > 0 && time.Since(stored.storedAt) > r.store.eventTTL {
					delete(r.stream.events, next)
					ok = false
				}
				r.stream.mu.Unlock()
				if !ok {
					// Expired or never populated; skip per the replay-completeness
					// invariant (missing sequence numbers are simply absent).
					continue
				}
				select {
				case items <- stored.item:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}

			if mode == Polling {
				return
			}
			if completed {
				return
			}

			if _, ok := r.store.lookup(r.stream.sessionID, r.stream.streamID); !ok {
				// Metadata disappeared (back-end expiration): stop rather than
				// loop forever.
				return
			}

			select {
			case <-time.After(DefaultPollingInterval):
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return items, errs
}
