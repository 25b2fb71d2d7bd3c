// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mcpkit/streamable/jsonrpc"
)

// RedisEventStore is a cross-process EventStreamStore backed by Redis, for
// deployments that run more than one server process behind the same
// session. Keys match the persisted-state layout: metadata lives at
// mcp:sse:meta:{sessionId}:{streamId}, events at mcp:sse:event:{eventId}.
type RedisEventStore struct {
	rdb         *redis.Client
	eventTTL    time.Duration
	maxEventAge time.Duration
}

// RedisEventStoreOption configures a RedisEventStore.
type RedisEventStoreOption func(*RedisEventStore)

// WithRedisEventTTL overrides DefaultEventTTL for the Redis backend.
func WithRedisEventTTL(d time.Duration) RedisEventStoreOption {
	return func(s *RedisEventStore) { s.eventTTL = d }
}

// WithRedisMaxEventAge overrides DefaultMaxEventAge for the Redis backend.
func WithRedisMaxEventAge(d time.Duration) RedisEventStoreOption {
	return func(s *RedisEventStore) { s.maxEventAge = d }
}

// NewRedisEventStore wraps an existing *redis.Client.
func NewRedisEventStore(rdb *redis.Client, opts ...RedisEventStoreOption) *RedisEventStore {
	s := &RedisEventStore{rdb: rdb, eventTTL: DefaultEventTTL, maxEventAge: DefaultMaxEventAge}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func metaKey(sessionID, streamID string) string {
	return "mcp:sse:meta:" + sessionID + ":" + streamID
}

func eventKey(eventID string) string {
	return "mcp:sse:event:" + eventID
}

// redisMetadata is the JSON value stored at a mcp:sse:meta:* key.
type redisMetadata struct {
	Mode         StreamMode `json:"mode"`
	LastSequence int64      `json:"lastSequence"`
	IsCompleted  bool       `json:"isCompleted"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// redisEvent is the JSON value stored at a mcp:sse:event:* key.
type redisEvent struct {
	EventType            string        `json:"eventType"`
	EventID              string        `json:"eventId"`
	Data                 json.RawMessage `json:"data,omitempty"`
	ReconnectionInterval time.Duration `json:"reconnectionInterval,omitempty"`
}

func (s *RedisEventStore) readMetadata(ctx context.Context, sessionID, streamID string) (*redisMetadata, error) {
	raw, err := s.rdb.Get(ctx, metaKey(sessionID, streamID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var md redisMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("transport: decoding stream metadata: %w", err)
	}
	return &md, nil
}

// metaTTL computes the Redis TTL for a metadata/event key: the sliding
// eventTTL clamped so it never extends the stream past its absolute
// maxEventAge: the earlier of the two horizons wins.
func (s *RedisEventStore) metaTTL(createdAt time.Time, now time.Time) time.Duration {
	sliding := now.Add(s.eventTTL)
	var absolute time.Time
	if s.maxEventAge > 0 {
		absolute = createdAt.Add(s.maxEventAge)
	}
	until := sliding
	if !absolute.IsZero() && absolute.Before(until) {
		until = absolute
	}
	if until.Before(now) {
		return time.Second
	}
	return time.Until(until)
}

func (s *RedisEventStore) writeMetadata(ctx context.Context, sessionID, streamID string, md *redisMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	ttl := s.metaTTL(md.CreatedAt, time.Now())
	return s.rdb.Set(ctx, metaKey(sessionID, streamID), data, ttl).Err()
}

// CreateStream implements EventStreamStore.
func (s *RedisEventStore) CreateStream(ctx context.Context, sessionID, streamID string, mode StreamMode) (EventStreamWriter, error) {
	md, err := s.readMetadata(ctx, sessionID, streamID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if md == nil {
		md = &redisMetadata{CreatedAt: now}
	}
	md.Mode = mode
	md.IsCompleted = false
	if err := s.writeMetadata(ctx, sessionID, streamID, md); err != nil {
		return nil, err
	}
	return &redisStreamWriter{store: s, sessionID: sessionID, streamID: streamID}, nil
}

// GetStreamReader implements EventStreamStore.
func (s *RedisEventStore) GetStreamReader(ctx context.Context, lastEventID string) (EventStreamReader, error) {
	sessionID, streamID, seq, ok := TryParseEventID(lastEventID)
	if !ok {
		return nil, ErrNoSuchEvent
	}
	md, err := s.readMetadata(ctx, sessionID, streamID)
	if err != nil {
		return nil, err
	}
	if md == nil {
		return nil, ErrNoSuchEvent
	}
	return &redisStreamReader{store: s, sessionID: sessionID, streamID: streamID, afterSeq: seq}, nil
}

type redisStreamWriter struct {
	store               *RedisEventStore
	sessionID, streamID string
}

func (w *redisStreamWriter) SessionID() string { return w.sessionID }
func (w *redisStreamWriter) StreamID() string  { return w.streamID }

func (w *redisStreamWriter) Mode() StreamMode {
	md, err := w.store.readMetadata(context.Background(), w.sessionID, w.streamID)
	if err != nil || md == nil {
		return Streaming
	}
	return md.Mode
}

func (w *redisStreamWriter) SetMode(mode StreamMode) {
	ctx := context.Background()
	md, err := w.store.readMetadata(ctx, w.sessionID, w.streamID)
	if err != nil || md == nil {
		return
	}
	md.Mode = mode
	_ = w.store.writeMetadata(ctx, w.sessionID, w.streamID, md)
}

func (w *redisStreamWriter) WriteEvent(ctx context.Context, item SseItem) (SseItem, error) {
	if item.EventID != "" {
		return item, nil
	}

	md, err := w.store.readMetadata(ctx, w.sessionID, w.streamID)
	if err != nil {
		return item, err
	}
	if md == nil {
		md = &redisMetadata{CreatedAt: time.Now()}
	}
	md.LastSequence++
	seq := md.LastSequence
	item.EventID = FormatEventID(w.sessionID, w.streamID, seq)

	var data []byte
	if item.Data != nil {
		data, err = jsonrpc.EncodeMessage(item.Data)
		if err != nil {
			return item, err
		}
	}
	ev := redisEvent{
		EventType:            item.EventType,
		EventID:              item.EventID,
		Data:                 data,
		ReconnectionInterval: item.ReconnectionInterval,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return item, err
	}

	pipe := w.store.rdb.TxPipeline()
	ttl := w.store.metaTTL(md.CreatedAt, time.Now())
	mdRaw, err := json.Marshal(md)
	if err != nil {
		return item, err
	}
	pipe.Set(ctx, eventKey(item.EventID), raw, ttl)
	pipe.Set(ctx, metaKey(w.sessionID, w.streamID), mdRaw, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return item, err
	}
	return item, nil
}

func (w *redisStreamWriter) Dispose(ctx context.Context) error {
	md, err := w.store.readMetadata(ctx, w.sessionID, w.streamID)
	if err != nil {
		return err
	}
	if md == nil {
		return nil
	}
	md.IsCompleted = true
	return w.store.writeMetadata(ctx, w.sessionID, w.streamID, md)
}

type redisStreamReader struct {
	store               *RedisEventStore
	sessionID, streamID string
	afterSeq            int64
}

func (r *redisStreamReader) SessionID() string { return r.sessionID }
func (r *redisStreamReader) StreamID() string  { return r.streamID }

func (r *redisStreamReader) ReadEvents(ctx context.Context) (<-chan SseItem, <-chan error) {
	items := make(chan SseItem)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		next := r.afterSeq + 1
		for {
			md, err := r.store.readMetadata(ctx, r.sessionID, r.streamID)
			if err != nil {
				errs <- err
				return
			}
			if md == nil {
				// Metadata disappeared (expired): stop rather than loop forever.
				return
			}

			for ; next <= md.LastSequence; next++ {
				eventID := FormatEventID(r.sessionID, r.streamID, next)
				raw, err := r.store.rdb.Get(ctx, eventKey(eventID)).Bytes()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue // expired; skip per the replay-completeness invariant
					}
					errs <- err
					return
				}
				var ev redisEvent
				if err := json.Unmarshal(raw, &ev); err != nil {
					errs <- err
					return
				}
				item := SseItem{
					EventType:            ev.EventType,
					EventID:              ev.EventID,
					ReconnectionInterval: ev.ReconnectionInterval,
				}
				if len(ev.Data) > 0 {
					msg, err := jsonrpc.DecodeMessage(ev.Data)
					if err != nil {
						errs <- err
						return
					}
					item.Data = msg
				}
				select {
				case items <- item:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}

			if md.Mode == Polling {
				return
			}
			if md.IsCompleted {
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
