// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// SessionMetadata is the coarse-grained, transport-level state a
// SessionStateStore persists for one session: just enough for a migration
// handler to rehydrate a SessionTransport on another process, not the
// MCP-level application state (that belongs to the dispatcher, out of
// scope here).
type SessionMetadata struct {
	SessionID                string    `json:"sessionId"`
	NegotiatedProtocolVersion string   `json:"negotiatedProtocolVersion"`
	Stateless                 bool     `json:"stateless"`
	CreatedAt                 time.Time `json:"createdAt"`
}

// SessionStateStore persists SessionMetadata across process restarts or
// between processes sharing a session. Implementations must be safe for
// concurrent use.
type SessionStateStore interface {
	// Load returns the previously saved metadata for sessionID. A nil result
	// with a nil error indicates that no state is available.
	Load(ctx context.Context, sessionID string) (*SessionMetadata, error)
	// Save persists state. Passing a nil state is equivalent to Delete.
	Save(ctx context.Context, sessionID string, state *SessionMetadata) error
	// Delete forgets any state associated with sessionID; it is not an error
	// if no state is recorded.
	Delete(ctx context.Context, sessionID string) error
}

// MemorySessionStateStore is an in-memory SessionStateStore, primarily
// intended for single-process deployments and testing.
type MemorySessionStateStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemorySessionStateStore returns a MemorySessionStateStore.
func NewMemorySessionStateStore() *MemorySessionStateStore {
	return &MemorySessionStateStore{states: make(map[string][]byte)}
}

// Load implements SessionStateStore.
func (s *MemorySessionStateStore) Load(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.states[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var state SessionMetadata
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("transport: decoding session metadata: %w", err)
	}
	return &state, nil
}

// Save implements SessionStateStore.
func (s *MemorySessionStateStore) Save(ctx context.Context, sessionID string, state *SessionMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil {
		return s.Delete(ctx, sessionID)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("transport: encoding session metadata: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionID] = data
	return nil
}

// Delete implements SessionStateStore.
func (s *MemorySessionStateStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.states, sessionID)
	s.mu.Unlock()
	return nil
}

// MigrationHandler is invoked by the HTTP surface when a POST arrives
// bearing an unknown mcp-session-id, giving the application the
// opportunity to rehydrate a session from external storage (§9 "Session
// migration"). Returning ok == false causes the HTTP layer to respond 404.
type MigrationHandler func(ctx context.Context, sessionID string) (rehydrated *SessionTransport, ok bool)
