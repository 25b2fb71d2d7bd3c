// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"testing"
	"time"
)

func TestMemorySessionStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStateStore()

	got, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("Load on an empty store returned %v, want nil", got)
	}

	want := &SessionMetadata{
		SessionID:                 "sess-1",
		NegotiatedProtocolVersion: ResumableSinceProtocolVersion,
		Stateless:                 false,
		CreatedAt:                 time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Save(ctx, "sess-1", want); err != nil {
		t.Fatal(err)
	}

	got, err = store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Load after Save returned nil")
	}
	if got.SessionID != want.SessionID || got.NegotiatedProtocolVersion != want.NegotiatedProtocolVersion || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestMemorySessionStateStoreSaveNilDeletes(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStateStore()

	if err := store.Save(ctx, "sess-1", &SessionMetadata{SessionID: "sess-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "sess-1", nil); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("Load after Save(nil) returned %v, want nil", got)
	}
}

func TestMemorySessionStateStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStateStore()

	if err := store.Save(ctx, "sess-1", &SessionMetadata{SessionID: "sess-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("Load after Delete returned %v, want nil", got)
	}

	// Deleting an already-absent session is not an error.
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Errorf("Delete of an unknown session: %v", err)
	}
}

func TestMemorySessionStateStoreRejectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemorySessionStateStore()

	if err := store.Save(ctx, "sess-1", &SessionMetadata{SessionID: "sess-1"}); err == nil {
		t.Error("Save with a canceled context succeeded, want error")
	}
	if _, err := store.Load(ctx, "sess-1"); err == nil {
		t.Error("Load with a canceled context succeeded, want error")
	}
	if err := store.Delete(ctx, "sess-1"); err == nil {
		t.Error("Delete with a canceled context succeeded, want error")
	}
}

// TestMigrationHandlerRehydratesUnknownSession checks the MigrationHandler
// contract on its own, calling a handler directly: it returns the
// rehydrated session and true for an id it recognizes, and false for any
// other. The HTTP-surface path is covered by
// TestHTTPMigrationHandlerRehydratesSession.
func TestMigrationHandlerRehydratesUnknownSession(t *testing.T) {
	rehydrated := NewSessionTransport(0)
	defer rehydrated.Dispose(context.Background())

	var calledWith string
	handler := func(ctx context.Context, sessionID string) (*SessionTransport, bool) {
		calledWith = sessionID
		if sessionID != "migrate-me" {
			return nil, false
		}
		return rehydrated, true
	}

	got, ok := handler(context.Background(), "migrate-me")
	if !ok || got != rehydrated {
		t.Fatalf("handler(migrate-me) = %v, %v, want the rehydrated session, true", got, ok)
	}
	if calledWith != "migrate-me" {
		t.Errorf("handler invoked with %q, want migrate-me", calledWith)
	}

	if _, ok := handler(context.Background(), "no-such-session"); ok {
		t.Error("handler(no-such-session) reported ok, want false")
	}
}
