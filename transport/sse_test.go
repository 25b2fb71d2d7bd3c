// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mcpkit/streamable/jsonrpc"
)

func mustResponse(t *testing.T, id jsonrpc.ID, result any) *jsonrpc.Response {
	t.Helper()
	r, err := jsonrpc.NewResponse(id, result)
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	return r
}

// TestSseWriterFraming checks the event:/id:/retry:/data: framing rules for
// each item shape WriteAll knows how to emit.
func TestSseWriterFraming(t *testing.T) {
	w := NewSseWriter(4)
	ctx := context.Background()

	if _, err := w.SendPrimingEvent(ctx, 2*time.Second, nil); err != nil {
		t.Fatalf("SendPrimingEvent: %v", err)
	}
	resp := mustResponse(t, jsonrpc.Int64ID(1), map[string]any{"ok": true})
	if ok, err := w.SendMessage(ctx, SseItem{Data: resp, EventType: eventTypeMessage, EventID: "1"}, nil); err != nil || !ok {
		t.Fatalf("SendMessage: ok=%v err=%v", ok, err)
	}
	w.Complete()

	var buf bytes.Buffer
	if err := w.WriteAll(ctx, &buf); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "event: priming\n") {
		t.Errorf("missing priming event frame, got:\n%s", got)
	}
	if !strings.Contains(got, "retry: 2000\n") {
		t.Errorf("missing retry hint, got:\n%s", got)
	}
	if !strings.Contains(got, "data:\n\n") {
		t.Errorf("priming frame should carry empty data, got:\n%s", got)
	}
	if !strings.Contains(got, "id: 1\n") {
		t.Errorf("missing message event id, got:\n%s", got)
	}
	if !strings.Contains(got, `"ok":true`) {
		t.Errorf("missing message payload, got:\n%s", got)
	}
}

// TestSseWriterStopOnFinalResponse checks that WriteAll stops immediately
// after emitting the Response/ErrorResponse matching the configured id, even
// if more items were queued behind it.
func TestSseWriterStopOnFinalResponse(t *testing.T) {
	id := jsonrpc.Int64ID(7)
	w := NewSseWriter(4, WithStopOnFinalResponse(id))
	ctx := context.Background()

	notif, err := jsonrpc.NewNotification("progress", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.SendMessage(ctx, SseItem{Data: notif, EventType: eventTypeMessage}, nil); err != nil {
		t.Fatal(err)
	}
	resp := mustResponse(t, id, nil)
	if _, err := w.SendMessage(ctx, SseItem{Data: resp, EventType: eventTypeMessage}, nil); err != nil {
		t.Fatal(err)
	}
	// This item is queued after the terminal response and must never be
	// written: WriteAll should already have returned by the time it would
	// be read.
	late, err := jsonrpc.NewNotification("late", nil)
	if err != nil {
		t.Fatal(err)
	}
	go w.SendMessage(ctx, SseItem{Data: late, EventType: eventTypeMessage}, nil)

	var buf bytes.Buffer
	if err := w.WriteAll(ctx, &buf); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if strings.Contains(buf.String(), "late") {
		t.Errorf("WriteAll emitted an item queued after the terminal response:\n%s", buf.String())
	}
	if strings.Count(buf.String(), "event: message\n") != 2 {
		t.Errorf("want exactly 2 message frames (notification + terminal response), got:\n%s", buf.String())
	}
}

// TestSseWriterDropOldest checks the drop-oldest full-queue policy: once the
// queue is at capacity, new sends never block, and the item evicted to make
// room is the oldest one still queued.
func TestSseWriterDropOldest(t *testing.T) {
	w := NewSseWriter(1, WithDropOldest())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			notif, err := jsonrpc.NewNotification("tick", map[string]any{"i": i})
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := w.SendMessage(ctx, SseItem{Data: notif, EventType: eventTypeMessage}, nil); err != nil {
				t.Error(err)
				return
			}
		}
		w.Complete()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drop-oldest SendMessage blocked instead of discarding the oldest queued item")
	}

	var buf bytes.Buffer
	if err := w.WriteAll(ctx, &buf); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	// With capacity 1 and no reader draining concurrently, only the last
	// send is still queued by the time Complete() runs: each earlier one was
	// evicted as the oldest item when the next send found the queue full.
	if strings.Count(buf.String(), "event: message\n") > 1 {
		t.Errorf("capacity-1 drop-oldest writer should retain at most one item, got:\n%s", buf.String())
	}
	if !strings.Contains(buf.String(), `"i":2`) {
		t.Errorf("drop-oldest writer should retain the newest item (i=2), got:\n%s", buf.String())
	}
}

// TestSseWriterDisposeIsIdempotent checks that Dispose can be called more
// than once, and that SendMessage after Dispose reports the item dropped
// rather than panicking on a closed channel.
func TestSseWriterDisposeIsIdempotent(t *testing.T) {
	w := NewSseWriter(1)
	w.Dispose()
	w.Dispose() // must not panic

	ok, err := w.SendMessage(context.Background(), SseItem{EventType: eventTypeMessage}, nil)
	if err != nil {
		t.Fatalf("SendMessage after Dispose: %v", err)
	}
	if ok {
		t.Error("SendMessage after Dispose reported the item enqueued")
	}
}
