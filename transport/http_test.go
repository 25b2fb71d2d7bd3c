// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcpkit/streamable/jsonrpc"
	"github.com/mcpkit/streamable/transport"
	"github.com/mcpkit/streamable/transport/transporttest"
)

func newTestHandler(opts ...transport.StreamableHTTPOption) *transport.StreamableHTTPHandler {
	echo := transporttest.NewEcho(transport.ResumableSinceProtocolVersion, "test-server", "0.0.0")
	store := transport.NewMemoryEventStore()
	newSessionOpts := func(*http.Request) []transport.SessionOption {
		return []transport.SessionOption{transport.WithEventStore(store)}
	}
	return transport.NewStreamableHTTPHandler(echo, newSessionOpts, opts...)
}

func doPost(t *testing.T, srv *httptest.Server, sessionID string, msg any) *http.Response {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(transport.SessionIDHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

// TestHTTPInitializeSingleMessageJSON checks that an initialize POST, which
// produces exactly one outbound message, is answered as a plain
// application/json body rather than an SSE stream — the preferJSON
// optimization (SPEC_FULL.md §9 EXPANSION).
func TestHTTPInitializeSingleMessageJSON(t *testing.T) {
	handler := newTestHandler()
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp := doPost(t, srv, "", wireRequest{JSONRPC: jsonrpc.Version, ID: 1, Method: "initialize"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	sid := resp.Header.Get(transport.SessionIDHeader)
	if sid == "" {
		t.Fatal("missing session id header")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("decoding response body %q: %v", body, err)
	}
	if decoded.Result.ProtocolVersion != transport.ResumableSinceProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", decoded.Result.ProtocolVersion, transport.ResumableSinceProtocolVersion)
	}
}

// TestHTTPNotificationOnlyPostIs202 checks that a POST carrying a bare
// notification gets a 202 with an empty body (§8 scenario S2).
func TestHTTPNotificationOnlyPostIs202(t *testing.T) {
	handler := newTestHandler()
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	initResp := doPost(t, srv, "", wireRequest{JSONRPC: jsonrpc.Version, ID: 1, Method: "initialize"})
	sid := initResp.Header.Get(transport.SessionIDHeader)
	io.Copy(io.Discard, initResp.Body)
	initResp.Body.Close()

	resp := doPost(t, srv, sid, wireNotification{JSONRPC: jsonrpc.Version, Method: "initialized"})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

// TestHTTPAtMostOneGETReturns400 checks that opening a second GET for the
// same session is rejected with a 400 status, which requires the
// PrepareGet/HandleGet split so no header has already committed a 200 (§8
// property 3, scenario S5).
func TestHTTPAtMostOneGETReturns400(t *testing.T) {
	handler := newTestHandler()
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	initResp := doPost(t, srv, "", wireRequest{JSONRPC: jsonrpc.Version, ID: 1, Method: "initialize"})
	sid := initResp.Header.Get(transport.SessionIDHeader)
	io.Copy(io.Discard, initResp.Body)
	initResp.Body.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req1, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req1.Header.Set(transport.SessionIDHeader, sid)
	req1.Header.Set("Accept", "text/event-stream")
	resp1, err := http.DefaultClient.Do(req1)
	if err != nil {
		t.Fatal(err)
	}
	defer resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first GET status = %d, want 200", resp1.StatusCode)
	}

	req2, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req2.Header.Set(transport.SessionIDHeader, sid)
	req2.Header.Set("Accept", "text/event-stream")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("second concurrent GET status = %d, want 400", resp2.StatusCode)
	}
}

// TestHTTPStatelessRefusesGetAndDelete checks that a stateless handler
// rejects GET and DELETE with 405 (§8 invariant 9), ahead of any session
// lookup: the stateless check is a handler-level property, not a
// per-session one, so it must reject even a session id that was never
// assigned.
func TestHTTPStatelessRefusesGetAndDelete(t *testing.T) {
	handler := newTestHandler(transport.WithStatelessHandler())
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(transport.SessionIDHeader, "whatever")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", resp.StatusCode)
	}

	dreq, err := http.NewRequest(http.MethodDelete, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	dreq.Header.Set(transport.SessionIDHeader, "whatever")
	dresp, err := http.DefaultClient.Do(dreq)
	if err != nil {
		t.Fatal(err)
	}
	defer dresp.Body.Close()
	if dresp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d, want 405", dresp.StatusCode)
	}
}

// TestHTTPUnknownSessionIs404 checks that a POST referencing an
// unrecognized session id (with no migration handler configured) is
// rejected with 404.
func TestHTTPUnknownSessionIs404(t *testing.T) {
	handler := newTestHandler()
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp := doPost(t, srv, "does-not-exist", wireRequest{JSONRPC: jsonrpc.Version, ID: 1, Method: "tools/call"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// TestHTTPDeleteTerminatesSession checks that DELETE tears the session down
// and that subsequent requests against the same id are then unknown.
func TestHTTPDeleteTerminatesSession(t *testing.T) {
	handler := newTestHandler()
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	initResp := doPost(t, srv, "", wireRequest{JSONRPC: jsonrpc.Version, ID: 1, Method: "initialize"})
	sid := initResp.Header.Get(transport.SessionIDHeader)
	io.Copy(io.Discard, initResp.Body)
	initResp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(transport.SessionIDHeader, sid)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", resp.StatusCode)
	}

	resp2 := doPost(t, srv, sid, wireNotification{JSONRPC: jsonrpc.Version, Method: "initialized"})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("POST after DELETE status = %d, want 404", resp2.StatusCode)
	}
}

// TestHTTPMigrationHandlerRehydratesSession drives a MigrationHandler
// through the real HTTP surface (§8 invariant 6, "session preservation on
// migration"): a POST against an unrecognized session id is rehydrated
// rather than 404ed, the response echoes the same session id, and the
// rehydrated session's inbox is actually drained — a migrated session with
// no dispatcher goroutine running for it would hang this test until its
// context deadline instead of answering.
func TestHTTPMigrationHandlerRehydratesSession(t *testing.T) {
	const migratedID = "migrate-me"

	echo := transporttest.NewEcho(transport.ResumableSinceProtocolVersion, "test-server", "0.0.0")
	store := transport.NewMemoryEventStore()
	newSessionOpts := func(*http.Request) []transport.SessionOption {
		return []transport.SessionOption{transport.WithEventStore(store)}
	}
	var migrationCalls int
	migration := func(ctx context.Context, sessionID string) (*transport.SessionTransport, bool) {
		migrationCalls++
		if sessionID != migratedID {
			return nil, false
		}
		return transport.NewSessionTransport(0, transport.WithSessionID(sessionID), transport.WithEventStore(store)), true
	}
	handler := transport.NewStreamableHTTPHandler(echo, newSessionOpts, transport.WithMigrationHandler(migration))
	defer handler.Close()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(wireRequest{JSONRPC: jsonrpc.Version, ID: 1, Method: "tools/call"})
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(transport.SessionIDHeader, migratedID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get(transport.SessionIDHeader); got != migratedID {
		t.Errorf("mcp-session-id = %q, want %q (migration must preserve the id)", got, migratedID)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `"id":1`) {
		t.Errorf("body = %q, want a response correlated to request id 1 (proves the migrated session's inbox was drained)", body)
	}
	if migrationCalls != 1 {
		t.Errorf("migration handler called %d times, want 1", migrationCalls)
	}
}
