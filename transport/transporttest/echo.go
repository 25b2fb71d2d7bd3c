// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transporttest provides a minimal Dispatcher used by transport's
// own tests and by example programs. It is not a JSON-RPC method dispatcher
// (that layer is out of this module's scope); it only knows how to answer
// "initialize" with a canned result and echo everything else back.
package transporttest

import (
	"context"
	"encoding/json"

	"github.com/mcpkit/streamable/jsonrpc"
	"github.com/mcpkit/streamable/transport"
)

// ServerInfo is the canned serverInfo object Echo replies with for
// "initialize" requests.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Echo is a Dispatcher stand-in: it replies to "initialize" with a fixed
// protocol version and server info, and to every other request by echoing
// its params back as the result. Notifications are acknowledged with a
// matching notification back on the same Connection, so tests have
// something observable for the notification-only-POST path too.
type Echo struct {
	ProtocolVersion string
	Info            ServerInfo
}

// NewEcho returns an Echo configured with the given protocol version and
// server name/version.
func NewEcho(protocolVersion, name, version string) *Echo {
	return &Echo{
		ProtocolVersion: protocolVersion,
		Info:            ServerInfo{Name: name, Version: version},
	}
}

// Dispatch implements transport.Dispatcher.
func (e *Echo) Dispatch(ctx context.Context, conn transport.Connection, msg any) {
	switch m := msg.(type) {
	case *jsonrpc.Request:
		e.handleRequest(ctx, conn, m)
	case *jsonrpc.Notification:
		// Nothing expects a reply; acknowledge via a matching notification so
		// tests observing the standalone channel have something to see.
		ack, err := jsonrpc.NewNotification("notifications/echoed", json.RawMessage(m.Params))
		if err != nil {
			return
		}
		_, _ = conn.SendMessage(ctx, ack)
	}
}

func (e *Echo) handleRequest(ctx context.Context, conn transport.Connection, req *jsonrpc.Request) {
	if req.Method == "initialize" {
		result := map[string]any{
			"protocolVersion": e.ProtocolVersion,
			"capabilities":    map[string]any{},
			"serverInfo":      e.Info,
		}
		resp, err := jsonrpc.NewResponse(req.ID, result)
		if err != nil {
			return
		}
		_, _ = conn.SendMessage(ctx, resp)
		return
	}

	resp, err := jsonrpc.NewResponse(req.ID, json.RawMessage(req.Params))
	if err != nil {
		errResp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError(err))
		_, _ = conn.SendMessage(ctx, errResp)
		return
	}
	_, _ = conn.SendMessage(ctx, resp)
}
