// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command streamable-demo runs the streamable HTTP transport with a minimal
// echo dispatcher, for manual exercising of the protocol surface (initialize,
// notifications, GET resumption) without a full MCP method layer.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/mcpkit/streamable/transport"
	"github.com/mcpkit/streamable/transport/transporttest"
)

func main() {
	var (
		addr      = flag.String("addr", "localhost:8080", "address to listen on")
		path      = flag.String("path", "/mcp", "path to serve the streamable transport on")
		stateless = flag.Bool("stateless", false, "run in stateless mode (no sessions, no GET/DELETE)")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Serves the streamable MCP transport with a canned echo dispatcher.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	echo := transporttest.NewEcho(transport.ResumableSinceProtocolVersion, "streamable-demo", "0.1.0")
	store := transport.NewMemoryEventStore()

	var opts []transport.StreamableHTTPOption
	if *stateless {
		opts = append(opts, transport.WithStatelessHandler())
	}

	newSessionOpts := func(*http.Request) []transport.SessionOption {
		return []transport.SessionOption{
			transport.WithEventStore(store),
			negotiateOnInitialize(),
		}
	}

	handler := transport.NewStreamableHTTPHandler(echo, newSessionOpts, opts...)
	defer handler.Close()

	mux := http.NewServeMux()
	mux.Handle(*path, handler)

	log.Printf("streamable-demo listening on http://%s%s (stateless=%v)", *addr, *path, *stateless)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// negotiateOnInitialize decodes just enough of an "initialize" request's
// params to record the negotiated protocol version. The full MCP
// initialize handshake (capabilities negotiation, client info) belongs to
// the method-dispatch layer this demo stands in for.
func negotiateOnInitialize() transport.SessionOption {
	return func(s *transport.SessionTransport) {
		onInit := func(params any) {
			var decoded struct {
				ProtocolVersion string `json:"protocolVersion"`
			}
			if raw, ok := params.(json.RawMessage); ok {
				_ = json.Unmarshal(raw, &decoded)
			}
			s.NegotiateProtocolVersion(decoded.ProtocolVersion)
		}
		transport.WithOnInitialize(onInit)(s)
	}
}
