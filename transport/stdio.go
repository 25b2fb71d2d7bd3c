// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mcpkit/streamable/jsonrpc"
)

// StreamServerTransport (C7) is a line-delimited JSON duplex over a raw
// byte input/output pair, for non-HTTP hosts. It has no sessions and no
// SSE; every line on r is one JSON-RPC message in, and SendMessage writes
// one JSON-RPC message followed by '\n' to w.
type StreamServerTransport struct {
	r io.Reader
	w io.WriteCloser

	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamServerTransport wraps r and w. Closing the transport closes both.
func NewStreamServerTransport(r io.Reader, w io.WriteCloser) *StreamServerTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamServerTransport{r: r, w: w, ctx: ctx, cancel: cancel}
}

// SendMessage implements Connection: it serializes msg as UTF-8 JSON
// followed by '\n' and flushes. A mutex serializes concurrent writers.
func (t *StreamServerTransport) SendMessage(ctx context.Context, msg any) (bool, error) {
	message, ok := msg.(jsonrpc.Message)
	if !ok {
		return false, fmt.Errorf("transport: StreamServerTransport.SendMessage: unsupported message type %T", msg)
	}
	data, err := jsonrpc.EncodeMessage(message)
	if err != nil {
		return false, err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return false, err
	}
	if _, err := t.w.Write([]byte{'\n'}); err != nil {
		return false, err
	}
	if f, ok := t.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Run reads lines from the input until EOF, cancellation, or disposal,
// decoding each as a JSON-RPC message and invoking handle with it. Blank
// (whitespace-only) lines are ignored, and a trailing '\r' is stripped
// before parsing, tolerating CRLF input. Run returns when the read loop
// ends; it does not itself dispose the transport.
func (t *StreamServerTransport) Run(ctx context.Context, handle func(ctx context.Context, msg jsonrpc.Message)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := trimCR(scanner.Bytes())
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(line)
		if err != nil {
			continue // malformed line; skip rather than tear down the duplex
		}
		handle(ctx, msg)
	}
	return scanner.Err()
}

// Dispose cancels the read loop and closes the output, and the input too
// when it implements io.Closer.
func (t *StreamServerTransport) Dispose() error {
	t.cancel()
	err := t.w.Close()
	if c, ok := t.r.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

