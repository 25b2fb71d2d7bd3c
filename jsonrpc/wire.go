// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jsonrpc

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/segmentio/encoding/json"
)

// wireCombined is the superset wire shape used to sniff which of the four
// message kinds a piece of JSON is, before decoding it strictly into its
// concrete type.
type wireCombined struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// wireFieldNames are the only top-level keys wireCombined recognizes,
// keyed by their canonical (lowercase) spelling.
var wireFieldNames = map[string]bool{
	"jsonrpc": true,
	"id":      true,
	"method":  true,
	"params":  true,
	"result":  true,
	"error":   true,
}

// decodeStrictWire decodes a single top-level JSON-RPC object into w with
// case-sensitive field matching. encoding/json matches struct tags
// case-insensitively by default, which would let a smuggled "Method" or
// "ID" field ride along next to a legitimate lowercase one and be silently
// ignored or, depending on map iteration order, silently preferred; this
// rejects both unknown fields and any case-variant spelling of a known one
// before handing data to the decoder. It only inspects the message's
// top-level keys: params and result are opaque payloads for the dispatcher,
// out of this package's scope.
func decodeStrictWire(data []byte, w *wireCombined) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	for key := range raw {
		lower := strings.ToLower(key)
		if !wireFieldNames[lower] {
			return fmt.Errorf("unknown field %q", key)
		}
		if key != lower {
			return fmt.Errorf("field name case mismatch: got %q, want %q", key, lower)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(w); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

// EncodeMessage serializes msg as a single line of JSON-RPC 2.0 wire format.
func EncodeMessage(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      ID              `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
		}{Version, m.ID, m.Method, json.RawMessage(m.Params)})
	case *Notification:
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
		}{Version, m.Method, json.RawMessage(m.Params)})
	case *Response:
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      ID              `json:"id"`
			Result  json.RawMessage `json:"result"`
		}{Version, m.ID, json.RawMessage(m.Result)})
	case *ErrorResponse:
		return json.Marshal(struct {
			JSONRPC string `json:"jsonrpc"`
			ID      ID     `json:"id"`
			Error   *Error `json:"error"`
		}{Version, m.ID, m.Error})
	default:
		return nil, fmt.Errorf("jsonrpc: unknown message type %T", msg)
	}
}

// DecodeMessage parses a single JSON-RPC 2.0 message, validating field names
// strictly (case-sensitive, no unknown fields, no case-variant duplicate
// keys) to reject message-smuggling attempts, and classifying it into one of
// the four concrete Message types by shape: a Method field makes it a
// Request (if ID is present) or Notification (if not); otherwise an Error
// field makes it an ErrorResponse and a Result field makes it a Response.
func DecodeMessage(data []byte) (Message, error) {
	var w wireCombined
	if err := decodeStrictWire(data, &w); err != nil {
		return nil, fmt.Errorf("jsonrpc: %w", err)
	}

	switch {
	case w.Method != "" && w.ID != nil:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case w.Error != nil:
		var id ID
		if w.ID != nil {
			id = *w.ID
		}
		return &ErrorResponse{ID: id, Error: w.Error}, nil
	case w.Result != nil:
		var id ID
		if w.ID != nil {
			id = *w.ID
		}
		return &Response{ID: id, Result: w.Result}, nil
	default:
		return nil, fmt.Errorf("jsonrpc: message is neither a request, notification, response, nor error")
	}
}

// DecodeBody parses a POST body that may be either a single JSON-RPC
// message or a JSON array of messages (a batch).
func DecodeBody(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("jsonrpc: empty body")
	}
	if trimmed[0] != '[' {
		msg, err := DecodeMessage(trimmed)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}

	var rawItems []json.RawMessage
	if err := json.Unmarshal(trimmed, &rawItems); err != nil {
		return nil, fmt.Errorf("jsonrpc: decoding batch: %w", err)
	}
	msgs := make([]Message, 0, len(rawItems))
	for i, raw := range rawItems {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: batch item %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
