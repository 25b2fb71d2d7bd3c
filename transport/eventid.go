// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// GetStreamID is the reserved streamId for a session's standalone GET SSE
// stream. Any other streamId is an opaque identifier tied to one POST.
const GetStreamID = "__get__"

// FormatEventID encodes (sessionID, streamID, sequence) into an opaque event
// ID string that is bijective with TryParseEventID and safe across the full
// visible-ASCII range, since sessionID and streamID are base64-encoded
// (sessionID may itself contain ':').
func FormatEventID(sessionID, streamID string, sequence int64) string {
	var b strings.Builder
	b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(sessionID)))
	b.WriteByte(':')
	b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(streamID)))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(sequence, 10))
	return b.String()
}

// TryParseEventID decodes an event ID produced by FormatEventID. It returns
// ok == false, without panicking, for any string that isn't of that shape:
// wrong separator count, invalid base64, or a non-numeric sequence.
func TryParseEventID(eventID string) (sessionID, streamID string, sequence int64, ok bool) {
	parts := strings.SplitN(eventID, ":", 3)
	if len(parts) != 3 {
		return "", "", 0, false
	}
	sidBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", 0, false
	}
	stidBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", 0, false
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return string(sidBytes), string(stidBytes), seq, true
}
