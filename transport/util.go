// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"strings"

	"github.com/google/uuid"
)

// newSessionID returns a fresh session identifier: a v4 UUID with its
// dashes stripped, which is visible-ASCII by construction (satisfying the
// 0x21-0x7E requirement trivially) and safe to carry in an HTTP header.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
