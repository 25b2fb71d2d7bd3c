// Copyright 2025 The Streamable MCP Transport Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"errors"
	"net/http"
	"testing"
)

func TestEffectiveMaxBodyBytes(t *testing.T) {
	tests := []struct {
		configured int64
		want       int64
	}{
		{0, DefaultMaxBodyBytes},
		{-1, 0},
		{-1000, 0},
		{1, 1},
		{42, 42},
	}
	for _, test := range tests {
		if got := effectiveMaxBodyBytes(test.configured); got != test.want {
			t.Errorf("effectiveMaxBodyBytes(%d) = %d, want %d", test.configured, got, test.want)
		}
	}
}

func TestIsMaxBytesError(t *testing.T) {
	var mbe *http.MaxBytesError
	if !isMaxBytesError(mbe) {
		t.Error("isMaxBytesError(*http.MaxBytesError) = false, want true")
	}
	if isMaxBytesError(errors.New("some other error")) {
		t.Error("isMaxBytesError(plain error) = true, want false")
	}
	if isMaxBytesError(nil) {
		t.Error("isMaxBytesError(nil) = true, want false")
	}
}
