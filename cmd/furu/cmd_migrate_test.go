// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSetFlags(t *testing.T) {
	t.Run("typed values parse as JSON", func(t *testing.T) {
		got, err := parseSetFlags([]string{
			"shards=4",
			"enabled=true",
			"name=plain text",
			`tags=["a","b"]`,
		})
		require.NoError(t, err)
		require.Equal(t, map[string]any{
			"shards":  float64(4),
			"enabled": true,
			"name":    "plain text",
			"tags":    []any{"a", "b"},
		}, got)
	})

	t.Run("empty input is nil", func(t *testing.T) {
		got, err := parseSetFlags(nil)
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("missing equals is rejected", func(t *testing.T) {
		_, err := parseSetFlags([]string{"no-value"})
		require.Error(t, err)
	})

	t.Run("empty key is rejected", func(t *testing.T) {
		_, err := parseSetFlags([]string{"=5"})
		require.Error(t, err)
	})
}
