// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodespec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		spec string
		want []int
	}{
		{"7", []int{7}},
		{"1-3", []int{1, 2, 3}},
		{"1-3,7,10-11", []int{1, 2, 3, 7, 10, 11}},
		{"5-3", []int{3, 4, 5}},
		{"3,1,2,2", []int{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Parse(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, spec := range []string{"", "a", "1-", "1,,2", "0", "-4", "1-x"} {
		_, err := Parse(spec)
		assert.ErrorIs(t, err, ErrBadSpec, "spec %q", spec)
	}
}

func TestRangesAndFormat(t *testing.T) {
	assert.Nil(t, Ranges(nil))
	assert.Equal(t, []Range{{1, 3}, {5, 5}, {7, 8}}, Ranges([]int{8, 1, 2, 3, 5, 7, 2}))
	assert.Equal(t, "1-3,5,7-8", FormatSet([]int{1, 2, 3, 5, 7, 8}))
	assert.Equal(t, "", FormatSet(nil))
}

func TestFormat_InvertsParse(t *testing.T) {
	for _, spec := range []string{"1", "1-3", "2,4,6-9", "10-20,22"} {
		nodes, err := Parse(spec)
		require.NoError(t, err)
		assert.Equal(t, spec, FormatSet(nodes))
	}
}

func TestItemize(t *testing.T) {
	assert.Equal(t, []string{"book", "chapter", "verse"}, Itemize("book, chapter ,verse", ","))
	assert.Equal(t, []string{"a", "b"}, Itemize("a,,b,", ","))
	assert.Nil(t, Itemize("  ", ","))
}
