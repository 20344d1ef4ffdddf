// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_String(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"plain", "word", "word"},
		{"empty", "", ""},
		{"tab escape", `a\tb`, "a\tb"},
		{"newline escape", `a\nb`, "a\nb"},
		{"backslash escape", `a\\tb`, `a\tb`},
		{"trailing backslash", `a\`, `a\`},
		{"unknown escape kept", `a\xb`, `a\xb`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Decode(tt.token, false)
			require.NoError(t, err)
			s, ok := v.AsString()
			assert.True(t, ok)
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestDecode_Number(t *testing.T) {
	v, err := Decode("42", true)
	require.NoError(t, err)
	n, ok := v.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	v, err = Decode("", true)
	require.NoError(t, err)
	assert.True(t, v.IsEmpty())

	_, err = Decode("4x2", true)
	assert.ErrorIs(t, err, ErrBadValue)
}

func TestEncode_InvertsDecode(t *testing.T) {
	for _, s := range []string{"", "plain", "tab\there", "line\nbreak", `back\slash`, `\t literal`} {
		got, err := Decode(Encode(Str(s)), false)
		require.NoError(t, err)
		assert.Equal(t, Str(s), got, "round trip of %q", s)
	}
	assert.Equal(t, "-7", Encode(Num(-7)))
	assert.Equal(t, "", Encode(Empty()))
}

func TestValue_Compare(t *testing.T) {
	assert.Negative(t, Empty().Compare(Num(0)))
	assert.Negative(t, Num(100).Compare(Str("")))
	assert.Negative(t, Num(1).Compare(Num(2)))
	assert.Positive(t, Str("b").Compare(Str("a")))
	assert.Zero(t, Str("a").Compare(Str("a")))
}

func TestValue_MapKey(t *testing.T) {
	m := map[Value]int{Str("1"): 1, Num(1): 2, Empty(): 3}
	assert.Len(t, m, 3)
	assert.Equal(t, 2, m[Num(1)])
	assert.Equal(t, 3, m[Value{}])
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "empty", KindEmpty.String())
	assert.Equal(t, "string", Str("x").Kind().String())
	assert.Equal(t, "number", Num(1).Kind().String())
}
