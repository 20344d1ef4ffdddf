// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feature

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

func decodeString(t *testing.T, text string, opts ReadOptions) (Header, Data, error) {
	t.Helper()
	return Decode(strings.NewReader(text), "test.tf", opts)
}

// =============================================================================
// Header
// =============================================================================

func TestDecode_Header(t *testing.T) {
	h, data, err := decodeString(t, "@node\n@valueType=int\n@description\n\n1\t5\n", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, KindNode, h.Kind)
	assert.Equal(t, Metadata{"valueType": "int", "description": ""}, h.Meta)
	assert.Equal(t, NodeFeature{1: value.Num(5)}, data)
}

func TestDecode_HeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty file", ""},
		{"missing kind", "@nodes\n\n"},
		{"missing blank line", "@node\n@a=b\n1\tx\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := decodeString(t, tt.text, ReadOptions{})
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestDecode_EdgeValuesDeclared(t *testing.T) {
	h, data, err := decodeString(t, "@edge\n@edgeValues\n\n1\t2-3\tx\n", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, KindEdgeValues, h.Kind)
	assert.Equal(t, EdgeValueFeature{1: {2: value.Str("x"), 3: value.Str("x")}}, data)
}

// =============================================================================
// Records
// =============================================================================

func TestDecode_ImplicitNodes(t *testing.T) {
	text := "@node\n\n" +
		"a\n" + // 1
		"b\n" + // 2
		"5-6\tc\n" + // 5,6
		"d\n" + // 7
		"\te\n" // empty node column is implicit: 8
	_, data, err := decodeString(t, text, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, NodeFeature{
		1: value.Str("a"),
		2: value.Str("b"),
		5: value.Str("c"),
		6: value.Str("c"),
		7: value.Str("d"),
		8: value.Str("e"),
	}, data)
}

func TestDecode_EdgeCartesianProduct(t *testing.T) {
	_, data, err := decodeString(t, "@edge\n\n1-2\t5,7\n9\n", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, EdgeFeature{1: {5, 7}, 2: {5, 7}, 3: {9}}, data)
}

func TestDecode_EdgeValuesFlag(t *testing.T) {
	_, data, err := decodeString(t, "@edge\n\n4\t1\tx\n4\t2\n3\n", ReadOptions{EdgeValues: true})
	require.NoError(t, err)
	assert.Equal(t, EdgeValueFeature{
		4: {1: value.Str("x"), 2: value.Str("")},
		5: {3: value.Str("")},
	}, data)
}

func TestDecode_ErrorKinds(t *testing.T) {
	text := "@edge\n\n" +
		"1\t\n" + // line 3: emptyNode2Spec
		"x\t2\n" + // line 4: badNodeSpec
		"1\t2\t3\n" + // line 5: wrongFields
		"2\t3\n" // line 6: ok
	rec := logging.NewRecorder()
	_, _, err := decodeString(t, text, ReadOptions{Log: rec})
	require.ErrorIs(t, err, ErrFormat)

	var fe *FormatErrors
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe.Groups, 3)
	assert.Equal(t, FormatGroup{Kind: EmptyNode2Spec, Lines: []int{3}}, fe.Groups[0])
	assert.Equal(t, FormatGroup{Kind: BadNodeSpec, Lines: []int{4}}, fe.Groups[1])
	assert.Equal(t, FormatGroup{Kind: WrongFields, Lines: []int{5}}, fe.Groups[2])
	assert.Len(t, rec.Errors(), 3)
}

func TestDecode_BadValue(t *testing.T) {
	_, _, err := decodeString(t, "@node\n@valueType=int\n\n1\tx\n", ReadOptions{})
	var fe *FormatErrors
	require.ErrorAs(t, err, &fe)
	g, ok := fe.Group(BadValue)
	require.True(t, ok)
	assert.Equal(t, []int{4}, g.Lines)
}

func TestDecode_ErrorBatching(t *testing.T) {
	var b strings.Builder
	b.WriteString("@node\n\n")
	for i := 1; i <= 25; i++ {
		b.WriteString("1\tvalue\textra\n")
	}

	rec := logging.NewRecorder()
	_, _, err := decodeString(t, b.String(), ReadOptions{Log: rec})

	var fe *FormatErrors
	require.ErrorAs(t, err, &fe)
	require.Len(t, fe.Groups, 1)
	assert.Equal(t, WrongFields, fe.Groups[0].Kind)
	assert.Len(t, fe.Groups[0].Lines, 25)

	msgs := fe.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "wrongFields in lines 3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20,21,22", msgs[0])
	assert.Equal(t, "and 5 more cases", msgs[1])
	assert.True(t, rec.Contains("and 5 more cases"))
}

// =============================================================================
// Canonical forms
// =============================================================================

func TestDecode_Otype(t *testing.T) {
	text := "@node\n\n1-4\tword\nphrase\nsentence\n"
	_, data, err := decodeString(t, text, ReadOptions{Name: OtypeName})
	require.NoError(t, err)

	otype, ok := data.(*Otype)
	require.True(t, ok)
	assert.Equal(t, &Otype{Types: []string{"phrase", "sentence"}, SlotType: "word", MaxSlot: 4}, otype)
	assert.Equal(t, 6, otype.MaxNode())
	for n := 1; n <= otype.MaxSlot; n++ {
		typ, ok := otype.TypeOf(n)
		assert.True(t, ok)
		assert.Equal(t, "word", typ)
	}
	typ, _ := otype.TypeOf(6)
	assert.Equal(t, "sentence", typ)
	_, ok = otype.TypeOf(7)
	assert.False(t, ok)
	assert.Equal(t, "slot=word:1-4;node-6", otype.Info())
}

func TestDecode_OtypeNotContiguous(t *testing.T) {
	_, _, err := decodeString(t, "@node\n\n1-2\tword\n4\tphrase\n", ReadOptions{Name: OtypeName})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDecode_Oslots(t *testing.T) {
	_, data, err := decodeString(t, "@edge\n\n5\t2-3\n1-4\n", ReadOptions{Name: OslotsName})
	require.NoError(t, err)
	oslots, ok := data.(*Oslots)
	require.True(t, ok)
	assert.Equal(t, &Oslots{Slots: [][]int{{2, 3}, {1, 2, 3, 4}}, MaxSlot: 4}, oslots)
	assert.Equal(t, []int{3}, oslots.Get(3))
	assert.Equal(t, []int{2, 3}, oslots.Get(5))
	assert.Nil(t, oslots.Get(7))
}

func TestDecode_OslotsNotContiguous(t *testing.T) {
	_, _, err := decodeString(t, "@edge\n\n5\t1\n7\t2\n", ReadOptions{Name: OslotsName})
	assert.ErrorIs(t, err, ErrConfiguration)
}

// =============================================================================
// Writer
// =============================================================================

var fixedNow = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestEncode_RangeModeRoundTrip(t *testing.T) {
	in := NodeFeature{1: value.Str("a"), 2: value.Str("a"), 3: value.Str("b")}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Header{Kind: KindNode}, in, WriteOptions{Ranges: true, Now: fixedNow}))
	assert.Equal(t,
		"@node\n@writtenBy=Aleutian Fabric\n@dateWritten=2025-03-01T12:00:00Z\n\n1-2\ta\nb\n",
		buf.String())

	_, out, err := Decode(&buf, "roundtrip.tf", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncode_DefaultModeOmitsImplicitNodes(t *testing.T) {
	in := NodeFeature{1: value.Str("a"), 2: value.Str("tab\there"), 7: value.Str("c")}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Header{Kind: KindNode, Meta: Metadata{"description": "test"}}, in, WriteOptions{Now: fixedNow}))
	body := strings.SplitN(buf.String(), "\n\n", 2)[1]
	assert.Equal(t, "a\ntab\\there\n7\tc\n", body)
	assert.Contains(t, buf.String(), "@description=test\n")

	_, out, err := Decode(&buf, "default.tf", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEncode_EdgeRoundTrip(t *testing.T) {
	edges := EdgeFeature{1: {2, 3, 4}, 2: {9}, 5: {1, 3}}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Header{Kind: KindEdge}, edges, WriteOptions{Now: fixedNow}))
	_, out, err := Decode(&buf, "edges.tf", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, edges, out)

	withValues := EdgeValueFeature{
		1: {2: value.Num(1), 3: value.Num(1), 4: value.Num(2)},
		3: {1: value.Num(7)},
	}
	buf.Reset()
	require.NoError(t, Encode(&buf, Header{Kind: KindEdgeValues, Meta: Metadata{MetaValueType: "int"}}, withValues, WriteOptions{Now: fixedNow}))
	h, out, err := Decode(&buf, "edgevalues.tf", ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, KindEdgeValues, h.Kind)
	assert.Equal(t, withValues, out)
}

func TestEncode_CanonicalShapesExpand(t *testing.T) {
	otype := &Otype{Types: []string{"phrase"}, SlotType: "word", MaxSlot: 3}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Header{}, otype, WriteOptions{Ranges: true, Now: fixedNow}))
	_, out, err := Decode(&buf, "otype.tf", ReadOptions{Name: OtypeName})
	require.NoError(t, err)
	assert.Equal(t, otype, out)

	oslots := &Oslots{Slots: [][]int{{1, 2}}, MaxSlot: 3}
	buf.Reset()
	require.NoError(t, Encode(&buf, Header{}, oslots, WriteOptions{Now: fixedNow}))
	_, out, err = Decode(&buf, "oslots.tf", ReadOptions{Name: OslotsName})
	require.NoError(t, err)
	assert.Equal(t, oslots, out)
}

func TestEncode_NoTextForm(t *testing.T) {
	err := Encode(&bytes.Buffer{}, Header{}, IntArray{1, 2}, WriteOptions{})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestWriteFile_RefusesSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gloss.tf")
	require.NoError(t, os.WriteFile(path, []byte("@node\n\nx\n"), 0o644))

	h, data, err := ReadFile(path, ReadOptions{})
	require.NoError(t, err)

	err = WriteFile(path, path, h, data, WriteOptions{})
	assert.ErrorIs(t, err, ErrIO)

	other := filepath.Join(dir, "gloss2.tf")
	require.NoError(t, WriteFile(other, path, h, data, WriteOptions{}))
	_, again, err := ReadFile(other, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestReadFile_Missing(t *testing.T) {
	_, _, err := ReadFile(filepath.Join(t.TempDir(), "nope.tf"), ReadOptions{})
	assert.ErrorIs(t, err, ErrMissingSource)

	_, err = ReadHeader(filepath.Join(t.TempDir(), "nope.tf"), ReadOptions{})
	assert.ErrorIs(t, err, ErrMissingSource)
}

func TestShape_String(t *testing.T) {
	assert.Equal(t, "otype", ShapeOtype.String())
	assert.Equal(t, "shape(99)", Shape(99).String())
	assert.Equal(t, ShapeSections, (&Sections{}).Shape())
}

func TestLevels_Ranks(t *testing.T) {
	l := Levels{{Type: "sentence"}, {Type: "phrase"}, {Type: "word"}}
	assert.Equal(t, map[string]int{"sentence": 0, "phrase": 1, "word": 2}, l.Ranks())
	_, ok := l.Find("clause")
	assert.False(t, ok)
}
