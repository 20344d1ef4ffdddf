// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

// maxLen bounds every length prefix read from an artifact.
const maxLen = 1 << 31

var errTooLong = errors.New("length prefix out of range")

// =============================================================================
// Primitive writer / reader
// =============================================================================

// encoder writes varint framed primitives and remembers the first error.
type encoder struct {
	w   *bufio.Writer
	buf [binary.MaxVarintLen64]byte
	err error
}

func (e *encoder) uvarint(x uint64) {
	if e.err != nil {
		return
	}
	n := binary.PutUvarint(e.buf[:], x)
	_, e.err = e.w.Write(e.buf[:n])
}

func (e *encoder) varint(x int64) {
	if e.err != nil {
		return
	}
	n := binary.PutVarint(e.buf[:], x)
	_, e.err = e.w.Write(e.buf[:n])
}

func (e *encoder) integer(x int) { e.varint(int64(x)) }

func (e *encoder) count(n int) { e.uvarint(uint64(n)) }

func (e *encoder) flag(b bool) {
	if b {
		e.uvarint(1)
	} else {
		e.uvarint(0)
	}
}

func (e *encoder) str(s string) {
	e.count(len(s))
	if e.err != nil {
		return
	}
	_, e.err = e.w.WriteString(s)
}

func (e *encoder) float(f float64) {
	e.uvarint(math.Float64bits(f))
}

// Value tags. Zero is reserved for "absent" in flat arrays.
const (
	tagAbsent byte = iota
	tagEmpty
	tagString
	tagNumber
)

func (e *encoder) value(v value.Value) {
	switch v.Kind() {
	case value.KindString:
		s, _ := v.AsString()
		e.uvarint(uint64(tagString))
		e.str(s)
	case value.KindNumber:
		n, _ := v.AsNumber()
		e.uvarint(uint64(tagNumber))
		e.varint(n)
	default:
		e.uvarint(uint64(tagEmpty))
	}
}

// sortedInts writes a sorted tuple as deltas.
func (e *encoder) sortedInts(xs []int) {
	e.count(len(xs))
	prev := 0
	for _, x := range xs {
		e.integer(x - prev)
		prev = x
	}
}

// ints writes an arbitrary tuple.
func (e *encoder) ints(xs []int) {
	e.count(len(xs))
	for _, x := range xs {
		e.integer(x)
	}
}

type decoder struct {
	r   *bufio.Reader
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	x, err := binary.ReadUvarint(d.r)
	if err != nil {
		d.fail(err)
	}
	return x
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	x, err := binary.ReadVarint(d.r)
	if err != nil {
		d.fail(err)
	}
	return x
}

func (d *decoder) integer() int { return int(d.varint()) }

func (d *decoder) count() int {
	n := d.uvarint()
	if n > maxLen {
		d.fail(errTooLong)
		return 0
	}
	return int(n)
}

func (d *decoder) flag() bool { return d.uvarint() != 0 }

func (d *decoder) str() string {
	n := d.count()
	if d.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		d.fail(err)
		return ""
	}
	return string(buf)
}

func (d *decoder) float() float64 {
	return math.Float64frombits(d.uvarint())
}

// value reads a tagged value; the tag is returned so flat arrays can
// distinguish absent entries.
func (d *decoder) value() (value.Value, byte) {
	tag := byte(d.uvarint())
	switch tag {
	case tagAbsent:
		return value.Empty(), tagAbsent
	case tagEmpty:
		return value.Empty(), tagEmpty
	case tagString:
		return value.Str(d.str()), tagString
	case tagNumber:
		return value.Num(d.varint()), tagNumber
	default:
		d.fail(fmt.Errorf("unknown value tag %d", tag))
		return value.Empty(), tag
	}
}

func (d *decoder) sortedInts() []int {
	n := d.count()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]int, 0, min(n, 1<<16))
	prev := 0
	for i := 0; i < n && d.err == nil; i++ {
		prev += d.integer()
		out = append(out, prev)
	}
	return out
}

func (d *decoder) ints() []int {
	n := d.count()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]int, 0, min(n, 1<<16))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.integer())
	}
	return out
}

// =============================================================================
// Per-shape payloads
// =============================================================================

func encodePayload(e *encoder, data feature.Data) error {
	switch d := data.(type) {
	case feature.NodeFeature:
		encodeNodeFeature(e, d)
	case feature.EdgeFeature:
		nodes := d.Nodes()
		e.count(len(nodes))
		prev := 0
		for _, n := range nodes {
			e.integer(n - prev)
			prev = n
			e.sortedInts(d[n])
		}
	case feature.EdgeValueFeature:
		nodes := d.Nodes()
		e.count(len(nodes))
		for _, n := range nodes {
			e.integer(n)
			targets := sortedTargets(d[n])
			e.count(len(targets))
			for _, m := range targets {
				e.integer(m)
				e.value(d[n][m])
			}
		}
	case *feature.Otype:
		encodeOtype(e, d)
	case *feature.Oslots:
		e.integer(d.MaxSlot)
		e.count(len(d.Slots))
		for _, slots := range d.Slots {
			e.sortedInts(slots)
		}
	case feature.IntArray:
		e.ints(d)
	case feature.Tuples:
		encodeTuples(e, d)
	case *feature.Boundary:
		encodeTuples(e, d.First)
		encodeTuples(e, d.Last)
	case feature.Levels:
		e.count(len(d))
		for _, lv := range d {
			e.str(lv.Type)
			e.float(lv.AvgSize)
			e.integer(lv.Min)
			e.integer(lv.Max)
		}
	case *feature.Sections:
		encodeSections(e, d)
	default:
		return fmt.Errorf("no cache schema for %T", data)
	}
	return e.err
}

func decodePayload(d *decoder, shape feature.Shape) (feature.Data, error) {
	var out feature.Data
	switch shape {
	case feature.ShapeNode:
		out = decodeNodeFeature(d)
	case feature.ShapeEdge:
		n := d.count()
		ef := make(feature.EdgeFeature, min(n, 1<<16))
		prev := 0
		for i := 0; i < n && d.err == nil; i++ {
			prev += d.integer()
			ef[prev] = d.sortedInts()
		}
		out = ef
	case feature.ShapeEdgeValues:
		n := d.count()
		ef := make(feature.EdgeValueFeature, min(n, 1<<16))
		for i := 0; i < n && d.err == nil; i++ {
			src := d.integer()
			k := d.count()
			m := make(map[int]value.Value, min(k, 1<<16))
			for j := 0; j < k && d.err == nil; j++ {
				target := d.integer()
				m[target], _ = d.value()
			}
			ef[src] = m
		}
		out = ef
	case feature.ShapeOtype:
		out = decodeOtype(d)
	case feature.ShapeOslots:
		o := &feature.Oslots{MaxSlot: d.integer()}
		n := d.count()
		o.Slots = make([][]int, 0, min(n, 1<<16))
		for i := 0; i < n && d.err == nil; i++ {
			o.Slots = append(o.Slots, d.sortedInts())
		}
		out = o
	case feature.ShapeIntArray:
		out = feature.IntArray(d.ints())
	case feature.ShapeTuples:
		out = decodeTuples(d)
	case feature.ShapeBoundary:
		b := &feature.Boundary{}
		b.First = decodeTuples(d)
		b.Last = decodeTuples(d)
		out = b
	case feature.ShapeLevels:
		n := d.count()
		lv := make(feature.Levels, 0, min(n, 1<<10))
		for i := 0; i < n && d.err == nil; i++ {
			lv = append(lv, feature.Level{Type: d.str(), AvgSize: d.float(), Min: d.integer(), Max: d.integer()})
		}
		out = lv
	case feature.ShapeSections:
		out = decodeSections(d)
	default:
		return nil, fmt.Errorf("unknown shape %d", shape)
	}
	if d.err != nil {
		return nil, d.err
	}
	return out, nil
}

// encodeNodeFeature writes a flat array over [min, max] node id with a
// tag per slot.
func encodeNodeFeature(e *encoder, f feature.NodeFeature) {
	nodes := f.Nodes()
	if len(nodes) == 0 {
		e.integer(0)
		e.count(0)
		return
	}
	first, last := nodes[0], nodes[len(nodes)-1]
	e.integer(first)
	e.count(last - first + 1)
	for n := first; n <= last; n++ {
		v, ok := f[n]
		if !ok {
			e.uvarint(uint64(tagAbsent))
			continue
		}
		e.value(v)
	}
}

func decodeNodeFeature(d *decoder) feature.NodeFeature {
	first := d.integer()
	n := d.count()
	out := make(feature.NodeFeature, min(n, 1<<16))
	for i := 0; i < n && d.err == nil; i++ {
		v, tag := d.value()
		if tag != tagAbsent {
			out[first+i] = v
		}
	}
	return out
}

// encodeOtype dictionary codes the type labels.
func encodeOtype(e *encoder, o *feature.Otype) {
	e.str(o.SlotType)
	e.integer(o.MaxSlot)

	index := make(map[string]int)
	var labels []string
	for _, t := range o.Types {
		if _, ok := index[t]; !ok {
			index[t] = len(labels)
			labels = append(labels, t)
		}
	}
	e.count(len(labels))
	for _, l := range labels {
		e.str(l)
	}
	e.count(len(o.Types))
	for _, t := range o.Types {
		e.count(index[t])
	}
}

func decodeOtype(d *decoder) *feature.Otype {
	o := &feature.Otype{SlotType: d.str(), MaxSlot: d.integer()}
	nl := d.count()
	labels := make([]string, 0, min(nl, 1<<10))
	for i := 0; i < nl && d.err == nil; i++ {
		labels = append(labels, d.str())
	}
	n := d.count()
	o.Types = make([]string, 0, min(n, 1<<16))
	for i := 0; i < n && d.err == nil; i++ {
		idx := d.count()
		if idx >= len(labels) {
			d.fail(fmt.Errorf("otype label index %d out of range", idx))
			break
		}
		o.Types = append(o.Types, labels[idx])
	}
	return o
}

func encodeTuples(e *encoder, t [][]int) {
	e.count(len(t))
	for _, tuple := range t {
		e.ints(tuple)
	}
}

func decodeTuples(d *decoder) feature.Tuples {
	n := d.count()
	out := make(feature.Tuples, 0, min(n, 1<<16))
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.ints())
	}
	return out
}

// encodeSections writes both maps with keys in sorted order so that equal
// indices produce equal bytes.
func encodeSections(e *encoder, s *feature.Sections) {
	tops := sortedIntKeys(s.Sec1)
	e.count(len(tops))
	for _, n0 := range tops {
		e.integer(n0)
		inner := s.Sec1[n0]
		labels := sortedValueKeys(inner)
		e.count(len(labels))
		for _, l := range labels {
			e.value(l)
			e.integer(inner[l])
		}
	}

	tops = sortedIntKeys(s.Sec2)
	e.count(len(tops))
	for _, n0 := range tops {
		e.integer(n0)
		mid := s.Sec2[n0]
		labels := sortedValueKeys(mid)
		e.count(len(labels))
		for _, l1 := range labels {
			e.value(l1)
			inner := mid[l1]
			labels2 := sortedValueKeys(inner)
			e.count(len(labels2))
			for _, l2 := range labels2 {
				e.value(l2)
				e.integer(inner[l2])
			}
		}
	}
}

func decodeSections(d *decoder) *feature.Sections {
	s := &feature.Sections{
		Sec1: make(map[int]map[value.Value]int),
		Sec2: make(map[int]map[value.Value]map[value.Value]int),
	}
	n := d.count()
	for i := 0; i < n && d.err == nil; i++ {
		n0 := d.integer()
		k := d.count()
		inner := make(map[value.Value]int, min(k, 1<<12))
		for j := 0; j < k && d.err == nil; j++ {
			l, _ := d.value()
			inner[l] = d.integer()
		}
		s.Sec1[n0] = inner
	}

	n = d.count()
	for i := 0; i < n && d.err == nil; i++ {
		n0 := d.integer()
		k := d.count()
		mid := make(map[value.Value]map[value.Value]int, min(k, 1<<12))
		for j := 0; j < k && d.err == nil; j++ {
			l1, _ := d.value()
			k2 := d.count()
			inner := make(map[value.Value]int, min(k2, 1<<12))
			for m := 0; m < k2 && d.err == nil; m++ {
				l2, _ := d.value()
				inner[l2] = d.integer()
			}
			mid[l1] = inner
		}
		s.Sec2[n0] = mid
	}
	return s
}

func sortedTargets(m map[int]value.Value) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func sortedIntKeys[V any](m map[int]V) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func sortedValueKeys[V any](m map[value.Value]V) []value.Value {
	out := make([]value.Value, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.SortFunc(out, value.Value.Compare)
	return out
}
