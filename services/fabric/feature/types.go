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
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

// Designated feature names.
const (
	// OtypeName is the node-type feature, collapsed into *Otype on load.
	OtypeName = "otype"

	// OslotsName is the slot-coverage feature, collapsed into *Oslots on load.
	OslotsName = "oslots"

	// OtextName is the text-configuration feature. Only its metadata is read.
	OtextName = "otext"

	// Extension is the file extension of text feature files.
	Extension = ".tf"
)

// =============================================================================
// Kind
// =============================================================================

// Kind is the feature kind declared by a text file header.
type Kind uint8

const (
	// KindNode maps node → value.
	KindNode Kind = iota + 1

	// KindEdge maps node → set(node).
	KindEdge

	// KindEdgeValues maps node → map(node → value).
	KindEdgeValues
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindEdge:
		return "edge"
	case KindEdgeValues:
		return "edge+values"
	default:
		return "unknown"
	}
}

// IsEdge reports whether k is one of the edge kinds.
func (k Kind) IsEdge() bool {
	return k == KindEdge || k == KindEdgeValues
}

// MaxFields is the largest number of tab separated columns a record may have.
func (k Kind) MaxFields() int {
	if k == KindEdgeValues {
		return 3
	}
	return 2
}

// Metadata holds the @key=value header lines. A bare @key maps to "".
type Metadata map[string]string

// Well known metadata keys.
const (
	MetaValueType   = "valueType"
	MetaEdgeValues  = "edgeValues"
	MetaWrittenBy   = "writtenBy"
	MetaDateWritten = "dateWritten"

	MetaSectionTypes    = "sectionTypes"
	MetaSectionFeatures = "sectionFeatures"
)

// Numeric reports whether values are declared as integers.
func (m Metadata) Numeric() bool {
	return m[MetaValueType] == "int"
}

// Clone returns a copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Shapes
// =============================================================================

// Shape tags the in-memory representation of a loaded feature.
// The cache schema is selected by Shape.
type Shape uint8

const (
	ShapeNode Shape = iota + 1
	ShapeEdge
	ShapeEdgeValues
	ShapeOtype
	ShapeOslots
	ShapeIntArray
	ShapeTuples
	ShapeBoundary
	ShapeLevels
	ShapeSections
)

var shapeNames = map[Shape]string{
	ShapeNode:       "node",
	ShapeEdge:       "edge",
	ShapeEdgeValues: "edge+values",
	ShapeOtype:      "otype",
	ShapeOslots:     "oslots",
	ShapeIntArray:   "int-array",
	ShapeTuples:     "tuples",
	ShapeBoundary:   "boundary",
	ShapeLevels:     "levels",
	ShapeSections:   "sections",
}

// String returns the shape name.
func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("shape(%d)", uint8(s))
}

// Data is the in-memory value of a feature. The set of implementations is
// closed; readers treat a loaded Data as immutable.
type Data interface {
	Shape() Shape
	isData()
}

// NodeFeature maps node → value.
type NodeFeature map[int]value.Value

// EdgeFeature maps node → sorted distinct target nodes.
type EdgeFeature map[int][]int

// EdgeValueFeature maps node → target → value.
type EdgeValueFeature map[int]map[int]value.Value

// IntArray is a flat array of node ids or positions.
type IntArray []int

// Tuples is a sequence of node tuples indexed by node offset.
type Tuples [][]int

func (NodeFeature) Shape() Shape      { return ShapeNode }
func (EdgeFeature) Shape() Shape      { return ShapeEdge }
func (EdgeValueFeature) Shape() Shape { return ShapeEdgeValues }
func (*Otype) Shape() Shape           { return ShapeOtype }
func (*Oslots) Shape() Shape          { return ShapeOslots }
func (IntArray) Shape() Shape         { return ShapeIntArray }
func (Tuples) Shape() Shape           { return ShapeTuples }
func (*Boundary) Shape() Shape        { return ShapeBoundary }
func (Levels) Shape() Shape           { return ShapeLevels }
func (*Sections) Shape() Shape        { return ShapeSections }

func (NodeFeature) isData()      {}
func (EdgeFeature) isData()      {}
func (EdgeValueFeature) isData() {}
func (*Otype) isData()           {}
func (*Oslots) isData()          {}
func (IntArray) isData()         {}
func (Tuples) isData()           {}
func (*Boundary) isData()        {}
func (Levels) isData()           {}
func (*Sections) isData()        {}

// Nodes returns the node ids of f in ascending order.
func (f NodeFeature) Nodes() []int {
	return sortedKeys(f)
}

// Nodes returns the source node ids of f in ascending order.
func (f EdgeFeature) Nodes() []int {
	return sortedKeys(f)
}

// Nodes returns the source node ids of f in ascending order.
func (f EdgeValueFeature) Nodes() []int {
	return sortedKeys(f)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// =============================================================================
// Otype / Oslots
// =============================================================================

// Otype is the canonical node-type table.
//
// Slot nodes are [1, MaxSlot] and all carry SlotType. Types[i] is the type
// of non-slot node MaxSlot+1+i.
type Otype struct {
	Types    []string
	SlotType string
	MaxSlot  int
}

// MaxNode returns the largest node id.
func (o *Otype) MaxNode() int {
	return o.MaxSlot + len(o.Types)
}

// TypeOf returns the type of node n.
func (o *Otype) TypeOf(n int) (string, bool) {
	switch {
	case n >= 1 && n <= o.MaxSlot:
		return o.SlotType, true
	case n > o.MaxSlot && n <= o.MaxNode():
		return o.Types[n-o.MaxSlot-1], true
	default:
		return "", false
	}
}

// Info returns the one-line summary logged by index rules.
func (o *Otype) Info() string {
	return fmt.Sprintf("slot=%s:1-%d;node-%d", o.SlotType, o.MaxSlot, o.MaxNode())
}

// NodeFeature expands o back into the general node-feature form.
func (o *Otype) NodeFeature() NodeFeature {
	out := make(NodeFeature, o.MaxNode())
	for n := 1; n <= o.MaxSlot; n++ {
		out[n] = value.Str(o.SlotType)
	}
	for i, t := range o.Types {
		out[o.MaxSlot+1+i] = value.Str(t)
	}
	return out
}

// Oslots is the canonical slot-coverage table.
//
// Slots[i] is the sorted slot set of non-slot node MaxSlot+1+i.
type Oslots struct {
	Slots   [][]int
	MaxSlot int
}

// MaxNode returns the largest node id covered by the table.
func (o *Oslots) MaxNode() int {
	return o.MaxSlot + len(o.Slots)
}

// Get returns the covering slot set of node n. A slot covers itself.
// Nodes outside the table yield nil.
func (o *Oslots) Get(n int) []int {
	switch {
	case n >= 1 && n <= o.MaxSlot:
		return []int{n}
	case n > o.MaxSlot && n <= o.MaxNode():
		return o.Slots[n-o.MaxSlot-1]
	default:
		return nil
	}
}

// EdgeFeature expands o back into the general edge-feature form.
func (o *Oslots) EdgeFeature() EdgeFeature {
	out := make(EdgeFeature, len(o.Slots))
	for i, slots := range o.Slots {
		out[o.MaxSlot+1+i] = slices.Clone(slots)
	}
	return out
}

// =============================================================================
// Index shapes
// =============================================================================

// Level summarizes one node type.
type Level struct {
	Type    string
	AvgSize float64
	Min     int
	Max     int
}

// Levels lists node types from coarsest to finest; the slot type is last.
type Levels []Level

// Ranks maps each type to its position in l.
func (l Levels) Ranks() map[string]int {
	out := make(map[string]int, len(l))
	for i, lv := range l {
		out[lv.Type] = i
	}
	return out
}

// Find returns the level entry for a type.
func (l Levels) Find(typ string) (Level, bool) {
	for _, lv := range l {
		if lv.Type == typ {
			return lv, true
		}
	}
	return Level{}, false
}

// Boundary lists, per slot, the nodes starting and ending there.
// First[s-1] and Last[s-1] belong to slot s.
type Boundary struct {
	First [][]int
	Last  [][]int
}

// Sections is the three-tier section lookup.
//
//	Sec1[level1][level2Label] = level2Node
//	Sec2[level1][level2Label][level3Label] = level3Node
type Sections struct {
	Sec1 map[int]map[value.Value]int
	Sec2 map[int]map[value.Value]map[value.Value]int
}
