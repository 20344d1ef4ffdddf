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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianFabric/services/fabric/nodespec"
	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

// DefaultWrittenBy is stamped into the @writtenBy header line.
const DefaultWrittenBy = "Aleutian Fabric"

// WriteOptions controls text encoding.
type WriteOptions struct {
	// Ranges coalesces equal-valued nodes of a node feature into one
	// record per value.
	Ranges bool

	// WrittenBy overrides DefaultWrittenBy.
	WrittenBy string

	// Now supplies the @dateWritten timestamp. Default: time.Now.
	Now func() time.Time
}

// WriteFile encodes data into a new text file at path.
//
// It refuses to overwrite loadedFrom, the file the feature was read from,
// when that file exists.
func WriteFile(path, loadedFrom string, h Header, data Data, opts WriteOptions) error {
	if loadedFrom != "" && filepath.Clean(path) == filepath.Clean(loadedFrom) {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: feature file %q already exists, not overwriting its source", ErrIO, path)
		}
	}

	switch data.(type) {
	case NodeFeature, EdgeFeature, EdgeValueFeature, *Otype, *Oslots:
	case nil:
		return fmt.Errorf("%w: no data to write", ErrConfiguration)
	default:
		return fmt.Errorf("%w: shape %s has no text form", ErrConfiguration, data.Shape())
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: cannot write feature file %q: %v", ErrIO, path, err)
	}
	if err := Encode(f, h, data, opts); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %q: %v", ErrIO, path, err)
	}
	return nil
}

// Encode writes the text form of data to w.
//
// Description:
//
//	Writes the kind marker, the sorted metadata, @writtenBy and
//	@dateWritten, a blank line, then the records. *Otype and *Oslots are
//	expanded to their general kinds first. The node column is omitted
//	whenever it equals the implicit node, except for edge features with
//	values, which always carry it.
//
// Outputs:
//
//	error - Wraps ErrConfiguration for shapes without a text form, or ErrIO.
func Encode(w io.Writer, h Header, data Data, opts WriteOptions) error {
	switch d := data.(type) {
	case *Otype:
		data = d.NodeFeature()
	case *Oslots:
		data = d.EdgeFeature()
	}

	kind := h.Kind
	switch data.(type) {
	case NodeFeature:
		kind = KindNode
	case EdgeFeature:
		kind = KindEdge
	case EdgeValueFeature:
		kind = KindEdgeValues
	default:
		return fmt.Errorf("%w: shape %s has no text form", ErrConfiguration, data.Shape())
	}

	bw := bufio.NewWriter(w)
	writeHeader(bw, kind, h.Meta, opts)

	switch d := data.(type) {
	case NodeFeature:
		if opts.Ranges {
			writeNodeRanges(bw, d)
		} else {
			writeNodes(bw, d)
		}
	case EdgeFeature:
		writeEdges(bw, d)
	case EdgeValueFeature:
		writeEdgeValues(bw, d)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: write feature: %v", ErrIO, err)
	}
	return nil
}

func writeHeader(bw *bufio.Writer, kind Kind, meta Metadata, opts WriteOptions) {
	if kind.IsEdge() {
		bw.WriteString("@edge\n")
	} else {
		bw.WriteString("@node\n")
	}

	meta = meta.Clone()
	delete(meta, MetaWrittenBy)
	delete(meta, MetaDateWritten)
	if kind == KindEdgeValues {
		meta[MetaEdgeValues] = ""
	}
	for _, k := range meta.Keys() {
		if v := meta[k]; v != "" {
			fmt.Fprintf(bw, "@%s=%s\n", k, v)
		} else {
			fmt.Fprintf(bw, "@%s\n", k)
		}
	}

	writtenBy := opts.WrittenBy
	if writtenBy == "" {
		writtenBy = DefaultWrittenBy
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	fmt.Fprintf(bw, "@%s=%s\n", MetaWrittenBy, writtenBy)
	fmt.Fprintf(bw, "@%s=%s\n", MetaDateWritten, now().UTC().Format(time.RFC3339))
	bw.WriteString("\n")
}

// writeRecord writes the optional node column followed by the rest.
func writeRecord(bw *bufio.Writer, nodeSpec string, rest ...string) {
	if nodeSpec != "" {
		bw.WriteString(nodeSpec)
		bw.WriteByte('\t')
	}
	for i, field := range rest {
		if i > 0 {
			bw.WriteByte('\t')
		}
		bw.WriteString(field)
	}
	bw.WriteByte('\n')
}

func writeNodes(bw *bufio.Writer, f NodeFeature) {
	implicit := 1
	for _, n := range f.Nodes() {
		spec := ""
		if n != implicit {
			spec = strconv.Itoa(n)
		}
		implicit = n + 1
		writeRecord(bw, spec, value.Encode(f[n]))
	}
}

func writeNodeRanges(bw *bufio.Writer, f NodeFeature) {
	groups := make(map[value.Value][]int)
	for _, n := range f.Nodes() {
		groups[f[n]] = append(groups[f[n]], n)
	}
	type group struct {
		val   value.Value
		nodes []int
	}
	ordered := make([]group, 0, len(groups))
	for v, nodes := range groups {
		ordered = append(ordered, group{val: v, nodes: nodes})
	}
	slices.SortFunc(ordered, func(a, b group) int {
		if c := a.nodes[0] - b.nodes[0]; c != 0 {
			return c
		}
		return a.nodes[len(a.nodes)-1] - b.nodes[len(b.nodes)-1]
	})

	implicit := 1
	for _, g := range ordered {
		spec := ""
		if len(g.nodes) != 1 || g.nodes[0] != implicit {
			spec = nodespec.FormatSet(g.nodes)
		}
		implicit = g.nodes[len(g.nodes)-1] + 1
		writeRecord(bw, spec, value.Encode(g.val))
	}
}

func writeEdges(bw *bufio.Writer, f EdgeFeature) {
	implicit := 1
	for _, n := range f.Nodes() {
		if len(f[n]) == 0 {
			continue
		}
		spec := ""
		if n != implicit {
			spec = strconv.Itoa(n)
		}
		implicit = n + 1
		writeRecord(bw, spec, nodespec.FormatSet(f[n]))
	}
}

func writeEdgeValues(bw *bufio.Writer, f EdgeValueFeature) {
	for _, n := range f.Nodes() {
		byValue := make(map[value.Value][]int)
		for m, v := range f[n] {
			byValue[v] = append(byValue[v], m)
		}
		vals := make([]value.Value, 0, len(byValue))
		for v := range byValue {
			vals = append(vals, v)
		}
		slices.SortFunc(vals, value.Value.Compare)
		for _, v := range vals {
			writeRecord(bw, strconv.Itoa(n), nodespec.FormatSet(byValue[v]), value.Encode(v))
		}
	}
}
