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
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/nodespec"
	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

// Header is the parsed kind marker and metadata of a text file.
type Header struct {
	Kind Kind
	Meta Metadata
}

// ReadOptions controls text decoding.
type ReadOptions struct {
	// Name is the feature name. OtypeName and OslotsName are collapsed
	// into their canonical shapes.
	Name string

	// EdgeValues selects KindEdgeValues for an @edge file even when the
	// file does not declare @edgeValues.
	EdgeValues bool

	// ErrorCutoff is the number of line numbers listed per error group.
	// Default: DefaultErrorCutoff.
	ErrorCutoff int

	// Log receives one Error message per error group. Optional.
	Log logging.Sink
}

// lineReader yields lines without their terminator and counts them.
type lineReader struct {
	br   *bufio.Reader
	line int
}

func (r *lineReader) next() (string, bool, error) {
	text, err := r.br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, err
	}
	if text == "" && errors.Is(err, io.EOF) {
		return "", false, nil
	}
	r.line++
	text = strings.TrimSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\r")
	return text, true, nil
}

// ReadHeader reads only the kind marker and metadata of the file at path.
func ReadHeader(path string, opts ReadOptions) (Header, error) {
	f, err := openSource(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	r := &lineReader{br: bufio.NewReader(f)}
	h, err := readHeader(r, opts.EdgeValues)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// ReadFile reads and decodes the file at path.
//
// Description:
//
//	Parses the header, then every data record. Malformed records are
//	skipped and collected; if any were found the call fails with a
//	*FormatErrors after the full pass. Designated features are collapsed
//	into *Otype or *Oslots.
//
// Outputs:
//
//	Header - The kind and metadata.
//	Data - NodeFeature, EdgeFeature, EdgeValueFeature, *Otype or *Oslots.
//	error - Wraps ErrMissingSource, ErrConfiguration, ErrFormat or ErrIO.
func ReadFile(path string, opts ReadOptions) (Header, Data, error) {
	f, err := openSource(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()
	return decode(f, path, opts)
}

// Decode reads a feature from r. The source name is only used in errors.
func Decode(r io.Reader, source string, opts ReadOptions) (Header, Data, error) {
	return decode(r, source, opts)
}

func openSource(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: feature file %q does not exist", ErrMissingSource, path)
		}
		return nil, fmt.Errorf("%w: open %q: %v", ErrIO, path, err)
	}
	return f, nil
}

func readHeader(r *lineReader, edgeValues bool) (Header, error) {
	first, ok, err := r.next()
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var isEdge bool
	switch strings.TrimRight(first, " \t") {
	case "@edge":
		isEdge = true
	case "@node":
	default:
		if !ok {
			return Header{}, fmt.Errorf("%w: line 1: empty file", ErrConfiguration)
		}
		return Header{}, fmt.Errorf("%w: line 1: missing @node/@edge", ErrConfiguration)
	}

	meta := Metadata{}
	for {
		text, ok, err := r.next()
		if err != nil {
			return Header{}, fmt.Errorf("%w: %v", ErrIO, err)
		}
		if !ok || text == "" {
			break
		}
		if text[0] != '@' {
			return Header{}, fmt.Errorf("%w: line %d: missing blank line after metadata", ErrConfiguration, r.line)
		}
		key, val, _ := strings.Cut(strings.TrimRight(text[1:], " \t"), "=")
		meta[key] = val
	}

	h := Header{Kind: KindNode, Meta: meta}
	if isEdge {
		h.Kind = KindEdge
		if _, declared := meta[MetaEdgeValues]; declared || edgeValues {
			h.Kind = KindEdgeValues
		}
	}
	return h, nil
}

func decode(src io.Reader, path string, opts ReadOptions) (Header, Data, error) {
	r := &lineReader{br: bufio.NewReader(src)}
	h, err := readHeader(r, opts.EdgeValues)
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}

	d := &recordDecoder{
		kind:     h.Kind,
		numeric:  h.Meta.Numeric(),
		implicit: 1,
		errs:     &FormatErrors{Path: path, Cutoff: opts.ErrorCutoff},
	}
	switch h.Kind {
	case KindNode:
		d.nodes = NodeFeature{}
	case KindEdge:
		d.edges = EdgeFeature{}
	case KindEdgeValues:
		d.edgeValues = EdgeValueFeature{}
	}

	for {
		text, ok, err := r.next()
		if err != nil {
			return Header{}, nil, fmt.Errorf("%w: read %q: %v", ErrIO, path, err)
		}
		if !ok {
			break
		}
		d.record(r.line, text)
	}

	if !d.errs.Empty() {
		if opts.Log != nil {
			for _, msg := range d.errs.Messages() {
				opts.Log.Error(msg, "path", path)
			}
		}
		return Header{}, nil, d.errs
	}

	data := d.result()
	switch opts.Name {
	case OtypeName:
		data, err = collapseOtype(data)
	case OslotsName:
		data, err = collapseOslots(data)
	}
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, data, nil
}

// recordDecoder accumulates data records of one file.
type recordDecoder struct {
	kind     Kind
	numeric  bool
	implicit int
	errs     *FormatErrors

	nodes      NodeFeature
	edges      EdgeFeature
	edgeValues EdgeValueFeature
}

func (d *recordDecoder) result() Data {
	switch d.kind {
	case KindEdge:
		for n, targets := range d.edges {
			slices.Sort(targets)
			d.edges[n] = slices.Compact(targets)
		}
		return d.edges
	case KindEdgeValues:
		return d.edgeValues
	default:
		return d.nodes
	}
}

// record decodes one data line. The leading node column may be omitted or
// left empty, in which case the implicit node is used.
func (d *recordDecoder) record(line int, text string) {
	fields := strings.Split(text, "\t")
	if len(fields) > d.kind.MaxFields() {
		d.errs.add(WrongFields, line)
		return
	}

	var (
		sourceSpec, targetSpec, valueTok string
		hasTarget                        bool
	)
	switch d.kind {
	case KindNode:
		if len(fields) == 2 {
			sourceSpec, valueTok = fields[0], fields[1]
		} else {
			valueTok = fields[0]
		}
	case KindEdge:
		hasTarget = true
		if len(fields) == 2 {
			sourceSpec, targetSpec = fields[0], fields[1]
		} else {
			targetSpec = fields[0]
		}
	case KindEdgeValues:
		hasTarget = true
		switch len(fields) {
		case 3:
			sourceSpec, targetSpec, valueTok = fields[0], fields[1], fields[2]
		case 2:
			sourceSpec, targetSpec = fields[0], fields[1]
		default:
			targetSpec = fields[0]
		}
	}

	sources := []int{d.implicit}
	if sourceSpec != "" {
		parsed, err := nodespec.Parse(sourceSpec)
		if err != nil {
			d.errs.add(BadNodeSpec, line)
			return
		}
		sources = parsed
	}

	var targets []int
	if hasTarget {
		if targetSpec == "" {
			d.errs.add(EmptyNode2Spec, line)
			return
		}
		parsed, err := nodespec.Parse(targetSpec)
		if err != nil {
			d.errs.add(BadNodeSpec, line)
			return
		}
		targets = parsed
	}

	var val value.Value
	if d.kind != KindEdge {
		v, err := value.Decode(valueTok, d.numeric)
		if err != nil {
			d.errs.add(BadValue, line)
			return
		}
		val = v
	}

	d.implicit = sources[len(sources)-1] + 1

	switch d.kind {
	case KindNode:
		for _, n := range sources {
			d.nodes[n] = val
		}
	case KindEdge:
		for _, n := range sources {
			d.edges[n] = append(d.edges[n], targets...)
		}
	case KindEdgeValues:
		for _, n := range sources {
			m := d.edgeValues[n]
			if m == nil {
				m = make(map[int]value.Value, len(targets))
				d.edgeValues[n] = m
			}
			for _, t := range targets {
				m[t] = val
			}
		}
	}
}

// collapseOtype turns the otype node feature into *Otype.
// Node ids must be contiguous from 1; slots are the leading run of the
// type of node 1.
func collapseOtype(data Data) (*Otype, error) {
	nf, ok := data.(NodeFeature)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a node feature", ErrConfiguration, OtypeName)
	}
	if len(nf) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrConfiguration, OtypeName)
	}
	nodes := nf.Nodes()
	if nodes[0] != 1 || nodes[len(nodes)-1] != len(nodes) {
		return nil, fmt.Errorf("%w: %s node ids are not contiguous from 1", ErrConfiguration, OtypeName)
	}

	slotType := nf[1].String()
	out := &Otype{SlotType: slotType}
	for _, n := range nodes {
		t := nf[n].String()
		if len(out.Types) == 0 && t == slotType {
			out.MaxSlot = n
			continue
		}
		if t == slotType {
			return nil, fmt.Errorf("%w: slot type %q at non-slot node %d", ErrConfiguration, slotType, n)
		}
		out.Types = append(out.Types, t)
	}
	return out, nil
}

// collapseOslots turns the oslots edge feature into *Oslots.
// Source ids must be contiguous; MaxSlot is one below the smallest.
func collapseOslots(data Data) (*Oslots, error) {
	ef, ok := data.(EdgeFeature)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an edge feature without values", ErrConfiguration, OslotsName)
	}
	if len(ef) == 0 {
		return &Oslots{}, nil
	}
	nodes := ef.Nodes()
	first, last := nodes[0], nodes[len(nodes)-1]
	if last-first+1 != len(nodes) {
		return nil, fmt.Errorf("%w: %s node ids are not contiguous", ErrConfiguration, OslotsName)
	}
	out := &Oslots{MaxSlot: first - 1, Slots: make([][]int, len(nodes))}
	for i, n := range nodes {
		out.Slots[i] = ef[n]
	}
	return out, nil
}
