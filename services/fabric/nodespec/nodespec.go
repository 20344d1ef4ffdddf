// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodespec parses and formats node range specifications.
//
// A spec is a comma separated list of node ids and inclusive ranges:
//
//	1-3,7,10-12
//
// Node ids are positive integers. A reversed range ("5-3") is accepted and
// normalized.
package nodespec

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrBadSpec is returned for a spec that cannot be parsed.
var ErrBadSpec = errors.New("bad node spec")

// Range is an inclusive interval of node ids.
type Range struct {
	First int
	Last  int
}

// Parse expands spec into a sorted set of distinct node ids.
func Parse(spec string) ([]int, error) {
	if spec == "" {
		return nil, fmt.Errorf("%w: empty", ErrBadSpec)
	}
	var nodes []int
	for _, part := range strings.Split(spec, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := parseID(lo)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadSpec, spec, err)
		}
		last := first
		if isRange {
			if last, err = parseID(hi); err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrBadSpec, spec, err)
			}
		}
		if last < first {
			first, last = last, first
		}
		for n := first; n <= last; n++ {
			nodes = append(nodes, n)
		}
	}
	slices.Sort(nodes)
	return slices.Compact(nodes), nil
}

func parseID(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("node id %d out of range", n)
	}
	return n, nil
}

// Ranges collapses a set of node ids into maximal runs.
// The input need not be sorted; duplicates are ignored.
func Ranges(nodes []int) []Range {
	if len(nodes) == 0 {
		return nil
	}
	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := []Range{{First: sorted[0], Last: sorted[0]}}
	for _, n := range sorted[1:] {
		cur := &out[len(out)-1]
		if n == cur.Last+1 {
			cur.Last = n
			continue
		}
		out = append(out, Range{First: n, Last: n})
	}
	return out
}

// Format serializes ranges. It is the inverse of Parse for sorted,
// non-overlapping input.
func Format(ranges []Range) string {
	var b strings.Builder
	for i, r := range ranges {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(r.First))
		if r.Last != r.First {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(r.Last))
		}
	}
	return b.String()
}

// FormatSet is Format(Ranges(nodes)).
func FormatSet(nodes []int) string {
	return Format(Ranges(nodes))
}

// Itemize splits a delimited list, trimming blanks and dropping empty items.
func Itemize(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(s, sep) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
