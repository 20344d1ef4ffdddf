// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphindex

import (
	"fmt"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

// NestingError reports a section node without exactly one ancestor of a
// higher section type.
type NestingError struct {
	Node     int
	Ancestor string
	Found    int
}

func (e *NestingError) Error() string {
	return fmt.Sprintf("%v: node %d has %d ancestors of type %s, want 1",
		feature.ErrNesting, e.Node, e.Found, e.Ancestor)
}

// Unwrap returns feature.ErrNesting.
func (e *NestingError) Unwrap() error {
	return feature.ErrNesting
}

// SectionStats counts what Sections indexed.
type SectionStats struct {
	Level2 int
	Level3 int
}

// Sections builds the three-tier section lookup.
//
// Description:
//
//	Walks the nodes of type types[2] in id order. For each, the unique
//	ancestors of type types[0] and types[1] are taken from up. Then
//
//	  Sec1[n0][label2(n1)] = n1   (the first node with a label wins)
//	  Sec2[n0][label2(n1)][label3(n2)] = n2
//
//	Nodes missing from a label feature are indexed under value.Empty().
//
// Inputs:
//
//	otype - Canonical node types.
//	up - Output of EmbeddingUp.
//	levels - Output of Levels; gives the id range of types[2].
//	types - The section types, coarsest first.
//	label2 - Labels of types[1] nodes.
//	label3 - Labels of types[2] nodes.
//
// Outputs:
//
//	*feature.Sections - The lookup.
//	SectionStats - Number of level-2 and level-3 entries.
//	error - *NestingError if an ancestor is missing or ambiguous,
//	ErrConfiguration if types[2] has no level.
func Sections(
	otype *feature.Otype,
	up feature.Tuples,
	levels feature.Levels,
	types [3]string,
	label2, label3 feature.NodeFeature,
) (*feature.Sections, SectionStats, error) {
	var stats SectionStats
	lv, ok := levels.Find(types[2])
	if !ok {
		return nil, stats, fmt.Errorf("%w: section type %q has no level", feature.ErrConfiguration, types[2])
	}
	if len(up) != otype.MaxNode() {
		return nil, stats, fmt.Errorf("%w: embedding has %d nodes, otype has %d",
			feature.ErrConfiguration, len(up), otype.MaxNode())
	}

	ancestor := func(n int, typ string) (int, error) {
		found, count := 0, 0
		for _, m := range up[n-1] {
			if t, _ := otype.TypeOf(m); t == typ {
				found = m
				count++
			}
		}
		if count != 1 {
			return 0, &NestingError{Node: n, Ancestor: typ, Found: count}
		}
		return found, nil
	}

	s := &feature.Sections{
		Sec1: make(map[int]map[value.Value]int),
		Sec2: make(map[int]map[value.Value]map[value.Value]int),
	}
	for n2 := lv.Min; n2 <= lv.Max; n2++ {
		if t, _ := otype.TypeOf(n2); t != types[2] {
			continue
		}
		n0, err := ancestor(n2, types[0])
		if err != nil {
			return nil, stats, err
		}
		n1, err := ancestor(n2, types[1])
		if err != nil {
			return nil, stats, err
		}
		l1, l2 := label2[n1], label3[n2]

		inner, ok := s.Sec1[n0]
		if !ok {
			inner = make(map[value.Value]int)
			s.Sec1[n0] = inner
		}
		if _, ok := inner[l1]; !ok {
			inner[l1] = n1
			stats.Level2++
		}

		mid, ok := s.Sec2[n0]
		if !ok {
			mid = make(map[value.Value]map[value.Value]int)
			s.Sec2[n0] = mid
		}
		leaf, ok := mid[l1]
		if !ok {
			leaf = make(map[value.Value]int)
			mid[l1] = leaf
		}
		leaf[l2] = n2
		stats.Level3++
	}
	return s, stats, nil
}
