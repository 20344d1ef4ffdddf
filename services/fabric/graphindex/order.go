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
	"slices"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

// compareCover orders two sorted slot sets.
//
// A superset comes first. Otherwise the set whose smallest slot not shared
// with the other is smaller comes first. Equal sets compare as 0.
func compareCover(a, b []int) int {
	var (
		i, j         int
		aOnly, bOnly bool
		first        int
	)
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case a[i] < b[j]:
			aOnly = true
			if first == 0 {
				first = -1
			}
			i++
		default:
			bOnly = true
			if first == 0 {
				first = 1
			}
			j++
		}
	}
	if i < len(a) {
		aOnly = true
		if first == 0 {
			first = -1
		}
	}
	if j < len(b) {
		bOnly = true
		if first == 0 {
			first = 1
		}
	}

	switch {
	case !aOnly && !bOnly:
		return 0
	case !bOnly:
		return -1
	case !aOnly:
		return 1
	}
	return first
}

// CanonicalOrder sorts every node of the corpus.
//
// Description:
//
//	Nodes are compared by their covering slot sets (a slot covers itself):
//
//	  1. Equal sets: the coarser type (lower level index) first, then the
//	     lower node id.
//	  2. One set contains the other: the container first.
//	  3. Otherwise: the node with the smaller unshared slot first.
//
//	The sort is stable. Corpus well-formedness is assumed; the comparator
//	is not checked for consistency.
//
// Inputs:
//
//	otype - Canonical node types.
//	oslots - Canonical slot coverage.
//	levels - Output of Levels.
//
// Outputs:
//
//	feature.IntArray - order[p] is the node at position p.
//	error - ErrConfiguration if a type has no level or the tables disagree.
func CanonicalOrder(otype *feature.Otype, oslots *feature.Oslots, levels feature.Levels) (feature.IntArray, error) {
	if err := checkTables(otype, oslots); err != nil {
		return nil, err
	}

	ranks := levels.Ranks()
	maxNode := otype.MaxNode()
	levelOf := make([]int, maxNode+1)
	for n := 1; n <= maxNode; n++ {
		typ, _ := otype.TypeOf(n)
		r, ok := ranks[typ]
		if !ok {
			return nil, fmt.Errorf("%w: type %q of node %d has no level", feature.ErrConfiguration, typ, n)
		}
		levelOf[n] = r
	}

	order := make(feature.IntArray, maxNode)
	for i := range order {
		order[i] = i + 1
	}
	slices.SortStableFunc(order, func(na, nb int) int {
		if c := compareCover(oslots.Get(na), oslots.Get(nb)); c != 0 {
			return c
		}
		if c := levelOf[na] - levelOf[nb]; c != 0 {
			return c
		}
		return na - nb
	})
	return order, nil
}

// Rank inverts the canonical order: rank[n-1] is the position of node n.
func Rank(otype *feature.Otype, order feature.IntArray) (feature.IntArray, error) {
	maxNode := otype.MaxNode()
	if len(order) != maxNode {
		return nil, fmt.Errorf("%w: order has %d nodes, otype has %d",
			feature.ErrConfiguration, len(order), maxNode)
	}
	rank := make(feature.IntArray, maxNode)
	seen := make([]bool, maxNode)
	for p, n := range order {
		if n < 1 || n > maxNode || seen[n-1] {
			return nil, fmt.Errorf("%w: order is not a permutation at position %d", feature.ErrConfiguration, p)
		}
		seen[n-1] = true
		rank[n-1] = p
	}
	return rank, nil
}
