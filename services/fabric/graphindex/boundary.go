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
	"slices"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

// Boundary lists the non-slot nodes starting and ending at each slot.
//
// First[s-1] holds the nodes whose first slot is s, outermost first
// (descending rank). Last[s-1] holds the nodes whose last slot is s,
// innermost first (ascending rank). Nodes covering no slots are skipped.
func Boundary(otype *feature.Otype, oslots *feature.Oslots, rank feature.IntArray) (*feature.Boundary, error) {
	if err := checkTables(otype, oslots); err != nil {
		return nil, err
	}
	if err := checkRank(otype, rank); err != nil {
		return nil, err
	}

	b := &feature.Boundary{
		First: make([][]int, oslots.MaxSlot),
		Last:  make([][]int, oslots.MaxSlot),
	}
	for k, slots := range oslots.Slots {
		if len(slots) == 0 {
			continue
		}
		n := oslots.MaxSlot + 1 + k
		first, last := slots[0]-1, slots[len(slots)-1]-1
		b.First[first] = append(b.First[first], n)
		b.Last[last] = append(b.Last[last], n)
	}
	for s := range b.First {
		slices.SortFunc(b.First[s], func(x, y int) int { return rank[y-1] - rank[x-1] })
		slices.SortFunc(b.Last[s], func(x, y int) int { return rank[x-1] - rank[y-1] })
	}
	return b, nil
}
