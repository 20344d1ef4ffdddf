// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graphindex builds the structural indices of a corpus graph.
//
// Every function is pure and deterministic. They take the canonical
// node-type table (*feature.Otype) and slot-coverage table
// (*feature.Oslots) plus earlier indices, and are registered as store
// rules by Rules and SectionsRule.
//
// Conventions:
//
//   - Node ids are 1-based. Positions in the canonical order are 0-based.
//   - Per-node arrays are indexed by n-1 (Rank, EmbeddingUp).
//   - Per-slot arrays are indexed by s-1 (Boundary).
//   - Per-non-slot arrays are indexed by n-MaxSlot-1 (EmbeddingDown).
package graphindex

import (
	"fmt"
	"slices"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

// checkTables verifies that otype and oslots describe the same nodes.
func checkTables(otype *feature.Otype, oslots *feature.Oslots) error {
	if otype == nil || oslots == nil {
		return fmt.Errorf("%w: otype and oslots are required", feature.ErrConfiguration)
	}
	if otype.MaxSlot != oslots.MaxSlot {
		return fmt.Errorf("%w: otype has %d slots, oslots has %d",
			feature.ErrConfiguration, otype.MaxSlot, oslots.MaxSlot)
	}
	if len(otype.Types) != len(oslots.Slots) {
		return fmt.Errorf("%w: otype has %d non-slot nodes, oslots has %d",
			feature.ErrConfiguration, len(otype.Types), len(oslots.Slots))
	}
	for i, slots := range oslots.Slots {
		for _, s := range slots {
			if s < 1 || s > oslots.MaxSlot {
				return fmt.Errorf("%w: node %d covers %d, outside slots 1-%d",
					feature.ErrConfiguration, oslots.MaxSlot+1+i, s, oslots.MaxSlot)
			}
		}
	}
	return nil
}

// Levels summarizes each node type.
//
// Description:
//
//	For every non-slot type computes the average size of the covered slot
//	sets and the smallest and largest node id. Types are sorted by
//	descending average size; equal averages keep the order in which the
//	types first occur. The slot type is appended with size 1 and range
//	1-MaxSlot.
//
// Inputs:
//
//	otype - Canonical node types.
//	oslots - Canonical slot coverage.
//
// Outputs:
//
//	feature.Levels - Coarsest type first, slot type last.
//	error - ErrConfiguration if the tables disagree.
func Levels(otype *feature.Otype, oslots *feature.Oslots) (feature.Levels, error) {
	if err := checkTables(otype, oslots); err != nil {
		return nil, err
	}

	type acc struct {
		count, size, min, max int
	}
	var seen []string
	stats := make(map[string]*acc)
	for k, typ := range otype.Types {
		n := otype.MaxSlot + 1 + k
		a, ok := stats[typ]
		if !ok {
			a = &acc{min: n, max: n}
			stats[typ] = a
			seen = append(seen, typ)
		}
		a.count++
		a.size += len(oslots.Slots[k])
		a.max = n
	}

	levels := make(feature.Levels, 0, len(seen)+1)
	for _, typ := range seen {
		a := stats[typ]
		levels = append(levels, feature.Level{
			Type:    typ,
			AvgSize: float64(a.size) / float64(a.count),
			Min:     a.min,
			Max:     a.max,
		})
	}
	slices.SortStableFunc(levels, func(x, y feature.Level) int {
		switch {
		case x.AvgSize > y.AvgSize:
			return -1
		case x.AvgSize < y.AvgSize:
			return 1
		}
		return 0
	})
	levels = append(levels, feature.Level{Type: otype.SlotType, AvgSize: 1, Min: 1, Max: otype.MaxSlot})
	return levels, nil
}
