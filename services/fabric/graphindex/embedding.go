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

func checkRank(otype *feature.Otype, rank feature.IntArray) error {
	if len(rank) != otype.MaxNode() {
		return fmt.Errorf("%w: rank has %d nodes, otype has %d",
			feature.ErrConfiguration, len(rank), otype.MaxNode())
	}
	return nil
}

// containers lists, per slot, the non-slot nodes covering it in id order.
// Index 0 is unused.
func containers(oslots *feature.Oslots) [][]int {
	inv := make([][]int, oslots.MaxSlot+1)
	for k, slots := range oslots.Slots {
		n := oslots.MaxSlot + 1 + k
		for _, s := range slots {
			inv[s] = append(inv[s], n)
		}
	}
	return inv
}

// intersect returns the common elements of two ascending lists.
func intersect(a, b []int) []int {
	var out []int
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// EmbeddingUp lists the containers of every node.
//
// Description:
//
//	A slot is embedded in every non-slot node covering it. A non-slot node
//	is embedded in every node covering all of its slots. Only nodes ranked
//	before the embedded node are kept, innermost (highest rank) first. A
//	node covering no slots has no containers.
//
// Outputs:
//
//	feature.Tuples - up[n-1] are the containers of node n.
//	error - ErrConfiguration if the inputs disagree.
func EmbeddingUp(otype *feature.Otype, oslots *feature.Oslots, rank feature.IntArray) (feature.Tuples, error) {
	if err := checkTables(otype, oslots); err != nil {
		return nil, err
	}
	if err := checkRank(otype, rank); err != nil {
		return nil, err
	}

	inv := containers(oslots)
	maxSlot, maxNode := otype.MaxSlot, otype.MaxNode()
	up := make(feature.Tuples, maxNode)

	keep := func(n int, candidates []int) []int {
		var out []int
		for _, m := range candidates {
			if rank[m-1] < rank[n-1] {
				out = append(out, m)
			}
		}
		slices.SortFunc(out, func(x, y int) int { return rank[y-1] - rank[x-1] })
		return out
	}

	for n := 1; n <= maxSlot; n++ {
		up[n-1] = keep(n, inv[n])
	}
	for n := maxSlot + 1; n <= maxNode; n++ {
		slots := oslots.Get(n)
		if len(slots) == 0 {
			continue
		}
		common := inv[slots[0]]
		for _, s := range slots[1:] {
			if len(common) == 0 {
				break
			}
			common = intersect(common, inv[s])
		}
		up[n-1] = keep(n, common)
	}
	return up, nil
}

// EmbeddingDown inverts EmbeddingUp.
//
// down[m-MaxSlot-1] lists every node n (slots included) with m in up[n-1],
// lowest rank first.
func EmbeddingDown(otype *feature.Otype, up feature.Tuples, rank feature.IntArray) (feature.Tuples, error) {
	if err := checkRank(otype, rank); err != nil {
		return nil, err
	}
	maxSlot, maxNode := otype.MaxSlot, otype.MaxNode()
	if len(up) != maxNode {
		return nil, fmt.Errorf("%w: embedding has %d nodes, otype has %d",
			feature.ErrConfiguration, len(up), maxNode)
	}

	down := make(feature.Tuples, maxNode-maxSlot)
	for n := 1; n <= maxNode; n++ {
		for _, m := range up[n-1] {
			if m <= maxSlot || m > maxNode {
				return nil, fmt.Errorf("%w: node %d is embedded in %d, which is not a non-slot node",
					feature.ErrConfiguration, n, m)
			}
			down[m-maxSlot-1] = append(down[m-maxSlot-1], n)
		}
	}
	for _, children := range down {
		slices.SortFunc(children, func(x, y int) int { return rank[x-1] - rank[y-1] })
	}
	return down, nil
}
