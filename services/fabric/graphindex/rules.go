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
	"log/slog"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
	"github.com/AleutianAI/AleutianFabric/services/fabric/store"
)

// Names of the derived index features. They double as cache file names.
const (
	LevelsName   = "__levels__"
	OrderName    = "__order__"
	RankName     = "__rank__"
	LevUpName    = "__levUp__"
	LevDownName  = "__levDown__"
	BoundaryName = "__boundary__"
	SectionsName = "__sections__"
)

// input asserts the shape of a rule input.
func input[T feature.Data](inputs []feature.Data, i int, name string) (T, error) {
	var zero T
	if i >= len(inputs) {
		return zero, fmt.Errorf("%w: missing input %s", feature.ErrConfiguration, name)
	}
	v, ok := inputs[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: input %s has shape %s", feature.ErrConfiguration, name, shapeOf(inputs[i]))
	}
	return v, nil
}

func shapeOf(d feature.Data) string {
	if d == nil {
		return "none"
	}
	return d.Shape().String()
}

// Rules returns the structural index rules in dependency order.
func Rules() []store.Rule {
	return []store.Rule{
		{
			Output: LevelsName,
			Inputs: []string{feature.OtypeName, feature.OslotsName},
			Apply:  applyLevels,
		},
		{
			Output: OrderName,
			Inputs: []string{feature.OtypeName, feature.OslotsName, LevelsName},
			Apply:  applyOrder,
		},
		{
			Output: RankName,
			Inputs: []string{feature.OtypeName, OrderName},
			Apply:  applyRank,
		},
		{
			Output: LevUpName,
			Inputs: []string{feature.OtypeName, feature.OslotsName, RankName},
			Apply:  applyLevUp,
		},
		{
			Output: LevDownName,
			Inputs: []string{feature.OtypeName, LevUpName, RankName},
			Apply:  applyLevDown,
		},
		{
			Output: BoundaryName,
			Inputs: []string{feature.OtypeName, feature.OslotsName, RankName},
			Apply:  applyBoundary,
		},
	}
}

func applyLevels(log logging.Sink, inputs ...feature.Data) (feature.Data, error) {
	otype, err := input[*feature.Otype](inputs, 0, feature.OtypeName)
	if err != nil {
		return nil, err
	}
	oslots, err := input[*feature.Oslots](inputs, 1, feature.OslotsName)
	if err != nil {
		return nil, err
	}
	log.Info(otype.Info())
	log.Info("get ranking of otypes")
	levels, err := Levels(otype, oslots)
	if err != nil {
		return nil, err
	}
	for _, lv := range levels {
		log.Info("level",
			slog.String("type", lv.Type),
			slog.Float64("avg_slots", lv.AvgSize),
			slog.Int("min", lv.Min),
			slog.Int("max", lv.Max),
		)
	}
	return levels, nil
}

func applyOrder(log logging.Sink, inputs ...feature.Data) (feature.Data, error) {
	otype, err := input[*feature.Otype](inputs, 0, feature.OtypeName)
	if err != nil {
		return nil, err
	}
	oslots, err := input[*feature.Oslots](inputs, 1, feature.OslotsName)
	if err != nil {
		return nil, err
	}
	levels, err := input[feature.Levels](inputs, 2, LevelsName)
	if err != nil {
		return nil, err
	}
	log.Info(otype.Info())
	log.Info("sorting nodes")
	return CanonicalOrder(otype, oslots, levels)
}

func applyRank(log logging.Sink, inputs ...feature.Data) (feature.Data, error) {
	otype, err := input[*feature.Otype](inputs, 0, feature.OtypeName)
	if err != nil {
		return nil, err
	}
	order, err := input[feature.IntArray](inputs, 1, OrderName)
	if err != nil {
		return nil, err
	}
	log.Info(otype.Info())
	log.Info("ranking nodes")
	return Rank(otype, order)
}

func applyLevUp(log logging.Sink, inputs ...feature.Data) (feature.Data, error) {
	otype, err := input[*feature.Otype](inputs, 0, feature.OtypeName)
	if err != nil {
		return nil, err
	}
	oslots, err := input[*feature.Oslots](inputs, 1, feature.OslotsName)
	if err != nil {
		return nil, err
	}
	rank, err := input[feature.IntArray](inputs, 2, RankName)
	if err != nil {
		return nil, err
	}
	log.Info(otype.Info())
	log.Info("listing embedders of all nodes")
	return EmbeddingUp(otype, oslots, rank)
}

func applyLevDown(log logging.Sink, inputs ...feature.Data) (feature.Data, error) {
	otype, err := input[*feature.Otype](inputs, 0, feature.OtypeName)
	if err != nil {
		return nil, err
	}
	up, err := input[feature.Tuples](inputs, 1, LevUpName)
	if err != nil {
		return nil, err
	}
	rank, err := input[feature.IntArray](inputs, 2, RankName)
	if err != nil {
		return nil, err
	}
	log.Info(otype.Info())
	log.Info("inverting embedders")
	return EmbeddingDown(otype, up, rank)
}

func applyBoundary(log logging.Sink, inputs ...feature.Data) (feature.Data, error) {
	otype, err := input[*feature.Otype](inputs, 0, feature.OtypeName)
	if err != nil {
		return nil, err
	}
	oslots, err := input[*feature.Oslots](inputs, 1, feature.OslotsName)
	if err != nil {
		return nil, err
	}
	rank, err := input[feature.IntArray](inputs, 2, RankName)
	if err != nil {
		return nil, err
	}
	log.Info(otype.Info())
	return Boundary(otype, oslots, rank)
}

// SectionsRule returns the rule building the section lookup.
//
// types are the three section types, coarsest first. labels are the
// features labelling nodes of each type; labels[0] is not consulted.
func SectionsRule(types, labels [3]string) store.Rule {
	return store.Rule{
		Output: SectionsName,
		Inputs: []string{feature.OtypeName, LevUpName, LevelsName, labels[1], labels[2]},
		Apply: func(log logging.Sink, inputs ...feature.Data) (feature.Data, error) {
			otype, err := input[*feature.Otype](inputs, 0, feature.OtypeName)
			if err != nil {
				return nil, err
			}
			up, err := input[feature.Tuples](inputs, 1, LevUpName)
			if err != nil {
				return nil, err
			}
			levels, err := input[feature.Levels](inputs, 2, LevelsName)
			if err != nil {
				return nil, err
			}
			label2, err := input[feature.NodeFeature](inputs, 3, labels[1])
			if err != nil {
				return nil, err
			}
			label3, err := input[feature.NodeFeature](inputs, 4, labels[2])
			if err != nil {
				return nil, err
			}
			log.Info(otype.Info())
			sections, stats, err := Sections(otype, up, levels, types, label2, label3)
			if err != nil {
				log.Error("section nesting broken", slog.String("error", err.Error()))
				return nil, err
			}
			log.Info(fmt.Sprintf("%d %ss and %d %ss indexed", stats.Level2, types[1], stats.Level3, types[2]))
			return sections, nil
		},
	}
}
