// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"fmt"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

// ApplyFunc computes a derived feature from its loaded inputs.
//
// inputs are in the order of Rule.Inputs. The function must not modify
// them. A nil result with a nil error is treated as a failure.
type ApplyFunc func(log logging.Sink, inputs ...feature.Data) (feature.Data, error)

// Rule declares how a derived feature is computed.
//
// Example:
//
//	rule := store.Rule{
//	    Output: "__rank__",
//	    Inputs: []string{"otype", "__order__"},
//	    Apply:  rankFromOrder,
//	}
type Rule struct {
	// Output is the derived feature name and its cache file name.
	Output string

	// Inputs are the feature names passed to Apply, in order.
	Inputs []string

	// Apply computes the feature.
	Apply ApplyFunc
}

func (r Rule) validate() error {
	if r.Output == "" {
		return fmt.Errorf("%w: rule has no output name", feature.ErrConfiguration)
	}
	if r.Apply == nil {
		return fmt.Errorf("%w: rule %q has no apply function", feature.ErrConfiguration, r.Output)
	}
	for _, in := range r.Inputs {
		if in == r.Output {
			return &CycleError{Path: []string{r.Output, r.Output}}
		}
	}
	return nil
}
