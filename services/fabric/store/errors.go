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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for registry construction and lookup.
var (
	// ErrNilStore is returned when a nil store is added to a Builder.
	ErrNilStore = errors.New("store must not be nil")

	// ErrDuplicateStore is returned when two stores share a feature name.
	ErrDuplicateStore = errors.New("duplicate feature name")

	// ErrUnknownInput is returned when a rule input is not registered.
	ErrUnknownInput = errors.New("rule input not registered")

	// ErrUnknownFeature is returned when a requested feature is not registered.
	ErrUnknownFeature = errors.New("feature not registered")

	// ErrCycleDetected is returned when rule inputs form a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrEmptyRegistry is returned when Build is called with no stores.
	ErrEmptyRegistry = errors.New("registry has no features")
)

// FeatureError wraps an error with the feature it concerns.
type FeatureError struct {
	Feature string
	Err     error
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("feature %s: %v", e.Feature, e.Err)
}

func (e *FeatureError) Unwrap() error {
	return e.Err
}

// CycleError reports the features forming a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

// Is matches ErrCycleDetected.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected
}

// LoadError is returned by every failed Load.
//
// Err wraps one of the feature package sentinels (ErrMissingSource,
// ErrFormat, ErrConfiguration, ErrCompute, ErrIO, ErrNesting).
type LoadError struct {
	Feature string
	Path    string
	Action  Action
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s [%s] from %s: %v", e.Feature, e.Action, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
