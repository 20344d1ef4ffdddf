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
	"context"
	"errors"
	"fmt"
	"sort"
)

// Builder assembles a Registry with validation.
//
// Description:
//
//	Builder collects stores, then Build binds every rule input to its
//	store and verifies that the inputs form a DAG.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the registry in a single
//	goroutine.
//
// Example:
//
//	reg, err := store.NewBuilder("corpus").
//	    Add(store.NewPrimitive("otype", "corpus/otype.tf", c)).
//	    Add(store.NewPrimitive("oslots", "corpus/oslots.tf", c)).
//	    Add(store.NewDerived(levelsRule, c)).
//	    Build()
type Builder struct {
	name   string
	stores map[string]*Store
	errors []error
}

// NewBuilder creates a new registry builder.
//
// Inputs:
//
//	name - The registry name (used in logging).
//
// Outputs:
//
//	*Builder - The builder instance.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:   name,
		stores: make(map[string]*Store),
		errors: make([]error, 0),
	}
}

// Add adds a store. Duplicate names and nil stores are recorded as errors
// and reported by Build.
func (b *Builder) Add(s *Store) *Builder {
	if s == nil {
		b.errors = append(b.errors, ErrNilStore)
		return b
	}
	if _, exists := b.stores[s.name]; exists {
		b.errors = append(b.errors, &FeatureError{Feature: s.name, Err: ErrDuplicateStore})
		return b
	}
	if s.rule != nil {
		if err := s.rule.validate(); err != nil {
			b.errors = append(b.errors, &FeatureError{Feature: s.name, Err: err})
			return b
		}
	}
	b.stores[s.name] = s
	return b
}

// Build validates the stores and binds rule inputs.
//
// Outputs:
//
//	*Registry - The registry.
//	error - The first recorded Add error, ErrEmptyRegistry, a FeatureError
//	wrapping ErrUnknownInput, or a *CycleError.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.stores) == 0 {
		return nil, ErrEmptyRegistry
	}

	names := make([]string, 0, len(b.stores))
	for name := range b.stores {
		names = append(names, name)
	}
	sort.Strings(names)

	adjList := make(map[string][]string, len(names))
	for _, name := range names {
		inputs := b.stores[name].Inputs()
		for _, in := range inputs {
			if _, ok := b.stores[in]; !ok {
				return nil, &FeatureError{Feature: name, Err: fmt.Errorf("%w: %s", ErrUnknownInput, in)}
			}
		}
		adjList[name] = inputs
	}

	if err := detectCycles(names, adjList); err != nil {
		return nil, err
	}

	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		s := b.stores[name]
		if s.rule == nil {
			continue
		}
		deps := make([]*Store, len(adjList[name]))
		for i, in := range adjList[name] {
			deps[i] = b.stores[in]
			dependents[in] = append(dependents[in], name)
		}
		s.deps = deps
	}

	return &Registry{
		name:       b.name,
		stores:     b.stores,
		names:      names,
		dependents: dependents,
	}, nil
}

// detectCycles uses DFS to find a cycle and reports its path.
func detectCycles(names []string, adjList map[string][]string) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range adjList[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	for _, name := range names {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Registry holds the stores of one corpus with their inputs bound.
//
// Thread Safety: Safe for concurrent use after Build.
type Registry struct {
	name       string
	stores     map[string]*Store
	names      []string
	dependents map[string][]string
}

// Name returns the registry name.
func (r *Registry) Name() string { return r.name }

// Names returns every feature name in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Get returns the store of a feature.
func (r *Registry) Get(name string) (*Store, bool) {
	s, ok := r.stores[name]
	return s, ok
}

// Load loads the named features in order. Every name is attempted; the
// failures are joined.
func (r *Registry) Load(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		s, ok := r.stores[name]
		if !ok {
			errs = append(errs, &FeatureError{Feature: name, Err: ErrUnknownFeature})
			continue
		}
		if err := s.Load(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unload discards the named features, or every feature when none are named.
func (r *Registry) Unload(names ...string) {
	if len(names) == 0 {
		names = r.names
	}
	for _, name := range names {
		if s, ok := r.stores[name]; ok {
			s.Unload()
		}
	}
}

// Dependents returns every feature computed directly or indirectly from
// name, sorted.
func (r *Registry) Dependents(name string) []string {
	seen := make(map[string]bool)
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range r.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
