// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store loads features on demand and keeps them fresh.
//
// A Store owns one feature. Primitive stores are backed by a text file;
// derived stores are backed by a Rule over other features. Both keep a
// compiled snapshot in a cache.Cache and decide on every Load whether the
// in-memory value, the cache or the source is authoritative.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/cache"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

// Action is the staleness decision taken by one Load call.
type Action byte

const (
	// ActionNone means Load has not been called.
	ActionNone Action = 0

	// ActionFailed means an earlier load failed; nothing is retried.
	ActionFailed Action = 'E'

	// ActionFresh means the loaded value is newer than source and cache.
	ActionFresh Action = '='

	// ActionMissing means there is neither a source nor a cache.
	ActionMissing Action = 'X'

	// ActionCacheOnly means there is no source and the cache was read.
	ActionCacheOnly Action = 'b'

	// ActionParse means the text file was parsed and the cache rewritten.
	ActionParse Action = 'T'

	// ActionCompute means the rule was applied and the cache rewritten.
	ActionCompute Action = 'C'

	// ActionCache means the cache was newer than the source and was read.
	// Primitive features reparse their metadata first.
	ActionCache Action = 'B'
)

// String returns the one-character action code.
func (a Action) String() string {
	if a == ActionNone {
		return "-"
	}
	return string(rune(a))
}

// Stats counts the work done by a Store over its lifetime.
type Stats struct {
	TextParses  int
	MetaParses  int
	CacheReads  int
	CacheWrites int
	Computes    int
}

// Store loads and holds one feature.
//
// Thread Safety: Safe for concurrent use. Load holds the store's lock while
// it loads inputs; the input graph is acyclic so this cannot deadlock.
type Store struct {
	name        string
	path        string
	rule        *Rule
	deps        []*Store
	cache       *cache.Cache
	edgeValues  bool
	errorCutoff int
	log         logging.Sink
	computeSink func(name string) logging.Sink

	mu         sync.Mutex
	data       feature.Data
	kind       feature.Kind
	meta       feature.Metadata
	loaded     bool
	loadedAt   time.Time
	err        error
	lastAction Action
	lastWork   Action
	stats      Stats
}

// Option configures a Store.
type Option func(*Store)

// WithEdgeValues treats an @edge file as an edge feature with values even
// when the file does not declare @edgeValues.
func WithEdgeValues() Option {
	return func(s *Store) { s.edgeValues = true }
}

// WithLogger sets the sink for load and failure messages.
func WithLogger(log logging.Sink) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithErrorCutoff sets the number of line numbers listed per error group.
func WithErrorCutoff(n int) Option {
	return func(s *Store) { s.errorCutoff = n }
}

// WithComputeSink sets a factory for the sink handed to the rule on each
// invocation. Defaults to the store's logger.
func WithComputeSink(fn func(name string) logging.Sink) Option {
	return func(s *Store) { s.computeSink = fn }
}

// NewPrimitive creates a store for the text feature at path.
func NewPrimitive(name, path string, c *cache.Cache, opts ...Option) *Store {
	s := &Store{name: name, path: path, cache: c, log: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDerived creates a store for rule.Output. Inputs are bound when the
// store is added to a Registry.
func NewDerived(rule Rule, c *cache.Cache, opts ...Option) *Store {
	r := rule
	r.Inputs = append([]string(nil), rule.Inputs...)
	s := &Store{name: rule.Output, rule: &r, cache: c, log: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the feature name.
func (s *Store) Name() string { return s.name }

// Path returns the text file path, or "" for a derived feature.
func (s *Store) Path() string { return s.path }

// Derived reports whether the feature is computed by a rule.
func (s *Store) Derived() bool { return s.rule != nil }

// Inputs returns the rule inputs, or nil for a primitive feature.
func (s *Store) Inputs() []string {
	if s.rule == nil {
		return nil
	}
	return append([]string(nil), s.rule.Inputs...)
}

// Data returns the loaded value, or nil.
func (s *Store) Data() feature.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Kind returns the text kind of a loaded primitive feature.
func (s *Store) Kind() feature.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Meta returns the metadata of the loaded feature.
func (s *Store) Meta() feature.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Loaded reports whether a value is held in memory.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Failed reports whether a load has failed. Failure is permanent.
func (s *Store) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// Err returns the error of the failed load, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastAction returns the action of the most recent Load.
func (s *Store) LastAction() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAction
}

// LastWork returns the action of the most recent Load that did more than
// find the value fresh, which names where the held value came from.
func (s *Store) LastWork() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWork
}

// Stats returns the work counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Unload discards the in-memory value. A failed store stays failed.
func (s *Store) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.meta = nil
	s.kind = 0
	s.loaded = false
	s.loadedAt = time.Time{}
}

// Load makes the feature available through Data.
//
// Description:
//
//	Compares the time the value was loaded with the source time and the
//	cache time and takes one Action:
//
//	  E  an earlier load failed
//	  =  loaded value is at least as new as source and cache
//	  X  no source and no cache
//	  b  no source; read the cache
//	  T  no cache or source newer; parse the text, write the cache
//	  C  no cache or source newer; apply the rule, write the cache
//	  B  cache at least as new as source; read it (primitives reparse
//	     their metadata first)
//
//	The source time of a primitive is the modification time of its text
//	file. The source time of a derived feature is the latest source time
//	among its inputs, or its own cache time when no input has one.
//
// Inputs:
//
//	ctx - Carries the trace span. Loads are not cancellable.
//
// Outputs:
//
//	error - Nil on success, otherwise a *LoadError. Once a load fails every
//	later call returns the same error.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "Store.Load",
		trace.WithAttributes(
			attribute.String("feature", s.name),
			attribute.Bool("derived", s.rule != nil),
		),
	)
	defer span.End()

	action, err := s.load(ctx)
	s.lastAction = action
	if action != ActionFresh {
		s.lastWork = action
	}
	recordLoad(ctx, s.name, action, time.Since(start), err)
	span.SetAttributes(attribute.String("action", action.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Store) load(ctx context.Context) (Action, error) {
	if s.err != nil {
		return ActionFailed, s.err
	}
	log := logging.Timed(s.log)

	if s.cache == nil {
		return ActionMissing, s.fail(log, ActionMissing,
			fmt.Errorf("%w: no cache configured for %q", feature.ErrConfiguration, s.name))
	}

	srcTime, hasSrc := s.sourceTime()
	cacheTime, hasCache := s.cache.ModTime(s.name)

	if s.loaded &&
		(!hasSrc || !s.loadedAt.Before(srcTime)) &&
		(!hasCache || !s.loadedAt.Before(cacheTime)) {
		return ActionFresh, nil
	}

	var (
		action Action
		err    error
	)
	switch {
	case !hasSrc && !hasCache:
		action = ActionMissing
		err = fmt.Errorf("%w: no source and no cache for %q", feature.ErrMissingSource, s.name)
	case !hasSrc:
		action = ActionCacheOnly
		err = s.readCache(ctx, log, false)
	case !hasCache || srcTime.After(cacheTime):
		if s.rule != nil {
			action = ActionCompute
			err = s.compute(ctx)
		} else {
			action = ActionParse
			err = s.parse(ctx, log)
		}
		if err == nil {
			err = s.writeCache(ctx)
		}
	default:
		action = ActionCache
		err = s.readCache(ctx, log, s.rule == nil)
	}
	if err != nil {
		return action, s.fail(log, action, err)
	}

	s.loaded = true
	s.loadedAt = time.Now()
	log.Info("feature loaded",
		slog.String("feature", s.name),
		slog.String("action", action.String()),
		slog.String("source", s.describe()),
	)
	return action, nil
}

// sourceTime reads only immutable fields and takes no lock.
func (s *Store) sourceTime() (time.Time, bool) {
	if s.rule == nil {
		return fileModTime(s.path)
	}
	var (
		latest time.Time
		found  bool
	)
	for _, dep := range s.deps {
		if t, ok := dep.sourceTime(); ok {
			if !found || t.After(latest) {
				latest = t
			}
			found = true
		}
	}
	if found {
		return latest, true
	}
	if s.cache == nil {
		return time.Time{}, false
	}
	return s.cache.ModTime(s.name)
}

func (s *Store) readOptions(log logging.Sink) feature.ReadOptions {
	return feature.ReadOptions{
		Name:        s.name,
		EdgeValues:  s.edgeValues,
		ErrorCutoff: s.errorCutoff,
		Log:         log,
	}
}

func (s *Store) parse(ctx context.Context, log logging.Sink) error {
	_, span := tracer.Start(ctx, "Store.ParseText",
		trace.WithAttributes(attribute.String("path", s.path)),
	)
	defer span.End()

	h, data, err := feature.ReadFile(s.path, s.readOptions(log))
	s.stats.TextParses++
	if err != nil {
		span.RecordError(err)
		return err
	}
	s.data, s.kind, s.meta = data, h.Kind, h.Meta
	return nil
}

func (s *Store) readCache(ctx context.Context, log logging.Sink, reparseMeta bool) error {
	var h feature.Header
	if reparseMeta {
		var err error
		h, err = feature.ReadHeader(s.path, s.readOptions(log))
		s.stats.MetaParses++
		if err != nil {
			return err
		}
	}

	a, err := s.cache.Read(ctx, s.name)
	if err != nil {
		return err
	}
	s.stats.CacheReads++

	s.data, s.kind, s.meta = a.Data, a.Kind, a.Meta
	if reparseMeta {
		s.kind, s.meta = h.Kind, h.Meta
	}
	return nil
}

func (s *Store) compute(ctx context.Context) error {
	if len(s.deps) != len(s.rule.Inputs) {
		return fmt.Errorf("%w: inputs of %q are not bound, add the store to a registry",
			feature.ErrConfiguration, s.name)
	}

	inputs := make([]feature.Data, len(s.deps))
	for i, dep := range s.deps {
		if err := dep.Load(ctx); err != nil {
			return inputFailure(dep.name, err)
		}
		inputs[i] = dep.Data()
	}

	ctx, span := tracer.Start(ctx, "Store.Compute",
		trace.WithAttributes(
			attribute.String("feature", s.name),
			attribute.StringSlice("inputs", s.rule.Inputs),
		),
	)
	defer span.End()

	sink := s.log
	if s.computeSink != nil {
		sink = s.computeSink(s.name)
	}
	data, err := s.rule.Apply(logging.Timed(sink), inputs...)
	s.stats.Computes++
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		return fmt.Errorf("%w: %w", feature.ErrCompute, err)
	}
	if data == nil {
		return fmt.Errorf("%w: rule %q produced no result", feature.ErrCompute, s.name)
	}
	span.SetAttributes(attribute.String("shape", data.Shape().String()))

	s.data, s.kind, s.meta = data, 0, feature.Metadata{}
	return nil
}

// inputFailure names a failed input and the kind of its failure. The input
// has already logged its full error.
func inputFailure(name string, err error) error {
	for _, kind := range []error{
		feature.ErrMissingSource,
		feature.ErrFormat,
		feature.ErrConfiguration,
		feature.ErrNesting,
		feature.ErrIO,
	} {
		if errors.Is(err, kind) {
			return fmt.Errorf("%w: input %q failed: %w", feature.ErrCompute, name, kind)
		}
	}
	return fmt.Errorf("%w: input %q failed", feature.ErrCompute, name)
}

func (s *Store) writeCache(ctx context.Context) error {
	err := s.cache.Write(ctx, s.name, cache.Artifact{Kind: s.kind, Meta: s.meta, Data: s.data})
	if err != nil {
		return err
	}
	s.stats.CacheWrites++
	return nil
}

func (s *Store) fail(log logging.Sink, action Action, err error) error {
	s.data, s.kind, s.meta = nil, 0, nil
	s.loaded = false
	s.loadedAt = time.Time{}

	path := s.path
	if s.rule != nil && s.cache != nil {
		path = s.cache.Path(s.name)
	}
	s.err = &LoadError{Feature: s.name, Path: path, Action: action, Err: err}

	log.Error("feature load failed",
		slog.String("feature", s.name),
		slog.String("path", path),
		slog.String("action", action.String()),
		slog.String("error", err.Error()),
	)
	recordFormatErrors(err)
	return s.err
}

// describe names where the value comes from, for the load log line.
func (s *Store) describe() string {
	if s.rule == nil {
		return s.path
	}
	return "computed from " + strings.Join(s.rule.Inputs, ", ")
}

func fileModTime(path string) (time.Time, bool) {
	if path == "" {
		return time.Time{}, false
	}
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return time.Time{}, false
	}
	return st.ModTime(), true
}
