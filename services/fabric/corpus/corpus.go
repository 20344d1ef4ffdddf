// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package corpus opens a directory of text features as one registry.
//
// Every <name>.tf file becomes a primitive feature. When otype and oslots
// are present the structural index rules are registered on top of them,
// plus the section rule when a section hierarchy is declared, either in the
// metadata of otext or in configuration.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/cache"
	"github.com/AleutianAI/AleutianFabric/services/fabric/config"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
	"github.com/AleutianAI/AleutianFabric/services/fabric/graphindex"
	"github.com/AleutianAI/AleutianFabric/services/fabric/nodespec"
	"github.com/AleutianAI/AleutianFabric/services/fabric/store"
)

var (
	// ErrNotADirectory is returned when the corpus path is not a directory.
	ErrNotADirectory = errors.New("corpus path is not a directory")

	// ErrNoIndices is returned by Prepare when otype or oslots is missing.
	ErrNoIndices = errors.New("corpus has no otype/oslots, no indices to build")
)

// SectionSpec is the declared section hierarchy, coarsest first.
type SectionSpec struct {
	Types    [3]string
	Features [3]string
}

// Corpus is an opened feature directory.
//
// Thread Safety: Safe for concurrent use. Concurrent loads of one feature
// are collapsed into a single call. Reload swaps the registry; callers
// holding the old one keep a consistent view of it.
type Corpus struct {
	dir       string
	cfg       config.Config
	cache     *cache.Cache
	logger    *logging.Logger
	sessionID string
	loads     singleflight.Group

	mu     sync.RWMutex
	layout layout
}

// layout is what one discovery pass over the directory registered.
type layout struct {
	registry *store.Registry
	indices  []string
	sections *SectionSpec
}

// Option configures a Corpus.
type Option func(*options)

type options struct {
	logger *logging.Logger
}

// WithLogger sets the root logger. A session_id attribute is added.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open discovers the features in dir and builds their registry.
//
// Description:
//
//	Lists dir for files with the configured extension (non-recursive).
//	Each becomes a primitive store. If otype and oslots both exist, the
//	index rules of graphindex are added, and the section rule when a
//	section hierarchy resolves (config first, then otext metadata) and its
//	label features exist. Nothing is loaded.
//
// Inputs:
//
//	dir - Corpus directory.
//	cfg - Validated configuration.
//	opts - WithLogger.
//
// Outputs:
//
//	*Corpus - The opened corpus. Close it to release the cache catalog.
//	error - ErrNotADirectory or a registry error. A catalog that cannot be
//	opened is logged and the corpus runs without it.
func Open(dir string, cfg config.Config, opts ...Option) (*Corpus, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open corpus %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open corpus %q: %w", dir, ErrNotADirectory)
	}

	sessionID := uuid.NewString()
	logger := o.logger.With(slog.String("session_id", sessionID))

	cacheDir := cfg.Cache.Dir
	if !filepath.IsAbs(cacheDir) {
		cacheDir = filepath.Join(dir, cacheDir)
	}
	cacheOpts := []cache.Option{
		cache.WithCompressionLevel(cfg.Cache.CompressionLevel),
		cache.WithLogger(logger.Slog()),
	}
	if cfg.Cache.Catalog {
		cat, err := cache.OpenCatalog(cacheDir)
		if err != nil {
			// Usually another process holding the lock. Artifacts load unverified.
			logger.Warn("cache catalog unavailable, artifacts are not verified",
				slog.String("cache", cacheDir),
				slog.String("error", err.Error()),
			)
		} else {
			if names, err := cat.Names(context.Background()); err == nil {
				logger.Debug("cache catalog opened",
					slog.String("cache", cacheDir),
					slog.Int("entries", len(names)),
				)
			}
			cacheOpts = append(cacheOpts, cache.WithCatalog(cat))
		}
	}

	c := &Corpus{
		dir:       dir,
		cfg:       cfg,
		cache:     cache.New(cacheDir, cacheOpts...),
		logger:    logger,
		sessionID: sessionID,
	}
	l, err := c.build()
	if err != nil {
		c.cache.Close()
		return nil, err
	}
	c.layout = l
	return c, nil
}

// Reload discovers the directory again and replaces the registry.
//
// Description:
//
//	A failed feature stays failed for the life of its registry. Reload is
//	how a long-running process recovers once the files are fixed: every
//	store is created afresh and nothing is loaded. Feature files added
//	since Open are picked up and removed ones are dropped. The cache is
//	kept, so unchanged features come back from it on the next Load.
//
// Outputs:
//
//	error - The registry could not be built; the old one is kept.
func (c *Corpus) Reload() error {
	l, err := c.build()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.layout = l
	c.mu.Unlock()
	c.logger.Info("corpus reloaded", slog.String("corpus", c.dir))
	return nil
}

func (c *Corpus) current() layout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.layout
}

// discover returns the feature names in the corpus directory, sorted.
func (c *Corpus) discover() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list corpus %q: %w", c.dir, err)
	}
	ext := c.cfg.Corpus.Extension
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

func (c *Corpus) build() (layout, error) {
	var l layout
	names, err := c.discover()
	if err != nil {
		return l, err
	}
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	storeOpts := []store.Option{
		store.WithLogger(c.logger),
		store.WithErrorCutoff(c.cfg.Format.ErrorCutoff),
		store.WithComputeSink(c.computeSink),
	}

	b := store.NewBuilder(filepath.Base(c.dir))
	for _, name := range names {
		b.Add(store.NewPrimitive(name, c.featurePath(name), c.cache, storeOpts...))
	}

	if present[feature.OtypeName] && present[feature.OslotsName] {
		rules := graphindex.Rules()
		if spec, ok := c.resolveSections(present); ok {
			rules = append(rules, graphindex.SectionsRule(spec.Types, spec.Features))
			l.sections = &spec
		}
		for _, r := range rules {
			b.Add(store.NewDerived(r, c.cache, storeOpts...))
			l.indices = append(l.indices, r.Output)
		}
	} else {
		c.logger.Info("no otype/oslots, index rules not registered",
			slog.String("corpus", c.dir))
	}

	reg, err := b.Build()
	if err != nil {
		return l, fmt.Errorf("build registry for %q: %w", c.dir, err)
	}
	l.registry = reg
	c.logger.Info("corpus opened",
		slog.String("corpus", c.dir),
		slog.Int("features", len(names)),
		slog.Int("indices", len(l.indices)),
	)
	return l, nil
}

// resolveSections picks the section hierarchy from config, falling back to
// the otext metadata. Features default to the type names.
func (c *Corpus) resolveSections(present map[string]bool) (SectionSpec, bool) {
	types, feats := c.cfg.Sections.Types, c.cfg.Sections.Features
	if len(types) == 0 && present[feature.OtextName] {
		h, err := feature.ReadHeader(c.featurePath(feature.OtextName), feature.ReadOptions{Name: feature.OtextName})
		if err != nil {
			c.logger.Warn("cannot read otext metadata", slog.String("error", err.Error()))
		} else {
			types = nodespec.Itemize(h.Meta[feature.MetaSectionTypes], ",")
			if len(feats) == 0 {
				feats = nodespec.Itemize(h.Meta[feature.MetaSectionFeatures], ",")
			}
		}
	}
	if len(types) == 0 {
		return SectionSpec{}, false
	}
	if len(feats) == 0 {
		feats = types
	}
	if len(types) != 3 || len(feats) != 3 {
		c.logger.Warn("section hierarchy needs three types and three features",
			slog.String("types", strings.Join(types, ",")),
			slog.String("features", strings.Join(feats, ",")),
		)
		return SectionSpec{}, false
	}

	var spec SectionSpec
	copy(spec.Types[:], types)
	copy(spec.Features[:], feats)
	for _, f := range spec.Features[1:] {
		if !present[f] {
			c.logger.Warn("section feature missing, sections not indexed", slog.String("feature", f))
			return SectionSpec{}, false
		}
	}
	return spec, true
}

// computeSink returns the per-invocation logger of a rule.
func (c *Corpus) computeSink(name string) logging.Sink {
	return c.logger.With(
		slog.String("feature", name),
		slog.String("compute_id", uuid.NewString()),
	)
}

func (c *Corpus) featurePath(name string) string {
	return filepath.Join(c.dir, name+c.cfg.Corpus.Extension)
}

// Dir returns the corpus directory.
func (c *Corpus) Dir() string { return c.dir }

// SessionID returns the id attached to every log record of this corpus.
func (c *Corpus) SessionID() string { return c.sessionID }

// Registry returns the current feature registry.
func (c *Corpus) Registry() *store.Registry { return c.current().registry }

// Cache returns the artifact cache.
func (c *Corpus) Cache() *cache.Cache { return c.cache }

// Names returns every registered feature, sorted.
func (c *Corpus) Names() []string { return c.Registry().Names() }

// Indices returns the registered index features in dependency order.
func (c *Corpus) Indices() []string { return append([]string(nil), c.current().indices...) }

// Sections returns the resolved section hierarchy, if any.
func (c *Corpus) Sections() (SectionSpec, bool) {
	l := c.current()
	if l.sections == nil {
		return SectionSpec{}, false
	}
	return *l.sections, true
}

// Load loads the named features. Every name is attempted; failures are
// joined. Concurrent calls for one feature share a single load.
func (c *Corpus) Load(ctx context.Context, names ...string) error {
	return c.loadIn(ctx, c.Registry(), names...)
}

func (c *Corpus) loadIn(ctx context.Context, reg *store.Registry, names ...string) error {
	var errs []error
	for _, name := range names {
		key := fmt.Sprintf("%p/%s", reg, name)
		_, err, _ := c.loads.Do(key, func() (any, error) {
			return nil, reg.Load(ctx, name)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Feature loads one feature and returns its data.
func (c *Corpus) Feature(ctx context.Context, name string) (feature.Data, error) {
	reg := c.Registry()
	if err := c.loadIn(ctx, reg, name); err != nil {
		return nil, err
	}
	s, _ := reg.Get(name)
	return s.Data(), nil
}

// Prepare loads every index feature, building and caching what is stale.
func (c *Corpus) Prepare(ctx context.Context) error {
	indices := c.Indices()
	if len(indices) == 0 {
		return ErrNoIndices
	}
	return c.Load(ctx, indices...)
}

// Rebuild removes the cached index artifacts, unloads the indices and
// prepares them again.
func (c *Corpus) Rebuild(ctx context.Context) error {
	l := c.current()
	if len(l.indices) == 0 {
		return ErrNoIndices
	}
	for _, name := range l.indices {
		if err := c.cache.Remove(ctx, name); err != nil {
			return err
		}
	}
	l.registry.Unload(l.indices...)
	return c.loadIn(ctx, l.registry, l.indices...)
}

// Invalidate unloads a feature and everything computed from it. It returns
// the unloaded names, sorted.
func (c *Corpus) Invalidate(name string) []string {
	reg := c.Registry()
	if _, ok := reg.Get(name); !ok {
		return nil
	}
	names := append([]string{name}, reg.Dependents(name)...)
	sort.Strings(names)
	reg.Unload(names...)
	c.logger.Info("features invalidated",
		slog.String("feature", name),
		slog.String("unloaded", strings.Join(names, ",")),
	)
	return names
}

// Export writes a loaded feature as a text file into outDir.
//
// Description:
//
//	Loads name, then encodes it to outDir/<name><ext>. Index features
//	without a text form fail with feature.ErrConfiguration. Writing over
//	the file the feature was loaded from is refused.
//
// Outputs:
//
//	string - The written path.
//	error - Load or write failure.
func (c *Corpus) Export(ctx context.Context, name, outDir string, ranges bool) (string, error) {
	reg := c.Registry()
	if err := c.loadIn(ctx, reg, name); err != nil {
		return "", err
	}
	s, _ := reg.Get(name)
	if err := os.MkdirAll(outDir, 0750); err != nil {
		return "", fmt.Errorf("%w: create %q: %v", feature.ErrIO, outDir, err)
	}
	path := filepath.Join(outDir, name+c.cfg.Corpus.Extension)
	h := feature.Header{Kind: s.Kind(), Meta: s.Meta()}
	if err := feature.WriteFile(path, s.Path(), h, s.Data(), feature.WriteOptions{Ranges: ranges}); err != nil {
		return "", err
	}
	c.logger.Info("feature exported",
		slog.String("feature", name),
		slog.String("path", path),
	)
	return path, nil
}

// Close releases the cache catalog.
func (c *Corpus) Close() error {
	return c.cache.Close()
}
