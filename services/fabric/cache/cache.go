// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache stores compiled feature snapshots.
//
// Each feature is cached as <dir>/<name>.tfx, a gzip stream over
//
//	"TFX" | schema version | shape | kind | metadata | payload
//
// where payload uses a fixed layout per feature.Shape: flat arrays for
// node-indexed scalars, adjacency tables for edge sets, tuple-of-tuples for
// slot coverage and indices, dictionary-coded labels for otype. There is no
// reflective encoding.
//
// An optional Catalog records the SHA-256 of every artifact written; reads
// of cataloged artifacts verify it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

// DefaultDir is the cache directory name inside a corpus directory.
const DefaultDir = ".tf"

// Cache reads and writes artifacts in one directory.
//
// Thread Safety: Safe for concurrent use. There is no locking on the
// directory itself; concurrent writers of one artifact race.
type Cache struct {
	dir     string
	level   int
	catalog *Catalog
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithCompressionLevel sets the gzip level (1-9).
func WithCompressionLevel(level int) Option {
	return func(c *Cache) { c.level = level }
}

// WithCatalog enables hash recording and verification.
func WithCatalog(cat *Catalog) Option {
	return func(c *Cache) { c.catalog = cat }
}

// WithLogger sets the logger for non-fatal catalog problems.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New creates a Cache rooted at dir. The directory is created on first write.
func New(dir string, opts ...Option) *Cache {
	c := &Cache{dir: dir, level: DefaultCompressionLevel, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the artifact path for a feature.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.dir, name+Extension)
}

// ModTime returns the artifact modification time, if the artifact exists.
func (c *Cache) ModTime(name string) (time.Time, bool) {
	return modTime(c.Path(name))
}

// Write stores a for the named feature.
func (c *Cache) Write(ctx context.Context, name string, a Artifact) error {
	start := time.Now()
	ctx, span := startSpan(ctx, "Write", name)
	defer span.End()

	info, err := WriteArtifact(c.Path(name), a, c.level)
	recordOperation(ctx, "write", info.CompressedSize, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return err
	}
	span.SetAttributes(
		attribute.String("cache.shape", info.Shape.String()),
		attribute.Int64("cache.compressed_bytes", info.CompressedSize),
	)

	if c.catalog != nil {
		entry := Entry{
			Name:             name,
			Shape:            info.Shape.String(),
			SchemaVersion:    info.SchemaVersion,
			SHA256:           info.SHA256,
			CompressedSize:   info.CompressedSize,
			UncompressedSize: info.UncompressedSize,
			WrittenAt:        time.Now().UTC(),
		}
		if err := c.catalog.Put(ctx, entry); err != nil {
			// The artifact is valid without an entry; reads then skip verification.
			c.logger.Warn("catalog update failed",
				slog.String("feature", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Read loads the artifact of the named feature.
//
// When a catalog entry exists and its hash differs from the file, Read
// fails with ErrCorrupt wrapped in feature.ErrIO. An entry older than the
// file was left behind by a writer without the catalog; it is dropped and
// the artifact is trusted.
func (c *Cache) Read(ctx context.Context, name string) (Artifact, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Read", name)
	defer span.End()

	a, info, err := c.read(ctx, name)
	recordOperation(ctx, "read", info.CompressedSize, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return Artifact{}, err
	}
	span.SetAttributes(attribute.String("cache.shape", info.Shape.String()))
	return a, nil
}

func (c *Cache) read(ctx context.Context, name string) (Artifact, Info, error) {
	path := c.Path(name)
	a, info, err := ReadArtifact(path)
	if err != nil || c.catalog == nil {
		return a, info, err
	}

	entry, found, err := c.catalog.Get(ctx, name)
	switch {
	case err != nil:
		c.logger.Warn("catalog lookup failed",
			slog.String("feature", name),
			slog.String("error", err.Error()),
		)
	case !found || entry.SHA256 == info.SHA256:
	case c.rewrittenSince(name, entry.WrittenAt):
		// Written by a process without the catalog; the entry no longer applies.
		c.logger.Warn("catalog entry stale, dropped",
			slog.String("feature", name),
			slog.Time("recorded", entry.WrittenAt),
		)
		if err := c.catalog.Delete(ctx, name); err != nil {
			c.logger.Warn("catalog update failed",
				slog.String("feature", name),
				slog.String("error", err.Error()),
			)
		}
	default:
		return Artifact{}, info, fmt.Errorf("%w: %q: %w: expected=%s, actual=%s",
			feature.ErrIO, path, ErrCorrupt, entry.SHA256, info.SHA256)
	}
	return a, info, nil
}

// rewrittenSince reports whether the artifact file is newer than t.
func (c *Cache) rewrittenSince(name string, t time.Time) bool {
	mt, ok := c.ModTime(name)
	return ok && mt.After(t)
}

// Remove deletes the artifact and its catalog entry.
func (c *Cache) Remove(ctx context.Context, name string) error {
	if err := os.Remove(c.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %q: %v", feature.ErrIO, c.Path(name), err)
	}
	if c.catalog != nil {
		return c.catalog.Delete(ctx, name)
	}
	return nil
}

// Close releases the catalog, if any.
func (c *Cache) Close() error {
	if c.catalog == nil {
		return nil
	}
	return c.catalog.Close()
}
