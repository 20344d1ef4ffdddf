// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	fbadger "github.com/AleutianAI/AleutianFabric/services/fabric/storage/badger"
)

// CatalogDir is the catalog directory name inside the cache directory.
const CatalogDir = "catalog"

const catalogPrefix = "artifact/"

// Entry records what was written for one artifact.
type Entry struct {
	Name             string    `json:"name"`
	Shape            string    `json:"shape"`
	SchemaVersion    int       `json:"schema_version"`
	SHA256           string    `json:"sha256"`
	CompressedSize   int64     `json:"compressed_size"`
	UncompressedSize int64     `json:"uncompressed_size"`
	WrittenAt        time.Time `json:"written_at"`
}

// Catalog indexes artifacts in BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type Catalog struct {
	db *fbadger.DB
}

// OpenCatalog opens the catalog under cacheDir/catalog.
func OpenCatalog(cacheDir string) (*Catalog, error) {
	db, err := fbadger.Open(fbadger.DefaultConfig(filepath.Join(cacheDir, CatalogDir)))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &Catalog{db: db}, nil
}

// NewCatalog wraps an already opened database.
func NewCatalog(db *fbadger.DB) *Catalog {
	return &Catalog{db: db}
}

// Put stores e under e.Name.
func (c *Catalog) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal catalog entry: %w", err)
	}
	return c.db.Put(ctx, []byte(catalogPrefix+e.Name), data)
}

// Get returns the entry for name, if one exists.
func (c *Catalog) Get(ctx context.Context, name string) (Entry, bool, error) {
	data, found, err := c.db.Get(ctx, []byte(catalogPrefix+name))
	if err != nil || !found {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal catalog entry %q: %w", name, err)
	}
	return e, true, nil
}

// Delete removes the entry for name.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	return c.db.Delete(ctx, []byte(catalogPrefix+name))
}

// Names lists the cataloged feature names in order.
func (c *Catalog) Names(ctx context.Context) ([]string, error) {
	keys, err := c.db.Keys(ctx, []byte(catalogPrefix))
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, catalogPrefix)
	}
	return keys, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
