// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package corpus

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/cache"
	"github.com/AleutianAI/AleutianFabric/services/fabric/config"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
	"github.com/AleutianAI/AleutianFabric/services/fabric/graphindex"
	"github.com/AleutianAI/AleutianFabric/services/fabric/store"
	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

var bookFiles = map[string]string{
	"otype":   "@node\n\n1-6\tword\nbook\nchapter\nchapter\nverse\nverse\nverse\n",
	"oslots":  "@edge\n\n7\t1-6\n8\t1-3\n9\t4-6\n10\t1-2\n11\t3\n12\t4-6\n",
	"otext":   "@node\n@sectionTypes=book,chapter,verse\n@sectionFeatures=book,chapter,verse\n\n",
	"book":    "@node\n\n7\tGenesis\n",
	"chapter": "@node\n@valueType=int\n\n8\t1\n9\t2\n",
	"verse":   "@node\n@valueType=int\n\n10\t1\n11\t2\n12\t1\n",
	"g_word":  "@node\n@description=surface forms\n\nin\nthe\nbeginning\ngod\ncreated\nheaven\n",
}

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+feature.Extension), []byte(text), 0600))
	}
	return dir
}

func without(files map[string]string, names ...string) map[string]string {
	out := make(map[string]string, len(files))
	for k, v := range files {
		out[k] = v
	}
	for _, n := range names {
		delete(out, n)
	}
	return out
}

func openCorpus(t *testing.T, dir string, cfg config.Config, out *bytes.Buffer) *Corpus {
	t.Helper()
	lc := logging.Config{Level: logging.LevelInfo, Quiet: out == nil, Output: out, JSON: true}
	c, err := Open(dir, cfg, WithLogger(logging.New(lc)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_DiscoversFeaturesAndIndices(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)

	assert.Contains(t, c.Names(), "g_word")
	assert.Contains(t, c.Names(), graphindex.OrderName)
	assert.Equal(t, []string{
		graphindex.LevelsName, graphindex.OrderName, graphindex.RankName,
		graphindex.LevUpName, graphindex.LevDownName, graphindex.BoundaryName,
		graphindex.SectionsName,
	}, c.Indices())

	spec, ok := c.Sections()
	require.True(t, ok)
	assert.Equal(t, [3]string{"book", "chapter", "verse"}, spec.Types)
	assert.NotEmpty(t, c.SessionID())
}

func TestOpen_NotADirectory(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	_, err := Open(filepath.Join(dir, "otype.tf"), config.Default())
	assert.ErrorIs(t, err, ErrNotADirectory)

	_, err = Open(filepath.Join(dir, "absent"), config.Default())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpen_WithoutOslots(t *testing.T) {
	dir := writeCorpus(t, without(bookFiles, "oslots"))
	c := openCorpus(t, dir, config.Default(), nil)

	assert.Empty(t, c.Indices())
	assert.ErrorIs(t, c.Prepare(context.Background()), ErrNoIndices)

	data, err := c.Feature(context.Background(), "g_word")
	require.NoError(t, err)
	assert.Equal(t, value.Str("beginning"), data.(feature.NodeFeature)[3])
}

func TestOpen_SectionsFromConfig(t *testing.T) {
	dir := writeCorpus(t, without(bookFiles, "otext"))
	cfg := config.Default()
	cfg.Sections.Types = []string{"book", "chapter", "verse"}

	c := openCorpus(t, dir, cfg, nil)
	spec, ok := c.Sections()
	require.True(t, ok)
	assert.Equal(t, [3]string{"book", "chapter", "verse"}, spec.Features)
}

func TestOpen_SectionFeatureMissing(t *testing.T) {
	dir := writeCorpus(t, without(bookFiles, "verse"))
	var buf bytes.Buffer
	c := openCorpus(t, dir, config.Default(), &buf)

	_, ok := c.Sections()
	assert.False(t, ok)
	assert.NotContains(t, c.Indices(), graphindex.SectionsName)
	assert.Contains(t, buf.String(), "section feature missing")
}

func TestPrepare_BuildsAndCachesIndices(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	var buf bytes.Buffer
	c := openCorpus(t, dir, config.Default(), &buf)
	ctx := context.Background()

	require.NoError(t, c.Prepare(ctx))

	order, err := c.Feature(ctx, graphindex.OrderName)
	require.NoError(t, err)
	assert.Equal(t, feature.IntArray{7, 8, 10, 1, 2, 11, 3, 9, 12, 4, 5, 6}, order)

	sections, err := c.Feature(ctx, graphindex.SectionsName)
	require.NoError(t, err)
	assert.Equal(t, 9, sections.(*feature.Sections).Sec1[7][value.Num(2)])

	for _, name := range c.Indices() {
		_, err := os.Stat(filepath.Join(dir, cache.DefaultDir, name+cache.Extension))
		assert.NoError(t, err, name)
	}

	logs := buf.String()
	assert.Contains(t, logs, `"session_id":"`+c.SessionID()+`"`)
	assert.Contains(t, logs, `"compute_id"`)
	assert.Contains(t, logs, `"action":"C"`)

	// A fresh session reads everything from cache.
	again := openCorpus(t, dir, config.Default(), nil)
	require.NoError(t, again.Prepare(ctx))
	s, _ := again.Registry().Get(graphindex.OrderName)
	assert.Equal(t, store.ActionCache, s.LastAction())
	assert.NotEqual(t, c.SessionID(), again.SessionID())
}

func TestLoad_ConcurrentCallersShareOneCompute(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			return c.Load(context.Background(), graphindex.LevDownName)
		})
	}
	require.NoError(t, g.Wait())

	s, _ := c.Registry().Get(graphindex.LevDownName)
	assert.Equal(t, 1, s.Stats().Computes)
	o, _ := c.Registry().Get(graphindex.OrderName)
	assert.Equal(t, 1, o.Stats().Computes)
}

func TestLoad_UnknownFeature(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)

	err := c.Load(context.Background(), "g_word", "nope")
	assert.ErrorIs(t, err, store.ErrUnknownFeature)

	s, _ := c.Registry().Get("g_word")
	assert.True(t, s.Loaded())
}

func TestInvalidate_UnloadsDependents(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	ctx := context.Background()
	require.NoError(t, c.Prepare(ctx))

	unloaded := c.Invalidate("verse")
	assert.Equal(t, []string{graphindex.SectionsName, "verse"}, unloaded)

	sec, _ := c.Registry().Get(graphindex.SectionsName)
	assert.False(t, sec.Loaded())
	order, _ := c.Registry().Get(graphindex.OrderName)
	assert.True(t, order.Loaded())

	assert.Nil(t, c.Invalidate("nope"))
}

func TestExport(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "export")

	path, err := c.Export(ctx, "chapter", out, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "chapter.tf"), path)

	h, data, err := feature.ReadFile(path, feature.ReadOptions{Name: "chapter"})
	require.NoError(t, err)
	assert.Equal(t, "int", h.Meta[feature.MetaValueType])
	assert.Equal(t, feature.NodeFeature{8: value.Num(1), 9: value.Num(2)}, data)

	_, err = c.Export(ctx, "chapter", dir, false)
	assert.ErrorIs(t, err, feature.ErrIO, "refuses to overwrite its source")

	_, err = c.Export(ctx, graphindex.OrderName, out, false)
	assert.ErrorIs(t, err, feature.ErrConfiguration)
}

func TestRebuild(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	ctx := context.Background()
	require.NoError(t, c.Prepare(ctx))

	require.NoError(t, c.Rebuild(ctx))
	for _, name := range c.Indices() {
		s, _ := c.Registry().Get(name)
		assert.Equal(t, store.ActionCompute, s.LastWork(), name)
	}
	s, _ := c.Registry().Get(graphindex.RankName)
	assert.Equal(t, 2, s.Stats().Computes)
}

func TestCatalog(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	cfg := config.Default()
	cfg.Cache.Catalog = true
	ctx := context.Background()

	c, err := Open(dir, cfg, WithLogger(logging.New(logging.Config{Quiet: true})))
	require.NoError(t, err)
	require.NoError(t, c.Prepare(ctx))
	require.NoError(t, c.Close())

	cat, err := cache.OpenCatalog(filepath.Join(dir, cache.DefaultDir))
	require.NoError(t, err)
	defer cat.Close()

	names, err := cat.Names(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, graphindex.BoundaryName)
	assert.Contains(t, names, "oslots")
}

func TestWatcher_InvalidatesChangedFeature(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Prepare(ctx))

	var (
		mu  sync.Mutex
		got []string
	)
	w, err := c.Watch(&WatcherOptions{
		DebounceWindow: 20 * time.Millisecond,
		OnInvalidate: func(unloaded []string) {
			mu.Lock()
			got = append(got, unloaded...)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	path := filepath.Join(dir, "chapter.tf")
	require.NoError(t, os.WriteFile(path, []byte("@node\n@valueType=int\n\n8\t1\n9\t3\n"), 0600))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(got, "chapter") && slices.Contains(got, graphindex.SectionsName)
	}, 5*time.Second, 20*time.Millisecond)

	sections, err := c.Feature(ctx, graphindex.SectionsName)
	require.NoError(t, err)
	assert.Equal(t, 9, sections.(*feature.Sections).Sec1[7][value.Num(3)])

	w.Stop()
	assert.False(t, w.IsWatching())
}

const brokenOslots = "@edge\n\n7\t1-6\textra\n8\t1-3\n9\t4-6\n10\t1-2\n11\t3\n12\t4-6\n"

func rewrite(t *testing.T, dir, name, text string, ahead time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name+feature.Extension)
	require.NoError(t, os.WriteFile(path, []byte(text), 0600))
	at := time.Now().Add(ahead)
	require.NoError(t, os.Chtimes(path, at, at))
}

func TestReload_RecoversFromFailedFeature(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	ctx := context.Background()
	require.NoError(t, c.Prepare(ctx))
	first := c.Registry()

	rewrite(t, dir, "oslots", brokenOslots, 2*time.Second)
	c.Invalidate("oslots")
	err := c.Prepare(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, feature.ErrFormat)

	// Fixing the file does not revive the failed store.
	rewrite(t, dir, "oslots", bookFiles["oslots"], 4*time.Second)
	c.Invalidate("oslots")
	assert.Error(t, c.Prepare(ctx))

	require.NoError(t, c.Reload())
	assert.NotSame(t, first, c.Registry())
	require.NoError(t, c.Prepare(ctx))

	oslots, _ := c.Registry().Get("oslots")
	assert.Equal(t, store.ActionParse, oslots.LastWork())
	_, ok := c.Sections()
	assert.True(t, ok)
}

func TestReload_PicksUpNewFeatureFiles(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	assert.NotContains(t, c.Names(), "lemma")

	rewrite(t, dir, "lemma", "@node\n\nin\nthe\n", 0)
	require.NoError(t, c.Reload())
	assert.Contains(t, c.Names(), "lemma")

	data, err := c.Feature(context.Background(), "lemma")
	require.NoError(t, err)
	assert.Equal(t, feature.NodeFeature{1: value.Str("in"), 2: value.Str("the")}, data)
}

func TestWatcher_RecoversAfterBrokenSave(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Prepare(ctx))

	w, err := c.Watch(&WatcherOptions{DebounceWindow: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	rewrite(t, dir, "oslots", brokenOslots, 2*time.Second)
	assert.Eventually(t, func() bool {
		s, _ := c.Registry().Get("oslots")
		return c.Prepare(ctx) != nil && s.Failed()
	}, 5*time.Second, 20*time.Millisecond)

	rewrite(t, dir, "oslots", bookFiles["oslots"], 4*time.Second)
	assert.Eventually(t, func() bool {
		return c.Prepare(ctx) == nil
	}, 5*time.Second, 20*time.Millisecond)

	sections, err := c.Feature(ctx, graphindex.SectionsName)
	require.NoError(t, err)
	assert.Equal(t, 9, sections.(*feature.Sections).Sec1[7][value.Num(2)])
}

func TestWatcher_StartFailureResetsState(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	c := openCorpus(t, dir, config.Default(), nil)
	require.NoError(t, os.RemoveAll(dir))

	w, err := c.Watch(nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.Error(t, w.Start(context.Background()))
	assert.False(t, w.IsWatching())
}

func TestCatalog_SecondOpenFallsBackWithoutCatalog(t *testing.T) {
	dir := writeCorpus(t, bookFiles)
	cfg := config.Default()
	cfg.Cache.Catalog = true
	ctx := context.Background()

	first := openCorpus(t, dir, cfg, nil)
	require.NoError(t, first.Prepare(ctx))

	var buf bytes.Buffer
	second := openCorpus(t, dir, cfg, &buf)
	assert.Contains(t, buf.String(), "cache catalog unavailable")
	require.NoError(t, second.Prepare(ctx))

	order, _ := second.Registry().Get(graphindex.OrderName)
	assert.Equal(t, store.ActionCache, order.LastWork())
}
