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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFabric/pkg/logging"
	"github.com/AleutianAI/AleutianFabric/services/fabric/cache"
	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
	"github.com/AleutianAI/AleutianFabric/services/fabric/store"
	"github.com/AleutianAI/AleutianFabric/services/fabric/value"
)

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".tf"), []byte(text), 0600))
	}
	return dir
}

func buildRegistry(t *testing.T, dir string, rec *logging.Recorder, primitives []string, rules []store.Rule) *store.Registry {
	t.Helper()
	c := cache.New(filepath.Join(dir, cache.DefaultDir))
	b := store.NewBuilder("corpus")
	for _, name := range primitives {
		b.Add(store.NewPrimitive(name, filepath.Join(dir, name+".tf"), c, store.WithLogger(rec)))
	}
	for _, r := range rules {
		b.Add(store.NewDerived(r, c, store.WithLogger(rec)))
	}
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

func TestRules_PhraseCorpusEndToEnd(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"otype":  "@node\n\n1-4\tword\nphrase\n",
		"oslots": "@edge\n\n5\t2-3\n",
	})
	rec := logging.NewRecorder()
	reg := buildRegistry(t, dir, rec, []string{"otype", "oslots"}, Rules())

	ctx := context.Background()
	names := []string{LevelsName, OrderName, RankName, LevUpName, LevDownName, BoundaryName}
	require.NoError(t, reg.Load(ctx, names...))

	order, _ := reg.Get(OrderName)
	diff(t, feature.IntArray{1, 5, 2, 3, 4}, order.Data())
	down, _ := reg.Get(LevDownName)
	diff(t, feature.Tuples{{2, 3}}, down.Data())
	assert.True(t, rec.Contains("slot=word:1-4;node-5"))
	assert.True(t, rec.Contains("sorting nodes"))

	for _, name := range names {
		_, err := os.Stat(filepath.Join(dir, cache.DefaultDir, name+cache.Extension))
		assert.NoError(t, err, name)
	}

	// A second registry over the same directory reads every index from cache.
	again := buildRegistry(t, dir, logging.NewRecorder(), []string{"otype", "oslots"}, Rules())
	require.NoError(t, again.Load(ctx, names...))
	for _, name := range names {
		s, _ := again.Get(name)
		assert.Equal(t, store.ActionCache, s.LastAction(), name)
		assert.Equal(t, 0, s.Stats().Computes, name)
	}
	rank, _ := again.Get(RankName)
	diff(t, feature.IntArray{0, 2, 3, 4, 1}, rank.Data())
}

func TestRules_SectionsEndToEnd(t *testing.T) {
	dir := writeCorpus(t, map[string]string{
		"otype":   "@node\n\n1-6\tword\nbook\nchapter\nchapter\nverse\nverse\nverse\n",
		"oslots":  "@edge\n\n7\t1-6\n8\t1-3\n9\t4-6\n10\t1-2\n11\t3\n12\t4-6\n",
		"book":    "@node\n\n7\tGenesis\n",
		"chapter": "@node\n@valueType=int\n\n8\t1\n9\t2\n",
		"verse":   "@node\n@valueType=int\n\n10\t1\n11\t2\n12\t1\n",
	})
	rec := logging.NewRecorder()
	rules := append(Rules(), SectionsRule(
		[3]string{"book", "chapter", "verse"},
		[3]string{"book", "chapter", "verse"},
	))
	reg := buildRegistry(t, dir, rec, []string{"otype", "oslots", "book", "chapter", "verse"}, rules)

	require.NoError(t, reg.Load(context.Background(), SectionsName))
	s, _ := reg.Get(SectionsName)
	sections, ok := s.Data().(*feature.Sections)
	require.True(t, ok)
	assert.Equal(t, 8, sections.Sec1[7][value.Num(1)])
	assert.Equal(t, 12, sections.Sec2[7][value.Num(2)][value.Num(1)])
	assert.True(t, rec.Contains("2 chapters and 3 verses indexed"))

	assert.Contains(t, reg.Dependents("oslots"), SectionsName)
	assert.NotContains(t, reg.Dependents("book"), SectionsName)
}

func TestRules_NestingFailsTheLoad(t *testing.T) {
	// Verse 12 spans both chapters, so it has no chapter container.
	dir := writeCorpus(t, map[string]string{
		"otype":   "@node\n\n1-6\tword\nbook\nchapter\nchapter\nverse\nverse\nverse\n",
		"oslots":  "@edge\n\n7\t1-6\n8\t1-3\n9\t4-6\n10\t1-2\n11\t3\n12\t3-4\n",
		"chapter": "@node\n@valueType=int\n\n8\t1\n9\t2\n",
		"verse":   "@node\n@valueType=int\n\n10\t1\n11\t2\n12\t3\n",
	})
	rules := append(Rules(), SectionsRule(
		[3]string{"book", "chapter", "verse"},
		[3]string{"", "chapter", "verse"},
	))
	reg := buildRegistry(t, dir, logging.NewRecorder(), []string{"otype", "oslots", "chapter", "verse"}, rules)

	err := reg.Load(context.Background(), SectionsName)
	require.Error(t, err)
	assert.ErrorIs(t, err, feature.ErrNesting)
	assert.ErrorIs(t, err, feature.ErrCompute)

	s, _ := reg.Get(SectionsName)
	assert.True(t, s.Failed())
}

func TestRules_WrongInputShape(t *testing.T) {
	_, err := applyOrder(logging.Discard(), feature.IntArray{1})
	assert.ErrorIs(t, err, feature.ErrConfiguration)

	otype, oslots := phraseCorpus()
	_, err = applyOrder(logging.Discard(), otype, oslots)
	assert.ErrorIs(t, err, feature.ErrConfiguration)
}
