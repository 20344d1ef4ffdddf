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
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// InvalidateHandler is called after a debounced batch of feature files
// changed, with the names that were unloaded.
type InvalidateHandler func(unloaded []string)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for more changes before
	// invalidating. Default: 100ms
	DebounceWindow time.Duration

	// BufferSize is the size of the change channel. Default: 256
	BufferSize int

	// OnInvalidate is called from the debounce goroutine. Optional.
	OnInvalidate InvalidateHandler
}

// DefaultWatcherOptions returns sensible defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		DebounceWindow: 100 * time.Millisecond,
		BufferSize:     256,
	}
}

// Watcher unloads features whose text files change on disk.
//
// # Description
//
// Watches the corpus directory (not its cache directory) and batches
// events using a debounce window. When the window expires, every changed
// feature and all features computed from it are unloaded, so the next
// Load goes through the staleness check again. If a changed file is new
// to the corpus, or one of the affected features has failed, the corpus
// is reloaded instead so the next Load starts from fresh stores.
//
// # Thread Safety
//
// Safe for concurrent use. Invalidation runs on a single goroutine.
type Watcher struct {
	corpus   *Corpus
	watcher  *fsnotify.Watcher
	debounce time.Duration
	handler  InvalidateHandler

	changes  chan string
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// Watch creates a watcher for c. Call Start to begin watching.
//
// # Inputs
//
//   - opts: Optional configuration (nil uses defaults).
func (c *Corpus) Watch(opts *WatcherOptions) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = DefaultWatcherOptions().DebounceWindow
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultWatcherOptions().BufferSize
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		corpus:   c,
		watcher:  fw,
		debounce: opts.DebounceWindow,
		handler:  opts.OnInvalidate,
		changes:  make(chan string, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching.
//
// Spawns the event processor and the debouncer; both exit when Stop is
// called or ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.corpus.dir); err != nil {
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
		return err
	}

	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.corpus.logger.Info("watching corpus", slog.String("corpus", w.corpus.dir))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true if the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

// featureName maps a changed path to a feature name, or "".
func (w *Watcher) featureName(path string) string {
	base := filepath.Base(path)
	ext := w.corpus.cfg.Corpus.Extension
	if !strings.HasSuffix(base, ext) || base == ext {
		return ""
	}
	return strings.TrimSuffix(base, ext)
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := w.featureName(event.Name)
			if name == "" {
				continue
			}
			select {
			case w.changes <- name:
			default:
				w.corpus.logger.Warn("watch buffer full, change dropped", slog.String("feature", name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.corpus.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) > 0 {
			w.invalidate(pending)
			pending = make(map[string]bool)
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case name := <-w.changes:
			pending[name] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// invalidate unloads the changed features and their dependents, reloading
// the corpus when unloading alone cannot make them loadable again.
func (w *Watcher) invalidate(changed map[string]bool) {
	seen := make(map[string]bool)
	if w.needsReload(changed) {
		if err := w.corpus.Reload(); err != nil {
			w.corpus.logger.Error("corpus reload failed", slog.String("error", err.Error()))
			return
		}
		reg := w.corpus.Registry()
		for name := range changed {
			if _, ok := reg.Get(name); !ok {
				continue
			}
			seen[name] = true
			for _, n := range reg.Dependents(name) {
				seen[n] = true
			}
		}
	} else {
		for name := range changed {
			for _, n := range w.corpus.Invalidate(name) {
				seen[n] = true
			}
		}
	}
	if len(seen) == 0 {
		return
	}
	unloaded := make([]string, 0, len(seen))
	for n := range seen {
		unloaded = append(unloaded, n)
	}
	sort.Strings(unloaded)
	if w.handler != nil {
		w.handler(unloaded)
	}
}

// needsReload reports whether a changed file is unknown to the registry or
// a feature it reaches has failed.
func (w *Watcher) needsReload(changed map[string]bool) bool {
	reg := w.corpus.Registry()
	for name := range changed {
		if _, ok := reg.Get(name); !ok {
			return true
		}
		for _, n := range append([]string{name}, reg.Dependents(name)...) {
			if s, ok := reg.Get(n); ok && s.Failed() {
				return true
			}
		}
	}
	return false
}
