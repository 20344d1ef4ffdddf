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
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/AleutianAI/AleutianFabric/services/fabric/feature"
)

const (
	// Magic opens every uncompressed artifact stream.
	Magic = "TFX"

	// SchemaVersion is bumped whenever any per-shape layout changes.
	SchemaVersion = 1

	// DefaultCompressionLevel is the gzip level used for artifacts.
	DefaultCompressionLevel = 2

	// Extension is the artifact file extension.
	Extension = ".tfx"
)

var (
	// ErrBadMagic is returned for a stream that is not an artifact.
	ErrBadMagic = errors.New("not a feature artifact")

	// ErrSchemaVersion is returned for an artifact written by another schema.
	ErrSchemaVersion = errors.New("artifact schema version mismatch")

	// ErrCorrupt is returned when an artifact fails its catalog hash.
	ErrCorrupt = errors.New("artifact corrupt")
)

// Artifact is the cached snapshot of one feature.
//
// Kind is the text kind of a primitive feature and zero for derived ones.
type Artifact struct {
	Kind feature.Kind
	Meta feature.Metadata
	Data feature.Data
}

// Info describes an artifact file as written or read.
type Info struct {
	Shape            feature.Shape
	SchemaVersion    int
	SHA256           string
	CompressedSize   int64
	UncompressedSize int64
}

// WriteArtifact writes a to path atomically.
//
// Description:
//
//	Encodes and compresses a in memory, writes it to <path>.tmp, fsyncs,
//	renames it over path and syncs the directory. On any failure the
//	temp file is removed and path is left untouched.
//
// Inputs:
//
//	path - Destination file. Its directory is created if missing.
//	a - The artifact. a.Data must be non-nil.
//	level - gzip compression level (1-9).
//
// Outputs:
//
//	Info - Sizes and SHA-256 of the compressed bytes.
//	error - Wraps feature.ErrIO.
func WriteArtifact(path string, a Artifact, level int) (Info, error) {
	if a.Data == nil {
		return Info{}, fmt.Errorf("%w: no data to cache for %q", feature.ErrIO, path)
	}

	var compressed bytes.Buffer
	zw, err := gzip.NewWriterLevel(&compressed, level)
	if err != nil {
		return Info{}, fmt.Errorf("%w: create gzip writer: %v", feature.ErrIO, err)
	}
	counter := &countingWriter{w: zw}
	bw := bufio.NewWriter(counter)
	if err := encodeArtifact(bw, a); err != nil {
		return Info{}, fmt.Errorf("%w: encode %q: %v", feature.ErrIO, path, err)
	}
	if err := bw.Flush(); err != nil {
		return Info{}, fmt.Errorf("%w: encode %q: %v", feature.ErrIO, path, err)
	}
	if err := zw.Close(); err != nil {
		return Info{}, fmt.Errorf("%w: close gzip: %v", feature.ErrIO, err)
	}

	sum := sha256.Sum256(compressed.Bytes())
	info := Info{
		Shape:            a.Data.Shape(),
		SchemaVersion:    SchemaVersion,
		SHA256:           hex.EncodeToString(sum[:]),
		CompressedSize:   int64(compressed.Len()),
		UncompressedSize: counter.count,
	}

	if err := writeAtomic(path, compressed.Bytes()); err != nil {
		return Info{}, fmt.Errorf("%w: %v", feature.ErrIO, err)
	}
	return info, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write %q: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	cleanup = false

	// The artifact is valid even if the directory entry is not yet durable.
	_ = syncDir(dir)
	return nil
}

// ReadArtifact reads and decodes the artifact at path.
//
// The stored shape is trusted. A wrong magic or schema version fails with
// ErrBadMagic or ErrSchemaVersion, both wrapped in feature.ErrIO.
func ReadArtifact(path string) (Artifact, Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, Info{}, fmt.Errorf("%w: cache file %q does not exist", feature.ErrMissingSource, path)
		}
		return Artifact{}, Info{}, fmt.Errorf("%w: read %q: %v", feature.ErrIO, path, err)
	}
	return decodeArtifactBytes(path, raw)
}

func decodeArtifactBytes(path string, raw []byte) (Artifact, Info, error) {
	sum := sha256.Sum256(raw)
	info := Info{
		SHA256:         hex.EncodeToString(sum[:]),
		CompressedSize: int64(len(raw)),
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Artifact{}, info, fmt.Errorf("%w: %q: %w", feature.ErrIO, path, ErrBadMagic)
	}
	defer zr.Close()

	counter := &countingReader{r: zr}
	br := bufio.NewReader(counter)
	a, shape, err := decodeArtifact(br)
	if err != nil {
		return Artifact{}, info, fmt.Errorf("%w: %q: %w", feature.ErrIO, path, err)
	}
	// Reading to EOF verifies the gzip checksum.
	if _, err := io.Copy(io.Discard, br); err != nil {
		return Artifact{}, info, fmt.Errorf("%w: %q: %v", feature.ErrIO, path, err)
	}
	info.Shape = shape
	info.SchemaVersion = SchemaVersion
	info.UncompressedSize = counter.count
	return a, info, nil
}

func encodeArtifact(w *bufio.Writer, a Artifact) error {
	e := &encoder{w: w}
	if _, err := w.WriteString(Magic); err != nil {
		return err
	}
	e.uvarint(SchemaVersion)
	e.uvarint(uint64(a.Data.Shape()))
	e.uvarint(uint64(a.Kind))

	keys := a.Meta.Keys()
	e.count(len(keys))
	for _, k := range keys {
		e.str(k)
		e.str(a.Meta[k])
	}
	if e.err != nil {
		return e.err
	}
	return encodePayload(e, a.Data)
}

func decodeArtifact(r *bufio.Reader) (Artifact, feature.Shape, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != Magic {
		return Artifact{}, 0, ErrBadMagic
	}

	d := &decoder{r: r}
	if v := d.uvarint(); d.err == nil && v != SchemaVersion {
		return Artifact{}, 0, fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, v, SchemaVersion)
	}
	shape := feature.Shape(d.uvarint())
	kind := feature.Kind(d.uvarint())

	n := d.count()
	meta := make(feature.Metadata, min(n, 64))
	for i := 0; i < n && d.err == nil; i++ {
		k := d.str()
		meta[k] = d.str()
	}
	if d.err != nil {
		return Artifact{}, 0, fmt.Errorf("artifact header: %w", d.err)
	}

	data, err := decodePayload(d, shape)
	if err != nil {
		return Artifact{}, 0, fmt.Errorf("artifact payload (%s): %w", shape, err)
	}
	return Artifact{Kind: kind, Meta: meta, Data: data}, shape, nil
}

// countingWriter wraps a writer and counts bytes written.
type countingWriter struct {
	w     io.Writer
	count int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.count += int64(n)
	return n, err
}

type countingReader struct {
	r     io.Reader
	count int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.count += int64(n)
	return n, err
}

// syncDir makes a rename durable on filesystems that need it.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()
	return dir.Sync()
}

// modTime returns the modification time of path, if it exists.
func modTime(path string) (time.Time, bool) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return time.Time{}, false
	}
	return st.ModTime(), true
}
