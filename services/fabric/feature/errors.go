// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feature

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors for feature loading. Every failure reported by this
// module wraps exactly one of them.
var (
	// ErrConfiguration is returned for a bad header or metadata, or a
	// designated feature that cannot be put in canonical form.
	ErrConfiguration = errors.New("configuration error")

	// ErrFormat is returned for malformed data lines. See FormatErrors.
	ErrFormat = errors.New("format error")

	// ErrMissingSource is returned when neither text nor cache is available.
	ErrMissingSource = errors.New("missing source")

	// ErrCompute is returned when a dependency failed or a rule produced
	// no result.
	ErrCompute = errors.New("compute error")

	// ErrIO is returned when a cache directory or file cannot be read or
	// written.
	ErrIO = errors.New("io error")

	// ErrNesting is returned when section ancestors are not strictly nested.
	ErrNesting = errors.New("nesting error")
)

// DefaultErrorCutoff is the number of line numbers listed per error group.
const DefaultErrorCutoff = 20

// ErrorKind names a class of malformed data line.
type ErrorKind string

const (
	// WrongFields: more columns than the feature kind allows.
	WrongFields ErrorKind = "wrongFields"

	// BadNodeSpec: a node column that is not a valid range spec.
	BadNodeSpec ErrorKind = "badNodeSpec"

	// EmptyNode2Spec: an edge record without a target.
	EmptyNode2Spec ErrorKind = "emptyNode2Spec"

	// BadValue: a value that does not decode under the declared value type.
	BadValue ErrorKind = "badValue"
)

// FormatGroup collects the file line numbers of one error kind.
type FormatGroup struct {
	Kind  ErrorKind
	Lines []int
}

// FormatErrors is the batched result of a failed decode.
//
// Groups appear in the order their kind was first seen. Line numbers are
// 1-based lines of the file, counting the header and the blank line that
// ends it, so the first data line of a file with no metadata is line 3.
type FormatErrors struct {
	Path   string
	Groups []FormatGroup
	Cutoff int
}

func (e *FormatErrors) add(kind ErrorKind, line int) {
	for i := range e.Groups {
		if e.Groups[i].Kind == kind {
			e.Groups[i].Lines = append(e.Groups[i].Lines, line)
			return
		}
	}
	e.Groups = append(e.Groups, FormatGroup{Kind: kind, Lines: []int{line}})
}

// Empty reports whether no error was recorded.
func (e *FormatErrors) Empty() bool {
	return len(e.Groups) == 0
}

// Group returns the group for kind, if any.
func (e *FormatErrors) Group(kind ErrorKind) (FormatGroup, bool) {
	for _, g := range e.Groups {
		if g.Kind == kind {
			return g, true
		}
	}
	return FormatGroup{}, false
}

// Messages renders each group as "<kind> in lines a,b,c" followed, when
// the group exceeds the cutoff, by "and N more cases".
func (e *FormatErrors) Messages() []string {
	cutoff := e.Cutoff
	if cutoff <= 0 {
		cutoff = DefaultErrorCutoff
	}
	var msgs []string
	for _, g := range e.Groups {
		shown := g.Lines
		if len(shown) > cutoff {
			shown = shown[:cutoff]
		}
		nums := make([]string, len(shown))
		for i, ln := range shown {
			nums[i] = strconv.Itoa(ln)
		}
		msgs = append(msgs, fmt.Sprintf("%s in lines %s", g.Kind, strings.Join(nums, ",")))
		if extra := len(g.Lines) - len(shown); extra > 0 {
			msgs = append(msgs, fmt.Sprintf("and %d more cases", extra))
		}
	}
	return msgs
}

// Error returns all messages joined by "; ".
func (e *FormatErrors) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, strings.Join(e.Messages(), "; "))
}

// Unwrap returns ErrFormat.
func (e *FormatErrors) Unwrap() error {
	return ErrFormat
}
