// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package value implements the typed feature value and its text encoding.
//
// A Value is exactly one of: empty, a string, or an integer number. Values
// are comparable and may be used as map keys.
package value

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	// KindEmpty is the zero Value.
	KindEmpty Kind = iota

	// KindString holds a string.
	KindString

	// KindNumber holds an int64.
	KindNumber
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	default:
		return "unknown"
	}
}

// ErrBadValue is returned when a token cannot be decoded.
var ErrBadValue = errors.New("bad value")

// Value is a closed union of {empty, string, number}.
type Value struct {
	kind Kind
	s    string
	n    int64
}

// Empty returns the empty Value.
func Empty() Value { return Value{} }

// Str returns a string Value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Num returns a number Value.
func Num(n int64) Value { return Value{kind: KindNumber, n: n} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v is the empty Value.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// AsString returns the string payload and whether v is a string.
func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// AsNumber returns the number payload and whether v is a number.
func (v Value) AsNumber() (int64, bool) {
	return v.n, v.kind == KindNumber
}

// String renders v for display. Empty renders as "".
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return strconv.FormatInt(v.n, 10)
	default:
		return ""
	}
}

// Equal reports whether v and w hold the same kind and payload.
func (v Value) Equal(w Value) bool {
	return v == w
}

// Compare orders values: empty < numbers < strings, then by payload.
func (v Value) Compare(w Value) int {
	if v.kind != w.kind {
		return rankOf(v.kind) - rankOf(w.kind)
	}
	switch v.kind {
	case KindNumber:
		switch {
		case v.n < w.n:
			return -1
		case v.n > w.n:
			return 1
		}
		return 0
	case KindString:
		return strings.Compare(v.s, w.s)
	}
	return 0
}

func rankOf(k Kind) int {
	switch k {
	case KindEmpty:
		return 0
	case KindNumber:
		return 1
	default:
		return 2
	}
}

// Decode converts a text token into a Value.
//
// With numeric set, the token must be a base-10 integer; an empty token
// decodes to Empty. Otherwise the token is a string with the escapes
// \t, \n and \\ resolved; an empty token decodes to the empty string.
func Decode(token string, numeric bool) (Value, error) {
	if numeric {
		if token == "" {
			return Empty(), nil
		}
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return Empty(), fmt.Errorf("%w: %q is not an integer", ErrBadValue, token)
		}
		return Num(n), nil
	}
	return Str(unescape(token)), nil
}

// Encode converts v into a text token. It is the inverse of Decode.
func Encode(v Value) string {
	switch v.kind {
	case KindString:
		return escape(v.s)
	case KindNumber:
		return strconv.FormatInt(v.n, 10)
	default:
		return ""
	}
}

func unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`)

func escape(s string) string {
	return escaper.Replace(s)
}
