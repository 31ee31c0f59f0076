// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dagerr defines the error taxonomy used across the DAG engine.
//
// The shape is modeled on v.io/v23/verror (see
// _examples/aghassemi-go.ref/services/syncbase/store/util.go's WrapError): every error carries a Kind
// plus an optional wrapped cause, so callers can classify failures with
// errors.Is/errors.As without string-matching messages. Unlike verror it
// does not bind to an RPC context or an IDAction registry — that
// machinery belongs to the transport layer, which is out of scope here.
package dagerr

import (
	"errors"
	"fmt"
)

// Kind classifies a DAG engine error.
type Kind int

const (
	// Unknown is the zero Kind; never returned by this package.
	Unknown Kind = iota
	// InvalidItem: missing or ill-typed header fields.
	InvalidItem
	// PerspectiveMismatch: a batch with heterogeneous perspectives, or a
	// remote write naming a reserved perspective.
	PerspectiveMismatch
	// RootPreceded: a new root item is not permitted because the id's
	// previous tail is not a deletion tombstone.
	RootPreceded
	// AmbiguousHeads: multiple non-deleted, non-conflicting heads exist
	// for an id where exactly one is required.
	AmbiguousHeads
	// MergeConflict: three-way merge produced a non-empty conflict set.
	MergeConflict
	// NoLCA: LCA search found nothing and the reconnection rule does not
	// apply.
	NoLCA
	// OffsetNotFound: a reader's requested offset was not encountered in
	// the tree's insertion-order stream.
	OffsetNotFound
	// ParentNotFound: a referenced parent version is missing from the
	// virtual collection.
	ParentNotFound
	// OutOfOrderConfirmation: a local write confirmed a stage version out
	// of stage insertion order.
	OutOfOrderConfirmation
	// StoreError: an opaque failure from the underlying key-value store.
	StoreError
)

func (k Kind) String() string {
	switch k {
	case InvalidItem:
		return "InvalidItem"
	case PerspectiveMismatch:
		return "PerspectiveMismatch"
	case RootPreceded:
		return "RootPreceded"
	case AmbiguousHeads:
		return "AmbiguousHeads"
	case MergeConflict:
		return "MergeConflict"
	case NoLCA:
		return "NoLCA"
	case OffsetNotFound:
		return "OffsetNotFound"
	case ParentNotFound:
		return "ParentNotFound"
	case OutOfOrderConfirmation:
		return "OutOfOrderConfirmation"
	case StoreError:
		return "StoreError"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every package in the
// engine. It is never constructed directly outside this package; use New
// or Wrap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Conflicts holds the conflicting attribute names for a MergeConflict
	// error.
	Conflicts []string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind. This lets
// errors.Is(err, dagerr.New(dagerr.NoLCA, "")) work as a Kind test when
// callers don't want to pull in the Kind-extraction helper below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause in an Error of the given Kind. Returns nil if cause is
// nil, matching store.WrapError's no-op-on-nil behavior.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithConflicts attaches the conflicting attribute names to a
// MergeConflict error.
func WithConflicts(conflicts []string) *Error {
	return &Error{Kind: MergeConflict, Message: fmt.Sprintf("%d conflicting attributes", len(conflicts)), Conflicts: conflicts}
}

// Is reports whether err is a dagerr.Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
