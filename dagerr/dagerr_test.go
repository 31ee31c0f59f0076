// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dagerr_test

import (
	"errors"
	"testing"

	"github.com/netsend/mastersync/dagerr"
)

func TestIsMatchesKind(t *testing.T) {
	err := dagerr.New(dagerr.NoLCA, "no common ancestor for %q and %q", "v1", "v2")
	if !dagerr.Is(err, dagerr.NoLCA) {
		t.Error("Is(NoLCA) = false, want true")
	}
	if dagerr.Is(err, dagerr.InvalidItem) {
		t.Error("Is(InvalidItem) = true, want false")
	}
}

func TestWrapNilCauseIsNil(t *testing.T) {
	if err := dagerr.Wrap(dagerr.StoreError, nil, "unreachable"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	err := dagerr.Wrap(dagerr.StoreError, cause, "wrapping")
	if !errors.Is(err, cause) {
		t.Error("errors.Is(wrapped, cause) = false, want true")
	}
}

func TestWithConflictsCarriesAttributeNames(t *testing.T) {
	err := dagerr.WithConflicts([]string{"age", "name"})
	if !dagerr.Is(err, dagerr.MergeConflict) {
		t.Fatal("WithConflicts did not produce a MergeConflict error")
	}
	if len(err.Conflicts) != 2 || err.Conflicts[0] != "age" || err.Conflicts[1] != "name" {
		t.Errorf("Conflicts = %v, want [age name]", err.Conflicts)
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := dagerr.Wrap(dagerr.StoreError, cause, "writing key")
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should unwrap to cause")
	}
}

func TestKindStringUnknown(t *testing.T) {
	var k dagerr.Kind
	if k.String() != "Unknown" {
		t.Errorf("zero Kind.String() = %q, want %q", k.String(), "Unknown")
	}
}
