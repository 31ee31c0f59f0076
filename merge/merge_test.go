// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package merge_test

import (
	"testing"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/merge"
)

func item(version string, parents []string, body map[string]interface{}) *dagmodel.Item {
	var pv []dagmodel.Version
	for _, p := range parents {
		pv = append(pv, dagmodel.Version(p))
	}
	return &dagmodel.Item{
		H: dagmodel.Header{ID: "doc1", Version: dagmodel.Version(version), Parents: pv, Perspective: "peerA"},
		B: body,
	}
}

func TestMerge3NonOverlappingChanges(t *testing.T) {
	lca := item("base", nil, map[string]interface{}{"name": "alice", "age": int32(30)})
	x := item("x", []string{"base"}, map[string]interface{}{"name": "alicia", "age": int32(30)})
	y := item("y", []string{"base"}, map[string]interface{}{"name": "alice", "age": int32(31)})

	merged, err := merge.Merge3(x, y, lca, nil)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if merged.B["name"] != "alicia" {
		t.Errorf("name = %v, want alicia", merged.B["name"])
	}
	if merged.B["age"] != int32(31) {
		t.Errorf("age = %v, want 31", merged.B["age"])
	}
	if len(merged.H.Parents) != 2 || merged.H.Parents[0] != "x" || merged.H.Parents[1] != "y" {
		t.Errorf("merged parents = %v, want [x y]", merged.H.Parents)
	}
}

func TestMerge3ConflictingChange(t *testing.T) {
	lca := item("base", nil, map[string]interface{}{"name": "alice"})
	x := item("x", []string{"base"}, map[string]interface{}{"name": "alicia"})
	y := item("y", []string{"base"}, map[string]interface{}{"name": "ally"})

	_, err := merge.Merge3(x, y, lca, nil)
	if !dagerr.Is(err, dagerr.MergeConflict) {
		t.Fatalf("Merge3 error = %v, want MergeConflict", err)
	}
	var de *dagerr.Error
	if e, ok := err.(*dagerr.Error); ok {
		de = e
	}
	if de == nil || len(de.Conflicts) != 1 || de.Conflicts[0] != "name" {
		t.Errorf("Conflicts = %v, want [name]", de)
	}
}

func TestMerge3AgreeingChangeIsNotAConflict(t *testing.T) {
	lca := item("base", nil, map[string]interface{}{"name": "alice"})
	x := item("x", []string{"base"}, map[string]interface{}{"name": "alicia"})
	y := item("y", []string{"base"}, map[string]interface{}{"name": "alicia"})

	merged, err := merge.Merge3(x, y, lca, nil)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if merged.B["name"] != "alicia" {
		t.Errorf("name = %v, want alicia", merged.B["name"])
	}
}

func TestMerge3DeletionWins(t *testing.T) {
	lca := item("base", nil, map[string]interface{}{"name": "alice", "temp": "x"})
	x := item("x", []string{"base"}, map[string]interface{}{"name": "alice"}) // temp deleted
	y := item("y", []string{"base"}, map[string]interface{}{"name": "alice", "temp": "x"})

	merged, err := merge.Merge3(x, y, lca, nil)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if _, ok := merged.B["temp"]; ok {
		t.Errorf("temp should have been dropped, got %v", merged.B["temp"])
	}
}

func TestMerge3BothDeletedDropsSilently(t *testing.T) {
	lca := item("base", nil, map[string]interface{}{"name": "alice", "temp": "x"})
	x := item("x", []string{"base"}, map[string]interface{}{"name": "alice"})
	y := item("y", []string{"base"}, map[string]interface{}{"name": "alice"})

	merged, err := merge.Merge3(x, y, lca, nil)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if _, ok := merged.B["temp"]; ok {
		t.Error("temp present in merged result, want absent")
	}
}

func TestMerge3NumericTypeInsensitiveEquality(t *testing.T) {
	// BSON decoding can hand back float64 where the original encoded an
	// int32; the merge must not treat that as a real change.
	lca := item("base", nil, map[string]interface{}{"count": int32(5)})
	x := item("x", []string{"base"}, map[string]interface{}{"count": float64(5)})
	y := item("y", []string{"base"}, map[string]interface{}{"count": int32(7)})

	merged, err := merge.Merge3(x, y, lca, nil)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if merged.B["count"] != int32(7) {
		t.Errorf("count = %v, want 7 (y's real change should win over x's no-op type change)", merged.B["count"])
	}
}

func TestMerge3TombstoneOnlyWhenBothSidesDeleted(t *testing.T) {
	lca := item("base", nil, map[string]interface{}{"name": "alice"})
	x := item("x", []string{"base"}, map[string]interface{}{"name": "alice"})
	x.H.Deleted = true
	y := item("y", []string{"base"}, map[string]interface{}{"name": "alice"})

	merged, err := merge.Merge3(x, y, lca, nil)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if merged.H.Deleted {
		t.Error("merged.H.Deleted = true, want false (only one side was a tombstone)")
	}

	y.H.Deleted = true
	merged, err = merge.Merge3(x, y, lca, nil)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if !merged.H.Deleted {
		t.Error("merged.H.Deleted = false, want true (both sides are tombstones)")
	}
}

func TestMerge3PerPerspectiveBaseline(t *testing.T) {
	// x's own baseline lacks "extra" entirely (never seen by that
	// perspective); y's baseline has it unchanged. x must not be treated
	// as having deleted a field it never had.
	lcaX := item("baseX", nil, map[string]interface{}{"name": "alice"})
	lcaY := item("baseY", nil, map[string]interface{}{"name": "alice", "extra": "keep"})
	x := item("x", []string{"baseX"}, map[string]interface{}{"name": "alicia"})
	y := item("y", []string{"baseY"}, map[string]interface{}{"name": "alice", "extra": "keep"})

	merged, err := merge.Merge3(x, y, lcaX, lcaY)
	if err != nil {
		t.Fatalf("Merge3: %v", err)
	}
	if merged.B["extra"] != "keep" {
		t.Errorf("extra = %v, want keep (should not be falsely deleted)", merged.B["extra"])
	}
	if merged.B["name"] != "alicia" {
		t.Errorf("name = %v, want alicia", merged.B["name"])
	}
}
