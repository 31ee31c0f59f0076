// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package merge implements the pure three-way merge of two document
// bodies against one or two lowest common ancestors.
//
// It has no teacher counterpart in _examples/aghassemi-go.ref/services/syncbase/sync/dag.go — the
// teacher's conflict handling stops at selecting an ancestor and calling
// an application-supplied resolver (vsync's ConflictResolver), it never
// attempts an attribute-level three-way merge itself. Per-attribute
// equality here uses JSON marshaling as the canonical form, which sorts
// map keys and normalizes numeric literals, so two attribute values
// compare equal whenever they'd serialize identically.
package merge

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
)

// delta classifies one attribute's change on one side relative to its
// LCA: "" unchanged, "+" added, "~" changed, "-" deleted.
type delta byte

const (
	deltaNone    delta = 0
	deltaAdded   delta = '+'
	deltaChanged delta = '~'
	deltaDeleted delta = '-'
)

func classify(ok bool, v interface{}, lok bool, lv interface{}) delta {
	switch {
	case ok && lok:
		if jsonEqual(v, lv) {
			return deltaNone
		}
		return deltaChanged
	case ok && !lok:
		return deltaAdded
	case !ok && lok:
		return deltaDeleted
	default:
		return deltaNone
	}
}

// jsonEqual reports whether a and b serialize to the same JSON, which
// normalizes numeric-type differences (e.g. int32 vs float64) introduced
// by BSON decoding and gives map attributes a stable comparison
// regardless of key order.
func jsonEqual(a, b interface{}) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Merge3 computes the three-way merge of x and y. If lcaY is nil,
// both sides compute their deltas against lcaX; this is the
// single-perspective case. If lcaY is supplied, each side computes its
// delta against its own LCA, which is how perspective-bound merges avoid
// false deletions arising from a foreign perspective's field set.
//
// On success it returns a new item with a fresh header: no version,
// parents [x.h.v, y.h.v], perspective x.h.pe, and a deletion tombstone
// only if both sides are tombstones. On conflict it returns a
// *dagerr.Error of Kind MergeConflict carrying the conflicting attribute
// names.
func Merge3(x, y, lcaX, lcaY *dagmodel.Item) (*dagmodel.Item, error) {
	if lcaY == nil {
		lcaY = lcaX
	}

	keys := make(map[string]struct{})
	for _, body := range []map[string]interface{}{x.B, y.B, lcaX.B, lcaY.B} {
		for k := range body {
			keys[k] = struct{}{}
		}
	}

	merged := make(map[string]interface{}, len(keys))
	var conflicts []string

	for key := range keys {
		xv, xok := x.B[key]
		yv, yok := y.B[key]
		lxv, lxok := lcaX.B[key]
		lyv, lyok := lcaY.B[key]

		dx := classify(xok, xv, lxok, lxv)
		dy := classify(yok, yv, lyok, lyv)

		switch {
		case dx == deltaNone && dy == deltaNone:
			if xok {
				merged[key] = xv
			} else if yok {
				merged[key] = yv
			}

		case dx == deltaDeleted && dy == deltaNone:
			// drop
		case dy == deltaDeleted && dx == deltaNone:
			// drop
		case dx == deltaDeleted && dy == deltaDeleted:
			// both deleted: drop, no conflict

		case dx == deltaChanged && dy == deltaNone:
			merged[key] = xv
		case dy == deltaChanged && dx == deltaNone:
			merged[key] = yv

		case dx != deltaNone && dy == deltaNone:
			mergeOneSided(key, xv, yv, yok, merged, &conflicts)
		case dy != deltaNone && dx == deltaNone:
			mergeOneSided(key, yv, xv, xok, merged, &conflicts)

		default:
			// Both sides deviated from their own baseline.
			if xok && yok {
				if jsonEqual(xv, yv) {
					merged[key] = xv
				} else {
					conflicts = append(conflicts, key)
				}
			} else {
				// One side deleted (absent) while the other added or
				// changed it (present): presence mismatch is itself a
				// conflict, values aren't comparable.
				conflicts = append(conflicts, key)
			}
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, dagerr.WithConflicts(conflicts)
	}

	deleted := x.H.Deleted && y.H.Deleted
	out := &dagmodel.Item{
		H: dagmodel.Header{
			ID:          x.H.ID,
			Parents:     []dagmodel.Version{x.H.Version, y.H.Version},
			Perspective: x.H.Perspective,
			Deleted:     deleted,
		},
		M: dagmodel.Meta{},
		B: merged,
	}
	return out, nil
}

// mergeOneSided handles the case where exactly one side added the
// attribute relative to its own baseline while the other is unchanged
// relative to its baseline: add if the other side has nothing, copy if the other
// side already agrees, else conflict: added in one side and already
// present in the other side with a different value is a conflict.
func mergeOneSided(key string, changedVal, otherVal interface{}, otherOK bool, merged map[string]interface{}, conflicts *[]string) {
	if !otherOK {
		merged[key] = changedVal
		return
	}
	if jsonEqual(changedVal, otherVal) {
		merged[key] = changedVal
		return
	}
	*conflicts = append(*conflicts, key)
}
