// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dagtree

import (
	"container/list"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/keycodec"
	"github.com/netsend/mastersync/kvstore"
)

// Prune trims the ancestry of id at version, deleting every ancestor node
// strictly before it and making version the new root, grounded on
// _examples/aghassemi-go.ref/services/syncbase/sync/dag.go's prune/pruneAll. It is exposed as an
// explicit, caller-invoked maintenance call — never triggered
// automatically by the writer pipeline, which has no way to know what
// every peer has already observed.
func (t *Tree) Prune(id dagmodel.ID, version dagmodel.Version) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, err := t.getByVersionLocked(version)
	if err != nil {
		return dagerr.Wrap(dagerr.StoreError, err, "tree %s: prune target %q", t.name, version)
	}
	if target.H.IsRoot() {
		return nil // already the root, nothing to do
	}

	toDelete := t.collectAncestorsLocked(target.H.Parents)

	return kvstore.RunInTransaction(t.store, func(tx kvstore.StoreReadWriter) error {
		rewired := target.Clone()
		rewired.H.Parents = nil
		body, err := dagmodel.EncodeBSON(rewired)
		if err != nil {
			return err
		}
		dsKey, err := keycodec.EncodeDSKey(t.name, rewired.H.ID.String(), rewired.H.Insertion)
		if err != nil {
			return err
		}
		if err := tx.Put(dsKey, body); err != nil {
			return err
		}

		for _, anc := range toDelete {
			if err := t.deleteNodeLocked(tx, anc); err != nil {
				return err
			}
		}
		return nil
	})
}

// collectAncestorsLocked does a breadth-first walk back from startVersions,
// mirroring _examples/aghassemi-go.ref/services/syncbase/sync/dag.go's ancestorIter.
func (t *Tree) collectAncestorsLocked(startVersions []dagmodel.Version) []*dagmodel.Item {
	visited := make(map[dagmodel.Version]bool)
	queue := list.New()
	for _, v := range startVersions {
		queue.PushBack(v)
		visited[v] = true
	}

	var out []*dagmodel.Item
	for queue.Len() > 0 {
		v := queue.Remove(queue.Front()).(dagmodel.Version)
		item, err := t.getByVersionLocked(v)
		if err != nil {
			continue // already pruned
		}
		for _, p := range item.H.Parents {
			if !visited[p] {
				queue.PushBack(p)
				visited[p] = true
			}
		}
		out = append(out, item)
	}
	return out
}

func (t *Tree) deleteNodeLocked(tx kvstore.StoreReadWriter, item *dagmodel.Item) error {
	dsKey, err := keycodec.EncodeDSKey(t.name, item.H.ID.String(), item.H.Insertion)
	if err != nil {
		return err
	}
	iKey, err := keycodec.EncodeIKey(t.name, item.H.Insertion)
	if err != nil {
		return err
	}
	vKey, err := keycodec.EncodeVKey(t.name, dagmodel.EncodeVersionBytes(item.H.Version))
	if err != nil {
		return err
	}
	for _, k := range [][]byte{dsKey, iKey, vKey} {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
