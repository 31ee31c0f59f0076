// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mastersync

import (
	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/dagtree"
	"github.com/netsend/mastersync/lca"
	"github.com/netsend/mastersync/merge"
	"github.com/netsend/mastersync/writer"
	"v.io/x/lib/vlog"
)

// mergeWithLocal drains every item written to perspective's tree since
// the last drain into stage, then resolves every id touched by that
// drain against the current local head. Caller holds mt.mu.
func (mt *MergeTree) mergeWithLocal(perspective dagmodel.Perspective) error {
	remote := mt.remotes[perspective]
	stagePerspective := dagmodel.Perspective(mt.stage.Name())

	var touched []dagmodel.ID
	seen := make(map[dagmodel.ID]bool)
	opts := dagtree.IterOptions{First: mt.drainWatermark[perspective]}
	err := remote.IterateInsertionOrder(opts, func(item *dagmodel.Item) error {
		mt.drainWatermark[perspective] = item.H.Insertion + 1
		if _, err := mt.mirrorInto(mt.stage, stagePerspective, item); err != nil {
			return err
		}
		if !seen[item.H.ID] {
			seen[item.H.ID] = true
			touched = append(touched, item.H.ID)
		}
		return nil
	})
	if err != nil {
		return dagerr.Wrap(dagerr.StoreError, err, "mastersync: draining perspective %q", perspective)
	}

	for _, id := range touched {
		if err := mt.resolveID(id, stagePerspective); err != nil {
			return err
		}
	}
	return nil
}

// resolveID reconciles id's stage heads against its current local head,
// one pair at a time: a stage head with no competing local head promotes
// directly; one identical to the local head is dropped from stage; a
// genuinely divergent pair is
// folded into a new staged merge node awaiting confirmation rather than
// committed straight to local, which is what distinguishes this façade
// from the writer pipeline's unconditional head-merge loop.
func (mt *MergeTree) resolveID(id dagmodel.ID, stagePerspective dagmodel.Perspective) error {
	for {
		// Unfiltered: stage's own head index flags every head past the
		// first as conflict as soon as it is written, which would hide a
		// second, genuinely unresolved remote head from a SkipConflicts
		// query before this loop ever gets a chance to resolve it.
		allStageHeads, err := mt.stage.GetHeads(id, dagtree.HeadsOptions{})
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: loading stage heads", id)
		}
		// A head already sitting in the confirmation queue is a merge
		// this very function staged on a previous pass; re-deriving it
		// against the same (still-unconfirmed) local head would only
		// produce a redundant entry chained off the first. Skip to the
		// oldest head that isn't already pending.
		pending := make(map[dagmodel.Version]bool, len(mt.stagedQueue[id]))
		for _, e := range mt.stagedQueue[id] {
			pending[e.version] = true
		}
		var r *dagmodel.Item
		for _, h := range allStageHeads {
			if h.H.Deleted || pending[h.H.Version] {
				continue
			}
			r = h
			break
		}
		if r == nil {
			return nil
		}

		localHeads, err := mt.local.GetHeads(id, dagtree.HeadsOptions{SkipConflicts: true})
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: loading local heads", id)
		}

		if len(localHeads) == 0 {
			if err := mt.promote(id, r); err != nil {
				return err
			}
			continue
		}
		localHead := localHeads[0]

		if localHead.H.Version == r.H.Version {
			if err := mt.stage.Del(r); err != nil {
				return dagerr.Wrap(dagerr.StoreError, err, "id %q: pruning reconciled stage entry %q", id, r.H.Version)
			}
			continue
		}

		localAnchor, err := mt.mirrorInto(mt.stage, stagePerspective, localHead)
		if err != nil {
			return err
		}

		candidates, err := lca.FindAll(lca.Ref{Source: mt.stage, Version: r.H.Version}, lca.Ref{Source: mt.stage, Version: localAnchor.H.Version})
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: lca search", id)
		}
		if len(candidates) == 0 {
			return dagerr.New(dagerr.NoLCA, "id %q: stage head %q and local head %q share no common ancestor", id, r.H.Version, localHead.H.Version)
		}
		baseline, err := lca.Reduce(candidates, mt.stage)
		if err != nil {
			return err
		}

		merged, err := merge.Merge3(r, localAnchor, baseline, nil)
		if err != nil {
			if dagerr.Is(err, dagerr.MergeConflict) {
				vlog.VI(1).Infof("mastersync: id %q: merge conflict between stage %q and local %q: %v", id, r.H.Version, localHead.H.Version, err)
				return nil
			}
			return err
		}
		v, err := dagmodel.GenerateVersion(merged, mt.opts.VersionSize)
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: generating merge version", id)
		}
		merged.H.Version = v

		mergedOut, err := mt.stage.Write(merged)
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: staging merge %q", id, v)
		}
		mt.stagedQueue[id] = append(mt.stagedQueue[id], stagedEntry{version: mergedOut.H.Version, insertion: mergedOut.H.Insertion})

		if mt.opts.MergeHandler != nil {
			if err := mt.opts.MergeHandler(mergedOut, localHead); err != nil {
				return dagerr.Wrap(dagerr.StoreError, err, "id %q: merge handler for %q", id, v)
			}
			return nil
		}
		if _, err := mt.confirmLocked(id, mergedOut.H.Version); err != nil {
			return err
		}
	}
}

// promote copies item, and any of its ancestors missing from local,
// into the local tree, then syncs the new local head to the plain
// store. The stage copy of item itself is then pruned; its ancestors
// are left in stage as harmless, already-reconciled history.
func (mt *MergeTree) promote(id dagmodel.ID, item *dagmodel.Item) error {
	if _, err := mt.mirrorInto(mt.local, mt.opts.LocalPerspective, item); err != nil {
		return err
	}
	if err := mt.stage.Del(item); err != nil {
		return dagerr.Wrap(dagerr.StoreError, err, "id %q: pruning promoted stage entry %q", id, item.H.Version)
	}
	if mt.opts.Store != nil {
		if _, err := writer.SyncHead(mt.local, id, mt.opts.Store); err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: syncing promoted head to plain store", id)
		}
	}
	return nil
}

// mirrorInto clones item, and recursively whichever of its ancestors
// target is missing, into target under perspective. Ancestors are
// located via resolveAnywhere, since a cross-tree merge's parents can
// live in stage, local, or the originating remote tree. A no-op when
// item is already present.
func (mt *MergeTree) mirrorInto(target *dagtree.Tree, perspective dagmodel.Perspective, item *dagmodel.Item) (*dagmodel.Item, error) {
	if existing, err := target.GetByVersion(item.H.Version); err == nil {
		return existing, nil
	}
	for _, pv := range item.H.Parents {
		if _, err := target.GetByVersion(pv); err == nil {
			continue
		}
		parent, err := mt.resolveAnywhere(pv)
		if err != nil {
			return nil, dagerr.New(dagerr.ParentNotFound, "mirroring %q into %s: parent %q: %v", item.H.Version, target.Name(), pv, err)
		}
		if _, err := mt.mirrorInto(target, perspective, parent); err != nil {
			return nil, err
		}
	}
	clone := item.Clone()
	clone.H.Perspective = perspective
	clone.H.Insertion = 0
	clone.H.Conflict = false
	out, err := target.Write(clone)
	if err != nil {
		return nil, dagerr.Wrap(dagerr.StoreError, err, "mirroring %q into %s", item.H.Version, target.Name())
	}
	return out, nil
}

func (mt *MergeTree) resolveAnywhere(v dagmodel.Version) (*dagmodel.Item, error) {
	if it, err := mt.stage.GetByVersion(v); err == nil {
		return it, nil
	}
	if it, err := mt.local.GetByVersion(v); err == nil {
		return it, nil
	}
	for _, t := range mt.remotes {
		if it, err := t.GetByVersion(v); err == nil {
			return it, nil
		}
	}
	return nil, dagerr.New(dagerr.ParentNotFound, "version %q not found in any tree", v)
}
