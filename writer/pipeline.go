// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package writer implements the batch ingestion pipeline that accepts
// foreign-perspective and local (oplog-derived) items, enforces the DAG
// invariants, creates local-perspective siblings for remote writes,
// resolves divergent local heads via three-way merge, and syncs the
// winning local head to a plain, unversioned collaborator store.
//
// It plays the role _examples/aghassemi-go.ref/services/syncbase/vsync's initiator/responder "apply
// deltas" loop plays there: vsync inserts incoming log records
// into the dag (sync/dag.go's addNode/addParent) then calls into
// application conflict resolution when a fresh head collides with the
// existing one. This package generalizes that into an explicit,
// synchronous pipeline with its own merge/lca packages rather than an
// application callback, since the merge algorithm here is part of the
// core rather than out-of-band.
package writer

import (
	"sync"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/dagtree"
	"github.com/netsend/mastersync/lca"
	"github.com/netsend/mastersync/merge"
	"v.io/x/lib/vlog"
)

// PlainStore is the companion unversioned-collection collaborator that
// the winning local head is synced to. Its own storage and querying
// model is out of scope here beyond this upsert/delete contract.
type PlainStore interface {
	Upsert(id dagmodel.ID, body map[string]interface{}) error
	Delete(id dagmodel.ID) error
}

// Options configures a Pipeline.
type Options struct {
	// LocalPerspective names the local tree (default dagmodel.DefaultLocalPerspective).
	LocalPerspective dagmodel.Perspective
	// VersionSize bounds engine-generated merge versions (default dagmodel.DefaultVersionSize).
	VersionSize int
	// ProceedOnError skips ids that fail instead of aborting the batch.
	ProceedOnError bool
	// Store is the plain-collection sync target. Nil disables step 11.
	Store PlainStore
}

func (o *Options) setDefaults() {
	if o.LocalPerspective == "" {
		o.LocalPerspective = dagmodel.DefaultLocalPerspective
	}
	if o.VersionSize <= 0 {
		o.VersionSize = dagmodel.DefaultVersionSize
	}
}

// Pipeline is the writer pipeline over one local tree and a set of
// remote-perspective trees sharing the same id space.
type Pipeline struct {
	// mu serializes batches end to end: the pipeline processes one
	// batch to completion before starting the next.
	mu sync.Mutex

	local   *dagtree.Tree
	remotes map[dagmodel.Perspective]*dagtree.Tree
	opts    Options

	// lastAcked tracks, per id, the last item synced to the plain store;
	// used to apply $-modifier oplog updates.
	lastAcked map[dagmodel.ID]*dagmodel.Item
}

// New builds a Pipeline. remotes must be keyed by the perspective name
// each tree was opened with.
func New(local *dagtree.Tree, remotes map[dagmodel.Perspective]*dagtree.Tree, opts Options) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		local:     local,
		remotes:   remotes,
		opts:      opts,
		lastAcked: make(map[dagmodel.ID]*dagmodel.Item),
	}
}

// WriteRemote ingests a batch of items from a single named remote
// perspective.
func (p *Pipeline) WriteRemote(perspective dagmodel.Perspective, items []*dagmodel.Item) ([]*dagmodel.Item, error) {
	if perspective == p.opts.LocalPerspective {
		return nil, dagerr.New(dagerr.PerspectiveMismatch, "writeRemote: %q is the reserved local perspective", perspective)
	}
	tree, ok := p.remotes[perspective]
	if !ok {
		return nil, dagerr.New(dagerr.PerspectiveMismatch, "writeRemote: perspective %q is not declared", perspective)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runBatch(items, perspective, tree, false)
}

// WriteLocal ingests a batch of items produced directly by the owning
// application, e.g. already translated from oplog entries by
// ApplyOplog.
func (p *Pipeline) WriteLocal(items []*dagmodel.Item) ([]*dagmodel.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runBatch(items, p.opts.LocalPerspective, p.local, true)
}

// runBatch implements the ordered pipeline steps over one perspective's
// worth of items. Caller holds p.mu.
func (p *Pipeline) runBatch(items []*dagmodel.Item, perspective dagmodel.Perspective, tree *dagtree.Tree, isLocal bool) ([]*dagmodel.Item, error) {
	// Step 1: same-perspective check.
	for _, it := range items {
		if it.H.Perspective == "" {
			it.H.Perspective = perspective
		}
		if it.H.Perspective != perspective {
			return nil, dagerr.New(dagerr.PerspectiveMismatch, "batch mixes perspective %q into a %q batch", it.H.Perspective, perspective)
		}
	}

	// Step 2: meta normalization. ack is owned exclusively by step 11
	// (sync to plain store) and must never arrive pre-set.
	for _, it := range items {
		it.M.Ack = false
	}

	batchesProcessed.WithLabelValues(perspective.String()).Inc()

	order, groups := groupByID(items)

	var written []*dagmodel.Item
	for _, id := range order {
		group := groups[id]
		out, err := p.processID(id, group, perspective, tree, isLocal)
		if err != nil {
			if p.opts.ProceedOnError {
				vlog.Errorf("writer: id %q failed, skipping: %v", id, err)
				continue
			}
			return written, err
		}
		written = append(written, out...)
	}
	return written, nil
}

// groupByID partitions items by id, preserving each id's first-seen
// batch order and the relative order of items within the id.
func groupByID(items []*dagmodel.Item) ([]dagmodel.ID, map[dagmodel.ID][]*dagmodel.Item) {
	var order []dagmodel.ID
	groups := make(map[dagmodel.ID][]*dagmodel.Item)
	for _, it := range items {
		id := it.H.ID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], it)
	}
	return order, groups
}

// processID runs steps 3 through 11 for one id's worth of a batch.
func (p *Pipeline) processID(id dagmodel.ID, group []*dagmodel.Item, perspective dagmodel.Perspective, tree *dagtree.Tree, isLocal bool) ([]*dagmodel.Item, error) {
	// Step 3: ancestry check / reconnection rewrite.
	if err := p.checkAncestry(id, group, tree); err != nil {
		return nil, err
	}

	// Fresh local writes (typically oplog-derived) arrive without a
	// caller-supplied version; assign one with the same content-hash rule
	// used for engine-generated merges, now that parents are final.
	for _, it := range group {
		if it.H.Version.IsZero() {
			v, err := dagmodel.GenerateVersion(it, p.opts.VersionSize)
			if err != nil {
				return nil, dagerr.Wrap(dagerr.StoreError, err, "id %q: generating version", id)
			}
			it.H.Version = v
		}
	}

	// Steps 4 & 5: virtual collection and parent existence, scoped to this
	// id (cross-id parents never occur).
	known := make(map[dagmodel.Version]*dagmodel.Item, len(group))
	for _, it := range group {
		known[it.H.Version] = it
	}
	for _, it := range group {
		for _, pv := range it.H.Parents {
			if _, ok := known[pv]; ok {
				continue
			}
			if _, err := tree.GetByVersion(pv); err != nil {
				return nil, dagerr.New(dagerr.ParentNotFound, "id %q: parent %q of %q not found", id, pv, it.H.Version)
			}
		}
	}

	var written []*dagmodel.Item
	for _, it := range group {
		out, err := tree.Write(it)
		if err != nil {
			return written, dagerr.Wrap(dagerr.StoreError, err, "id %q: writing %q", id, it.H.Version)
		}
		written = append(written, out)
	}

	// Step 6: local-perspective ensuring. Remote items get a clone with an
	// identical version written into the local tree whenever one isn't
	// already present; any resulting divergence from the existing local
	// head is resolved immediately after by the same head-merge logic
	// local writes go through (step 8), since Tree.Write already enforces
	// the one-clean-head head-index rule (step 7) on every insertion.
	if !isLocal {
		for _, it := range written {
			sibling, err := p.ensureLocalSibling(it)
			if err != nil {
				return written, err
			}
			if sibling != nil {
				written = append(written, sibling)
			}
		}
	}

	// Steps 7 & 8: one-head enforcement is already applied by the local
	// tree's own write path; head merging resolves any divergence left
	// behind by concurrent local/remote writes to this id.
	if err := p.mergeLocalHeads(id); err != nil {
		return written, err
	}

	// Step 11: sync the winning local head to the plain store.
	if p.opts.Store != nil {
		if err := p.syncPlainStore(id); err != nil {
			return written, err
		}
	}

	return written, nil
}

// checkAncestry implements step 3: a new root is only permitted if the
// id is unseen in tree, or its sole existing head is a deletion
// tombstone (reconnection), in which case the root's first parent is
// rewritten to that tombstone's version.
func (p *Pipeline) checkAncestry(id dagmodel.ID, group []*dagmodel.Item, tree *dagtree.Tree) error {
	heads, err := tree.GetHeads(id, dagtree.HeadsOptions{})
	if err != nil {
		return dagerr.Wrap(dagerr.StoreError, err, "id %q: loading heads for ancestry check", id)
	}
	for _, it := range group {
		if !it.H.IsRoot() {
			continue
		}
		switch {
		case len(heads) == 0:
			// id unseen: a fresh root is fine.
		case len(heads) == 1 && heads[0].H.Deleted:
			it.H.Parents = []dagmodel.Version{heads[0].H.Version}
		default:
			return dagerr.New(dagerr.RootPreceded, "id %q: root %q not permitted, existing history is not a single tombstone", id, it.H.Version)
		}
	}
	return nil
}

// ensureLocalSibling writes a local-perspective clone of a just-written
// remote item, keeping its version and parents unchanged, unless one
// already exists. Returns nil, nil when nothing new was written.
func (p *Pipeline) ensureLocalSibling(remoteItem *dagmodel.Item) (*dagmodel.Item, error) {
	if _, err := p.local.GetByVersion(remoteItem.H.Version); err == nil {
		return nil, nil
	}
	clone := remoteItem.Clone()
	clone.H.Perspective = p.opts.LocalPerspective
	clone.H.Insertion = 0
	clone.H.Conflict = false
	clone.B["__origin"] = remoteItem.H.Perspective.String()

	out, err := p.local.Write(clone)
	if err != nil {
		return nil, dagerr.Wrap(dagerr.StoreError, err, "ensuring local sibling of %q", remoteItem.H.Version)
	}
	return out, nil
}

// mergeLocalHeads folds down more than one head for id in the local
// tree via three-way merge, using the lca package to find and collapse
// their lowest common ancestors.
func (p *Pipeline) mergeLocalHeads(id dagmodel.ID) error {
	for {
		heads, err := p.local.GetHeads(id, dagtree.HeadsOptions{})
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: loading local heads", id)
		}
		clean := cleanHeads(heads)
		if len(clean) <= 1 {
			return nil
		}

		x, y := clean[0], clean[1]
		candidates, err := lca.FindAll(lca.Ref{Source: p.local, Version: x.H.Version}, lca.Ref{Source: p.local, Version: y.H.Version})
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: lca search", id)
		}
		if len(candidates) == 0 {
			return dagerr.New(dagerr.NoLCA, "id %q: heads %q and %q share no common ancestor", id, x.H.Version, y.H.Version)
		}
		baseline, err := lca.Reduce(candidates, p.local)
		if err != nil {
			return err
		}

		merged, err := merge.Merge3(x, y, baseline, nil)
		if err != nil {
			if dagerr.Is(err, dagerr.MergeConflict) {
				// Already persisted with the conflict bit set by Tree's
				// own head-index rule; nothing further to do for this
				// id. Any further heads are left as they are.
				localMerges.WithLabelValues("conflict").Inc()
				vlog.VI(1).Infof("writer: id %q: merge conflict between %q and %q: %v", id, x.H.Version, y.H.Version, err)
				return nil
			}
			return err
		}

		v, err := dagmodel.GenerateVersion(merged, p.opts.VersionSize)
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: generating merge version", id)
		}
		merged.H.Version = v

		if _, err := p.local.Write(merged); err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "id %q: writing merge %q", id, v)
		}
		localMerges.WithLabelValues("merged").Inc()
		// Loop: another pair of heads may remain (three-way concurrent
		// divergence, or a fresh conflict resolved by this very merge).
	}
}

// cleanHeads filters out deleted (tombstoned) entries only. Conflict is not
// a disqualifier here: the tree's own head index flags every head past the
// first as conflict as soon as it is written, which would otherwise hide
// the very divergence this merge step exists to resolve.
func cleanHeads(heads []*dagmodel.Item) []*dagmodel.Item {
	var out []*dagmodel.Item
	for _, h := range heads {
		if !h.H.Deleted {
			out = append(out, h)
		}
	}
	return out
}

// syncPlainStore implements step 11: upsert or delete the winning local
// head into the plain collaborator store, and remember it for oplog
// $-modifier application.
func (p *Pipeline) syncPlainStore(id dagmodel.ID) error {
	head, err := SyncHead(p.local, id, p.opts.Store)
	if err != nil {
		return err
	}
	if head != nil {
		p.lastAcked[id] = head
	}
	return nil
}

// SyncHead upserts or deletes id's current clean, non-conflicting head
// in tree into store, returning that head (nil if the id currently has
// no clean head). Exported so the MergeTree façade's promotion path can
// reuse it instead of duplicating the rule.
func SyncHead(tree *dagtree.Tree, id dagmodel.ID, store PlainStore) (*dagmodel.Item, error) {
	heads, err := tree.GetHeads(id, dagtree.HeadsOptions{SkipConflicts: true})
	if err != nil {
		return nil, dagerr.Wrap(dagerr.StoreError, err, "id %q: loading head to sync", id)
	}
	if len(heads) == 0 {
		return nil, nil
	}
	head := heads[0]

	if head.H.Deleted {
		if err := store.Delete(id); err != nil {
			return nil, dagerr.Wrap(dagerr.StoreError, err, "id %q: deleting from plain store", id)
		}
	} else {
		if err := store.Upsert(id, head.B); err != nil {
			return nil, dagerr.Wrap(dagerr.StoreError, err, "id %q: upserting into plain store", id)
		}
	}
	head.M.Ack = true
	return head, nil
}
