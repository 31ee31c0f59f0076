// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mastersync implements the MergeTree façade that owns one tree
// per declared remote perspective plus a local and a stage tree, and
// the staged merge-handler confirmation protocol that sits in front of
// promoting a remote-derived merge into local.
//
// Where the writer package merges a divergent local head immediately
// and unconditionally, MergeTree defers that decision to the
// application: every remote-derived merge is held in the stage tree
// until a matching write to localWriteStream confirms it, mirroring
// _examples/aghassemi-go.ref/services/syncbase/vsync's "detect conflict, call the app's
// ConflictResolver, then commit" shape (see its batch-commit path around
// addNode/moveHead) but with the confirmation arriving asynchronously
// through the stream API instead of a synchronous callback return.
package mastersync

import (
	"sync"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/dagtree"
	"github.com/netsend/mastersync/kvstore"
	"github.com/netsend/mastersync/lca"
	"github.com/netsend/mastersync/merge"
	"github.com/netsend/mastersync/writer"
	"v.io/x/lib/vlog"
)

// MergeHandler is notified of every merge MergeTree creates while
// draining a remote perspective into stage, before it is confirmed.
// previousLocalHead is the committed local head the merge was computed
// against; an id with no local head is promoted without a merge, so the
// handler is not called for it.
type MergeHandler func(merged, previousLocalHead *dagmodel.Item) error

// Options configures a MergeTree.
type Options struct {
	LocalPerspective dagmodel.Perspective // default dagmodel.DefaultLocalPerspective
	StagePerspective dagmodel.Perspective // default dagmodel.DefaultStagePerspective
	Perspectives     []dagmodel.Perspective
	VersionSize      int
	ProceedOnError   bool
	Store            writer.PlainStore
	// MergeHandler is called for every engine-generated merge pending
	// confirmation. Nil means every merge auto-confirms immediately.
	MergeHandler MergeHandler
}

func (o *Options) setDefaults() {
	if o.LocalPerspective == "" {
		o.LocalPerspective = dagmodel.DefaultLocalPerspective
	}
	if o.StagePerspective == "" {
		o.StagePerspective = dagmodel.DefaultStagePerspective
	}
	if o.VersionSize <= 0 {
		o.VersionSize = dagmodel.DefaultVersionSize
	}
}

// MergeTree is the staged, cross-tree merge façade over a local tree,
// a stage tree, and one tree per declared remote perspective.
type MergeTree struct {
	mu sync.Mutex

	opts    Options
	local   *dagtree.Tree
	stage   *dagtree.Tree
	remotes map[dagmodel.Perspective]*dagtree.Tree
	pipe    *writer.Pipeline

	// drainWatermark is, per remote perspective, the next source
	// insertion index to drain into stage (one past the greatest already
	// drained).
	drainWatermark map[dagmodel.Perspective]uint64

	// stagedQueue is, per id, the stage insertion indices awaiting
	// confirmation, oldest first.
	stagedQueue map[dagmodel.ID][]stagedEntry
	// confirmedThrough is, per id, the greatest stage insertion index
	// already promoted to local.
	confirmedThrough map[dagmodel.ID]uint64
}

type stagedEntry struct {
	version   dagmodel.Version
	insertion uint64
}

// Open opens a MergeTree over store: a local tree, a stage tree, and one
// tree per declared perspective, all sharing the keyspace.
func Open(store kvstore.Store, opts Options) (*MergeTree, error) {
	opts.setDefaults()

	local, err := dagtree.Open(store, dagtree.Options{Name: string(opts.LocalPerspective)})
	if err != nil {
		return nil, err
	}
	stage, err := dagtree.Open(store, dagtree.Options{Name: string(opts.StagePerspective)})
	if err != nil {
		return nil, err
	}
	remotes := make(map[dagmodel.Perspective]*dagtree.Tree, len(opts.Perspectives))
	for _, pe := range opts.Perspectives {
		if pe == opts.LocalPerspective || pe == opts.StagePerspective {
			return nil, dagerr.New(dagerr.PerspectiveMismatch, "perspective %q collides with a reserved name", pe)
		}
		t, err := dagtree.Open(store, dagtree.Options{Name: string(pe)})
		if err != nil {
			return nil, err
		}
		remotes[pe] = t
	}

	mt := &MergeTree{
		opts:             opts,
		local:            local,
		stage:            stage,
		remotes:          remotes,
		pipe:             writer.New(local, remotes, writer.Options{LocalPerspective: opts.LocalPerspective, VersionSize: opts.VersionSize, ProceedOnError: opts.ProceedOnError, Store: opts.Store}),
		drainWatermark:   make(map[dagmodel.Perspective]uint64),
		stagedQueue:      make(map[dagmodel.ID][]stagedEntry),
		confirmedThrough: make(map[dagmodel.ID]uint64),
	}
	return mt, nil
}

// Local returns the underlying local tree, e.g. for opening a reader.
func (mt *MergeTree) Local() *dagtree.Tree { return mt.local }

// RemoteWriteStream ingests a batch of items for a named remote
// perspective, then drains the newly written items into stage.
func (mt *MergeTree) RemoteWriteStream(perspective dagmodel.Perspective, items []*dagmodel.Item) ([]*dagmodel.Item, error) {
	if perspective == mt.opts.LocalPerspective || perspective == mt.opts.StagePerspective {
		return nil, dagerr.New(dagerr.PerspectiveMismatch, "remoteWriteStream: %q is a reserved perspective", perspective)
	}
	tree, ok := mt.remotes[perspective]
	if !ok {
		return nil, dagerr.New(dagerr.PerspectiveMismatch, "remoteWriteStream: perspective %q is not declared", perspective)
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	var written []*dagmodel.Item
	for _, it := range items {
		if it.H.Perspective == "" {
			it.H.Perspective = perspective
		}
		if it.H.Perspective != perspective {
			return written, dagerr.New(dagerr.PerspectiveMismatch, "item perspective %q does not match stream %q", it.H.Perspective, perspective)
		}
		out, err := tree.Write(it)
		if err != nil {
			if mt.opts.ProceedOnError {
				vlog.Errorf("mastersync: remote write to %q failed: %v", perspective, err)
				continue
			}
			return written, err
		}
		written = append(written, out)
	}

	if err := mt.mergeWithLocal(perspective); err != nil {
		return written, err
	}
	return written, nil
}

// LocalWriteStream accepts either a fresh local write (no parents set;
// the engine chooses them) or a confirmation of a previously staged
// merge, identified by its id and version matching the oldest entry in
// that id's staged queue. Confirming out of order is rejected: stage
// entries promote in the order they were created.
func (mt *MergeTree) LocalWriteStream(items []*dagmodel.Item) ([]*dagmodel.Item, error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	var out []*dagmodel.Item
	for _, it := range items {
		if len(it.H.Parents) > 0 {
			if mt.isStagedLocked(it.H.ID, it.H.Version) {
				promoted, err := mt.confirmLocked(it.H.ID, it.H.Version)
				if err != nil {
					if mt.opts.ProceedOnError {
						vlog.Errorf("mastersync: confirming %q/%q failed: %v", it.H.ID, it.H.Version, err)
						continue
					}
					return out, err
				}
				out = append(out, promoted...)
				continue
			}
			return out, dagerr.New(dagerr.InvalidItem, "localWriteStream: item %q carries parents, parents are chosen by the engine", it.H.Version)
		}
		written, err := mt.pipe.WriteLocal([]*dagmodel.Item{it})
		if err != nil {
			if mt.opts.ProceedOnError {
				vlog.Errorf("mastersync: local write failed: %v", err)
				continue
			}
			return out, err
		}
		out = append(out, written...)
	}
	return out, nil
}

func (mt *MergeTree) isStagedLocked(id dagmodel.ID, v dagmodel.Version) bool {
	for _, e := range mt.stagedQueue[id] {
		if e.version == v {
			return true
		}
	}
	return false
}

// confirmLocked promotes the staged merge named by (id, v) into local.
// v must be the oldest unconfirmed entry for id; anything else is an
// out-of-order confirmation, since a later merge's parents already
// assume the earlier one has landed. Caller holds mt.mu.
func (mt *MergeTree) confirmLocked(id dagmodel.ID, v dagmodel.Version) ([]*dagmodel.Item, error) {
	queue := mt.stagedQueue[id]
	if len(queue) == 0 || queue[0].version != v {
		return nil, dagerr.New(dagerr.OutOfOrderConfirmation, "id %q: %q is not the oldest pending staged entry", id, v)
	}
	merged, err := mt.stage.GetByVersion(v)
	if err != nil {
		return nil, dagerr.Wrap(dagerr.StoreError, err, "id %q: resolving confirmed staged entry %q", id, v)
	}

	if err := mt.promote(id, merged); err != nil {
		return nil, err
	}
	mt.stagedQueue[id] = queue[1:]
	mt.confirmedThrough[id] = queue[0].insertion

	heads, err := mt.local.GetHeads(id, dagtree.HeadsOptions{})
	if err != nil {
		return nil, dagerr.Wrap(dagerr.StoreError, err, "id %q: loading local heads after promotion", id)
	}
	return heads, nil
}
