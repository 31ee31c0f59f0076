// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dagtree implements a per-perspective append-only store of DAG
// nodes indexed by id, insertion order, heads, and version, over the
// ordered kvstore and its binary key grammar.
//
// It plays the role _examples/aghassemi-go.ref/services/syncbase/sync/dag.go's dag type plays for a
// single, flat DAG; dagtree generalizes it to a perspective-partitioned
// model by keying everything under one "name" (the tree label), so each
// perspective gets its own Tree instance sharing nothing but the
// backing kvstore.Store.
package dagtree

import (
	"errors"
	"reflect"
	"sync"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/keycodec"
	"github.com/netsend/mastersync/kvstore"
	"v.io/x/lib/vlog"
)

// Options configures a Tree.
type Options struct {
	// Name is the tree's label in the shared keyspace (e.g. "_local",
	// "_stage", or a remote perspective name). Bounded to 254 bytes.
	Name string
}

// Tree is a per-perspective DAG store.
type Tree struct {
	store kvstore.Store
	name  string

	// mu serializes writes to this tree: all mutations of one tree go
	// through its write path one at a time.
	mu sync.Mutex

	nextInsertion uint64
}

// Open opens a Tree over store, recovering the next insertion index from
// the highest existing ikey entry.
func Open(store kvstore.Store, opts Options) (*Tree, error) {
	if opts.Name == "" {
		return nil, dagerr.New(dagerr.InvalidItem, "tree name must not be empty")
	}
	if len(opts.Name) > dagmodel.MaxPerspectiveNameBytes {
		return nil, dagerr.New(dagerr.InvalidItem, "tree name %q exceeds %d bytes", opts.Name, dagmodel.MaxPerspectiveNameBytes)
	}
	t := &Tree{store: store, name: opts.Name}
	next, err := t.recoverNextInsertion()
	if err != nil {
		return nil, dagerr.Wrap(dagerr.StoreError, err, "tree %s: recovering insertion index", opts.Name)
	}
	t.nextInsertion = next
	return t, nil
}

// Name returns the tree's label.
func (t *Tree) Name() string { return t.name }

func (t *Tree) recoverNextInsertion() (uint64, error) {
	prefix, err := keycodec.IKeyPrefix(t.name)
	if err != nil {
		return 0, err
	}
	end := keycodec.PrefixUpperBound(prefix)
	stream := t.store.Scan(prefix, end)
	defer stream.Cancel()
	var maxI uint64
	seen := false
	for stream.Advance() {
		dk, err := keycodec.Decode(stream.Key(nil))
		if err != nil {
			return 0, err
		}
		if !seen || dk.I > maxI {
			maxI, seen = dk.I, true
		}
	}
	if err := stream.Err(); err != nil {
		return 0, err
	}
	if !seen {
		return 0, nil
	}
	return maxI + 1, nil
}

// Write validates, assigns an insertion index to, and atomically persists
// item. A duplicate (id, version) with an equivalent header
// and body is a no-op that returns the already-stored item; a duplicate
// with divergent content is InvalidItem, since versions are content
// hashes and a legitimate collision on differing content indicates
// corruption upstream.
func (t *Tree) Write(item *dagmodel.Item) (*dagmodel.Item, error) {
	if err := item.Validate(); err != nil {
		return nil, dagerr.Wrap(dagerr.InvalidItem, err, "tree %s", t.name)
	}
	if item.H.Perspective != dagmodel.Perspective(t.name) {
		return nil, dagerr.New(dagerr.PerspectiveMismatch, "item perspective %q does not match tree %q", item.H.Perspective, t.name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !item.H.Version.IsZero() {
		if existing, err := t.getByVersionLocked(item.H.Version); err == nil {
			if equivalentItem(existing, item) {
				return existing, nil
			}
			return nil, dagerr.New(dagerr.InvalidItem, "version %q already exists in tree %s with different content", item.H.Version, t.name)
		} else if !errors.Is(err, kvstore.ErrUnknownKey) {
			return nil, dagerr.Wrap(dagerr.StoreError, err, "tree %s: checking for existing version", t.name)
		}
	} else {
		return nil, dagerr.New(dagerr.InvalidItem, "item has no version")
	}

	if item.H.IsRoot() {
		heads, err := t.getHeadsLocked(item.H.ID, HeadsOptions{})
		if err != nil {
			return nil, err
		}
		if len(heads) > 0 {
			return nil, dagerr.New(dagerr.RootPreceded, "id %q already has a head in tree %s", item.H.ID, t.name)
		}
	}
	for _, p := range item.H.Parents {
		if _, err := t.getByVersionLocked(p); err != nil {
			return nil, dagerr.New(dagerr.ParentNotFound, "parent %q of %q not found in tree %s", p, item.H.Version, t.name)
		}
	}

	toPersist := item.Clone()
	toPersist.H.Insertion = t.nextInsertion

	err := kvstore.RunInTransaction(t.store, func(tx kvstore.StoreReadWriter) error {
		return t.persistLocked(tx, toPersist)
	})
	if err != nil {
		return nil, dagerr.Wrap(dagerr.StoreError, err, "tree %s: persisting %q", t.name, toPersist.H.Version)
	}
	t.nextInsertion++
	nodesWritten.WithLabelValues(t.name).Inc()
	vlog.VI(1).Infof("dagtree[%s]: wrote %q (id=%q i=%d parents=%v)", t.name, toPersist.H.Version, toPersist.H.ID, toPersist.H.Insertion, toPersist.H.Parents)
	return toPersist, nil
}

// equivalentItem reports whether two items have the same header (modulo
// the tree-assigned insertion index) and body.
func equivalentItem(a, b *dagmodel.Item) bool {
	ah, bh := a.H, b.H
	ah.Insertion, bh.Insertion = 0, 0
	if !reflect.DeepEqual(ah, bh) {
		return false
	}
	return reflect.DeepEqual(a.B, b.B)
}

// persistLocked writes dskey, ikey, vkey and updates the head index for
// item, all within one atomic transaction. Caller holds t.mu.
func (t *Tree) persistLocked(tx kvstore.StoreReadWriter, item *dagmodel.Item) error {
	body, err := dagmodel.EncodeBSON(item)
	if err != nil {
		return err
	}
	dsKey, err := keycodec.EncodeDSKey(t.name, item.H.ID.String(), item.H.Insertion)
	if err != nil {
		return err
	}
	if err := tx.Put(dsKey, body); err != nil {
		return err
	}
	iKey, err := keycodec.EncodeIKey(t.name, item.H.Insertion)
	if err != nil {
		return err
	}
	if err := tx.Put(iKey, dsKey); err != nil {
		return err
	}
	vKey, err := keycodec.EncodeVKey(t.name, dagmodel.EncodeVersionBytes(item.H.Version))
	if err != nil {
		return err
	}
	if err := tx.Put(vKey, dsKey); err != nil {
		return err
	}
	return t.updateHeadIndexLocked(tx, item)
}

// GetByVersion looks up an item by version.
func (t *Tree) GetByVersion(v dagmodel.Version) (*dagmodel.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getByVersionLocked(v)
}

func (t *Tree) getByVersionLocked(v dagmodel.Version) (*dagmodel.Item, error) {
	return t.getByVersionVia(t.store, v)
}

// getByVersionVia is the reader-parameterized core of getByVersionLocked;
// see getHeadsVia for why the reader must be threaded through explicitly.
func (t *Tree) getByVersionVia(r kvstore.StoreReader, v dagmodel.Version) (*dagmodel.Item, error) {
	vKey, err := keycodec.EncodeVKey(t.name, dagmodel.EncodeVersionBytes(v))
	if err != nil {
		return nil, err
	}
	dsKey, err := r.Get(vKey, nil)
	if err != nil {
		return nil, err
	}
	body, err := r.Get(dsKey, nil)
	if err != nil {
		return nil, err
	}
	return dagmodel.DecodeBSON(body)
}

// Del removes item's dskey/ikey/vkey/headkey entries. Used only by the
// stage tree when promoting entries to local.
func (t *Tree) Del(item *dagmodel.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()

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
	headKey, err := keycodec.EncodeHeadKey(t.name, item.H.ID.String(), dagmodel.EncodeVersionBytes(item.H.Version))
	if err != nil {
		return err
	}

	return kvstore.RunInTransaction(t.store, func(tx kvstore.StoreReadWriter) error {
		for _, k := range [][]byte{dsKey, iKey, vKey} {
			if err := tx.Delete(k); err != nil && !errors.Is(err, kvstore.ErrUnknownKey) {
				return err
			}
		}
		if err := tx.Delete(headKey); err != nil && !errors.Is(err, kvstore.ErrUnknownKey) {
			return err
		}
		return nil
	})
}
