// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dagtree

import (
	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/keycodec"
	"github.com/netsend/mastersync/kvstore"
)

// IterOptions bounds an insertion-order walk.
type IterOptions struct {
	ID           dagmodel.ID // if set, restrict to this id's ikey slice
	First        uint64
	Last         uint64 // 0 means unbounded
	ExcludeFirst bool
	ExcludeLast  bool
}

// IterateInsertionOrder walks the tree's ikey range (optionally narrowed
// to one id) in ascending insertion order, invoking cb for each item.
// Iteration stops at the first error cb returns.
func (t *Tree) IterateInsertionOrder(opts IterOptions, cb func(*dagmodel.Item) error) error {
	prefix, err := keycodec.IKeyPrefix(t.name)
	if err != nil {
		return err
	}
	end := keycodec.PrefixUpperBound(prefix)

	t.mu.Lock()
	snap := t.store.NewSnapshot()
	t.mu.Unlock()
	defer snap.Close()

	stream := snap.Scan(prefix, end)
	defer stream.Cancel()

	for stream.Advance() {
		dk, err := keycodec.Decode(stream.Key(nil))
		if err != nil {
			return err
		}
		if opts.First != 0 && dk.I < opts.First {
			continue
		}
		if opts.Last != 0 && dk.I > opts.Last {
			break
		}
		if opts.ExcludeFirst && opts.First != 0 && dk.I == opts.First {
			continue
		}
		if opts.ExcludeLast && opts.Last != 0 && dk.I == opts.Last {
			continue
		}

		dsKey := stream.Value(nil)
		body, err := snap.Get(dsKey, nil)
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "tree %s: loading i=%d", t.name, dk.I)
		}
		item, err := dagmodel.DecodeBSON(body)
		if err != nil {
			return err
		}
		if opts.ID != "" && item.H.ID != opts.ID {
			continue
		}
		if err := cb(item); err != nil {
			return err
		}
	}
	return stream.Err()
}

// ReadStream is a bounded iterator over a tree's insertion-order range,
// read from one snapshot taken at the first Advance; items written after
// that are not seen. Reverse order is not
// implemented as a Tree-level primitive — the lca and reader packages
// that need backward traversal walk ikey/parent links directly, since
// "reverse" over ikey alone does not by itself give ancestor order
// across perspectives.
type ReadStream struct {
	tree    *Tree
	id      dagmodel.ID
	next    uint64
	snap    kvstore.Snapshot
	stream  kvstore.Stream
	started bool
	cur     *dagmodel.Item
	err     error
}

// CreateReadStream opens a ReadStream starting at insertion index 0 (or,
// if id is set, restricted to that id).
func (t *Tree) CreateReadStream(id dagmodel.ID) *ReadStream {
	return &ReadStream{tree: t, id: id}
}

// Advance stages the next item, returning false at end of stream or on
// error.
func (s *ReadStream) Advance() bool {
	if s.err != nil {
		return false
	}
	if !s.started {
		s.started = true
		prefix, err := keycodec.IKeyPrefix(s.tree.Name())
		if err != nil {
			s.err = err
			return false
		}
		s.tree.mu.Lock()
		s.snap = s.tree.store.NewSnapshot()
		s.tree.mu.Unlock()
		s.stream = s.snap.Scan(prefix, keycodec.PrefixUpperBound(prefix))
	}
	for s.stream.Advance() {
		dsKey := s.stream.Value(nil)
		body, err := s.snap.Get(dsKey, nil)
		if err != nil {
			s.err = err
			return false
		}
		item, err := dagmodel.DecodeBSON(body)
		if err != nil {
			s.err = err
			return false
		}
		if s.id != "" && item.H.ID != s.id {
			continue
		}
		s.cur = item
		return true
	}
	if err := s.stream.Err(); err != nil {
		s.err = err
	}
	return false
}

// Item returns the currently staged item.
func (s *ReadStream) Item() *dagmodel.Item { return s.cur }

// Err returns any error encountered during iteration.
func (s *ReadStream) Err() error { return s.err }

// Close releases the underlying snapshot.
func (s *ReadStream) Close() {
	if s.stream != nil {
		s.stream.Cancel()
	}
	if s.snap != nil {
		s.snap.Close()
	}
}

// LastByPerspective returns the greatest version seen in this tree whose
// provenance links to remote, used as a replication watermark.
// "Greatest" is by insertion order: the tree walks its own ikey range
// in ascending order and keeps the last item seen whose origin is
// remote.
//
// Provenance tracking via the body's "__origin" field is what makes
// this operation meaningful on a tree — such as the local tree — that
// holds items ensured on behalf of several remote perspectives.
func (t *Tree) LastByPerspective(remote dagmodel.Perspective) (dagmodel.Version, error) {
	prefix, err := keycodec.IKeyPrefix(t.name)
	if err != nil {
		return "", err
	}
	end := keycodec.PrefixUpperBound(prefix)

	t.mu.Lock()
	snap := t.store.NewSnapshot()
	t.mu.Unlock()
	defer snap.Close()

	// Collect in ascending order (bbolt cursors walk forward only) and
	// keep the last match; the ikey ordering is already insertion order,
	// so "last match" is "greatest insertion index".
	stream := snap.Scan(prefix, end)
	defer stream.Cancel()

	var best dagmodel.Version
	found := false
	for stream.Advance() {
		dsKey := stream.Value(nil)
		body, err := snap.Get(dsKey, nil)
		if err != nil {
			return "", err
		}
		item, err := dagmodel.DecodeBSON(body)
		if err != nil {
			return "", err
		}
		if perspectiveOrigin(item) == remote {
			best, found = item.H.Version, true
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if !found {
		return "", dagerr.New(dagerr.StoreError, "no items from perspective %q in tree %s", remote, t.name)
	}
	return best, nil
}

// perspectiveOrigin reports the remote perspective an item is attributed
// to. Remote-tree items are attributed to their own tree's perspective;
// local-tree items carry their origin explicitly once the writer pipeline
// tags it (see writer.ensureLocalSibling).
func perspectiveOrigin(item *dagmodel.Item) dagmodel.Perspective {
	if origin, ok := item.B["__origin"]; ok {
		if s, ok := origin.(string); ok {
			return dagmodel.Perspective(s)
		}
	}
	return item.H.Perspective
}
