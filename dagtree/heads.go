// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dagtree

import (
	"errors"
	"sort"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/keycodec"
	"github.com/netsend/mastersync/kvstore"
)

// HeadsOptions filters GetHeads.
type HeadsOptions struct {
	SkipDeletes   bool
	SkipConflicts bool
}

// headEntry is one decoded headkey record.
type headEntry struct {
	version  dagmodel.Version
	conflict bool
	i        uint64
}

// GetHeads enumerates the current head entries for id. Order is
// arbitrary but stable within a process (ascending insertion index,
// here).
func (t *Tree) GetHeads(id dagmodel.ID, opts HeadsOptions) ([]*dagmodel.Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getHeadsLocked(id, opts)
}

func (t *Tree) getHeadsLocked(id dagmodel.ID, opts HeadsOptions) ([]*dagmodel.Item, error) {
	return t.getHeadsVia(t.store, id, opts)
}

// getHeadsVia is the reader-parameterized core of getHeadsLocked: it
// reads through r, which must be t.store outside a transaction or the
// in-flight tx while one is open, so callers inside a write transaction
// observe their own uncommitted writes (bbolt's writable Tx does not
// share visibility with a separately-begun read-only Tx).
func (t *Tree) getHeadsVia(r kvstore.StoreReader, id dagmodel.ID, opts HeadsOptions) ([]*dagmodel.Item, error) {
	entries, err := t.rawHeadEntriesVia(r, id)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].i < entries[j].i })

	items := make([]*dagmodel.Item, 0, len(entries))
	for _, he := range entries {
		item, err := t.getByVersionVia(r, he.version)
		if err != nil {
			return nil, dagerr.Wrap(dagerr.StoreError, err, "tree %s: loading head %q of %q", t.name, he.version, id)
		}
		// The head index is authoritative for current conflict status;
		// overlay it without mutating the stored record — a node's body
		// is never rewritten in place.
		item.H.Conflict = he.conflict
		if opts.SkipDeletes && item.H.Deleted {
			continue
		}
		if opts.SkipConflicts && item.H.Conflict {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// rawHeadEntriesVia returns every headkey entry for id, undecoded into
// items.
func (t *Tree) rawHeadEntriesVia(r kvstore.StoreReader, id dagmodel.ID) ([]headEntry, error) {
	prefix, err := keycodec.HeadKeyPrefix(t.name, id.String())
	if err != nil {
		return nil, err
	}
	end := keycodec.PrefixUpperBound(prefix)
	stream := r.Scan(prefix, end)
	defer stream.Cancel()

	var entries []headEntry
	for stream.Advance() {
		dk, err := keycodec.Decode(stream.Key(nil))
		if err != nil {
			return nil, err
		}
		conflict, i, err := keycodec.DecodeHeadValue(stream.Value(nil))
		if err != nil {
			return nil, err
		}
		entries = append(entries, headEntry{version: dagmodel.Version(dk.Version), conflict: conflict, i: i})
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (t *Tree) headEntryExistsVia(r kvstore.StoreReader, id dagmodel.ID, v dagmodel.Version) (bool, error) {
	key, err := keycodec.EncodeHeadKey(t.name, id.String(), dagmodel.EncodeVersionBytes(v))
	if err != nil {
		return false, err
	}
	_, err = r.Get(key, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kvstore.ErrUnknownKey) {
		return false, nil
	}
	return false, err
}

func (t *Tree) putHeadEntryLocked(tx kvstore.StoreReadWriter, id dagmodel.ID, v dagmodel.Version, conflict bool, i uint64) error {
	key, err := keycodec.EncodeHeadKey(t.name, id.String(), dagmodel.EncodeVersionBytes(v))
	if err != nil {
		return err
	}
	val, err := keycodec.EncodeHeadValue(conflict, i)
	if err != nil {
		return err
	}
	return tx.Put(key, val)
}

func (t *Tree) delHeadEntryLocked(tx kvstore.StoreReadWriter, id dagmodel.ID, v dagmodel.Version) error {
	key, err := keycodec.EncodeHeadKey(t.name, id.String(), dagmodel.EncodeVersionBytes(v))
	if err != nil {
		return err
	}
	if err := tx.Delete(key); err != nil && !errors.Is(err, kvstore.ErrUnknownKey) {
		return err
	}
	return nil
}

// updateHeadIndexLocked applies the head-index update rule on write:
// parents that were heads are removed, the new version is inserted as a
// head, and if more than one non-deleted, non-conflicting head now
// exists for the id, all but the first (by insertion index) are
// re-stored with the conflict bit set. All reads go through tx so the
// transaction observes its own prior writes.
func (t *Tree) updateHeadIndexLocked(tx kvstore.StoreReadWriter, item *dagmodel.Item) error {
	id := item.H.ID
	for _, p := range item.H.Parents {
		if ok, err := t.headEntryExistsVia(tx, id, p); err != nil {
			return err
		} else if ok {
			if err := t.delHeadEntryLocked(tx, id, p); err != nil {
				return err
			}
		}
	}

	if err := t.putHeadEntryLocked(tx, id, item.H.Version, item.H.Conflict, item.H.Insertion); err != nil {
		return err
	}

	entries, err := t.rawHeadEntriesVia(tx, id)
	if err != nil {
		return err
	}
	var clean []headEntry
	for _, he := range entries {
		hi, err := t.getByVersionVia(tx, he.version)
		if err != nil {
			return err
		}
		if !hi.H.Deleted && !he.conflict {
			clean = append(clean, he)
		}
	}
	if len(clean) <= 1 {
		return nil
	}
	sort.Slice(clean, func(i, j int) bool { return clean[i].i < clean[j].i })
	for _, he := range clean[1:] {
		if err := t.putHeadEntryLocked(tx, id, he.version, true, he.i); err != nil {
			return err
		}
		headConflicts.WithLabelValues(t.name).Inc()
	}
	return nil
}
