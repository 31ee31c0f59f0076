// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package writer

import (
	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
)

// OplogOp is one of the three oplog entry kinds.
type OplogOp string

const (
	OplogInsert OplogOp = "i"
	OplogUpdate OplogOp = "u"
	OplogDelete OplogOp = "d"
)

// OplogEntry mirrors the shape of a MongoDB-style oplog record consumed
// from the tailing collaborator. Tailing itself, and resolving o2 into
// an application id, are out of scope; ID must already be resolved by
// the caller.
type OplogEntry struct {
	Op OplogOp
	NS string
	TS dagmodel.OplogTime
	ID dagmodel.ID
	// O is the inserted/replacement document for Op i/u, or nil for d.
	O map[string]interface{}
	// O2 carries the update selector for Op u; unused otherwise.
	O2 map[string]interface{}
}

// ApplyOplog translates oplog entries into local-write items and
// submits them via WriteLocal, one entry at a time, preserving the
// single oplog FIFO order so that a $-modifier update or delete
// immediately following an insert/update for the same id in the same
// call sees that prior entry's synced state.
func (p *Pipeline) ApplyOplog(entries []OplogEntry) ([]*dagmodel.Item, error) {
	var written []*dagmodel.Item
	for _, e := range entries {
		it, err := p.oplogToItem(e)
		if err != nil {
			if p.opts.ProceedOnError {
				continue
			}
			return written, err
		}
		out, err := p.WriteLocal([]*dagmodel.Item{it})
		if err != nil {
			if p.opts.ProceedOnError {
				continue
			}
			return written, err
		}
		written = append(written, out...)
	}
	return written, nil
}

func (p *Pipeline) oplogToItem(e OplogEntry) (*dagmodel.Item, error) {
	switch e.Op {
	case OplogInsert:
		return p.oplogInsert(e)
	case OplogUpdate:
		return p.oplogUpdate(e)
	case OplogDelete:
		return p.oplogDelete(e)
	default:
		return nil, dagerr.New(dagerr.InvalidItem, "oplog: unknown op %q", e.Op)
	}
}

// oplogInsert creates a new root, or reconnects a deletion tombstone;
// the reconnection rewrite itself happens in the ancestry-check step of
// the pipeline, so here the item is simply a parentless proposal.
func (p *Pipeline) oplogInsert(e OplogEntry) (*dagmodel.Item, error) {
	return &dagmodel.Item{
		H: dagmodel.Header{ID: e.ID, Perspective: p.opts.LocalPerspective},
		M: dagmodel.Meta{Op: e.TS},
		B: e.O,
	}, nil
}

// oplogUpdate handles both full-document replacement (no top-level
// "$"-prefixed key in o) and "$"-modifier updates, which are applied
// against the last item acked to the plain store for this id.
// Only $set and $unset are understood; any other modifier key is
// rejected, since the oplog modifier language is otherwise unbounded and
// out of scope here.
func (p *Pipeline) oplogUpdate(e OplogEntry) (*dagmodel.Item, error) {
	last, ok := p.lastAcked[e.ID]
	if isModifier(e.O) {
		if !ok {
			return nil, dagerr.New(dagerr.InvalidItem, "oplog: modifier update for %q with no prior acked item", e.ID)
		}
		body, err := applyModifier(last.B, e.O)
		if err != nil {
			return nil, err
		}
		return &dagmodel.Item{
			H: dagmodel.Header{ID: e.ID, Perspective: p.opts.LocalPerspective, Parents: []dagmodel.Version{last.H.Version}},
			M: dagmodel.Meta{Op: e.TS},
			B: body,
		}, nil
	}

	var parents []dagmodel.Version
	if ok {
		parents = []dagmodel.Version{last.H.Version}
	}
	return &dagmodel.Item{
		H: dagmodel.Header{ID: e.ID, Perspective: p.opts.LocalPerspective, Parents: parents},
		M: dagmodel.Meta{Op: e.TS},
		B: e.O,
	}, nil
}

// oplogDelete produces a tombstone child of the last acked local head.
func (p *Pipeline) oplogDelete(e OplogEntry) (*dagmodel.Item, error) {
	last, ok := p.lastAcked[e.ID]
	if !ok {
		return nil, dagerr.New(dagerr.InvalidItem, "oplog: delete for %q with no prior acked item", e.ID)
	}
	return &dagmodel.Item{
		H: dagmodel.Header{
			ID:          e.ID,
			Perspective: p.opts.LocalPerspective,
			Parents:     []dagmodel.Version{last.H.Version},
			Deleted:     true,
		},
		M: dagmodel.Meta{Op: e.TS},
		B: last.B,
	}, nil
}

func isModifier(o map[string]interface{}) bool {
	for k := range o {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

func applyModifier(base map[string]interface{}, mod map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for op, args := range mod {
		fields, ok := args.(map[string]interface{})
		if !ok {
			return nil, dagerr.New(dagerr.InvalidItem, "oplog: modifier %q has non-document argument", op)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				out[k] = v
			}
		case "$unset":
			for k := range fields {
				delete(out, k)
			}
		default:
			return nil, dagerr.New(dagerr.InvalidItem, "oplog: unsupported modifier %q", op)
		}
	}
	return out, nil
}
