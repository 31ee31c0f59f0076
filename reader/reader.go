// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reader implements a lazy, optionally-tailing
// stream over a tree's local-perspective insertion-order range, with
// offset resume, an attribute-equality filter, an ordered hook chain,
// and ancestry rewriting that preserves a connected projection even when
// intermediate versions are filtered out.
//
// _examples/aghassemi-go.ref/services/syncbase/server/watchable/stream.go's Stream (Advance/Key/Value
// /Err/Cancel over a watch log) is the shape this is grounded on; this
// package generalizes it from a flat change log to a per-id DAG
// projection, and adds the surrogate-ancestor bookkeeping that a flat
// watch stream never needed.
package reader

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/dagtree"
	"github.com/sourcegraph/conc/pool"
)

// Hook transforms or drops an emitted item. Returning keep=false drops
// the item; item's return value is ignored in that case.
type Hook func(item *dagmodel.Item) (out *dagmodel.Item, keep bool, err error)

// Options configures a Stream.
type Options struct {
	// Offset is the version emission starts at (inclusive). Zero means
	// start from the beginning.
	Offset dagmodel.Version
	// Filter is an attribute-equality predicate over item bodies; nil
	// matches everything.
	Filter map[string]interface{}
	// Hooks run in order on every item that passes Filter.
	Hooks []Hook
	// Follow, if true, tails the tree indefinitely instead of stopping at
	// the current insertion-order end.
	Follow bool
	// QueueLimit bounds the backpressure buffer between the scanning
	// goroutine and the consumer (default 5000).
	QueueLimit int
	// PollInterval is how often a following stream checks for new
	// insertions once it has caught up (default 4s).
	PollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.QueueLimit <= 0 {
		o.QueueLimit = 5000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 4 * time.Second
	}
}

// Stream is a running reader over one tree.
type Stream struct {
	tree *dagtree.Tree
	opts Options

	items chan *dagmodel.Item
	errCh chan error
	stop  chan struct{}
	pool  *pool.Pool

	closed bool
	cur    *dagmodel.Item
	err    error
}

// Open starts a Stream over tree. The scan runs in a background
// goroutine from the moment Open returns; call Close when done, even
// after an error or end-of-stream, to release the goroutine.
func Open(tree *dagtree.Tree, opts Options) *Stream {
	opts.setDefaults()
	s := &Stream{
		tree:  tree,
		opts:  opts,
		items: make(chan *dagmodel.Item, opts.QueueLimit),
		errCh: make(chan error, 1),
		stop:  make(chan struct{}),
		pool:  pool.New().WithMaxGoroutines(1),
	}
	s.pool.Go(func() { s.run() })
	return s
}

// Advance stages the next item, returning false at end of stream, on
// error, or after Close.
func (s *Stream) Advance() bool {
	select {
	case it, ok := <-s.items:
		if !ok {
			// run reports a failure before it closes items, so a closed
			// channel may still have an error waiting behind it.
			select {
			case err := <-s.errCh:
				s.err = err
			default:
			}
			return false
		}
		s.cur = it
		return true
	case err := <-s.errCh:
		s.err = err
		return false
	case <-s.stop:
		return false
	}
}

// Item returns the currently staged item.
func (s *Stream) Item() *dagmodel.Item { return s.cur }

// Bytes returns the BSON encoding of the currently staged item.
func (s *Stream) Bytes() ([]byte, error) { return dagmodel.EncodeBSON(s.cur) }

// Err returns any error that ended the stream.
func (s *Stream) Err() error { return s.err }

// Close stops the source and drains in-flight work before returning.
// Idempotent.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
	s.pool.Wait()
}

type idVersion struct {
	id      dagmodel.ID
	version dagmodel.Version
}

// run is the background scan. It walks the tree's insertion-order range
// once (or repeatedly, for a following stream), applying offset
// suppression, the filter, the hook chain, and surrogate-ancestor
// rewriting, and sends each surviving item on s.items.
func (s *Stream) run() {
	defer close(s.items)

	surrogates := make(map[idVersion][]dagmodel.Version)
	offsetSeen := s.opts.Offset.IsZero()
	var lastInsertion uint64
	started := false

	emit := func(item *dagmodel.Item) bool {
		select {
		case s.items <- item:
			return true
		case <-s.stop:
			return false
		}
	}

	fail := func(err error) {
		select {
		case s.errCh <- err:
		default:
		}
	}

	for {
		sawAny := false
		opts := dagtree.IterOptions{}
		if started {
			opts.First = lastInsertion + 1
		}
		err := s.tree.IterateInsertionOrder(opts, func(item *dagmodel.Item) error {
			sawAny = true
			lastInsertion = item.H.Insertion

			key := idVersion{item.H.ID, item.H.Version}
			var parentSurrogates []dagmodel.Version
			for _, p := range item.H.Parents {
				pk := idVersion{item.H.ID, p}
				if sub, ok := surrogates[pk]; ok {
					parentSurrogates = appendUnique(parentSurrogates, sub...)
				} else {
					// The parent was not seen by this scan, so no
					// surrogate is known for it; it stands as its own
					// anchor.
					parentSurrogates = appendUnique(parentSurrogates, p)
				}
			}

			if item.H.Version == s.opts.Offset {
				offsetSeen = true
			}

			passes, transformed, err := s.evaluate(item)
			if err != nil {
				return err
			}
			if !passes {
				surrogates[key] = parentSurrogates
				return nil
			}
			surrogates[key] = []dagmodel.Version{item.H.Version}

			if !offsetSeen {
				return nil
			}

			out := transformed.Clone()
			out.H.Parents = parentSurrogates
			out.H.Perspective = ""
			out.H.Insertion = 0
			out.M.Ack = false
			out.M.Op = dagmodel.OplogTime{}
			if !emit(out) {
				return errStopped
			}
			return nil
		})
		if err == errStopped {
			return
		}
		if err != nil {
			fail(dagerr.Wrap(dagerr.StoreError, err, "reader: scanning"))
			return
		}
		if sawAny {
			started = true
		}

		if !offsetSeen {
			fail(dagerr.New(dagerr.OffsetNotFound, "reader: offset %q not found", s.opts.Offset))
			return
		}

		if !s.opts.Follow {
			return
		}
		if !sawAny {
			select {
			case <-time.After(s.opts.PollInterval):
			case <-s.stop:
				return
			}
		}
	}
}

var errStopped = dagerr.New(dagerr.StoreError, "reader: stopped")

// evaluate applies the filter then the hook chain to item, in order.
func (s *Stream) evaluate(item *dagmodel.Item) (bool, *dagmodel.Item, error) {
	if !matchesFilter(item, s.opts.Filter) {
		return false, nil, nil
	}
	cur := item
	for _, h := range s.opts.Hooks {
		out, keep, err := h(cur)
		if err != nil {
			return false, nil, err
		}
		if !keep {
			return false, nil, nil
		}
		cur = out
	}
	return true, cur, nil
}

func matchesFilter(item *dagmodel.Item, filter map[string]interface{}) bool {
	for k, want := range filter {
		got, ok := item.B[k]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

// jsonEqual compares two attribute values the same way the merge
// package does, normalizing BSON/JSON numeric-type differences.
func jsonEqual(a, b interface{}) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func appendUnique(dst []dagmodel.Version, vs ...dagmodel.Version) []dagmodel.Version {
	for _, v := range vs {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
