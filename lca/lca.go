// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lca implements lowest-common-ancestor search over one or two
// perspective-partitioned DAGs.
//
// The search itself has no direct teacher counterpart — go.ref's sync
// DAG never needs a merge-base search, since vsync resolves conflicts by
// picking one of the two conflicting heads and discarding the other
// (see _examples/aghassemi-go.ref/services/syncbase/sync/dag.go's hasConflict/moveHead). The
// algorithm here is the classic frontier/flag-painting walk used by
// every DVCS merge-base search (git's paint_down_to_common is the
// canonical reference): expand the node with the greatest insertion
// index first, OR every node's flags together as it's reached from
// either side, and once a node carries both sides' flags it is a common
// ancestor — mark it and everything reachable from it stale so that
// only the minimal (lowest) common ancestors are reported.
package lca

import (
	"container/heap"
	"sort"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
)

// Source resolves a version to its item, used to walk parent links.
// *dagtree.Tree satisfies this directly.
type Source interface {
	GetByVersion(v dagmodel.Version) (*dagmodel.Item, error)
}

// Ref names a starting point for a search: a version together with the
// source it (and its ancestors) can be looked up through.
type Ref struct {
	Source  Source
	Version dagmodel.Version
}

const (
	flagA     uint8 = 1 << iota // reachable from x
	flagB                       // reachable from y
	flagStale                   // already dominated by a found LCA
)

type node struct {
	source    Source
	item      *dagmodel.Item
	insertion uint64
}

// frontier is a max-heap by insertion index: the most recently inserted
// node is explored first, matching the ikey/insertion-order total order
// the rest of the system already relies on for determinism.
type frontier []*node

func (f frontier) Len() int            { return len(f) }
func (f frontier) Less(i, j int) bool  { return f[i].insertion > f[j].insertion }
func (f frontier) Swap(i, j int)       { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x interface{}) { *f = append(*f, x.(*node)) }
func (f *frontier) Pop() interface{} {
	old := *f
	n := len(old)
	item := old[n-1]
	*f = old[:n-1]
	return item
}

type visitKey struct {
	source  Source
	version dagmodel.Version
}

// FindAll returns every lowest common ancestor of x and y. When x and y
// name the same (source, version) it is
// returned as the sole result. Nodes are tracked per (source, version),
// so a common ancestor is found only where both walks reach it through
// the same Source: when x.Source and y.Source differ, no node carries
// both sides' marks and the result is empty.
//
// Returns an empty slice, not an error, when x and y share no ancestor
// (disjoint root histories) — callers decide whether that is fatal.
func FindAll(x, y Ref) ([]*dagmodel.Item, error) {
	if x.Source == y.Source && x.Version == y.Version {
		item, err := x.Source.GetByVersion(x.Version)
		if err != nil {
			return nil, dagerr.Wrap(dagerr.StoreError, err, "lca: resolving %q", x.Version)
		}
		return []*dagmodel.Item{item}, nil
	}

	visited := make(map[visitKey]uint8)
	pq := &frontier{}
	heap.Init(pq)

	push := func(src Source, v dagmodel.Version, flag uint8) error {
		k := visitKey{src, v}
		if visited[k]&flag == flag {
			return nil
		}
		item, err := src.GetByVersion(v)
		if err != nil {
			return dagerr.Wrap(dagerr.StoreError, err, "lca: resolving %q", v)
		}
		visited[k] |= flag
		heap.Push(pq, &node{source: src, item: item, insertion: item.H.Insertion})
		return nil
	}

	if err := push(x.Source, x.Version, flagA); err != nil {
		return nil, err
	}
	if err := push(y.Source, y.Version, flagB); err != nil {
		return nil, err
	}

	var results []*dagmodel.Item

	for pq.Len() > 0 {
		n := heap.Pop(pq).(*node)
		k := visitKey{n.source, n.item.H.Version}
		flags := visited[k]

		if flags&flagStale != 0 {
			continue
		}

		if flags&(flagA|flagB) == (flagA | flagB) {
			results = append(results, n.item)
			flags |= flagStale
			visited[k] = flags
		}

		for _, p := range n.item.H.Parents {
			pk := visitKey{n.source, p}
			had := visited[pk]
			if had&flags == flags {
				continue
			}
			if had == 0 {
				item, err := n.source.GetByVersion(p)
				if err != nil {
					return nil, dagerr.Wrap(dagerr.StoreError, err, "lca: resolving parent %q", p)
				}
				visited[pk] = flags
				heap.Push(pq, &node{source: n.source, item: item, insertion: item.H.Insertion})
			} else {
				visited[pk] = had | flags
			}
		}
	}

	sortCanonical(results)
	return results, nil
}

// sortCanonical orders candidate LCAs by (version, perspective) so that
// any caller reducing multiple LCAs to one picks the same candidate
// regardless of discovery order, since tie-breaking among multiple LCAs
// is otherwise unspecified.
func sortCanonical(items []*dagmodel.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].H.Version != items[j].H.Version {
			return items[i].H.Version < items[j].H.Version
		}
		return items[i].H.Perspective < items[j].H.Perspective
	})
}

// Reduce folds two or more lowest common ancestors down to one by
// recursively computing the LCA of the running result and the next
// candidate, since Merge3 accepts at most two LCA inputs. source
// resolves versions for every candidate; callers merging across two
// perspectives pass whichever tree can resolve the candidates' own
// ancestry (in practice the candidates here are themselves results of a
// single FindAll call and so share one walkable ancestry).
func Reduce(candidates []*dagmodel.Item, source Source) (*dagmodel.Item, error) {
	if len(candidates) == 0 {
		return nil, dagerr.New(dagerr.NoLCA, "lca: no candidates to reduce")
	}
	sortCanonical(candidates)
	cur := candidates[0]
	for _, next := range candidates[1:] {
		reduced, err := FindAll(Ref{Source: source, Version: cur.H.Version}, Ref{Source: source, Version: next.H.Version})
		if err != nil {
			return nil, err
		}
		if len(reduced) == 0 {
			return nil, dagerr.New(dagerr.NoLCA, "lca: candidates %q and %q share no ancestor", cur.H.Version, next.H.Version)
		}
		cur = reduced[0]
	}
	return cur, nil
}
