// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reader_test

import (
	"path/filepath"
	"testing"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/dagtree"
	"github.com/netsend/mastersync/kvstore"
	"github.com/netsend/mastersync/reader"
)

func openChainTree(t *testing.T) *dagtree.Tree {
	t.Helper()
	st, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	tree, err := dagtree.Open(st, dagtree.Options{Name: "_local"})
	if err != nil {
		t.Fatalf("dagtree.Open: %v", err)
	}
	versions := []string{"v1", "v2", "v3"}
	for i, v := range versions {
		var parents []dagmodel.Version
		if i > 0 {
			parents = []dagmodel.Version{dagmodel.Version(versions[i-1])}
		}
		item := &dagmodel.Item{
			H: dagmodel.Header{ID: "doc1", Version: dagmodel.Version(v), Parents: parents, Perspective: "_local"},
			B: map[string]interface{}{"n": v, "keep": v != "v2"},
		}
		if _, err := tree.Write(item); err != nil {
			t.Fatalf("Write %s: %v", v, err)
		}
	}
	return tree
}

func drain(s *reader.Stream) []*dagmodel.Item {
	var out []*dagmodel.Item
	for s.Advance() {
		out = append(out, s.Item())
	}
	return out
}

func TestStreamEmitsAllItemsInOrder(t *testing.T) {
	tree := openChainTree(t)
	s := reader.Open(tree, reader.Options{})
	defer s.Close()
	items := drain(s)
	if err := s.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, want := range []string{"v1", "v2", "v3"} {
		if items[i].H.Version != dagmodel.Version(want) {
			t.Errorf("items[%d] = %q, want %q", i, items[i].H.Version, want)
		}
	}
}

func TestStreamFilterRewritesSurrogateParent(t *testing.T) {
	tree := openChainTree(t)
	s := reader.Open(tree, reader.Options{Filter: map[string]interface{}{"keep": true}})
	defer s.Close()
	items := drain(s)
	if err := s.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (v2 filtered out)", len(items))
	}
	if items[0].H.Version != "v1" || items[1].H.Version != "v3" {
		t.Fatalf("items = %v, want [v1 v3]", items)
	}
	if len(items[1].H.Parents) != 1 || items[1].H.Parents[0] != "v1" {
		t.Errorf("v3 parents = %v, want [v1] (surrogate-rewritten past filtered v2)", items[1].H.Parents)
	}
}

func TestStreamOffsetResumeIsInclusive(t *testing.T) {
	tree := openChainTree(t)
	s := reader.Open(tree, reader.Options{Offset: "v2"})
	defer s.Close()
	items := drain(s)
	if err := s.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (v2, v3)", len(items))
	}
	if items[0].H.Version != "v2" || items[1].H.Version != "v3" {
		t.Fatalf("items = %v, want [v2 v3]", items)
	}
}

func TestStreamOffsetNotFoundErrors(t *testing.T) {
	tree := openChainTree(t)
	s := reader.Open(tree, reader.Options{Offset: "nonexistent"})
	defer s.Close()
	drain(s)
	if !dagerr.Is(s.Err(), dagerr.OffsetNotFound) {
		t.Errorf("Stream error = %v, want OffsetNotFound", s.Err())
	}
}

func TestStreamHookCanTransformAndDrop(t *testing.T) {
	tree := openChainTree(t)
	hook := reader.Hook(func(item *dagmodel.Item) (*dagmodel.Item, bool, error) {
		if item.H.Version == "v1" {
			return nil, false, nil
		}
		out := item.Clone()
		out.B["touched"] = true
		return out, true, nil
	})
	s := reader.Open(tree, reader.Options{Hooks: []reader.Hook{hook}})
	defer s.Close()
	items := drain(s)
	if err := s.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (v1 dropped by hook)", len(items))
	}
	for _, it := range items {
		if it.B["touched"] != true {
			t.Errorf("item %q missing hook-applied field", it.H.Version)
		}
	}
}

func TestStreamClosedItemsChannel(t *testing.T) {
	tree := openChainTree(t)
	s := reader.Open(tree, reader.Options{})
	drain(s)
	s.Close()
	if s.Advance() {
		t.Error("Advance after Close/drain should return false")
	}
}
