// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package writer_test

import (
	"path/filepath"
	"testing"

	"github.com/netsend/mastersync/dagerr"
	"github.com/netsend/mastersync/dagmodel"
	"github.com/netsend/mastersync/dagtree"
	"github.com/netsend/mastersync/kvstore"
	"github.com/netsend/mastersync/writer"
)

type fakeStore struct {
	docs    map[dagmodel.ID]map[string]interface{}
	deletes int
}

func newFakeStore() *fakeStore { return &fakeStore{docs: make(map[dagmodel.ID]map[string]interface{})} }

func (s *fakeStore) Upsert(id dagmodel.ID, body map[string]interface{}) error {
	s.docs[id] = body
	return nil
}

func (s *fakeStore) Delete(id dagmodel.ID) error {
	delete(s.docs, id)
	s.deletes++
	return nil
}

func newTestPipeline(t *testing.T, store writer.PlainStore, remoteNames ...string) *writer.Pipeline {
	t.Helper()
	st, err := kvstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	local, err := dagtree.Open(st, dagtree.Options{Name: "_local"})
	if err != nil {
		t.Fatalf("dagtree.Open local: %v", err)
	}
	remotes := make(map[dagmodel.Perspective]*dagtree.Tree)
	for _, name := range remoteNames {
		tree, err := dagtree.Open(st, dagtree.Options{Name: name})
		if err != nil {
			t.Fatalf("dagtree.Open %s: %v", name, err)
		}
		remotes[dagmodel.Perspective(name)] = tree
	}
	return writer.New(local, remotes, writer.Options{Store: store})
}

func rootItem(id, perspective string, body map[string]interface{}) *dagmodel.Item {
	return &dagmodel.Item{
		H: dagmodel.Header{ID: dagmodel.ID(id), Perspective: dagmodel.Perspective(perspective)},
		B: body,
	}
}

func TestWriteLocalAssignsVersionAndSyncs(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store)
	out, err := p.WriteLocal([]*dagmodel.Item{rootItem("doc1", "_local", map[string]interface{}{"name": "alice"})})
	if err != nil {
		t.Fatalf("WriteLocal: %v", err)
	}
	if len(out) != 1 || out[0].H.Version == "" {
		t.Fatalf("WriteLocal did not assign a version: %v", out)
	}
	if store.docs["doc1"]["name"] != "alice" {
		t.Errorf("plain store not synced: %v", store.docs)
	}
}

func TestWriteRemoteRejectsReservedPerspective(t *testing.T) {
	p := newTestPipeline(t, nil)
	_, err := p.WriteRemote("_local", []*dagmodel.Item{rootItem("doc1", "_local", nil)})
	if !dagerr.Is(err, dagerr.PerspectiveMismatch) {
		t.Errorf("WriteRemote(_local) error = %v, want PerspectiveMismatch", err)
	}
}

func TestWriteRemoteRejectsUndeclaredPerspective(t *testing.T) {
	p := newTestPipeline(t, nil)
	_, err := p.WriteRemote("peerA", []*dagmodel.Item{rootItem("doc1", "peerA", nil)})
	if !dagerr.Is(err, dagerr.PerspectiveMismatch) {
		t.Errorf("WriteRemote(undeclared) error = %v, want PerspectiveMismatch", err)
	}
}

func TestWriteRemoteCreatesLocalSibling(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, "peerA")
	out, err := p.WriteRemote("peerA", []*dagmodel.Item{rootItem("doc1", "peerA", map[string]interface{}{"name": "alice"})})
	if err != nil {
		t.Fatalf("WriteRemote: %v", err)
	}
	// Expect two written items: the remote-perspective original and its
	// local-perspective sibling.
	if len(out) != 2 {
		t.Fatalf("WriteRemote wrote %d items, want 2 (remote + local sibling)", len(out))
	}
	if store.docs["doc1"]["name"] != "alice" {
		t.Errorf("plain store not synced from remote write: %v", store.docs)
	}
}

func TestWriteLocalResolvesDivergentHeadsViaMerge(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store, "peerA")

	// Establish a common root through both perspectives' sibling ensure.
	remoteOut, err := p.WriteRemote("peerA", []*dagmodel.Item{rootItem("doc1", "peerA", map[string]interface{}{"name": "alice", "age": int32(30)})})
	if err != nil {
		t.Fatalf("WriteRemote root: %v", err)
	}
	var rootVersion dagmodel.Version
	for _, it := range remoteOut {
		if it.H.Perspective == "_local" {
			rootVersion = it.H.Version
		}
	}
	if rootVersion == "" {
		t.Fatal("no local sibling produced for root")
	}

	// Two concurrent local children of the same root, each changing a
	// different attribute.
	childA := &dagmodel.Item{
		H: dagmodel.Header{ID: "doc1", Parents: []dagmodel.Version{rootVersion}, Perspective: "_local"},
		B: map[string]interface{}{"name": "alicia", "age": int32(30)},
	}
	childB := &dagmodel.Item{
		H: dagmodel.Header{ID: "doc1", Parents: []dagmodel.Version{rootVersion}, Perspective: "_local"},
		B: map[string]interface{}{"name": "alice", "age": int32(31)},
	}
	if _, err := p.WriteLocal([]*dagmodel.Item{childA}); err != nil {
		t.Fatalf("WriteLocal childA: %v", err)
	}
	if _, err := p.WriteLocal([]*dagmodel.Item{childB}); err != nil {
		t.Fatalf("WriteLocal childB: %v", err)
	}

	merged := store.docs["doc1"]
	if merged["name"] != "alicia" || merged["age"] != int32(31) {
		t.Errorf("synced head after merge = %v, want name=alicia age=31", merged)
	}
}

func TestApplyOplogInsertUpdateDelete(t *testing.T) {
	store := newFakeStore()
	p := newTestPipeline(t, store)

	entries := []writer.OplogEntry{
		{Op: writer.OplogInsert, ID: "doc1", O: map[string]interface{}{"name": "alice"}},
		{Op: writer.OplogUpdate, ID: "doc1", O: map[string]interface{}{"$set": map[string]interface{}{"name": "alicia"}}},
		{Op: writer.OplogDelete, ID: "doc1"},
	}
	if _, err := p.ApplyOplog(entries); err != nil {
		t.Fatalf("ApplyOplog: %v", err)
	}
	if _, ok := store.docs["doc1"]; ok {
		t.Errorf("doc1 should have been deleted from the plain store, got %v", store.docs["doc1"])
	}
	if store.deletes != 1 {
		t.Errorf("deletes = %d, want 1", store.deletes)
	}
}

func TestApplyOplogModifierWithoutPriorInsertErrors(t *testing.T) {
	p := newTestPipeline(t, newFakeStore())
	entries := []writer.OplogEntry{
		{Op: writer.OplogUpdate, ID: "doc1", O: map[string]interface{}{"$set": map[string]interface{}{"name": "alicia"}}},
	}
	if _, err := p.ApplyOplog(entries); err == nil {
		t.Error("ApplyOplog modifier update with no prior insert should error")
	}
}

func TestApplyOplogUnsupportedModifierErrors(t *testing.T) {
	p := newTestPipeline(t, newFakeStore())
	entries := []writer.OplogEntry{
		{Op: writer.OplogInsert, ID: "doc1", O: map[string]interface{}{"name": "alice"}},
		{Op: writer.OplogUpdate, ID: "doc1", O: map[string]interface{}{"$inc": map[string]interface{}{"age": int32(1)}}},
	}
	if _, err := p.ApplyOplog(entries); err == nil {
		t.Error("ApplyOplog with $inc should error ($set/$unset only)")
	}
}
