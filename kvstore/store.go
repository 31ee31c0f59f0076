// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kvstore is the ordered, byte-keyed key-value store the DAG
// engine is built on. It defines the same small interface shape as
// _examples/aghassemi-go.ref/services/syncbase/store (Store/StoreReader/StoreWriter/Transaction/
// Snapshot/Stream), backed by go.etcd.io/bbolt instead of a cgo-linked
// LevelDB — bbolt is an embedded, ordered, byte-keyed B+tree with
// atomic batched writes, which gives multi-key atomic groups without a
// cgo dependency.
//
// Reimplementing a B-tree is out of scope; this package only adapts
// bbolt's API to the shape the rest of the engine expects.
package kvstore

import "errors"

// ErrUnknownKey is returned by Get when the key does not exist, mirroring
// _examples/aghassemi-go.ref/services/syncbase/store.ErrUnknownKey.
var ErrUnknownKey = errors.New("kvstore: unknown key")

// StoreReader is the read side of Store.
type StoreReader interface {
	// Get returns the value for key, or ErrUnknownKey if absent. valbuf,
	// if non-nil and large enough, is reused for the result (as in
	// store.CopyBytes).
	Get(key, valbuf []byte) ([]byte, error)
	// Scan returns a Stream over [start, end).
	Scan(start, end []byte) Stream
}

// StoreWriter is the write side of Store.
type StoreWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// StoreReadWriter combines both sides, as exposed inside a transaction.
type StoreReadWriter interface {
	StoreReader
	StoreWriter
}

// Transaction is a read-write view that must be explicitly committed or
// aborted. All tree writes that must land atomically (dskey + ikey +
// vkey + headkey together) go through one Transaction.
type Transaction interface {
	StoreReadWriter
	Commit() error
	Abort() error
}

// Snapshot is a consistent, read-only view as of the moment it was
// created.
type Snapshot interface {
	StoreReader
	Close() error
}

// Store is the full store handle.
type Store interface {
	StoreReader
	StoreWriter
	NewTransaction() Transaction
	NewSnapshot() Snapshot
	Close() error
}

// Stream iterates over a key range in ascending key order.
type Stream interface {
	// Advance stages the next key/value pair; returns false at end of
	// stream or on error (check Err() to distinguish).
	Advance() bool
	// Key returns the currently staged key. Panics if nothing is staged.
	Key(keybuf []byte) []byte
	// Value returns the currently staged value. Panics if nothing is
	// staged.
	Value(valbuf []byte) []byte
	Err() error
	// Cancel stops the stream early; safe to call at any time.
	Cancel()
}

// RunInTransaction runs fn against a fresh Transaction, committing on
// success and aborting on any error — including a failed Commit, mirroring
// _examples/aghassemi-go.ref/services/syncbase/store.RunInTransaction.
func RunInTransaction(st Store, fn func(tx StoreReadWriter) error) error {
	tx := st.NewTransaction()
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Abort()
		return err
	}
	return nil
}

// CopyBytes copies src into dst, reusing dst's capacity when possible.
// Mirrors _examples/aghassemi-go.ref/services/syncbase/store.CopyBytes.
func CopyBytes(dst, src []byte) []byte {
	if src == nil {
		return nil
	}
	if cap(dst) < len(src) {
		newlen := cap(dst)*2 + 2
		if newlen < len(src) {
			newlen = len(src)
		}
		dst = make([]byte, newlen)
	}
	dst = dst[:len(src)]
	copy(dst, src)
	return dst
}
