// Copyright 2026 The mastersync Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kvstore

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("mastersync")

// boltStore implements Store over a single bbolt bucket. All keycodec
// keys already carry a "name" prefix, so one flat bucket gives the
// whole-store lexicographic ordering the key grammar relies on.
type boltStore struct {
	db *bolt.DB
}

var _ Store = (*boltStore)(nil)

// Open opens (creating if needed) a bbolt-backed Store at path.
func Open(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

func (s *boltStore) Get(key, valbuf []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get(key)
		if v == nil {
			return ErrUnknownKey
		}
		out = CopyBytes(valbuf, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Scan(start, end []byte) Stream {
	return newBoltSnapshotStream(s.db, start, end)
}

func (s *boltStore) Put(key, value []byte) error {
	return RunInTransaction(s, func(tx StoreReadWriter) error {
		return tx.Put(key, value)
	})
}

func (s *boltStore) Delete(key []byte) error {
	return RunInTransaction(s, func(tx StoreReadWriter) error {
		return tx.Delete(key)
	})
}

func (s *boltStore) NewTransaction() Transaction {
	tx, err := s.db.Begin(true)
	return &boltTx{tx: tx, err: err}
}

func (s *boltStore) NewSnapshot() Snapshot {
	tx, err := s.db.Begin(false)
	return &boltSnapshot{tx: tx, err: err}
}

// boltTx wraps a writable bbolt transaction.
type boltTx struct {
	tx  *bolt.Tx
	err error
}

var _ Transaction = (*boltTx)(nil)

func (t *boltTx) bucket() (*bolt.Bucket, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.tx.Bucket(rootBucket), nil
}

func (t *boltTx) Get(key, valbuf []byte) ([]byte, error) {
	b, err := t.bucket()
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrUnknownKey
	}
	return CopyBytes(valbuf, v), nil
}

func (t *boltTx) Scan(start, end []byte) Stream {
	if t.err != nil {
		return &errStream{err: t.err}
	}
	return newCursorStream(t.tx.Bucket(rootBucket).Cursor(), start, end)
}

func (t *boltTx) Put(key, value []byte) error {
	b, err := t.bucket()
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t *boltTx) Delete(key []byte) error {
	b, err := t.bucket()
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func (t *boltTx) Commit() error {
	if t.err != nil {
		return t.err
	}
	return t.tx.Commit()
}

func (t *boltTx) Abort() error {
	if t.err != nil {
		return nil
	}
	return t.tx.Rollback()
}

// boltSnapshot wraps a read-only bbolt transaction held open until Close.
type boltSnapshot struct {
	tx  *bolt.Tx
	err error
}

var _ Snapshot = (*boltSnapshot)(nil)

func (s *boltSnapshot) Get(key, valbuf []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	v := s.tx.Bucket(rootBucket).Get(key)
	if v == nil {
		return nil, ErrUnknownKey
	}
	return CopyBytes(valbuf, v), nil
}

func (s *boltSnapshot) Scan(start, end []byte) Stream {
	if s.err != nil {
		return &errStream{err: s.err}
	}
	return newCursorStream(s.tx.Bucket(rootBucket).Cursor(), start, end)
}

func (s *boltSnapshot) Close() error {
	if s.err != nil {
		return nil
	}
	return s.tx.Rollback()
}

// newBoltSnapshotStream opens its own read-only transaction so a Store
// (not just a Transaction/Snapshot) can be scanned directly; the
// transaction is closed when the stream is exhausted or cancelled.
func newBoltSnapshotStream(db *bolt.DB, start, end []byte) Stream {
	tx, err := db.Begin(false)
	if err != nil {
		return &errStream{err: err}
	}
	s := newCursorStream(tx.Bucket(rootBucket).Cursor(), start, end).(*cursorStream)
	s.closeTx = tx.Rollback
	return s
}

// cursorStream iterates a bbolt cursor over [start, end).
type cursorStream struct {
	cur     *bolt.Cursor
	start   []byte
	end     []byte
	started bool
	done    bool
	staged  bool
	key     []byte
	value   []byte
	err     error
	closeTx func() error
}

var _ Stream = (*cursorStream)(nil)

func newCursorStream(cur *bolt.Cursor, start, end []byte) Stream {
	return &cursorStream{cur: cur, start: start, end: end}
}

func (s *cursorStream) Advance() bool {
	if s.done || s.err != nil {
		return false
	}
	var k, v []byte
	if !s.started {
		s.started = true
		k, v = s.cur.Seek(s.start)
	} else {
		k, v = s.cur.Next()
	}
	if k == nil || (s.end != nil && bytes.Compare(k, s.end) >= 0) {
		s.staged = false
		s.finish()
		return false
	}
	s.key, s.value = k, v
	s.staged = true
	return true
}

func (s *cursorStream) finish() {
	s.done = true
	if s.closeTx != nil {
		s.closeTx()
		s.closeTx = nil
	}
}

func (s *cursorStream) Key(keybuf []byte) []byte {
	if !s.staged {
		panic("kvstore: Key called with nothing staged")
	}
	return CopyBytes(keybuf, s.key)
}

func (s *cursorStream) Value(valbuf []byte) []byte {
	if !s.staged {
		panic("kvstore: Value called with nothing staged")
	}
	return CopyBytes(valbuf, s.value)
}

func (s *cursorStream) Err() error { return s.err }

func (s *cursorStream) Cancel() {
	if !s.done {
		s.finish()
	}
}

// errStream is a Stream that immediately reports err.
type errStream struct{ err error }

func (s *errStream) Advance() bool            { return false }
func (s *errStream) Key(keybuf []byte) []byte { panic("kvstore: Key called with nothing staged") }
func (s *errStream) Value(valbuf []byte) []byte {
	panic("kvstore: Value called with nothing staged")
}
func (s *errStream) Err() error { return s.err }
func (s *errStream) Cancel()    {}
