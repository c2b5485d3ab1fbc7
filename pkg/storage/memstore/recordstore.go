// Package memstore provides in-memory implementations of the storage
// interfaces: a row store and a columnar index with lz4-compressed cell
// blocks. It backs the engine's tests and the explain tooling.
//
// The store follows the engine's cooperative concurrency model: cursors are
// used by a single goroutine, and external mutation is only legal while every
// cursor is saved. Saving a cursor poisons its view buffers so that stale
// views are caught deterministically instead of silently reading reused
// memory.
package memstore

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/storage"
)

// RecordStore is an in-memory row store ordered by RowID.
type RecordStore struct {
	records  []storage.Record
	nextID   storage.RowID
	snapshot storage.SnapshotID
}

var _ storage.RecordStore = (*RecordStore)(nil)

func NewRecordStore() *RecordStore {
	return &RecordStore{nextID: 1, snapshot: 1}
}

// Insert encodes doc and appends it under the next row id.
func (s *RecordStore) Insert(doc *value.Object) (storage.RowID, error) {
	raw, err := storage.EncodeDocument(doc)
	if err != nil {
		return storage.NullRowID, errors.Wrap(err, "encoding document")
	}
	id := s.nextID
	s.nextID++
	s.records = append(s.records, storage.Record{ID: id, Bytes: raw})
	return id, nil
}

// Delete removes the record with the given id and advances the snapshot.
func (s *RecordStore) Delete(id storage.RowID) bool {
	i := s.search(id)
	if i >= len(s.records) || s.records[i].ID != id {
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	s.snapshot++
	return true
}

// AdvanceSnapshot simulates an external writer committing: every saved cursor
// now reads from a newer snapshot after restore.
func (s *RecordStore) AdvanceSnapshot() { s.snapshot++ }

func (s *RecordStore) Snapshot() storage.SnapshotID { return s.snapshot }

// Has reports whether a record with the given id exists.
func (s *RecordStore) Has(id storage.RowID) bool {
	i := s.search(id)
	return i < len(s.records) && s.records[i].ID == id
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int { return len(s.records) }

func (s *RecordStore) search(id storage.RowID) int {
	return sort.Search(len(s.records), func(i int) bool { return s.records[i].ID >= id })
}

func (s *RecordStore) OpenCursor() storage.SeekableRecordCursor {
	return &recordCursor{store: s, lastID: storage.NullRowID}
}

// recordCursor copies each returned record into a cursor-owned buffer, so
// returned bytes are views that the next advance or save invalidates.
type recordCursor struct {
	store  *RecordStore
	lastID storage.RowID
	buf    []byte
	rec    storage.Record
	closed bool
}

var _ storage.SeekableRecordCursor = (*recordCursor)(nil)

func (c *recordCursor) yieldRecord(i int) *storage.Record {
	r := c.store.records[i]
	c.buf = append(c.buf[:0], r.Bytes...)
	c.lastID = r.ID
	c.rec = storage.Record{ID: r.ID, Bytes: c.buf}
	return &c.rec
}

func (c *recordCursor) Next() (*storage.Record, error) {
	if c.closed {
		return nil, errors.New("record cursor is closed")
	}
	i := c.store.search(c.lastID + 1)
	if i >= len(c.store.records) {
		return nil, nil
	}
	return c.yieldRecord(i), nil
}

func (c *recordCursor) SeekNear(id storage.RowID) (*storage.Record, error) {
	if c.closed {
		return nil, errors.New("record cursor is closed")
	}
	i := c.store.search(id)
	if i >= len(c.store.records) {
		return nil, nil
	}
	return c.yieldRecord(i), nil
}

func (c *recordCursor) SeekExact(id storage.RowID) (*storage.Record, bool, error) {
	if c.closed {
		return nil, false, errors.New("record cursor is closed")
	}
	i := c.store.search(id)
	if i >= len(c.store.records) || c.store.records[i].ID != id {
		return nil, false, nil
	}
	return c.yieldRecord(i), true, nil
}

// Save poisons the view buffer. Values not made owned before the yield will
// read the poison pattern afterwards, which test assertions catch.
func (c *recordCursor) Save() {
	for i := range c.buf {
		c.buf[i] = 0xAA
	}
}

func (c *recordCursor) Restore() error {
	if c.closed {
		return errors.New("record cursor is closed")
	}
	return nil
}

func (c *recordCursor) Close() { c.closed = true }
