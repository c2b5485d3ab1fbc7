// Package storage defines the interfaces the execution engine consumes from
// the storage engine collaborator: the row store, the columnar index store,
// their cursors, and the value codecs shared by both. The engine never talks
// to disk itself; implementations live behind these interfaces (see
// memstore for the in-memory one used by tests and tooling).
package storage

import (
	"errors"
	"fmt"
)

// RowID is the row-store key correlating a columnar-index row to the full
// stored document. Unique per document within a store.
type RowID int64

// NullRowID is the "not yet positioned" sentinel. It sorts before every
// valid row id.
const NullRowID RowID = -1

// SnapshotID identifies the storage snapshot a cursor reads from. It
// advances whenever the snapshot is released and re-established (yield).
type SnapshotID uint64

// Record is one row-store entry. Bytes holds the encoded document and may
// alias a buffer owned by the cursor that returned it.
type Record struct {
	ID    RowID
	Bytes []byte
}

// SeekableRecordCursor iterates the row store in RowID order.
//
// Save releases the underlying snapshot position so other operations can run;
// Restore re-establishes it. A cursor whose data was removed while saved
// repositions to the nearest following record on the next call.
type SeekableRecordCursor interface {
	// Next returns the next record, or nil at end of data.
	Next() (*Record, error)
	// SeekNear positions at the first record with id >= the given id and
	// returns it, or nil if no such record exists.
	SeekNear(id RowID) (*Record, error)
	// SeekExact returns the record with exactly the given id, if it exists.
	SeekExact(id RowID) (*Record, bool, error)
	Save()
	Restore() error
	Close()
}

// RecordStore is the primary per-document storage.
type RecordStore interface {
	OpenCursor() SeekableRecordCursor
	// Snapshot returns the store's current snapshot id.
	Snapshot() SnapshotID
}

// CellKind describes what a columnar cell holds at its path.
type CellKind uint8

const (
	// CellScalar holds an encoded scalar value.
	CellScalar CellKind = iota
	// CellSubObject marks that the path has a nested object at this row;
	// values live in deeper-path cells.
	CellSubObject
	// CellIncompatible marks a shape the columnar format cannot represent
	// faithfully (arrays, mixed nesting). Reading it forces a row-store
	// fetch; it is data-quality fallback, not an error.
	CellIncompatible
)

func (k CellKind) String() string {
	switch k {
	case CellScalar:
		return "scalar"
	case CellSubObject:
		return "subobject"
	case CellIncompatible:
		return "incompatible"
	default:
		return fmt.Sprintf("CellKind(%d)", uint8(k))
	}
}

// Cell is one (path, value) entry at a specific row id within a columnar run.
// Bytes may alias a decompressed block buffer owned by the cursor; it is
// invalidated when the cursor advances past the block or is saved.
type Cell struct {
	Path  string
	RowID RowID
	Kind  CellKind
	Bytes []byte
}

// ColumnStoreCursor iterates one path's columnar run in RowID order.
type ColumnStoreCursor interface {
	// Next returns the next cell, or nil at end of the run.
	Next() (*Cell, error)
	// SeekAtOrPast positions at the first cell with row id >= the given id
	// and returns it, or nil if the run is exhausted.
	SeekAtOrPast(id RowID) (*Cell, error)
	// SeekExact returns the cell at exactly the given row id, if present.
	SeekExact(id RowID) (*Cell, bool, error)
	Save()
	Restore() error
	Close()
}

// ColumnStore is a columnar index: one physically separate, sorted run per
// field path, keyed by row id.
type ColumnStore interface {
	// OpenCursor opens a cursor over the run for the given path. Opening a
	// cursor for a path the index does not cover yields an empty run.
	OpenCursor(path string) (ColumnStoreCursor, error)
	// Ident is the stable identity of the index (survives in diagnostics).
	Ident() string
	// Paths lists the field paths the index covers, sorted.
	Paths() []string
}

// IndexConsistencyChecker confirms that an index key observed under the given
// snapshot still refers to a live record. Scans use it to distinguish benign
// races from index corruption.
type IndexConsistencyChecker interface {
	CheckIndexKey(snap SnapshotID, path string, id RowID) bool
}

// WriteConflictError is the retryable storage conflict signal. The query
// executor catches it and retries from the last yield-safe point; it never
// reaches the end user unless retries are exhausted.
type WriteConflictError struct {
	Op string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict during %s", e.Op)
}

// IsWriteConflict reports whether err is (or wraps) a write conflict.
func IsWriteConflict(err error) bool {
	var wce *WriteConflictError
	return errors.As(err, &wce)
}
