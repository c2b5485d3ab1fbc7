package memstore

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/storage"
)

// Collection bundles a row store with an optional columnar index and keeps
// the two consistent across inserts and deletes.
type Collection struct {
	Namespace string
	UUID      uuid.UUID
	Records   *RecordStore
	Index     *ColumnStore // nil when the collection has no columnar index
}

// NewCollection creates an empty collection. If columnPaths is non-empty, a
// columnar index covering those paths is created alongside the row store.
func NewCollection(namespace string, columnPaths []string) *Collection {
	c := &Collection{
		Namespace: namespace,
		UUID:      uuid.New(),
		Records:   NewRecordStore(),
	}
	if len(columnPaths) > 0 {
		c.Index = NewColumnStore(columnPaths)
	}
	return c
}

// Insert stores doc in the row store and indexes it.
func (c *Collection) Insert(doc *value.Object) (storage.RowID, error) {
	id, err := c.Records.Insert(doc)
	if err != nil {
		return storage.NullRowID, err
	}
	if c.Index != nil {
		if err := c.Index.InsertDoc(id, doc); err != nil {
			return storage.NullRowID, errors.Wrapf(err, "indexing row %d", id)
		}
	}
	return id, nil
}

// Delete removes the row from the row store and the index.
func (c *Collection) Delete(id storage.RowID) bool {
	if !c.Records.Delete(id) {
		return false
	}
	if c.Index != nil {
		c.Index.Delete(id)
	}
	return true
}

// CheckIndexKey implements [storage.IndexConsistencyChecker] by re-reading
// the index itself: the key is vouched for while its cell is still present
// in the run. Delete removes record and cells together, so a concurrent
// delete reads as a benign race rather than corruption.
func (c *Collection) CheckIndexKey(_ storage.SnapshotID, path string, id storage.RowID) bool {
	return c.Index != nil && c.Index.Has(path, id)
}

var _ storage.IndexConsistencyChecker = (*Collection)(nil)

// CatalogEntry adapts the collection to the catalog's view of it.
func (c *Collection) CatalogEntry() *catalog.Collection {
	entry := &catalog.Collection{
		Namespace:   c.Namespace,
		UUID:        c.UUID,
		Records:     c.Records,
		Consistency: c,
	}
	if c.Index != nil {
		entry.ColumnIndex = c.Index
	}
	return entry
}
