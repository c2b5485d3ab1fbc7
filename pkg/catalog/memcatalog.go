package catalog

import "github.com/google/uuid"

// MemCatalog is an in-memory Catalog used by tests and tooling.
type MemCatalog struct {
	collections map[uuid.UUID]*Collection
	epoch       Epoch
}

var _ Catalog = (*MemCatalog)(nil)

func NewMemCatalog() *MemCatalog {
	return &MemCatalog{collections: make(map[uuid.UUID]*Collection), epoch: 1}
}

// Add registers a collection under its UUID.
func (c *MemCatalog) Add(coll *Collection) {
	c.collections[coll.UUID] = coll
}

// Drop removes a collection, as a drop-collection command would.
func (c *MemCatalog) Drop(id uuid.UUID) {
	delete(c.collections, id)
}

// Rename changes a collection's namespace in place.
func (c *MemCatalog) Rename(id uuid.UUID, namespace string) {
	if coll, ok := c.collections[id]; ok {
		coll.Namespace = namespace
	}
}

// CloseAndReopen simulates a catalog restart by advancing the epoch.
func (c *MemCatalog) CloseAndReopen() { c.epoch++ }

func (c *MemCatalog) LookupCollection(id uuid.UUID) (*Collection, error) {
	coll, ok := c.collections[id]
	if !ok {
		return nil, ErrNamespaceNotFound
	}
	return coll, nil
}

func (c *MemCatalog) Epoch() Epoch { return c.epoch }
