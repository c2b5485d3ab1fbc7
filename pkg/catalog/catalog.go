// Package catalog defines the collection catalog collaborator: lookup by
// stable id, catalog epochs, and the CollectionHandle stages use to hold a
// possibly-stale collection reference across yields.
package catalog

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/storage"
)

// Epoch is the catalog generation. It advances when the catalog is closed
// and reopened; a plan acquired under an older epoch cannot safely resume.
type Epoch uint64

// Collection is the catalog's view of one collection.
type Collection struct {
	Namespace string
	UUID      uuid.UUID
	Records   storage.RecordStore
	// ColumnIndex is the collection's columnar index, if any.
	ColumnIndex storage.ColumnStore
	// Consistency validates index keys against the row store.
	Consistency storage.IndexConsistencyChecker
}

// Catalog is the lookup surface the engine consumes.
type Catalog interface {
	// LookupCollection resolves a collection by stable id under the current
	// lock scope. Returns ErrNamespaceNotFound if it does not exist.
	LookupCollection(id uuid.UUID) (*Collection, error)
	// Epoch returns the current catalog generation.
	Epoch() Epoch
}

// ErrNamespaceNotFound is returned by lookups of dropped or unknown
// collections.
var ErrNamespaceNotFound = errors.New("namespace not found")

// PlanKilledError is the fatal condition raised when a plan cannot safely
// resume after a yield: the collection was dropped or renamed, or the
// catalog was closed and reopened since acquisition.
type PlanKilledError struct {
	Namespace string
	Reason    string
}

func (e *PlanKilledError) Error() string {
	return fmt.Sprintf("plan killed for %q: %s", e.Namespace, e.Reason)
}

// IsPlanKilled reports whether err is (or wraps) a plan-killed condition.
func IsPlanKilled(err error) bool {
	var pk *PlanKilledError
	return errors.As(err, &pk)
}

// CollectionHandle holds a possibly-stale reference to a collection plus the
// identity needed to re-validate it after a yield.
type CollectionHandle struct {
	catalog   Catalog
	coll      *Collection
	namespace string
	epoch     Epoch
	acquired  bool
}

func NewCollectionHandle(c Catalog) *CollectionHandle {
	return &CollectionHandle{catalog: c}
}

// Acquire looks the collection up and records its namespace and the catalog
// epoch for later re-validation.
func (h *CollectionHandle) Acquire(id uuid.UUID) error {
	coll, err := h.catalog.LookupCollection(id)
	if err != nil {
		return errors.Wrapf(err, "acquiring collection %s", id)
	}
	h.coll = coll
	h.namespace = coll.Namespace
	h.epoch = h.catalog.Epoch()
	h.acquired = true
	return nil
}

// Restore re-validates the reference after a yield. It fails with a
// plan-killed error if the collection was dropped or renamed, or if the
// catalog has been closed and reopened since Acquire.
func (h *CollectionHandle) Restore(id uuid.UUID) error {
	if !h.acquired {
		return errors.New("restore called before acquire")
	}
	if e := h.catalog.Epoch(); e != h.epoch {
		return &PlanKilledError{
			Namespace: h.namespace,
			Reason:    fmt.Sprintf("catalog epoch changed from %d to %d", h.epoch, e),
		}
	}
	coll, err := h.catalog.LookupCollection(id)
	if err != nil {
		return &PlanKilledError{Namespace: h.namespace, Reason: "collection dropped"}
	}
	if coll.Namespace != h.namespace {
		return &PlanKilledError{
			Namespace: h.namespace,
			Reason:    fmt.Sprintf("collection renamed to %q", coll.Namespace),
		}
	}
	h.coll = coll
	return nil
}

// Get returns the held collection. Calling it before Acquire is a
// programming error.
func (h *CollectionHandle) Get() *Collection {
	if !h.acquired {
		panic("CollectionHandle.Get called before Acquire")
	}
	return h.coll
}

// Namespace returns the namespace recorded at acquisition time.
func (h *CollectionHandle) Namespace() string { return h.namespace }
