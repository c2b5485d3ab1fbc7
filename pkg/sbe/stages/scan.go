package stages

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/storage"
)

// ScanStage is a forward row-store collection scan. It exposes the current
// document through the result slot and optionally the record id and a set of
// top-level fields extracted into their own slots.
type ScanStage struct {
	baseStage

	cat      catalog.Catalog
	collUUID uuid.UUID
	handle   *catalog.CollectionHandle

	resultSlot   value.SlotID
	recordIDSlot value.SlotID // 0 when not requested
	fieldNames   []string
	fieldSlots   []value.SlotID

	resultAcc   value.OwnedAccessor
	recordIDAcc value.OwnedAccessor
	fieldAccs   []value.OwnedAccessor

	cursor storage.SeekableRecordCursor
	lastID storage.RowID
}

var _ PlanStage = (*ScanStage)(nil)

// NewScanStage constructs a scan over the collection identified by collUUID.
// fieldNames and fieldSlots must be parallel.
func NewScanStage(cat catalog.Catalog, collUUID uuid.UUID, resultSlot, recordIDSlot value.SlotID, fieldNames []string, fieldSlots []value.SlotID) *ScanStage {
	return &ScanStage{
		cat:          cat,
		collUUID:     collUUID,
		handle:       catalog.NewCollectionHandle(cat),
		resultSlot:   resultSlot,
		recordIDSlot: recordIDSlot,
		fieldNames:   fieldNames,
		fieldSlots:   fieldSlots,
		lastID:       storage.NullRowID,
	}
}

func (s *ScanStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	ctx.Bind(s.resultSlot, &s.resultAcc)
	if s.recordIDSlot != 0 {
		ctx.Bind(s.recordIDSlot, &s.recordIDAcc)
	}
	s.fieldAccs = make([]value.OwnedAccessor, len(s.fieldSlots))
	for i, id := range s.fieldSlots {
		ctx.Bind(id, &s.fieldAccs[i])
	}
	return nil
}

func (s *ScanStage) Open(reOpen bool) error {
	if reOpen {
		if err := s.reopen(); err != nil {
			return err
		}
	} else if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.handle.Acquire(s.collUUID); err != nil {
		return err
	}
	if s.cursor != nil {
		s.cursor.Close()
	}
	s.cursor = s.handle.Get().Records.OpenCursor()
	s.lastID = storage.NullRowID
	return nil
}

func (s *ScanStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	rec, err := s.cursor.Next()
	if err != nil {
		return false, errors.Wrapf(err, "scanning %q", s.handle.Namespace())
	}
	if rec == nil {
		s.state = stateEOF
		return false, nil
	}
	doc, err := storage.DecodeDocument(rec.Bytes)
	if err != nil {
		return false, errors.Wrapf(err, "decoding record %d in %q", rec.ID, s.handle.Namespace())
	}
	s.lastID = rec.ID
	s.resultAcc.Set(value.NewObject(doc))
	if s.recordIDSlot != 0 {
		s.recordIDAcc.Set(value.NewRecordID(int64(rec.ID)))
	}
	for i, name := range s.fieldNames {
		v, ok := doc.Get(name)
		if !ok {
			v = value.Nothing()
		}
		s.fieldAccs[i].Set(v)
	}
	s.stats.Advances++
	return true, nil
}

func (s *ScanStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	if s.cursor != nil {
		s.cursor.Close()
		s.cursor = nil
	}
	return nil
}

// SaveState makes every exposed value independent of the cursor's buffers,
// then releases the cursor's position.
func (s *ScanStage) SaveState() error {
	s.resultAcc.MakeOwned()
	s.recordIDAcc.MakeOwned()
	for i := range s.fieldAccs {
		s.fieldAccs[i].MakeOwned()
	}
	if s.cursor != nil {
		s.cursor.Save()
	}
	s.stats.Saves++
	return nil
}

func (s *ScanStage) RestoreState() error {
	if err := s.handle.Restore(s.collUUID); err != nil {
		return err
	}
	if s.cursor != nil {
		if err := s.cursor.Restore(); err != nil {
			return errors.Wrapf(err, "restoring scan cursor on %q", s.handle.Namespace())
		}
	}
	s.stats.Restores++
	return nil
}

func (s *ScanStage) Children() []PlanStage { return nil }

func (s *ScanStage) DebugString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "scan s%d", s.resultSlot)
	if s.recordIDSlot != 0 {
		fmt.Fprintf(&sb, " recordId=s%d", s.recordIDSlot)
	}
	if len(s.fieldNames) > 0 {
		sb.WriteString(" fields=[")
		for i, name := range s.fieldNames {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "s%d = %s", s.fieldSlots[i], name)
		}
		sb.WriteString("]")
	}
	fmt.Fprintf(&sb, " @%s", s.collUUID)
	return sb.String()
}
