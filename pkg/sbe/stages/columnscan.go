package stages

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/catalog"
	"github.com/corvusdb/engine/pkg/sbe/expr"
	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/sbe/vm"
	"github.com/corvusdb/engine/pkg/storage"
)

// CorruptionError is the fatal condition raised when the columnar index
// references a record the row store does not hold and the consistency
// callback confirms the discrepancy is not a benign race.
type CorruptionError struct {
	Namespace string
	Index     string
	RowID     storage.RowID
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("index %s on %q references missing record %d", e.Index, e.Namespace, e.RowID)
}

// PathFilter is a per-path predicate pushed into a column scan. The filter
// expression reads the cell value through InputSlot; it must be pure.
type PathFilter struct {
	Path      string
	InputSlot value.SlotID
	Filter    expr.Expression
}

// ColumnCursorStats counts accesses to one path's column cursor.
type ColumnCursorStats struct {
	NumNexts uint64
	NumSeeks uint64
}

// ColumnScanStats are the scan-specific counters kept alongside CommonStats.
type ColumnScanStats struct {
	// NumRowStoreFetches counts single-record fetches forced by
	// incompatible cells.
	NumRowStoreFetches uint64
	// NumRowStoreScans counts entries into batch row-store scan mode.
	NumRowStoreScans uint64
	// CursorStats maps each path to its cursor counters.
	CursorStats map[string]*ColumnCursorStats
}

// columnScanPath is the per-path state of a column scan: the storage cursor,
// its last observed cell, and the pushed-down filter if any.
type columnScanPath struct {
	path    string
	include bool

	filterExpr expr.Expression
	filterSlot value.SlotID
	filterCode *vm.CodeFragment
	filterAcc  value.OwnedAccessor

	stats ColumnCursorStats

	cursor    storage.ColumnStoreCursor
	hasCell   bool
	cellRowID storage.RowID
	cellKind  storage.CellKind
	val       value.Value
}

func (p *columnScanPath) setCell(c *storage.Cell) error {
	if c == nil {
		p.clear()
		return nil
	}
	p.hasCell = true
	p.cellRowID = c.RowID
	p.cellKind = c.Kind
	if c.Kind == storage.CellScalar {
		v, err := storage.DecodeCell(c)
		if err != nil {
			return errors.Wrapf(err, "decoding cell at row %d of path %q", c.RowID, p.path)
		}
		p.val = v
	} else {
		p.val = value.Nothing()
	}
	return nil
}

func (p *columnScanPath) clear() {
	p.hasCell = false
	p.cellRowID = storage.NullRowID
	p.val = value.Nothing()
}

func (p *columnScanPath) seekAtOrPast(id storage.RowID) error {
	p.stats.NumSeeks++
	c, err := p.cursor.SeekAtOrPast(id)
	if err != nil {
		return err
	}
	return p.setCell(c)
}

func (p *columnScanPath) seekExact(id storage.RowID) error {
	p.stats.NumSeeks++
	c, found, err := p.cursor.SeekExact(id)
	if err != nil {
		return err
	}
	if !found {
		p.clear()
		return nil
	}
	return p.setCell(c)
}

// makeOwned detaches the held value from the cursor's block buffer.
func (p *columnScanPath) makeOwned() {
	p.val = p.val.MakeOwned()
}

// ColumnScanStage answers a query from a columnar index alone whenever the
// data's shape allows it, reconstructing a partial document per row from the
// covered paths. Rows whose cells cannot represent the stored shape are
// served from the row store instead; clusters of such rows flip the scan
// into adaptive batch row-store scanning (see RowstoreScanModeTracker).
type ColumnScanStage struct {
	baseStage

	cat      catalog.Catalog
	collUUID uuid.UUID
	handle   *catalog.CollectionHandle

	resultSlot   value.SlotID
	recordIDSlot value.SlotID // 0 when not requested

	paths     []*columnScanPath
	filtered  []*columnScanPath
	densePath string
	dense     *columnScanPath

	// rowStoreExpr, when set, transforms documents served from the row
	// store so they match the shape a columnar reconstruction would have
	// produced. It reads the fetched document through rowStoreSlot.
	rowStoreSlot value.SlotID
	rowStoreExpr expr.Expression
	rowStoreCode *vm.CodeFragment
	rowStoreAcc  value.OwnedAccessor

	resultAcc   value.OwnedAccessor
	recordIDAcc value.OwnedAccessor

	tree      *pathTreeNode
	tracker   *RowstoreScanModeTracker
	bytecode  *vm.ByteCode
	ridCursor storage.SeekableRecordCursor // dense driver of last resort
	rowCursor storage.SeekableRecordCursor // row-store fetches, opened lazily

	rowID     storage.RowID // last returned row
	scanStats ColumnScanStats
}

var _ PlanStage = (*ColumnScanStage)(nil)

// NewColumnScanStage constructs a scan over collUUID's columnar index.
// paths lists every path the scan touches; includeInOutput is parallel to it
// and marks the paths that contribute to the reconstructed result. densePath
// optionally names a path guaranteed to have a cell for every row, letting
// it drive an unfiltered scan. filters are pushed-down per-path predicates.
// rowStoreExpr may be nil; when set it must read rowStoreSlot.
func NewColumnScanStage(
	cat catalog.Catalog,
	collUUID uuid.UUID,
	resultSlot, recordIDSlot value.SlotID,
	paths []string,
	includeInOutput []bool,
	densePath string,
	filters []PathFilter,
	rowStoreSlot value.SlotID,
	rowStoreExpr expr.Expression,
	trackerCfg TrackerConfig,
) *ColumnScanStage {
	s := &ColumnScanStage{
		cat:          cat,
		collUUID:     collUUID,
		handle:       catalog.NewCollectionHandle(cat),
		resultSlot:   resultSlot,
		recordIDSlot: recordIDSlot,
		densePath:    densePath,
		rowStoreSlot: rowStoreSlot,
		rowStoreExpr: rowStoreExpr,
		tracker:      NewRowstoreScanModeTracker(trackerCfg),
		bytecode:     vm.NewByteCode(),
		rowID:        storage.NullRowID,
	}
	byPath := make(map[string]*columnScanPath, len(paths))
	for i, path := range paths {
		p := &columnScanPath{path: path, include: includeInOutput[i]}
		s.paths = append(s.paths, p)
		byPath[path] = p
	}
	for _, f := range filters {
		p, ok := byPath[f.Path]
		if !ok {
			p = &columnScanPath{path: f.Path}
			s.paths = append(s.paths, p)
			byPath[f.Path] = p
		}
		p.filterExpr = f.Filter
		p.filterSlot = f.InputSlot
		s.filtered = append(s.filtered, p)
	}
	if densePath != "" {
		s.dense = byPath[densePath]
		if s.dense == nil {
			s.dense = &columnScanPath{path: densePath}
			s.paths = append(s.paths, s.dense)
			byPath[densePath] = s.dense
		}
	}
	cursorIdx := make(map[string]int, len(s.paths))
	var includedPaths []string
	for i, p := range s.paths {
		if p.include {
			cursorIdx[p.path] = i
			includedPaths = append(includedPaths, p.path)
		}
	}
	s.tree = buildPathTree(includedPaths, cursorIdx)
	s.scanStats.CursorStats = make(map[string]*ColumnCursorStats, len(s.paths))
	for _, p := range s.paths {
		s.scanStats.CursorStats[p.path] = &p.stats
	}
	return s
}

// ScanStats returns the scan-specific counters.
func (s *ColumnScanStage) ScanStats() *ColumnScanStats { return &s.scanStats }

func (s *ColumnScanStage) Prepare(ctx *CompileCtx) error {
	if err := s.ensurePrepare(); err != nil {
		return err
	}
	ctx.Bind(s.resultSlot, &s.resultAcc)
	if s.recordIDSlot != 0 {
		ctx.Bind(s.recordIDSlot, &s.recordIDAcc)
	}
	for _, p := range s.filtered {
		ctx.Bind(p.filterSlot, &p.filterAcc)
		code, err := expr.Compile(p.filterExpr, ctx)
		if err != nil {
			return errors.Wrapf(err, "compiling filter on path %q", p.path)
		}
		p.filterCode = code
	}
	if s.rowStoreExpr != nil {
		ctx.Bind(s.rowStoreSlot, &s.rowStoreAcc)
		code, err := expr.Compile(s.rowStoreExpr, ctx)
		if err != nil {
			return errors.Wrap(err, "compiling row store transform")
		}
		s.rowStoreCode = code
	}
	return nil
}

func (s *ColumnScanStage) Open(reOpen bool) error {
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
	coll := s.handle.Get()
	if coll.ColumnIndex == nil {
		return errors.Errorf("collection %q has no columnar index", coll.Namespace)
	}
	s.closeCursors()
	for _, p := range s.paths {
		cur, err := coll.ColumnIndex.OpenCursor(p.path)
		if err != nil {
			return errors.Wrapf(err, "opening column cursor for path %q", p.path)
		}
		p.cursor = cur
		p.clear()
	}
	if len(s.filtered) == 0 && s.dense == nil {
		s.ridCursor = coll.Records.OpenCursor()
	}
	s.rowID = storage.NullRowID
	s.tracker.Reset()
	return nil
}

func (s *ColumnScanStage) GetNext() (bool, error) {
	if err := s.ensureGetNext(); err != nil {
		return false, err
	}
	for {
		if s.tracker.IsScanningRowstore() {
			ok, err := s.nextFromRowStoreScan()
			if err != nil {
				return false, err
			}
			if ok {
				s.stats.Advances++
				return true, nil
			}
			if s.state == stateEOF {
				return false, nil
			}
			// Batch ended on filtered skips; resume columnar.
			continue
		}

		candidate, badData, eof, err := s.nextCandidate()
		if err != nil {
			return false, err
		}
		if eof {
			s.state = stateEOF
			return false, nil
		}
		if !badData {
			badData, err = s.positionRemainingCursors(candidate)
			if err != nil {
				return false, err
			}
		}
		s.rowID = candidate
		if badData {
			s.tracker.StartScan()
			s.scanStats.NumRowStoreScans++
			ok, err := s.serveFromRowStore(candidate)
			if err != nil {
				return false, err
			}
			s.tracker.Track()
			if !ok {
				continue
			}
			s.stats.Advances++
			return true, nil
		}
		if v, ok := s.tree.reconstruct(s.leafValue); ok {
			s.resultAcc.Set(v)
		} else {
			s.resultAcc.Set(value.NewObject(value.NewObjectValue()))
		}
		s.setRecordID(candidate)
		s.stats.Advances++
		return true, nil
	}
}

// nextCandidate advances the scan's driver to the next row id past s.rowID.
// With filters it synchronizes the filtered cursors until one row satisfies
// them all; otherwise the dense path or the record-id cursor drives.
func (s *ColumnScanStage) nextCandidate() (candidate storage.RowID, badData, eof bool, err error) {
	switch {
	case len(s.filtered) > 0:
		return s.findNextRowIDForFilteredColumns()
	case s.dense != nil:
		if err := s.dense.seekAtOrPast(s.rowID + 1); err != nil {
			return 0, false, false, err
		}
		if !s.dense.hasCell {
			return 0, false, true, nil
		}
		if s.dense.cellKind != storage.CellScalar {
			return s.dense.cellRowID, true, false, nil
		}
		return s.dense.cellRowID, false, false, nil
	default:
		rec, err := s.ridCursor.SeekNear(s.rowID + 1)
		if err != nil {
			return 0, false, false, err
		}
		if rec == nil {
			return 0, false, true, nil
		}
		return rec.ID, false, false, nil
	}
}

// findNextRowIDForFilteredColumns seeks every filtered cursor to a common
// row id and evaluates the conjunction of filters there. Whenever a cursor
// lands past the candidate, the candidate jumps forward to the furthest
// position; rows any filtered path is missing from are skipped entirely.
// A non-scalar cell under a filter cannot be evaluated columnar-side and
// reports badData at that row.
func (s *ColumnScanStage) findNextRowIDForFilteredColumns() (candidate storage.RowID, badData, eof bool, err error) {
	candidate = s.rowID + 1
	for {
		maxPos := candidate
		for _, p := range s.filtered {
			if err := p.seekAtOrPast(candidate); err != nil {
				return 0, false, false, err
			}
			if !p.hasCell {
				return 0, false, true, nil
			}
			if p.cellRowID > maxPos {
				maxPos = p.cellRowID
			}
		}
		if maxPos != candidate {
			candidate = maxPos
			continue
		}
		for _, p := range s.filtered {
			if p.cellKind != storage.CellScalar {
				return candidate, true, false, nil
			}
		}
		pass := true
		for _, p := range s.filtered {
			p.filterAcc.Set(p.val)
			ok, err := s.bytecode.RunPredicate(p.filterCode)
			if err != nil {
				return 0, false, false, errors.Wrapf(err, "evaluating filter on path %q", p.path)
			}
			if !ok {
				pass = false
				break
			}
		}
		if pass {
			return candidate, false, false, nil
		}
		candidate++
	}
}

// positionRemainingCursors seeks every non-driver cursor to the candidate
// row. Paths with no cell there read as Nothing; a non-scalar cell anywhere
// means reconstruction would be unfaithful and reports badData.
func (s *ColumnScanStage) positionRemainingCursors(candidate storage.RowID) (badData bool, err error) {
	for _, p := range s.paths {
		if !p.hasCell || p.cellRowID != candidate {
			if err := p.seekExact(candidate); err != nil {
				return false, err
			}
		}
		if p.hasCell && p.cellRowID == candidate && p.cellKind != storage.CellScalar {
			badData = true
		}
	}
	return badData, nil
}

func (s *ColumnScanStage) leafValue(idx int) value.Value {
	p := s.paths[idx]
	if !p.hasCell || p.cellRowID != s.rowID {
		return value.Nothing()
	}
	return p.val
}

// nextFromRowStoreScan serves the next batch row from the row store,
// applying the pushed-down filters document-side. Rows failing a filter
// still count against the batch.
func (s *ColumnScanStage) nextFromRowStoreScan() (bool, error) {
	for {
		if !s.tracker.IsScanningRowstore() {
			// Batch exhausted between filtered skips.
			return false, nil
		}
		if err := s.ensureRowCursor(); err != nil {
			return false, err
		}
		rec, err := s.rowCursor.SeekNear(s.rowID + 1)
		if err != nil {
			return false, err
		}
		if rec == nil {
			s.state = stateEOF
			return false, nil
		}
		s.rowID = rec.ID
		s.tracker.Track()
		ok, err := s.emitRowStoreRecord(rec)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
}

// serveFromRowStore fetches exactly one record for a row whose cells were
// incompatible. A missing record is a benign race unless the consistency
// callback confirms the index key should still be live.
func (s *ColumnScanStage) serveFromRowStore(id storage.RowID) (bool, error) {
	if err := s.ensureRowCursor(); err != nil {
		return false, err
	}
	rec, found, err := s.rowCursor.SeekExact(id)
	if err != nil {
		return false, err
	}
	s.scanStats.NumRowStoreFetches++
	if !found {
		coll := s.handle.Get()
		snap := coll.Records.Snapshot()
		for _, p := range s.paths {
			if p.hasCell && p.cellRowID == id {
				if coll.Consistency.CheckIndexKey(snap, p.path, id) {
					return false, &CorruptionError{
						Namespace: coll.Namespace,
						Index:     coll.ColumnIndex.Ident(),
						RowID:     id,
					}
				}
			}
		}
		return false, nil
	}
	return s.emitRowStoreRecord(rec)
}

// emitRowStoreRecord decodes rec, applies the row store transform and the
// pushed-down filters, and publishes the result slots. Returns false when a
// filter rejects the row.
func (s *ColumnScanStage) emitRowStoreRecord(rec *storage.Record) (bool, error) {
	doc, err := storage.DecodeDocument(rec.Bytes)
	if err != nil {
		return false, errors.Wrapf(err, "decoding record %d in %q", rec.ID, s.handle.Namespace())
	}
	out := value.NewObject(doc)
	if s.rowStoreCode != nil {
		s.rowStoreAcc.Set(out)
		out, err = s.bytecode.Run(s.rowStoreCode)
		if err != nil {
			return false, errors.Wrapf(err, "transforming record %d in %q", rec.ID, s.handle.Namespace())
		}
	}
	for _, p := range s.filtered {
		in := value.Nothing()
		if out.Tag() == value.TagObject {
			in = out.Object().GetPath(p.path)
		}
		p.filterAcc.Set(in)
		ok, err := s.bytecode.RunPredicate(p.filterCode)
		if err != nil {
			return false, errors.Wrapf(err, "evaluating filter on path %q", p.path)
		}
		if !ok {
			return false, nil
		}
	}
	s.resultAcc.Set(out)
	s.setRecordID(rec.ID)
	return true, nil
}

func (s *ColumnScanStage) setRecordID(id storage.RowID) {
	if s.recordIDSlot != 0 {
		s.recordIDAcc.Set(value.NewRecordID(int64(id)))
	}
}

func (s *ColumnScanStage) ensureRowCursor() error {
	if s.rowCursor == nil {
		s.rowCursor = s.handle.Get().Records.OpenCursor()
	}
	return nil
}

func (s *ColumnScanStage) closeCursors() {
	for _, p := range s.paths {
		if p.cursor != nil {
			p.cursor.Close()
			p.cursor = nil
		}
	}
	if s.ridCursor != nil {
		s.ridCursor.Close()
		s.ridCursor = nil
	}
	if s.rowCursor != nil {
		s.rowCursor.Close()
		s.rowCursor = nil
	}
}

func (s *ColumnScanStage) Close() error {
	if err := s.ensureClose(); err != nil {
		return err
	}
	s.closeCursors()
	return nil
}

// SaveState detaches every held value from cursor-owned buffers, then saves
// all cursors. The output slots stay readable while yielded.
func (s *ColumnScanStage) SaveState() error {
	s.resultAcc.MakeOwned()
	s.recordIDAcc.MakeOwned()
	for _, p := range s.paths {
		p.makeOwned()
		p.filterAcc.MakeOwned()
		if p.cursor != nil {
			p.cursor.Save()
		}
	}
	if s.ridCursor != nil {
		s.ridCursor.Save()
	}
	if s.rowCursor != nil {
		s.rowCursor.Save()
	}
	s.stats.Saves++
	return nil
}

func (s *ColumnScanStage) RestoreState() error {
	if err := s.handle.Restore(s.collUUID); err != nil {
		return err
	}
	for _, p := range s.paths {
		if p.cursor != nil {
			if err := p.cursor.Restore(); err != nil {
				return errors.Wrapf(err, "restoring column cursor for path %q", p.path)
			}
		}
	}
	if s.ridCursor != nil {
		if err := s.ridCursor.Restore(); err != nil {
			return err
		}
	}
	if s.rowCursor != nil {
		if err := s.rowCursor.Restore(); err != nil {
			return err
		}
	}
	s.stats.Restores++
	return nil
}

func (s *ColumnScanStage) Children() []PlanStage { return nil }

func (s *ColumnScanStage) DebugString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "columnscan s%d", s.resultSlot)
	if s.recordIDSlot != 0 {
		fmt.Fprintf(&sb, " recordId=s%d", s.recordIDSlot)
	}
	sb.WriteString(" paths=[")
	for i, p := range s.paths {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.path)
		if !p.include {
			sb.WriteString("!")
		}
	}
	sb.WriteString("]")
	if s.densePath != "" {
		fmt.Fprintf(&sb, " dense=%s", s.densePath)
	}
	if len(s.filtered) > 0 {
		sb.WriteString(" filters=[")
		for i, p := range s.filtered {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %s", p.path, p.filterExpr)
		}
		sb.WriteString("]")
	}
	fmt.Fprintf(&sb, " @%s", s.collUUID)
	return sb.String()
}
