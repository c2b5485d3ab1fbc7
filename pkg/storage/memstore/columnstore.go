package memstore

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/sbe/value"
	"github.com/corvusdb/engine/pkg/storage"
)

// cellsPerBlock is the sealing threshold for columnar cell blocks. Sealed
// blocks keep their payloads lz4-compressed; cursors decompress one block at
// a time into a cursor-owned buffer.
const cellsPerBlock = 32

// ColumnStore is an in-memory columnar index: one sorted run of cells per
// covered field path.
type ColumnStore struct {
	ident string
	paths []string
	runs  map[string]*columnRun
}

var _ storage.ColumnStore = (*ColumnStore)(nil)

func NewColumnStore(paths []string) *ColumnStore {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	runs := make(map[string]*columnRun, len(sorted))
	for _, p := range sorted {
		runs[p] = &columnRun{}
	}
	return &ColumnStore{ident: uuid.NewString(), paths: sorted, runs: runs}
}

func (s *ColumnStore) Ident() string { return s.ident }

func (s *ColumnStore) Paths() []string { return append([]string(nil), s.paths...) }

// InsertDoc extracts one cell per covered path from doc. Scalar leaves store
// their encoded value; arrays anywhere along a path, and non-scalar leaves,
// store an incompatible marker so scans fall back to the row store for that
// row. Missing paths store no cell.
func (s *ColumnStore) InsertDoc(id storage.RowID, doc *value.Object) error {
	for _, path := range s.paths {
		kind, leaf, present := extractLeaf(doc, path)
		if !present {
			continue
		}
		var payload []byte
		if kind == storage.CellScalar {
			var err error
			payload, err = storage.AppendValue(nil, leaf)
			if err != nil {
				return errors.Wrapf(err, "encoding cell for path %q", path)
			}
		}
		s.runs[path].insert(id, kind, payload)
	}
	return nil
}

// Has reports whether the run for path holds a cell at exactly row id.
func (s *ColumnStore) Has(path string, id storage.RowID) bool {
	run, ok := s.runs[path]
	if !ok {
		return false
	}
	bi, ci, found := run.find(id)
	return found && run.blocks[bi].rowIDs[ci] == id
}

// Delete removes row id's cells from every run.
func (s *ColumnStore) Delete(id storage.RowID) {
	for _, run := range s.runs {
		run.delete(id)
	}
}

func (s *ColumnStore) OpenCursor(path string) (storage.ColumnStoreCursor, error) {
	run, ok := s.runs[path]
	if !ok {
		// Uncovered path reads as an empty run.
		run = &columnRun{}
	}
	return &columnCursor{run: run, path: path, lastRowID: storage.NullRowID, bufBlock: -1}, nil
}

// extractLeaf resolves path inside doc. It reports the cell kind, the leaf
// value for scalar cells, and whether any cell should be stored at all.
func extractLeaf(doc *value.Object, path string) (storage.CellKind, value.Value, bool) {
	cur := value.NewObject(doc)
	rest := path
	for {
		if cur.Tag() == value.TagArray {
			return storage.CellIncompatible, value.Nothing(), true
		}
		if cur.Tag() != value.TagObject {
			return 0, value.Nothing(), false
		}
		dot := strings.IndexByte(rest, '.')
		seg := rest
		if dot >= 0 {
			seg = rest[:dot]
		}
		v, ok := cur.Object().Get(seg)
		if !ok {
			return 0, value.Nothing(), false
		}
		if dot < 0 {
			switch v.Tag() {
			case value.TagObject, value.TagArray:
				return storage.CellIncompatible, value.Nothing(), true
			default:
				return storage.CellScalar, v, true
			}
		}
		cur = v
		rest = rest[dot+1:]
	}
}

// cellBlock holds up to cellsPerBlock cells. Open blocks keep raw payload
// bytes; sealing compresses them. Incompressible payloads stay raw.
type cellBlock struct {
	rowIDs  []storage.RowID
	kinds   []storage.CellKind
	offsets []uint32 // len(rowIDs)+1 entries into the payload buffer
	raw     []byte
	comp    []byte
	rawLen  int
}

func (b *cellBlock) len() int { return len(b.rowIDs) }

func (b *cellBlock) lastRowID() storage.RowID {
	return b.rowIDs[len(b.rowIDs)-1]
}

func (b *cellBlock) append(id storage.RowID, kind storage.CellKind, payload []byte) {
	if len(b.offsets) == 0 {
		b.offsets = append(b.offsets, 0)
	}
	b.rowIDs = append(b.rowIDs, id)
	b.kinds = append(b.kinds, kind)
	b.raw = append(b.raw, payload...)
	b.rawLen = len(b.raw)
	b.offsets = append(b.offsets, uint32(b.rawLen))
}

func (b *cellBlock) seal() {
	if len(b.raw) == 0 {
		return
	}
	dst := make([]byte, lz4.CompressBlockBound(len(b.raw)))
	n, err := lz4.CompressBlock(b.raw, dst, nil)
	if err != nil || n == 0 || n >= len(b.raw) {
		// Incompressible; keep the raw payload.
		return
	}
	b.comp = dst[:n]
	b.raw = nil
}

// payloads writes the uncompressed payload bytes into dst and returns it.
func (b *cellBlock) payloads(dst []byte) ([]byte, error) {
	if b.comp == nil {
		return append(dst[:0], b.raw...), nil
	}
	if cap(dst) < b.rawLen {
		dst = make([]byte, b.rawLen)
	}
	dst = dst[:b.rawLen]
	n, err := lz4.UncompressBlock(b.comp, dst)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing cell block")
	}
	return dst[:n], nil
}

type columnRun struct {
	blocks []*cellBlock
}

func (r *columnRun) insert(id storage.RowID, kind storage.CellKind, payload []byte) {
	var tail *cellBlock
	if n := len(r.blocks); n > 0 && r.blocks[n-1].comp == nil && r.blocks[n-1].len() < cellsPerBlock {
		tail = r.blocks[n-1]
	}
	if tail == nil {
		tail = &cellBlock{}
		r.blocks = append(r.blocks, tail)
	}
	tail.append(id, kind, payload)
	if tail.len() == cellsPerBlock {
		tail.seal()
	}
}

func (r *columnRun) delete(id storage.RowID) {
	for bi, b := range r.blocks {
		if b.len() == 0 || b.lastRowID() < id {
			continue
		}
		i := sort.Search(b.len(), func(i int) bool { return b.rowIDs[i] >= id })
		if i >= b.len() || b.rowIDs[i] != id {
			return
		}
		sealed := b.comp != nil
		raw, err := b.payloads(nil)
		if err != nil {
			return
		}
		nb := &cellBlock{}
		for j := 0; j < b.len(); j++ {
			if j == i {
				continue
			}
			nb.append(b.rowIDs[j], b.kinds[j], raw[b.offsets[j]:b.offsets[j+1]])
		}
		if sealed {
			nb.seal()
		}
		if nb.len() == 0 {
			r.blocks = append(r.blocks[:bi], r.blocks[bi+1:]...)
		} else {
			r.blocks[bi] = nb
		}
		return
	}
}

// find locates the first cell with row id >= id.
func (r *columnRun) find(id storage.RowID) (blockIdx, cellIdx int, ok bool) {
	bi := sort.Search(len(r.blocks), func(i int) bool {
		b := r.blocks[i]
		return b.len() > 0 && b.lastRowID() >= id
	})
	if bi >= len(r.blocks) {
		return 0, 0, false
	}
	b := r.blocks[bi]
	ci := sort.Search(b.len(), func(i int) bool { return b.rowIDs[i] >= id })
	if ci >= b.len() {
		return 0, 0, false
	}
	return bi, ci, true
}

// columnCursor iterates one run. Cell bytes alias the cursor's decompression
// buffer; Save poisons it.
type columnCursor struct {
	run       *columnRun
	path      string
	nextBlock int
	nextCell  int
	lastRowID storage.RowID
	buf       []byte
	bufBlock  int
	cell      storage.Cell
	closed    bool
}

var _ storage.ColumnStoreCursor = (*columnCursor)(nil)

func (c *columnCursor) yield(bi, ci int) (*storage.Cell, error) {
	b := c.run.blocks[bi]
	if c.bufBlock != bi {
		var err error
		c.buf, err = b.payloads(c.buf)
		if err != nil {
			return nil, err
		}
		c.bufBlock = bi
	}
	c.cell = storage.Cell{
		Path:  c.path,
		RowID: b.rowIDs[ci],
		Kind:  b.kinds[ci],
		Bytes: c.buf[b.offsets[ci]:b.offsets[ci+1]],
	}
	c.lastRowID = c.cell.RowID
	c.nextBlock, c.nextCell = bi, ci+1
	if c.nextCell >= b.len() {
		c.nextBlock, c.nextCell = bi+1, 0
	}
	return &c.cell, nil
}

func (c *columnCursor) Next() (*storage.Cell, error) {
	if c.closed {
		return nil, errors.New("column cursor is closed")
	}
	for c.nextBlock < len(c.run.blocks) {
		if c.nextCell < c.run.blocks[c.nextBlock].len() {
			return c.yield(c.nextBlock, c.nextCell)
		}
		c.nextBlock, c.nextCell = c.nextBlock+1, 0
	}
	return nil, nil
}

func (c *columnCursor) SeekAtOrPast(id storage.RowID) (*storage.Cell, error) {
	if c.closed {
		return nil, errors.New("column cursor is closed")
	}
	bi, ci, ok := c.run.find(id)
	if !ok {
		c.nextBlock, c.nextCell = len(c.run.blocks), 0
		return nil, nil
	}
	return c.yield(bi, ci)
}

func (c *columnCursor) SeekExact(id storage.RowID) (*storage.Cell, bool, error) {
	if c.closed {
		return nil, false, errors.New("column cursor is closed")
	}
	bi, ci, ok := c.run.find(id)
	if !ok || c.run.blocks[bi].rowIDs[ci] != id {
		return nil, false, nil
	}
	cell, err := c.yield(bi, ci)
	if err != nil {
		return nil, false, err
	}
	return cell, true, nil
}

func (c *columnCursor) Save() {
	for i := range c.buf {
		c.buf[i] = 0xAA
	}
	c.bufBlock = -1
}

// Restore repositions past the last returned row id; the run may have been
// reshaped by writers while the cursor was saved.
func (c *columnCursor) Restore() error {
	if c.closed {
		return errors.New("column cursor is closed")
	}
	bi, ci, ok := c.run.find(c.lastRowID + 1)
	if !ok {
		c.nextBlock, c.nextCell = len(c.run.blocks), 0
		return nil
	}
	c.nextBlock, c.nextCell = bi, ci
	return nil
}

func (c *columnCursor) Close() { c.closed = true }
