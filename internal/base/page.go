package base

import (
	"encoding/binary"
)

const (
	MinPageSize     = 512
	MaxPageSize     = 65536
	DefaultPageSize = 4096

	// DbHeaderSize is the prefix of page 1 reserved for the file
	// header. Page 1 cells live after it.
	DbHeaderSize = 100

	// Page type bytes, stored at offset 0 of the page header.
	PageTypeInteriorIndex byte = 0x02
	PageTypeInteriorTable byte = 0x05
	PageTypeLeafIndex     byte = 0x0a
	PageTypeLeafTable     byte = 0x0d

	flagIntKey   byte = 0x01
	flagZeroData byte = 0x02
	flagLeafData byte = 0x04
	flagLeaf     byte = 0x08

	LeafHeaderSize     = 8
	InteriorHeaderSize = 12

	// MinCellSize is the smallest on-page footprint of any cell. It is
	// also the minimum freeblock size, so freed cells always form valid
	// freeblocks.
	MinCellSize = 4

	// maxFrag is the largest value the fragmented-bytes counter may
	// hold before the page is declared corrupt.
	maxFrag = 60
)

// MemPage is a parsed view over one raw b-tree page buffer.
//
// PAGE LAYOUT (content grows downward from the end):
// ┌──────────────────────────────────────────────────────────────┐
// │ Header (8 bytes on leaves, 12 on interior pages)             │
// │  [0]    page type                                            │
// │  [1:3]  offset of first freeblock, 0 if none                 │
// │  [3:5]  number of cells                                      │
// │  [5:7]  start of cell content area, 0 means 65536            │
// │  [7]    fragmented free bytes                                │
// │  [8:12] rightmost child page (interior pages only)           │
// ├──────────────────────────────────────────────────────────────┤
// │ Cell pointer array (2 bytes per cell, big-endian, sorted in  │
// │ key order but pointing anywhere in the content area)         │
// ├──────────────────────────────────────────────────────────────┤
// │ Unallocated gap                                              │
// ├──────────────────────────────────────────────────────────────┤
// │ Cell content area, interleaved with the freeblock chain      │
// └──────────────────────────────────────────────────────────────┘
//
// On page 1 the header starts at offset 100; the file header owns the
// first 100 bytes.
type MemPage struct {
	Pgno   uint32
	Data   []byte
	HdrOff int
	Type   byte
	Leaf   bool
	IntKey bool
	NCell  int

	// Usable is the page size minus trailing reserved bytes.
	Usable int

	// MaxLocal and MinLocal bound how much of a payload is stored
	// directly in the cell before spilling to overflow pages.
	MaxLocal int
	MinLocal int
}

func put2(b []byte, v int) { binary.BigEndian.PutUint16(b, uint16(v)) }
func get2(b []byte) int    { return int(binary.BigEndian.Uint16(b)) }

// headerSize returns the page header length for this page's type.
func (p *MemPage) headerSize() int {
	if p.Leaf {
		return LeafHeaderSize
	}
	return InteriorHeaderSize
}

// cellPtrOff is the offset of the first cell pointer slot.
func (p *MemPage) cellPtrOff() int {
	return p.HdrOff + p.headerSize()
}

// contentMin is the lowest offset a cell may legally occupy.
func (p *MemPage) contentMin() int {
	return p.cellPtrOff() + 2*p.NCell
}

func payloadLimits(typ byte, usable int) (maxLocal, minLocal int) {
	if typ == PageTypeLeafTable {
		maxLocal = usable - 35
	} else {
		maxLocal = (usable-12)*64/255 - 23
	}
	minLocal = (usable-12)*32/255 - 23
	return maxLocal, minLocal
}

// ParsePage validates the header of a raw page buffer and returns a
// view over it. usable is the page size minus reserved bytes.
func ParsePage(data []byte, pgno uint32, usable int) (*MemPage, error) {
	hdrOff := 0
	if pgno == 1 {
		hdrOff = DbHeaderSize
	}
	if usable > len(data) || hdrOff+InteriorHeaderSize > usable {
		return nil, ErrCorrupt
	}
	typ := data[hdrOff]
	switch typ {
	case PageTypeInteriorIndex, PageTypeInteriorTable,
		PageTypeLeafIndex, PageTypeLeafTable:
	default:
		return nil, ErrCorrupt
	}
	p := &MemPage{
		Pgno:   pgno,
		Data:   data,
		HdrOff: hdrOff,
		Type:   typ,
		Leaf:   typ&flagLeaf != 0,
		IntKey: typ&flagIntKey != 0,
		NCell:  get2(data[hdrOff+3:]),
		Usable: usable,
	}
	p.MaxLocal, p.MinLocal = payloadLimits(typ, usable)

	first := p.cellPtrOff() + 2*p.NCell
	if first > usable {
		return nil, ErrCorrupt
	}
	for i := 0; i < p.NCell; i++ {
		pc := p.CellPtr(i)
		if pc < first || pc >= usable {
			return nil, ErrCorrupt
		}
	}
	return p, nil
}

// InitPage formats the buffer as a fresh empty page of the given type.
func InitPage(data []byte, pgno uint32, typ byte, usable int) *MemPage {
	hdrOff := 0
	if pgno == 1 {
		hdrOff = DbHeaderSize
	}
	p := &MemPage{
		Pgno:   pgno,
		Data:   data,
		HdrOff: hdrOff,
		Type:   typ,
		Leaf:   typ&flagLeaf != 0,
		IntKey: typ&flagIntKey != 0,
		Usable: usable,
	}
	p.MaxLocal, p.MinLocal = payloadLimits(typ, usable)
	for i := hdrOff; i < hdrOff+p.headerSize(); i++ {
		data[i] = 0
	}
	data[hdrOff] = typ
	put2(data[hdrOff+5:], usable&0xffff) // 65536 wraps to 0
	return p
}

// CellPtr returns the content offset of cell i.
func (p *MemPage) CellPtr(i int) int {
	return get2(p.Data[p.cellPtrOff()+2*i:])
}

func (p *MemPage) setCellPtr(i, off int) {
	put2(p.Data[p.cellPtrOff()+2*i:], off)
}

// RightChild returns the rightmost child pointer of an interior page.
func (p *MemPage) RightChild() uint32 {
	return binary.BigEndian.Uint32(p.Data[p.HdrOff+8:])
}

func (p *MemPage) SetRightChild(pgno uint32) {
	binary.BigEndian.PutUint32(p.Data[p.HdrOff+8:], pgno)
}

func (p *MemPage) firstFreeblock() int { return get2(p.Data[p.HdrOff+1:]) }

func (p *MemPage) fragBytes() int { return int(p.Data[p.HdrOff+7]) }

// contentStart returns the header's cell content offset, mapping the
// stored 0 back to 65536.
func (p *MemPage) contentStart() int {
	top := get2(p.Data[p.HdrOff+5:])
	if top == 0 {
		top = 65536
	}
	return top
}

func (p *MemPage) setContentStart(top int) {
	put2(p.Data[p.HdrOff+5:], top&0xffff)
}

// FreeBytes returns the total free space on the page: the gap between
// the pointer array and the content area, every freeblock, and the
// fragment counter. The freeblock chain is validated along the way.
func (p *MemPage) FreeBytes() (int, error) {
	top := p.contentStart()
	if top < p.contentMin() || top > p.Usable {
		return 0, ErrCorrupt
	}
	free := top - p.contentMin() + p.fragBytes()
	pc := p.firstFreeblock()
	for pc != 0 {
		if pc < top || pc+4 > p.Usable {
			return 0, ErrCorrupt
		}
		next := get2(p.Data[pc:])
		size := get2(p.Data[pc+2:])
		if size < 4 || pc+size > p.Usable {
			return 0, ErrCorrupt
		}
		if next != 0 && next < pc+size {
			return 0, ErrCorrupt
		}
		free += size
		pc = next
	}
	if free > p.Usable-p.cellPtrOff() {
		return 0, ErrCorrupt
	}
	return free, nil
}

// Underfull reports whether the page holds less content than half its
// usable space, the trigger for rebalancing after a delete.
func (p *MemPage) Underfull() (bool, error) {
	free, err := p.FreeBytes()
	if err != nil {
		return false, err
	}
	return free > p.Usable/2, nil
}

// AllocateSpace carves nByte bytes out of the page and returns the
// offset of the new region. The freeblock chain is searched first;
// failing that the unallocated gap is used, defragmenting if the gap
// is too fragmented to satisfy the request in one piece.
func (p *MemPage) AllocateSpace(nByte int) (int, error) {
	if nByte < MinCellSize {
		nByte = MinCellSize
	}
	top := p.contentStart()
	gap := p.contentMin()
	if gap > top {
		return 0, ErrCorrupt
	}

	if p.firstFreeblock() != 0 && gap+2 <= top {
		if off, ok, err := p.findSlot(nByte); err != nil {
			return 0, err
		} else if ok {
			return off, nil
		}
	}

	if top-gap < nByte+2 {
		free, err := p.FreeBytes()
		if err != nil {
			return 0, err
		}
		// Leave room for the new cell pointer slot.
		if free < nByte+2 {
			return 0, ErrPageFull
		}
		if err := p.Defragment(); err != nil {
			return 0, err
		}
		top = p.contentStart()
	}

	top -= nByte
	p.setContentStart(top)
	return top, nil
}

// findSlot searches the freeblock chain for a block of at least nByte
// bytes. A remainder smaller than a valid freeblock is written off as
// fragmentation.
func (p *MemPage) findSlot(nByte int) (int, bool, error) {
	iPtr := p.HdrOff + 1
	pc := get2(p.Data[iPtr:])
	for pc != 0 {
		if pc+4 > p.Usable || pc < iPtr+4 {
			return 0, false, ErrCorrupt
		}
		size := get2(p.Data[pc+2:])
		if pc+size > p.Usable {
			return 0, false, ErrCorrupt
		}
		if x := size - nByte; x >= 0 {
			if x < 4 {
				frag := p.fragBytes() + x
				if frag > maxFrag {
					return 0, false, ErrCorrupt
				}
				p.Data[p.HdrOff+7] = byte(frag)
				put2(p.Data[iPtr:], get2(p.Data[pc:]))
				return pc, true, nil
			}
			put2(p.Data[pc+2:], x)
			return pc + x, true, nil
		}
		iPtr = pc
		pc = get2(p.Data[pc:])
	}
	return 0, false, nil
}

// FreeSpace returns a region to the page, inserting it into the
// sorted freeblock chain and coalescing with adjacent blocks. A block
// that ends up touching the content area start extends the gap
// instead.
func (p *MemPage) FreeSpace(start, size int) error {
	if size < 4 || start < p.HdrOff+p.headerSize() || start+size > p.Usable {
		return ErrCorrupt
	}
	end := start + size
	nFrag := 0

	// Find the insertion point, keeping the chain sorted by offset.
	iPtr := p.HdrOff + 1
	next := get2(p.Data[iPtr:])
	for next != 0 && next < start {
		if next < iPtr+4 {
			return ErrCorrupt
		}
		iPtr = next
		next = get2(p.Data[iPtr:])
	}
	if next != 0 && next+4 > p.Usable {
		return ErrCorrupt
	}

	// Coalesce with the following block, absorbing any fragment gap.
	if next != 0 && end+3 >= next {
		if end > next {
			return ErrCorrupt
		}
		nFrag = next - end
		end = next + get2(p.Data[next+2:])
		if end > p.Usable {
			return ErrCorrupt
		}
		size = end - start
		next = get2(p.Data[next:])
	}

	// Coalesce with the preceding block.
	if iPtr > p.HdrOff+1 {
		prevEnd := iPtr + get2(p.Data[iPtr+2:])
		if prevEnd+3 >= start {
			if prevEnd > start {
				return ErrCorrupt
			}
			nFrag += start - prevEnd
			start = iPtr
			size = end - start
		}
	}

	if nFrag > p.fragBytes() {
		return ErrCorrupt
	}
	p.Data[p.HdrOff+7] -= byte(nFrag)

	if top := p.contentStart(); start <= top {
		if start < top || iPtr != p.HdrOff+1 {
			return ErrCorrupt
		}
		put2(p.Data[p.HdrOff+1:], next)
		p.setContentStart(end)
		return nil
	}
	// When the block merged into its predecessor, start == iPtr and the
	// chain already links to it; only its next and size change below.
	if start != iPtr {
		if iPtr > p.HdrOff+1 && start < iPtr+4 {
			return ErrCorrupt
		}
		put2(p.Data[iPtr:], start)
	}
	put2(p.Data[start:], next)
	put2(p.Data[start+2:], size)
	return nil
}

// Defragment repacks every cell against the end of the usable area,
// clearing the freeblock chain and the fragment counter. Cell order
// is preserved.
func (p *MemPage) Defragment() error {
	scratch := make([]byte, p.Usable)
	top := p.Usable
	for i := 0; i < p.NCell; i++ {
		pc := p.CellPtr(i)
		size, err := p.cellSizeAt(pc)
		if err != nil {
			return err
		}
		top -= size
		if top < p.contentMin() {
			return ErrCorrupt
		}
		copy(scratch[top:], p.Data[pc:pc+size])
		p.setCellPtr(i, top)
	}
	copy(p.Data[top:p.Usable], scratch[top:])
	put2(p.Data[p.HdrOff+1:], 0)
	p.Data[p.HdrOff+7] = 0
	p.setContentStart(top)
	return nil
}

// InsertCell places an encoded cell at index i, shifting later cell
// pointers right. Returns ErrPageFull when the page cannot hold it.
func (p *MemPage) InsertCell(i int, cell []byte) error {
	if i < 0 || i > p.NCell {
		return ErrCorrupt
	}
	off, err := p.AllocateSpace(len(cell))
	if err != nil {
		return err
	}
	copy(p.Data[off:], cell)
	ptr := p.cellPtrOff()
	copy(p.Data[ptr+2*i+2:ptr+2*p.NCell+2], p.Data[ptr+2*i:ptr+2*p.NCell])
	put2(p.Data[ptr+2*i:], off)
	p.NCell++
	put2(p.Data[p.HdrOff+3:], p.NCell)
	return nil
}

// DropCell removes cell i, returning its content region to the page
// and shifting later cell pointers left.
func (p *MemPage) DropCell(i int) error {
	if i < 0 || i >= p.NCell {
		return ErrCorrupt
	}
	pc := p.CellPtr(i)
	size, err := p.cellSizeAt(pc)
	if err != nil {
		return err
	}
	if err := p.FreeSpace(pc, size); err != nil {
		return err
	}
	ptr := p.cellPtrOff()
	copy(p.Data[ptr+2*i:ptr+2*p.NCell-2], p.Data[ptr+2*i+2:ptr+2*p.NCell])
	p.NCell--
	put2(p.Data[p.HdrOff+3:], p.NCell)
	return nil
}

// CellBytes returns the raw bytes of cell i.
func (p *MemPage) CellBytes(i int) ([]byte, error) {
	pc := p.CellPtr(i)
	size, err := p.cellSizeAt(pc)
	if err != nil {
		return nil, err
	}
	return p.Data[pc : pc+size], nil
}

// ChildPgno returns the left-child pointer stored in interior cell i.
func (p *MemPage) ChildPgno(i int) uint32 {
	return binary.BigEndian.Uint32(p.Data[p.CellPtr(i):])
}
