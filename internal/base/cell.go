package base

import (
	"encoding/binary"
)

// CellInfo is the decoded header of one cell.
//
// Cell images vary by page type:
//
//	table leaf:     varint payload len, varint rowid, payload [, overflow]
//	table interior: 4-byte left child, varint rowid
//	index leaf:     varint payload len, payload [, overflow]
//	index interior: 4-byte left child, varint payload len, payload [, overflow]
//
// The optional trailing overflow field is the 4-byte page number of
// the first overflow page, present only when the payload spills.
type CellInfo struct {
	NPayload   int    // total payload bytes, local plus overflow
	Rowid      int64  // intkey pages only
	Local      int    // payload bytes stored in the cell itself
	Size       int    // total cell footprint on the page
	PayloadOff int    // offset of the local payload within the cell
	Overflow   uint32 // first overflow page, 0 when fully local
}

// LocalPayload returns how many bytes of an n-byte payload are stored
// in the cell. Payloads over MaxLocal keep a prefix sized so the tail
// fills whole overflow pages, unless that prefix would itself exceed
// MaxLocal, in which case the minimum is kept.
func (p *MemPage) LocalPayload(n int) int {
	if n <= p.MaxLocal {
		return n
	}
	surplus := p.MinLocal + (n-p.MinLocal)%(p.Usable-4)
	if surplus <= p.MaxLocal {
		return surplus
	}
	return p.MinLocal
}

// ParseCell decodes the header of cell i.
func (p *MemPage) ParseCell(i int) (CellInfo, error) {
	if i < 0 || i >= p.NCell {
		return CellInfo{}, ErrCorrupt
	}
	return p.parseCellAt(p.CellPtr(i))
}

func (p *MemPage) parseCellAt(pc int) (CellInfo, error) {
	var info CellInfo
	off := pc
	if !p.Leaf {
		off += 4
	}
	if p.Type == PageTypeInteriorTable {
		rowid, n := ReadVarint(p.Data[off:p.Usable])
		if n == 0 {
			return info, ErrCorrupt
		}
		info.Rowid = int64(rowid)
		info.Size = off + n - pc
		if info.Size < MinCellSize {
			info.Size = MinCellSize
		}
		return info, nil
	}

	nPayload, n := ReadVarint(p.Data[off:p.Usable])
	if n == 0 || nPayload > uint64(MaxPayload) {
		return info, ErrCorrupt
	}
	off += n
	info.NPayload = int(nPayload)

	if p.Type == PageTypeLeafTable {
		rowid, n := ReadVarint(p.Data[off:p.Usable])
		if n == 0 {
			return info, ErrCorrupt
		}
		info.Rowid = int64(rowid)
		off += n
	}

	info.Local = p.LocalPayload(info.NPayload)
	info.PayloadOff = off - pc
	info.Size = info.PayloadOff + info.Local
	if info.Local < info.NPayload {
		info.Size += 4
		end := pc + info.PayloadOff + info.Local
		if end+4 > p.Usable {
			return info, ErrCorrupt
		}
		info.Overflow = binary.BigEndian.Uint32(p.Data[end:])
		if info.Overflow == 0 {
			return info, ErrCorrupt
		}
	}
	if info.Size < MinCellSize {
		info.Size = MinCellSize
	}
	if pc+info.Size > p.Usable {
		return info, ErrCorrupt
	}
	return info, nil
}

// cellSizeAt returns the on-page footprint of the cell at offset pc.
func (p *MemPage) cellSizeAt(pc int) (int, error) {
	info, err := p.parseCellAt(pc)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// MaxPayload caps the encodable record size.
const MaxPayload = 1<<31 - 1

// NewCell assembles the byte image of a cell for this page's type.
// child is ignored on leaves; rowid is ignored on index pages; payload
// is ignored on table interior pages. When the payload exceeds the
// local limit, the returned spill slice holds the bytes that must go
// to overflow pages and ovfl is the 4-byte slot inside cell to patch
// with the chain head.
func NewCell(p *MemPage, child uint32, rowid int64, payload []byte) (cell, spill, ovfl []byte) {
	var hdr [4 + 2*MaxVarintLen]byte
	n := 0
	if !p.Leaf {
		binary.BigEndian.PutUint32(hdr[:], child)
		n = 4
	}
	if p.Type == PageTypeInteriorTable {
		n += PutVarint(hdr[n:], uint64(rowid))
		return append([]byte(nil), hdr[:n]...), nil, nil
	}
	n += PutVarint(hdr[n:], uint64(len(payload)))
	if p.Type == PageTypeLeafTable {
		n += PutVarint(hdr[n:], uint64(rowid))
	}
	local := p.LocalPayload(len(payload))
	cell = make([]byte, n+local, n+local+4)
	copy(cell, hdr[:n])
	copy(cell[n:], payload[:local])
	if local < len(payload) {
		cell = cell[:n+local+4]
		spill = payload[local:]
		ovfl = cell[n+local:]
	}
	return cell, spill, ovfl
}
