package betula

import (
	"encoding/binary"

	"betula/internal/pager"
)

// Freelist layout: the header points at the first trunk page. A trunk
// page holds a 4-byte pointer to the next trunk, a 4-byte leaf count,
// and then that many 4-byte leaf page numbers. Leaf pages hold
// nothing. Allocation takes the most recently freed leaf first.

// trunkCapacity is how many leaf page numbers fit on one trunk page.
func (tx *Tx) trunkCapacity() int {
	return tx.usable()/4 - 2
}

// allocatePage hands out a page for new tree or overflow content,
// reusing freelist pages before growing the file. The returned page
// is journaled and ready to be formatted by the caller.
func (tx *Tx) allocatePage() (*pager.Page, error) {
	h, err := tx.header()
	if err != nil {
		return nil, err
	}
	if h.FreelistTrunk != 0 {
		trunk, err := tx.db.pager.Get(h.FreelistTrunk)
		if err != nil {
			return nil, err
		}
		count := binary.BigEndian.Uint32(trunk.Data[4:])
		if count > uint32(tx.trunkCapacity()) {
			return nil, ErrCorrupt
		}
		if count > 0 {
			pgno := binary.BigEndian.Uint32(trunk.Data[8+4*(count-1):])
			if pgno < 2 || pgno > h.DbSize {
				return nil, ErrCorrupt
			}
			if err := tx.db.pager.Write(trunk); err != nil {
				return nil, err
			}
			binary.BigEndian.PutUint32(trunk.Data[4:], count-1)
			h.FreelistCount--
			if err := tx.putHeader(h); err != nil {
				return nil, err
			}
			return tx.grabPage(pgno)
		}
		// Empty trunk: the trunk page itself is the allocation.
		next := binary.BigEndian.Uint32(trunk.Data[:4])
		pgno := h.FreelistTrunk
		h.FreelistTrunk = next
		h.FreelistCount--
		if err := tx.putHeader(h); err != nil {
			return nil, err
		}
		return tx.grabPage(pgno)
	}
	h.DbSize++
	if err := tx.putHeader(h); err != nil {
		return nil, err
	}
	return tx.grabPage(h.DbSize)
}

func (tx *Tx) grabPage(pgno uint32) (*pager.Page, error) {
	pg, err := tx.db.pager.Get(pgno)
	if err != nil {
		return nil, err
	}
	if err := tx.db.pager.Write(pg); err != nil {
		return nil, err
	}
	return pg, nil
}

// freePage returns a page to the freelist, zeroing its content so
// stale cells and payloads do not outlive the free. It becomes a trunk
// leaf when the first trunk has room, otherwise it becomes the new
// first trunk itself.
func (tx *Tx) freePage(pgno uint32) error {
	h, err := tx.header()
	if err != nil {
		return err
	}
	if pgno < 2 || pgno > h.DbSize {
		return ErrCorrupt
	}
	pg, err := tx.grabPage(pgno)
	if err != nil {
		return err
	}
	clear(pg.Data)
	if h.FreelistTrunk != 0 {
		trunk, err := tx.db.pager.Get(h.FreelistTrunk)
		if err != nil {
			return err
		}
		count := binary.BigEndian.Uint32(trunk.Data[4:])
		if count > uint32(tx.trunkCapacity()) {
			return ErrCorrupt
		}
		if count < uint32(tx.trunkCapacity()) {
			if err := tx.db.pager.Write(trunk); err != nil {
				return err
			}
			binary.BigEndian.PutUint32(trunk.Data[8+4*count:], pgno)
			binary.BigEndian.PutUint32(trunk.Data[4:], count+1)
			h.FreelistCount++
			return tx.putHeader(h)
		}
	}
	// Freed page becomes the new first trunk.
	binary.BigEndian.PutUint32(pg.Data[:4], h.FreelistTrunk)
	h.FreelistTrunk = pgno
	h.FreelistCount++
	return tx.putHeader(h)
}

// FreelistPages collects every page number on the freelist, trunks
// included. Used by the integrity check and inspection tooling.
func (tx *Tx) FreelistPages() ([]uint32, error) {
	h, err := tx.header()
	if err != nil {
		return nil, err
	}
	var out []uint32
	seen := make(map[uint32]struct{})
	trunk := h.FreelistTrunk
	for trunk != 0 {
		if _, dup := seen[trunk]; dup {
			return nil, ErrCorrupt
		}
		seen[trunk] = struct{}{}
		out = append(out, trunk)
		pg, err := tx.db.pager.Get(trunk)
		if err != nil {
			return nil, err
		}
		count := binary.BigEndian.Uint32(pg.Data[4:])
		if count > uint32(tx.trunkCapacity()) {
			return nil, ErrCorrupt
		}
		for i := uint32(0); i < count; i++ {
			leaf := binary.BigEndian.Uint32(pg.Data[8+4*i:])
			if leaf < 2 || leaf > h.DbSize {
				return nil, ErrCorrupt
			}
			out = append(out, leaf)
		}
		trunk = binary.BigEndian.Uint32(pg.Data[:4])
	}
	if uint32(len(out)) != h.FreelistCount {
		return nil, ErrCorrupt
	}
	return out, nil
}
