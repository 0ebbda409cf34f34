package betula

import (
	"encoding/binary"

	"betula/internal/base"
)

// TreeType selects the key discipline of a new tree.
type TreeType int

const (
	// TableTree keys rows by int64 rowid; rows live only in leaves.
	TableTree TreeType = iota
	// IndexTree keys entries by byte string under a collation;
	// entries live on interior pages too.
	IndexTree
)

// CreateTree allocates an empty tree and returns its root page
// number. The root page number is stable for the life of the tree.
func (tx *Tx) CreateTree(typ TreeType) (uint32, error) {
	if tx.done {
		return 0, ErrTxDone
	}
	if !tx.writable {
		return 0, ErrTxNotWritable
	}
	pg, err := tx.allocatePage()
	if err != nil {
		return 0, err
	}
	pt := base.PageTypeLeafTable
	if typ == IndexTree {
		pt = base.PageTypeLeafIndex
	}
	base.InitPage(pg.Data, pg.Pgno, pt, tx.usable())
	return pg.Pgno, nil
}

// ClearTree deletes every entry, returning all pages but the root to
// the freelist. Open cursors on the transaction are parked.
func (tx *Tx) ClearTree(root uint32) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	tx.invalidateCursors(nil)
	tp, err := tx.page(root)
	if err != nil {
		return err
	}
	typ := tp.mem.Type
	if err := tx.clearPage(root, false, 0); err != nil {
		return err
	}
	if !tp.mem.Leaf {
		typ = base.PageTypeLeafTable
		if !tp.mem.IntKey {
			typ = base.PageTypeLeafIndex
		}
	}
	pg, err := tx.grabPage(root)
	if err != nil {
		return err
	}
	base.InitPage(pg.Data, root, typ, tx.usable())
	return nil
}

// DropTree clears the tree and frees its root. The main table on
// page 1 cannot be dropped.
func (tx *Tx) DropTree(root uint32) error {
	if root == MainTableRoot {
		return ErrTableNotFound
	}
	if err := tx.ClearTree(root); err != nil {
		return err
	}
	return tx.freePage(root)
}

// clearPage recursively frees a subtree: overflow chains first, then
// children, then the page itself unless it is the root being kept.
func (tx *Tx) clearPage(pgno uint32, free bool, depth int) error {
	if depth >= 20 {
		return ErrCorrupt
	}
	tp, err := tx.page(pgno)
	if err != nil {
		return err
	}
	for i := 0; i < tp.mem.NCell; i++ {
		info, err := tp.mem.ParseCell(i)
		if err != nil {
			return err
		}
		if info.Overflow != 0 {
			if err := tx.freeOverflow(info.Overflow, info.NPayload-info.Local); err != nil {
				return err
			}
		}
		if !tp.mem.Leaf {
			if err := tx.clearPage(tp.mem.ChildPgno(i), true, depth+1); err != nil {
				return err
			}
		}
	}
	if !tp.mem.Leaf {
		if err := tx.clearPage(tp.mem.RightChild(), true, depth+1); err != nil {
			return err
		}
	}
	if free {
		return tx.freePage(pgno)
	}
	return nil
}

// allocateOverflow writes spill to a fresh chain of overflow pages
// and returns the chain head. Each page is a 4-byte next pointer
// followed by payload; the last page points at 0.
func (tx *Tx) allocateOverflow(spill []byte) (uint32, error) {
	chunk := tx.usable() - 4
	var head uint32
	var prev []byte // next-pointer slot of the previous page
	for len(spill) > 0 {
		pg, err := tx.allocatePage()
		if err != nil {
			return 0, err
		}
		if prev == nil {
			head = pg.Pgno
		} else {
			binary.BigEndian.PutUint32(prev, pg.Pgno)
		}
		binary.BigEndian.PutUint32(pg.Data[:4], 0)
		take := chunk
		if take > len(spill) {
			take = len(spill)
		}
		copy(pg.Data[4:], spill[:take])
		spill = spill[take:]
		prev = pg.Data[:4]
	}
	return head, nil
}

// freeOverflow returns an overflow chain to the freelist. nBytes
// bounds the walk so a corrupt cycle cannot spin forever.
func (tx *Tx) freeOverflow(pgno uint32, nBytes int) error {
	chunk := tx.usable() - 4
	maxPages := (nBytes+chunk-1)/chunk + 1
	for n := 0; pgno != 0; n++ {
		if n >= maxPages {
			return ErrCorrupt
		}
		pg, err := tx.db.pager.Get(pgno)
		if err != nil {
			return err
		}
		next := binary.BigEndian.Uint32(pg.Data[:4])
		if err := tx.freePage(pgno); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}

// NewRowid returns a rowid one past the largest in the table.
func (c *Cursor) NewRowid() (int64, error) {
	if !c.intKey {
		return 0, ErrTableNotFound
	}
	ok, err := c.Last()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	last, err := c.Rowid()
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// Insert writes a row into a table tree, replacing any existing row
// with the same rowid. Other cursors on the transaction are parked.
func (c *Cursor) Insert(rowid int64, payload []byte) error {
	if c.tx.done {
		return ErrTxDone
	}
	if !c.tx.writable {
		return ErrTxNotWritable
	}
	if !c.intKey {
		return ErrTableNotFound
	}
	if len(payload) > base.MaxPayload {
		return ErrValueTooLarge
	}
	c.tx.invalidateCursors(c)

	res, fast, err := c.seekForAppend(rowid)
	if err != nil {
		return err
	}
	if !fast {
		res, err = c.tableMoveTo(rowid)
		if err != nil {
			return err
		}
	}
	tp, i := c.top()
	if err := c.tx.write(tp); err != nil {
		return err
	}
	idx := 0
	switch {
	case c.state != cursorValid:
		// Empty tree: the leaf root takes the first cell.
	case res == 0:
		if err := c.dropCellAt(tp, i); err != nil {
			return err
		}
		idx = i
	case res < 0:
		idx = i + 1
	default:
		idx = i
	}

	cell, spill, ovfl, err := c.buildCell(tp, rowid, payload)
	if err != nil {
		return err
	}
	balanced, err := c.insertWithBalance(tp, idx, cell)
	if err != nil {
		c.freeBuiltOverflow(spill, ovfl)
		return err
	}
	c.savedRowid = rowid
	if balanced {
		return c.parkAfterWrite()
	}
	// The stack still describes the tree; stay on the new entry so a
	// sequential load can append without re-seeking.
	c.idx[len(c.idx)-1] = idx
	c.state = cursorValid
	c.skipNext = 0
	return nil
}

// parkAfterWrite drops the stack after a mutation that may have moved
// pages; the next operation re-seeks the saved position.
func (c *Cursor) parkAfterWrite() error {
	c.stack = c.stack[:0]
	c.idx = c.idx[:0]
	c.state = cursorRequiresSeek
	return nil
}

// InsertKey writes an entry into an index tree. Inserting a key that
// already exists is a no-op: the key is the whole entry.
func (c *Cursor) InsertKey(key []byte) error {
	if c.tx.done {
		return ErrTxDone
	}
	if !c.tx.writable {
		return ErrTxNotWritable
	}
	if c.intKey {
		return ErrTableNotFound
	}
	if len(key) > base.MaxPayload {
		return ErrKeyTooLarge
	}
	c.tx.invalidateCursors(c)

	res, err := c.indexMoveTo(key)
	if err != nil {
		return err
	}
	if res == 0 {
		return nil
	}
	tp, i := c.top()
	if err := c.tx.write(tp); err != nil {
		return err
	}
	idx := 0
	switch {
	case c.state != cursorValid:
	case res < 0:
		idx = i + 1
	default:
		idx = i
	}

	cell, spill, ovfl, err := c.buildCell(tp, 0, key)
	if err != nil {
		return err
	}
	balanced, err := c.insertWithBalance(tp, idx, cell)
	if err != nil {
		c.freeBuiltOverflow(spill, ovfl)
		return err
	}
	c.savedKey = append([]byte(nil), key...)
	if balanced {
		return c.parkAfterWrite()
	}
	c.idx[len(c.idx)-1] = idx
	c.state = cursorValid
	c.skipNext = 0
	return nil
}

// buildCell encodes a leaf cell for tp, spilling oversized payloads
// to a fresh overflow chain.
func (c *Cursor) buildCell(tp treePage, rowid int64, payload []byte) (cell, spill, ovfl []byte, err error) {
	cell, spill, ovfl = base.NewCell(tp.mem, 0, rowid, payload)
	if spill != nil {
		head, err := c.tx.allocateOverflow(spill)
		if err != nil {
			return nil, nil, nil, err
		}
		binary.BigEndian.PutUint32(ovfl, head)
	}
	return cell, spill, ovfl, nil
}

// freeBuiltOverflow undoes buildCell's chain after a failed insert.
func (c *Cursor) freeBuiltOverflow(spill, ovfl []byte) {
	if spill == nil {
		return
	}
	_ = c.tx.freeOverflow(binary.BigEndian.Uint32(ovfl), len(spill))
}

// insertWithBalance places the cell, handing it to the balancer when
// the page cannot hold it. Reports whether a rebalance ran; after one
// the cursor's page stack no longer describes the tree.
func (c *Cursor) insertWithBalance(tp treePage, idx int, cell []byte) (bool, error) {
	err := tp.mem.InsertCell(idx, cell)
	if err == nil {
		return false, nil
	}
	if err != base.ErrPageFull {
		return false, err
	}
	pend := map[uint32][]pendingCell{
		tp.mem.Pgno: {{cell: cell, idx: idx}},
	}
	return true, c.balance(pend)
}

// seekForAppend recognizes the sequential-load shape: the cursor sits
// on the last entry of the tree and rowid belongs after it. Returns
// res == -1 with ok set when the root-down seek can be skipped.
func (c *Cursor) seekForAppend(rowid int64) (res int, ok bool, err error) {
	if c.state != cursorValid || c.skipNext != 0 {
		return 0, false, nil
	}
	for lvl, tp := range c.stack {
		last := tp.mem.NCell
		if tp.mem.Leaf {
			last = tp.mem.NCell - 1
		}
		if c.idx[lvl] != last {
			return 0, false, nil
		}
	}
	tp, i := c.top()
	if !tp.mem.Leaf {
		return 0, false, nil
	}
	info, err := tp.mem.ParseCell(i)
	if err != nil {
		return 0, false, err
	}
	if info.Rowid >= rowid {
		return 0, false, nil
	}
	return -1, true, nil
}

// dropCellAt removes cell i from tp, freeing its overflow chain.
func (c *Cursor) dropCellAt(tp treePage, i int) error {
	info, err := tp.mem.ParseCell(i)
	if err != nil {
		return err
	}
	if info.Overflow != 0 {
		if err := c.tx.freeOverflow(info.Overflow, info.NPayload-info.Local); err != nil {
			return err
		}
	}
	return tp.mem.DropCell(i)
}

// Delete removes the entry under the cursor. The cursor is left
// between neighbors: a following Next lands on the successor, a Prev
// on the predecessor.
func (c *Cursor) Delete() error {
	if c.tx.done {
		return ErrTxDone
	}
	if !c.tx.writable {
		return ErrTxNotWritable
	}
	if err := c.restore(); err != nil {
		return err
	}
	if c.state != cursorValid {
		return ErrCursorInvalid
	}
	c.tx.invalidateCursors(c)

	// Save the deleted position; the cursor re-anchors to it so the
	// skip hints after restore keep iteration seamless.
	tp, i := c.top()
	if c.intKey {
		info, err := tp.mem.ParseCell(i)
		if err != nil {
			return err
		}
		c.savedRowid = info.Rowid
	} else {
		key, err := c.payloadAt(tp, i)
		if err != nil {
			return err
		}
		c.savedKey = key
	}

	pend := map[uint32][]pendingCell{}
	if !tp.mem.Leaf {
		if err := c.deleteInterior(tp, i, pend); err != nil {
			return err
		}
	} else {
		if err := c.tx.write(tp); err != nil {
			return err
		}
		if err := c.dropCellAt(tp, i); err != nil {
			return err
		}
	}
	if err := c.balance(pend); err != nil {
		return err
	}
	c.stack = c.stack[:0]
	c.idx = c.idx[:0]
	c.state = cursorRequiresSeek
	return nil
}

// deleteInterior removes an index entry that lives on an interior
// page: the rightmost entry of the left subtree moves up to take the
// divider's place, and the leaf it came from gets balanced.
func (c *Cursor) deleteInterior(tp treePage, i int, pend map[uint32][]pendingCell) error {
	child := tp.mem.ChildPgno(i)
	if err := c.descend(child); err != nil {
		return err
	}
	if ok, err := c.moveToRightmost(); err != nil {
		return err
	} else if !ok {
		return ErrCorrupt
	}
	leaf, li := c.top()

	// Copy the predecessor cell out before it is dropped; its bytes
	// alias the leaf page. Its overflow chain moves up with it.
	pred, err := leaf.mem.CellBytes(li)
	if err != nil {
		return err
	}
	pred = append([]byte(nil), pred...)
	if err := c.tx.write(leaf); err != nil {
		return err
	}
	if err := leaf.mem.DropCell(li); err != nil {
		return err
	}

	divider := make([]byte, 4+len(pred))
	binary.BigEndian.PutUint32(divider, child)
	copy(divider[4:], pred)

	if err := c.tx.write(tp); err != nil {
		return err
	}
	// Drop the old divider, freeing its overflow chain, then put the
	// promoted entry in its place.
	if err := c.dropCellAt(tp, i); err != nil {
		return err
	}
	if err := tp.mem.InsertCell(i, divider); err != nil {
		if err != base.ErrPageFull {
			return err
		}
		pend[tp.mem.Pgno] = append(pend[tp.mem.Pgno], pendingCell{cell: divider, idx: i})
	}
	return nil
}
