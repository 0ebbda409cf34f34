package betula

import (
	"encoding/binary"

	"betula/internal/base"
)

// Collation orders keys in index trees. Binary order is the default.
type Collation = base.Collation

//goland:noinspection GoUnusedGlobalVariable
var (
	CollBinary = base.CollBinary
	CollNoCase = base.CollNoCase
	CollRTrim  = base.CollRTrim
)

type cursorState int

const (
	cursorInvalid cursorState = iota
	cursorValid
	cursorRequiresSeek
)

// Cursor walks one b-tree. It remembers the path from the root to the
// current cell, so stepping to a neighbor touches only the pages that
// change. Mutating the tree through one cursor parks every other
// cursor on the same transaction; a parked cursor re-seeks its saved
// position on next use.
type Cursor struct {
	tx     *Tx
	root   uint32
	ki     *base.KeyInfo
	intKey bool

	stack []treePage
	idx   []int
	state cursorState

	// skipNext is set when the cursor already points at the entry a
	// following Next or Prev would land on: +1 swallows one Next, -1
	// one Prev.
	skipNext int

	savedRowid int64
	savedKey   []byte
}

// Cursor opens a cursor over the table tree rooted at root.
func (tx *Tx) Cursor(root uint32) (*Cursor, error) {
	return tx.openCursor(root, nil, true)
}

// IndexCursor opens a cursor over the index tree rooted at root. A
// nil collation compares keys as raw bytes.
func (tx *Tx) IndexCursor(root uint32, coll *Collation) (*Cursor, error) {
	return tx.openCursor(root, &base.KeyInfo{Coll: coll}, false)
}

func (tx *Tx) openCursor(root uint32, ki *base.KeyInfo, intKey bool) (*Cursor, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	tp, err := tx.page(root)
	if err != nil {
		return nil, err
	}
	if tp.mem.IntKey != intKey {
		return nil, ErrTableNotFound
	}
	c := &Cursor{tx: tx, root: root, ki: ki, intKey: intKey}
	tx.cursors = append(tx.cursors, c)
	return c, nil
}

// Valid reports whether the cursor points at an entry.
func (c *Cursor) Valid() bool {
	return c.state == cursorValid || c.state == cursorRequiresSeek
}

func (c *Cursor) invalidate() {
	c.stack = c.stack[:0]
	c.idx = c.idx[:0]
	c.state = cursorInvalid
	c.skipNext = 0
}

// park saves the current position and drops the page stack. The pages
// under the cursor are about to move.
func (c *Cursor) park() {
	if c.state != cursorValid {
		if c.state != cursorRequiresSeek {
			c.invalidate()
		}
		return
	}
	tp := c.stack[len(c.stack)-1]
	info, err := tp.mem.ParseCell(c.idx[len(c.idx)-1])
	if err != nil {
		c.invalidate()
		return
	}
	if c.intKey {
		c.savedRowid = info.Rowid
	} else {
		key, err := c.payloadAt(tp, c.idx[len(c.idx)-1])
		if err != nil {
			c.invalidate()
			return
		}
		c.savedKey = key
	}
	c.stack = c.stack[:0]
	c.idx = c.idx[:0]
	c.state = cursorRequiresSeek
}

// restore re-seeks a parked cursor to its saved position. When the
// saved entry is gone the cursor lands on a neighbor and skip hints
// keep Next and Prev honest.
func (c *Cursor) restore() error {
	if c.state != cursorRequiresSeek {
		return nil
	}
	var res int
	var err error
	if c.intKey {
		res, err = c.tableMoveTo(c.savedRowid)
	} else {
		res, err = c.indexMoveTo(c.savedKey)
	}
	if err != nil {
		return err
	}
	c.savedKey = nil
	if c.state == cursorValid && res != 0 {
		// res > 0: current entry already past the saved one.
		if res > 0 {
			c.skipNext = 1
		} else {
			c.skipNext = -1
		}
	}
	return nil
}

func (c *Cursor) moveToRoot() error {
	c.stack = c.stack[:0]
	c.idx = c.idx[:0]
	c.state = cursorInvalid
	c.skipNext = 0
	tp, err := c.tx.page(c.root)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, tp)
	c.idx = append(c.idx, 0)
	return nil
}

func (c *Cursor) descend(pgno uint32) error {
	if pgno < 2 {
		return ErrCorrupt
	}
	if len(c.stack) >= 20 {
		// A balanced tree never gets this deep; a cycle does.
		return ErrCorrupt
	}
	tp, err := c.tx.page(pgno)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, tp)
	c.idx = append(c.idx, 0)
	return nil
}

func (c *Cursor) top() (treePage, int) {
	n := len(c.stack) - 1
	return c.stack[n], c.idx[n]
}

// First positions the cursor on the smallest entry. Returns false on
// an empty tree.
func (c *Cursor) First() (bool, error) {
	if err := c.moveToRoot(); err != nil {
		return false, err
	}
	return c.moveToLeftmost()
}

func (c *Cursor) moveToLeftmost() (bool, error) {
	for {
		tp, _ := c.top()
		if tp.mem.Leaf {
			break
		}
		c.idx[len(c.idx)-1] = 0
		var child uint32
		if tp.mem.NCell == 0 {
			child = tp.mem.RightChild()
		} else {
			child = tp.mem.ChildPgno(0)
		}
		if err := c.descend(child); err != nil {
			return false, err
		}
	}
	tp, _ := c.top()
	if tp.mem.NCell == 0 {
		c.state = cursorInvalid
		return false, nil
	}
	c.idx[len(c.idx)-1] = 0
	c.state = cursorValid
	return true, nil
}

// Last positions the cursor on the largest entry.
func (c *Cursor) Last() (bool, error) {
	if err := c.moveToRoot(); err != nil {
		return false, err
	}
	return c.moveToRightmost()
}

func (c *Cursor) moveToRightmost() (bool, error) {
	for {
		tp, _ := c.top()
		if tp.mem.Leaf {
			break
		}
		c.idx[len(c.idx)-1] = tp.mem.NCell
		if err := c.descend(tp.mem.RightChild()); err != nil {
			return false, err
		}
	}
	tp, _ := c.top()
	if tp.mem.NCell == 0 {
		c.state = cursorInvalid
		return false, nil
	}
	c.idx[len(c.idx)-1] = tp.mem.NCell - 1
	c.state = cursorValid
	return true, nil
}

// Next advances to the following entry. Returns false past the end.
func (c *Cursor) Next() (bool, error) {
	if err := c.restore(); err != nil {
		return false, err
	}
	if c.state != cursorValid {
		return false, ErrCursorInvalid
	}
	if c.skipNext > 0 {
		c.skipNext = 0
		return true, nil
	}
	c.skipNext = 0
	return c.next()
}

func (c *Cursor) next() (bool, error) {
	tp, i := c.top()
	if !tp.mem.Leaf {
		// Resting on an interior divider (index trees only): the
		// successor is the leftmost entry right of the divider.
		return c.descendRightOf(i)
	}
	if i+1 < tp.mem.NCell {
		c.idx[len(c.idx)-1] = i + 1
		return true, nil
	}
	// Climb until a parent with something to the right of the child
	// we came out of.
	for {
		if len(c.stack) == 1 {
			c.state = cursorInvalid
			return false, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
		c.idx = c.idx[:len(c.idx)-1]
		tp, i = c.top()
		if i < tp.mem.NCell {
			if !c.intKey {
				// The divider itself is an entry.
				return true, nil
			}
			return c.descendRightOf(i)
		}
	}
}

func (c *Cursor) descendRightOf(i int) (bool, error) {
	tp, _ := c.top()
	c.idx[len(c.idx)-1] = i + 1
	var child uint32
	if i+1 < tp.mem.NCell {
		child = tp.mem.ChildPgno(i + 1)
	} else {
		child = tp.mem.RightChild()
	}
	if err := c.descend(child); err != nil {
		return false, err
	}
	return c.moveToLeftmost()
}

// Prev steps back to the preceding entry. Returns false before the
// start.
func (c *Cursor) Prev() (bool, error) {
	if err := c.restore(); err != nil {
		return false, err
	}
	if c.state != cursorValid {
		return false, ErrCursorInvalid
	}
	if c.skipNext < 0 {
		c.skipNext = 0
		return true, nil
	}
	c.skipNext = 0
	return c.prev()
}

func (c *Cursor) prev() (bool, error) {
	tp, i := c.top()
	if !tp.mem.Leaf {
		// Resting on an interior divider: the predecessor is the
		// rightmost entry under its left child.
		if err := c.descend(tp.mem.ChildPgno(i)); err != nil {
			return false, err
		}
		return c.moveToRightmost()
	}
	if i > 0 {
		c.idx[len(c.idx)-1] = i - 1
		return true, nil
	}
	for {
		if len(c.stack) == 1 {
			c.state = cursorInvalid
			return false, nil
		}
		c.stack = c.stack[:len(c.stack)-1]
		c.idx = c.idx[:len(c.idx)-1]
		tp, i = c.top()
		if i > 0 {
			c.idx[len(c.idx)-1] = i - 1
			if !c.intKey {
				// The divider itself is the predecessor entry.
				return true, nil
			}
			if err := c.descend(tp.mem.ChildPgno(i - 1)); err != nil {
				return false, err
			}
			return c.moveToRightmost()
		}
	}
}

// SeekRowid positions a table cursor at rowid, or at a neighbor when
// absent. Returns 0 on an exact hit, a negative value when the cursor
// rests on a smaller rowid, positive on a larger one. The cursor is
// invalid only when the tree is empty.
func (c *Cursor) SeekRowid(rowid int64) (int, error) {
	if !c.intKey {
		return 0, ErrTableNotFound
	}
	return c.tableMoveTo(rowid)
}

// SeekKey is SeekRowid for index trees.
func (c *Cursor) SeekKey(key []byte) (int, error) {
	if c.intKey {
		return 0, ErrTableNotFound
	}
	return c.indexMoveTo(key)
}

// tableMoveTo descends by binary search on rowids. On interior pages
// a cell's rowid is the largest under its left child.
func (c *Cursor) tableMoveTo(rowid int64) (int, error) {
	if err := c.moveToRoot(); err != nil {
		return 0, err
	}
	for {
		tp, _ := c.top()
		lo, hi := 0, tp.mem.NCell-1
		res := -1
		idx := tp.mem.NCell
		for lo <= hi {
			mid := (lo + hi) / 2
			info, err := tp.mem.ParseCell(mid)
			if err != nil {
				return 0, err
			}
			switch {
			case info.Rowid == rowid:
				res, idx = 0, mid
				lo = hi + 1
			case info.Rowid < rowid:
				lo = mid + 1
			default:
				hi = mid - 1
			}
		}
		if res != 0 {
			idx = lo
		}
		if tp.mem.Leaf {
			if tp.mem.NCell == 0 {
				c.state = cursorInvalid
				return -1, nil
			}
			if res == 0 {
				c.idx[len(c.idx)-1] = idx
				c.state = cursorValid
				return 0, nil
			}
			// idx is the first cell greater than rowid.
			if idx < tp.mem.NCell {
				c.idx[len(c.idx)-1] = idx
				c.state = cursorValid
				return 1, nil
			}
			c.idx[len(c.idx)-1] = tp.mem.NCell - 1
			c.state = cursorValid
			return -1, nil
		}
		// An exact hit on an interior page still lives under the left
		// child: the divider rowid duplicates the largest rowid of
		// that subtree.
		var child uint32
		if idx >= tp.mem.NCell && res != 0 {
			c.idx[len(c.idx)-1] = tp.mem.NCell
			child = tp.mem.RightChild()
		} else {
			c.idx[len(c.idx)-1] = idx
			child = tp.mem.ChildPgno(idx)
		}
		if err := c.descend(child); err != nil {
			return 0, err
		}
	}
}

// indexMoveTo descends by binary search under the tree's collation.
// Index entries live on interior pages too, so an exact hit may stop
// above the leaves.
func (c *Cursor) indexMoveTo(key []byte) (int, error) {
	if err := c.moveToRoot(); err != nil {
		return 0, err
	}
	for {
		tp, _ := c.top()
		lo, hi := 0, tp.mem.NCell-1
		for lo <= hi {
			mid := (lo + hi) / 2
			cellKey, err := c.payloadAt(tp, mid)
			if err != nil {
				return 0, err
			}
			cmp := c.ki.Cmp(cellKey, key)
			if cmp == 0 {
				c.idx[len(c.idx)-1] = mid
				c.state = cursorValid
				return 0, nil
			}
			if cmp < 0 {
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}
		// lo is now the first cell greater than key.
		if tp.mem.Leaf {
			if tp.mem.NCell == 0 {
				c.state = cursorInvalid
				return -1, nil
			}
			if lo < tp.mem.NCell {
				c.idx[len(c.idx)-1] = lo
				c.state = cursorValid
				return 1, nil
			}
			c.idx[len(c.idx)-1] = tp.mem.NCell - 1
			c.state = cursorValid
			return -1, nil
		}
		var child uint32
		if lo >= tp.mem.NCell {
			c.idx[len(c.idx)-1] = tp.mem.NCell
			child = tp.mem.RightChild()
		} else {
			c.idx[len(c.idx)-1] = lo
			child = tp.mem.ChildPgno(lo)
		}
		if err := c.descend(child); err != nil {
			return 0, err
		}
	}
}

// Rowid returns the rowid under a table cursor.
func (c *Cursor) Rowid() (int64, error) {
	if err := c.restore(); err != nil {
		return 0, err
	}
	if c.state != cursorValid {
		return 0, ErrCursorInvalid
	}
	tp, i := c.top()
	info, err := tp.mem.ParseCell(i)
	if err != nil {
		return 0, err
	}
	return info.Rowid, nil
}

// Payload returns the full record under the cursor, overflow included.
func (c *Cursor) Payload() ([]byte, error) {
	if err := c.restore(); err != nil {
		return nil, err
	}
	if c.state != cursorValid {
		return nil, ErrCursorInvalid
	}
	tp, i := c.top()
	return c.payloadAt(tp, i)
}

// Key is Payload under its index-tree name.
func (c *Cursor) Key() ([]byte, error) { return c.Payload() }

func (c *Cursor) payloadAt(tp treePage, i int) ([]byte, error) {
	info, err := tp.mem.ParseCell(i)
	if err != nil {
		return nil, err
	}
	out := make([]byte, info.NPayload)
	pc := tp.mem.CellPtr(i)
	copy(out, tp.mem.Data[pc+info.PayloadOff:pc+info.PayloadOff+info.Local])
	if info.Overflow == 0 {
		return out, nil
	}
	return out, c.readOverflow(out[info.Local:], info.Overflow)
}

// readOverflow fills dst from the overflow chain starting at pgno.
// The chain must supply exactly len(dst) bytes within the page count
// the payload size implies; anything else is corruption.
func (c *Cursor) readOverflow(dst []byte, pgno uint32) error {
	usable := c.tx.usable()
	chunk := usable - 4
	maxPages := (len(dst) + chunk - 1) / chunk
	for n := 0; len(dst) > 0; n++ {
		if pgno == 0 || n >= maxPages {
			return ErrCorrupt
		}
		raw, err := c.tx.db.pager.Get(pgno)
		if err != nil {
			return err
		}
		take := chunk
		if take > len(dst) {
			take = len(dst)
		}
		copy(dst, raw.Data[4:4+take])
		dst = dst[take:]
		pgno = binary.BigEndian.Uint32(raw.Data[:4])
	}
	if pgno != 0 {
		return ErrCorrupt
	}
	return nil
}

// Count walks the whole tree and returns the number of entries.
func (c *Cursor) Count() (int64, error) {
	var n int64
	ok, err := c.First()
	if err != nil {
		return 0, err
	}
	for ok {
		n++
		ok, err = c.Next()
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

// IsEmpty reports whether the tree holds no entries.
func (c *Cursor) IsEmpty() (bool, error) {
	ok, err := c.First()
	return !ok, err
}
