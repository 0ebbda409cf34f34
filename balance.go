package betula

import (
	"encoding/binary"

	"betula/internal/base"
)

// pendingCell is a cell that did not fit its page. idx is its position
// in the page's logical cell sequence, counting cells that are
// physically present plus any pending ones before it.
type pendingCell struct {
	cell []byte
	idx  int
}

// balance walks the cursor's path from leaf to root, fixing every
// page that is carrying a pending cell or has fallen below half full.
// Fixes at one level may overfill or drain the parent; the walk picks
// those up on the way.
func (c *Cursor) balance(pend map[uint32][]pendingCell) error {
	for lvl := len(c.stack) - 1; lvl >= 0; lvl-- {
		tp := c.stack[lvl]
		pending := pend[tp.mem.Pgno]
		if lvl == 0 {
			if len(pending) > 0 {
				return c.balanceDeeper(tp, pend)
			}
			if !tp.mem.Leaf && tp.mem.NCell == 0 {
				return c.collapseRoot(tp)
			}
			return nil
		}
		if len(pending) == 0 {
			under, err := tp.mem.Underfull()
			if err != nil {
				return err
			}
			if !under {
				continue
			}
		}
		if err := c.balanceNonroot(c.stack[lvl-1], c.idx[lvl-1], pend); err != nil {
			return err
		}
	}
	return nil
}

// childAt returns the k-th child pointer of an interior page, where
// k == NCell selects the rightmost child.
func childAt(p *base.MemPage, k int) uint32 {
	if k == p.NCell {
		return p.RightChild()
	}
	return p.ChildPgno(k)
}

// collectPage copies out every cell of tp in order, splicing in any
// pending cells at their logical positions. The copies survive the
// page being reformatted underneath them.
func (c *Cursor) collectPage(tp treePage, pend map[uint32][]pendingCell) ([][]byte, error) {
	pending := pend[tp.mem.Pgno]
	delete(pend, tp.mem.Pgno)
	out := make([][]byte, 0, tp.mem.NCell+len(pending))
	pi := 0
	phys := 0
	for phys < tp.mem.NCell || pi < len(pending) {
		if pi < len(pending) && pending[pi].idx == len(out) {
			out = append(out, pending[pi].cell)
			pi++
			continue
		}
		if phys >= tp.mem.NCell {
			// A pending index past the end is a balancer bug; place
			// the cell last rather than lose it.
			out = append(out, pending[pi].cell)
			pi++
			continue
		}
		cell, err := tp.mem.CellBytes(phys)
		if err != nil {
			return nil, err
		}
		out = append(out, append([]byte(nil), cell...))
		phys++
	}
	return out, nil
}

// balanceDeeper grows the tree by one level: the root's content moves
// into a fresh child and the root becomes an interior page over it.
// The child is then split normally.
func (c *Cursor) balanceDeeper(root treePage, pend map[uint32][]pendingCell) error {
	cells, err := c.collectPage(root, pend)
	if err != nil {
		return err
	}
	var oldRight uint32
	wasLeaf := root.mem.Leaf
	if !wasLeaf {
		oldRight = root.mem.RightChild()
	}

	pg, err := c.tx.allocatePage()
	if err != nil {
		return err
	}
	child := base.InitPage(pg.Data, pg.Pgno, root.mem.Type, c.tx.usable())
	if !wasLeaf {
		child.SetRightChild(oldRight)
	}
	nPend := 0
	for j, cell := range cells {
		if err := child.InsertCell(j-nPend, cell); err != nil {
			if err != base.ErrPageFull {
				return err
			}
			pend[child.Pgno] = append(pend[child.Pgno], pendingCell{cell: cell, idx: j})
			nPend++
		}
	}

	rootType := base.PageTypeInteriorTable
	if !root.mem.IntKey {
		rootType = base.PageTypeInteriorIndex
	}
	if err := c.tx.write(root); err != nil {
		return err
	}
	newRoot := base.InitPage(root.raw.Data, root.mem.Pgno, rootType, c.tx.usable())
	newRoot.SetRightChild(child.Pgno)
	*root.mem = *newRoot

	if err := c.balanceNonroot(root, 0, pend); err != nil {
		return err
	}
	// A divider that does not fit the fresh root forces another level.
	if len(pend[root.mem.Pgno]) > 0 {
		return c.balanceDeeper(root, pend)
	}
	return nil
}

// collapseRoot shrinks the tree by one level when the root is an
// interior page with no dividers left: the only child's content moves
// up into the root. Skipped when the child does not fit, which can
// happen on page 1 where the file header takes 100 bytes.
func (c *Cursor) collapseRoot(root treePage) error {
	childPgno := root.mem.RightChild()
	child, err := c.tx.page(childPgno)
	if err != nil {
		return err
	}
	need := 0
	for i := 0; i < child.mem.NCell; i++ {
		cell, err := child.mem.CellBytes(i)
		if err != nil {
			return err
		}
		need += len(cell) + 2
	}
	hdr := base.LeafHeaderSize
	if !child.mem.Leaf {
		hdr = base.InteriorHeaderSize
	}
	if need > c.tx.usable()-root.mem.HdrOff-hdr {
		return nil
	}

	cells := make([][]byte, child.mem.NCell)
	for i := range cells {
		cell, err := child.mem.CellBytes(i)
		if err != nil {
			return err
		}
		cells[i] = append([]byte(nil), cell...)
	}
	var right uint32
	if !child.mem.Leaf {
		right = child.mem.RightChild()
	}

	if err := c.tx.write(root); err != nil {
		return err
	}
	newRoot := base.InitPage(root.raw.Data, root.mem.Pgno, child.mem.Type, c.tx.usable())
	for i, cell := range cells {
		if err := newRoot.InsertCell(i, cell); err != nil {
			return err
		}
	}
	if !child.mem.Leaf {
		newRoot.SetRightChild(right)
	}
	*root.mem = *newRoot
	return c.tx.freePage(childPgno)
}

// balanceNonroot redistributes the cells of a window of siblings
// around the troubled child across as many pages as the fill factor
// calls for, then rewrites the dividers in the parent. Old pages are
// reused before new ones are allocated; leftovers go to the freelist.
func (c *Cursor) balanceNonroot(parent treePage, iChild int, pend map[uint32][]pendingCell) error {
	if err := c.tx.write(parent); err != nil {
		return err
	}
	nKids := parent.mem.NCell + 1
	window := c.tx.db.opts.siblingWindow
	if window < 1 {
		window = 1
	}
	start := iChild - 1
	if start < 0 {
		start = 0
	}
	end := start + window - 1
	if end > nKids-1 {
		end = nKids - 1
		start = end - window + 1
		if start < 0 {
			start = 0
		}
	}
	count := end - start + 1

	sibs := make([]treePage, 0, count)
	for k := start; k <= end; k++ {
		tp, err := c.tx.page(childAt(parent.mem, k))
		if err != nil {
			return err
		}
		if err := c.tx.write(tp); err != nil {
			return err
		}
		sibs = append(sibs, tp)
	}
	leafKids := sibs[0].mem.Leaf
	intKey := sibs[0].mem.IntKey
	kidType := sibs[0].mem.Type

	// Gather every cell of the window in key order. Dividers between
	// interior siblings rejoin the stream with their child pointer
	// rewritten to the left sibling's rightmost child; dividers over
	// table leaves are derived values and just drop out.
	var cells [][]byte
	for k, sib := range sibs {
		if k > 0 {
			div, err := parent.mem.CellBytes(start + k - 1)
			if err != nil {
				return err
			}
			div = append([]byte(nil), div...)
			switch {
			case intKey && leafKids:
			case leafKids:
				cells = append(cells, div[4:])
			default:
				binary.BigEndian.PutUint32(div, sibs[k-1].mem.RightChild())
				cells = append(cells, div)
			}
		}
		sc, err := c.collectPage(sib, pend)
		if err != nil {
			return err
		}
		cells = append(cells, sc...)
	}
	var finalRight uint32
	if !leafKids {
		finalRight = sibs[count-1].mem.RightChild()
	}

	// Pack greedily toward the fill target. Pages that will donate
	// their last cell as a divider must keep at least two.
	promote := !(intKey && leafKids)
	target := c.tx.usable() * c.tx.db.opts.fillFactor / 100
	var bounds []int // index after the last cell of each group
	size := 0
	from := 0
	for i, cell := range cells {
		s := len(cell) + 2
		if i > from && size+s > target {
			bounds = append(bounds, i)
			from = i
			size = 0
		}
		size += s
	}
	bounds = append(bounds, len(cells))
	if promote {
		for g := 0; g < len(bounds)-1; g++ {
			lo := 0
			if g > 0 {
				lo = bounds[g-1]
			}
			if bounds[g]-lo < 2 {
				bounds[g]++
				if g+1 < len(bounds) && bounds[g] >= bounds[g+1] {
					bounds = append(bounds[:g+1], bounds[g+2:]...)
				}
			}
		}
		if len(bounds) > 1 {
			last := bounds[len(bounds)-1]
			prev := bounds[len(bounds)-2]
			if last == prev {
				bounds = bounds[:len(bounds)-1]
			}
		}
	}
	nNew := len(bounds)

	// Pages: reuse the window's pages in order, allocate the rest,
	// free what is left over.
	pages := make([]treePage, nNew)
	for j := 0; j < nNew; j++ {
		if j < count {
			pages[j] = sibs[j]
		} else {
			pg, err := c.tx.allocatePage()
			if err != nil {
				return err
			}
			pages[j] = treePage{raw: pg}
		}
	}
	for j := nNew; j < count; j++ {
		if err := c.tx.freePage(sibs[j].mem.Pgno); err != nil {
			return err
		}
	}

	// Rebuild the window pages and produce the new dividers.
	divs := make([][]byte, 0, nNew-1)
	from = 0
	for j := 0; j < nNew; j++ {
		group := cells[from:bounds[j]]
		from = bounds[j]
		last := j == nNew-1

		keep := group
		var promoted []byte
		if promote && !last {
			promoted = group[len(group)-1]
			keep = group[:len(group)-1]
		}
		mem := base.InitPage(pages[j].raw.Data, pages[j].raw.Pgno, kidType, c.tx.usable())
		pages[j].mem = mem
		for i, cell := range keep {
			// Groups are sized against the fill target, so a fresh
			// page always has room.
			if err := mem.InsertCell(i, cell); err != nil {
				return err
			}
		}
		if !leafKids {
			if last {
				mem.SetRightChild(finalRight)
			} else {
				mem.SetRightChild(binary.BigEndian.Uint32(promoted))
			}
		}
		if last {
			continue
		}
		div := make([]byte, 4)
		binary.BigEndian.PutUint32(div, mem.Pgno)
		switch {
		case intKey && leafKids:
			lastCell := keep[len(keep)-1]
			_, n := base.ReadVarint(lastCell)
			rowid, m := base.ReadVarint(lastCell[n:])
			if n == 0 || m == 0 {
				return ErrCorrupt
			}
			var buf [base.MaxVarintLen]byte
			div = append(div, buf[:base.PutVarint(buf[:], rowid)]...)
		case leafKids:
			div = append(div, promoted...)
		default:
			div = append(div, promoted[4:]...)
		}
		divs = append(divs, div)
	}

	// Rewrite the parent: out with the window's old dividers, in with
	// the new ones, and repoint the child reference after the window
	// at the last new page.
	for k := 0; k < count-1; k++ {
		if err := parent.mem.DropCell(start); err != nil {
			return err
		}
	}
	if end == nKids-1 {
		parent.mem.SetRightChild(pages[nNew-1].mem.Pgno)
	} else {
		pc := parent.mem.CellPtr(start)
		binary.BigEndian.PutUint32(parent.mem.Data[pc:], pages[nNew-1].mem.Pgno)
	}
	nPend := 0
	for j, div := range divs {
		if err := parent.mem.InsertCell(start+j-nPend, div); err != nil {
			if err != base.ErrPageFull {
				return err
			}
			pend[parent.mem.Pgno] = append(pend[parent.mem.Pgno], pendingCell{cell: div, idx: start + j})
			nPend++
		}
	}
	return nil
}
