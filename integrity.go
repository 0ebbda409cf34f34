package betula

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"betula/internal/base"
)

// checker accumulates findings during an integrity check. Every page
// reachable from the given roots or the freelist is counted; at the
// end each page in the file must have been visited exactly once.
type checker struct {
	tx      *Tx
	nPages  uint32
	refs    map[uint32]int
	last    *treeBound
	errs    []string
	maxErrs int
}

func (ck *checker) errorf(format string, args ...any) bool {
	if len(ck.errs) >= ck.maxErrs {
		return false
	}
	ck.errs = append(ck.errs, fmt.Sprintf(format, args...))
	return len(ck.errs) < ck.maxErrs
}

// ref records a reference to pgno and reports whether the page is
// plausible to visit. Out-of-range and repeated references are
// reported once at the reference site.
func (ck *checker) ref(pgno uint32) bool {
	if pgno < 1 || pgno > ck.nPages {
		ck.errorf("page %d out of range (file has %d pages)", pgno, ck.nPages)
		return false
	}
	ck.refs[pgno]++
	if ck.refs[pgno] > 1 {
		ck.errorf("page %d referenced more than once", pgno)
		return false
	}
	return true
}

// Check verifies the structural invariants of the trees rooted at
// roots plus the freelist, stopping after maxErrors findings. A nil
// result means no problems were found. Index keys are compared in
// byte order; trees built under a collation that disagrees with byte
// order can report spurious ordering findings.
func (tx *Tx) Check(roots []uint32, maxErrors int) ([]string, error) {
	if maxErrors < 1 {
		maxErrors = 100
	}
	h, err := tx.header()
	if err != nil {
		return nil, err
	}
	ck := &checker{
		tx:      tx,
		nPages:  h.DbSize,
		refs:    make(map[uint32]int),
		maxErrs: maxErrors,
	}
	for _, root := range roots {
		if !ck.ref(root) {
			continue
		}
		ck.last = nil
		if _, err := ck.checkTree(root); err != nil {
			return nil, err
		}
	}
	if err := ck.checkFreelist(h); err != nil {
		return nil, err
	}
	for pgno := uint32(1); pgno <= ck.nPages; pgno++ {
		if ck.refs[pgno] == 0 {
			if !ck.errorf("page %d is never used", pgno) {
				break
			}
		}
	}
	return ck.errs, nil
}

// Check runs an integrity check over the main table in a read
// transaction. Auxiliary tree roots may be passed alongside.
func (db *DB) Check(extraRoots ...uint32) ([]string, error) {
	var report []string
	err := db.View(func(tx *Tx) error {
		roots := append([]uint32{MainTableRoot}, extraRoots...)
		var err error
		report, err = tx.Check(roots, 100)
		return err
	})
	if err == nil && len(report) > 0 {
		db.logger.Warn("integrity check found problems", "count", len(report))
	}
	return report, err
}

// checkTree validates the subtree at pgno with an in-order walk,
// comparing every key against the checker's running last-seen key,
// and returns the subtree's height. Table dividers repeat the largest
// rowid under them, so they compare non-strictly; everything else on
// the key path must be strictly increasing.
func (ck *checker) checkTree(pgno uint32) (int, error) {
	tp, err := ck.tx.page(pgno)
	if err != nil {
		if err == ErrCorrupt || err == base.ErrCorrupt {
			ck.errorf("page %d: invalid b-tree page", pgno)
			return 1, nil
		}
		return 0, err
	}
	p := tp.mem
	if _, err := p.FreeBytes(); err != nil {
		ck.errorf("page %d: corrupt free space accounting", pgno)
		return 1, nil
	}

	depth := -1
	sameDepth := func(child uint32, d int) {
		if depth >= 0 && d != depth {
			ck.errorf("page %d: child %d at depth %d, expected %d", pgno, child, d, depth)
		}
		depth = d
	}
	for i := 0; i < p.NCell; i++ {
		info, err := p.ParseCell(i)
		if err != nil {
			ck.errorf("page %d cell %d: %v", pgno, i, err)
			return 1, nil
		}

		if !p.Leaf {
			if child := p.ChildPgno(i); ck.ref(child) {
				d, err := ck.checkTree(child)
				if err != nil {
					return 0, err
				}
				sameDepth(child, d)
			}
		}

		var key treeBound
		if p.IntKey {
			key = treeBound{rowid: info.Rowid}
		} else {
			payload, err := ck.payload(tp, i, info)
			if err != nil {
				return 0, err
			}
			key = treeBound{key: payload}
		}
		if ck.last != nil {
			cmp := key.cmp(*ck.last, p.IntKey)
			derived := p.IntKey && !p.Leaf
			if cmp < 0 || (cmp == 0 && !derived) {
				ck.errorf("page %d cell %d: key out of order", pgno, i)
			}
		}
		ck.last = &key

		if info.Overflow != 0 {
			ck.checkOverflow(pgno, i, info)
		}
	}
	if !p.Leaf {
		if right := p.RightChild(); ck.ref(right) {
			d, err := ck.checkTree(right)
			if err != nil {
				return 0, err
			}
			sameDepth(right, d)
		}
		return depth + 1, nil
	}
	return 1, nil
}

// treeBound is a point on a tree's key path.
type treeBound struct {
	rowid int64
	key   []byte
}

func (b treeBound) cmp(o treeBound, intKey bool) int {
	if intKey {
		switch {
		case b.rowid < o.rowid:
			return -1
		case b.rowid > o.rowid:
			return 1
		}
		return 0
	}
	return bytes.Compare(b.key, o.key)
}

// payload reads a cell's full payload, overflow included, without
// disturbing any cursor.
func (ck *checker) payload(tp treePage, i int, info base.CellInfo) ([]byte, error) {
	out := make([]byte, info.NPayload)
	pc := tp.mem.CellPtr(i)
	copy(out, tp.mem.Data[pc+info.PayloadOff:pc+info.PayloadOff+info.Local])
	if info.Overflow == 0 {
		return out, nil
	}
	usable := ck.tx.usable()
	chunk := usable - 4
	remaining := len(out) - info.Local
	pgno := info.Overflow
	for n := 0; remaining > 0; n++ {
		if pgno == 0 || n >= (len(out)+chunk-1)/chunk {
			ck.errorf("page %d cell %d: overflow chain ends early", tp.mem.Pgno, i)
			return out, nil
		}
		raw, err := ck.tx.db.pager.Get(pgno)
		if err != nil {
			return nil, err
		}
		take := chunk
		if take > remaining {
			take = remaining
		}
		copy(out[len(out)-remaining:], raw.Data[4:4+take])
		remaining -= take
		pgno = binary.BigEndian.Uint32(raw.Data[:4])
	}
	return out, nil
}

// checkOverflow walks a cell's overflow chain, referencing each page
// and verifying the chain has exactly the length the payload implies.
func (ck *checker) checkOverflow(owner uint32, i int, info base.CellInfo) {
	usable := ck.tx.usable()
	chunk := usable - 4
	want := (info.NPayload - info.Local + chunk - 1) / chunk
	pgno := info.Overflow
	for n := 0; n < want; n++ {
		if pgno == 0 {
			ck.errorf("page %d cell %d: overflow chain ends after %d of %d pages", owner, i, n, want)
			return
		}
		if !ck.ref(pgno) {
			return
		}
		raw, err := ck.tx.db.pager.Get(pgno)
		if err != nil {
			ck.errorf("page %d cell %d: unreadable overflow page %d", owner, i, pgno)
			return
		}
		pgno = binary.BigEndian.Uint32(raw.Data[:4])
	}
	if pgno != 0 {
		ck.errorf("page %d cell %d: overflow chain longer than payload needs", owner, i)
	}
}

// checkFreelist walks the trunk chain, referencing every trunk and
// leaf page and verifying the header count.
func (ck *checker) checkFreelist(h base.DbHeader) error {
	seen := uint32(0)
	pgno := h.FreelistTrunk
	for pgno != 0 {
		if !ck.ref(pgno) {
			return nil
		}
		raw, err := ck.tx.db.pager.Get(pgno)
		if err != nil {
			return err
		}
		seen++
		next := binary.BigEndian.Uint32(raw.Data[0:4])
		n := binary.BigEndian.Uint32(raw.Data[4:8])
		if int(n) > ck.tx.trunkCapacity() {
			ck.errorf("freelist trunk %d: leaf count %d exceeds capacity", pgno, n)
			return nil
		}
		for k := uint32(0); k < n; k++ {
			leaf := binary.BigEndian.Uint32(raw.Data[8+4*k:])
			if ck.ref(leaf) {
				seen++
			}
		}
		if seen > h.FreelistCount {
			ck.errorf("freelist holds more pages than header count %d", h.FreelistCount)
			return nil
		}
		pgno = next
	}
	if seen != h.FreelistCount {
		ck.errorf("freelist has %d pages, header says %d", seen, h.FreelistCount)
	}
	return nil
}
