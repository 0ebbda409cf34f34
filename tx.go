package betula

import (
	"betula/internal/base"
	"betula/internal/pager"
	"betula/internal/wal"
)

// Tx is a transaction. Read transactions may run concurrently; at
// most one writable transaction exists at a time. A Tx and the
// cursors opened from it must be used from one goroutine.
type Tx struct {
	db       *DB
	id       uint64
	writable bool
	done     bool

	cursors    []*Cursor
	savepoints []txSavepoint
}

type txSavepoint struct {
	name string
	idx  int
}

// treePage couples the parsed page view with the pager page that owns
// the underlying buffer.
type treePage struct {
	mem *base.MemPage
	raw *pager.Page
}

// page fetches and parses a b-tree page.
func (tx *Tx) page(pgno uint32) (treePage, error) {
	raw, err := tx.db.pager.Get(pgno)
	if err != nil {
		return treePage{}, err
	}
	mem, err := base.ParsePage(raw.Data, pgno, tx.usable())
	if err != nil {
		return treePage{}, err
	}
	return treePage{mem: mem, raw: raw}, nil
}

// write journals a page before its first modification in this
// transaction.
func (tx *Tx) write(tp treePage) error {
	if !tx.writable {
		return ErrTxNotWritable
	}
	return tx.db.pager.Write(tp.raw)
}

// usable is the per-page bytes available to cells, honoring the
// header's reserved-space setting.
func (tx *Tx) usable() int {
	return tx.db.usable
}

// header reads the file header from page 1.
func (tx *Tx) header() (base.DbHeader, error) {
	raw, err := tx.db.pager.Get(1)
	if err != nil {
		return base.DbHeader{}, err
	}
	return base.ParseDbHeader(raw.Data)
}

// putHeader journals page 1 and writes the header back.
func (tx *Tx) putHeader(h base.DbHeader) error {
	raw, err := tx.db.pager.Get(1)
	if err != nil {
		return err
	}
	if err := tx.db.pager.Write(raw); err != nil {
		return err
	}
	h.Serialize(raw.Data)
	return nil
}

// ID returns the transaction id. Read transactions report 0.
func (tx *Tx) ID() uint64 { return tx.id }

// Writable reports whether the transaction can modify the database.
func (tx *Tx) Writable() bool { return tx.writable }

// Savepoint opens a named savepoint. Names may repeat; RollbackTo and
// Release resolve to the most recently opened match.
func (tx *Tx) Savepoint(name string) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	idx := tx.db.pager.OpenSavepoint()
	tx.savepoints = append(tx.savepoints, txSavepoint{name: name, idx: idx})
	return nil
}

func (tx *Tx) findSavepoint(name string) int {
	for i := len(tx.savepoints) - 1; i >= 0; i-- {
		if tx.savepoints[i].name == name {
			return i
		}
	}
	return -1
}

// RollbackTo undoes every change made since the savepoint was opened.
// The savepoint stays open; savepoints nested inside it are gone.
func (tx *Tx) RollbackTo(name string) error {
	if tx.done {
		return ErrTxDone
	}
	i := tx.findSavepoint(name)
	if i < 0 {
		return ErrSavepointNotFound
	}
	if err := tx.db.pager.RollbackSavepoint(tx.savepoints[i].idx); err != nil {
		return err
	}
	tx.savepoints = tx.savepoints[:i+1]
	// Pages may have reverted under every cursor.
	tx.invalidateCursors(nil)
	return nil
}

// Release closes the savepoint, keeping its changes in the
// transaction. Savepoints nested inside it close too.
func (tx *Tx) Release(name string) error {
	if tx.done {
		return ErrTxDone
	}
	i := tx.findSavepoint(name)
	if i < 0 {
		return ErrSavepointNotFound
	}
	tx.db.pager.ReleaseSavepoint(tx.savepoints[i].idx)
	tx.savepoints = tx.savepoints[:i]
	return nil
}

// invalidateCursors parks every open cursor except skip so it
// re-seeks its saved position before the next use.
func (tx *Tx) invalidateCursors(skip *Cursor) {
	for _, c := range tx.cursors {
		if c != skip {
			c.park()
		}
	}
}

// Commit makes the transaction's changes durable. For read
// transactions it simply releases the shared lock.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.closeCursors()
	if !tx.writable {
		tx.db.pager.EndRead()
		tx.db.mu.RUnlock()
		return nil
	}
	h, err := tx.header()
	if err != nil {
		_ = tx.db.pager.Rollback()
		tx.db.mu.Unlock()
		return err
	}
	h.ChangeCounter++
	h.VersionValid = h.ChangeCounter
	if err := tx.putHeader(h); err != nil {
		_ = tx.db.pager.Rollback()
		tx.db.mu.Unlock()
		return err
	}
	if err := tx.db.pager.Commit(); err != nil {
		_ = tx.db.pager.Rollback()
		tx.db.mu.Unlock()
		return err
	}
	if tx.db.events != nil {
		if err := tx.db.events.Append(wal.EventCommit, tx.id); err != nil {
			tx.db.mu.Unlock()
			return err
		}
	}
	tx.db.mu.Unlock()
	return nil
}

// Rollback abandons the transaction.
func (tx *Tx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.closeCursors()
	if !tx.writable {
		tx.db.pager.EndRead()
		tx.db.mu.RUnlock()
		return nil
	}
	err := tx.db.pager.Rollback()
	if tx.db.events != nil {
		if werr := tx.db.events.Append(wal.EventRollback, tx.id); err == nil {
			err = werr
		}
	}
	tx.db.mu.Unlock()
	return err
}

func (tx *Tx) closeCursors() {
	for _, c := range tx.cursors {
		c.invalidate()
	}
	tx.cursors = nil
}
