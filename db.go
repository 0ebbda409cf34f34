package betula

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"betula/internal/base"
	"betula/internal/pager"
	"betula/internal/wal"
)

// MainTableRoot is the root page of the table b-tree created with
// every new database. It is conventionally used as a catalog mapping
// names to the roots of other trees.
const MainTableRoot uint32 = 1

// DB is one open database file: a forest of b-trees sharing a pager,
// a freelist, and a transaction boundary log.
type DB struct {
	opts   DBOptions
	pager  *pager.Pager
	events *wal.Log
	logger Logger

	// usable is the per-page bytes available to cells: the page size
	// minus the header's reserved space. Fixed for the file's life.
	usable int

	// mu serializes in-process access: any number of read
	// transactions or exactly one write transaction.
	mu     sync.RWMutex
	closed atomic.Bool
}

// Open opens or creates the database file at path. A new file gets a
// fresh header and an empty table tree rooted at page 1.
func Open(path string, options ...DBOption) (*DB, error) {
	opts := DefaultDBOptions()
	for _, o := range options {
		o(&opts)
	}
	ps := opts.pageSize
	if ps < base.MinPageSize || ps > base.MaxPageSize || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("betula: invalid page size %d", ps)
	}

	mode := pager.SyncEveryCommit
	if opts.syncMode == SyncOff {
		mode = pager.SyncOff
	}
	pg, err := pager.Open(path, pager.Options{
		PageSize:  ps,
		CacheSize: opts.cacheSize,
		ReadOnly:  opts.readOnly,
		Mode:      mode,
	})
	if err != nil {
		return nil, err
	}

	db := &DB{opts: opts, pager: pg, logger: opts.logger}

	hdr, err := pg.ReadHeader()
	switch {
	case err == io.EOF || (err == nil && pg.NumPages() == 0):
		if opts.readOnly {
			pg.Close()
			return nil, fmt.Errorf("betula: cannot create %s read-only", path)
		}
		if err := db.bootstrap(); err != nil {
			pg.Close()
			return nil, err
		}
		db.usable = ps
	case err != nil:
		pg.Close()
		return nil, fmt.Errorf("betula: read header: %w", err)
	default:
		h, err := base.ParseDbHeader(hdr)
		if err != nil {
			pg.Close()
			return nil, err
		}
		if h.PageSize != ps {
			pg.SetPageSize(h.PageSize)
		}
		db.usable = h.Usable()
	}

	if !opts.readOnly {
		db.events, err = wal.Open(path+"-txlog", opts.syncMode == SyncEveryCommit)
		if err != nil {
			pg.Close()
			return nil, err
		}
	}
	if pg.Recovered() {
		db.logger.Warn("hot journal recovered", "path", path)
	}
	db.logger.Info("database opened", "path", path, "pageSize", db.pager.PageSize())
	return db, nil
}

// bootstrap writes the header and the empty main table tree into a
// brand new file.
func (db *DB) bootstrap() error {
	if err := db.pager.BeginWrite(); err != nil {
		return err
	}
	pg, err := db.pager.Allocate()
	if err != nil {
		return err
	}
	h := base.NewDbHeader(db.pager.PageSize())
	h.Serialize(pg.Data)
	base.InitPage(pg.Data, 1, base.PageTypeLeafTable, h.Usable())
	return db.pager.Commit()
}

// Begin starts a transaction. A writable transaction takes the single
// writer slot and fails fast with ErrBusy when it is taken; read
// transactions wait for an in-process writer and then share freely.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if db.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	if writable {
		if !db.mu.TryLock() {
			return nil, ErrBusy
		}
		if err := db.pager.BeginWrite(); err != nil {
			db.mu.Unlock()
			return nil, err
		}
		tx := &Tx{db: db, writable: true}
		h, err := tx.header()
		if err != nil {
			_ = db.pager.Rollback()
			db.mu.Unlock()
			return nil, err
		}
		tx.id = uint64(h.ChangeCounter) + 1
		if db.events != nil {
			if err := db.events.Append(wal.EventBegin, tx.id); err != nil {
				_ = db.pager.Rollback()
				db.mu.Unlock()
				return nil, err
			}
		}
		return tx, nil
	}
	db.mu.RLock()
	if err := db.pager.BeginRead(); err != nil {
		db.mu.RUnlock()
		return nil, err
	}
	return &Tx{db: db}, nil
}

// View runs fn inside a read transaction.
func (db *DB) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Update runs fn inside a write transaction, committing on success
// and rolling back on error.
func (db *DB) Update(fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Stats returns pager activity counters.
func (db *DB) Stats() pager.Stats {
	return db.pager.Stats()
}

// Close releases the file. Open transactions must be resolved first.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.events != nil {
		if err := db.events.Close(); err != nil {
			return err
		}
	}
	return db.pager.Close()
}
