package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/google/btree"
	"golang.org/x/sys/unix"
)

// SyncMode controls when to fsync.
type SyncMode int

const (
	SyncEveryCommit SyncMode = iota
	SyncOff
)

// LockState is the file lock ladder. Each state implies the ones
// before it.
type LockState int

const (
	LockNone LockState = iota
	LockShared
	LockExclusive
)

var (
	// ErrBusy reports a lock held by another process or connection.
	ErrBusy = errors.New("database is locked")

	// ErrReadOnly reports a write attempted on a read-only pager.
	ErrReadOnly = errors.New("attempt to write a readonly database")

	// ErrNotInTransaction reports a page write outside a write
	// transaction.
	ErrNotInTransaction = errors.New("no active write transaction")
)

// Page is one in-memory page image. Pgno is 1-based, matching the
// on-disk numbering.
type Page struct {
	Pgno  uint32
	Data  []byte
	dirty bool
}

// Dirty reports whether the page has uncommitted modifications.
func (pg *Page) Dirty() bool { return pg.dirty }

// Options configures a Pager.
type Options struct {
	PageSize  int
	CacheSize int // pages held in the clean-page cache
	ReadOnly  bool
	Mode      SyncMode
}

// Pager mediates all file access: a clean-page LRU, an ordered set of
// dirty pages, the rollback journal, and the file lock ladder. Pages
// are written back in page number order at commit so sequential runs
// hit the disk in order.
type Pager struct {
	mu sync.Mutex

	file     *os.File
	path     string
	pageSize int
	readOnly bool
	mode     SyncMode

	lock     LockState
	writing  bool // write transaction open
	nPages   uint32
	origSize uint32 // page count when the write transaction began

	clean *freelru.LRU[uint32, *Page]
	dirty *btree.BTreeG[*Page]

	journal    *Journal
	savepoints []savepoint
	subJournal []subRec

	recovered bool
	stats     Stats
}

// Stats counts pager activity since open.
type Stats struct {
	CacheHits   uint64
	CacheMisses uint64
	PagesRead   uint64
	PagesWrit   uint64
}

type subRec struct {
	pgno uint32
	data []byte
}

type savepoint struct {
	iSubRec  int
	nPages   uint32
	recorded map[uint32]struct{}
}

func pageHash(pgno uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], pgno)
	return uint32(xxhash.Sum64(b[:]))
}

// Open opens or creates the database file and recovers from a hot
// journal left by a crashed writer.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = 4096
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 2000
	}
	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}
	clean, err := freelru.New[uint32, *Page](uint32(opts.CacheSize), pageHash)
	if err != nil {
		f.Close()
		return nil, err
	}
	p := &Pager{
		file:     f,
		path:     path,
		pageSize: opts.PageSize,
		readOnly: opts.ReadOnly,
		mode:     opts.Mode,
		clean:    clean,
		dirty: btree.NewG(8, func(a, b *Page) bool {
			return a.Pgno < b.Pgno
		}),
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	p.nPages = uint32(st.Size() / int64(opts.PageSize))

	if !opts.ReadOnly {
		if err := p.recover(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return p, nil
}

// SetPageSize adjusts the page size before any page has been read.
// The size on disk wins over the configured one once a header exists.
func (p *Pager) SetPageSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageSize = n
	st, err := p.file.Stat()
	if err == nil {
		p.nPages = uint32(st.Size() / int64(n))
	}
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// NumPages returns the page count of the file plus any pages grown by
// the open write transaction.
func (p *Pager) NumPages() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nPages
}

// ReadHeader returns the first 100 bytes of the file, or io.EOF when
// the file is empty.
func (p *Pager) ReadHeader() ([]byte, error) {
	buf := make([]byte, 100)
	_, err := p.file.ReadAt(buf, 0)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Pager) flock(how int) error {
	err := unix.Flock(int(p.file.Fd()), how|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return ErrBusy
	}
	return err
}

// BeginRead takes a shared lock. Nested calls are the caller's
// responsibility; the pager itself does not count readers.
func (p *Pager) BeginRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lock != LockNone {
		return nil
	}
	if err := p.flock(unix.LOCK_SH); err != nil {
		return err
	}
	p.lock = LockShared
	return nil
}

// BeginWrite upgrades to an exclusive lock and opens the rollback
// journal. Fails fast with ErrBusy rather than waiting.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return ErrReadOnly
	}
	if p.writing {
		return nil
	}
	if err := p.flock(unix.LOCK_EX); err != nil {
		return err
	}
	p.lock = LockExclusive
	j, err := openJournal(p.path+"-journal", p.pageSize, p.nPages)
	if err != nil {
		p.dropLock()
		return err
	}
	p.journal = j
	p.writing = true
	p.origSize = p.nPages
	return nil
}

func (p *Pager) dropLock() {
	_ = unix.Flock(int(p.file.Fd()), unix.LOCK_UN)
	p.lock = LockNone
}

// EndRead releases the shared lock when no write transaction is open.
func (p *Pager) EndRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing && p.lock != LockNone {
		p.dropLock()
	}
}

// Get returns the page image for pgno, reading from disk on a cache
// miss. Pages past the end of the file come back zeroed.
func (p *Pager) Get(pgno uint32) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getLocked(pgno)
}

func (p *Pager) getLocked(pgno uint32) (*Page, error) {
	if pgno == 0 {
		return nil, errors.New("pager: invalid page number 0")
	}
	if pg, ok := p.dirty.Get(&Page{Pgno: pgno}); ok {
		p.stats.CacheHits++
		return pg, nil
	}
	if pg, ok := p.clean.Get(pgno); ok {
		p.stats.CacheHits++
		return pg, nil
	}
	p.stats.CacheMisses++
	pg := &Page{Pgno: pgno, Data: make([]byte, p.pageSize)}
	if pgno <= p.nPages {
		off := int64(pgno-1) * int64(p.pageSize)
		if _, err := p.file.ReadAt(pg.Data, off); err != nil && err != io.EOF {
			return nil, fmt.Errorf("pager: read page %d: %w", pgno, err)
		}
		p.stats.PagesRead++
	}
	p.clean.Add(pgno, pg)
	return pg, nil
}

// Write prepares a page for modification: the original image goes to
// the rollback journal on first touch, and to the sub-journal of any
// open savepoint that has not seen the page yet. Must be called
// before mutating pg.Data.
func (p *Pager) Write(pg *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return ErrNotInTransaction
	}
	if !pg.dirty {
		// Only pages that existed before this transaction need a
		// journal record to restore on rollback.
		if pg.Pgno <= p.origSize {
			if err := p.journal.record(pg.Pgno, pg.Data); err != nil {
				return err
			}
		}
		pg.dirty = true
		p.clean.Remove(pg.Pgno)
		p.dirty.ReplaceOrInsert(pg)
		if pg.Pgno > p.nPages {
			p.nPages = pg.Pgno
		}
	}
	p.subJournalPage(pg)
	return nil
}

func (p *Pager) subJournalPage(pg *Page) {
	needed := false
	for i := range p.savepoints {
		if _, ok := p.savepoints[i].recorded[pg.Pgno]; !ok {
			needed = true
			break
		}
	}
	if !needed {
		return
	}
	img := append([]byte(nil), pg.Data...)
	p.subJournal = append(p.subJournal, subRec{pgno: pg.Pgno, data: img})
	for i := range p.savepoints {
		p.savepoints[i].recorded[pg.Pgno] = struct{}{}
	}
}

// Allocate grows the file by one page and returns it dirty.
func (p *Pager) Allocate() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return nil, ErrNotInTransaction
	}
	p.nPages++
	pg := &Page{Pgno: p.nPages, Data: make([]byte, p.pageSize), dirty: true}
	p.dirty.ReplaceOrInsert(pg)
	p.subJournalPage(pg)
	return pg, nil
}

// OpenSavepoint opens a nested savepoint and returns its depth index.
func (p *Pager) OpenSavepoint() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.savepoints = append(p.savepoints, savepoint{
		iSubRec:  len(p.subJournal),
		nPages:   p.nPages,
		recorded: make(map[uint32]struct{}),
	})
	return len(p.savepoints) - 1
}

// ReleaseSavepoint discards savepoint i and everything nested inside
// it. Changes made since remain part of the transaction.
func (p *Pager) ReleaseSavepoint(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < len(p.savepoints) {
		p.savepoints = p.savepoints[:i]
	}
}

// RollbackSavepoint undoes every change made since savepoint i was
// opened. The savepoint itself stays open and can be rolled back to
// again.
func (p *Pager) RollbackSavepoint(i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.savepoints) {
		return fmt.Errorf("pager: no such savepoint %d", i)
	}
	sp := &p.savepoints[i]
	for j := len(p.subJournal) - 1; j >= sp.iSubRec; j-- {
		rec := p.subJournal[j]
		pg, err := p.getLocked(rec.pgno)
		if err != nil {
			return err
		}
		copy(pg.Data, rec.data)
		if !pg.dirty {
			pg.dirty = true
			p.clean.Remove(pg.Pgno)
			p.dirty.ReplaceOrInsert(pg)
		}
	}
	p.subJournal = p.subJournal[:sp.iSubRec]
	// Pages grown since the savepoint fall off the end again.
	if p.nPages > sp.nPages {
		p.truncateLocked(sp.nPages)
	}
	p.savepoints = p.savepoints[:i+1]
	sp.recorded = make(map[uint32]struct{})
	return nil
}

func (p *Pager) truncateLocked(n uint32) {
	var drop []*Page
	p.dirty.Ascend(func(pg *Page) bool {
		if pg.Pgno > n {
			drop = append(drop, pg)
		}
		return true
	})
	for _, pg := range drop {
		p.dirty.Delete(pg)
	}
	for pgno := n + 1; pgno <= p.nPages; pgno++ {
		p.clean.Remove(pgno)
	}
	p.nPages = n
}

// Commit flushes the journal, writes every dirty page in page order,
// syncs, and retires the journal. The journal sync is the point of no
// return.
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return nil
	}
	if err := p.journal.sync(p.mode); err != nil {
		return err
	}
	var werr error
	p.dirty.Ascend(func(pg *Page) bool {
		off := int64(pg.Pgno-1) * int64(p.pageSize)
		if _, err := p.file.WriteAt(pg.Data, off); err != nil {
			werr = fmt.Errorf("pager: write page %d: %w", pg.Pgno, err)
			return false
		}
		p.stats.PagesWrit++
		return true
	})
	if werr != nil {
		return werr
	}
	if p.nPages < p.origSize {
		if err := p.file.Truncate(int64(p.nPages) * int64(p.pageSize)); err != nil {
			return err
		}
	}
	if p.mode == SyncEveryCommit {
		if err := unix.Fdatasync(int(p.file.Fd())); err != nil {
			return err
		}
	}
	if err := p.journal.retire(); err != nil {
		return err
	}
	p.finishWrite()
	return nil
}

// Rollback restores every journaled page image, truncates the file
// back to its original size, and retires the journal.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return nil
	}
	err := p.journal.replay(func(pgno uint32, data []byte) error {
		off := int64(pgno-1) * int64(p.pageSize)
		_, werr := p.file.WriteAt(data, off)
		return werr
	})
	if err != nil {
		return err
	}
	if err := p.file.Truncate(int64(p.origSize) * int64(p.pageSize)); err != nil {
		return err
	}
	if err := p.journal.retire(); err != nil {
		return err
	}
	// Every cached image is suspect now.
	p.dirty.Clear(false)
	p.clean.Purge()
	p.nPages = p.origSize
	p.finishWrite()
	return nil
}

func (p *Pager) finishWrite() {
	var clean []*Page
	p.dirty.Ascend(func(pg *Page) bool {
		pg.dirty = false
		clean = append(clean, pg)
		return true
	})
	p.dirty.Clear(false)
	for _, pg := range clean {
		p.clean.Add(pg.Pgno, pg)
	}
	p.journal = nil
	p.savepoints = nil
	p.subJournal = nil
	p.writing = false
	p.origSize = p.nPages
	p.dropLock()
}

// recover replays a hot journal left behind by a crashed writer.
func (p *Pager) recover() error {
	jpath := p.path + "-journal"
	st, err := os.Stat(jpath)
	if err != nil || st.Size() == 0 {
		os.Remove(jpath)
		return nil
	}
	if err := p.flock(unix.LOCK_EX); err != nil {
		if err == ErrBusy {
			// The journal belongs to a writer that is still running,
			// not a crashed one. Contention surfaces on BeginWrite.
			return nil
		}
		return err
	}
	defer p.dropLock()

	j, origPages, err := openExistingJournal(jpath, p.pageSize)
	if err != nil {
		if os.IsNotExist(err) {
			// The writer committed and retired its journal between the
			// stat and the lock.
			return nil
		}
		return err
	}
	err = j.replay(func(pgno uint32, data []byte) error {
		off := int64(pgno-1) * int64(p.pageSize)
		_, werr := p.file.WriteAt(data, off)
		return werr
	})
	if err != nil {
		j.close()
		return err
	}
	if err := p.file.Truncate(int64(origPages) * int64(p.pageSize)); err != nil {
		j.close()
		return err
	}
	if err := unix.Fdatasync(int(p.file.Fd())); err != nil {
		return err
	}
	if err := j.retire(); err != nil {
		return err
	}
	p.nPages = origPages
	p.recovered = true
	return nil
}

// Recovered reports whether Open replayed a hot journal.
func (p *Pager) Recovered() bool { return p.recovered }

// Truncate drops pages past n from the transaction.
func (p *Pager) Truncate(n uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writing {
		return ErrNotInTransaction
	}
	p.truncateLocked(n)
	return nil
}

// Stats returns pager activity counters.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close rolls back any open write transaction and closes the file.
func (p *Pager) Close() error {
	p.mu.Lock()
	writing := p.writing
	p.mu.Unlock()
	if writing {
		if err := p.Rollback(); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lock != LockNone {
		p.dropLock()
	}
	return p.file.Close()
}
