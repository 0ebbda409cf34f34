package pager

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// journalMagic opens a rollback journal file. A journal holds the
// pre-modification image of every page touched by the current write
// transaction, recorded once per page. Each frame carries an xxhash
// checksum so a torn tail from a crash is detected and ignored.
var journalMagic = [8]byte{'b', 't', 'j', 'r', 'n', 'l', 0x01, 0x00}

const journalHeaderSize = 16 // magic(8) + pageSize(4) + origPages(4)

// Journal is the rollback journal of one write transaction.
type Journal struct {
	file     *os.File
	path     string
	pageSize int
	seen     map[uint32]struct{}
	synced   bool
}

func openJournal(path string, pageSize int, origPages uint32) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pager: open journal: %w", err)
	}
	var hdr [journalHeaderSize]byte
	copy(hdr[:], journalMagic[:])
	binary.BigEndian.PutUint32(hdr[8:], uint32(pageSize))
	binary.BigEndian.PutUint32(hdr[12:], origPages)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return nil, err
	}
	return &Journal{
		file:     f,
		path:     path,
		pageSize: pageSize,
		seen:     make(map[uint32]struct{}),
	}, nil
}

func openExistingJournal(path string, pageSize int) (*Journal, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	var hdr [journalHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("pager: short journal header: %w", err)
	}
	if string(hdr[:8]) != string(journalMagic[:]) {
		f.Close()
		return nil, 0, fmt.Errorf("pager: bad journal magic")
	}
	ps := int(binary.BigEndian.Uint32(hdr[8:]))
	if ps != pageSize {
		f.Close()
		return nil, 0, fmt.Errorf("pager: journal page size %d, want %d", ps, pageSize)
	}
	origPages := binary.BigEndian.Uint32(hdr[12:])
	return &Journal{
		file:     f,
		path:     path,
		pageSize: pageSize,
		seen:     make(map[uint32]struct{}),
	}, origPages, nil
}

// record appends the original image of a page. Repeat calls for the
// same page are no-ops; the first image is the one rollback needs.
func (j *Journal) record(pgno uint32, data []byte) error {
	if _, ok := j.seen[pgno]; ok {
		return nil
	}
	frame := make([]byte, 4+j.pageSize+8)
	binary.BigEndian.PutUint32(frame, pgno)
	copy(frame[4:], data)
	sum := xxhash.Sum64(frame[:4+j.pageSize])
	binary.BigEndian.PutUint64(frame[4+j.pageSize:], sum)
	if _, err := j.file.Write(frame); err != nil {
		return fmt.Errorf("pager: journal page %d: %w", pgno, err)
	}
	j.seen[pgno] = struct{}{}
	j.synced = false
	return nil
}

// sync makes the journal durable. Must happen before any journaled
// page is overwritten in the main file.
func (j *Journal) sync(mode SyncMode) error {
	if mode == SyncOff || j.synced {
		return nil
	}
	if err := unix.Fdatasync(int(j.file.Fd())); err != nil {
		return err
	}
	j.synced = true
	return nil
}

// replay streams every intact frame to fn. A frame with a bad
// checksum ends the replay quietly: it is the torn tail of a crashed
// write and everything before it is still valid.
func (j *Journal) replay(fn func(pgno uint32, data []byte) error) error {
	if _, err := j.file.Seek(journalHeaderSize, io.SeekStart); err != nil {
		return err
	}
	frame := make([]byte, 4+j.pageSize+8)
	for {
		if _, err := io.ReadFull(j.file, frame); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		sum := binary.BigEndian.Uint64(frame[4+j.pageSize:])
		if xxhash.Sum64(frame[:4+j.pageSize]) != sum {
			return nil
		}
		pgno := binary.BigEndian.Uint32(frame)
		if err := fn(pgno, frame[4:4+j.pageSize]); err != nil {
			return err
		}
	}
}

// retire deletes the journal, marking the transaction resolved.
func (j *Journal) retire() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	return os.Remove(j.path)
}

func (j *Journal) close() error {
	return j.file.Close()
}
