// Package wal appends transaction boundary records to a side log.
// The log carries no page images; it marks where write transactions
// began, committed, or rolled back so external tooling can audit the
// commit history of a database file.
package wal

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// EventType tags one boundary record.
type EventType uint8

const (
	EventBegin EventType = iota + 1
	EventCommit
	EventRollback
)

// frameSize is the fixed record length: type(1) + pad(3) + txid(8) +
// checksum(8).
const frameSize = 20

// ErrShortFrame reports a truncated record at the log tail.
var ErrShortFrame = errors.New("wal: truncated frame")

// Event is one decoded boundary record.
type Event struct {
	Type EventType
	TxID uint64
}

// Log is an append-only boundary log.
type Log struct {
	mu   sync.Mutex
	file *os.File
	sync bool
}

// Open opens or creates the boundary log at path. When syncEvery is
// set, every append is fsynced.
func Open(path string, syncEvery bool) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, sync: syncEvery}, nil
}

// Append writes one boundary record.
func (l *Log) Append(typ EventType, txid uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var frame [frameSize]byte
	frame[0] = byte(typ)
	binary.BigEndian.PutUint64(frame[4:], txid)
	sum := xxhash.Sum64(frame[:12])
	binary.BigEndian.PutUint64(frame[12:], sum)
	if _, err := l.file.Write(frame[:]); err != nil {
		return err
	}
	if l.sync {
		return unix.Fdatasync(int(l.file.Fd()))
	}
	return nil
}

// Scan streams every intact record to fn in log order. A record with
// a bad checksum ends the scan; it is the torn tail of a crash.
func Scan(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var frame [frameSize]byte
	for {
		if _, err := io.ReadFull(f, frame[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return ErrShortFrame
			}
			return err
		}
		sum := binary.BigEndian.Uint64(frame[12:])
		if xxhash.Sum64(frame[:12]) != sum {
			return nil
		}
		ev := Event{
			Type: EventType(frame[0]),
			TxID: binary.BigEndian.Uint64(frame[4:]),
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
