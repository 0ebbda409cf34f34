package betula

import (
	"errors"

	"betula/internal/base"
	"betula/internal/pager"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrDatabaseClosed = errors.New("database is closed")
	ErrKeyTooLarge    = errors.New("key too large")
	ErrValueTooLarge  = errors.New("value too large")

	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxDone        = errors.New("transaction has been committed or rolled back")

	ErrTableNotFound     = errors.New("no such table root")
	ErrSavepointNotFound = errors.New("no such savepoint")
	ErrCursorInvalid     = errors.New("cursor does not point at a row")

	ErrCorrupt  = base.ErrCorrupt
	ErrBusy     = pager.ErrBusy
	ErrReadOnly = pager.ErrReadOnly
)
