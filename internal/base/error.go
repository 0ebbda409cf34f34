package base

import "errors"

var (
	// ErrCorrupt reports a structurally invalid page, cell, or header.
	// Once a page fails validation the tree it belongs to cannot be
	// trusted.
	ErrCorrupt = errors.New("database disk image is malformed")

	// ErrPageFull reports that a page has no room for a requested
	// allocation even after defragmentation.
	ErrPageFull = errors.New("page full")

	// ErrTooBig reports a record larger than the format can encode.
	ErrTooBig = errors.New("record too big")
)
