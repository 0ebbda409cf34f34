package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendScanRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.log")
	l, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, l.Append(EventBegin, 1))
	require.NoError(t, l.Append(EventCommit, 1))
	require.NoError(t, l.Append(EventBegin, 2))
	require.NoError(t, l.Append(EventRollback, 2))
	require.NoError(t, l.Close())

	var got []Event
	require.NoError(t, Scan(path, func(ev Event) error {
		got = append(got, ev)
		return nil
	}))
	assert.Equal(t, []Event{
		{EventBegin, 1}, {EventCommit, 1},
		{EventBegin, 2}, {EventRollback, 2},
	}, got)
}

func TestScanStopsAtCorruptFrame(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.log")
	l, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, l.Append(EventBegin, 1))
	require.NoError(t, l.Append(EventCommit, 1))
	require.NoError(t, l.Close())

	// Flip a byte in the second frame's checksum.
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf[frameSize+13] ^= 0xff
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	var got []Event
	require.NoError(t, Scan(path, func(ev Event) error {
		got = append(got, ev)
		return nil
	}))
	assert.Equal(t, []Event{{EventBegin, 1}}, got)
}

func TestScanTruncatedTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.log")
	l, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, l.Append(EventBegin, 1))
	require.NoError(t, l.Close())

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf[:frameSize/2], 0o644))

	err = Scan(path, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrShortFrame)
}
