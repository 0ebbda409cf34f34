package betula

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betula/internal/base"
)

// setup opens a fresh database in a temp directory.
func setup(t *testing.T, options ...DBOption) *DB {
	t.Helper()
	db, _ := setupAt(t, options...)
	return db
}

func setupAt(t *testing.T, options ...DBOption) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts := append([]DBOption{WithSyncOff()}, options...)
	db, err := Open(path, opts...)
	require.NoError(t, err, "Failed to create DB")
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestOpenBootstrap(t *testing.T) {
	t.Parallel()

	db := setup(t)

	err := db.View(func(tx *Tx) error {
		info, err := tx.Info()
		require.NoError(t, err)
		assert.Equal(t, 4096, info.PageSize)
		assert.Equal(t, uint32(1), info.Pages)
		assert.Equal(t, uint32(0), info.FreelistPages)

		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		empty, err := cur.IsEmpty()
		require.NoError(t, err)
		assert.True(t, empty)
		return nil
	})
	require.NoError(t, err)
}

func TestOpenRejectsBadPageSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.db")
	_, err := Open(path, WithPageSize(1000))
	assert.Error(t, err)
}

func TestOpenHonorsReservedSpace(t *testing.T) {
	t.Parallel()

	// Build a file whose header reserves 16 bytes per page; its cells
	// were laid out against the smaller usable size.
	path := filepath.Join(t.TempDir(), "reserved.db")
	buf := make([]byte, 512)
	h := base.NewDbHeader(512)
	h.ReservedSpace = 16
	h.Serialize(buf)
	p := base.InitPage(buf, 1, base.PageTypeLeafTable, h.Usable())
	cell, spill, _ := base.NewCell(p, 0, 7, []byte("reserved"))
	require.Nil(t, spill)
	require.NoError(t, p.InsertCell(0, cell))
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	db, err := Open(path, WithPageSize(512))
	require.NoError(t, err)
	defer db.Close()
	err = db.View(func(tx *Tx) error {
		assert.Equal(t, 512-16, tx.usable())
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		res, err := cur.SeekRowid(7)
		require.NoError(t, err)
		assert.Equal(t, 0, res)
		got, err := cur.Payload()
		require.NoError(t, err)
		assert.Equal(t, []byte("reserved"), got)
		return nil
	})
	require.NoError(t, err)
}

func TestReopenPersistence(t *testing.T) {
	t.Parallel()

	db, path := setupAt(t)
	err := db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		for i := int64(1); i <= 50; i++ {
			require.NoError(t, cur.Insert(i, payloadFor(i)))
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(path, WithSyncOff())
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(50), n)

		res, err := cur.SeekRowid(37)
		require.NoError(t, err)
		assert.Equal(t, 0, res)
		got, err := cur.Payload()
		require.NoError(t, err)
		assert.Equal(t, payloadFor(37), got)
		return nil
	})
	require.NoError(t, err)
}

func TestSingleWriter(t *testing.T) {
	t.Parallel()

	db := setup(t)

	tx, err := db.Begin(true)
	require.NoError(t, err)

	_, err = db.Begin(true)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, tx.Rollback())

	tx2, err := db.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback())
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	db := setup(t)

	tx1, err := db.Begin(false)
	require.NoError(t, err)
	tx2, err := db.Begin(false)
	require.NoError(t, err)

	require.NoError(t, tx1.Rollback())
	require.NoError(t, tx2.Rollback())
}

func TestReadOnlyOpen(t *testing.T) {
	t.Parallel()

	db, path := setupAt(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		return cur.Insert(1, []byte("one"))
	}))
	require.NoError(t, db.Close())

	ro, err := Open(path, WithReadOnly())
	require.NoError(t, err)
	defer ro.Close()

	err = ro.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		ok, err := cur.First()
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = ro.Update(func(tx *Tx) error { return nil })
	assert.Error(t, err)
}

func TestReadOnlyCannotCreate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.db")
	_, err := Open(path, WithReadOnly())
	assert.Error(t, err)
}

func TestClosedDatabase(t *testing.T) {
	t.Parallel()

	db := setup(t)
	require.NoError(t, db.Close())

	_, err := db.Begin(false)
	assert.ErrorIs(t, err, ErrDatabaseClosed)

	// Close is idempotent.
	assert.NoError(t, db.Close())
}

func TestUpdateRollsBackOnError(t *testing.T) {
	t.Parallel()

	db := setup(t)

	boom := assert.AnError
	err := db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		require.NoError(t, cur.Insert(1, []byte("doomed")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		empty, err := cur.IsEmpty()
		require.NoError(t, err)
		assert.True(t, empty)
		return nil
	})
	require.NoError(t, err)
}
