package betula

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"betula/internal/base"
)

func payloadFor(rowid int64) []byte {
	return []byte(fmt.Sprintf("row-%06d-%s", rowid, bytes.Repeat([]byte{'x'}, 40)))
}

func fillTable(t *testing.T, db *DB, n int64) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		for i := int64(1); i <= n; i++ {
			if err := cur.Insert(i, payloadFor(i)); err != nil {
				return err
			}
		}
		return nil
	}))
}

func requireClean(t *testing.T, db *DB, extraRoots ...uint32) {
	t.Helper()
	report, err := db.Check(extraRoots...)
	require.NoError(t, err)
	require.Empty(t, report)
}

func TestInsertAndSeekSinglePage(t *testing.T) {
	t.Parallel()

	db := setup(t)
	fillTable(t, db, 10)

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		for i := int64(1); i <= 10; i++ {
			res, err := cur.SeekRowid(i)
			require.NoError(t, err)
			assert.Equal(t, 0, res)
			got, err := cur.Payload()
			require.NoError(t, err)
			assert.Equal(t, payloadFor(i), got, "payload mismatch at rowid %d", i)
		}
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestInsertSplitsPages(t *testing.T) {
	t.Parallel()

	// Small pages force a tree several levels deep.
	db := setup(t, WithPageSize(512))
	fillTable(t, db, 2000)

	err := db.View(func(tx *Tx) error {
		info, err := tx.Info()
		require.NoError(t, err)
		assert.Greater(t, info.Pages, uint32(10), "expected the tree to split")

		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(2000), n)

		ok, err := cur.First()
		require.NoError(t, err)
		var prev int64
		for ok {
			rowid, err := cur.Rowid()
			require.NoError(t, err)
			assert.Equal(t, prev+1, rowid, "rowids must come back dense and ordered")
			got, err := cur.Payload()
			require.NoError(t, err)
			assert.Equal(t, payloadFor(rowid), got)
			prev = rowid
			ok, err = cur.Next()
			require.NoError(t, err)
		}
		assert.Equal(t, int64(2000), prev)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestInsertDescendingOrder(t *testing.T) {
	t.Parallel()

	db := setup(t, WithPageSize(512))
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		for i := int64(1000); i >= 1; i-- {
			if err := cur.Insert(i, payloadFor(i)); err != nil {
				return err
			}
		}
		return nil
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(1000), n)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestInsertKeepsCursorOnNewEntry(t *testing.T) {
	t.Parallel()

	db := setup(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		for i := int64(1); i <= 5; i++ {
			require.NoError(t, cur.Insert(i, payloadFor(i)))
			got, err := cur.Rowid()
			require.NoError(t, err)
			assert.Equal(t, i, got)
		}
		// Out-of-order insert lands the cursor on the new entry too.
		require.NoError(t, cur.Insert(3, []byte("replaced")))
		got, err := cur.Rowid()
		require.NoError(t, err)
		assert.Equal(t, int64(3), got)
		ok, err := cur.Next()
		require.NoError(t, err)
		require.True(t, ok)
		got, err = cur.Rowid()
		require.NoError(t, err)
		assert.Equal(t, int64(4), got)
		return nil
	}))
	requireClean(t, db)
}

func TestInsertReplacesExistingRowid(t *testing.T) {
	t.Parallel()

	db := setup(t)
	fillTable(t, db, 20)

	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		return cur.Insert(7, []byte("replacement"))
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(20), n, "replace must not add a row")

		res, err := cur.SeekRowid(7)
		require.NoError(t, err)
		require.Equal(t, 0, res)
		got, err := cur.Payload()
		require.NoError(t, err)
		assert.Equal(t, []byte("replacement"), got)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestDeleteAllCollapsesTree(t *testing.T) {
	t.Parallel()

	db := setup(t, WithPageSize(512))
	fillTable(t, db, 1000)

	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		for i := int64(1); i <= 1000; i++ {
			res, err := cur.SeekRowid(i)
			require.NoError(t, err)
			require.Equal(t, 0, res, "rowid %d missing before delete", i)
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		empty, err := cur.IsEmpty()
		require.NoError(t, err)
		assert.True(t, empty)

		info, err := tx.Info()
		require.NoError(t, err)
		assert.Greater(t, info.FreelistPages, uint32(0), "freed pages must reach the freelist")
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestFreedPagesAreZeroed(t *testing.T) {
	t.Parallel()

	db, path := setupAt(t, WithPageSize(512))
	var root uint32
	require.NoError(t, db.Update(func(tx *Tx) error {
		var err error
		root, err = tx.CreateTree(TableTree)
		require.NoError(t, err)
		cur, err := tx.Cursor(root)
		require.NoError(t, err)
		for i := int64(1); i <= 300; i++ {
			if err := cur.Insert(i, payloadFor(i)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.DropTree(root)
	}))
	require.NoError(t, db.Close())

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	h, err := base.ParseDbHeader(buf)
	require.NoError(t, err)
	require.NotZero(t, h.FreelistTrunk)

	firstStale := func(b []byte) int {
		for i, c := range b {
			if c != 0 {
				return i
			}
		}
		return -1
	}

	// Walk the trunk chain in the raw file. Trunks hold only their
	// header and leaf records; leaves hold nothing at all.
	var leaves []uint32
	for tr := h.FreelistTrunk; tr != 0; {
		data := buf[(int(tr)-1)*512 : int(tr)*512]
		count := binary.BigEndian.Uint32(data[4:])
		for i := uint32(0); i < count; i++ {
			leaves = append(leaves, binary.BigEndian.Uint32(data[8+4*i:]))
		}
		assert.Equal(t, -1, firstStale(data[8+4*count:]), "trunk page %d holds stale bytes", tr)
		tr = binary.BigEndian.Uint32(data)
	}
	require.NotEmpty(t, leaves)
	for _, pgno := range leaves {
		data := buf[(int(pgno)-1)*512 : int(pgno)*512]
		assert.Equal(t, -1, firstStale(data), "freed page %d holds stale bytes", pgno)
	}
}

func TestFreelistPagesAreReused(t *testing.T) {
	t.Parallel()

	db := setup(t, WithPageSize(512))
	fillTable(t, db, 1000)

	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		for i := int64(1); i <= 1000; i++ {
			if _, err := cur.SeekRowid(i); err != nil {
				return err
			}
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		return nil
	}))

	var before uint32
	require.NoError(t, db.View(func(tx *Tx) error {
		info, err := tx.Info()
		require.NoError(t, err)
		before = info.Pages
		return nil
	}))

	fillTable(t, db, 1000)

	require.NoError(t, db.View(func(tx *Tx) error {
		info, err := tx.Info()
		require.NoError(t, err)
		assert.Equal(t, before, info.Pages, "reinserting must drain the freelist, not grow the file")
		return nil
	}))
	requireClean(t, db)
}

func TestOverflowPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	db := setup(t)

	big := bytes.Repeat([]byte("overflow!"), 5000) // ~11 pages at 4096
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		return cur.Insert(1, big)
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		res, err := cur.SeekRowid(1)
		require.NoError(t, err)
		require.Equal(t, 0, res)
		got, err := cur.Payload()
		require.NoError(t, err)
		assert.Equal(t, big, got)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestOverflowChainFreedOnDelete(t *testing.T) {
	t.Parallel()

	db := setup(t)
	big := bytes.Repeat([]byte("spill"), 10000)

	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		return cur.Insert(1, big)
	}))
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		if _, err := cur.SeekRowid(1); err != nil {
			return err
		}
		return cur.Delete()
	}))

	err := db.View(func(tx *Tx) error {
		info, err := tx.Info()
		require.NoError(t, err)
		free, err := tx.FreelistPages()
		require.NoError(t, err)
		assert.Equal(t, info.FreelistPages, uint32(len(free)))
		assert.Greater(t, len(free), 10, "the overflow chain must land on the freelist")
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestOverflowReplaceSwapsChains(t *testing.T) {
	t.Parallel()

	db := setup(t)
	first := bytes.Repeat([]byte("a"), 30000)
	second := bytes.Repeat([]byte("b"), 20000)

	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		if err := cur.Insert(1, first); err != nil {
			return err
		}
		return cur.Insert(1, second)
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		res, err := cur.SeekRowid(1)
		require.NoError(t, err)
		require.Equal(t, 0, res)
		got, err := cur.Payload()
		require.NoError(t, err)
		assert.Equal(t, second, got)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)
}

func TestNewRowid(t *testing.T) {
	t.Parallel()

	db := setup(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)

		rowid, err := cur.NewRowid()
		require.NoError(t, err)
		assert.Equal(t, int64(1), rowid, "empty table starts at 1")
		require.NoError(t, cur.Insert(rowid, []byte("first")))

		require.NoError(t, cur.Insert(100, []byte("gap")))
		rowid, err = cur.NewRowid()
		require.NoError(t, err)
		assert.Equal(t, int64(101), rowid)
		return nil
	}))
}

func TestCreateAndDropTree(t *testing.T) {
	t.Parallel()

	db := setup(t)
	var root uint32
	require.NoError(t, db.Update(func(tx *Tx) error {
		var err error
		root, err = tx.CreateTree(TableTree)
		require.NoError(t, err)
		cur, err := tx.Cursor(root)
		require.NoError(t, err)
		for i := int64(1); i <= 100; i++ {
			require.NoError(t, cur.Insert(i, payloadFor(i)))
		}
		return nil
	}))
	requireClean(t, db, root)

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.DropTree(root)
	}))
	requireClean(t, db)
}

func TestDropMainTableRefused(t *testing.T) {
	t.Parallel()

	db := setup(t)
	err := db.Update(func(tx *Tx) error {
		return tx.DropTree(MainTableRoot)
	})
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestClearTreeKeepsRoot(t *testing.T) {
	t.Parallel()

	db := setup(t, WithPageSize(512))
	fillTable(t, db, 500)

	require.NoError(t, db.Update(func(tx *Tx) error {
		return tx.ClearTree(MainTableRoot)
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		empty, err := cur.IsEmpty()
		require.NoError(t, err)
		assert.True(t, empty)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db)

	// The cleared root accepts new rows.
	fillTable(t, db, 10)
	requireClean(t, db)
}

func TestIndexTreeInsertAndSeek(t *testing.T) {
	t.Parallel()

	db := setup(t, WithPageSize(512))
	var root uint32
	require.NoError(t, db.Update(func(tx *Tx) error {
		var err error
		root, err = tx.CreateTree(IndexTree)
		require.NoError(t, err)
		cur, err := tx.IndexCursor(root, nil)
		require.NoError(t, err)
		for i := 0; i < 500; i++ {
			key := []byte(fmt.Sprintf("key-%05d", i*2))
			if err := cur.InsertKey(key); err != nil {
				return err
			}
		}
		return nil
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.IndexCursor(root, nil)
		require.NoError(t, err)

		res, err := cur.SeekKey([]byte("key-00400"))
		require.NoError(t, err)
		assert.Equal(t, 0, res)

		// Odd keys are absent; the cursor lands on a neighbor.
		res, err = cur.SeekKey([]byte("key-00401"))
		require.NoError(t, err)
		assert.NotEqual(t, 0, res)
		assert.True(t, cur.Valid())

		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(500), n)
		return nil
	})
	require.NoError(t, err)
	requireClean(t, db, root)
}

func TestIndexInsertDuplicateIsNoop(t *testing.T) {
	t.Parallel()

	db := setup(t)
	var root uint32
	require.NoError(t, db.Update(func(tx *Tx) error {
		var err error
		root, err = tx.CreateTree(IndexTree)
		require.NoError(t, err)
		cur, err := tx.IndexCursor(root, nil)
		require.NoError(t, err)
		require.NoError(t, cur.InsertKey([]byte("same")))
		require.NoError(t, cur.InsertKey([]byte("same")))
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	}))
}

func TestIndexTreeDelete(t *testing.T) {
	t.Parallel()

	db := setup(t, WithPageSize(512))
	var root uint32
	require.NoError(t, db.Update(func(tx *Tx) error {
		var err error
		root, err = tx.CreateTree(IndexTree)
		require.NoError(t, err)
		cur, err := tx.IndexCursor(root, nil)
		require.NoError(t, err)
		for i := 0; i < 400; i++ {
			if err := cur.InsertKey([]byte(fmt.Sprintf("entry-%04d", i))); err != nil {
				return err
			}
		}
		// Delete every other entry, including ones promoted to
		// interior pages.
		for i := 0; i < 400; i += 2 {
			res, err := cur.SeekKey([]byte(fmt.Sprintf("entry-%04d", i)))
			require.NoError(t, err)
			require.Equal(t, 0, res)
			if err := cur.Delete(); err != nil {
				return err
			}
		}
		n, err := cur.Count()
		require.NoError(t, err)
		assert.Equal(t, int64(200), n)
		return nil
	}))
	requireClean(t, db, root)
}

func TestIndexCollationNoCase(t *testing.T) {
	t.Parallel()

	db := setup(t)
	var root uint32
	require.NoError(t, db.Update(func(tx *Tx) error {
		var err error
		root, err = tx.CreateTree(IndexTree)
		require.NoError(t, err)
		cur, err := tx.IndexCursor(root, CollNoCase)
		require.NoError(t, err)
		require.NoError(t, cur.InsertKey([]byte("Alpha")))
		require.NoError(t, cur.InsertKey([]byte("beta")))

		res, err := cur.SeekKey([]byte("ALPHA"))
		require.NoError(t, err)
		assert.Equal(t, 0, res, "NOCASE must match regardless of case")

		res, err = cur.SeekKey([]byte("BETA"))
		require.NoError(t, err)
		assert.Equal(t, 0, res)
		return nil
	}))
}

func TestEmptyPayloadAllowed(t *testing.T) {
	t.Parallel()

	db := setup(t)
	require.NoError(t, db.Update(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		return cur.Insert(1, nil)
	}))

	err := db.View(func(tx *Tx) error {
		cur, err := tx.Cursor(MainTableRoot)
		require.NoError(t, err)
		res, err := cur.SeekRowid(1)
		require.NoError(t, err)
		assert.Equal(t, 0, res)
		got, err := cur.Payload()
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})
	require.NoError(t, err)
}
