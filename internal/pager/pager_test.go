package pager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, Options{PageSize: 512, CacheSize: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, path
}

func TestCommitPersists(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	copy(pg.Data, "hello")
	require.NoError(t, p.Commit())
	require.NoError(t, p.Close())

	q, err := Open(path, Options{PageSize: 512, CacheSize: 16})
	require.NoError(t, err)
	defer q.Close()
	got, err := q.Get(pg.Pgno)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Data[:5])
	assert.Equal(t, uint32(1), q.NumPages())
}

func TestRollbackRestores(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	copy(pg.Data, "original")
	require.NoError(t, p.Commit())

	require.NoError(t, p.BeginWrite())
	pg, err = p.Get(pg.Pgno)
	require.NoError(t, err)
	require.NoError(t, p.Write(pg))
	copy(pg.Data, "modified")
	require.NoError(t, p.Rollback())

	pg, err = p.Get(pg.Pgno)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), pg.Data[:8])
}

func TestRollbackShrinksFile(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.NoError(t, p.BeginWrite())
	_, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Commit())
	require.Equal(t, uint32(1), p.NumPages())

	require.NoError(t, p.BeginWrite())
	for i := 0; i < 3; i++ {
		_, err := p.Allocate()
		require.NoError(t, err)
	}
	require.Equal(t, uint32(4), p.NumPages())
	require.NoError(t, p.Rollback())
	assert.Equal(t, uint32(1), p.NumPages())
}

func TestSavepointRollback(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	copy(pg.Data, "aaaa")
	require.NoError(t, p.Commit())

	require.NoError(t, p.BeginWrite())
	sp := p.OpenSavepoint()
	pg, err = p.Get(pg.Pgno)
	require.NoError(t, err)
	require.NoError(t, p.Write(pg))
	copy(pg.Data, "bbbb")

	require.NoError(t, p.RollbackSavepoint(sp))
	pg, err = p.Get(pg.Pgno)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), pg.Data[:4])

	// The savepoint survives a rollback and can be used again.
	require.NoError(t, p.Write(pg))
	copy(pg.Data, "cccc")
	require.NoError(t, p.RollbackSavepoint(sp))
	pg, err = p.Get(pg.Pgno)
	require.NoError(t, err)
	assert.Equal(t, []byte("aaaa"), pg.Data[:4])
	require.NoError(t, p.Commit())
}

func TestSavepointRollbackDropsGrownPages(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.NoError(t, p.BeginWrite())
	_, err := p.Allocate()
	require.NoError(t, err)

	sp := p.OpenSavepoint()
	_, err = p.Allocate()
	require.NoError(t, err)
	require.Equal(t, uint32(2), p.NumPages())

	require.NoError(t, p.RollbackSavepoint(sp))
	assert.Equal(t, uint32(1), p.NumPages())
	require.NoError(t, p.Commit())
	assert.Equal(t, uint32(1), p.NumPages())
}

func TestReleaseSavepointKeepsChanges(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)

	sp := p.OpenSavepoint()
	require.NoError(t, p.Write(pg))
	copy(pg.Data, "kept")
	p.ReleaseSavepoint(sp)
	require.NoError(t, p.Commit())

	pg, err = p.Get(pg.Pgno)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), pg.Data[:4])
}

func TestBeginWriteBusy(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	require.NoError(t, p.BeginWrite())

	q, err := Open(path, Options{PageSize: 512, CacheSize: 16})
	require.NoError(t, err)
	defer q.Close()
	assert.ErrorIs(t, q.BeginWrite(), ErrBusy)

	require.NoError(t, p.Commit())
	assert.NoError(t, q.BeginWrite())
	require.NoError(t, q.Rollback())
}

func TestReadOnlyRefusesWrite(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	require.NoError(t, p.BeginWrite())
	_, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Commit())
	require.NoError(t, p.Close())

	q, err := Open(path, Options{PageSize: 512, CacheSize: 16, ReadOnly: true})
	require.NoError(t, err)
	defer q.Close()
	assert.ErrorIs(t, q.BeginWrite(), ErrReadOnly)
}

func TestOpenDuringLiveWrite(t *testing.T) {
	t.Parallel()

	p, path := setup(t)
	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	copy(pg.Data, "old!")
	require.NoError(t, p.Commit())

	// Leave a write transaction in flight with a journaled page. Its
	// journal is live, not hot: another connection must open without
	// replaying it.
	require.NoError(t, p.BeginWrite())
	pg, err = p.Get(pg.Pgno)
	require.NoError(t, err)
	require.NoError(t, p.Write(pg))
	copy(pg.Data, "new!")

	q, err := Open(path, Options{PageSize: 512, CacheSize: 16})
	require.NoError(t, err)
	defer q.Close()
	assert.False(t, q.Recovered())
	assert.ErrorIs(t, q.BeginWrite(), ErrBusy)

	require.NoError(t, p.Commit())
	got, err := q.Get(pg.Pgno)
	require.NoError(t, err)
	assert.Equal(t, []byte("new!"), got.Data[:4])
}

func TestHotJournalRecovery(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, Options{PageSize: 512, CacheSize: 16})
	require.NoError(t, err)
	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	copy(pg.Data, "good")
	require.NoError(t, p.Commit())
	require.NoError(t, p.Close())

	// Fake a crashed writer: journal the original image, then clobber
	// the page in the main file without retiring the journal.
	j, err := openJournal(path+"-journal", 512, 1)
	require.NoError(t, err)
	orig := make([]byte, 512)
	copy(orig, "good")
	require.NoError(t, j.record(1, orig))
	require.NoError(t, j.sync(SyncEveryCommit))
	require.NoError(t, j.close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("bad!"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	q, err := Open(path, Options{PageSize: 512, CacheSize: 16})
	require.NoError(t, err)
	defer q.Close()
	assert.True(t, q.Recovered())
	got, err := q.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), got.Data[:4])

	_, err = os.Stat(path + "-journal")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteOutsideTransaction(t *testing.T) {
	t.Parallel()

	p, _ := setup(t)
	require.NoError(t, p.BeginWrite())
	pg, err := p.Allocate()
	require.NoError(t, err)
	require.NoError(t, p.Commit())

	assert.ErrorIs(t, p.Write(pg), ErrNotInTransaction)
}
