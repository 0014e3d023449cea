package sapling

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/pager"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// corruptFreeHead points the committed free list at pgno
func corruptFreeHead(db *DB, pgno uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.alloc = pager.New(db.pages, pgno, db.readers, db.stats)
}

func stats(t *testing.T, db *DB) telemetry.Snapshot {
	t.Helper()
	var snap telemetry.Snapshot
	require.NoError(t, db.CorruptionStats(&snap))
	return snap
}

// freeSomePages leaves a non-empty committed free list behind
func freeSomePages(t *testing.T, db *DB) {
	t.Helper()
	putRange(t, db, 0, 200, 1)
	deleteRange(t, db, 0, 200, 2)
	require.NotEqual(t, page.Invalid, db.Stat().FreeHead)
}

func TestDataCorruptionScenarios(t *testing.T) {
	t.Run("free list head out of bounds", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		putRange(t, db, 0, 10, 1)
		corruptFreeHead(db, 1_000_000)

		putRange(t, db, 10, 20, 1)
		assert.Equal(t, uint64(1), stats(t, db).FreeListHeadReset)

		require.NoError(t, db.View(func(txn *Txn) error {
			assert.Equal(t, uint64(20), txn.Len())
			_, err := txn.Get(key(15))
			return err
		}))
		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean())
	})

	t.Run("free list head without backing", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		corruptFreeHead(db, db.pages.Len()+1)

		putRange(t, db, 0, 5, 1)
		assert.Equal(t, uint64(1), stats(t, db).FreeListHeadReset)
	})

	t.Run("free list next pointer dropped", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		freeSomePages(t, db)
		head := db.Stat().FreeHead
		page.SetNext(db.pages.Page(head), 0xDEADBEEF)

		require.NoError(t, db.Update(func(txn *Txn) error { return txn.Put(key(1), []byte("back")) }))
		assert.Equal(t, uint64(1), stats(t, db).FreeListNextDropped)
		assert.Equal(t, uint64(0), stats(t, db).FreeListHeadReset)

		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean())
	})

	t.Run("free list check reports without repairing", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		freeSomePages(t, db)
		head := db.Stat().FreeHead
		page.SetNext(db.pages.Page(head), head)

		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.Equal(t, uint32(1), r.CycleDetected)
		assert.Equal(t, head, page.Next(db.pages.Page(head)))
		assert.Equal(t, telemetry.Snapshot{}, stats(t, db))
	})

	t.Run("leaf header corrupted before insert", func(t *testing.T) {
		db := newTestDB(t, Options{})
		putRange(t, db, 0, 3, 1)
		leaf := db.pages.Page(db.root)
		page.SetNum(leaf, 4000)
		before := bytes.Clone(leaf)
		pagesBefore := db.Stat().Pages

		txn, err := db.Begin(nil, 0)
		require.NoError(t, err)
		assert.ErrorIs(t, txn.Put([]byte("new"), []byte("v")), dberr.ErrCorrupt)
		txn.Abort()

		assert.Equal(t, uint64(1), stats(t, db).LeafInsertBoundsReject)
		assert.Equal(t, before, db.pages.Page(db.root), "rejected leaf is unmodified")
		assert.Equal(t, pagesBefore, db.Stat().Pages)

		err = db.View(func(txn *Txn) error {
			_, err := txn.Get(key(1))
			return err
		})
		assert.ErrorIs(t, err, dberr.ErrCorrupt)
	})

	t.Run("abort walk hits the loop limit", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		txn, err := db.Begin(nil, 0)
		require.NoError(t, err)
		for i := 0; i < 300; i++ {
			require.NoError(t, txn.Put(key(i), []byte("v")))
		}
		for i := 0; i < 300; i++ {
			require.NoError(t, txn.Delete(key(i)))
		}
		head := txn.scope.FreeHead()
		require.NotEqual(t, page.Invalid, head)
		page.SetNext(db.pages.Page(head), head)

		txn.Abort()
		snap := stats(t, db)
		assert.Equal(t, uint64(1), snap.AbortLoopLimitHit)
		assert.Equal(t, uint64(0), snap.AbortBoundsBreak)

		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean(), "cycle was severed")
		putRange(t, db, 0, 50, 1)
	})

	t.Run("abort walk breaks on an out of range link", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		txn, err := db.Begin(nil, 0)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			require.NoError(t, txn.Put(key(i), []byte("v")))
		}
		for i := 0; i < 100; i++ {
			require.NoError(t, txn.Delete(key(i)))
		}
		head := txn.scope.FreeHead()
		page.SetNext(db.pages.Page(head), 0xFFFF0000)

		txn.Abort()
		snap := stats(t, db)
		assert.Equal(t, uint64(1), snap.AbortBoundsBreak)
		assert.Equal(t, uint64(0), snap.AbortLoopLimitHit)

		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean())
	})

	t.Run("child abort with a corrupted chain", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		root, err := db.Begin(nil, 0)
		require.NoError(t, err)
		child, err := db.Begin(root, 0)
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			require.NoError(t, child.Put(key(i), []byte("v")))
		}
		for i := 0; i < 100; i++ {
			require.NoError(t, child.Delete(key(i)))
		}
		head := child.scope.FreeHead()
		page.SetNext(db.pages.Page(head), head)
		child.Abort()

		assert.Equal(t, uint64(1), stats(t, db).AbortLoopLimitHit)
		require.NoError(t, root.Put([]byte("after"), []byte("ok")))
		require.NoError(t, root.Commit())

		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean())
	})
}
