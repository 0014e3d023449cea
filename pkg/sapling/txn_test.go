package sapling

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/telemetry"
)

func TestTxnBasics(t *testing.T) {
	db := newTestDB(t, Options{})

	txn, err := db.Begin(nil, 0)
	require.NoError(t, err)

	require.NoError(t, txn.Put([]byte("alpha"), []byte("1")))
	require.NoError(t, txn.Put([]byte("beta"), []byte("2")))
	require.NoError(t, txn.Put([]byte("alpha"), []byte("one")))
	assert.Equal(t, uint64(2), txn.Len())

	v, err := txn.Get([]byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))
	v[0] = 'X'
	again, err := txn.Get([]byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(again), "Get returns a copy")

	_, err = txn.Get([]byte("gamma"))
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	assert.ErrorIs(t, txn.Delete([]byte("gamma")), dberr.ErrNotFound)
	assert.ErrorIs(t, txn.Put(nil, []byte("v")), dberr.ErrInvalid)
	_, err = txn.Get(nil)
	assert.ErrorIs(t, err, dberr.ErrInvalid)

	require.NoError(t, txn.Delete([]byte("beta")))
	assert.Equal(t, uint64(1), txn.Len())
	require.NoError(t, txn.Commit())

	t.Run("finished transaction", func(t *testing.T) {
		assert.ErrorIs(t, txn.Put([]byte("k"), []byte("v")), dberr.ErrInvalid)
		_, err := txn.Get([]byte("alpha"))
		assert.ErrorIs(t, err, dberr.ErrInvalid)
		assert.ErrorIs(t, txn.Commit(), dberr.ErrInvalid)
		txn.Abort()
	})

	t.Run("read only", func(t *testing.T) {
		r, err := db.Begin(nil, ReadOnly)
		require.NoError(t, err)
		defer r.Abort()
		assert.True(t, r.ReadOnly())
		assert.ErrorIs(t, r.Put([]byte("k"), []byte("v")), dberr.ErrReadOnly)
		assert.ErrorIs(t, r.Delete([]byte("alpha")), dberr.ErrReadOnly)
		v, err := r.Get([]byte("alpha"))
		require.NoError(t, err)
		assert.Equal(t, "one", string(v))
	})

	t.Run("oversized entry", func(t *testing.T) {
		err := db.Update(func(txn *Txn) error {
			return txn.Put([]byte("big"), make([]byte, page.DefaultSize))
		})
		assert.ErrorIs(t, err, dberr.ErrFull)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := db.BeginContext(ctx, nil, 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSingleWriter(t *testing.T) {
	db := newTestDB(t, Options{})
	w1, err := db.Begin(nil, 0)
	require.NoError(t, err)

	_, err = db.Begin(nil, 0)
	assert.ErrorIs(t, err, dberr.ErrBusy)

	r, err := db.Begin(nil, ReadOnly)
	require.NoError(t, err, "readers are never blocked by the writer")
	r.Abort()

	require.NoError(t, w1.Commit())
	w2, err := db.Begin(nil, 0)
	require.NoError(t, err)
	w2.Abort()
}

func TestSnapshotIsolation(t *testing.T) {
	db := newTestDB(t, Options{})
	require.NoError(t, db.Update(func(txn *Txn) error { return txn.Put([]byte("k"), []byte("v1")) }))

	reader, err := db.Begin(nil, ReadOnly)
	require.NoError(t, err)
	defer reader.Abort()

	require.NoError(t, db.Update(func(txn *Txn) error {
		if err := txn.Put([]byte("k"), []byte("v2")); err != nil {
			return err
		}
		return txn.Put([]byte("new"), []byte("n"))
	}))

	v, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
	_, err = reader.Get([]byte("new"))
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	assert.Equal(t, uint64(1), reader.Len())

	require.NoError(t, db.View(func(txn *Txn) error {
		v, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v2", string(v))
		assert.Equal(t, uint64(2), txn.Len())
		return nil
	}))
}

func TestNestedTransactions(t *testing.T) {
	t.Run("child commit merges into parent", func(t *testing.T) {
		db := newTestDB(t, Options{})
		root, err := db.Begin(nil, 0)
		require.NoError(t, err)
		require.NoError(t, root.Put([]byte("a"), []byte("1")))

		child, err := db.Begin(root, 0)
		require.NoError(t, err)
		assert.ErrorIs(t, root.Put([]byte("x"), []byte("y")), dberr.ErrBusy)
		_, err = root.Get([]byte("a"))
		assert.ErrorIs(t, err, dberr.ErrBusy)
		assert.ErrorIs(t, root.Commit(), dberr.ErrBusy)

		v, err := child.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(v))
		require.NoError(t, child.Put([]byte("b"), []byte("2")))
		require.NoError(t, child.Put([]byte("a"), []byte("updated")))
		require.NoError(t, child.Commit())

		v, err = root.Get([]byte("b"))
		require.NoError(t, err)
		assert.Equal(t, "2", string(v))
		assert.Equal(t, uint64(2), root.Len())

		reader, err := db.Begin(nil, ReadOnly)
		require.NoError(t, err)
		_, err = reader.Get([]byte("b"))
		assert.ErrorIs(t, err, dberr.ErrNotFound, "nothing is visible before the root commits")
		reader.Abort()

		require.NoError(t, root.Commit())
		require.NoError(t, db.View(func(txn *Txn) error {
			v, err := txn.Get([]byte("a"))
			require.NoError(t, err)
			assert.Equal(t, "updated", string(v))
			return nil
		}))
	})

	t.Run("child abort discards its writes", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize})
		putRange(t, db, 0, 100, 1)

		root, err := db.Begin(nil, 0)
		require.NoError(t, err)
		require.NoError(t, root.Put([]byte("root-key"), []byte("r")))

		child, err := db.Begin(root, 0)
		require.NoError(t, err)
		for i := 100; i < 300; i++ {
			require.NoError(t, child.Put(key(i), []byte("child")))
		}
		require.NoError(t, child.Delete(key(5)))
		child.Abort()

		assert.ErrorIs(t, child.Put([]byte("late"), nil), dberr.ErrInvalid)
		_, err = root.Get(key(150))
		assert.ErrorIs(t, err, dberr.ErrNotFound)
		_, err = root.Get(key(5))
		assert.NoError(t, err)
		assert.Equal(t, uint64(101), root.Len())
		require.NoError(t, root.Commit())

		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean())
		assert.Greater(t, r.WalkLength, uint32(0), "child pages went back to the free list")

		var snap telemetry.Snapshot
		require.NoError(t, db.CorruptionStats(&snap))
		assert.Equal(t, telemetry.Snapshot{}, snap)
	})

	t.Run("deep nesting", func(t *testing.T) {
		db := newTestDB(t, Options{})
		root, err := db.Begin(nil, 0)
		require.NoError(t, err)

		txns := []*Txn{root}
		for depth := 1; depth <= 4; depth++ {
			c, err := db.Begin(txns[len(txns)-1], 0)
			require.NoError(t, err)
			require.NoError(t, c.Put([]byte("depth-"+strconv.Itoa(depth)), []byte("x")))
			txns = append(txns, c)
		}
		for i := len(txns) - 1; i >= 1; i-- {
			require.NoError(t, txns[i].Commit())
		}
		assert.Equal(t, uint64(4), root.Len())
		require.NoError(t, root.Commit())
		assert.Equal(t, uint64(4), db.Stat().Entries)
	})

	t.Run("invalid parents", func(t *testing.T) {
		db := newTestDB(t, Options{})
		reader, err := db.Begin(nil, ReadOnly)
		require.NoError(t, err)
		defer reader.Abort()
		_, err = db.Begin(reader, 0)
		assert.ErrorIs(t, err, dberr.ErrInvalid)

		root, err := db.Begin(nil, 0)
		require.NoError(t, err)
		_, err = db.Begin(root, ReadOnly)
		assert.ErrorIs(t, err, dberr.ErrInvalid)

		child, err := db.Begin(root, 0)
		require.NoError(t, err)
		_, err = db.Begin(root, 0)
		assert.ErrorIs(t, err, dberr.ErrBusy)

		root.Abort()
		assert.ErrorIs(t, child.Put([]byte("k"), nil), dberr.ErrInvalid, "aborting the parent aborts the child")
		_, err = db.Begin(root, 0)
		assert.ErrorIs(t, err, dberr.ErrInvalid)
	})
}

func TestAbortReturnsPages(t *testing.T) {
	db := newTestDB(t, Options{PageSize: page.MinSize})
	putRange(t, db, 0, 50, 1)
	before := db.Stat()

	txn, err := db.Begin(nil, 0)
	require.NoError(t, err)
	for i := 50; i < 1000; i++ {
		require.NoError(t, txn.Put(key(i), []byte("provisional")))
	}
	for i := 0; i < 50; i += 2 {
		require.NoError(t, txn.Delete(key(i)))
	}
	txn.Abort()

	after := db.Stat()
	assert.Equal(t, before.Entries, after.Entries)
	assert.Equal(t, before.Generation, after.Generation)
	assert.Greater(t, after.Pages, before.Pages)

	var r freelist.Report
	require.NoError(t, db.FreelistCheck(&r))
	assert.True(t, r.Clean())
	assert.Equal(t, after.Pages-before.Pages, r.WalkLength, "every extension page is free again")

	putRange(t, db, 50, 500, 1)
	assert.Equal(t, after.Pages, db.Stat().Pages, "freed pages are reused before the space grows")

	var snap telemetry.Snapshot
	require.NoError(t, db.CorruptionStats(&snap))
	assert.Equal(t, telemetry.Snapshot{}, snap)
}

func TestScan(t *testing.T) {
	db := newTestDB(t, Options{PageSize: page.MinSize})
	require.NoError(t, db.Update(func(txn *Txn) error {
		for _, tbl := range []string{"users", "orders"} {
			for i := 0; i < 40; i++ {
				if err := txn.Put([]byte(fmt.Sprintf("%s\x00%03d", tbl, i)), []byte(tbl)); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(txn *Txn) error {
		var keys []string
		err := txn.Scan([]byte("users\x00"), func(k, v []byte) bool {
			keys = append(keys, string(k))
			assert.Equal(t, "users", string(v))
			return true
		})
		require.NoError(t, err)
		assert.Len(t, keys, 40)
		assert.Equal(t, "users\x00000", keys[0])
		return nil
	}))
}

func TestOutOfPages(t *testing.T) {
	t.Run("abort returns every page", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize, MaxPages: 8})
		txn, err := db.Begin(nil, 0)
		require.NoError(t, err)

		var putErr error
		for i := 0; i < 1000 && putErr == nil; i++ {
			putErr = txn.Put(key(i), []byte("fill the address space"))
		}
		assert.ErrorIs(t, putErr, dberr.ErrOOM)
		txn.Abort()

		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean())
		assert.Equal(t, uint32(6), r.WalkLength)
	})

	t.Run("commit after a failed split keeps committed pages", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize, MaxPages: 4})

		// one committed leaf, copied back and forth between pages 2 and 3
		// until the split needs a page the table cannot provide
		var (
			txn       *Txn
			committed int
			putErr    error
		)
		for i := 0; i < 1000; i++ {
			var err error
			txn, err = db.Begin(nil, 0)
			require.NoError(t, err)
			if putErr = txn.Put(key(i), []byte(fmt.Sprintf("value-%d", i))); putErr != nil {
				break
			}
			require.NoError(t, txn.Commit())
			committed++
		}
		require.ErrorIs(t, putErr, dberr.ErrOOM)
		require.Positive(t, committed)

		_, err := txn.Get(key(0))
		assert.ErrorIs(t, err, dberr.ErrOOM, "a failed write leaves the txn abort-only")
		assert.ErrorIs(t, txn.Put(key(0), []byte("x")), dberr.ErrOOM)

		err = txn.Commit()
		assert.ErrorIs(t, err, dberr.ErrOOM)
		assert.False(t, db.Stat().WriterActive, "commit released the writer")
		assert.ErrorIs(t, txn.Commit(), dberr.ErrInvalid)

		st := db.Stat()
		assert.Equal(t, uint64(committed), st.Entries)
		var r freelist.Report
		require.NoError(t, db.FreelistCheck(&r))
		assert.True(t, r.Clean())
		assert.Equal(t, uint32(1), r.WalkLength)

		require.NoError(t, db.View(func(txn *Txn) error {
			for i := 0; i < committed; i++ {
				v, err := txn.Get(key(i))
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("value-%d", i), string(v))
			}
			return nil
		}))
		require.NoError(t, db.Update(func(txn *Txn) error {
			return txn.Put(key(0), []byte("again"))
		}))
		require.NoError(t, db.View(func(txn *Txn) error {
			v, err := txn.Get(key(0))
			require.NoError(t, err)
			assert.Equal(t, "again", string(v))
			return nil
		}))
	})

	t.Run("failure before any page is touched keeps the txn usable", func(t *testing.T) {
		db := newTestDB(t, Options{PageSize: page.MinSize, MaxPages: 2})
		txn, err := db.Begin(nil, 0)
		require.NoError(t, err)
		assert.ErrorIs(t, txn.Put(key(0), []byte("v")), dberr.ErrOOM)
		assert.ErrorIs(t, txn.Delete(key(0)), dberr.ErrNotFound)
		require.NoError(t, txn.Commit())
	})
}

func TestConditionalPut(t *testing.T) {
	db := newTestDB(t, Options{})
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put([]byte("k"), []byte("v1"))
	}))

	txn, err := db.Begin(nil, 0)
	require.NoError(t, err)
	defer txn.Abort()

	t.Run("no overwrite", func(t *testing.T) {
		err := txn.PutFlags([]byte("k"), []byte("v2"), NoOverwrite)
		assert.ErrorIs(t, err, dberr.ErrExists)
		assert.Equal(t, dberr.Exists, dberr.CodeOf(err))

		require.NoError(t, txn.PutFlags([]byte("fresh"), []byte("x"), NoOverwrite))
		require.NoError(t, txn.PutFlags([]byte("k"), []byte("v2"), 0))
	})

	t.Run("compare and swap", func(t *testing.T) {
		err := txn.PutIf([]byte("k"), []byte("v3"), []byte("v1"))
		assert.ErrorIs(t, err, dberr.ErrConflict)
		require.NoError(t, txn.PutIf([]byte("k"), []byte("v3"), []byte("v2")))
		assert.ErrorIs(t, txn.PutIf([]byte("missing"), []byte("x"), nil), dberr.ErrNotFound)
		assert.ErrorIs(t, txn.PutIf(nil, []byte("x"), nil), dberr.ErrInvalid)

		require.NoError(t, txn.Put([]byte("empty"), nil))
		require.NoError(t, txn.PutIf([]byte("empty"), []byte("filled"), nil), "nil matches an empty value")
	})

	require.NoError(t, txn.Commit())
	require.NoError(t, db.View(func(r *Txn) error {
		assert.Equal(t, uint64(3), r.Len())
		v, err := r.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "v3", string(v))

		assert.ErrorIs(t, r.PutFlags([]byte("k"), []byte("v"), NoOverwrite), dberr.ErrReadOnly)
		assert.ErrorIs(t, r.PutIf([]byte("k"), []byte("v"), []byte("v3")), dberr.ErrReadOnly)
		return nil
	}))
}

func TestTxnCursor(t *testing.T) {
	db := newTestDB(t, Options{PageSize: page.MinSize})
	putRange(t, db, 0, 200, 1)

	require.NoError(t, db.View(func(txn *Txn) error {
		c, err := txn.Cursor()
		require.NoError(t, err)
		n := 0
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			assert.Equal(t, string(key(n)), string(k))
			n++
		}
		require.NoError(t, c.Err())
		assert.Equal(t, 200, n)

		k, v := c.Seek(key(150))
		assert.Equal(t, string(key(150)), string(k))
		assert.Equal(t, "value-150", string(v))
		k, _ = c.Last()
		assert.Equal(t, string(key(199)), string(k))
		k, _ = c.Prev()
		assert.Equal(t, string(key(198)), string(k))
		return nil
	}))

	t.Run("a write invalidates open cursors", func(t *testing.T) {
		txn, err := db.Begin(nil, 0)
		require.NoError(t, err)
		defer txn.Abort()

		c, err := txn.Cursor()
		require.NoError(t, err)
		k, _ := c.First()
		assert.Equal(t, string(key(0)), string(k))

		require.NoError(t, txn.Put(key(500), []byte("late")))
		k, _ = c.Next()
		assert.Nil(t, k)
		assert.ErrorIs(t, c.Err(), dberr.ErrInvalid)

		fresh, err := txn.Cursor()
		require.NoError(t, err)
		k, _ = fresh.Last()
		assert.Equal(t, string(key(500)), string(k))
	})

	t.Run("finished transaction", func(t *testing.T) {
		txn, err := db.Begin(nil, ReadOnly)
		require.NoError(t, err)
		c, err := txn.Cursor()
		require.NoError(t, err)
		txn.Abort()

		_, err = txn.Cursor()
		assert.ErrorIs(t, err, dberr.ErrInvalid)
		k, _ := c.First()
		assert.Nil(t, k)
		assert.ErrorIs(t, c.Err(), dberr.ErrInvalid)
	})
}

func TestConcurrentReaders(t *testing.T) {
	db := newTestDB(t, Options{PageSize: page.MinSize})
	putRange(t, db, 0, 100, 1)

	const commits = 50
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				txn, err := db.Begin(nil, ReadOnly)
				if !assert.NoError(t, err) {
					return
				}
				var n uint64
				err = txn.Scan(nil, func(_, _ []byte) bool {
					n++
					return true
				})
				assert.NoError(t, err)
				assert.Equal(t, txn.Len(), n, "scan matches the snapshot entry count")
				txn.Abort()
			}
		}()
	}

	for i := 0; i < commits; i++ {
		require.NoError(t, db.Update(func(txn *Txn) error {
			if err := txn.Put(key(100+i), []byte("new")); err != nil {
				return err
			}
			return txn.Delete(key(i))
		}))
	}
	close(stop)
	wg.Wait()

	var r freelist.Report
	require.NoError(t, db.FreelistCheck(&r))
	assert.True(t, r.Clean())
	var snap telemetry.Snapshot
	require.NoError(t, db.CorruptionStats(&snap))
	assert.Equal(t, telemetry.Snapshot{}, snap)
}
