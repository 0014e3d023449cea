package sapling

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/sapling/pkg/codec"
	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/page"
)

func checkpoint(t *testing.T, db *DB) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, db.Checkpoint(&buf))
	return buf.Bytes()
}

func TestCheckpointRestore(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		src := newTestDB(t, Options{PageSize: page.MinSize})
		putRange(t, src, 0, 300, 1)
		deleteRange(t, src, 0, 300, 3)
		image := checkpoint(t, src)

		dst := newTestDB(t, Options{PageSize: page.MinSize})
		putRange(t, dst, 0, 5, 1)
		require.NoError(t, dst.Restore(bytes.NewReader(image)))

		want, got := src.Stat(), dst.Stat()
		assert.Equal(t, want.Generation, got.Generation)
		assert.Equal(t, want.Entries, got.Entries)
		assert.Equal(t, want.Pages, got.Pages)
		assert.Equal(t, want.FreeHead, got.FreeHead)

		require.NoError(t, dst.View(func(txn *Txn) error {
			_, err := txn.Get(key(0))
			assert.ErrorIs(t, err, dberr.ErrNotFound)
			v, err := txn.Get(key(1))
			require.NoError(t, err)
			assert.Equal(t, "value-1", string(v))
			return nil
		}))

		var r freelist.Report
		require.NoError(t, dst.FreelistCheck(&r))
		assert.True(t, r.Clean())

		putRange(t, dst, 300, 400, 1)
		assert.Equal(t, want.Entries+100, dst.Stat().Entries)
	})

	t.Run("deferred pages become free after restore", func(t *testing.T) {
		src := newTestDB(t, Options{PageSize: page.MinSize})
		putRange(t, src, 0, 100, 1)
		reader, err := src.Begin(nil, ReadOnly)
		require.NoError(t, err)
		defer reader.Abort()
		deleteRange(t, src, 0, 100, 1)

		var pending uint32
		require.NoError(t, src.DeferredCount(&pending))
		require.Greater(t, pending, uint32(0))
		image := checkpoint(t, src)

		dst := newTestDB(t, Options{PageSize: page.MinSize})
		require.NoError(t, dst.Restore(bytes.NewReader(image)))

		var count uint32
		require.NoError(t, dst.DeferredCount(&count))
		assert.Equal(t, uint32(0), count)

		var r freelist.Report
		require.NoError(t, dst.FreelistCheck(&r))
		assert.True(t, r.Clean())
		assert.Equal(t, dst.Stat().Pages-metaPages, r.WalkLength, "empty tree, every page free")
	})

	t.Run("restore adopts the image page size", func(t *testing.T) {
		src := newTestDB(t, Options{PageSize: 512})
		putRange(t, src, 0, 10, 1)
		dst := newTestDB(t, Options{})
		require.NoError(t, dst.Restore(bytes.NewReader(checkpoint(t, src))))
		assert.Equal(t, 512, dst.Stat().PageSize)
	})

	t.Run("busy", func(t *testing.T) {
		db := newTestDB(t, Options{})
		putRange(t, db, 0, 10, 1)
		image := checkpoint(t, db)

		w, err := db.Begin(nil, 0)
		require.NoError(t, err)
		assert.ErrorIs(t, db.Checkpoint(&bytes.Buffer{}), dberr.ErrBusy)
		assert.ErrorIs(t, db.Restore(bytes.NewReader(image)), dberr.ErrBusy)
		w.Abort()

		r, err := db.Begin(nil, ReadOnly)
		require.NoError(t, err)
		assert.NoError(t, db.Checkpoint(&bytes.Buffer{}), "readers do not block a checkpoint")
		assert.ErrorIs(t, db.Restore(bytes.NewReader(image)), dberr.ErrBusy)
		r.Abort()
	})

	t.Run("damaged images leave the database untouched", func(t *testing.T) {
		src := newTestDB(t, Options{PageSize: page.MinSize})
		putRange(t, src, 0, 50, 1)
		image := checkpoint(t, src)

		// header frame, then the first page frame header
		payload := 2*codec.HeaderSize + 12
		flipped := bytes.Clone(image)
		flipped[payload+20] ^= 0x40

		cases := []struct {
			name  string
			image []byte
			want  error
		}{
			{"flipped byte", flipped, dberr.ErrCorrupt},
			{"truncated", image[:len(image)-7], dberr.ErrParse},
			{"missing trailer", image[:len(image)-17], dberr.ErrParse},
			{"empty", nil, dberr.ErrParse},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				dst := newTestDB(t, Options{PageSize: page.MinSize})
				putRange(t, dst, 0, 3, 1)
				before := dst.Stat()

				err := dst.Restore(bytes.NewReader(tc.image))
				assert.ErrorIs(t, err, tc.want)
				assert.Equal(t, before, dst.Stat())
				require.NoError(t, dst.View(func(txn *Txn) error {
					_, err := txn.Get(key(2))
					return err
				}))
			})
		}
	})

	t.Run("nil arguments", func(t *testing.T) {
		db := newTestDB(t, Options{})
		assert.ErrorIs(t, db.Checkpoint(nil), dberr.ErrInvalid)
		assert.ErrorIs(t, db.Restore(nil), dberr.ErrInvalid)
	})
}
