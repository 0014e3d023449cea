package freelist

import (
	"testing"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T, n int) *page.Table {
	t.Helper()
	tbl, err := page.NewTable(page.MinSize, 0, nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, _, err := tbl.Extend()
		require.NoError(t, err)
	}
	return tbl
}

func TestManagerFreeAllocate(t *testing.T) {
	tbl := newTable(t, 8)
	stats := telemetry.NewStats(nil)
	m := New(tbl, page.Invalid, stats)

	_, ok := m.Allocate()
	assert.False(t, ok, "empty list")

	require.NoError(t, m.Free(3))
	require.NoError(t, m.Free(5))
	require.NoError(t, m.Free(6))
	assert.Equal(t, uint32(6), m.Head())

	r := m.Check()
	assert.Equal(t, uint32(3), r.WalkLength)
	assert.True(t, r.Clean())

	for _, want := range []uint32{6, 5, 3} {
		got, ok := m.Allocate()
		require.True(t, ok)
		assert.Equal(t, want, got)
		assert.Equal(t, make([]byte, page.MinSize), tbl.Page(got), "popped page is zeroed")
	}
	_, ok = m.Allocate()
	assert.False(t, ok)
	assert.Equal(t, telemetry.Snapshot{}, stats.Snapshot())
}

func TestManagerFreeRejectsBadPage(t *testing.T) {
	tbl := newTable(t, 2)
	m := New(tbl, page.Invalid, nil)
	assert.ErrorIs(t, m.Free(page.Invalid), dberr.ErrRange)
	assert.ErrorIs(t, m.Free(10), dberr.ErrRange)
	assert.Equal(t, page.Invalid, m.Head())
}

func TestManagerCorruption(t *testing.T) {
	t.Run("head out of bounds is reset", func(t *testing.T) {
		tbl := newTable(t, 4)
		stats := telemetry.NewStats(nil)
		m := New(tbl, 1_000_000, stats)

		_, ok := m.Allocate()
		assert.False(t, ok)
		assert.Equal(t, page.Invalid, m.Head())
		assert.Equal(t, uint64(1), stats.Load(telemetry.FreeListHeadReset))
	})

	t.Run("head with null backing is reset", func(t *testing.T) {
		tbl := newTable(t, 4)
		stats := telemetry.NewStats(nil)
		m := New(tbl, 10, stats)

		_, ok := m.Allocate()
		assert.False(t, ok)
		assert.Equal(t, uint64(1), stats.Load(telemetry.FreeListHeadReset))
	})

	t.Run("bad next pointer is dropped", func(t *testing.T) {
		tbl := newTable(t, 4)
		stats := telemetry.NewStats(nil)
		m := New(tbl, page.Invalid, stats)
		require.NoError(t, m.Free(2))
		page.SetNext(tbl.Page(2), 0xDEAD)

		got, ok := m.Allocate()
		require.True(t, ok)
		assert.Equal(t, uint32(2), got)
		assert.Equal(t, page.Invalid, m.Head())
		assert.Equal(t, uint64(1), stats.Load(telemetry.FreeListNextDropped))
	})

	t.Run("self loop is dropped", func(t *testing.T) {
		tbl := newTable(t, 4)
		stats := telemetry.NewStats(nil)
		m := New(tbl, page.Invalid, stats)
		require.NoError(t, m.Free(1))
		page.SetNext(tbl.Page(1), 1)

		got, ok := m.Allocate()
		require.True(t, ok)
		assert.Equal(t, uint32(1), got)
		assert.Equal(t, page.Invalid, m.Head())
		assert.Equal(t, uint64(1), stats.Load(telemetry.FreeListNextDropped))
	})

	t.Run("two page cycle is dropped", func(t *testing.T) {
		tbl := newTable(t, 4)
		stats := telemetry.NewStats(nil)
		m := New(tbl, page.Invalid, stats)
		require.NoError(t, m.Free(1))
		require.NoError(t, m.Free(2))
		page.SetNext(tbl.Page(1), 2)

		got, ok := m.Allocate()
		require.True(t, ok)
		assert.Equal(t, uint32(2), got)
		got, ok = m.Allocate()
		require.True(t, ok)
		assert.Equal(t, uint32(1), got)
		assert.Equal(t, page.Invalid, m.Head(), "page 2 is in use and not handed out again")
		assert.Equal(t, uint64(1), stats.Load(telemetry.FreeListNextDropped))

		_, ok = m.Allocate()
		assert.False(t, ok)
	})

	t.Run("page freed again may be reused", func(t *testing.T) {
		tbl := newTable(t, 4)
		stats := telemetry.NewStats(nil)
		m := New(tbl, page.Invalid, stats)
		require.NoError(t, m.Free(1))
		got, ok := m.Allocate()
		require.True(t, ok)
		require.NoError(t, m.Free(2))
		require.NoError(t, m.Free(got))

		for _, want := range []uint32{1, 2} {
			got, ok := m.Allocate()
			require.True(t, ok)
			assert.Equal(t, want, got)
		}
		assert.Equal(t, telemetry.Snapshot{}, stats.Snapshot())
	})

	t.Run("forks remember pages handed out before them", func(t *testing.T) {
		tbl := newTable(t, 4)
		stats := telemetry.NewStats(nil)
		m := New(tbl, page.Invalid, stats)
		require.NoError(t, m.Free(1))
		require.NoError(t, m.Free(2))
		got, ok := m.Allocate()
		require.True(t, ok)
		require.Equal(t, uint32(2), got)

		f := m.Fork()
		page.SetNext(tbl.Page(1), 2)
		got, ok = f.Allocate()
		require.True(t, ok)
		assert.Equal(t, uint32(1), got)
		assert.Equal(t, page.Invalid, f.Head())
		assert.Equal(t, uint64(1), stats.Load(telemetry.FreeListNextDropped))

		m.Adopt(f)
		assert.Equal(t, page.Invalid, m.Head())
		require.NoError(t, m.Free(3))
		page.SetNext(tbl.Page(3), 1)
		got, ok = m.Allocate()
		require.True(t, ok)
		assert.Equal(t, uint32(3), got)
		assert.Equal(t, page.Invalid, m.Head(), "adopted history covers the fork's pages")
		assert.Equal(t, uint64(2), stats.Load(telemetry.FreeListNextDropped))
	})

	t.Run("check reports a cycle without modifying it", func(t *testing.T) {
		tbl := newTable(t, 4)
		m := New(tbl, page.Invalid, nil)
		require.NoError(t, m.Free(1))
		require.NoError(t, m.Free(2))
		page.SetNext(tbl.Page(1), 2)

		r := m.Check()
		assert.Equal(t, uint32(1), r.CycleDetected)
		assert.Equal(t, uint32(2), m.Head())
		assert.Equal(t, uint32(2), page.Next(tbl.Page(1)))
	})
}
