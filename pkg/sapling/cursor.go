package sapling

import (
	"github.com/ssargent/sapling/pkg/btree"
	"github.com/ssargent/sapling/pkg/dberr"
)

// Cursor iterates a transaction's view in key order. Keys and values are
// only valid until the next cursor call. Any write through the transaction
// invalidates the cursor; its methods then return nil and Err reports why.
type Cursor struct {
	t    *Txn
	c    *btree.Cursor
	mark int
	err  error
}

// Cursor opens a cursor over the keys visible to the transaction
func (t *Txn) Cursor() (*Cursor, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	return &Cursor{t: t, c: btree.NewCursor(t.pages, t.root), mark: t.touched}, nil
}

func (c *Cursor) live() bool {
	if err := c.t.usable(); err != nil {
		c.err = err
		return false
	}
	if c.t.touched != c.mark {
		c.err = dberr.New(dberr.Invalid, "cursor invalidated by a write")
		return false
	}
	return true
}

// First moves to the smallest key
func (c *Cursor) First() ([]byte, []byte) {
	if !c.live() {
		return nil, nil
	}
	return c.c.First()
}

// Last moves to the largest key
func (c *Cursor) Last() ([]byte, []byte) {
	if !c.live() {
		return nil, nil
	}
	return c.c.Last()
}

// Seek moves to the first key >= key
func (c *Cursor) Seek(key []byte) ([]byte, []byte) {
	if !c.live() {
		return nil, nil
	}
	return c.c.Seek(key)
}

func (c *Cursor) Next() ([]byte, []byte) {
	if !c.live() {
		return nil, nil
	}
	return c.c.Next()
}

func (c *Cursor) Prev() ([]byte, []byte) {
	if !c.live() {
		return nil, nil
	}
	return c.c.Prev()
}

// Err returns the error that stopped the cursor
func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.c.Err()
}
