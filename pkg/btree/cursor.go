package btree

import (
	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/page"
)

// Cursor walks the entries of one tree version in key order. Returned keys
// and values alias page memory. A nil key means the cursor ran off either
// end or hit a damaged page, in which case Err is set.
type Cursor struct {
	r     Reader
	root  uint32
	stack []frame
	err   error
}

type frame struct {
	p   []byte
	idx int
}

// NewCursor opens a cursor on the tree rooted at root
func NewCursor(r Reader, root uint32) *Cursor {
	return &Cursor{r: r, root: root, stack: make([]frame, 0, 8)}
}

// Err returns the error that stopped the cursor, if any
func (c *Cursor) Err() error { return c.err }

// First moves to the smallest key
func (c *Cursor) First() (key, val []byte) {
	if !c.reset() || !c.descend(c.root, false) {
		return nil, nil
	}
	return c.settle(true)
}

// Last moves to the largest key
func (c *Cursor) Last() (key, val []byte) {
	if !c.reset() || !c.descend(c.root, true) {
		return nil, nil
	}
	return c.settle(false)
}

// Seek moves to the first key >= key
func (c *Cursor) Seek(key []byte) ([]byte, []byte) {
	if !c.reset() {
		return nil, nil
	}
	pgno := c.root
	for {
		if len(c.stack) >= maxDepth {
			return c.fail(dberr.New(dberr.Corrupt, "tree deeper than %d", maxDepth))
		}
		p, err := resolve(c.r, pgno)
		if err != nil {
			return c.fail(err)
		}
		switch page.Type(p) {
		case page.TypeLeaf:
			if err := validateLeaf(p); err != nil {
				return c.fail(err)
			}
			pos, _ := leafSearch(p, key)
			c.stack = append(c.stack, frame{p: p, idx: pos})
			return c.settle(true)
		case page.TypeInternal:
			if err := validateInternal(p); err != nil {
				return c.fail(err)
			}
			idx := childIndex(p, key)
			c.stack = append(c.stack, frame{p: p, idx: idx})
			pgno = child(p, idx)
		default:
			return c.fail(dberr.New(dberr.Corrupt, "page %d: unexpected type %d", pgno, page.Type(p)))
		}
	}
}

// Next moves to the following key
func (c *Cursor) Next() (key, val []byte) {
	if len(c.stack) == 0 {
		return nil, nil
	}
	c.stack[len(c.stack)-1].idx++
	return c.settle(true)
}

// Prev moves to the preceding key
func (c *Cursor) Prev() (key, val []byte) {
	if len(c.stack) == 0 {
		return nil, nil
	}
	c.stack[len(c.stack)-1].idx--
	return c.settle(false)
}

func (c *Cursor) reset() bool {
	c.stack = c.stack[:0]
	c.err = nil
	return c.root != page.Invalid
}

func (c *Cursor) fail(err error) ([]byte, []byte) {
	c.err = err
	c.stack = c.stack[:0]
	return nil, nil
}

// descend pushes the leftmost or rightmost path below pgno
func (c *Cursor) descend(pgno uint32, last bool) bool {
	for {
		if len(c.stack) >= maxDepth {
			c.fail(dberr.New(dberr.Corrupt, "tree deeper than %d", maxDepth))
			return false
		}
		p, err := resolve(c.r, pgno)
		if err != nil {
			c.fail(err)
			return false
		}
		switch page.Type(p) {
		case page.TypeLeaf:
			if err := validateLeaf(p); err != nil {
				c.fail(err)
				return false
			}
			idx := 0
			if last {
				idx = page.Num(p) - 1
			}
			c.stack = append(c.stack, frame{p: p, idx: idx})
			return true
		case page.TypeInternal:
			if err := validateInternal(p); err != nil {
				c.fail(err)
				return false
			}
			idx := 0
			if last {
				idx = page.Num(p)
			}
			c.stack = append(c.stack, frame{p: p, idx: idx})
			pgno = child(p, idx)
		default:
			c.fail(dberr.New(dberr.Corrupt, "page %d: unexpected type %d", pgno, page.Type(p)))
			return false
		}
	}
}

// settle returns the entry under the leaf frame, climbing to the next
// sibling subtree in the direction of travel while the leaf is exhausted
func (c *Cursor) settle(forward bool) ([]byte, []byte) {
	for {
		top := c.stack[len(c.stack)-1]
		if top.idx >= 0 && top.idx < page.Num(top.p) {
			return leafKey(top.p, top.idx), leafVal(top.p, top.idx)
		}
		c.stack = c.stack[:len(c.stack)-1]
		for len(c.stack) > 0 {
			f := &c.stack[len(c.stack)-1]
			if forward {
				f.idx++
			} else {
				f.idx--
			}
			if f.idx >= 0 && f.idx <= page.Num(f.p) {
				break
			}
			c.stack = c.stack[:len(c.stack)-1]
		}
		if len(c.stack) == 0 {
			return nil, nil
		}
		f := c.stack[len(c.stack)-1]
		if !c.descend(child(f.p, f.idx), !forward) {
			return nil, nil
		}
	}
}
