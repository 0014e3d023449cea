// Package btree implements a copy-on-write B+tree over slotted pages. The
// package holds no state of its own: callers pass the root and a Reader or
// Writer that resolves, allocates and copies pages for them.
package btree

import (
	"bytes"
	"fmt"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/page"
	"github.com/ssargent/sapling/pkg/telemetry"
)

// maxDepth bounds descent through a corrupted tree
const maxDepth = 64

// Reader resolves committed or provisional pages
type Reader interface {
	Resolve(pgno uint32) ([]byte, page.Fault)
	PageSize() int
}

// Writer adds the allocation hooks a write transaction provides
type Writer interface {
	Reader
	// Alloc returns a fresh zeroed page owned by the writer
	Alloc() (uint32, []byte, error)
	// Writable returns a page the writer may modify: pgno itself when the
	// writer already owns it, otherwise a copy under a new number
	Writable(pgno uint32) (uint32, []byte, error)
	// Free drops pgno from the tree
	Free(pgno uint32) error
	Record(c telemetry.Counter, pgno uint32, detail string)
}

// MaxEntry returns the largest key plus value accepted for pageSize
func MaxEntry(pageSize int) int {
	return (pageSize-leafHdr)/4 - slotSize - leafCellHdr
}

func resolve(r Reader, pgno uint32) ([]byte, error) {
	p, fault := r.Resolve(pgno)
	if fault != page.FaultNone {
		return nil, dberr.New(dberr.Corrupt, "page %d: %s", pgno, fault)
	}
	return p, nil
}

// Get returns the value stored under key. The slice aliases page memory.
func Get(r Reader, root uint32, key []byte) ([]byte, error) {
	if root == page.Invalid {
		return nil, dberr.ErrNotFound
	}
	pgno := root
	for depth := 0; depth < maxDepth; depth++ {
		p, err := resolve(r, pgno)
		if err != nil {
			return nil, err
		}
		switch page.Type(p) {
		case page.TypeInternal:
			if err := validateInternal(p); err != nil {
				return nil, err
			}
			pgno = child(p, childIndex(p, key))
		case page.TypeLeaf:
			if err := validateLeaf(p); err != nil {
				return nil, err
			}
			pos, found := leafSearch(p, key)
			if !found {
				return nil, dberr.ErrNotFound
			}
			return leafVal(p, pos), nil
		default:
			return nil, dberr.New(dberr.Corrupt, "page %d: unexpected type %d", pgno, page.Type(p))
		}
	}
	return nil, dberr.New(dberr.Corrupt, "tree deeper than %d", maxDepth)
}

// Scan calls fn for every key starting with prefix in ascending order until
// fn returns false
func Scan(r Reader, root uint32, prefix []byte, fn func(key, val []byte) bool) error {
	if root == page.Invalid {
		return nil
	}
	_, err := scan(r, root, prefix, fn, 0)
	return err
}

func scan(r Reader, pgno uint32, prefix []byte, fn func(key, val []byte) bool, depth int) (bool, error) {
	if depth >= maxDepth {
		return false, dberr.New(dberr.Corrupt, "tree deeper than %d", maxDepth)
	}
	p, err := resolve(r, pgno)
	if err != nil {
		return false, err
	}
	switch page.Type(p) {
	case page.TypeLeaf:
		if err := validateLeaf(p); err != nil {
			return false, err
		}
		pos, _ := leafSearch(p, prefix)
		for i := pos; i < page.Num(p); i++ {
			k := leafKey(p, i)
			if !bytes.HasPrefix(k, prefix) {
				return false, nil
			}
			if !fn(k, leafVal(p, i)) {
				return false, nil
			}
		}
		return true, nil
	case page.TypeInternal:
		if err := validateInternal(p); err != nil {
			return false, err
		}
		n := page.Num(p)
		for i := 0; i <= n; i++ {
			// child i holds keys below separator i
			if i < n && bytes.Compare(intKey(p, i), prefix) <= 0 {
				continue
			}
			if i > 0 {
				sep := intKey(p, i-1)
				if bytes.Compare(sep, prefix) > 0 && !bytes.HasPrefix(sep, prefix) {
					return false, nil
				}
			}
			more, err := scan(r, child(p, i), prefix, fn, depth+1)
			if err != nil || !more {
				return false, err
			}
		}
		return true, nil
	default:
		return false, dberr.New(dberr.Corrupt, "page %d: unexpected type %d", pgno, page.Type(p))
	}
}

type split struct {
	pgno  uint32 // this node after copy-on-write
	sep   []byte
	right uint32
	ok    bool
}

// Put stores val under key and returns the new root. added is false when an
// existing value was replaced. A leaf that fails validation is rejected
// before anything is copied.
func Put(w Writer, root uint32, key, val []byte) (newRoot uint32, added bool, err error) {
	if len(key) == 0 {
		return root, false, dberr.ErrInvalid
	}
	if len(key)+len(val) > MaxEntry(w.PageSize()) {
		return root, false, fmt.Errorf("put %d+%d bytes: %w", len(key), len(val), dberr.ErrFull)
	}
	if root == page.Invalid {
		pgno, p, err := w.Alloc()
		if err != nil {
			return root, false, err
		}
		initLeaf(p, pgno)
		leafInsert(p, 0, key, val)
		return pgno, true, nil
	}

	res, added, err := insert(w, root, key, val, 0)
	if err != nil {
		return root, false, err
	}
	if !res.ok {
		return res.pgno, added, nil
	}
	pgno, p, err := w.Alloc()
	if err != nil {
		return root, false, err
	}
	initInternal(p, pgno, res.pgno)
	intInsert(p, 0, res.sep, res.right)
	return pgno, added, nil
}

func insert(w Writer, pgno uint32, key, val []byte, depth int) (split, bool, error) {
	if depth >= maxDepth {
		return split{}, false, dberr.New(dberr.Corrupt, "tree deeper than %d", maxDepth)
	}
	p, err := resolve(w, pgno)
	if err != nil {
		return split{}, false, err
	}
	switch page.Type(p) {
	case page.TypeLeaf:
		return insertLeaf(w, pgno, p, key, val)
	case page.TypeInternal:
		if err := validateInternal(p); err != nil {
			return split{}, false, err
		}
	default:
		return split{}, false, dberr.New(dberr.Corrupt, "page %d: unexpected type %d", pgno, page.Type(p))
	}

	idx := childIndex(p, key)
	res, added, err := insert(w, child(p, idx), key, val, depth+1)
	if err != nil {
		return split{}, false, err
	}
	if !res.ok && res.pgno == child(p, idx) {
		return split{pgno: pgno}, added, nil
	}

	npgno, np, err := w.Writable(pgno)
	if err != nil {
		return split{}, false, err
	}
	setChild(np, idx, res.pgno)
	if !res.ok {
		return split{pgno: npgno}, added, nil
	}
	if intFree(np) >= slotSize+intCellSize(len(res.sep)) {
		intInsert(np, idx, res.sep, res.right)
		return split{pgno: npgno}, added, nil
	}

	left, cells := intCells(np)
	cells = append(cells, intCell{})
	copy(cells[idx+1:], cells[idx:])
	cells[idx] = intCell{key: res.sep, right: res.right}

	sizes := make([]int, len(cells))
	for i, c := range cells {
		sizes[i] = slotSize + intCellSize(len(c.key))
	}
	m := min(max(splitPoint(sizes), 1), len(cells)-2)

	rpgno, rp, err := w.Alloc()
	if err != nil {
		return split{}, false, err
	}
	writeInternal(np, npgno, left, cells[:m])
	writeInternal(rp, rpgno, cells[m].right, cells[m+1:])
	return split{pgno: npgno, sep: cells[m].key, right: rpgno, ok: true}, added, nil
}

func insertLeaf(w Writer, pgno uint32, p []byte, key, val []byte) (split, bool, error) {
	if err := validateLeaf(p); err != nil {
		w.Record(telemetry.LeafInsertBoundsReject, pgno, err.Error())
		return split{}, false, err
	}
	pos, found := leafSearch(p, key)
	if pos < 0 || pos > page.Num(p) {
		w.Record(telemetry.LeafInsertBoundsReject, pgno, "position out of range")
		return split{}, false, dberr.New(dberr.Corrupt, "leaf %d: insert position %d", pgno, pos)
	}

	need := slotSize + leafCellSize(len(key), len(val))
	avail := leafFree(p)
	if found {
		avail += slotSize + leafCellSize(len(key), len(leafVal(p, pos)))
	}
	if avail >= need {
		npgno, np, err := w.Writable(pgno)
		if err != nil {
			return split{}, false, err
		}
		if found {
			leafRemove(np, pos)
		}
		leafInsert(np, pos, key, val)
		return split{pgno: npgno}, !found, nil
	}

	cells := leafCells(p)
	cell := leafCell{key: bytes.Clone(key), val: bytes.Clone(val)}
	if found {
		cells[pos] = cell
	} else {
		cells = append(cells, leafCell{})
		copy(cells[pos+1:], cells[pos:])
		cells[pos] = cell
	}
	sizes := make([]int, len(cells))
	for i, c := range cells {
		sizes[i] = slotSize + leafCellSize(len(c.key), len(c.val))
	}
	m := splitPoint(sizes)

	npgno, np, err := w.Writable(pgno)
	if err != nil {
		return split{}, false, err
	}
	rpgno, rp, err := w.Alloc()
	if err != nil {
		return split{}, false, err
	}
	writeLeaf(np, npgno, cells[:m])
	writeLeaf(rp, rpgno, cells[m:])
	return split{pgno: npgno, sep: cells[m].key, right: rpgno, ok: true}, !found, nil
}

// Delete removes key and returns the new root, page.Invalid once the tree
// is empty. Emptied leaves are freed and single-child internal nodes
// collapse into their remaining child.
func Delete(w Writer, root uint32, key []byte) (uint32, error) {
	if len(key) == 0 {
		return root, dberr.ErrInvalid
	}
	if root == page.Invalid {
		return root, dberr.ErrNotFound
	}
	npgno, empty, err := remove(w, root, key, 0)
	if err != nil {
		return root, err
	}
	if empty {
		return page.Invalid, nil
	}
	return npgno, nil
}

func remove(w Writer, pgno uint32, key []byte, depth int) (uint32, bool, error) {
	if depth >= maxDepth {
		return 0, false, dberr.New(dberr.Corrupt, "tree deeper than %d", maxDepth)
	}
	p, err := resolve(w, pgno)
	if err != nil {
		return 0, false, err
	}
	switch page.Type(p) {
	case page.TypeLeaf:
		if err := validateLeaf(p); err != nil {
			return 0, false, err
		}
		pos, found := leafSearch(p, key)
		if !found {
			return 0, false, dberr.ErrNotFound
		}
		if page.Num(p) == 1 {
			return page.Invalid, true, w.Free(pgno)
		}
		npgno, np, err := w.Writable(pgno)
		if err != nil {
			return 0, false, err
		}
		leafRemove(np, pos)
		return npgno, false, nil
	case page.TypeInternal:
		if err := validateInternal(p); err != nil {
			return 0, false, err
		}
	default:
		return 0, false, dberr.New(dberr.Corrupt, "page %d: unexpected type %d", pgno, page.Type(p))
	}

	idx := childIndex(p, key)
	old := child(p, idx)
	cpgno, empty, err := remove(w, old, key, depth+1)
	if err != nil {
		return 0, false, err
	}

	if empty {
		if page.Num(p) == 1 {
			remaining := child(p, 1-idx)
			return remaining, false, w.Free(pgno)
		}
		npgno, np, err := w.Writable(pgno)
		if err != nil {
			return 0, false, err
		}
		if idx == 0 {
			setChild(np, 0, child(np, 1))
			intRemove(np, 0)
		} else {
			intRemove(np, idx-1)
		}
		return npgno, false, nil
	}

	if cpgno == old {
		return pgno, false, nil
	}
	npgno, np, err := w.Writable(pgno)
	if err != nil {
		return 0, false, err
	}
	setChild(np, idx, cpgno)
	return npgno, false, nil
}
