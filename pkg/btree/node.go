package btree

import (
	"bytes"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/page"
)

// Leaf:     header | dataEnd u16 | slots u16...  ...cells(klen u16, vlen u16, key, val)
// Internal: header | left u32 | dataEnd u16 | pad | slots u16...  ...cells(klen u16, right u32, key)
const (
	leafHdr     = 10
	intHdr      = 16
	slotSize    = 2
	leafCellHdr = 4
	intCellHdr  = 6
)

func initLeaf(p []byte, pgno uint32) {
	page.Init(p, page.TypeLeaf, pgno)
	page.PutU16(p, 8, len(p))
}

func initInternal(p []byte, pgno, left uint32) {
	page.Init(p, page.TypeInternal, pgno)
	page.PutU32(p, 8, left)
	page.PutU16(p, 12, len(p))
}

func leafDataEnd(p []byte) int { return page.U16(p, 8) }
func leafSlot(p []byte, i int) int { return page.U16(p, leafHdr+i*slotSize) }
func leafFree(p []byte) int { return leafDataEnd(p) - leafHdr - page.Num(p)*slotSize }

func leafCellSize(klen, vlen int) int { return leafCellHdr + klen + vlen }

func leafKey(p []byte, i int) []byte {
	off := leafSlot(p, i)
	klen := page.U16(p, off)
	return p[off+leafCellHdr : off+leafCellHdr+klen]
}

func leafVal(p []byte, i int) []byte {
	off := leafSlot(p, i)
	klen := page.U16(p, off)
	vlen := page.U16(p, off+2)
	start := off + leafCellHdr + klen
	return p[start : start+vlen]
}

// leafSearch returns the first position whose key is >= key and whether it
// is an exact match
func leafSearch(p []byte, key []byte) (int, bool) {
	lo, hi := 0, page.Num(p)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(leafKey(p, mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < page.Num(p) && bytes.Equal(leafKey(p, lo), key)
}

// leafInsert places a cell at pos. The caller has checked the free space.
func leafInsert(p []byte, pos int, key, val []byte) {
	n := page.Num(p)
	off := leafDataEnd(p) - leafCellSize(len(key), len(val))
	page.PutU16(p, off, len(key))
	page.PutU16(p, off+2, len(val))
	copy(p[off+leafCellHdr:], key)
	copy(p[off+leafCellHdr+len(key):], val)
	page.PutU16(p, 8, off)

	slots := p[leafHdr : leafHdr+(n+1)*slotSize]
	copy(slots[(pos+1)*slotSize:], slots[pos*slotSize:n*slotSize])
	page.PutU16(p, leafHdr+pos*slotSize, off)
	page.SetNum(p, n+1)
}

// leafRemove drops the cell at pos and compacts the data area
func leafRemove(p []byte, pos int) {
	n := page.Num(p)
	off := leafSlot(p, pos)
	size := leafCellSize(page.U16(p, off), page.U16(p, off+2))
	end := leafDataEnd(p)

	copy(p[end+size:off+size], p[end:off])
	for i := 0; i < n; i++ {
		if s := leafSlot(p, i); i != pos && s >= end && s < off {
			page.PutU16(p, leafHdr+i*slotSize, s+size)
		}
	}
	page.PutU16(p, 8, end+size)

	slots := p[leafHdr : leafHdr+n*slotSize]
	copy(slots[pos*slotSize:], slots[(pos+1)*slotSize:])
	page.SetNum(p, n-1)
}

func validateLeaf(p []byte) error {
	if len(p) < leafHdr || page.Type(p) != page.TypeLeaf {
		return dberr.New(dberr.Corrupt, "page %d is not a leaf", safePgno(p))
	}
	n := page.Num(p)
	end := leafDataEnd(p)
	if leafHdr+n*slotSize > end || end > len(p) {
		return dberr.New(dberr.Corrupt, "leaf %d: %d slots overlap data end %d", page.Pgno(p), n, end)
	}
	for i := 0; i < n; i++ {
		off := leafSlot(p, i)
		if off < end || off+leafCellHdr > len(p) {
			return dberr.New(dberr.Corrupt, "leaf %d: slot %d offset %d out of bounds", page.Pgno(p), i, off)
		}
		if off+leafCellSize(page.U16(p, off), page.U16(p, off+2)) > len(p) {
			return dberr.New(dberr.Corrupt, "leaf %d: cell %d overruns page", page.Pgno(p), i)
		}
	}
	return nil
}

func intDataEnd(p []byte) int { return page.U16(p, 12) }
func intSlot(p []byte, i int) int { return page.U16(p, intHdr+i*slotSize) }
func intFree(p []byte) int { return intDataEnd(p) - intHdr - page.Num(p)*slotSize }

func intCellSize(klen int) int { return intCellHdr + klen }

func intKey(p []byte, i int) []byte {
	off := intSlot(p, i)
	klen := page.U16(p, off)
	return p[off+intCellHdr : off+intCellHdr+klen]
}

// child returns child i: 0 is the left pointer, i>0 the right pointer of
// cell i-1
func child(p []byte, i int) uint32 {
	if i == 0 {
		return page.U32(p, 8)
	}
	return page.U32(p, intSlot(p, i-1)+2)
}

func setChild(p []byte, i int, pgno uint32) {
	if i == 0 {
		page.PutU32(p, 8, pgno)
		return
	}
	page.PutU32(p, intSlot(p, i-1)+2, pgno)
}

// childIndex picks the first separator greater than key
func childIndex(p []byte, key []byte) int {
	lo, hi := 0, page.Num(p)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(intKey(p, mid), key) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

func intInsert(p []byte, pos int, key []byte, right uint32) {
	n := page.Num(p)
	off := intDataEnd(p) - intCellSize(len(key))
	page.PutU16(p, off, len(key))
	page.PutU32(p, off+2, right)
	copy(p[off+intCellHdr:], key)
	page.PutU16(p, 12, off)

	slots := p[intHdr : intHdr+(n+1)*slotSize]
	copy(slots[(pos+1)*slotSize:], slots[pos*slotSize:n*slotSize])
	page.PutU16(p, intHdr+pos*slotSize, off)
	page.SetNum(p, n+1)
}

func intRemove(p []byte, pos int) {
	n := page.Num(p)
	off := intSlot(p, pos)
	size := intCellSize(page.U16(p, off))
	end := intDataEnd(p)

	copy(p[end+size:off+size], p[end:off])
	for i := 0; i < n; i++ {
		if s := intSlot(p, i); i != pos && s >= end && s < off {
			page.PutU16(p, intHdr+i*slotSize, s+size)
		}
	}
	page.PutU16(p, 12, end+size)

	slots := p[intHdr : intHdr+n*slotSize]
	copy(slots[pos*slotSize:], slots[(pos+1)*slotSize:])
	page.SetNum(p, n-1)
}

func validateInternal(p []byte) error {
	if len(p) < intHdr || page.Type(p) != page.TypeInternal {
		return dberr.New(dberr.Corrupt, "page %d is not an internal node", safePgno(p))
	}
	n := page.Num(p)
	end := intDataEnd(p)
	if n == 0 || intHdr+n*slotSize > end || end > len(p) {
		return dberr.New(dberr.Corrupt, "internal %d: bad header num=%d end=%d", page.Pgno(p), n, end)
	}
	for i := 0; i < n; i++ {
		off := intSlot(p, i)
		if off < end || off+intCellHdr > len(p) || off+intCellSize(page.U16(p, off)) > len(p) {
			return dberr.New(dberr.Corrupt, "internal %d: slot %d out of bounds", page.Pgno(p), i)
		}
	}
	return nil
}

func safePgno(p []byte) uint32 {
	if len(p) < page.HeaderSize {
		return page.Invalid
	}
	return page.Pgno(p)
}

type leafCell struct {
	key, val []byte
}

type intCell struct {
	key   []byte
	right uint32
}

func leafCells(p []byte) []leafCell {
	n := page.Num(p)
	cells := make([]leafCell, n)
	for i := range cells {
		cells[i] = leafCell{
			key: bytes.Clone(leafKey(p, i)),
			val: bytes.Clone(leafVal(p, i)),
		}
	}
	return cells
}

func intCells(p []byte) (uint32, []intCell) {
	n := page.Num(p)
	cells := make([]intCell, n)
	for i := range cells {
		cells[i] = intCell{key: bytes.Clone(intKey(p, i)), right: child(p, i+1)}
	}
	return child(p, 0), cells
}

func writeLeaf(p []byte, pgno uint32, cells []leafCell) {
	initLeaf(p, pgno)
	for i, c := range cells {
		leafInsert(p, i, c.key, c.val)
	}
}

func writeInternal(p []byte, pgno, left uint32, cells []intCell) {
	initInternal(p, pgno, left)
	for i, c := range cells {
		intInsert(p, i, c.key, c.right)
	}
}

// splitPoint returns the first index of the right half so that each half
// holds about half of the bytes and both halves are non-empty
func splitPoint(sizes []int) int {
	total := 0
	for _, s := range sizes {
		total += s
	}
	acc := 0
	for i, s := range sizes {
		if i > 0 && acc+s > total/2 {
			return i
		}
		acc += s
	}
	return len(sizes) - 1
}
