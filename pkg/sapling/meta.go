package sapling

import (
	"hash/crc32"

	"github.com/ssargent/sapling/pkg/page"
)

const (
	metaMagic   uint32 = 0x54504153 // "SAPT"
	metaVersion uint32 = 1

	metaOffMagic   = page.HeaderSize
	metaOffVersion = metaOffMagic + 4
	metaOffGen     = metaOffVersion + 4
	metaOffFree    = metaOffGen + 8
	metaOffNPages  = metaOffFree + 4
	metaOffRoot    = metaOffNPages + 4
	metaOffEntries = metaOffRoot + 4
	metaOffCRC     = metaOffEntries + 8

	// metaPages are reserved at the start of every address space
	metaPages = 2
)

type meta struct {
	gen     uint64
	free    uint32
	npages  uint32
	root    uint32
	entries uint64
}

func putU64(p []byte, off int, v uint64) {
	page.PutU32(p, off, uint32(v))
	page.PutU32(p, off+4, uint32(v>>32))
}

func u64(p []byte, off int) uint64 {
	return uint64(page.U32(p, off)) | uint64(page.U32(p, off+4))<<32
}

// writeMeta stores m in the meta page for its generation
func writeMeta(pages *page.Table, m meta) {
	pgno := uint32(m.gen % metaPages)
	p := pages.Page(pgno)
	page.Init(p, page.TypeMeta, pgno)
	page.PutU32(p, metaOffMagic, metaMagic)
	page.PutU32(p, metaOffVersion, metaVersion)
	putU64(p, metaOffGen, m.gen)
	page.PutU32(p, metaOffFree, m.free)
	page.PutU32(p, metaOffNPages, m.npages)
	page.PutU32(p, metaOffRoot, m.root)
	putU64(p, metaOffEntries, m.entries)
	page.PutU32(p, metaOffCRC, crc32.ChecksumIEEE(p[metaOffMagic:metaOffCRC]))
}

func readMeta(p []byte) (meta, bool) {
	if len(p) < metaOffCRC+4 || page.Type(p) != page.TypeMeta {
		return meta{}, false
	}
	if page.U32(p, metaOffMagic) != metaMagic || page.U32(p, metaOffVersion) != metaVersion {
		return meta{}, false
	}
	if crc32.ChecksumIEEE(p[metaOffMagic:metaOffCRC]) != page.U32(p, metaOffCRC) {
		return meta{}, false
	}
	return meta{
		gen:     u64(p, metaOffGen),
		free:    page.U32(p, metaOffFree),
		npages:  page.U32(p, metaOffNPages),
		root:    page.U32(p, metaOffRoot),
		entries: u64(p, metaOffEntries),
	}, true
}

// latestMeta picks the valid meta page with the highest generation
func latestMeta(pages *page.Table) (meta, bool) {
	var best meta
	found := false
	for pgno := uint32(0); pgno < metaPages; pgno++ {
		m, ok := readMeta(pages.Page(pgno))
		if ok && (!found || m.gen > best.gen) {
			best, found = m, true
		}
	}
	return best, found
}
