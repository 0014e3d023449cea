package sapling

import (
	"encoding/binary"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/ssargent/sapling/pkg/codec"
	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/page"
)

const (
	imageVersion uint32 = 1
	// maxFramePayload bounds the deferred list frame
	maxFramePayload = 1 << 26
)

// Checkpoint writes a consistent image of the committed state to w. It
// fails with ErrBusy while a write transaction is active and blocks new
// transactions until the image is written.
func (db *DB) Checkpoint(w io.Writer) error {
	if db == nil || w == nil {
		return dberr.ErrInvalid
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return dberr.New(dberr.Invalid, "database is closed")
	}
	if db.writer != nil {
		return dberr.New(dberr.Busy, "checkpoint with active writer")
	}

	fw := codec.NewWriter(w)
	n := db.pages.Len()
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:], imageVersion)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(db.pages.PageSize()))
	binary.LittleEndian.PutUint32(hdr[8:], n)
	if err := fw.WriteFrame(codec.KindHeader, 0, hdr); err != nil {
		return err
	}
	for pgno := uint32(0); pgno < n; pgno++ {
		p := db.pages.Page(pgno)
		if p == nil {
			return dberr.New(dberr.Corrupt, "checkpoint: page %d has no backing", pgno)
		}
		if err := fw.WriteFrame(codec.KindPage, pgno, p); err != nil {
			return err
		}
	}

	records := db.alloc.Deferred()
	list := make([]byte, 4*len(records))
	for i, r := range records {
		binary.LittleEndian.PutUint32(list[4*i:], r.Pgno)
	}
	if err := fw.WriteFrame(codec.KindDeferred, 0, list); err != nil {
		return err
	}

	trailer := make([]byte, 4)
	binary.LittleEndian.PutUint32(trailer, uint32(fw.Frames()))
	if err := fw.WriteFrame(codec.KindTrailer, 0, trailer); err != nil {
		return err
	}
	db.log.Info("checkpoint written",
		zap.Uint64("generation", db.gen),
		zap.Uint32("pages", n),
		zap.Int("deferred", len(records)))
	return nil
}

// Restore replaces the database contents with an image produced by
// Checkpoint. It fails with ErrBusy while any transaction is live. On error
// the database is left unchanged.
func (db *DB) Restore(r io.Reader) error {
	if db == nil || r == nil {
		return dberr.ErrInvalid
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return dberr.New(dberr.Invalid, "database is closed")
	}
	if db.writer != nil || db.readers.Count() > 0 {
		return dberr.New(dberr.Busy, "restore with live transactions")
	}

	tbl, deferredPages, err := db.readImage(codec.NewReader(r, maxFramePayload))
	if err != nil {
		return err
	}
	m, ok := latestMeta(tbl)
	if !ok {
		tbl.Close()
		return dberr.New(dberr.Corrupt, "restore: no valid meta page")
	}
	if m.npages != tbl.Len() {
		tbl.Close()
		return dberr.New(dberr.Corrupt, "restore: meta expects %d pages, image has %d", m.npages, tbl.Len())
	}

	old := db.pages
	db.install(tbl, m.free)
	for _, pgno := range deferredPages {
		if err := db.alloc.Recycle(pgno); err != nil {
			db.log.Warn("restore: dropping deferred page", zap.Uint32("pgno", pgno), zap.Error(err))
		}
	}
	db.gen = m.gen
	db.root = m.root
	db.entries = m.entries
	writeMeta(db.pages, db.metaLocked())
	old.Close()

	db.log.Info("checkpoint restored",
		zap.Uint64("generation", db.gen),
		zap.Uint32("pages", tbl.Len()),
		zap.Uint64("entries", db.entries))
	return nil
}

func (db *DB) readImage(fr *codec.Reader) (*page.Table, []uint32, error) {
	f, err := fr.Next()
	if err != nil {
		return nil, nil, imageErr(err)
	}
	if f.Kind != codec.KindHeader || len(f.Payload) != 12 {
		return nil, nil, dberr.New(dberr.Parse, "restore: image does not start with a header")
	}
	if v := binary.LittleEndian.Uint32(f.Payload[0:]); v != imageVersion {
		return nil, nil, dberr.New(dberr.Parse, "restore: unsupported image version %d", v)
	}
	pageSize := int(binary.LittleEndian.Uint32(f.Payload[4:]))
	npages := binary.LittleEndian.Uint32(f.Payload[8:])

	tbl, err := page.NewTable(pageSize, db.opts.MaxPages, db.opts.Backing)
	if err != nil {
		return nil, nil, err
	}
	var deferredPages []uint32
	frames := 1
	for {
		f, err := fr.Next()
		if err != nil {
			tbl.Close()
			return nil, nil, imageErr(err)
		}
		switch f.Kind {
		case codec.KindPage:
			if f.Pgno != tbl.Len() || len(f.Payload) != pageSize {
				tbl.Close()
				return nil, nil, dberr.New(dberr.Parse, "restore: unexpected page frame %d", f.Pgno)
			}
			_, p, err := tbl.Extend()
			if err != nil {
				tbl.Close()
				return nil, nil, err
			}
			copy(p, f.Payload)
		case codec.KindDeferred:
			for off := 0; off+4 <= len(f.Payload); off += 4 {
				deferredPages = append(deferredPages, binary.LittleEndian.Uint32(f.Payload[off:]))
			}
		case codec.KindTrailer:
			if len(f.Payload) != 4 || int(binary.LittleEndian.Uint32(f.Payload)) != frames || tbl.Len() != npages {
				tbl.Close()
				return nil, nil, dberr.New(dberr.Parse, "restore: trailer does not match image")
			}
			return tbl, deferredPages, nil
		default:
			tbl.Close()
			return nil, nil, dberr.New(dberr.Parse, "restore: unexpected %s frame", f.Kind)
		}
		frames++
	}
}

func imageErr(err error) error {
	if errors.Is(err, io.EOF) {
		return dberr.New(dberr.Parse, "restore: image is truncated")
	}
	return err
}
