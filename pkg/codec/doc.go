// Package codec provides the framed binary format used for Sapling
// checkpoints.
//
// A checkpoint is a stream of frames. Every frame carries its own checksum so
// a torn or bit-flipped image is rejected before any page reaches a live
// database.
//
// # Frame Format
//
//	[CRC32(4)][Kind(1)][Pgno(4)][Length(4)][Payload]
//
// Fields:
//   - CRC32: IEEE checksum over Kind, Pgno, Length and Payload (little-endian)
//   - Kind: header, page, deferred list or trailer
//   - Pgno: page number for page frames, zero otherwise
//   - Length: payload length in bytes (little-endian)
//   - Payload: raw page bytes or a kind-specific body
//
// The header size is 13 bytes; a frame occupies 13 + Length bytes.
//
// # Usage
//
//	w := codec.NewWriter(dst)
//	if err := w.WriteFrame(codec.KindPage, 7, pageBytes); err != nil {
//	    return err
//	}
//
//	r := codec.NewReader(src, 1<<16)
//	for {
//	    f, err := r.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err // dberr.ErrParse or dberr.ErrCorrupt
//	    }
//	    handle(f)
//	}
//
// # Thread Safety
//
// FrameCodec is stateless and safe for concurrent use. Writer and Reader wrap
// a single stream and must not be shared between goroutines.
package codec
