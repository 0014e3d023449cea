package codec

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/ssargent/sapling/pkg/dberr"
)

// HeaderSize is the fixed frame prefix: CRC32(4) + Kind(1) + Pgno(4) + Length(4)
const HeaderSize = 13

// Kind tags the payload of a frame
type Kind uint8

const (
	KindHeader   Kind = 1
	KindPage     Kind = 2
	KindDeferred Kind = 3
	KindTrailer  Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindPage:
		return "page"
	case KindDeferred:
		return "deferred"
	case KindTrailer:
		return "trailer"
	default:
		return "unknown"
	}
}

// Frame is one checksummed unit of a checkpoint
type Frame struct {
	CRC32   uint32 // CRC32 over everything after the checksum
	Kind    Kind
	Pgno    uint32
	Payload []byte
}

// NewFrame creates a frame with its checksum filled in
func NewFrame(kind Kind, pgno uint32, payload []byte) *Frame {
	f := &Frame{Kind: kind, Pgno: pgno, Payload: payload}
	f.CRC32 = f.checksum()
	return f
}

// Size returns the encoded size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Validate checks the frame checksum
func (f *Frame) Validate() error {
	if sum := f.checksum(); sum != f.CRC32 {
		return dberr.New(dberr.Corrupt, "frame %s/%d: CRC32 mismatch: %d != %d", f.Kind, f.Pgno, f.CRC32, sum)
	}
	return nil
}

func (f *Frame) checksum() uint32 {
	var hdr [9]byte
	hdr[0] = byte(f.Kind)
	binary.LittleEndian.PutUint32(hdr[1:], f.Pgno)
	binary.LittleEndian.PutUint32(hdr[5:], uint32(len(f.Payload)))
	crc := crc32.NewIEEE()
	_, _ = crc.Write(hdr[:])
	_, _ = crc.Write(f.Payload)
	return crc.Sum32()
}

// FrameCodec converts frames to and from their byte form
type FrameCodec struct{}

// NewFrameCodec creates a new frame codec instance
func NewFrameCodec() *FrameCodec {
	return &FrameCodec{}
}

// Encode serializes f
func (c *FrameCodec) Encode(f *Frame) []byte {
	buf := make([]byte, f.Size())
	binary.LittleEndian.PutUint32(buf[0:], f.CRC32)
	buf[4] = byte(f.Kind)
	binary.LittleEndian.PutUint32(buf[5:], f.Pgno)
	binary.LittleEndian.PutUint32(buf[9:], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses one frame from the front of data. The payload aliases data.
func (c *FrameCodec) Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, dberr.New(dberr.Parse, "data too short for frame header")
	}
	f := &Frame{
		CRC32: binary.LittleEndian.Uint32(data[0:4]),
		Kind:  Kind(data[4]),
		Pgno:  binary.LittleEndian.Uint32(data[5:9]),
	}
	n := binary.LittleEndian.Uint32(data[9:13])
	if uint64(len(data)-HeaderSize) < uint64(n) {
		return nil, dberr.New(dberr.Parse, "data too short for payload: %d < %d", len(data)-HeaderSize, n)
	}
	f.Payload = data[HeaderSize : HeaderSize+int(n)]
	return f, nil
}

// Writer appends frames to a stream
type Writer struct {
	w     io.Writer
	codec *FrameCodec
	n     int
}

// NewWriter wraps w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, codec: NewFrameCodec()}
}

// WriteFrame encodes and writes one frame
func (w *Writer) WriteFrame(kind Kind, pgno uint32, payload []byte) error {
	if _, err := w.w.Write(w.codec.Encode(NewFrame(kind, pgno, payload))); err != nil {
		return err
	}
	w.n++
	return nil
}

// Frames returns the number of frames written so far
func (w *Writer) Frames() int { return w.n }

// Reader reads validated frames from a stream
type Reader struct {
	r          io.Reader
	maxPayload uint32
	hdr        [HeaderSize]byte
}

// NewReader wraps r. Frames claiming more than maxPayload bytes are
// rejected before anything is allocated for them.
func NewReader(r io.Reader, maxPayload uint32) *Reader {
	return &Reader{r: r, maxPayload: maxPayload}
}

// Next returns the next frame, io.EOF at a clean end of stream
func (r *Reader) Next() (*Frame, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, dberr.New(dberr.Parse, "truncated frame header: %v", err)
	}
	n := binary.LittleEndian.Uint32(r.hdr[9:13])
	if n > r.maxPayload {
		return nil, dberr.New(dberr.Parse, "frame payload %d exceeds limit %d", n, r.maxPayload)
	}
	buf := make([]byte, HeaderSize+int(n))
	copy(buf, r.hdr[:])
	if _, err := io.ReadFull(r.r, buf[HeaderSize:]); err != nil {
		return nil, dberr.New(dberr.Parse, "truncated frame payload: %v", err)
	}
	f, err := NewFrameCodec().Decode(buf)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
