//go:build fuzz
// +build fuzz

package codec

import (
	"bytes"
	"testing"
)

// FuzzFrameCodec_Decode feeds arbitrary bytes to the decoder; it must never
// panic and a frame that validates must re-encode to the same bytes
func FuzzFrameCodec_Decode(f *testing.F) {
	codec := NewFrameCodec()
	f.Add(codec.Encode(NewFrame(KindPage, 1, []byte("seed"))))
	f.Add([]byte{})
	f.Add(bytes.Repeat([]byte{0xFF}, HeaderSize))

	f.Fuzz(func(t *testing.T, data []byte) {
		fr, err := codec.Decode(data)
		if err != nil {
			return
		}
		if fr.Validate() != nil {
			return
		}
		if !bytes.Equal(codec.Encode(fr), data[:fr.Size()]) {
			t.Fatalf("re-encode mismatch for %x", data)
		}
	})
}
