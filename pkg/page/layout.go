package page

import "encoding/binary"

// Page types
const (
	TypeMeta     uint8 = 0
	TypeInternal uint8 = 1
	TypeLeaf     uint8 = 2
)

// HeaderSize is the common header: type(1) pad(1) num(2) pgno(4)
const HeaderSize = 8

func Type(p []byte) uint8 { return p[0] }

func Num(p []byte) int { return int(binary.LittleEndian.Uint16(p[2:4])) }

func SetNum(p []byte, n int) { binary.LittleEndian.PutUint16(p[2:4], uint16(n)) }

func Pgno(p []byte) uint32 { return binary.LittleEndian.Uint32(p[4:8]) }

// Init zeroes p and writes a fresh header
func Init(p []byte, typ uint8, pgno uint32) {
	clear(p)
	p[0] = typ
	binary.LittleEndian.PutUint32(p[4:8], pgno)
}

// Next reads the free-list link stored at the start of a free page
func Next(p []byte) uint32 { return binary.LittleEndian.Uint32(p[0:4]) }

// SetNext writes the free-list link
func SetNext(p []byte, next uint32) { binary.LittleEndian.PutUint32(p[0:4], next) }

func U16(p []byte, off int) int { return int(binary.LittleEndian.Uint16(p[off:])) }

func PutU16(p []byte, off, v int) { binary.LittleEndian.PutUint16(p[off:], uint16(v)) }

func U32(p []byte, off int) uint32 { return binary.LittleEndian.Uint32(p[off:]) }

func PutU32(p []byte, off int, v uint32) { binary.LittleEndian.PutUint32(p[off:], v) }
