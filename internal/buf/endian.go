// Package buf contains bounds and machine-word helpers for raw memory windows.
//
// ARM targets run little-endian, so words stored into simulated RAM use
// little-endian byte order.
package buf

import "encoding/binary"

// U32LE reads a little-endian uint32 from b. Returns 0 when b is too short.
func U32LE(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// U64LE reads a little-endian uint64 from b. Returns 0 when b is too short.
func U64LE(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Word reads a machine word of wordSize bytes (4 or 8) from b.
// Returns 0 when b is too short or wordSize is unsupported.
func Word(b []byte, wordSize int) uint64 {
	switch wordSize {
	case 4:
		return uint64(U32LE(b))
	case 8:
		return U64LE(b)
	default:
		return 0
	}
}

// PutWord writes v as a machine word of wordSize bytes (4 or 8) into b.
// Returns false when b is too short or wordSize is unsupported.
func PutWord(b []byte, wordSize int, v uint64) bool {
	if len(b) < wordSize {
		return false
	}
	switch wordSize {
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return false
	}
	return true
}

// FillWord repeats v across b in wordSize steps. Trailing bytes that do not
// form a whole word are left untouched.
func FillWord(b []byte, wordSize int, v uint64) {
	for off := 0; off+wordSize <= len(b); off += wordSize {
		PutWord(b[off:], wordSize, v)
	}
}

// AllWords reports whether every whole word in b equals v.
func AllWords(b []byte, wordSize int, v uint64) bool {
	for off := 0; off+wordSize <= len(b); off += wordSize {
		if Word(b[off:], wordSize) != v {
			return false
		}
	}
	return true
}
