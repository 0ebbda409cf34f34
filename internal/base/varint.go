package base

// Varints are big-endian base-128 integers between 1 and 9 bytes long.
// The first eight bytes contribute seven bits each, most significant
// group first; a ninth byte, when present, contributes all eight bits.

// MaxVarintLen is the longest possible varint encoding.
const MaxVarintLen = 9

// ReadVarint decodes a varint from the start of buf and returns the
// value and the number of bytes consumed. It returns n == 0 when buf
// is too short to hold a complete varint.
func ReadVarint(buf []byte) (uint64, int) {
	var v uint64
	for i := 0; i < 8; i++ {
		if i >= len(buf) {
			return 0, 0
		}
		b := buf[i]
		if b < 0x80 {
			return v<<7 | uint64(b), i + 1
		}
		v = v<<7 | uint64(b&0x7f)
	}
	if len(buf) < 9 {
		return 0, 0
	}
	return v<<8 | uint64(buf[8]), 9
}

// PutVarint encodes v at the start of buf, which must have room for
// VarintLen(v) bytes, and returns the number of bytes written.
func PutVarint(buf []byte, v uint64) int {
	if v&(0xff<<56) != 0 {
		buf[8] = byte(v)
		v >>= 8
		for i := 7; i >= 0; i-- {
			buf[i] = byte(v&0x7f) | 0x80
			v >>= 7
		}
		return 9
	}
	n := VarintLen(v)
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	buf[n-1] &= 0x7f
	return n
}

// VarintLen returns the encoded size of v in bytes.
func VarintLen(v uint64) int {
	if v&(0xff<<56) != 0 {
		return 9
	}
	n := 1
	for v >>= 7; v != 0; v >>= 7 {
		n++
	}
	return n
}
