package jpipserve

import "math"

// VBAS is the byte-oriented variable-length integer used throughout the
// increment record headers: big-endian groups of 7 bits, with the top bit of
// every byte except the last set to flag continuation.

// maxVBASLen bounds the encoding of any non-negative int64.
const maxVBASLen = 10

// vbasLen returns the number of bytes needed to encode v. Negative values
// are clamped to zero.
func vbasLen(v int64) int {
	if v < 0 {
		v = 0
	}
	n := 1
	for v >= 128 {
		v >>= 7
		n++
	}
	return n
}

// appendVBAS appends the encoding of v to dst.
func appendVBAS(dst []byte, v int64) []byte {
	if v < 0 {
		v = 0
	}
	for shift := 7 * (vbasLen(v) - 1); shift > 0; shift -= 7 {
		dst = append(dst, byte(v>>shift)&0x7F|0x80)
	}
	return append(dst, byte(v)&0x7F)
}

// readVBAS decodes one value from the front of src and returns it with the
// number of bytes consumed. A truncated or over-long encoding yields n == 0.
func readVBAS(src []byte) (v int64, n int) {
	for n < len(src) && n < maxVBASLen {
		if v > math.MaxInt64>>7 {
			return 0, 0
		}
		b := src[n]
		n++
		v = v<<7 | int64(b&0x7F)
		if b&0x80 == 0 {
			return v, n
		}
	}
	return 0, 0
}

// Bits of the first byte of a message header.
const (
	idMore      = 0x80
	idClassMask = 0x60
	idBoth      = 0x60 // class and stream follow
	idClassOnly = 0x40 // class follows, stream repeats
	idNeither   = 0x20 // class and stream repeat
	idComplete  = 0x10
	idBinBits   = 0x0F
)

// idEncoder writes message header ids. Consecutive messages for the same
// class and codestream omit them; decouple forgets the previous message so
// that the next header is self-contained.
type idEncoder struct {
	valid      bool
	lastClass  UnitClass
	lastStream int
}

func (e *idEncoder) decouple() { e.valid = false }

// size returns the length of the header id encode would write, without
// changing the encoder state.
func (e *idEncoder) size(cls UnitClass, stream int, bin int64) int {
	n := binIDLen(bin)
	repeatClass, repeatStream := e.repeats(cls, stream)
	if !repeatClass {
		n += vbasLen(int64(cls) << 1)
	}
	if !repeatStream {
		n += vbasLen(int64(stream))
	}
	return n
}

// maxIDSize is the id length with no repetition savings.
func maxIDSize(cls UnitClass, stream int, bin int64) int {
	var e idEncoder
	return e.size(cls, stream, bin)
}

// repeats decides which of class and stream may be omitted. A class can
// only be omitted together with the stream.
func (e *idEncoder) repeats(cls UnitClass, stream int) (class, strm bool) {
	if !e.valid || e.lastStream != stream {
		return false, false
	}
	return e.lastClass == cls, true
}

// encode appends the header id for a message to dst.
func (e *idEncoder) encode(dst []byte, cls UnitClass, stream int, bin int64, complete bool) []byte {
	repeatClass, repeatStream := e.repeats(cls, stream)
	var first byte
	switch {
	case !repeatStream:
		first = idBoth
	case !repeatClass:
		first = idClassOnly
	default:
		first = idNeither
	}
	if complete {
		first |= idComplete
	}
	if bin < 0 {
		bin = 0
	}
	bits := binIDBits(bin)
	first |= byte(bin>>(bits-4)) & idBinBits
	if bits > 4 {
		first |= idMore
	}
	dst = append(dst, first)
	for shift := bits - 4 - 7; shift >= 0; shift -= 7 {
		b := byte(bin>>shift) & 0x7F
		if shift > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
	}
	if !repeatClass {
		dst = appendVBAS(dst, int64(cls)<<1)
	}
	if !repeatStream {
		dst = appendVBAS(dst, int64(stream))
	}
	e.valid = true
	e.lastClass = cls
	e.lastStream = stream
	return dst
}

// binIDBits returns 4+7k, the smallest such width holding bin.
func binIDBits(bin int64) int {
	bits := 4
	for bits < 63 && bin>>bits != 0 {
		bits += 7
	}
	return bits
}

func binIDLen(bin int64) int {
	if bin < 0 {
		bin = 0
	}
	return 1 + (binIDBits(bin)-4)/7
}

// idDecoder mirrors idEncoder on the receiving side.
type idDecoder struct {
	valid      bool
	lastClass  UnitClass
	lastStream int
}

// decode parses a header id from src. It returns the number of bytes
// consumed, or 0 when src is truncated or malformed.
func (d *idDecoder) decode(src []byte) (cls UnitClass, stream int, bin int64, complete bool, n int) {
	if len(src) == 0 {
		return 0, 0, 0, false, 0
	}
	first := src[0]
	n = 1
	mode := first & idClassMask
	if mode == 0 {
		return 0, 0, 0, false, 0
	}
	complete = first&idComplete != 0
	bin = int64(first & idBinBits)
	more := first&idMore != 0
	for more {
		if n >= len(src) || n > maxVBASLen || bin > math.MaxInt64>>7 {
			return 0, 0, 0, false, 0
		}
		b := src[n]
		n++
		bin = bin<<7 | int64(b&0x7F)
		more = b&0x80 != 0
	}
	switch mode {
	case idBoth, idClassOnly:
		v, m := readVBAS(src[n:])
		if m == 0 {
			return 0, 0, 0, false, 0
		}
		n += m
		cls = UnitClass(v >> 1)
		if mode == idBoth {
			v, m = readVBAS(src[n:])
			if m == 0 {
				return 0, 0, 0, false, 0
			}
			n += m
			stream = int(v)
		} else {
			if !d.valid {
				return 0, 0, 0, false, 0
			}
			stream = d.lastStream
		}
	default:
		if !d.valid {
			return 0, 0, 0, false, 0
		}
		cls, stream = d.lastClass, d.lastStream
	}
	d.valid = true
	d.lastClass, d.lastStream = cls, stream
	return cls, stream, bin, complete, n
}
