// Package mp4 assembles ISO base media file format (MP4) boxes for the
// three playback outputs: an initialization segment, a fragmented
// media segment, and an unfragmented file with edit lists — without ever
// materializing sample bytes in RAM beyond what one HTTP range request
// needs (see VirtualFile).
//
// No library in the reference corpus touches ISO-BMFF muxing, so this
// package builds boxes directly with encoding/binary, the same way the
// rest of this engine hand-rolls its other wire formats (the frame index
// codec in internal/clock).
package mp4

import "encoding/binary"

// box is a single ISO-BMFF box: either a leaf with an opaque payload or a
// parent whose payload is its children's encoded bytes concatenated.
type box struct {
	fourcc   string
	payload  []byte
	children []box
}

func leaf(fourcc string, payload []byte) box {
	return box{fourcc: fourcc, payload: payload}
}

func parent(fourcc string, children ...box) box {
	return box{fourcc: fourcc, children: children}
}

// rawChild wraps already-encoded box bytes (e.g. a trak built by a helper
// that needed its own two-pass offset patching) so it can be spliced into
// a parent's children list in order without re-parsing.
func rawChild(encoded []byte) box {
	return box{payload: encoded}
}

// marshal encodes the box as [size(4)][fourcc(4)][fixed payload][children],
// recursing into children. A box may carry both a fixed-layout payload and
// children (e.g. a sample entry's fixed visual fields followed by its
// avcC/hvcC child) — fixed fields always precede children. Sizes always
// fit the 32-bit box header; no box this package builds approaches the
// 4 GiB boundary that would require the 64-bit largesize extension.
func (b box) marshal() []byte {
	if b.fourcc == "" {
		// A raw child (rawChild): payload is already a complete, encoded
		// box (or sequence of boxes) and is spliced in verbatim.
		return b.payload
	}

	body := append([]byte(nil), b.payload...)
	for _, c := range b.children {
		body = append(body, c.marshal()...)
	}

	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(body)))
	copy(out[4:8], b.fourcc)
	return append(out, body...)
}

// bw is a small big-endian payload builder used when constructing a leaf
// box's fixed-layout fields.
type bw struct {
	buf []byte
}

func (w *bw) u8(v uint8)  { w.buf = append(w.buf, v) }
func (w *bw) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *bw) u24(v uint32) {
	w.buf = append(w.buf, byte(v>>16), byte(v>>8), byte(v))
}
func (w *bw) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *bw) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *bw) i16(v int16) { w.u16(uint16(v)) }
func (w *bw) i32(v int32) { w.u32(uint32(v)) }
func (w *bw) raw(b []byte) { w.buf = append(w.buf, b...) }

// fourccBytes writes a 4-character tag (e.g. "isom", "vide") verbatim; it
// panics if s is not exactly 4 bytes, since every call site is a literal.
func (w *bw) fourccBytes(s string) {
	if len(s) != 4 {
		panic("mp4: fourcc must be 4 bytes: " + s)
	}
	w.buf = append(w.buf, s...)
}

// fullBoxHeader writes the version+flags field shared by every "full box"
// (ISO/IEC 14496-12 §4.2).
func (w *bw) fullBoxHeader(version uint8, flags uint32) {
	w.u8(version)
	w.u24(flags)
}

// identityMatrix writes the unity transformation matrix used by tkhd and
// mvhd when no rotation/scaling is applied.
func identityMatrix(w *bw) {
	w.i32(0x00010000)
	w.i32(0)
	w.i32(0)
	w.i32(0)
	w.i32(0x00010000)
	w.i32(0)
	w.i32(0)
	w.i32(0)
	w.i32(0x40000000)
}
