// Package diff computes and replays differences between two RGB565
// framebuffers.
//
// A diff is an ordered list of horizontal pixel runs that changed between a
// reference framebuffer and a new one. The driver replays the runs to the
// display instead of re-uploading the whole frame. Runs separated by fewer
// than `gap` identical pixels are merged, since reopening an address window
// costs more bus time than re-sending a few unchanged pixels.
//
// Two implementations of Reader exist: Buffer holds a genuine computed diff
// in a fixed-capacity encoded byte buffer, and Dummy is a stateless generator
// that replays the full frame (used when no valid reference exists).
package diff

import (
	"time"

	"tftsync/internal/stats"
)

// Framebuffer geometry in rotation 0. Scanline positions passed to ReadDiff
// use the same [0, Height) line space.
const (
	Width     = 240
	Height    = 320
	NumPixels = Width * Height

	// MaxWriteLine caps the number of lines written in a single burst so the
	// raster position is re-checked often enough.
	MaxWriteLine = 120

	// MinScanlineSpace is the minimum number of lines kept between the line
	// being written and the refresh scanline.
	MinScanlineSpace = 8
)

// Rotation selects the layout of the incoming framebuffer. The reference
// framebuffer is always kept in rotation 0.
type Rotation int

const (
	Portrait         Rotation = 0 // 240x320
	Landscape        Rotation = 1 // 320x240
	PortraitFlipped  Rotation = 2 // 240x320, upside down
	LandscapeFlipped Rotation = 3 // 320x240, upside down
)

// Span is a single diff instruction: Len changed pixels starting at (X, Y) in
// rotation-0 coordinates.
type Span struct {
	X, Y, Len int
}

// Line returns the last line touched by the span.
func (s Span) Line() int {
	if s.Len == 0 {
		return s.Y
	}
	return (s.Y*Width + s.X + s.Len - 1) / Width
}

// Reader is the read interface shared by real and dummy diffs.
//
// ReadDiff returns the next instruction given the current raster scanline:
//
//   - r == 0: the span can be written now.
//   - r > 0: the next span starts on a line the raster has not yet cleared;
//     wait until the scanline reaches r, then call again. The returned span
//     carries the same (X, Y) the eventual instruction will have, with Len 0.
//   - r < 0: the diff is exhausted. A diff that is empty (no changed pixels)
//     returns r < 0 on the very first call after InitRead, which lets the
//     caller skip the transfer entirely.
type Reader interface {
	// Compute replaces the previous diff with the diff between ref and src.
	// ref is always in rotation 0; rot describes the layout of src. When
	// copyOver is set, ref is overwritten with src while scanning so that it
	// mirrors the incoming frame when Compute returns. mask selects the color bits
	// compared (0 means exact comparison).
	Compute(ref []uint16, src []uint16, rot Rotation, gap int, copyOver bool, mask uint16)

	// InitRead resets the read cursor. Must be called before the first
	// ReadDiff of each replay.
	InitRead()

	ReadDiff(scanline int) (Span, int)
}

// Encoded buffer layout: a sequence of varint (write, skip) run pairs, ending
// with tagEnd. tagWriteAll means "write everything remaining" and is emitted
// when the buffer overflows, degrading the diff to a full redraw from that
// point on. Values are strictly below 1<<22.
const (
	minBufferSize = 32
	padding       = 16 // room at the end for the overflow and end tags
	tagEnd        = (1 << 22) - 1
	tagWriteAll   = (1 << 22) - 2
)

// Buffer computes and stores a real diff in user-dimensioned memory.
type Buffer struct {
	tab     []byte
	sizebuf int // capacity minus padding

	posw int // write position
	posr int // read position

	rX, rY, rLen int  // current instruction being replayed
	rCont        bool // true if (rX, rY, rLen) holds a valid instruction
	off          int  // pixel offset of the read cursor

	overflows uint32
	sizeStats stats.Var
	timeStats stats.Var
}

// NewBuffer returns a diff buffer with the given capacity in bytes. A few
// kilobytes is enough for typical frame-to-frame changes; an undersized
// buffer still yields correct (but partly trivial) diffs.
func NewBuffer(size int) *Buffer {
	if size < minBufferSize {
		size = minBufferSize
	}
	b := &Buffer{
		tab:       make([]byte, size),
		sizebuf:   size - padding,
		sizeStats: stats.NewVar(),
		timeStats: stats.NewVar(),
	}
	b.writeEncoded(tagEnd)
	b.InitRead()
	return b
}

// Size returns the encoded size of the current diff, or the full buffer
// capacity if it overflowed.
func (b *Buffer) Size() int {
	if b.posw >= b.sizebuf {
		return b.sizebuf + padding
	}
	return b.posw
}

func (b *Buffer) InitRead() {
	b.rCont = false
	b.posr = 0
	b.off = 0
}

func (b *Buffer) readEncoded() uint32 {
	c := b.tab[b.posr]
	b.posr++
	switch c & 3 {
	case 1: // 2-byte encoding
		r := uint32(c >> 2)
		r += uint32(b.tab[b.posr]) << 6
		b.posr++
		return r
	case 3: // 3-byte encoding
		r := uint32(c >> 2)
		r += uint32(b.tab[b.posr]) << 6
		r += uint32(b.tab[b.posr+1]) << 14
		b.posr += 2
		return r
	default: // single byte
		return uint32(c >> 1)
	}
}

func (b *Buffer) writeEncoded(val uint32) {
	switch {
	case val <= 127:
		b.tab[b.posw] = byte(val << 1) // bit0=0: single byte
		b.posw++
	case val <= 16383:
		b.tab[b.posw] = byte((val&63)<<2) | 1 // bit0=1, bit1=0: 2 bytes
		b.tab[b.posw+1] = byte(val >> 6)
		b.posw += 2
	default:
		b.tab[b.posw] = byte((val&63)<<2) | 3 // bit0=1, bit1=1: 3 bytes
		b.tab[b.posw+1] = byte(val >> 6)
		b.tab[b.posw+2] = byte(val >> 14)
		b.posw += 3
	}
}

// writeChunk appends a (write, skip) pair. It reports false when the buffer
// is exhausted, in which case a write-all tag has been emitted instead.
func (b *Buffer) writeChunk(nbWrite, nbSkip uint32) bool {
	if b.posw >= b.sizebuf {
		b.writeEncoded(tagWriteAll)
		return false
	}
	b.writeEncoded(nbWrite)
	b.writeEncoded(nbSkip)
	return true
}

func (b *Buffer) Compute(ref []uint16, src []uint16, rot Rotation, gap int, copyOver bool, mask uint16) {
	start := time.Now()
	if gap < 1 {
		gap = 1
	}
	if rot < Portrait || rot > LandscapeFlipped {
		rot = Portrait
	}
	b.posw = 0
	if b.sizebuf <= 0 || ref == nil || src == nil {
		b.writeEncoded(tagEnd)
		b.posw = 0
		b.InitRead()
		return
	}
	if mask == 0xffff {
		mask = 0 // comparing all bits is an exact comparison
	}
	switch rot {
	case Portrait:
		b.compute0(ref, src, gap, copyOver, mask)
	case Landscape:
		b.compute1(ref, src, gap, copyOver, mask)
	case PortraitFlipped:
		b.compute2(ref, src, gap, copyOver, mask)
	case LandscapeFlipped:
		b.compute3(ref, src, gap, copyOver, mask)
	}
	b.writeEncoded(tagEnd)
	if b.Size() >= b.sizebuf {
		// The diff overflowed, so the interleaved copy may be incomplete.
		if copyOver {
			CopyFrame(ref, src, rot)
		}
		b.overflows++
	}
	b.InitRead()
	b.sizeStats.Push(int32(b.Size()))
	b.timeStats.Push(int32(time.Since(start).Microseconds()))
}

// step processes one pixel of the scan: ref[n] against src[ind]. It returns
// false when the buffer overflowed and the scan must stop.
//
// The loop state threads through (cgap, pos): cgap counts the current run of
// identical pixels, pos is the pixel offset after the last emitted chunk.
func (b *Buffer) step(ref []uint16, src []uint16, n, ind int, gap int, copyOver bool, mask uint16, cgap, pos *int) bool {
	var differ bool
	if mask != 0 {
		differ = (ref[n]^src[ind])&mask != 0
	} else {
		differ = ref[n] != src[ind]
	}
	if !differ {
		*cgap++
		return true
	}
	if copyOver {
		ref[n] = src[ind]
	}
	if *cgap >= gap {
		if !b.writeChunk(uint32(n-*pos-*cgap), uint32(*cgap)) {
			return false
		}
		*pos = n
	}
	*cgap = 0
	return true
}

func (b *Buffer) finish(cgap, pos int) {
	if NumPixels-pos-cgap != 0 {
		b.writeChunk(uint32(NumPixels-pos-cgap), uint32(cgap))
	}
}

func (b *Buffer) compute0(ref []uint16, src []uint16, gap int, copyOver bool, mask uint16) {
	cgap, pos := 0, 0
	for n := 0; n < NumPixels; n++ {
		if !b.step(ref, src, n, n, gap, copyOver, mask, &cgap, &pos) {
			return
		}
	}
	b.finish(cgap, pos)
}

func (b *Buffer) compute1(ref []uint16, src []uint16, gap int, copyOver bool, mask uint16) {
	cgap, pos, n := 0, 0, 0
	for i := 0; i < Height; i++ {
		for j := Width - 1; j >= 0; j-- {
			if !b.step(ref, src, n, i+Height*j, gap, copyOver, mask, &cgap, &pos) {
				return
			}
			n++
		}
	}
	b.finish(cgap, pos)
}

func (b *Buffer) compute2(ref []uint16, src []uint16, gap int, copyOver bool, mask uint16) {
	cgap, pos, n := 0, 0, 0
	for j := Height - 1; j >= 0; j-- {
		for i := Width - 1; i >= 0; i-- {
			if !b.step(ref, src, n, i+Width*j, gap, copyOver, mask, &cgap, &pos) {
				return
			}
			n++
		}
	}
	b.finish(cgap, pos)
}

func (b *Buffer) compute3(ref []uint16, src []uint16, gap int, copyOver bool, mask uint16) {
	cgap, pos, n := 0, 0, 0
	for i := Height - 1; i >= 0; i-- {
		for j := 0; j < Width; j++ {
			if !b.step(ref, src, n, i+Height*j, gap, copyOver, mask, &cgap, &pos) {
				return
			}
			n++
		}
	}
	b.finish(cgap, pos)
}

func (b *Buffer) ReadDiff(scanline int) (Span, int) {
	if !b.rCont {
		// Load the next instruction.
		var nbWrite, nbSkip uint32
		for {
			nbWrite = b.readEncoded()
			if nbWrite == tagEnd {
				return Span{}, -1
			}
			if nbWrite == tagWriteAll {
				// Overflowed diff: write everything remaining.
				if NumPixels-b.off <= 0 {
					return Span{}, -1
				}
				nbWrite = uint32(NumPixels - b.off)
				nbSkip = 0
			} else {
				nbSkip = b.readEncoded()
			}
			if nbWrite > 0 {
				break
			}
			b.off += int(nbSkip)
		}
		b.rY = b.off / Width
		b.rX = b.off - Width*b.rY
		b.off += int(nbSkip) + int(nbWrite)
		b.rLen = int(nbWrite)
		b.rCont = true
	}
	// (rX, rY, rLen) holds a valid instruction.
	if scanline < Height && b.rY+MinScanlineSpace > scanline {
		// The raster has not cleared this line yet.
		l := b.rY + MinScanlineSpace
		if l > Height {
			l = Height
		}
		return Span{X: b.rX, Y: b.rY}, l
	}
	if b.rX > 0 {
		// Not at the beginning of a line.
		if b.rX+b.rLen <= Width {
			// Everything fits on this line.
			s := Span{X: b.rX, Y: b.rY, Len: b.rLen}
			b.rCont = false
			return s, 0
		}
		s := Span{X: b.rX, Y: b.rY, Len: Width - b.rX}
		b.rLen -= s.Len
		b.rX = 0
		b.rY++
		return s, 0
	}
	// At the beginning of a line: write as many full lines as the raster
	// position allows, capped at MaxWriteLine.
	maxl := scanline - b.rY
	if maxl > MaxWriteLine {
		maxl = MaxWriteLine
	}
	nbw := maxl * Width
	if b.rLen <= nbw {
		s := Span{X: 0, Y: b.rY, Len: b.rLen}
		b.rCont = false
		return s, 0
	}
	s := Span{X: 0, Y: b.rY, Len: nbw}
	b.rLen -= nbw
	b.rY += maxl
	return s, 0
}

// StatsReset discards the buffer's accumulated statistics.
func (b *Buffer) StatsReset() {
	b.overflows = 0
	b.sizeStats.Reset()
	b.timeStats.Reset()
}

// Overflows returns the number of computed diffs that ran out of buffer room.
func (b *Buffer) Overflows() uint32 { return b.overflows }

// OverflowRatio returns the fraction of computed diffs that overflowed.
func (b *Buffer) OverflowRatio() float64 {
	if n := b.sizeStats.Count(); n > 0 {
		return float64(b.overflows) / float64(n)
	}
	return 0
}

// SizeStats returns statistics about the encoded size of computed diffs.
func (b *Buffer) SizeStats() *stats.Var { return &b.sizeStats }

// TimeStats returns statistics about diff computation times in microseconds.
func (b *Buffer) TimeStats() *stats.Var { return &b.timeStats }

// Dummy is a diff that replays the entire frame. It holds no memory and is
// used when no valid reference framebuffer exists (first frame, forced
// redraw) or when buffering is disabled.
type Dummy struct {
	currentLine int // next line to be drawn
}

// NewDummy returns a full-frame diff generator.
func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) Compute(ref []uint16, src []uint16, rot Rotation, gap int, copyOver bool, mask uint16) {
	if copyOver {
		CopyFrame(ref, src, rot)
	}
	d.InitRead()
}

// ComputeDummy resets the generator without touching any framebuffer.
func (d *Dummy) ComputeDummy() { d.InitRead() }

func (d *Dummy) InitRead() { d.currentLine = 0 }

func (d *Dummy) ReadDiff(scanline int) (Span, int) {
	if d.currentLine >= Height {
		return Span{}, -1
	}
	if scanline >= Height {
		// The raster moved past the frame, go as fast as possible.
		s := Span{X: 0, Y: d.currentLine}
		if d.currentLine+MaxWriteLine <= Height {
			s.Len = MaxWriteLine * Width
			d.currentLine += MaxWriteLine
		} else {
			s.Len = (Height - d.currentLine) * Width
			d.currentLine = Height
		}
		return s, 0
	}
	maxl := scanline - d.currentLine // lines available for drawing
	if maxl < MinScanlineSpace {
		l := d.currentLine + MinScanlineSpace
		if l > Height {
			l = Height
		}
		return Span{X: 0, Y: d.currentLine}, l
	}
	if maxl > MaxWriteLine {
		maxl = MaxWriteLine
	}
	s := Span{X: 0, Y: d.currentLine, Len: maxl * Width}
	d.currentLine += maxl
	return s, 0
}

// CopyFrame copies src over dst, rotating src into rotation 0.
func CopyFrame(dst []uint16, src []uint16, rot Rotation) {
	switch rot {
	case Landscape:
		p := 0
		for i := 0; i < Height; i++ {
			for j := Width - 1; j >= 0; j-- {
				dst[p] = src[i+Height*j]
				p++
			}
		}
	case PortraitFlipped:
		p := 0
		for j := Height - 1; j >= 0; j-- {
			for i := Width - 1; i >= 0; i-- {
				dst[p] = src[i+Width*j]
				p++
			}
		}
	case LandscapeFlipped:
		p := 0
		for i := Height - 1; i >= 0; i-- {
			for j := 0; j < Width; j++ {
				dst[p] = src[i+Height*j]
				p++
			}
		}
	default:
		copy(dst, src)
	}
}
