package ili9341

import (
	"math"
	"time"

	"tftsync/internal/diff"
	"tftsync/internal/log"
	"tftsync/internal/vsync"
)

// A session streams one frame to the display, span by span, paced behind
// the refresh raster. The same state machine serves the synchronous path
// (pauses via sleep) and the background path (pauses via timer, one pump
// call per wake-up).
type session struct {
	fb    []uint16
	dr    diff.Reader
	rot   diff.Rotation
	sync  bool // pace the transfer behind the raster
	async bool

	step     sessionStep
	slInit   int // first scanline the transfer will write, then the raster anchor
	anchor   time.Time
	anchored bool
	prevX    int
	prevY    int

	margin int // closest the raster came to catching the transfer, in lines
	pixels int
	spans  int
	active time.Duration // time spent working rather than waiting
	xfer   time.Duration // part of active spent on the pixel bus
	err    error

	scratch []uint16
}

type sessionStep int

const (
	stepWaitFrame sessionStep = iota // hold until the frame's vsync slot
	stepLateStart                    // decide how long to wait past frame start
	stepStream                       // anchor on the raster and stream spans
)

func (d *Dev) newSession(fb []uint16, dr diff.Reader, rot diff.Rotation, async bool) *session {
	if d.scratch == nil {
		d.scratch = make([]uint16, diff.MaxWriteLine*diff.Width)
	}
	return &session{
		fb:      fb,
		dr:      dr,
		rot:     rot,
		sync:    d.vsyncSpacing > 0,
		async:   async,
		prevX:   -1,
		prevY:   -1,
		margin:  vsync.NumScanlines,
		scratch: d.scratch,
	}
}

// updateNow uploads the caller's frame synchronously. The frame follows the
// current rotation; spans are gathered into panel order on the fly.
func (d *Dev) updateNow(fb []uint16, dr diff.Reader) error {
	d.mu.Lock()
	d.busy = true
	d.mu.Unlock()
	s := d.newSession(fb, dr, d.rotation, false)
	dr.InitRead()
	if _, r := dr.ReadDiff(0); r < 0 {
		d.noteEmptyFrame()
	} else {
		s.slInit = r
		d.pump(s)
		return s.err
	}
	d.finish(s)
	return s.err
}

// updateAsync starts a background upload of an internal framebuffer, which
// holds panel-order pixels regardless of the rotation. The caller must have
// marked the driver busy; completion clears it and fires the callback.
func (d *Dev) updateAsync(fb []uint16, dr diff.Reader) {
	s := d.newSession(fb, dr, diff.Portrait, true)
	dr.InitRead()
	_, r := dr.ReadDiff(0)
	if r < 0 {
		d.noteEmptyFrame()
		d.finish(s)
		return
	}
	s.slInit = r
	d.afterFunc(time.Microsecond, func() { d.pump(s) })
}

// pump drives the session forward. Synchronous sessions sleep through the
// pauses; background sessions hand themselves to a timer and return.
func (d *Dev) pump(s *session) {
	for {
		t0 := d.clock.Now()
		delay, done := d.advance(s)
		s.active += d.clock.Now().Sub(t0)
		if done {
			d.finish(s)
			return
		}
		if s.async {
			d.afterFunc(clampDelay(delay), func() { d.pump(s) })
			return
		}
		if delay > 0 {
			d.sleep(clampDelay(delay))
		}
	}
}

// advance performs the next chunk of work and returns how long to pause
// before the following one, or done.
func (d *Dev) advance(s *session) (time.Duration, bool) {
	switch s.step {
	case stepWaitFrame:
		s.step = stepLateStart
		if s.sync {
			wait := d.timeFrameStart.
				Add(time.Duration(d.vsyncSpacing-1) * d.clock.Period()).
				Sub(d.clock.Now())
			if wait > 0 {
				return wait, false
			}
		}
		return 0, false

	case stepLateStart:
		s.step = stepStream
		if s.sync {
			// The raster must be past the first written line when the
			// transfer starts. If it already moved some way into the frame,
			// starting a little late beats waiting a whole period, up to
			// the late-start ratio. After a resync event the bias ratio
			// applies instead and the transfer never starts late.
			ratio := d.lateStartRatio
			strict := false
			if d.resyncPending {
				ratio = d.resyncBias
				strict = true
				d.resyncPending = false
			}
			sc1 := s.slInit
			sc2 := sc1 + int(float64(vsync.NumScanlines-1-sc1)*ratio)
			t2 := d.clock.TimeToReach(sc2, true)
			t := d.clock.TimeToReach(sc1, false)
			if !strict && t2 < t {
				t = 0
			}
			if t > 0 {
				return t, false
			}
		}
		return 0, false

	default: // stepStream
		if !s.anchored {
			s.anchored = true
			if s.sync {
				// Leaving the [0, sc1] range right now would let the raster
				// lap the transfer; spin past it, then anchor.
				for {
					t := d.clock.TimeToExitRange(0, s.slInit)
					if t == 0 {
						break
					}
					d.sleep(clampDelay(t))
				}
				s.slInit = d.clock.Scanline(false)
				s.anchor = d.clock.Now()
				tfs := d.clock.Now().Add(d.clock.TimeToReach(0, false))
				d.mu.Lock()
				d.lastDelta = roundDelta(tfs.Sub(d.timeFrameStart), d.clock.Period())
				d.timeFrameStart = tfs
				d.mu.Unlock()
			}
		}
		for {
			asl := 2 * diff.Height // without vsync, never wait on the raster
			if s.sync {
				asl = s.slInit + d.clock.ScanlinesDuring(d.clock.Now().Sub(s.anchor))
			}
			sp, r := s.dr.ReadDiff(asl)
			if r < 0 {
				s.err = d.t.Command(cmdNOP)
				return 0, true
			}
			if r > 0 {
				// The raster has not yet cleared the next span.
				t := d.clock.TimeForScanlines(r - asl + 1)
				if t < minWait {
					t = minWait
				}
				return t, false
			}
			if err := d.writeSpan(s, sp); err != nil {
				s.err = err
				return 0, true
			}
			if s.sync {
				m := (diff.Width*sp.Y+sp.X+sp.Len)/diff.Width + diff.Height -
					s.slInit - d.clock.ScanlinesDuring(d.clock.Now().Sub(s.anchor))
				if m < s.margin {
					s.margin = m
				}
			}
		}
	}
}

// writeSpan sets the write window and pushes one span of pixels.
func (d *Dev) writeSpan(s *session, sp diff.Span) error {
	if sp.X != s.prevX {
		err := d.t.Command(cmdCASET,
			byte(sp.X>>8), byte(sp.X), byte(diff.Width>>8), byte(diff.Width))
		if err != nil {
			return err
		}
		s.prevX = sp.X
	}
	if sp.Y != s.prevY {
		err := d.t.Command(cmdPASET,
			byte(sp.Y>>8), byte(sp.Y), byte(diff.Height>>8), byte(diff.Height&0xff))
		if err != nil {
			return err
		}
		s.prevY = sp.Y
	}
	if err := d.t.Command(cmdRAMWR); err != nil {
		return err
	}
	px := gather(s.fb, s.rot, sp, s.scratch)
	t0 := d.clock.Now()
	err := d.t.Pixels(px)
	s.xfer += d.clock.Now().Sub(t0)
	s.pixels += sp.Len
	s.spans++
	return err
}

// gather collects the pixels of a span in display order. Spans address the
// panel memory; the frame uses the current rotation, so for rotated layouts
// the pixels are staged into dst.
func gather(fb []uint16, rot diff.Rotation, sp diff.Span, dst []uint16) []uint16 {
	off := sp.Y*diff.Width + sp.X
	switch rot {
	case diff.Landscape:
		x0 := sp.Y
		y0 := diff.Width - 1 - sp.X
		for i := 0; i < sp.Len; i++ {
			dst[i] = fb[x0+diff.Height*y0]
			if y0--; y0 < 0 {
				y0 = diff.Width - 1
				x0++
			}
		}
	case diff.PortraitFlipped:
		p := diff.NumPixels - 1 - off
		for i := 0; i < sp.Len; i++ {
			dst[i] = fb[p-i]
		}
	case diff.LandscapeFlipped:
		x0 := diff.Height - 1 - sp.Y
		y0 := sp.X
		for i := 0; i < sp.Len; i++ {
			dst[i] = fb[x0+diff.Height*y0]
			if y0++; y0 >= diff.Width {
				y0 = 0
				x0--
			}
		}
	default:
		return fb[off : off+sp.Len]
	}
	return dst[:sp.Len]
}

// noteEmptyFrame advances the frame timing when a frame uploads no pixels,
// so pacing stays locked to the refresh.
func (d *Dev) noteEmptyFrame() {
	if d.vsyncSpacing <= 0 {
		return
	}
	period := d.clock.Period()
	t1 := d.clock.Now().Add(d.clock.TimeToReach(0, true))
	t2 := d.timeFrameStart.Add(time.Duration(d.vsyncSpacing) * period)
	if absDuration(t1.Sub(t2)) < period/3 {
		t1 = t2 // same frame
	}
	tfs := t2
	if d.resyncPending || t1.After(t2) ||
		t2.Sub(t1) > time.Duration(maxVSyncSpacing+1)*period {
		tfs = t1
	}
	d.resyncPending = false
	if tfs.Before(d.timeFrameStart) {
		tfs = t2
	}
	d.mu.Lock()
	d.lastDelta = roundDelta(tfs.Sub(d.timeFrameStart), period)
	d.timeFrameStart = tfs
	d.mu.Unlock()
}

// finish closes the session: records statistics, services a deferred touch
// read while the bus is free, then either releases the driver or chains
// into the queued-frame callback.
func (d *Dev) finish(s *session) {
	if s.err != nil && s.async {
		log.Error("frame transfer failed", s.err)
	}
	d.mu.Lock()
	d.endFrameLocked(s)
	if s.err != nil && s.async && d.asyncErr == nil {
		d.asyncErr = s.err
	}
	touchReq := d.touchReq
	d.touchReq = false
	d.mu.Unlock()

	if touchReq && d.touch != nil {
		d.touch.read()
	}

	d.mu.Lock()
	cb := d.cb
	d.cb = nil
	if cb == nil {
		// keep busy set when chaining so waiters never observe an idle
		// driver with a frame still queued
		d.busy = false
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func clampDelay(t time.Duration) time.Duration {
	if t < 0 {
		return 0
	}
	if t > maxDelay {
		return maxDelay
	}
	return t
}

func roundDelta(delta, period time.Duration) int {
	if period <= 0 {
		return 0
	}
	return int(math.Round(float64(delta) / float64(period)))
}

func absDuration(t time.Duration) time.Duration {
	if t < 0 {
		return -t
	}
	return t
}
