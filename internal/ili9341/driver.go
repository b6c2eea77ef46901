// Package ili9341 drives an ILI9341 TFT display over SPI using differential
// updates synchronized with the display refresh.
//
// The driver keeps a mirror of the displayed frame and only uploads the
// pixels that changed, pacing the upload just behind the refresh raster so
// the scanline never crosses a region being rewritten (no tearing). Frames
// are pushed with Update; depending on how many internal framebuffers and
// diff buffers are attached the upload happens synchronously, double
// buffered, or triple buffered in the background.
package ili9341

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"tftsync/internal/diff"
	"tftsync/internal/log"
	"tftsync/internal/vsync"
)

// Screen geometry in rotation 0.
const (
	Width  = diff.Width
	Height = diff.Height
)

const (
	// DefaultSPIClock is a safe write clock; many panels run up to 80 MHz.
	DefaultSPIClock = 30 * physic.MegaHertz

	// DefaultVSyncSpacing refreshes twice per frame (framerate = refresh/2).
	DefaultVSyncSpacing = 2

	// DefaultDiffGap merges diff runs separated by fewer identical pixels.
	DefaultDiffGap = 10

	// DefaultLateStartRatio allows a transfer to start up to 30% into the
	// refresh period when running late, instead of waiting a full period.
	DefaultLateStartRatio = 0.3

	maxVSyncSpacing = 10
	retryInit       = 5
	sampleFrames    = 10

	// minWait is the shortest scheduled pause between streaming steps.
	minWait = 10 * time.Microsecond

	// maxDelay guards against absurd waits from clock glitches.
	maxDelay = time.Second
)

// BufferingMode describes how Update hands frames to the display.
type BufferingMode int

const (
	// NoBuffering uploads the caller's frame synchronously.
	NoBuffering BufferingMode = iota
	// DoubleBuffering copies the frame into an internal buffer and uploads
	// in the background.
	DoubleBuffering
	// TripleBuffering adds a second internal framebuffer so a pending frame
	// can be queued while a transfer is in flight.
	TripleBuffering
)

func (m BufferingMode) String() string {
	switch m {
	case NoBuffering:
		return "none"
	case DoubleBuffering:
		return "double"
	case TripleBuffering:
		return "triple"
	}
	return fmt.Sprintf("BufferingMode(%d)", int(m))
}

// Opts holds the initial driver configuration.
type Opts struct {
	// SPIClock is the write clock for pixel transfers.
	SPIClock physic.Frequency

	// Rotation selects the layout of frames passed to Update.
	Rotation diff.Rotation

	// VSyncSpacing is the number of display refreshes per uploaded frame.
	// -1 drops frames while a transfer is in flight, 0 uploads as fast as
	// possible without dropping, and n > 0 paces the framerate to
	// refresh_rate/n with tear-free uploads.
	VSyncSpacing int

	// DiffGap is the number of identical pixels needed to split a diff run.
	DiffGap int

	// CompareMask selects the color bits compared when diffing. 0 compares
	// exactly.
	CompareMask uint16

	// LateStartRatio bounds how far into the refresh period an upload may
	// still start when running late, in [0, 1].
	LateStartRatio float64

	// ResyncBias is the late-start ratio applied to the first synced upload
	// after an event that invalidated the raster clock anchor (init, sleep,
	// rotation or refresh change). 0 forces a strict wait for scanline 0.
	ResyncBias float64
}

// DefaultOpts is the recommended configuration.
var DefaultOpts = Opts{
	SPIClock:       DefaultSPIClock,
	VSyncSpacing:   DefaultVSyncSpacing,
	DiffGap:        DefaultDiffGap,
	LateStartRatio: DefaultLateStartRatio,
}

// Dev is a handle to an ILI9341 display.
type Dev struct {
	t     Transport
	clock *vsync.Clock

	// test seams, defaulting to the real thing
	sleep     func(time.Duration)
	afterFunc func(time.Duration, func())

	mu       sync.Mutex
	cond     *sync.Cond
	busy     bool   // a transfer session is in flight
	cb       func() // completion callback, consumed by the session
	fb2full  bool   // triple buffering: fb2 holds a pending frame
	touchReq bool   // read the touch controller when the bus frees up
	asyncErr error  // first error of the last background transfer

	width, height int
	rotation      diff.Rotation
	refreshMode   int
	periodMode0   time.Duration

	vsyncSpacing   int
	diffGap        int
	compareMask    uint16
	lateStartRatio float64
	resyncBias     float64
	resyncPending  bool

	fb1, fb2     []uint16
	diff1, diff2 *diff.Buffer
	dd1, dd2     *diff.Dummy
	mirror       []uint16 // framebuffer mirroring the display; nil forces a full redraw
	scratch      []uint16 // pixel staging area for rotated uploads

	timeFrameStart time.Time // when the last uploaded frame starts being displayed
	lastDelta      int       // refreshes between the last two frames

	touch *Touch

	devStats
}

// NewSPI returns a driver on the given SPI port. dc is the data/command
// line; rst may be nil when the display reset pin is tied high. The display
// is not touched until Begin.
func NewSPI(p spi.Port, dc, rst gpio.PinOut, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, errors.New("ili9341: SPI port is required")
	}
	if dc == nil {
		return nil, errors.New("ili9341: DC pin is required")
	}
	if opts == nil {
		o := DefaultOpts
		opts = &o
	}
	speed := opts.SPIClock
	if speed == 0 {
		speed = DefaultSPIClock
	}
	t, err := newSPITransport(p, dc, rst, speed)
	if err != nil {
		return nil, err
	}
	return newDev(t, opts), nil
}

// newDev builds a driver on any transport. Used directly by tests.
func newDev(t Transport, opts *Opts) *Dev {
	if opts == nil {
		o := DefaultOpts
		opts = &o
	}
	d := &Dev{
		t:         t,
		sleep:     time.Sleep,
		afterFunc: func(delay time.Duration, f func()) { time.AfterFunc(delay, f) },
		width:     Width,
		height:    Height,
	}
	d.cond = sync.NewCond(&d.mu)
	d.clock = vsync.New(func() int { return vsync.MapRaw(t.ReadScanline()) })
	d.dd1 = diff.NewDummy()
	d.dd2 = diff.NewDummy()
	d.applyOpts(opts)
	d.statsResetLocked()
	return d
}

func (d *Dev) applyOpts(o *Opts) {
	d.vsyncSpacing = clipInt(o.VSyncSpacing, -1, maxVSyncSpacing)
	d.diffGap = clipInt(o.DiffGap, 1, diff.NumPixels)
	d.compareMask = o.CompareMask
	d.lateStartRatio = clipFloat(o.LateStartRatio, 0, 1)
	d.resyncBias = clipFloat(o.ResyncBias, 0, 1)
	d.setRotationDims(o.Rotation)
}

// Begin resets and configures the display. Unstable power supplies make the
// init sequence flaky, so it is retried a few times with a hardware reset in
// between; each attempt is verified by reading back the control registers.
func (d *Dev) Begin() error {
	d.statsReset()
	d.resync()
	d.mirror = nil

	for attempt := 1; attempt <= retryInit; attempt++ {
		if err := d.t.Reset(); err != nil {
			return err
		}
		d.sleep(150 * time.Millisecond)
		for _, c := range initSequence {
			if err := d.t.Command(c.cmd, c.data...); err != nil {
				return err
			}
		}
		if err := d.t.Command(cmdSLPOUT); err != nil {
			return err
		}
		d.sleep(200 * time.Millisecond) // exiting sleep takes a while
		if err := d.t.Command(cmdDISPON); err != nil {
			return err
		}

		if v := d.t.ReadCommand8(cmdRDMODE); v != initModeOK {
			log.Warn("display power mode readback failed", "attempt", attempt, "got", fmt.Sprintf("%#02x", v))
			continue
		}
		if v := d.t.ReadCommand8(cmdRDPIXFMT); v != initPixFmtOK {
			log.Warn("pixel format readback failed", "attempt", attempt, "got", fmt.Sprintf("%#02x", v))
			continue
		}
		if v := d.t.ReadCommand8(cmdRDIMGFMT); v != initImgFmtOK {
			log.Warn("image format readback failed", "attempt", attempt, "got", fmt.Sprintf("%#02x", v))
			continue
		}
		if v := d.t.ReadCommand8(cmdRDSELFDIAG); v != selfDiagOK {
			log.Warn("self-diagnostic readback failed", "attempt", attempt, "got", fmt.Sprintf("%#02x", v))
			continue
		}

		// The display answers; set the fastest refresh mode and measure the
		// real refresh period.
		if err := d.SetRefreshMode(0); err != nil {
			return err
		}
		d.periodMode0 = d.clock.Period()
		log.Info("display initialized", "refresh_hz", fmt.Sprintf("%.1f", d.clock.RefreshRate()))
		return nil
	}
	return errors.New("ili9341: display failed to initialize")
}

// resync invalidates the raster clock anchor so that the next synced upload
// re-reads the hardware scanline.
func (d *Dev) resync() {
	d.resyncPending = true
}

// WaitUpdateComplete blocks until no background transfer is in flight.
func (d *Dev) WaitUpdateComplete() {
	d.mu.Lock()
	for d.busy {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// AsyncUpdateActive reports whether a background transfer is in flight.
func (d *Dev) AsyncUpdateActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// ForceFullRedraw makes the next Update upload the whole frame.
func (d *Dev) ForceFullRedraw() {
	d.WaitUpdateComplete()
	d.mirror = nil
}

// LastVSyncSpacing returns the number of display refreshes that elapsed
// between the last two uploaded frames. Meaningful only with vsync active.
func (d *Dev) LastVSyncSpacing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastDelta
}

/**********************************************************************
 * Display control
 **********************************************************************/

// Sleep puts the display in or out of sleep mode.
func (d *Dev) Sleep(enable bool) error {
	d.WaitUpdateComplete()
	d.mirror = nil
	if enable {
		if err := d.t.Command(cmdDISPOFF); err != nil {
			return err
		}
		if err := d.t.Command(cmdSLPIN); err != nil {
			return err
		}
		d.sleep(200 * time.Millisecond)
	} else {
		if err := d.t.Command(cmdDISPON); err != nil {
			return err
		}
		if err := d.t.Command(cmdSLPOUT); err != nil {
			return err
		}
		d.sleep(20 * time.Millisecond)
	}
	d.resync()
	return nil
}

// InvertDisplay toggles color inversion.
func (d *Dev) InvertDisplay(inverted bool) error {
	d.WaitUpdateComplete()
	c := byte(cmdINVOFF)
	if inverted {
		c = cmdINVON
	}
	if err := d.t.Command(c); err != nil {
		return err
	}
	d.resync()
	return nil
}

// SetScroll sets the vertical scroll offset, wrapping around the screen
// height. The offset applies to the panel memory, not to diff coordinates.
func (d *Dev) SetScroll(offset int) error {
	offset %= Height
	if offset < 0 {
		offset += Height
	}
	d.WaitUpdateComplete()
	if err := d.t.Command(cmdVSCRSADD, byte(offset>>8), byte(offset)); err != nil {
		return err
	}
	// Two consecutive scroll commands can stall the controller without an
	// intervening RAMWR.
	if err := d.t.Command(cmdRAMWR); err != nil {
		return err
	}
	return d.t.Command(cmdNOP)
}

// SelfDiagStatus reads the self-diagnostic register. A healthy display
// returns SelfDiagOK.
func (d *Dev) SelfDiagStatus() byte {
	d.WaitUpdateComplete()
	d.resync()
	return d.t.ReadCommand8(cmdRDSELFDIAG)
}

// SelfDiagOK is the self-diagnostic value of a healthy display.
const SelfDiagOK = selfDiagOK

/**********************************************************************
 * Rotation
 **********************************************************************/

// SetRotation changes the layout of frames passed to Update and swaps the
// reported width and height accordingly.
func (d *Dev) SetRotation(r diff.Rotation) {
	if r < diff.Portrait || r > diff.LandscapeFlipped || r == d.rotation {
		return
	}
	d.WaitUpdateComplete()
	d.mirror = nil
	d.statsReset()
	d.setRotationDims(r)
	d.resync()
}

func (d *Dev) setRotationDims(r diff.Rotation) {
	if r < diff.Portrait || r > diff.LandscapeFlipped {
		r = diff.Portrait
	}
	d.rotation = r
	switch r {
	case diff.Landscape, diff.LandscapeFlipped:
		d.width, d.height = Height, Width
	default:
		d.width, d.height = Width, Height
	}
}

// Rotation returns the current frame layout.
func (d *Dev) Rotation() diff.Rotation { return d.rotation }

// Width returns the screen width in the current rotation.
func (d *Dev) Width() int { return d.width }

// Height returns the screen height in the current rotation.
func (d *Dev) Height() int { return d.height }

/**********************************************************************
 * Refresh rate
 **********************************************************************/

// SetRefreshMode selects the display frame rate divider, mode 0 (fastest,
// around 120 Hz) to 31 (slowest, around 30 Hz), and re-measures the refresh
// period. Resets the statistics.
func (d *Dev) SetRefreshMode(mode int) error {
	if mode < 0 || mode > 31 {
		return fmt.Errorf("ili9341: invalid refresh mode %d", mode)
	}
	d.WaitUpdateComplete()
	d.refreshMode = mode
	var diva byte
	if mode >= 16 {
		mode -= 16
		diva = 1
	}
	if err := d.t.Command(cmdFRMCTR1, diva, byte(0x10+mode)); err != nil {
		return err
	}
	d.sleep(50 * time.Microsecond)
	d.clock.Sample(sampleFrames)
	d.statsReset()
	d.resync()
	return nil
}

// RefreshMode returns the current refresh mode.
func (d *Dev) RefreshMode() int { return d.refreshMode }

// RefreshRate returns the measured display refresh rate in Hz.
func (d *Dev) RefreshRate() float64 { return d.clock.RefreshRate() }

// refreshRateForMode estimates the refresh rate of a mode from the measured
// rate of mode 0.
func (d *Dev) refreshRateForMode(mode int) float64 {
	if d.periodMode0 <= 0 {
		return 0
	}
	freq := float64(time.Second) / float64(d.periodMode0)
	if mode >= 16 {
		freq /= 2
		mode -= 16
	}
	return freq * 16 / float64(16+mode)
}

// modeForRefreshRate returns the refresh mode closest to the requested rate.
func (d *Dev) modeForRefreshRate(hz float64) int {
	if hz <= d.refreshRateForMode(31) {
		return 31
	}
	if hz >= d.refreshRateForMode(0) {
		return 0
	}
	a, b := 0, 31
	for b-a > 1 {
		c := (a + b) / 2
		if hz < d.refreshRateForMode(c) {
			a = c
		} else {
			b = c
		}
	}
	if d.refreshRateForMode(a)-hz < hz-d.refreshRateForMode(b) {
		return a
	}
	return b
}

// SetRefreshRate selects the refresh mode closest to the requested rate in
// Hz and returns the rate actually obtained.
func (d *Dev) SetRefreshRate(hz float64) (float64, error) {
	if err := d.SetRefreshMode(d.modeForRefreshRate(hz)); err != nil {
		return 0, err
	}
	return d.clock.RefreshRate(), nil
}

/**********************************************************************
 * Update parameters
 **********************************************************************/

// SetVSyncSpacing changes the refresh-per-frame pacing. See Opts. Resets the
// statistics.
func (d *Dev) SetVSyncSpacing(spacing int) {
	d.WaitUpdateComplete()
	d.vsyncSpacing = clipInt(spacing, -1, maxVSyncSpacing)
	d.statsReset()
}

// VSyncSpacing returns the current pacing parameter.
func (d *Dev) VSyncSpacing() int { return d.vsyncSpacing }

// SetDiffGap changes the run-merging gap used when computing diffs. Resets
// the statistics.
func (d *Dev) SetDiffGap(gap int) {
	d.WaitUpdateComplete()
	d.diffGap = clipInt(gap, 1, diff.NumPixels)
	d.statsReset()
}

// DiffGap returns the current diff gap.
func (d *Dev) DiffGap() int { return d.diffGap }

// SetCompareMask selects which color bits participate in frame comparison.
// 0 (or 0xffff) compares exactly.
func (d *Dev) SetCompareMask(mask uint16) {
	d.WaitUpdateComplete()
	d.compareMask = mask
}

// CompareMask returns the current comparison mask.
func (d *Dev) CompareMask() uint16 { return d.compareMask }

// SetLateStartRatio bounds how far into a refresh period an upload may still
// start when late.
func (d *Dev) SetLateStartRatio(r float64) {
	d.WaitUpdateComplete()
	d.lateStartRatio = clipFloat(r, 0, 1)
}

// SetResyncBias sets the late-start ratio used on the first synced upload
// after the raster anchor was invalidated.
func (d *Dev) SetResyncBias(r float64) {
	d.WaitUpdateComplete()
	d.resyncBias = clipFloat(r, 0, 1)
}

/**********************************************************************
 * Buffers
 **********************************************************************/

// SetFramebuffers attaches zero, one or two internal framebuffers. Each must
// hold exactly Width*Height pixels. Passing nil detaches. The buffers belong
// to the driver once attached; draw into your own frame and pass it to
// Update.
func (d *Dev) SetFramebuffers(fb1, fb2 []uint16) error {
	if fb1 != nil && len(fb1) != diff.NumPixels {
		return fmt.Errorf("ili9341: framebuffer 1 holds %d pixels, want %d", len(fb1), diff.NumPixels)
	}
	if fb2 != nil && len(fb2) != diff.NumPixels {
		return fmt.Errorf("ili9341: framebuffer 2 holds %d pixels, want %d", len(fb2), diff.NumPixels)
	}
	d.WaitUpdateComplete()
	d.mirror = nil
	d.fb2full = false
	if fb1 != nil {
		d.fb1, d.fb2 = fb1, fb2
	} else {
		d.fb1, d.fb2 = fb2, nil
	}
	d.warnBufferMismatch()
	d.resync()
	return nil
}

// SetDiffBuffers attaches zero, one or two diff buffers. Passing nil
// detaches. The buffers belong to the driver once attached; their stats
// methods remain safe to call.
func (d *Dev) SetDiffBuffers(b1, b2 *diff.Buffer) {
	d.WaitUpdateComplete()
	if b1 != nil {
		d.diff1, d.diff2 = b1, b2
	} else {
		d.diff1, d.diff2 = b2, nil
	}
	d.warnBufferMismatch()
}

func (d *Dev) warnBufferMismatch() {
	if d.fb1 != nil && d.diff1 == nil {
		log.Warn("framebuffer attached without a diff buffer, updates fall back to synchronous full redraws")
	}
	if d.fb2 != nil && d.diff1 != nil && d.diff2 == nil {
		log.Warn("triple buffering needs two diff buffers, falling back to double buffering")
	}
}

// BufferingMode returns the mode Update will use, derived from the attached
// buffers: none (no framebuffer or no diff buffer), double (one framebuffer)
// or triple (two framebuffers and two diff buffers).
func (d *Dev) BufferingMode() BufferingMode {
	if d.fb1 == nil || d.diff1 == nil {
		return NoBuffering
	}
	if d.diff2 == nil || d.fb2 == nil {
		return DoubleBuffering
	}
	return TripleBuffering
}

// AttachTouch associates an XPT2046 touch controller sharing the display
// bus. Touch reads are deferred to transfer boundaries.
func (d *Dev) AttachTouch(t *Touch) {
	d.WaitUpdateComplete()
	d.touch = t
	if t != nil {
		t.dev = d
	}
}

func clipInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clipFloat(v, lo, hi float64) float64 {
	if v < lo || math.IsNaN(v) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
