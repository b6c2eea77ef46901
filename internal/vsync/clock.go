// Package vsync models the refresh raster of a scanline-based display.
//
// The display redraws itself continuously from top to bottom. A Clock tracks
// where the raster currently is without touching the bus: it extrapolates
// from a monotonic timestamp taken at the last hardware synchronization and
// from the measured refresh period. Synchronizing (querying the hardware
// scanline register) is expensive and only done between transfers; all other
// raster estimates are pure arithmetic.
package vsync

import (
	"time"
)

// NumScanlines is the number of raster lines in one refresh period.
const NumScanlines = 320

// pollInterval spaces out the hardware queries while waiting for a frame
// boundary. One scanline lasts about 50µs at 60Hz.
const pollInterval = 50 * time.Microsecond

// MapRaw converts a raw scanline register value, in [0, 161], to a raster
// line in [0, NumScanlines). The register advances once every two lines and
// lingers on 0 during the porch, so the extra time is credited to line 0.
func MapRaw(raw int) int {
	sc := 2*raw - 3
	if sc < 0 {
		sc = 0
	}
	return sc
}

// Clock tracks the display raster. Not safe for concurrent use; the driver
// serializes access to it.
type Clock struct {
	query func() int // reads the raster line from the hardware, in [0, NumScanlines)

	// Now and Sleep are the time sources, replaceable in tests.
	Now   func() time.Time
	Sleep func(time.Duration)

	period     time.Duration // duration of one full refresh
	syncedAt   time.Time
	syncedLine int
}

// New returns a clock that reads the raster position with query. The period
// starts at zero; call SetPeriod or Sample before relying on estimates.
func New(query func() int) *Clock {
	return &Clock{
		query: query,
		Now:   time.Now,
		Sleep: time.Sleep,
	}
}

// SetPeriod sets the refresh period used for raster extrapolation.
func (c *Clock) SetPeriod(p time.Duration) {
	if p < 0 {
		p = 0
	}
	c.period = p
}

// Period returns the current refresh period estimate.
func (c *Clock) Period() time.Duration { return c.period }

// RefreshRate returns the refresh frequency in Hz, or 0 when unknown.
func (c *Clock) RefreshRate() float64 {
	if c.period <= 0 {
		return 0
	}
	return float64(time.Second) / float64(c.period)
}

// Scanline returns the current raster line in [0, NumScanlines). When sync is
// true it queries the hardware and re-anchors the extrapolation; the bus must
// be idle. When false it extrapolates from the last anchor.
func (c *Clock) Scanline(sync bool) int {
	if !sync {
		if c.period <= 0 {
			return c.syncedLine
		}
		el := c.Now().Sub(c.syncedAt)
		return (c.syncedLine + int(el*NumScanlines/c.period)) % NumScanlines
	}
	sc := c.query()
	c.syncedAt = c.Now()
	c.syncedLine = sc
	return sc
}

// Sample measures the refresh period by timing full raster revolutions. It
// blocks for frames refresh periods (plus up to one for alignment) and leaves
// the measured period installed. The bus must be idle.
func (c *Clock) Sample(frames int) time.Duration {
	if frames < 1 {
		frames = 1
	}
	c.waitFrameStart()
	start := c.Now()
	for i := 0; i < frames; i++ {
		// Stay well under the fastest possible refresh before polling again.
		c.Sleep(5 * time.Millisecond)
		c.waitFrameStart()
	}
	c.period = c.Now().Sub(start) / time.Duration(frames)
	return c.period
}

// waitFrameStart waits until the raster wraps back to the top of the frame.
// The scanline register advances once every two lines, so polling faster than
// half a line gains nothing and hogs the bus.
func (c *Clock) waitFrameStart() {
	prev := c.Scanline(true)
	for {
		c.Sleep(pollInterval)
		cur := c.Scanline(true)
		if cur < prev {
			return
		}
		prev = cur
	}
}

// TimeToReach returns the time until the raster reaches the given line,
// accounting for wraparound. With sync set the position is re-anchored from
// hardware first.
func (c *Clock) TimeToReach(scanline int, sync bool) time.Duration {
	cur := c.Scanline(sync)
	d := scanline - cur
	if d < 0 {
		d += NumScanlines
	}
	return time.Duration(d) * c.period / NumScanlines
}

// TimeToExitRange returns how long until the raster leaves [start, end], or 0
// if it is already outside or the range is invalid (negative or covering most
// of the frame).
func (c *Clock) TimeToExitRange(start, end int) time.Duration {
	delta := end - start
	if delta < 0 || 5*delta >= 4*NumScanlines {
		return 0
	}
	if !c.inRange(start, end) {
		return 0
	}
	// Never 0 when inside the range.
	return time.Microsecond + c.TimeToReach((end+1)%NumScanlines, false)
}

// inRange reports whether the raster is currently inside [start, end].
func (c *Clock) inRange(start, end int) bool {
	v := c.Scanline(false)
	return start <= v && v <= end
}

// ScanlinesDuring returns how many raster lines are drawn in d.
func (c *Clock) ScanlinesDuring(d time.Duration) int {
	if c.period <= 0 {
		return 0
	}
	return int(d * NumScanlines / c.period)
}

// TimeForScanlines returns how long the raster takes to draw n lines.
func (c *Clock) TimeForScanlines(n int) time.Duration {
	return time.Duration(n) * c.period / NumScanlines
}
