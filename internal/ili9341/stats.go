package ili9341

import (
	"fmt"
	"strings"
	"time"

	"tftsync/internal/diff"
	"tftsync/internal/stats"
)

// devStats accumulates per-frame transfer statistics. Embedded in Dev and
// guarded by its mutex.
type devStats struct {
	statFrames  uint32
	statStart   time.Time
	varCPU      stats.Var // µs of computation per frame, transfers excluded
	varUpload   stats.Var // µs per frame spent uploading
	varPixels   stats.Var
	varSpans    stats.Var
	varMargin   stats.Var // lines of headroom between transfer and raster
	varVSync    stats.Var // refreshes between consecutive frames
	statsTeared uint32
}

func (d *Dev) endFrameLocked(s *session) {
	if d.statStart.IsZero() {
		d.statStart = d.clock.Now()
	}
	d.statFrames++
	d.varCPU.Push(int32((s.active - s.xfer).Microseconds()))
	d.varUpload.Push(int32(s.active.Microseconds()))
	d.varPixels.Push(int32(s.pixels))
	d.varSpans.Push(int32(s.spans))
	if s.sync {
		if d.varMargin.Count() > 0 {
			d.varVSync.Push(int32(d.lastDelta))
		}
		if s.margin < 0 {
			d.statsTeared++
		}
		d.varMargin.Push(int32(s.margin))
	}
}

// StatsReset clears the transfer statistics, including those of the
// attached diff buffers.
func (d *Dev) StatsReset() {
	d.mu.Lock()
	d.statsResetLocked()
	d.mu.Unlock()
	if d.diff1 != nil {
		d.diff1.StatsReset()
	}
	if d.diff2 != nil {
		d.diff2.StatsReset()
	}
}

func (d *Dev) statsReset() { d.StatsReset() }

func (d *Dev) statsResetLocked() {
	d.statFrames = 0
	d.statStart = time.Time{}
	d.varCPU.Reset()
	d.varUpload.Reset()
	d.varPixels.Reset()
	d.varSpans.Reset()
	d.varMargin.Reset()
	d.varVSync.Reset()
	d.statsTeared = 0
}

// Stats is a snapshot of the driver statistics since the last reset.
type Stats struct {
	Frames  uint32
	Elapsed time.Duration
	FPS     float64

	CPU          stats.Var // frame computation time, µs
	Upload       stats.Var // frame upload time, µs
	Pixels       stats.Var // pixels uploaded per frame
	Spans        stats.Var // write spans per frame
	Margin       stats.Var // raster headroom per frame, lines
	VSyncSpacing stats.Var // refreshes between frames
	Teared       uint32
}

// Stats returns a snapshot of the statistics since the last reset.
func (d *Dev) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

func (d *Dev) statsLocked() Stats {
	st := Stats{
		Frames:       d.statFrames,
		CPU:          d.varCPU,
		Upload:       d.varUpload,
		Pixels:       d.varPixels,
		Spans:        d.varSpans,
		Margin:       d.varMargin,
		VSyncSpacing: d.varVSync,
		Teared:       d.statsTeared,
	}
	if !d.statStart.IsZero() {
		st.Elapsed = d.clock.Now().Sub(d.statStart)
	}
	if st.Elapsed > 0 {
		st.FPS = float64(st.Frames) / st.Elapsed.Seconds()
	}
	return st
}

// Report formats the driver state and statistics as a multi-line string. The
// whole snapshot is taken under one lock so the fields are mutually
// consistent.
func (d *Dev) Report() string {
	d.mu.Lock()
	st := d.statsLocked()
	width, height, rot := d.width, d.height, d.rotation
	mode := d.BufferingMode()
	rate, refreshMode := d.RefreshRate(), d.refreshMode
	spacing, gap, mask := d.vsyncSpacing, d.diffGap, d.compareMask
	db := d.diff1
	d.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "ILI9341 driver status\n")
	fmt.Fprintf(&b, "- resolution   : %dx%d (rotation %d)\n", width, height, rot)
	fmt.Fprintf(&b, "- buffering    : %s\n", mode)
	fmt.Fprintf(&b, "- refresh rate : %.1fHz (mode %d)\n", rate, refreshMode)
	fmt.Fprintf(&b, "- vsync spacing: %d\n", spacing)
	fmt.Fprintf(&b, "- diff gap     : %d\n", gap)
	if mask != 0 && mask != 0xffff {
		fmt.Fprintf(&b, "- compare mask : %#04x\n", mask)
	}
	fmt.Fprintf(&b, "- frames       : %d (%.1f FPS over %s)\n", st.Frames, st.FPS, st.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "- cpu time     : %s\n", st.CPU.Format("µs", false))
	fmt.Fprintf(&b, "- upload time  : %s\n", st.Upload.Format("µs", false))
	fmt.Fprintf(&b, "- pixels/frame : %s (%d total)\n", st.Pixels.Format("", false), diff.NumPixels)
	fmt.Fprintf(&b, "- spans/frame  : %s\n", st.Spans.Format("", false))
	if st.Margin.Count() > 0 {
		fmt.Fprintf(&b, "- margin       : %s\n", st.Margin.Format("", false))
		fmt.Fprintf(&b, "- real spacing : %s\n", st.VSyncSpacing.Format("", true))
		fmt.Fprintf(&b, "- teared frames: %d\n", st.Teared)
	}
	if db != nil {
		fmt.Fprintf(&b, "- diff size    : %s (%.1f%% overflow)\n",
			db.SizeStats().Format("", false), 100*db.OverflowRatio())
	}
	return b.String()
}
