package ili9341

import (
	"fmt"

	"tftsync/internal/diff"
)

// Update pushes a frame to the display. The frame layout must match the
// current rotation and hold Width*Height pixels in RGB565.
//
// Without buffering the call blocks until the full frame is uploaded. With
// double buffering the frame is diffed against the mirror, copied into the
// internal framebuffer and uploaded in the background; the call blocks only
// while a previous upload is still in flight (or drops the frame when
// vsync spacing is -1). With triple buffering the frame is queued in the
// second framebuffer and the call returns immediately unless both internal
// buffers are full.
//
// forceFullRedraw uploads every pixel regardless of the diff.
func (d *Dev) Update(fb []uint16, forceFullRedraw bool) error {
	if len(fb) != diff.NumPixels {
		return fmt.Errorf("ili9341: frame holds %d pixels, want %d", len(fb), diff.NumPixels)
	}
	switch d.BufferingMode() {
	case NoBuffering:
		d.WaitUpdateComplete()
		d.mirror = nil
		d.dd1.ComputeDummy()
		return d.updateNow(fb, d.dd1)

	case DoubleBuffering:
		if d.vsyncSpacing == -1 && d.AsyncUpdateActive() {
			return d.takeErr() // drop the frame
		}
		if d.mirror == nil || forceFullRedraw {
			d.WaitUpdateComplete()
			d.dd1.Compute(d.fb1, fb, d.rotation, d.diffGap, true, d.compareMask)
			d.launch(d.fb1, d.dd1)
		} else if d.diff2 == nil {
			// A single diff buffer: the frame cannot be diffed while the
			// previous upload still reads it.
			d.WaitUpdateComplete()
			d.diff1.Compute(d.fb1, fb, d.rotation, d.diffGap, true, d.compareMask)
			d.launch(d.fb1, d.diff1)
		} else if d.AsyncUpdateActive() {
			// Diff against the mirror into the spare buffer while the
			// upload is in flight, copy once it completes.
			d.diff2.Compute(d.fb1, fb, d.rotation, d.diffGap, false, d.compareMask)
			d.WaitUpdateComplete()
			diff.CopyFrame(d.fb1, fb, d.rotation)
			d.diff1, d.diff2 = d.diff2, d.diff1
			d.launch(d.fb1, d.diff1)
		} else {
			d.diff1.Compute(d.fb1, fb, d.rotation, d.diffGap, true, d.compareMask)
			d.launch(d.fb1, d.diff1)
		}
		d.mirror = d.fb1
		return d.takeErr()

	default: // TripleBuffering
		return d.updateTriple(fb, forceFullRedraw)
	}
}

func (d *Dev) updateTriple(fb []uint16, forceFullRedraw bool) error {
	if !d.AsyncUpdateActive() {
		d.launchTriple(fb, forceFullRedraw)
		return d.takeErr()
	}
	if d.vsyncSpacing != -1 {
		// Both buffers busy: wait until fb2 is handed to the display. With
		// vsync spacing -1 the queued frame is overwritten instead.
		d.mu.Lock()
		for d.fb2full {
			d.cond.Wait()
		}
		d.mu.Unlock()
	}

	// The transfer may have completed while we waited; decide under the
	// lock and detach the completion callback so the session cannot grab
	// fb2 while we overwrite it.
	d.mu.Lock()
	if !d.busy {
		d.mu.Unlock()
		d.launchTriple(fb, forceFullRedraw)
		return d.takeErr()
	}
	d.cb = nil
	d.mu.Unlock()

	dummy := d.mirror == nil || forceFullRedraw
	if dummy {
		d.dd2.Compute(d.fb1, fb, d.rotation, d.diffGap, false, d.compareMask)
	} else {
		d.diff2.Compute(d.fb1, fb, d.rotation, d.diffGap, false, d.compareMask)
	}
	diff.CopyFrame(d.fb2, fb, d.rotation)

	d.mu.Lock()
	if d.busy {
		// Queue fb2; the session completion hands it to the display.
		d.cb = d.buffer2FullCB
		d.fb2full = true
		if dummy {
			d.mirror = nil
		} else {
			d.mirror = d.fb2
		}
		d.mu.Unlock()
		return d.takeErr()
	}

	// Completed in between: promote fb2 and launch directly.
	if dummy {
		d.dd1, d.dd2 = d.dd2, d.dd1
	} else {
		d.diff1, d.diff2 = d.diff2, d.diff1
	}
	d.fb1, d.fb2 = d.fb2, d.fb1
	d.mirror = d.fb1
	d.busy = true
	d.mu.Unlock()

	if dummy {
		d.updateAsync(d.fb1, d.dd1)
	} else {
		d.updateAsync(d.fb1, d.diff1)
	}
	return d.takeErr()
}

// launchTriple diffs and uploads when no transfer is in flight.
func (d *Dev) launchTriple(fb []uint16, forceFullRedraw bool) {
	if d.mirror == nil || forceFullRedraw {
		d.dd1.Compute(d.fb1, fb, d.rotation, d.diffGap, true, d.compareMask)
		d.launch(d.fb1, d.dd1)
	} else {
		d.diff1.Compute(d.fb1, fb, d.rotation, d.diffGap, true, d.compareMask)
		d.launch(d.fb1, d.diff1)
	}
	d.mirror = d.fb1
}

// buffer2FullCB runs at transfer completion when fb2 holds a queued frame.
// It promotes fb2 and immediately starts its upload, keeping the driver busy
// the whole time. The swaps land under the lock before the broadcast, so a
// producer woken by the freed slot never sees the old buffer assignment.
func (d *Dev) buffer2FullCB() {
	d.mu.Lock()
	mirrored := d.mirror != nil
	if mirrored {
		d.diff1, d.diff2 = d.diff2, d.diff1
	} else {
		d.dd1, d.dd2 = d.dd2, d.dd1
	}
	d.fb1, d.fb2 = d.fb2, d.fb1
	d.mirror = d.fb1
	d.fb2full = false
	d.cond.Broadcast()
	d.mu.Unlock()

	if mirrored {
		d.updateAsync(d.fb1, d.diff1)
	} else {
		d.updateAsync(d.fb1, d.dd1)
	}
}

// launch marks the driver busy and starts a background upload of fb through
// the given diff.
func (d *Dev) launch(fb []uint16, dr diff.Reader) {
	d.mu.Lock()
	d.busy = true
	d.mu.Unlock()
	d.updateAsync(fb, dr)
}

// takeErr returns and clears the error of the last background transfer.
func (d *Dev) takeErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.asyncErr
	d.asyncErr = nil
	return err
}
