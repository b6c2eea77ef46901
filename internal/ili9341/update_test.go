package ili9341

import (
	"bytes"
	"testing"
	"time"

	"tftsync/internal/diff"
)

func checkScreen(t *testing.T, tr *simTransport, want []uint16) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := range want {
		if tr.screen[i] != want[i] {
			t.Fatalf("screen[%d] = %#04x, want %#04x", i, tr.screen[i], want[i])
		}
	}
}

func TestUpdateNoBuffering(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10})
	fb := solidFrame(0x1234)
	fb[100] = 0xbeef
	if err := d.Update(fb, false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	checkScreen(t, tr, fb)
	if tr.written() != diff.NumPixels {
		t.Errorf("wrote %d pixels, want %d", tr.written(), diff.NumPixels)
	}
	if st := d.Stats(); st.Frames != 1 {
		t.Errorf("Frames = %d, want 1", st.Frames)
	}
}

func TestUpdateNoBufferingVSync(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 2, DiffGap: 10, LateStartRatio: 0.3})
	fb := solidFrame(0x4321)
	for i := 0; i < 3; i++ {
		if err := d.Update(fb, false); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	checkScreen(t, tr, fb)
	st := d.Stats()
	if st.Frames != 3 {
		t.Fatalf("Frames = %d, want 3", st.Frames)
	}
	if st.Margin.Count() != 3 {
		t.Errorf("margin samples = %d, want 3", st.Margin.Count())
	}
	if st.Teared != 0 {
		t.Errorf("teared = %d, want 0", st.Teared)
	}
}

func TestUpdateNoBufferingRotated(t *testing.T) {
	for _, rot := range []diff.Rotation{diff.Landscape, diff.PortraitFlipped, diff.LandscapeFlipped} {
		d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10, Rotation: rot})
		fb := make([]uint16, diff.NumPixels)
		for i := range fb {
			fb[i] = uint16(i * 31)
		}
		if err := d.Update(fb, false); err != nil {
			t.Fatalf("rotation %d: %v", rot, err)
		}
		want := make([]uint16, diff.NumPixels)
		diff.CopyFrame(want, fb, rot)
		checkScreen(t, tr, want)
	}
}

func TestUpdateDoubleBuffering(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), diff.NewBuffer(8192))

	fb := solidFrame(0x0f0f)
	if err := d.Update(fb, false); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	checkScreen(t, tr, fb)
	full := tr.written()
	if full != diff.NumPixels {
		t.Fatalf("first frame wrote %d pixels, want full frame", full)
	}

	// Second frame changes a single run; only that run travels.
	fb[5000] = 0xdead
	fb[5001] = 0xdead
	if err := d.Update(fb, false); err != nil {
		t.Fatalf("second Update: %v", err)
	}
	checkScreen(t, tr, fb)
	if delta := tr.written() - full; delta >= diff.Width {
		t.Errorf("second frame wrote %d pixels, want a small diff", delta)
	}
}

func TestUpdateDoubleBufferingSingleDiff(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), nil)

	fb := solidFrame(0x00ff)
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	fb[123] = 0xffff
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	checkScreen(t, tr, fb)
}

func TestUpdateEmptyDiffSkipsUpload(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 2, DiffGap: 10})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), diff.NewBuffer(8192))

	fb := solidFrame(0xaaaa)
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	full := tr.written()
	before := d.timeFrameStart
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	if tr.written() != full {
		t.Errorf("identical frame wrote %d pixels", tr.written()-full)
	}
	if !d.timeFrameStart.After(before) {
		t.Error("frame timing did not advance on an empty diff")
	}
	if st := d.Stats(); st.Frames != 2 {
		t.Errorf("Frames = %d, want 2", st.Frames)
	}
}

func TestUpdateForceFullRedraw(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), diff.NewBuffer(8192))

	fb := solidFrame(0x5555)
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	full := tr.written()
	if err := d.Update(fb, true); err != nil {
		t.Fatal(err)
	}
	if tr.written() != 2*full {
		t.Errorf("forced redraw wrote %d pixels, want %d", tr.written()-full, full)
	}
}

func TestUpdateDropsFrameWhenBusy(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: -1, DiffGap: 10})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), diff.NewBuffer(8192))

	d.mu.Lock()
	d.busy = true
	d.mu.Unlock()
	if err := d.Update(solidFrame(0x1111), false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if tr.written() != 0 {
		t.Errorf("dropped frame wrote %d pixels", tr.written())
	}
	d.mu.Lock()
	d.busy = false
	d.cond.Broadcast()
	d.mu.Unlock()
}

func TestUpdateTripleBufferingQueuesFrame(t *testing.T) {
	clk := newSimClock(16 * time.Millisecond)
	tr := newSimTransport(clk)
	d := newDev(tr, &Opts{VSyncSpacing: 0, DiffGap: 10})
	d.sleep = clk.Sleep
	d.clock.Now = clk.Now
	d.clock.Sleep = clk.Sleep
	d.clock.SetPeriod(clk.period)
	st := &stepper{clk: clk}
	d.afterFunc = st.after

	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), make([]uint16, diff.NumPixels)); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), diff.NewBuffer(8192))
	if d.BufferingMode() != TripleBuffering {
		t.Fatal("not in triple buffering mode")
	}

	fb1 := solidFrame(0x1010)
	if err := d.Update(fb1, false); err != nil {
		t.Fatal(err)
	}
	if !d.AsyncUpdateActive() {
		t.Fatal("no transfer in flight after first Update")
	}

	// Queue a second frame while the first is still in flight.
	fb2 := solidFrame(0x2020)
	fb2[777] = 0x7777
	if err := d.Update(fb2, false); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	queued := d.fb2full
	d.mu.Unlock()
	if !queued {
		t.Fatal("second frame was not queued")
	}

	// Run the transfers to completion: the first frame lands, then the
	// queued one chains automatically.
	st.drain()
	if d.AsyncUpdateActive() {
		t.Fatal("transfer still active after drain")
	}
	d.mu.Lock()
	queued = d.fb2full
	d.mu.Unlock()
	if queued {
		t.Error("queued flag still set after chaining")
	}
	checkScreen(t, tr, fb2)
	if st2 := d.Stats(); st2.Frames != 2 {
		t.Errorf("Frames = %d, want 2", st2.Frames)
	}
}

func TestUpdateRejectsBadFrameSize(t *testing.T) {
	d, _, _ := newSimDev(nil)
	if err := d.Update(make([]uint16, 10), false); err == nil {
		t.Fatal("undersized frame accepted")
	}
}

func TestForceFullRedrawInvalidatesMirror(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), diff.NewBuffer(8192))

	fb := solidFrame(0x9999)
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	full := tr.written()
	d.ForceFullRedraw()
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	if tr.written() != 2*full {
		t.Errorf("redraw after ForceFullRedraw wrote %d pixels, want %d", tr.written()-full, full)
	}
}

func (s *simTransport) countCommand(cmd byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.cmds {
		if c == cmd {
			n++
		}
	}
	return n
}

func TestEndToEndScenario(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 1})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), diff.NewBuffer(8192))

	// First frame: full upload through a dummy diff.
	a := solidFrame(0x0000)
	if err := d.Update(a, false); err != nil {
		t.Fatal(err)
	}
	if tr.written() != diff.NumPixels {
		t.Fatalf("first frame wrote %d pixels, want full frame", tr.written())
	}

	// Same frame again: empty diff, no bus activity.
	full := tr.written()
	ramwr := tr.countCommand(cmdRAMWR)
	if err := d.Update(a, false); err != nil {
		t.Fatal(err)
	}
	if tr.written() != full || tr.countCommand(cmdRAMWR) != ramwr {
		t.Fatal("identical frame touched the bus")
	}

	// A single 10 pixel patch travels as exactly one span.
	b := solidFrame(0x0000)
	base := 50*diff.Width + 17
	for i := 0; i < 10; i++ {
		b[base+i] = 0xffff
	}
	if err := d.Update(b, false); err != nil {
		t.Fatal(err)
	}
	if got := tr.written() - full; got != 10 {
		t.Errorf("patch frame wrote %d pixels, want 10", got)
	}
	if got := tr.countCommand(cmdRAMWR) - ramwr; got != 1 {
		t.Errorf("patch frame used %d spans, want 1", got)
	}
	checkScreen(t, tr, b)
}

func TestTripleBufferBackpressure(t *testing.T) {
	clk := newSimClock(16 * time.Millisecond)
	tr := newSimTransport(clk)
	d := newDev(tr, &Opts{VSyncSpacing: 1, DiffGap: 10})
	d.sleep = clk.Sleep
	d.clock.Now = clk.Now
	d.clock.Sleep = clk.Sleep
	d.clock.SetPeriod(clk.period)
	st := &stepper{clk: clk}
	d.afterFunc = st.after

	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), make([]uint16, diff.NumPixels)); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(1<<20), diff.NewBuffer(1<<20))

	if err := d.Update(solidFrame(0x0001), false); err != nil {
		t.Fatal(err)
	}
	if err := d.Update(solidFrame(0x0002), false); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	queued := d.fb2full
	d.mu.Unlock()
	if !queued {
		t.Fatal("second frame was not queued")
	}

	// A third frame must block until the queued slot frees.
	third := make(chan error, 1)
	go func() {
		third <- d.Update(solidFrame(0x0003), false)
	}()
	select {
	case err := <-third:
		t.Fatalf("third Update returned while both buffers were full (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Drive the transfers; the backpressured submission must complete and
	// every frame must reach the panel in order, none dropped.
	for {
		st.drain()
		select {
		case err := <-third:
			if err != nil {
				t.Fatalf("third Update: %v", err)
			}
			st.drain()
			d.WaitUpdateComplete()
			checkScreen(t, tr, solidFrame(0x0003))
			if s := d.Stats(); s.Frames != 3 {
				t.Errorf("Frames = %d, want 3", s.Frames)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueuedFrameHandoffSwapsBuffersBeforeWake(t *testing.T) {
	clk := newSimClock(16 * time.Millisecond)
	tr := newSimTransport(clk)
	d := newDev(tr, &Opts{VSyncSpacing: 1, DiffGap: 10})
	d.sleep = clk.Sleep
	d.clock.Now = clk.Now
	d.clock.Sleep = clk.Sleep
	d.clock.SetPeriod(clk.period)
	st := &stepper{clk: clk}
	d.afterFunc = st.after

	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), make([]uint16, diff.NumPixels)); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(1<<20), diff.NewBuffer(1<<20))

	if err := d.Update(solidFrame(0x0011), false); err != nil {
		t.Fatal(err)
	}
	if err := d.Update(solidFrame(0x0022), false); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	if !d.fb2full {
		d.mu.Unlock()
		t.Fatal("second frame was not queued")
	}
	streaming := &d.fb1[0]
	queued := &d.fb2[0]
	d.mu.Unlock()

	// A producer woken by the freed slot reads the buffer fields right
	// after the wait; the promotion must already be visible to it.
	type handoff struct {
		fb1, fb2, mirror *uint16
	}
	got := make(chan handoff, 1)
	go func() {
		var h handoff
		d.mu.Lock()
		for d.fb2full {
			d.cond.Wait()
		}
		h.fb1 = &d.fb1[0]
		h.fb2 = &d.fb2[0]
		if d.mirror != nil {
			h.mirror = &d.mirror[0]
		}
		d.mu.Unlock()
		got <- h
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter park on the cond

	st.drain()
	h := <-got
	if h.fb1 != queued || h.fb2 != streaming {
		t.Error("waiter observed the pre-handoff buffer assignment")
	}
	if h.mirror != h.fb1 {
		t.Error("mirror does not track the streaming buffer after handoff")
	}
	st.drain()
	d.WaitUpdateComplete()
	checkScreen(t, tr, solidFrame(0x0022))
}

func TestWriteWindowBytes(t *testing.T) {
	d, tr, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10})
	if err := d.SetFramebuffers(make([]uint16, diff.NumPixels), nil); err != nil {
		t.Fatal(err)
	}
	d.SetDiffBuffers(diff.NewBuffer(8192), nil)

	base := solidFrame(0x0000)
	if err := d.Update(base, false); err != nil {
		t.Fatal(err)
	}
	// A span at (300, 200): the window end is always the full panel extent,
	// sent as 16-bit big-endian values.
	fb := solidFrame(0x0000)
	fb[300*diff.Width+200] = 0xffff
	if err := d.Update(fb, false); err != nil {
		t.Fatal(err)
	}
	tr.mu.Lock()
	caset, paset := tr.lastCASET, tr.lastPASET
	tr.mu.Unlock()
	if want := []byte{200 >> 8, 200 & 0xff, 0x00, 0xf0}; !bytes.Equal(caset, want) {
		t.Errorf("CASET data = %#v, want %#v", caset, want)
	}
	if want := []byte{300 >> 8, 300 & 0xff, 0x01, 0x40}; !bytes.Equal(paset, want) {
		t.Errorf("PASET data = %#v, want %#v", paset, want)
	}
}
