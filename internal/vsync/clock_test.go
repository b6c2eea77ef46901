package vsync

import (
	"testing"
	"time"
)

// fakeRaster simulates a display raster driven by a fake monotonic clock.
// Every hardware query costs a fixed amount of simulated time.
type fakeRaster struct {
	t         time.Time
	period    time.Duration
	queryCost time.Duration
}

func newFakeRaster(period time.Duration) *fakeRaster {
	return &fakeRaster{
		t:         time.Unix(1000, 0),
		period:    period,
		queryCost: 10 * time.Microsecond,
	}
}

func (f *fakeRaster) now() time.Time { return f.t }

func (f *fakeRaster) sleep(d time.Duration) { f.t = f.t.Add(d) }

func (f *fakeRaster) line() int {
	return int(f.t.Sub(time.Unix(1000, 0)) % f.period * NumScanlines / f.period)
}

func (f *fakeRaster) query() int {
	f.t = f.t.Add(f.queryCost)
	return f.line()
}

func newTestClock(f *fakeRaster) *Clock {
	c := New(f.query)
	c.Now = f.now
	c.Sleep = f.sleep
	return c
}

func TestMapRaw(t *testing.T) {
	cases := []struct{ raw, want int }{
		{0, 0},
		{1, 0},
		{2, 1},
		{3, 3},
		{100, 197},
		{161, 319},
	}
	for _, c := range cases {
		if got := MapRaw(c.raw); got != c.want {
			t.Errorf("MapRaw(%d) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestScanlineExtrapolation(t *testing.T) {
	f := newFakeRaster(3200 * time.Microsecond) // 10us per line
	c := newTestClock(f)
	c.SetPeriod(f.period)

	got := c.Scanline(true) // anchor
	f.t = f.t.Add(500 * time.Microsecond)
	want := (got + 50) % NumScanlines
	if g := c.Scanline(false); g != want {
		t.Errorf("Scanline after 500us = %d, want %d", g, want)
	}
	// A full period later the estimate wraps back around.
	f.t = f.t.Add(f.period)
	if g := c.Scanline(false); g != want {
		t.Errorf("Scanline after full period = %d, want %d", g, want)
	}
}

func TestTimeToReach(t *testing.T) {
	f := newFakeRaster(3200 * time.Microsecond)
	c := newTestClock(f)
	c.SetPeriod(f.period)
	cur := c.Scanline(true)

	ahead := (cur + 100) % NumScanlines
	if d := c.TimeToReach(ahead, false); d != 1000*time.Microsecond {
		t.Errorf("TimeToReach(+100) = %v, want 1ms", d)
	}
	// A line behind the raster means waiting for the wraparound.
	behind := (cur + NumScanlines - 20) % NumScanlines
	if d := c.TimeToReach(behind, false); d != 3000*time.Microsecond {
		t.Errorf("TimeToReach(-20) = %v, want 3ms", d)
	}
}

func TestTimeToExitRange(t *testing.T) {
	f := newFakeRaster(3200 * time.Microsecond)
	c := newTestClock(f)
	c.SetPeriod(f.period)
	cur := c.Scanline(true)

	// Inside the range: wait until one past the end, never zero.
	d := c.TimeToExitRange(cur, cur+10)
	if want := c.TimeForScanlines(11) + time.Microsecond; d != want {
		t.Errorf("TimeToExitRange inside = %v, want %v", d, want)
	}
	// Outside the range: no wait.
	if d := c.TimeToExitRange(cur+50, cur+60); d != 0 {
		t.Errorf("TimeToExitRange outside = %v, want 0", d)
	}
	// Invalid ranges: no wait.
	if d := c.TimeToExitRange(cur+10, cur); d != 0 {
		t.Errorf("TimeToExitRange negative = %v, want 0", d)
	}
	if d := c.TimeToExitRange(0, NumScanlines-1); d != 0 {
		t.Errorf("TimeToExitRange whole frame = %v, want 0", d)
	}
}

func TestSampleMeasuresPeriod(t *testing.T) {
	f := newFakeRaster(16 * time.Millisecond)
	c := newTestClock(f)

	got := c.Sample(3)
	diff := got - f.period
	if diff < 0 {
		diff = -diff
	}
	if diff > 200*time.Microsecond {
		t.Errorf("Sample = %v, want about %v", got, f.period)
	}
	if c.Period() != got {
		t.Errorf("Period() = %v, want %v", c.Period(), got)
	}
	if r := c.RefreshRate(); r < 60 || r > 65 {
		t.Errorf("RefreshRate = %v, want about 62.5", r)
	}
}

func TestSampleAdvancesTimeBetweenPolls(t *testing.T) {
	// A raster whose clock moves only while sleeping. Sample must pace its
	// hardware polls through the injected Sleep or time stands still.
	f := newFakeRaster(16 * time.Millisecond)
	f.queryCost = 0
	c := newTestClock(f)

	got := c.Sample(2)
	diff := got - f.period
	if diff < 0 {
		diff = -diff
	}
	if diff > 200*time.Microsecond {
		t.Errorf("Sample = %v, want about %v", got, f.period)
	}
}

func TestScanlineConversions(t *testing.T) {
	f := newFakeRaster(3200 * time.Microsecond)
	c := newTestClock(f)
	c.SetPeriod(f.period)

	if n := c.ScanlinesDuring(800 * time.Microsecond); n != 80 {
		t.Errorf("ScanlinesDuring(800us) = %d, want 80", n)
	}
	if d := c.TimeForScanlines(80); d != 800*time.Microsecond {
		t.Errorf("TimeForScanlines(80) = %v, want 800us", d)
	}
}
