package ili9341

import (
	"testing"

	"tftsync/internal/diff"
)

// simTouchBus answers XPT2046 conversion commands with scripted 12-bit
// values per command byte.
type simTouchBus struct {
	z1, z2 int
	x, y   int
	txs    int
}

func (s *simTouchBus) Tx(w, r []byte) error {
	s.txs++
	var v int
	switch w[0] {
	case 0xB1:
		v = s.z1
	case 0xC1:
		v = s.z2
	case 0x91:
		v = s.x
	case 0xD1, 0xD0:
		v = s.y
	}
	v <<= 3 // 12-bit result, left aligned in 16 bits
	r[1] = byte(v >> 8)
	r[2] = byte(v)
	return nil
}

func pressedBus(x, y int) *simTouchBus {
	// z = z1 + 4095 - z2 comfortably above the pressure threshold
	return &simTouchBus{z1: 1000, z2: 1000, x: x, y: y}
}

func TestTouchReadPressed(t *testing.T) {
	bus := pressedBus(1000, 3000)
	tc := &Touch{c: bus}
	x, y, z := tc.Read()
	if z < touchZThreshold {
		t.Fatalf("z = %d, want pressed", z)
	}
	// Portrait mapping flips both raw axes.
	if x != 4095-3000 || y != 4095-1000 {
		t.Errorf("position = (%d,%d), want (%d,%d)", x, y, 4095-3000, 4095-1000)
	}
}

func TestTouchReadReleased(t *testing.T) {
	tc := &Touch{c: &simTouchBus{z1: 0, z2: 4095}}
	if x, y, z := tc.Read(); x != 0 || y != 0 || z != 0 {
		t.Errorf("released read = (%d,%d,%d), want zeros", x, y, z)
	}
}

func TestTouchReadGate(t *testing.T) {
	bus := pressedBus(2000, 2000)
	tc := &Touch{c: bus}
	tc.Read()
	first := bus.txs
	// Immediately after a sample, the gate suppresses another one.
	tc.Read()
	if bus.txs != first {
		t.Errorf("second read hit the bus (%d transactions)", bus.txs-first)
	}
}

func TestTouchRotationMapping(t *testing.T) {
	const rawX, rawY = 1000, 3000
	cases := []struct {
		rot    diff.Rotation
		wx, wy int
	}{
		{diff.Portrait, 4095 - rawY, 4095 - rawX},
		{diff.Landscape, 4095 - rawX, rawY},
		{diff.PortraitFlipped, rawY, rawX},
		{diff.LandscapeFlipped, rawX, 4095 - rawY},
	}
	for _, c := range cases {
		tc := &Touch{c: pressedBus(rawX, rawY), rot: c.rot}
		tc.read()
		if tc.x != c.wx || tc.y != c.wy {
			t.Errorf("rotation %d: position = (%d,%d), want (%d,%d)", c.rot, tc.x, tc.y, c.wx, c.wy)
		}
	}
}

func TestTouchCalibration(t *testing.T) {
	tc := &Touch{c: pressedBus(1000, 3000)}
	// Raw portrait position is (1095, 3095); calibrate a window around it.
	tc.SetRange(95, 4095 - 1905, 95, 4095 - 905)
	x, y, z := tc.Read()
	if z == 0 {
		t.Fatal("not pressed")
	}
	if x < 0 || x >= Width || y < 0 || y >= Height {
		t.Errorf("calibrated position (%d,%d) outside %dx%d", x, y, Width, Height)
	}
}

func TestTouchCalibrationClamps(t *testing.T) {
	if got := mapRange(-50, 0, 100, 239); got != 0 {
		t.Errorf("below range -> %d, want 0", got)
	}
	if got := mapRange(150, 0, 100, 239); got != 239 {
		t.Errorf("above range -> %d, want 239", got)
	}
	// Inverted axis still maps increasing raw to decreasing screen.
	lo := mapRange(900, 1000, 100, 239)
	hi := mapRange(200, 1000, 100, 239)
	if lo >= hi {
		t.Errorf("inverted axis: %d not below %d", lo, hi)
	}
}

func TestBestTwoAvg(t *testing.T) {
	cases := []struct {
		a, b, c int
		want    int
	}{
		{100, 102, 500, 101},
		{500, 100, 102, 101},
		{100, 500, 104, 102},
		{7, 7, 7, 7},
	}
	for _, c := range cases {
		if got := besttwoavg(c.a, c.b, c.c); got != c.want {
			t.Errorf("besttwoavg(%d,%d,%d) = %d, want %d", c.a, c.b, c.c, got, c.want)
		}
	}
}

func TestTouchDeferredReadAtTransferEnd(t *testing.T) {
	d, _, _ := newSimDev(&Opts{VSyncSpacing: 0, DiffGap: 10})
	bus := pressedBus(1500, 2500)
	tc := &Touch{c: bus}
	d.AttachTouch(tc)

	// Mark a transfer in flight and ask for a sample from another
	// goroutine; it must block until the driver services it.
	d.mu.Lock()
	d.busy = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tc.update()
		close(done)
	}()

	// Wait until the request is registered.
	for {
		d.mu.Lock()
		req := d.touchReq
		d.mu.Unlock()
		if req {
			break
		}
	}
	if bus.txs != 0 {
		t.Fatal("touch sampled while the bus was busy")
	}

	// End the transfer; finish services the deferred read.
	s := d.newSession(nil, diff.NewDummy(), diff.Portrait, false)
	d.finish(s)
	<-done
	if bus.txs == 0 {
		t.Fatal("deferred touch read never serviced")
	}
	if d.AsyncUpdateActive() {
		t.Error("driver still busy after finish")
	}
}
