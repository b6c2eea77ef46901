package ili9341

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"tftsync/internal/diff"
)

// XPT2046 pressure thresholds and sampling gate.
const (
	touchZThreshold    = 400
	touchZThresholdIRQ = 75
	touchReadGate      = 3 * time.Millisecond
	touchSPIClock      = 2500 * physic.KiloHertz
)

// Touch reads an XPT2046 resistive touch controller. The chip usually
// shares the SPI bus with the display behind its own chip select; attach it
// to the display driver with AttachTouch so samples are taken only when the
// bus is free.
type Touch struct {
	c   touchBus
	irq gpio.PinIn
	dev *Dev

	mu       sync.Mutex
	x, y, z  int // raw panel coordinates of the last sample, z 0 when released
	rot      diff.Rotation
	pending  bool // an IRQ fired since the last sample
	touched  bool
	lastIRQ  time.Time
	lastRead time.Time

	minX, maxX, minY, maxY int // calibration, all zero when uncalibrated
}

// touchBus is the slice of spi.Conn the controller needs.
type touchBus interface {
	Tx(w, r []byte) error
}

// NewTouch connects to an XPT2046 on its own SPI chip select. irq is the
// touch interrupt pin and may be nil; without it every read polls the chip.
func NewTouch(p spi.Port, irq gpio.PinIn) (*Touch, error) {
	c, err := p.Connect(touchSPIClock, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("ili9341: connecting touch controller: %w", err)
	}
	t := &Touch{c: c, irq: irq}
	if irq != nil {
		if err := irq.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			return nil, fmt.Errorf("ili9341: configuring touch IRQ pin: %w", err)
		}
		go t.watchIRQ()
	}
	return t, nil
}

func (t *Touch) watchIRQ() {
	for {
		if !t.irq.WaitForEdge(-1) {
			continue
		}
		t.mu.Lock()
		t.lastIRQ = time.Now()
		t.pending = true
		t.touched = true
		t.mu.Unlock()
	}
}

// SetRange calibrates the mapping from raw panel values to screen
// coordinates, as returned by a corner-to-corner calibration. Inverted axes
// (min > max) are fine. All zeros returns to raw values.
func (t *Touch) SetRange(minX, maxX, minY, maxY int) {
	t.mu.Lock()
	t.minX, t.maxX, t.minY, t.maxY = minX, maxX, minY, maxY
	t.mu.Unlock()
}

// Read samples the controller if needed and returns the touch position and
// pressure. z is 0 when the screen is not touched. Coordinates follow the
// display rotation and, when calibrated, the screen resolution.
func (t *Touch) Read() (x, y, z int) {
	t.update()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.z <= 0 {
		return 0, 0, 0
	}
	x, y, z = t.x, t.y, t.z
	if t.minX == 0 && t.maxX == 0 && t.minY == 0 && t.maxY == 0 {
		return x, y, z
	}
	w, h := Width, Height
	if t.rot == diff.Landscape || t.rot == diff.LandscapeFlipped {
		w, h = h, w
	}
	return mapRange(x, t.minX, t.maxX, w-1), mapRange(y, t.minY, t.maxY, h-1), z
}

// LastTouched returns the time elapsed since the last touch interrupt, or
// -1 when the screen was released or no IRQ pin is attached.
func (t *Touch) LastTouched() time.Duration {
	if t.irq == nil {
		return -1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.touched || t.lastIRQ.IsZero() {
		return -1
	}
	return time.Since(t.lastIRQ)
}

// update decides whether a fresh sample is needed and takes it, deferring
// to the display driver when a pixel transfer holds the bus.
func (t *Touch) update() {
	t.mu.Lock()
	if time.Since(t.lastRead) < touchReadGate {
		t.mu.Unlock()
		return
	}
	if t.irq != nil && !t.pending && t.z == 0 {
		// released and no interrupt since, nothing can have changed
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if d := t.dev; d != nil {
		d.mu.Lock()
		if d.busy {
			// ask the transfer session to sample at the next bus idle point
			d.touchReq = true
			for d.touchReq && d.busy {
				d.cond.Wait()
			}
			serviced := !d.touchReq
			d.touchReq = false
			d.mu.Unlock()
			if serviced {
				return
			}
		} else {
			d.mu.Unlock()
		}
	}
	t.read()
}

// read samples the controller. Z1/Z2 give the pressure; position is only
// measured when pressed, three samples per axis with the two closest
// averaged to reject noise.
func (t *Touch) read() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRead = time.Now()
	t.pending = false
	if t.dev != nil {
		t.rot = t.dev.rotation
	}

	z1 := t.xfer16(0xB1) >> 3
	z2 := t.xfer16(0xC1) >> 3
	z := z1 + 4095 - z2
	var data [6]int
	if z >= touchZThreshold {
		t.xfer16(0x91) // first position sample after power up is noisy
		data[0] = t.xfer16(0x91) >> 3
		data[1] = t.xfer16(0xD1) >> 3
		data[2] = t.xfer16(0x91) >> 3
		data[3] = t.xfer16(0xD1) >> 3
	}
	data[4] = t.xfer16(0x91) >> 3
	data[5] = t.xfer16(0xD0) >> 3 // power down, PENIRQ back on

	if z < touchZThreshold {
		t.z = 0
		if z < touchZThresholdIRQ {
			t.touched = false
		}
		return
	}
	x := besttwoavg(data[0], data[2], data[4])
	y := besttwoavg(data[1], data[3], data[5])
	t.z = z
	switch t.rot {
	case diff.Landscape:
		t.x, t.y = 4095-x, y
	case diff.PortraitFlipped:
		t.x, t.y = y, x
	case diff.LandscapeFlipped:
		t.x, t.y = x, 4095-y
	default:
		t.x, t.y = 4095-y, 4095-x
	}
}

// xfer16 sends a conversion command and clocks out its 12-bit result,
// left-aligned in 16 bits. Returns 0 on bus errors.
func (t *Touch) xfer16(cmd byte) int {
	var w, r [3]byte
	w[0] = cmd
	if err := t.c.Tx(w[:], r[:]); err != nil {
		return 0
	}
	return int(r[1])<<8 | int(r[2])
}

// besttwoavg averages the two closest of three samples.
func besttwoavg(a, b, c int) int {
	da, db, dc := absInt(a-b), absInt(a-c), absInt(b-c)
	switch {
	case da <= db && da <= dc:
		return (a + b) / 2
	case db <= dc:
		return (a + c) / 2
	default:
		return (b + c) / 2
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func mapRange(v, inMin, inMax, outMax int) int {
	if inMax == inMin {
		return 0
	}
	r := (v - inMin) * outMax / (inMax - inMin)
	if r < 0 {
		return 0
	}
	if r > outMax {
		return outMax
	}
	return r
}

/**********************************************************************
 * Dev delegates
 **********************************************************************/

// ReadTouch returns the touch position and pressure from the attached
// controller. z is 0 when untouched or when no controller is attached.
func (d *Dev) ReadTouch() (x, y, z int) {
	if d.touch == nil {
		return 0, 0, 0
	}
	return d.touch.Read()
}

// LastTouched returns the time since the last touch interrupt, or -1.
func (d *Dev) LastTouched() time.Duration {
	if d.touch == nil {
		return -1
	}
	return d.touch.LastTouched()
}

// SetTouchRange calibrates the attached touch controller.
func (d *Dev) SetTouchRange(minX, maxX, minY, maxY int) {
	if d.touch != nil {
		d.touch.SetRange(minX, maxX, minY, maxY)
	}
}
