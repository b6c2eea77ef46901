package ili9341

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Transport is the byte-level channel to the display controller. It lets the
// driver core run against a fake in tests; the production implementation
// sits on a periph.io SPI connection with a DC (data/command) GPIO line.
type Transport interface {
	// Command sends a command byte followed by its parameter bytes.
	Command(cmd byte, data ...byte) error

	// Pixels streams RGB565 pixels into display memory. A RAMWR command must
	// have been sent first.
	Pixels(px []uint16) error

	// ReadCommand8 reads back a one-byte register. It returns 0 when the
	// read fails, which callers treat as "no answer".
	ReadCommand8(cmd byte) byte

	// ReadScanline reads the raw raster line register, in [0, 161]. Returns
	// 0 when the read fails.
	ReadScanline() int

	// Reset pulses the hardware reset line if one is wired.
	Reset() error
}

type spiTransport struct {
	c     spi.Conn
	dc    gpio.PinOut
	rst   gpio.PinOut // may be nil
	sleep func(time.Duration)

	maxTx int
	buf   []byte // scratch for pixel encoding
}

// newSPITransport connects the port and wires the control pins. dc is
// required; rst may be nil when the reset line is tied to 3V3.
func newSPITransport(p spi.Port, dc, rst gpio.PinOut, speed physic.Frequency) (*spiTransport, error) {
	c, err := p.Connect(speed, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("ili9341: connecting SPI port: %w", err)
	}
	maxTx := 4096
	if l, ok := c.(interface{ MaxTxSize() int }); ok {
		if m := l.MaxTxSize(); m > 0 && m < maxTx {
			maxTx = m
		}
	}
	if err := dc.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("ili9341: configuring DC pin: %w", err)
	}
	return &spiTransport{
		c:     c,
		dc:    dc,
		rst:   rst,
		sleep: time.Sleep,
		maxTx: maxTx,
		buf:   make([]byte, 0, 4096),
	}, nil
}

func (t *spiTransport) Command(cmd byte, data ...byte) error {
	if err := t.dc.Out(gpio.Low); err != nil {
		return fmt.Errorf("ili9341: DC low: %w", err)
	}
	if err := t.c.Tx([]byte{cmd}, nil); err != nil {
		return fmt.Errorf("ili9341: sending command %#02x: %w", cmd, err)
	}
	if err := t.dc.Out(gpio.High); err != nil {
		return fmt.Errorf("ili9341: DC high: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := t.c.Tx(data, nil); err != nil {
		return fmt.Errorf("ili9341: sending %d data bytes for %#02x: %w", len(data), cmd, err)
	}
	return nil
}

func (t *spiTransport) Pixels(px []uint16) error {
	if err := t.dc.Out(gpio.High); err != nil {
		return fmt.Errorf("ili9341: DC high: %w", err)
	}
	chunk := t.maxTx / 2
	for len(px) > 0 {
		n := len(px)
		if n > chunk {
			n = chunk
		}
		b := t.buf[:0]
		for _, p := range px[:n] {
			b = append(b, byte(p>>8), byte(p))
		}
		if err := t.c.Tx(b, nil); err != nil {
			return fmt.Errorf("ili9341: streaming %d pixels: %w", n, err)
		}
		t.buf = b[:0]
		px = px[n:]
	}
	return nil
}

func (t *spiTransport) ReadCommand8(cmd byte) byte {
	if err := t.dc.Out(gpio.Low); err != nil {
		return 0
	}
	if err := t.c.Tx([]byte{cmd}, nil); err != nil {
		return 0
	}
	if err := t.dc.Out(gpio.High); err != nil {
		return 0
	}
	var r [1]byte
	if err := t.c.Tx([]byte{0}, r[:]); err != nil {
		return 0
	}
	return r[0]
}

func (t *spiTransport) ReadScanline() int {
	if err := t.dc.Out(gpio.Low); err != nil {
		return 0
	}
	if err := t.c.Tx([]byte{cmdGETSCANLINE}, nil); err != nil {
		return 0
	}
	if err := t.dc.Out(gpio.High); err != nil {
		return 0
	}
	var r [2]byte
	if err := t.c.Tx([]byte{0, 0}, r[:]); err != nil {
		return 0
	}
	return (int(r[0])<<8 | int(r[1])) & 0x3FF
}

func (t *spiTransport) Reset() error {
	if t.rst == nil {
		return nil
	}
	if err := t.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("ili9341: reset high: %w", err)
	}
	t.sleep(10 * time.Millisecond)
	if err := t.rst.Out(gpio.Low); err != nil {
		return fmt.Errorf("ili9341: reset low: %w", err)
	}
	t.sleep(20 * time.Millisecond)
	if err := t.rst.Out(gpio.High); err != nil {
		return fmt.Errorf("ili9341: reset high: %w", err)
	}
	return nil
}
