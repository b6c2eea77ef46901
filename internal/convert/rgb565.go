// Package convert turns standard library images into RGB565 framebuffers
// as expected by the display driver.
package convert

import (
	"fmt"
	"image"
)

// RGB565 packs 8-bit color channels into the display's native 16-bit
// format, 5 bits red, 6 bits green, 5 bits blue.
func RGB565(r, g, b uint8) uint16 {
	return uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
}

// RGB888 expands a packed pixel back to 8-bit channels, replicating the
// high bits so full white maps to 0xff.
func RGB888(p uint16) (r, g, b uint8) {
	r = uint8(p>>11) << 3
	r |= r >> 5
	g = uint8(p>>5&0x3f) << 2
	g |= g >> 6
	b = uint8(p&0x1f) << 3
	b |= b >> 5
	return r, g, b
}

// FromNRGBA converts img into dst, which must hold w*h pixels.
//
//   - img width must be exactly w.
//   - img height must be >= h; taller images are center cropped.
//   - alpha is ignored (the panel has no transparency).
//
// The pixel data is walked through the image stride directly to avoid the
// cost of At() in the render loop.
func FromNRGBA(img *image.NRGBA, dst []uint16, w, h int) error {
	b := img.Bounds()
	if b.Dx() != w {
		return fmt.Errorf("convert: expected width %d, got %d", w, b.Dx())
	}
	if b.Dy() < h {
		return fmt.Errorf("convert: expected height >= %d, got %d", h, b.Dy())
	}
	if len(dst) != w*h {
		return fmt.Errorf("convert: destination holds %d pixels, want %d", len(dst), w*h)
	}

	// Use the middle h rows when the image is taller (center crop).
	startY := (b.Dy() - h) / 2

	for py := 0; py < h; py++ {
		rowOff := (startY + py) * img.Stride
		out := dst[py*w:]
		for px := 0; px < w; px++ {
			i := rowOff + px*4
			out[px] = RGB565(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
		}
	}
	return nil
}

// FromImage converts any image into dst, with a fast path for *image.NRGBA
// and *image.RGBA. Same geometry rules as FromNRGBA.
func FromImage(img image.Image, dst []uint16, w, h int) error {
	switch im := img.(type) {
	case *image.NRGBA:
		return FromNRGBA(im, dst, w, h)
	case *image.RGBA:
		return fromRGBA(im, dst, w, h)
	}

	b := img.Bounds()
	if b.Dx() != w {
		return fmt.Errorf("convert: expected width %d, got %d", w, b.Dx())
	}
	if b.Dy() < h {
		return fmt.Errorf("convert: expected height >= %d, got %d", h, b.Dy())
	}
	if len(dst) != w*h {
		return fmt.Errorf("convert: destination holds %d pixels, want %d", len(dst), w*h)
	}
	startY := b.Min.Y + (b.Dy()-h)/2
	for py := 0; py < h; py++ {
		out := dst[py*w:]
		for px := 0; px < w; px++ {
			r, g, bb, _ := img.At(b.Min.X+px, startY+py).RGBA()
			out[px] = RGB565(uint8(r>>8), uint8(g>>8), uint8(bb>>8))
		}
	}
	return nil
}

func fromRGBA(img *image.RGBA, dst []uint16, w, h int) error {
	b := img.Bounds()
	if b.Dx() != w {
		return fmt.Errorf("convert: expected width %d, got %d", w, b.Dx())
	}
	if b.Dy() < h {
		return fmt.Errorf("convert: expected height >= %d, got %d", h, b.Dy())
	}
	if len(dst) != w*h {
		return fmt.Errorf("convert: destination holds %d pixels, want %d", len(dst), w*h)
	}
	startY := (b.Dy() - h) / 2
	for py := 0; py < h; py++ {
		rowOff := (startY + py) * img.Stride
		out := dst[py*w:]
		for px := 0; px < w; px++ {
			i := rowOff + px*4
			out[px] = RGB565(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
		}
	}
	return nil
}
