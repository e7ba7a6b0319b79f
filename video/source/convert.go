package source

import (
	"math"

	"vrcap/config"
	"vrcap/video/frame"
)

// Picture is a decoded BGRA image whose rows may be padded: row y starts at
// Pix[y*Stride].
type Picture struct {
	Pix    []byte
	Width  int
	Height int
	Stride int
}

// copyRows packs p into dst one row at a time, dropping any row padding.
func copyRows(dst []byte, p Picture) {
	row := p.Width * frame.BytesPerPixel
	stride := p.Stride
	if stride <= 0 {
		stride = row
	}
	for y := 0; y < p.Height; y++ {
		copy(dst[y*row:(y+1)*row], p.Pix[y*stride:y*stride+row])
	}
}

// rgbaToBGRA copies tightly packed RGBA pixels into dst as BGRA.
func rgbaToBGRA(dst, src []byte) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i+3 < n; i += 4 {
		dst[i+0] = src[i+2]
		dst[i+1] = src[i+1]
		dst[i+2] = src[i+0]
		dst[i+3] = src[i+3]
	}
}

func scale(v float64, m float64) byte {
	return byte(math.Max(0, math.Min(255, v*m)))
}

// fillBGRA paints every pixel of dst with one color.
func fillBGRA(dst []byte, b, g, r, a byte) {
	if len(dst) < 4 {
		return
	}
	dst[0], dst[1], dst[2], dst[3] = b, g, r, a
	for n := 4; n < len(dst); n *= 2 {
		copy(dst[n:], dst[:n])
	}
}

// tintOrWhite treats an unset color as no tint.
func tintOrWhite(c config.Color) config.Color {
	if c == (config.Color{}) {
		return config.White
	}
	return c
}
