package capture

import (
	"vrcap/config"
)

// ApplyTint multiplies BGRA pixels by t in place, clamping each channel.
func ApplyTint(pix []byte, t config.Color) {
	if t == (config.Color{}) || t.IsWhite() {
		return
	}
	b, g, r, a := channel(t.B), channel(t.G), channel(t.R), channel(t.A)
	for i := 0; i+3 < len(pix); i += 4 {
		pix[i+0] = b[pix[i+0]]
		pix[i+1] = g[pix[i+1]]
		pix[i+2] = r[pix[i+2]]
		pix[i+3] = a[pix[i+3]]
	}
}

// channel builds a lookup table for one multiplier.
func channel(m float64) *[256]byte {
	var lut [256]byte
	for v := range lut {
		x := float64(v) * m
		switch {
		case x <= 0:
			lut[v] = 0
		case x >= 255:
			lut[v] = 255
		default:
			lut[v] = byte(x)
		}
	}
	return &lut
}
