package frame

import (
	"time"
)

// BytesPerPixel is the size of one BGRA8 pixel.
const BytesPerPixel = 4

// Frame is one BGRA8 image travelling through the pipeline. Data is owned by
// exactly one holder at a time and must be handed back to the Pool it came
// from exactly once.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Time   time.Time
}

// BufferSize returns the byte length of a BGRA frame of the given size.
func BufferSize(width, height int) int {
	return width * height * BytesPerPixel
}

// Valid reports whether the frame carries a buffer matching its dimensions.
func (f Frame) Valid() bool {
	return f.Data != nil && len(f.Data) == BufferSize(f.Width, f.Height)
}

// Clone copies the frame into a freshly allocated buffer that is not owned by
// any pool.
func (f Frame) Clone() Frame {
	n := f
	n.Data = make([]byte, len(f.Data))
	copy(n.Data, f.Data)
	return n
}

// Release returns the frame's buffer to p. The frame must not be used again.
func (f *Frame) Release(p *Pool) {
	if p != nil {
		p.Release(f.Data)
	}
	f.Data = nil
}
