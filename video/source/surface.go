package source

import (
	"image"
	"image/draw"
	"sync"
	"time"
)

var timeNow = time.Now

// SoftwareSurface is an in-memory Surface. Callers draw into it and call
// Present to signal a new image.
type SoftwareSurface struct {
	mu        sync.Mutex
	img       *image.RGBA
	listeners map[int]func()
	next      int
}

func NewSoftwareSurface(width, height int) *SoftwareSurface {
	return &SoftwareSurface{
		img:       image.NewRGBA(image.Rect(0, 0, width, height)),
		listeners: make(map[int]func()),
	}
}

func (s *SoftwareSurface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Draw copies src over the surface, aligned at the top-left corner.
func (s *SoftwareSurface) Draw(src image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draw.Draw(s.img, s.img.Bounds(), src, src.Bounds().Min, draw.Src)
}

// Update runs fn with exclusive access to the surface pixels.
func (s *SoftwareSurface) Update(fn func(img *image.RGBA)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.img)
}

// Present notifies every registered listener on the calling goroutine.
func (s *SoftwareSurface) Present() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *SoftwareSurface) OnReady(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *SoftwareSurface) Readback() (Readback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb := &softwareReadback{
		pix:  make([]byte, len(s.img.Pix)),
		done: make(chan struct{}),
	}
	copy(rb.pix, s.img.Pix)
	close(rb.done)
	return rb, nil
}

type softwareReadback struct {
	pix  []byte
	done chan struct{}
}

func (r *softwareReadback) Done() <-chan struct{} { return r.done }

func (r *softwareReadback) Pixels() []byte { return r.pix }
