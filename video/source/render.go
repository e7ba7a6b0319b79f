package source

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"vrcap/config"
	"vrcap/video/frame"
)

// Surface is a render target that can be read back asynchronously.
type Surface interface {
	// Size of the surface in pixels.
	Size() (width, height int)

	// OnReady registers fn to run, on the renderer's goroutine, whenever a new
	// image has been presented. The returned func unregisters it.
	OnReady(fn func()) (cancel func())

	// Readback starts copying the current image out of the surface.
	Readback() (Readback, error)
}

// Readback is one in-flight surface copy.
type Readback interface {
	// Done is closed once Pixels is valid.
	Done() <-chan struct{}

	// Pixels returns tightly packed RGBA8 data of the surface size.
	Pixels() []byte
}

// Render reads frames back from a Surface. Only one readback is outstanding
// at a time: the gate closes when a readback is issued and reopens once the
// finished frame has been handed off.
type Render struct {
	base

	surface Surface
	cancel  func()
	ticker  *Ticker

	canCapture atomic.Bool

	qmu      sync.Mutex
	inflight []Readback
}

func NewRender(s Surface) *Render {
	return &Render{
		base:    newBase(KindRender),
		surface: s,
	}
}

func (r *Render) Initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error {
	if r.surface == nil {
		r.log.Error("No capture surface supplied")
		return ErrNoSurface
	}
	if err := r.initialize(ctx, settings, pool); err != nil {
		return err
	}
	r.ticker = NewTicker(ctx, PeriodForFPS(settings.FPS), r.processQueue)
	w, h := r.surface.Size()
	r.log.Infof("Bound to %dx%d surface", w, h)
	return nil
}

func (r *Render) StartCapture() error {
	ok, err := r.beginCapture()
	if err != nil || !ok {
		return err
	}
	r.canCapture.Store(true)
	r.cancel = r.surface.OnReady(r.onSurfaceReady)
	r.ticker.Start()
	r.log.Info("Capture started")
	return nil
}

func (r *Render) StopCapture() {
	if !r.endCapture() {
		return
	}
	r.halt()
	r.log.Info("Capture stopped")
}

func (r *Render) halt() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.qmu.Lock()
	r.inflight = nil
	r.qmu.Unlock()
	r.canCapture.Store(false)
}

func (r *Render) Shutdown() {
	if !r.beginShutdown() {
		return
	}
	r.halt()
	r.finishShutdown()
	r.log.Info("Shut down")
}

// onSurfaceReady runs on the renderer's goroutine.
func (r *Render) onSurfaceReady() {
	if !r.capturing() || !r.canCapture.CompareAndSwap(true, false) {
		return
	}
	rb, err := r.surface.Readback()
	if err != nil {
		r.log.Warnf("Readback failed: %v", err)
		r.canCapture.Store(true)
		return
	}
	r.qmu.Lock()
	r.inflight = append(r.inflight, rb)
	r.qmu.Unlock()
}

// processQueue hands off at most one completed readback per tick.
func (r *Render) processQueue() bool {
	r.qmu.Lock()
	if len(r.inflight) == 0 {
		r.qmu.Unlock()
		return true
	}
	rb := r.inflight[0]
	select {
	case <-rb.Done():
	default:
		r.qmu.Unlock()
		return true
	}
	r.inflight = r.inflight[1:]
	r.qmu.Unlock()

	defer r.canCapture.Store(true)

	pool := r.framePool()
	if pool == nil {
		return false
	}
	buf := pool.Acquire()
	if buf == nil {
		return true
	}
	w, h := pool.Size()
	px := rb.Pixels()
	if len(px) != len(buf) {
		r.log.Warnf("Readback of %d bytes does not match %dx%d frame, dropping", len(px), w, h)
		pool.Release(buf)
		return true
	}
	rgbaToBGRA(buf, px)
	// The receiver owns buf from here on.
	r.emit(frame.Frame{Data: buf, Width: w, Height: h, Time: timeNow()})
	return true
}
