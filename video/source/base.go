package source

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"vrcap/config"
	"vrcap/metrics"
	"vrcap/video/frame"
)

// base carries the state machine and observer plumbing shared by all sources.
type base struct {
	kind Kind
	log  *log.Entry

	mu       sync.Mutex
	state    State
	ctx      context.Context
	settings config.Video
	pool     *frame.Pool
	handler  Handler
}

func newBase(kind Kind) base {
	return base{
		kind: kind,
		log:  log.WithField("source", kind.String()),
	}
}

func (b *base) Kind() Kind {
	return b.kind
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) OnFrame(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *base) initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error {
	if ctx == nil {
		b.log.Error("Initialize called without a context")
		return ErrNilContext
	}
	if pool == nil {
		b.log.Error("Initialize called without a frame pool")
		return ErrNilPool
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Uninitialized {
		b.log.Errorf("Initialize called in state %v", b.state)
		return ErrAlreadyInitialized
	}
	b.ctx = ctx
	b.settings = settings
	b.pool = pool
	b.state = Initialized
	return nil
}

// beginCapture moves to Capturing. It reports false with no error if the
// source is already capturing.
func (b *base) beginCapture() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Initialized, Stopped:
		b.state = Capturing
		return true, nil
	case Capturing:
		return false, nil
	case ShutDown:
		return false, ErrShutDown
	}
	return false, ErrNotInitialized
}

// endCapture moves Capturing to Stopped and reports whether it did.
func (b *base) endCapture() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Capturing {
		return false
	}
	b.state = Stopped
	return true
}

// beginShutdown moves to ShutDown and reports whether this call did it.
func (b *base) beginShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == ShutDown {
		return false
	}
	b.state = ShutDown
	return true
}

// finishShutdown drops the references held since Initialize.
func (b *base) finishShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pool = nil
	b.handler = nil
}

func (b *base) framePool() *frame.Pool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool
}

func (b *base) capturing() bool {
	return b.State() == Capturing
}

// emit hands f to the observer, or releases it if nobody is listening.
func (b *base) emit(f frame.Frame) {
	b.mu.Lock()
	h, pool := b.handler, b.pool
	b.mu.Unlock()

	metrics.FramesCaptured.WithLabelValues(b.kind.String()).Inc()
	if h == nil {
		metrics.FramesDropped.WithLabelValues(metrics.DropNoHandler).Inc()
		f.Release(pool)
		return
	}
	h(f)
}
