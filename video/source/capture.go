package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"vrcap/config"
	"vrcap/metrics"
	"vrcap/video/frame"
)

var (
	// ErrEndOfStream is returned by Capture.Read past the last frame.
	ErrEndOfStream = errors.New("end of stream")
	// ErrEmptyFrame is a transient read with no image.
	ErrEmptyFrame = errors.New("empty frame")
)

// Capture is an open decoder for a video file or camera.
type Capture interface {
	// Read decodes the next frame. The Picture is only valid until the next
	// Read.
	Read() (Picture, error)
	Size() (width, height int)
	FPS() float64
	// Rewind seeks back to the first frame.
	Rewind() error
	Close() error
}

// DeviceHints are requested camera parameters. The device may ignore them.
type DeviceHints struct {
	Width  int
	Height int
	FPS    float64
	FourCC string
}

// CaptureOpener opens files and devices for the threaded sources.
type CaptureOpener interface {
	OpenFile(path string) (Capture, error)
	OpenDevice(index int, hints DeviceHints) (Capture, error)
}

const (
	emptyReadDelay  = 100 * time.Millisecond
	noBufferDelay   = 10 * time.Millisecond
	workerStopWait  = 2 * time.Second
	defaultQueueCap = 8
)

// threaded runs a decode worker goroutine that fills a bounded queue, and a
// ticker that drains the queue to the observer.
type threaded struct {
	base

	open func() (Capture, error)
	// pollFPS returns the drain rate once the capture is open.
	pollFPS func() float64
	// live sources never end and drop their oldest frame when the queue is
	// full; otherwise the worker waits for room.
	live bool
	loop bool
	// drainAll empties the queue every tick instead of emitting one frame.
	drainAll bool

	queueCap int
	qmu      sync.Mutex
	queue    []frame.Frame

	width  atomic.Int64
	height atomic.Int64
	fps    atomic.Float64

	cmu         sync.Mutex
	capture     Capture
	opened      chan struct{}
	atEnd       atomic.Bool
	stop        chan struct{}
	workerDone  chan struct{}
	closeOnExit atomic.Bool

	ticker *Ticker
}

func (t *threaded) initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error {
	if err := t.base.initialize(ctx, settings, pool); err != nil {
		return err
	}
	if t.queueCap <= 0 {
		t.queueCap = defaultQueueCap
	}
	return nil
}

// preopen opens the capture in the background so its geometry is known
// shortly after Initialize. The worker retries if this open fails.
func (t *threaded) preopen() {
	opened := make(chan struct{})
	t.cmu.Lock()
	t.opened = opened
	t.cmu.Unlock()
	go func() {
		defer close(opened)
		c, err := t.open()
		if err != nil {
			t.log.Warnf("Failed to open capture: %v", err)
			return
		}
		t.cmu.Lock()
		defer t.cmu.Unlock()
		if t.State() == ShutDown {
			c.Close()
			return
		}
		t.adopt(c)
	}()
}

// adopt records c as the open capture. cmu must be held.
func (t *threaded) adopt(c Capture) {
	t.capture = c
	w, h := c.Size()
	t.width.Store(int64(w))
	t.height.Store(int64(h))
	t.fps.Store(c.FPS())
	t.log.Infof("Opened capture at %dx%d, %.2f fps", w, h, c.FPS())
}

// Resolution reports the geometry of the opened capture.
func (t *threaded) Resolution() (int, int, bool) {
	w, h := int(t.width.Load()), int(t.height.Load())
	return w, h, w > 0 && h > 0
}

func (t *threaded) StartCapture() error {
	ok, err := t.beginCapture()
	if err != nil || !ok {
		return err
	}
	// After the worker ended the stream on its own, its ticker may still be
	// draining and the worker may still be returning.
	if t.ticker != nil {
		t.ticker.Stop()
	}
	t.cmu.Lock()
	prev := t.workerDone
	t.cmu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-time.After(workerStopWait):
			t.log.Warn("Previous capture worker still running")
		}
	}

	t.cmu.Lock()
	t.stop = make(chan struct{})
	t.workerDone = make(chan struct{})
	go t.work(t.stop, t.workerDone)
	t.cmu.Unlock()

	// The drain rate may depend on what the worker discovers; poll retunes
	// itself once it is known.
	t.ticker = NewTicker(t.ctx, PeriodForFPS(t.pollFPS()), t.poll)
	t.ticker.Start()
	t.log.Info("Capture started")
	return nil
}

func (t *threaded) StopCapture() {
	if !t.endCapture() {
		return
	}
	t.halt()
	t.log.Info("Capture stopped")
}

func (t *threaded) halt() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	t.cmu.Lock()
	stop, done := t.stop, t.workerDone
	t.stop = nil
	t.cmu.Unlock()
	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(workerStopWait):
			t.log.Warn("Capture worker blocked in read, leaving it to exit on its own")
		}
	}
	if n := t.releaseQueued(); n > 0 {
		t.log.Debugf("Released %d undelivered frames", n)
	}
}

func (t *threaded) Shutdown() {
	if !t.beginShutdown() {
		return
	}
	t.cmu.Lock()
	done := t.workerDone
	t.cmu.Unlock()
	t.halt()

	t.cmu.Lock()
	workerGone := done == nil
	if !workerGone {
		select {
		case <-done:
			workerGone = true
		default:
		}
	}
	if workerGone && t.capture != nil {
		t.capture.Close()
		t.capture = nil
	} else if t.capture != nil {
		t.closeOnExit.Store(true)
	}
	t.cmu.Unlock()

	t.finishShutdown()
	t.log.Info("Shut down")
}

func (t *threaded) work(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if t.closeOnExit.Load() {
			t.cmu.Lock()
			if t.capture != nil {
				t.capture.Close()
				t.capture = nil
			}
			t.cmu.Unlock()
		}
	}()

	t.cmu.Lock()
	opened := t.opened
	t.cmu.Unlock()
	if opened != nil {
		select {
		case <-opened:
		case <-stop:
			return
		}
	}

	t.cmu.Lock()
	c := t.capture
	t.cmu.Unlock()
	if c == nil {
		var err error
		c, err = t.open()
		if err != nil {
			t.log.Errorf("Failed to open capture: %v", err)
			t.endCapture()
			return
		}
		t.cmu.Lock()
		t.adopt(c)
		t.cmu.Unlock()
	} else if t.atEnd.Swap(false) {
		// Restarted after playing to the end.
		if err := c.Rewind(); err != nil {
			t.log.Errorf("Failed to rewind: %v", err)
			t.endCapture()
			return
		}
	}

	sleep := func(d time.Duration) bool {
		select {
		case <-stop:
			return false
		case <-time.After(d):
			return true
		}
	}

	sinceRewind := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		pic, err := c.Read()
		switch {
		case err == nil:
		case errors.Is(err, ErrEndOfStream) && !t.live:
			if !t.loop || sinceRewind == 0 {
				t.log.Info("End of stream reached, stopping")
				t.atEnd.Store(true)
				t.endCapture()
				return
			}
			t.log.Debug("End of stream reached, looping")
			if err := c.Rewind(); err != nil {
				t.log.Errorf("Failed to rewind: %v", err)
				t.endCapture()
				return
			}
			sinceRewind = 0
			continue
		case errors.Is(err, ErrEmptyFrame) || t.live:
			if !sleep(emptyReadDelay) {
				return
			}
			continue
		default:
			t.log.Errorf("Read failed: %v", err)
			t.endCapture()
			return
		}
		sinceRewind++

		pool := t.framePool()
		if pool == nil {
			return
		}
		if !t.live {
			// Wait for room so a file is decoded at playback pace.
			for t.queueLen() >= t.queueCap {
				if !sleep(noBufferDelay) {
					return
				}
			}
		}
		buf := pool.Acquire()
		if buf == nil {
			if !sleep(noBufferDelay) {
				return
			}
			continue
		}
		pw, ph := pool.Size()
		if pic.Width != pw || pic.Height != ph {
			metrics.FramesDropped.WithLabelValues(metrics.DropSizeMismatch).Inc()
			t.log.Debugf("Dropping %dx%d frame for %dx%d pool", pic.Width, pic.Height, pw, ph)
			pool.Release(buf)
			continue
		}
		copyRows(buf, pic)
		t.enqueue(frame.Frame{Data: buf, Width: pw, Height: ph, Time: timeNow()})
	}
}

func (t *threaded) enqueue(f frame.Frame) {
	t.qmu.Lock()
	var dropped frame.Frame
	if len(t.queue) >= t.queueCap {
		dropped = t.queue[0]
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, f)
	t.qmu.Unlock()
	if dropped.Data != nil {
		metrics.FramesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
		dropped.Release(t.framePool())
	}
}

func (t *threaded) dequeue() (frame.Frame, bool) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	if len(t.queue) == 0 {
		return frame.Frame{}, false
	}
	f := t.queue[0]
	t.queue[0] = frame.Frame{}
	t.queue = t.queue[1:]
	return f, true
}

func (t *threaded) queueLen() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue)
}

func (t *threaded) releaseQueued() int {
	pool := t.framePool()
	n := 0
	for {
		f, ok := t.dequeue()
		if !ok {
			return n
		}
		f.Release(pool)
		n++
	}
}

// poll runs on the ticker goroutine and delivers queued frames.
func (t *threaded) poll() bool {
	if want := PeriodForFPS(t.pollFPS()); want != t.ticker.Period() {
		t.log.Debugf("Polling every %v", want)
		t.ticker.SetPeriod(want)
	}
	for {
		f, ok := t.dequeue()
		if !ok {
			break
		}
		t.emit(f)
		if !t.drainAll {
			break
		}
	}
	if !t.capturing() {
		// The worker ended the capture; drain what is left and stop.
		return t.queueLen() > 0
	}
	return true
}
