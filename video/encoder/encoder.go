package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"vrcap/config"
	"vrcap/metrics"
	"vrcap/util"
	"vrcap/video/frame"
	"vrcap/video/pipe"
)

var (
	ErrNilPool            = errors.New("encoder requires a frame pool")
	ErrNotInitialized     = errors.New("encoder not initialized")
	ErrAlreadyInitialized = errors.New("encoder already initialized")
	ErrAlreadyRunning     = errors.New("encoder process already running")
)

const (
	writerWait   = 100 * time.Millisecond
	finishPoll   = 10 * time.Millisecond
	stopWaitTime = 2 * time.Second
)

type Options struct {
	// FFmpegPath is used when Initialize is given an empty path, and by
	// ConcatenateVideos.
	FFmpegPath string

	// NewPipe creates the frame pipe. Defaults to pipe.New.
	NewPipe pipe.Factory

	ConnectTimeout time.Duration
	FinishTimeout  time.Duration
	ExitTimeout    time.Duration
}

func (o *Options) setDefaults() {
	if o.NewPipe == nil {
		o.NewPipe = pipe.New
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.FinishTimeout <= 0 {
		o.FinishTimeout = 30 * time.Second
	}
	if o.ExitTimeout <= 0 {
		o.ExitTimeout = 10 * time.Second
	}
}

// Encoder streams raw frames into an ffmpeg process through a pipe. Frames
// handed to EncodeFrame are owned by the encoder and released back to the pool
// once written or dropped.
type Encoder struct {
	opts Options
	log  *log.Entry

	settings   config.Video
	ffmpegPath string
	width      int
	height     int
	pool       *frame.Pool

	initialized atomic.Bool
	finishing   atomic.Bool
	failed      atomic.Bool

	mu      sync.Mutex
	queue   []frame.Frame
	pending int
	pipe    pipe.Pipe
	closed  bool
	cmd     *exec.Cmd
	exited  chan struct{}
	exitErr error

	wake       *util.Event
	stop       chan struct{}
	writerDone chan struct{}
	logs       sync.WaitGroup

	// Serializes Initialize, LaunchEncoder and ShutdownEncoder.
	lifecycle sync.Mutex
}

func New(opts Options) *Encoder {
	opts.setDefaults()
	return &Encoder{
		opts:       opts,
		log:        log.WithField("encoder", "idle"),
		ffmpegPath: opts.FFmpegPath,
		wake:       util.NewEvent(),
	}
}

// Initialize creates the frame pipe and starts the writer.
func (e *Encoder) Initialize(settings config.Video, ffmpegPath string, width, height int, pool *frame.Pool) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if pool == nil {
		log.Error("Encoder initialize called without a frame pool")
		return ErrNilPool
	}
	if e.initialized.Load() {
		return ErrAlreadyInitialized
	}

	p, err := e.opts.NewPipe(frame.BufferSize(width, height))
	if err != nil {
		return fmt.Errorf("create frame pipe: %w", err)
	}

	e.settings = settings
	if ffmpegPath != "" {
		e.ffmpegPath = ffmpegPath
	}
	e.width, e.height = width, height
	e.pool = pool
	e.log = log.WithField("pipe", p.Path())

	e.mu.Lock()
	e.pipe = p
	e.closed = false
	e.queue = nil
	e.pending = 0
	e.mu.Unlock()

	e.finishing.Store(false)
	e.failed.Store(false)
	e.stop = make(chan struct{})
	e.writerDone = make(chan struct{})
	go e.writeLoop(p, e.stop, e.writerDone)

	e.initialized.Store(true)
	e.log.Infof("Encoder initialized for %dx%d frames", width, height)
	return nil
}

// LaunchEncoder starts ffmpeg writing to outputPath and blocks until it opens
// the frame pipe. On failure the encoder is shut down.
func (e *Encoder) LaunchEncoder(ctx context.Context, outputPath string) error {
	e.lifecycle.Lock()
	if !e.initialized.Load() {
		e.lifecycle.Unlock()
		return ErrNotInitialized
	}
	e.mu.Lock()
	running := e.cmd != nil
	p := e.pipe
	e.mu.Unlock()
	if running {
		e.lifecycle.Unlock()
		return ErrAlreadyRunning
	}

	l := e.log.WithField("output", filepath.Base(outputPath))
	exited, err := e.startProcess(l, p.Path(), outputPath)
	e.lifecycle.Unlock()
	if err != nil {
		l.Errorf("Failed to start ffmpeg: %v", err)
		e.ShutdownEncoder()
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-exited:
			cancel()
		case <-cctx.Done():
		}
	}()

	if err := p.Connect(cctx); err != nil {
		select {
		case <-exited:
			err = fmt.Errorf("ffmpeg exited before opening %v: %v", p.Path(), e.processError())
		default:
			err = fmt.Errorf("ffmpeg did not open %v: %w", p.Path(), err)
		}
		l.Error(err)
		e.ShutdownEncoder()
		return err
	}
	l.Info("ffmpeg connected to frame pipe")
	return nil
}

func (e *Encoder) startProcess(l *log.Entry, input, output string) (<-chan struct{}, error) {
	c := exec.Command(e.ffmpegPath, EncodeArgs(e.settings, e.width, e.height, input, output)...)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	c.Stdout = outW
	c.Stderr = errW

	l.Debugf("Starting %v %v", c.Path, c.Args[1:])
	if err := c.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, err
	}
	// The child holds its own copies; ours would keep the readers from EOF.
	outW.Close()
	errW.Close()

	e.logs.Add(2)
	go func() {
		defer e.logs.Done()
		readLog(outR, l.WithField("stream", "stdout"))
	}()
	go func() {
		defer e.logs.Done()
		readLog(errR, l.WithField("stream", "stderr"))
	}()

	exited := make(chan struct{})
	e.mu.Lock()
	e.cmd = c
	e.exited = exited
	e.exitErr = nil
	e.mu.Unlock()
	go func() {
		err := c.Wait()
		e.mu.Lock()
		e.exitErr = err
		e.mu.Unlock()
		close(exited)
	}()
	return exited, nil
}

func (e *Encoder) processError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitErr
}

// EncodeFrame queues f for the writer. The frame is released immediately if
// the encoder is not accepting frames.
func (e *Encoder) EncodeFrame(f frame.Frame) bool {
	if !e.initialized.Load() || e.finishing.Load() || e.failed.Load() {
		metrics.FramesDropped.WithLabelValues(metrics.DropEncoderDone).Inc()
		f.Release(e.pool)
		return false
	}
	e.mu.Lock()
	e.queue = append(e.queue, f)
	e.pending++
	e.mu.Unlock()
	e.wake.Notify()
	return true
}

func (e *Encoder) dequeue() (frame.Frame, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return frame.Frame{}, false
	}
	f := e.queue[0]
	e.queue[0] = frame.Frame{}
	e.queue = e.queue[1:]
	return f, true
}

// done marks one dequeued frame as fully handled.
func (e *Encoder) done() {
	e.mu.Lock()
	e.pending--
	e.mu.Unlock()
}

// releaseQueued drops every queued frame back to the pool.
func (e *Encoder) releaseQueued() int {
	n := 0
	for {
		f, ok := e.dequeue()
		if !ok {
			return n
		}
		f.Release(e.pool)
		e.done()
		n++
	}
}

func (e *Encoder) writeLoop(p pipe.Pipe, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		for {
			f, ok := e.dequeue()
			if !ok {
				break
			}
			_, err := p.Write(f.Data)
			f.Release(e.pool)
			e.done()
			if err != nil {
				metrics.PipeWriteErrors.Inc()
				e.failed.Store(true)
				e.log.Errorf("Frame pipe write failed, stopping writer: %v", err)
				if n := e.releaseQueued(); n > 0 {
					e.log.Warnf("Released %d unwritten frames", n)
				}
				return
			}
			metrics.FramesWritten.Inc()
		}

		select {
		case <-stop:
			if n := e.releaseQueued(); n > 0 {
				e.log.Warnf("Released %d unwritten frames on stop", n)
			}
			return
		default:
		}
		e.wake.Wait(writerWait)
	}
}

// Pending returns the number of frames queued or being written.
func (e *Encoder) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// FinishEncoding stops accepting frames, waits for the queue to reach the
// pipe, then closes the pipe so ffmpeg sees EOF.
func (e *Encoder) FinishEncoding() {
	if !e.initialized.Load() {
		return
	}
	if !e.finishing.CompareAndSwap(false, true) {
		return
	}
	e.wake.Notify()

	deadline := time.Now().Add(e.opts.FinishTimeout)
	for e.Pending() > 0 {
		if e.failed.Load() {
			break
		}
		if time.Now().After(deadline) {
			e.log.Warnf("Timed out flushing %d frames to ffmpeg", e.Pending())
			break
		}
		time.Sleep(finishPoll)
	}
	e.closePipe()
	e.log.Info("Frame pipe closed, waiting for ffmpeg to finish")
}

func (e *Encoder) closePipe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipe == nil || e.closed {
		return
	}
	e.closed = true
	if err := e.pipe.Close(); err != nil {
		e.log.Warnf("Error closing frame pipe: %v", err)
	}
}

// ShutdownEncoder stops the writer, closes the pipe and reaps ffmpeg, killing
// it if it does not exit in time. Safe to call at any point.
func (e *Encoder) ShutdownEncoder() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.stop != nil {
		close(e.stop)
		e.wake.Notify()
		select {
		case <-e.writerDone:
		case <-time.After(stopWaitTime):
			// A write is stuck on a reader that stopped reading.
			e.log.Warn("Writer did not stop, closing pipe under it")
			e.closePipe()
			<-e.writerDone
		}
		e.stop = nil
	}
	e.closePipe()

	e.mu.Lock()
	c, exited := e.cmd, e.exited
	e.mu.Unlock()
	if c != nil {
		select {
		case <-exited:
		case <-time.After(e.opts.ExitTimeout):
			e.log.Warn("ffmpeg did not exit, killing it")
			if err := c.Process.Kill(); err != nil {
				e.log.Errorf("Failed to kill ffmpeg: %v", err)
			}
			<-exited
		}
		if err := e.processError(); err != nil {
			e.log.Warnf("ffmpeg exited with %v", err)
		} else {
			e.log.Info("ffmpeg exited cleanly")
		}
	}
	e.logs.Wait()

	e.mu.Lock()
	e.cmd = nil
	e.exited = nil
	e.pipe = nil
	e.mu.Unlock()
	e.initialized.Store(false)
	e.finishing.Store(false)
	e.releaseQueued()
}

// ExitError returns the result of the last ffmpeg run, or nil.
func (e *Encoder) ExitError() error {
	return e.processError()
}
