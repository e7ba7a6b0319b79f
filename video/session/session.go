package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vrcap/config"
	"vrcap/metrics"
	"vrcap/util"
	"vrcap/video/encoder"
	"vrcap/video/frame"
)

var (
	ErrNilPool            = errors.New("session requires a frame pool")
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyRecording   = errors.New("session already recording")
	ErrSessionFinished    = errors.New("session already stopped")
	ErrAlreadyInitialized = errors.New("session already initialized")
)

const (
	drainWait       = 100 * time.Millisecond
	defaultQueueCap = 30
)

// Encoder consumes the frames of one take.
type Encoder interface {
	Initialize(settings config.Video, ffmpegPath string, width, height int, pool *frame.Pool) error
	LaunchEncoder(ctx context.Context, outputPath string) error
	EncodeFrame(f frame.Frame) bool
	FinishEncoding()
	ShutdownEncoder()
}

type EncoderFactory func() Encoder

// DefaultEncoder returns an ffmpeg-backed encoder with default options.
func DefaultEncoder() Encoder {
	return encoder.New(encoder.Options{})
}

type State int

const (
	Idle State = iota
	// Starting covers the encoder launch.
	Starting
	Recording
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Options struct {
	// Dir receives the take file. It is created when recording starts.
	Dir string

	NewEncoder EncoderFactory
}

// Session records a single take: frames handed to AddVideoFrame are queued
// and forwarded to the encoder by a drain goroutine.
type Session struct {
	opts Options
	log  *log.Entry

	id       string
	settings config.Video
	pool     *frame.Pool
	enc      Encoder
	queueCap int

	mu        sync.Mutex
	state     State
	queue     []frame.Frame
	output    string
	start     time.Time
	resumedAt time.Time
	active    time.Duration

	wake     *util.Event
	started  chan struct{}
	stopping chan struct{}
	drained  chan struct{}
}

func New(opts Options) *Session {
	if opts.NewEncoder == nil {
		opts.NewEncoder = DefaultEncoder
	}
	return &Session{
		opts: opts,
		log:  log.WithField("session", "new"),
		wake: util.NewEvent(),
	}
}

// Initialize creates and initializes the session's encoder.
func (s *Session) Initialize(settings config.Video, ffmpegPath string, width, height int, pool *frame.Pool) error {
	if pool == nil {
		s.log.Error("Initialize called without a frame pool")
		return ErrNilPool
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc != nil {
		return ErrAlreadyInitialized
	}

	enc := s.opts.NewEncoder()
	if err := enc.Initialize(settings, ffmpegPath, width, height, pool); err != nil {
		s.log.Errorf("Failed to initialize encoder: %v", err)
		return fmt.Errorf("initializing encoder: %w", err)
	}
	s.enc = enc
	s.settings = settings
	s.pool = pool
	s.queueCap = defaultQueueCap
	if settings.FPS > 0 {
		s.queueCap = int(math.Ceil(settings.FPS))
	}
	s.id = uuid.New().String()[:5]
	s.log = log.WithField("session", s.id)
	s.log.Infof("Initialized at %dx%d, queue holds %d frames", width, height, s.queueCap)
	return nil
}

// StartRecording launches the encoder and begins accepting frames.
func (s *Session) StartRecording(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.enc == nil:
		s.mu.Unlock()
		return ErrNotInitialized
	case s.state == Starting || s.state == Recording || s.state == Paused:
		s.mu.Unlock()
		s.log.Warn("Recording already in progress")
		return ErrAlreadyRecording
	case s.state == Stopped:
		s.mu.Unlock()
		return ErrSessionFinished
	}
	s.state = Starting
	started := make(chan struct{})
	s.started = started
	defer close(started)
	stale := s.takeQueueLocked()
	now := time.Now()
	s.start = now
	s.resumedAt = now
	s.active = 0
	s.output = TakePath(s.opts.Dir, now, s.id)
	output := s.output
	s.mu.Unlock()

	for _, f := range stale {
		f.Release(s.pool)
	}

	if err := os.MkdirAll(s.opts.Dir, 0755); err != nil {
		s.log.Errorf("Cannot create %v: %v", s.opts.Dir, err)
		s.setState(Idle)
		return err
	}
	if err := s.enc.LaunchEncoder(ctx, output); err != nil {
		s.log.Errorf("Failed to launch encoder, aborting take: %v", err)
		if !errors.Is(err, encoder.ErrAlreadyRunning) {
			s.enc.ShutdownEncoder()
		}
		s.setState(Idle)
		return err
	}

	s.mu.Lock()
	s.state = Recording
	s.stopping = make(chan struct{})
	s.drained = make(chan struct{})
	go s.drain(s.stopping, s.drained)
	s.mu.Unlock()

	s.log.Infof("Recording take to %v", output)
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// AddVideoFrame queues f for encoding and takes ownership of it. It returns
// false if the frame was dropped.
func (s *Session) AddVideoFrame(f frame.Frame) bool {
	s.mu.Lock()
	if s.state != Recording {
		reason := metrics.DropNotRecording
		if s.state == Paused {
			reason = metrics.DropPaused
		}
		s.mu.Unlock()
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		f.Release(s.pool)
		return false
	}
	if len(s.queue) >= s.queueCap {
		n := len(s.queue)
		s.mu.Unlock()
		metrics.FramesDropped.WithLabelValues(metrics.DropQueueFull).Inc()
		s.log.Warnf("Queue full (%d frames), dropping frame", n)
		f.Release(s.pool)
		return false
	}
	s.queue = append(s.queue, f)
	metrics.SessionQueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()
	s.wake.Notify()
	return true
}

func (s *Session) dequeue() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return frame.Frame{}, false
	}
	f := s.queue[0]
	s.queue[0] = frame.Frame{}
	s.queue = s.queue[1:]
	metrics.SessionQueueDepth.Set(float64(len(s.queue)))
	return f, true
}

func (s *Session) takeQueueLocked() []frame.Frame {
	q := s.queue
	s.queue = nil
	return q
}

func (s *Session) drain(stopping <-chan struct{}, drained chan<- struct{}) {
	defer close(drained)
	for {
		for {
			f, ok := s.dequeue()
			if !ok {
				break
			}
			s.enc.EncodeFrame(f)
		}
		select {
		case <-stopping:
			// Flush whatever arrived after the last pass.
			n := 0
			for {
				f, ok := s.dequeue()
				if !ok {
					break
				}
				s.enc.EncodeFrame(f)
				n++
			}
			s.log.Debugf("Drain finished, flushed %d frames", n)
			return
		default:
		}
		s.wake.Wait(drainWait)
	}
}

func (s *Session) PauseRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Recording {
		return
	}
	s.active += time.Since(s.resumedAt)
	s.state = Paused
	s.log.Info("Recording paused")
}

func (s *Session) ResumeRecording() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Paused {
		return
	}
	s.resumedAt = time.Now()
	s.state = Recording
	s.log.Info("Recording resumed")
}

// StopRecording flushes queued frames into the encoder, waits for it to
// finish writing and shuts it down. It is safe to call more than once.
func (s *Session) StopRecording() {
	s.mu.Lock()
	if s.state == Starting {
		started := s.started
		s.mu.Unlock()
		<-started
		s.StopRecording()
		return
	}
	if s.state != Recording && s.state != Paused {
		if s.state == Idle && s.enc != nil {
			// Never launched; nothing to flush.
			s.state = Stopped
			enc := s.enc
			s.mu.Unlock()
			enc.ShutdownEncoder()
			return
		}
		s.mu.Unlock()
		return
	}
	if s.state == Recording {
		s.active += time.Since(s.resumedAt)
	}
	s.state = Stopped
	stopping, drained := s.stopping, s.drained
	s.stopping = nil
	s.mu.Unlock()

	s.log.Info("Stopping take")
	close(stopping)
	s.wake.Notify()
	<-drained

	s.enc.FinishEncoding()
	s.enc.ShutdownEncoder()

	s.mu.Lock()
	stale := s.takeQueueLocked()
	d := s.active
	s.mu.Unlock()
	for _, f := range stale {
		f.Release(s.pool)
	}
	metrics.SessionQueueDepth.Set(0)
	s.log.Infof("Take stopped after %v: %v", d.Round(time.Millisecond), s.output)
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) OutputPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// Duration is the time spent recording, excluding pauses.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Recording {
		return s.active + time.Since(s.resumedAt)
	}
	return s.active
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Settings returns the video settings the session was initialized with.
func (s *Session) Settings() config.Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}
