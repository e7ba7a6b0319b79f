package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vrcap/config"
	"vrcap/video/frame"
)

var (
	ErrNilContext         = errors.New("frame source requires a context")
	ErrNilPool            = errors.New("frame source requires a frame pool")
	ErrNoSurface          = errors.New("render source requires a capture surface")
	ErrNoOpener           = errors.New("source requires a capture opener")
	ErrAlreadyInitialized = errors.New("frame source already initialized")
	ErrNotInitialized     = errors.New("frame source not initialized")
	ErrShutDown           = errors.New("frame source shut down")
)

// Kind selects a FrameSource implementation.
type Kind int

const (
	KindSimulated Kind = iota
	KindRender
	KindFolder
	KindVideoFile
	KindWebcam
)

var kindNames = map[Kind]string{
	KindSimulated: "simulated",
	KindRender:    "render",
	KindFolder:    "folder",
	KindVideoFile: "videofile",
	KindWebcam:    "webcam",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown frame source %q", s)
}

// State of a FrameSource:
// Uninitialized -> Initialized -> Capturing <-> Stopped -> ShutDown.
type State int

const (
	Uninitialized State = iota
	Initialized
	Capturing
	Stopped
	ShutDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Capturing:
		return "capturing"
	case Stopped:
		return "stopped"
	case ShutDown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler receives each produced frame and takes ownership of its buffer. It
// runs on the source's delivery goroutine and must not block.
type Handler func(f frame.Frame)

// FrameSource produces BGRA frames from pool buffers at its own cadence.
type FrameSource interface {
	Kind() Kind
	State() State

	// Initialize binds the source to pool and acquires source resources. ctx
	// bounds every goroutine the source starts.
	Initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error

	StartCapture() error
	StopCapture()

	// Shutdown stops capture and releases resources. Safe to call repeatedly.
	Shutdown()

	// OnFrame registers the frame observer, replacing any previous one.
	OnFrame(h Handler)
}

// Resolver is implemented by sources that only learn their frame geometry and
// rate after capture starts.
type Resolver interface {
	// Resolution reports the actual frame size once known.
	Resolution() (width, height int, ok bool)

	// FrameRate reports the effective delivery rate, or 0 if unknown.
	FrameRate() float64
}

// Deps holds the collaborators that individual sources need.
type Deps struct {
	Surface Surface
	Decoder ImageDecoder
	Opener  CaptureOpener
}

// New constructs the FrameSource for kind.
func New(kind Kind, deps Deps) (FrameSource, error) {
	switch kind {
	case KindSimulated:
		return NewSimulated(), nil
	case KindRender:
		return NewRender(deps.Surface), nil
	case KindFolder:
		d := deps.Decoder
		if d == nil {
			d = BildDecoder{}
		}
		return NewFolder(d), nil
	case KindVideoFile:
		if deps.Opener == nil {
			return nil, ErrNoOpener
		}
		return NewVideoFile(deps.Opener), nil
	case KindWebcam:
		if deps.Opener == nil {
			return nil, ErrNoOpener
		}
		return NewWebcam(deps.Opener), nil
	}
	return nil, fmt.Errorf("unsupported frame source %v", kind)
}
