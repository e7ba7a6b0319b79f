package preview

import (
	"runtime"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"vrcap/video/frame"
)

// Window shows preview frames in a desktop window.
type Window struct {
	name string
	in   chan frame.Frame
	done chan struct{}
}

func NewWindow(name string) *Window {
	w := &Window{
		name: name,
		in:   make(chan frame.Frame, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// PutPreview only reads f.
func (w *Window) PutPreview(f frame.Frame) {
	select {
	case w.in <- f:
	default:
	}
}

func (w *Window) Close() {
	close(w.in)
	<-w.done
}

func (w *Window) run() {
	defer close(w.done)
	// HighGUI calls must stay on one thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	window := gocv.NewWindow(w.name)
	defer window.Close()

	sizeSet := false
	for f := range w.in {
		if !f.Valid() {
			continue
		}
		mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC4, f.Data)
		if err != nil {
			log.Errorf("Error showing preview frame: %v", err)
			continue
		}
		if !sizeSet {
			window.ResizeWindow(f.Width, f.Height)
			sizeSet = true
		}
		window.IMShow(mat)
		window.WaitKey(1)
		mat.Close()
	}
}

// Sink receives tinted preview frames.
type Sink interface {
	PutPreview(f frame.Frame)
}

type tee []Sink

// Tee hands every frame to each sink. Sinks must treat the frame as read only.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

func (t tee) PutPreview(f frame.Frame) {
	for _, s := range t {
		s.PutPreview(f)
	}
}
