package source

import (
	"context"

	"vrcap/config"
	"vrcap/video/frame"
)

// Webcam reads a camera device on a worker goroutine. Empty reads are
// retried; the stream never ends on its own.
type Webcam struct {
	threaded

	opener CaptureOpener
	want   float64
}

func NewWebcam(o CaptureOpener) *Webcam {
	w := &Webcam{opener: o}
	w.threaded = threaded{
		base:     newBase(KindWebcam),
		live:     true,
		drainAll: true,
		pollFPS:  func() float64 { return w.want },
	}
	return w
}

func (w *Webcam) Initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error {
	if err := w.threaded.initialize(ctx, settings, pool); err != nil {
		return err
	}
	w.want = settings.WebcamFPS
	hints := DeviceHints{
		Width:  settings.WebcamWidth,
		Height: settings.WebcamHeight,
		FPS:    settings.WebcamFPS,
		FourCC: "MJPG",
	}
	index := settings.WebcamIndex
	w.open = func() (Capture, error) {
		return w.opener.OpenDevice(index, hints)
	}
	w.log.Infof("Initialized for device %d, requesting %dx%d at %.0f fps", index, hints.Width, hints.Height, hints.FPS)
	w.preopen()
	return nil
}

// FrameRate reports the rate the device agreed to, or 0 before it is open.
func (w *Webcam) FrameRate() float64 {
	return w.fps.Load()
}
