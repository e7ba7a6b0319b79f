// Package cv implements the frame source collaborators on top of OpenCV.
package cv

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"vrcap/video/source"
)

// Opener opens video files and cameras through gocv.
type Opener struct{}

var _ source.CaptureOpener = Opener{}

func (Opener) OpenFile(path string) (source.Capture, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("open video %v: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open video %v: not opened", path)
	}
	return newCapture(vc, false), nil
}

func (Opener) OpenDevice(index int, hints source.DeviceHints) (source.Capture, error) {
	vc, err := gocv.OpenVideoCapture(index)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open camera %d: not opened", index)
	}
	// Hints are applied after open; the device reports what it accepted.
	if hints.Width > 0 && hints.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(hints.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(hints.Height))
	}
	if hints.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, hints.FPS)
	}
	if hints.FourCC != "" {
		vc.Set(gocv.VideoCaptureFOURCC, vc.ToCodec(hints.FourCC))
	}
	c := newCapture(vc, true)
	w, h := c.Size()
	log.WithField("device", index).Infof("Camera accepted %dx%d at %.1f fps", w, h, c.FPS())
	return c, nil
}

type capture struct {
	vc   *gocv.VideoCapture
	live bool
	raw  gocv.Mat
	bgra gocv.Mat
}

func newCapture(vc *gocv.VideoCapture, live bool) *capture {
	return &capture{
		vc:   vc,
		live: live,
		raw:  gocv.NewMat(),
		bgra: gocv.NewMat(),
	}
}

func (c *capture) Read() (source.Picture, error) {
	if ok := c.vc.Read(&c.raw); !ok || c.raw.Empty() {
		if c.live {
			return source.Picture{}, source.ErrEmptyFrame
		}
		return source.Picture{}, source.ErrEndOfStream
	}
	return toBGRA(c.raw, &c.bgra)
}

func (c *capture) Size() (int, int) {
	return int(c.vc.Get(gocv.VideoCaptureFrameWidth)), int(c.vc.Get(gocv.VideoCaptureFrameHeight))
}

func (c *capture) FPS() float64 {
	return c.vc.Get(gocv.VideoCaptureFPS)
}

func (c *capture) Rewind() error {
	c.vc.Set(gocv.VideoCapturePosFrames, 0)
	return nil
}

func (c *capture) Close() error {
	c.raw.Close()
	c.bgra.Close()
	return c.vc.Close()
}

// toBGRA converts src into dst and exposes dst's pixels, stride included.
func toBGRA(src gocv.Mat, dst *gocv.Mat) (source.Picture, error) {
	switch src.Channels() {
	case 4:
		src.CopyTo(dst)
	case 3:
		gocv.CvtColor(src, dst, gocv.ColorBGRToBGRA)
	case 1:
		gocv.CvtColor(src, dst, gocv.ColorGrayToBGRA)
	default:
		return source.Picture{}, fmt.Errorf("unsupported channel count %d", src.Channels())
	}
	pix, err := dst.DataPtrUint8()
	if err != nil {
		return source.Picture{}, err
	}
	return source.Picture{
		Pix:    pix,
		Width:  dst.Cols(),
		Height: dst.Rows(),
		Stride: dst.Step(),
	}, nil
}
