package preview

import (
	"image"
	"image/color"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"vrcap/video/frame"
)

var (
	colorTime = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG   = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// Preview encodes live preview frames to JPEG and publishes them on an MJPEG
// stream. Frames arriving while an encode is in progress are skipped.
type Preview struct {
	// Label prefixes the timestamp overlay.
	Label string

	stream *MJPEGStream
	in     chan frame.Frame
	done   chan struct{}
}

func New(server *MJPEGServer, label string) *Preview {
	p := &Preview{
		Label:  label,
		stream: server.Stream(DefaultStream),
		in:     make(chan frame.Frame, 1),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// PutPreview takes ownership of f, which must not be pool owned.
func (p *Preview) PutPreview(f frame.Frame) {
	if !p.stream.Listening() {
		return
	}
	select {
	case p.in <- f:
	default:
	}
}

func (p *Preview) Close() {
	close(p.in)
	<-p.done
}

func (p *Preview) run() {
	defer close(p.done)
	for f := range p.in {
		if err := p.publish(f); err != nil {
			log.Errorf("Error encoding preview frame: %v", err)
		}
	}
}

func (p *Preview) publish(f frame.Frame) error {
	if !f.Valid() {
		return nil
	}
	bgra, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC4, f.Data)
	if err != nil {
		return err
	}
	defer bgra.Close()

	img := gocv.NewMat()
	defer img.Close()
	gocv.CvtColor(bgra, &img, gocv.ColorBGRAToBGR)

	DrawTimestamp(&img, p.Label+" - "+f.Time.Format("2006-01-02 15:04:05.000 MST"))

	jpeg, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return err
	}
	defer jpeg.Close()

	ts := float64(f.Time.UnixNano()) / 1e9
	p.stream.PutJPEG(jpeg.GetBytes(), ts)
	return nil
}

// DrawTimestamp draws text on a dark band in the top-left corner of img.
func DrawTimestamp(img *gocv.Mat, text string) {
	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1

	sz := gocv.GetTextSize(text, font, scale, thickness)

	pad := 2

	gocv.Rectangle(img, image.Rectangle{Min: image.Point{X: 0, Y: 0}, Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)

	gocv.PutText(img, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorTime, thickness)
}
