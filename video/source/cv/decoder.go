package cv

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"vrcap/video/frame"
	"vrcap/video/source"
)

// Decoder reads any image format OpenCV supports, including TGA and EXR.
type Decoder struct{}

var _ source.ImageDecoder = Decoder{}

func (Decoder) DecodeBGRA(path string, width, height int, dst []byte) error {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return fmt.Errorf("decode %v: no image", path)
	}
	src := img
	if img.Cols() != width || img.Rows() != height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(img, &resized, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationLinear)
		src = resized
	}
	bgra := gocv.NewMat()
	defer bgra.Close()
	pic, err := toBGRA(src, &bgra)
	if err != nil {
		return err
	}
	if len(dst) < frame.BufferSize(pic.Width, pic.Height) {
		return fmt.Errorf("decode %v: buffer too small", path)
	}
	row := pic.Width * frame.BytesPerPixel
	for y := 0; y < pic.Height; y++ {
		copy(dst[y*row:(y+1)*row], pic.Pix[y*pic.Stride:y*pic.Stride+row])
	}
	return nil
}
