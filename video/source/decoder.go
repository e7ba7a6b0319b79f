package source

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
)

// ImageDecoder loads an image file as BGRA pixels.
type ImageDecoder interface {
	// DecodeBGRA decodes path into dst, which holds width*height*4 bytes,
	// resizing when the image is a different size.
	DecodeBGRA(path string, width, height int, dst []byte) error
}

// BildDecoder decodes PNG, JPEG and BMP in pure Go.
type BildDecoder struct{}

func (BildDecoder) DecodeBGRA(path string, width, height int, dst []byte) error {
	img, err := imgio.Open(path)
	if err != nil {
		return err
	}
	var rgba *image.RGBA
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		rgba = transform.Resize(img, width, height, transform.Linear)
	} else if r, ok := img.(*image.RGBA); ok && r.Stride == width*4 && r.Rect.Min == (image.Point{}) {
		rgba = r
	} else {
		rgba = transform.Resize(img, width, height, transform.NearestNeighbor)
	}
	if len(rgba.Pix) < width*height*4 || len(dst) < width*height*4 {
		return fmt.Errorf("decoded %v to %d bytes, want %d", path, len(rgba.Pix), width*height*4)
	}
	rgbaToBGRA(dst, rgba.Pix[:width*height*4])
	return nil
}
