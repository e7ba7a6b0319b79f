package cv

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Device describes a camera that could be opened.
type Device struct {
	Index  int
	Width  int
	Height int
	FPS    float64
}

func (d Device) String() string {
	return fmt.Sprintf("Device %d (%dx%d @ %.1ffps)", d.Index, d.Width, d.Height, d.FPS)
}

// ListDevices probes camera indices [0, max) and returns the ones that open.
// Each probe opens and closes the device, so this can take a while.
func ListDevices(max int) []Device {
	var devices []Device
	for i := 0; i < max; i++ {
		vc, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if vc.IsOpened() {
			devices = append(devices, Device{
				Index:  i,
				Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
				Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
				FPS:    vc.Get(gocv.VideoCaptureFPS),
			})
		}
		vc.Close()
	}
	return devices
}
