package config

import (
	"time"
)

// Color is a linear RGBA multiplier, 1.0 meaning unchanged.
type Color struct {
	R, G, B, A float64
}

var White = Color{R: 1, G: 1, B: 1, A: 1}

func (c Color) IsWhite() bool {
	return c == White
}

// Video describes the frames a source should produce and how they are encoded.
type Video struct {
	Width  int
	Height int
	FPS    float64

	Codec       string
	Preset      string
	CRF         int
	PixelFormat string

	// Source selects the frame source: simulated, render, folder, videofile or webcam.
	Source string

	Tint          Color
	RandomPattern bool

	FolderPath string
	FolderFPS  float64
	FolderLoop bool

	VideoPath     string
	PlaybackSpeed float64
	VideoLoop     bool

	WebcamIndex  int
	WebcamWidth  int
	WebcamHeight int
	WebcamFPS    float64
}

type Capture struct {
	PoolSize int

	// TakeDurationSec ends the current take after this many seconds. Zero
	// disables rollover.
	TakeDurationSec float64
	AutoNewTake     bool

	// LivePreview bypasses encoding and only feeds the preview stream.
	LivePreview bool
	PreviewTint Color

	// KeepTakes retains individual take files after a master is generated.
	KeepTakes bool
}

func (c Capture) TakeDuration() time.Duration {
	return time.Duration(c.TakeDurationSec * float64(time.Second))
}

type Ledger struct {
	// DSN of the MySQL database recording takes. Empty disables the ledger.
	DSN string
}

type Config struct {
	FFmpegPath string
	// DataRoot is the writable directory holding Recordings/.
	DataRoot string
	HTTPPort int

	Video   Video
	Capture Capture
	Ledger  Ledger
}

// Default returns the settings used for any field a config file leaves out.
func Default() Config {
	return Config{
		DataRoot: ".",
		HTTPPort: 8080,
		Video: Video{
			Width:         1920,
			Height:        1080,
			FPS:           30,
			Codec:         "libx264",
			Preset:        "ultrafast",
			CRF:           23,
			PixelFormat:   "bgra",
			Source:        "simulated",
			Tint:          White,
			RandomPattern: true,
			FolderFPS:     30,
			FolderLoop:    true,
			PlaybackSpeed: 1,
			VideoLoop:     true,
			WebcamWidth:   1280,
			WebcamHeight:  720,
			WebcamFPS:     30,
		},
		Capture: Capture{
			PoolSize:    10,
			PreviewTint: White,
		},
	}
}
