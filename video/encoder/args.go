package encoder

import (
	"fmt"
	"strconv"

	"vrcap/config"
)

const (
	defaultCodec       = "libx264"
	defaultPreset      = "ultrafast"
	defaultCRF         = 23
	defaultPixelFormat = "bgra"
	defaultFPS         = 30
)

// EncodeArgs builds the ffmpeg arguments that read raw frames from input and
// encode them to output.
func EncodeArgs(v config.Video, width, height int, input, output string) []string {
	codec, preset, pixfmt, crf := v.Codec, v.Preset, v.PixelFormat, v.CRF
	if codec == "" {
		codec = defaultCodec
	}
	if preset == "" {
		preset = defaultPreset
	}
	if pixfmt == "" {
		pixfmt = defaultPixelFormat
	}
	if crf <= 0 {
		crf = defaultCRF
	}
	fps := v.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	return []string{
		"-y",
		// Raw frames arrive over the pipe with no container.
		"-f", "rawvideo",
		"-pix_fmt", pixfmt,
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", input,
		"-map", "0:v",
		"-c:v", codec,
		"-preset", preset,
		"-crf", strconv.Itoa(crf),
		output,
	}
}

// ConcatArgs builds the ffmpeg arguments that join the files named in list
// into output without re-encoding.
func ConcatArgs(list, output string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-c", "copy",
		"-map", "0:v",
		output,
	}
}
