package source

import (
	"context"

	"vrcap/config"
	"vrcap/video/frame"
)

// VideoFile decodes a video file on a worker goroutine and delivers frames at
// the file's native rate scaled by the playback speed.
type VideoFile struct {
	threaded

	opener CaptureOpener
	speed  float64
}

func NewVideoFile(o CaptureOpener) *VideoFile {
	v := &VideoFile{opener: o}
	v.threaded = threaded{
		base:    newBase(KindVideoFile),
		pollFPS: v.FrameRate,
	}
	return v
}

func (v *VideoFile) Initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error {
	if err := v.threaded.initialize(ctx, settings, pool); err != nil {
		return err
	}
	v.loop = settings.VideoLoop
	v.speed = settings.PlaybackSpeed
	if v.speed <= 0 {
		v.speed = 1
	}
	path := settings.VideoPath
	v.open = func() (Capture, error) {
		return v.opener.OpenFile(path)
	}
	v.log.Infof("Initialized for %v at %.2fx speed", path, v.speed)
	v.preopen()
	return nil
}

// FrameRate returns native FPS times playback speed, or 0 before the file is
// open.
func (v *VideoFile) FrameRate() float64 {
	native := v.fps.Load()
	if native <= 0 {
		return 0
	}
	return native * v.speed
}
