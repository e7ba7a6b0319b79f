package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"vrcap/config"
	"vrcap/video/frame"
)

// ImageExtensions lists the file types Folder plays back.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".bmp", ".tga", ".exr"}

func isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Folder plays back the images of a directory in name order.
type Folder struct {
	base

	decoder ImageDecoder
	ticker  *Ticker
	files   []string
	next    int
	loop    bool
}

func NewFolder(d ImageDecoder) *Folder {
	return &Folder{
		base:    newBase(KindFolder),
		decoder: d,
	}
}

func (f *Folder) Initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error {
	files, err := listImages(settings.FolderPath)
	if err != nil {
		f.log.Errorf("Cannot read image folder: %v", err)
		return err
	}
	if err := f.initialize(ctx, settings, pool); err != nil {
		return err
	}
	if len(files) == 0 {
		f.log.Warnf("No images found in %v", settings.FolderPath)
	}
	f.files = files
	f.loop = settings.FolderLoop
	f.ticker = NewTicker(ctx, PeriodForFPS(settings.FolderFPS), f.tick)
	f.log.Infof("Found %d images in %v", len(files), settings.FolderPath)
	return nil
}

func listImages(dir string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("no image folder configured")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Files returns the images found at Initialize, in playback order.
func (f *Folder) Files() []string {
	return append([]string(nil), f.files...)
}

func (f *Folder) StartCapture() error {
	ok, err := f.beginCapture()
	if err != nil || !ok {
		return err
	}
	if f.next >= len(f.files) {
		f.next = 0
	}
	f.ticker.Start()
	f.log.Info("Capture started")
	return nil
}

func (f *Folder) StopCapture() {
	if !f.endCapture() {
		return
	}
	f.ticker.Stop()
	f.log.Info("Capture stopped")
}

func (f *Folder) Shutdown() {
	if !f.beginShutdown() {
		return
	}
	if f.ticker != nil {
		f.ticker.Stop()
	}
	f.finishShutdown()
	f.log.Info("Shut down")
}

func (f *Folder) tick() bool {
	if f.next >= len(f.files) {
		if !f.loop || len(f.files) == 0 {
			f.log.Info("Reached end of image folder")
			f.endCapture()
			return false
		}
		f.next = 0
	}
	path := f.files[f.next]
	f.next++

	pool := f.framePool()
	if pool == nil {
		return false
	}
	buf := pool.Acquire()
	if buf == nil {
		return true
	}
	w, h := pool.Size()
	if err := f.decoder.DecodeBGRA(path, w, h, buf); err != nil {
		f.log.Warnf("Skipping %v: %v", filepath.Base(path), err)
		pool.Release(buf)
		return true
	}
	f.emit(frame.Frame{Data: buf, Width: w, Height: h, Time: timeNow()})
	return true
}
