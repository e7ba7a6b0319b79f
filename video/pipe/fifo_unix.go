//go:build unix

package pipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fifo is a named FIFO in its own temp directory. It is removed from the
// filesystem on Close.
type fifo struct {
	dir  string
	path string

	mu     sync.Mutex
	w      *os.File
	closed bool
}

func newPlatformPipe(frameSize int) (Pipe, error) {
	dir, err := os.MkdirTemp("", "vrcap-")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "frames.fifo")
	if err := unix.Mkfifo(path, 0600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("mkfifo %v: %w", path, err)
	}
	log.WithField("pipe", path).Debugf("Created FIFO for %d byte frames", frameSize)
	return &fifo{dir: dir, path: path}, nil
}

func (f *fifo) Path() string {
	return f.path
}

func (f *fifo) Connect(ctx context.Context) error {
	type result struct {
		w   *os.File
		err error
	}
	// Opening for write blocks until a reader opens the other end.
	rc := make(chan result, 1)
	go func() {
		w, err := os.OpenFile(f.path, os.O_WRONLY, 0)
		rc <- result{w, err}
	}()

	select {
	case r := <-rc:
		if r.err != nil {
			return fmt.Errorf("open %v: %w", f.path, r.err)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			r.w.Close()
			return ErrClosed
		}
		f.w = r.w
		return nil
	case <-ctx.Done():
		// Attach a throwaway reader so the pending open returns.
		rd, err := os.OpenFile(f.path, os.O_RDONLY|unix.O_NONBLOCK, 0)
		r := <-rc
		if r.w != nil {
			r.w.Close()
		}
		if err == nil {
			rd.Close()
		}
		return ctx.Err()
	}
}

func (f *fifo) Write(p []byte) (int, error) {
	f.mu.Lock()
	w := f.w
	f.mu.Unlock()
	if w == nil {
		return 0, ErrClosed
	}
	return w.Write(p)
}

func (f *fifo) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var err error
	if f.w != nil {
		err = f.w.Close()
		f.w = nil
	}
	if rerr := os.RemoveAll(f.dir); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
