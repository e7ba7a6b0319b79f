// Package pipe provides the per-encode byte channel that raw frames are
// streamed through: a FIFO on POSIX systems and a named pipe on Windows.
package pipe

import (
	"context"
	"errors"
	"io"
)

var ErrClosed = errors.New("pipe closed")

// Pipe is a write-only channel read by an external process. Path is handed to
// the reader; Connect blocks until that reader has attached.
type Pipe interface {
	io.WriteCloser

	// Path is what the reading process opens.
	Path() string

	// Connect waits for the reader. It returns early with ctx.Err() when ctx
	// is done, leaving the pipe closable.
	Connect(ctx context.Context) error
}

// Factory creates a pipe sized for frames of frameSize bytes.
type Factory func(frameSize int) (Pipe, error)

// New creates a platform pipe.
func New(frameSize int) (Pipe, error) {
	return newPlatformPipe(frameSize)
}
