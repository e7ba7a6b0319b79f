//go:build windows

package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

// namedPipe is a single-instance, outbound, byte-mode pipe server.
type namedPipe struct {
	path string

	mu        sync.Mutex
	h         windows.Handle
	connected bool
	closed    bool
}

func newPlatformPipe(frameSize int) (Pipe, error) {
	path := `\\.\pipe\vrcap_` + uuid.NewString()
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateNamedPipe(
		name,
		windows.PIPE_ACCESS_OUTBOUND,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		1,
		uint32(frameSize),
		0,
		0,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create named pipe %v: %w", path, err)
	}
	log.WithField("pipe", path).Debugf("Created named pipe for %d byte frames", frameSize)
	return &namedPipe{path: path, h: h}, nil
}

func (p *namedPipe) Path() string {
	return p.path
}

func (p *namedPipe) Connect(ctx context.Context) error {
	p.mu.Lock()
	h := p.h
	p.mu.Unlock()
	if h == windows.InvalidHandle {
		return ErrClosed
	}

	done := make(chan error, 1)
	go func() {
		err := windows.ConnectNamedPipe(h, nil)
		if err == windows.ERROR_PIPE_CONNECTED {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("connect %v: %w", p.path, err)
		}
		p.mu.Lock()
		p.connected = true
		p.mu.Unlock()
		return nil
	case <-ctx.Done():
		// Connect a throwaway client so the pending ConnectNamedPipe returns.
		if name, err := windows.UTF16PtrFromString(p.path); err == nil {
			c, err := windows.CreateFile(name, windows.GENERIC_READ, 0, nil, windows.OPEN_EXISTING, 0, 0)
			if err == nil {
				defer windows.CloseHandle(c)
			}
		}
		<-done
		return ctx.Err()
	}
}

func (p *namedPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	h, ok := p.h, p.connected
	p.mu.Unlock()
	if !ok || h == windows.InvalidHandle {
		return 0, ErrClosed
	}
	var written int
	for written < len(b) {
		var n uint32
		if err := windows.WriteFile(h, b[written:], &n, nil); err != nil {
			return written, err
		}
		written += int(n)
	}
	return written, nil
}

func (p *namedPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.connected {
		windows.FlushFileBuffers(p.h)
		windows.DisconnectNamedPipe(p.h)
	}
	err := windows.CloseHandle(p.h)
	p.h = windows.InvalidHandle
	return err
}
