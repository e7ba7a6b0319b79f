package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrcap/config"
)

// fakeCapture yields frames numbered 1..n, each a 2x2 picture with a padded
// stride.
type fakeCapture struct {
	mu      sync.Mutex
	n       int
	pos     int
	fps     float64
	live    bool
	empties int
	rewinds int
	closed  bool
}

func (c *fakeCapture) Read() (Picture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.empties > 0 {
		c.empties--
		return Picture{}, ErrEmptyFrame
	}
	if c.live {
		// A camera blocks until the next frame.
		c.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		c.mu.Lock()
	} else if c.pos >= c.n {
		return Picture{}, ErrEndOfStream
	}
	c.pos++
	v := byte(c.pos)
	row := []byte{v, v, v, 255, v, v, v, 255, 0, 0}
	return Picture{Pix: append(append([]byte{}, row...), row...), Width: 2, Height: 2, Stride: 10}, nil
}

func (c *fakeCapture) Size() (int, int) { return 2, 2 }

func (c *fakeCapture) FPS() float64 { return c.fps }

func (c *fakeCapture) Rewind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = 0
	c.rewinds++
	return nil
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeOpener struct {
	capture *fakeCapture
	err     error
	// delay makes every open slow, like a camera negotiating its format.
	delay time.Duration

	mu    sync.Mutex
	opens int
	index int
	hints DeviceHints
	path  string
}

func (o *fakeOpener) OpenFile(path string) (Capture, error) {
	o.mu.Lock()
	o.opens++
	o.path = path
	o.mu.Unlock()
	return o.result()
}

func (o *fakeOpener) OpenDevice(index int, hints DeviceHints) (Capture, error) {
	o.mu.Lock()
	o.opens++
	o.index, o.hints = index, hints
	o.mu.Unlock()
	return o.result()
}

func (o *fakeOpener) result() (Capture, error) {
	time.Sleep(o.delay)
	if o.err != nil {
		return nil, o.err
	}
	return o.capture, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

func TestVideoFilePlaysToEnd(t *testing.T) {
	pool := newPool(t, 2, 2)
	opener := &fakeOpener{capture: &fakeCapture{n: 5, fps: 100}}
	v := NewVideoFile(opener)
	c := &collector{pool: pool, keep: true}
	v.OnFrame(c.handle)

	require.NoError(t, v.Initialize(context.Background(), config.Video{VideoPath: "clip.mp4", PlaybackSpeed: 2}, pool))
	require.NoError(t, v.StartCapture())
	require.Eventually(t, func() bool { return c.count() == 5 }, 2*time.Second, time.Millisecond)
	opener.mu.Lock()
	assert.Equal(t, "clip.mp4", opener.path)
	opener.mu.Unlock()

	w, h, ok := v.Resolution()
	assert.True(t, ok)
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, h)
	assert.Equal(t, 200.0, v.FrameRate())

	for i := 0; i < 5; i++ {
		f := c.get(i)
		require.Len(t, f.Data, 16)
		assert.Equal(t, byte(i+1), f.Data[0], "frames arrive in decode order")
		assert.Equal(t, byte(i+1), f.Data[12])
	}
	require.Eventually(t, func() bool { return v.State() == Stopped }, time.Second, time.Millisecond)

	v.Shutdown()
	assert.True(t, opener.capture.isClosed())
	assert.GreaterOrEqual(t, pool.Available(), 4)
}

func TestVideoFileLoops(t *testing.T) {
	pool := newPool(t, 2, 2)
	fc := &fakeCapture{n: 2, fps: 200}
	v := NewVideoFile(&fakeOpener{capture: fc})
	c := &collector{pool: pool}
	v.OnFrame(c.handle)

	require.NoError(t, v.Initialize(context.Background(), config.Video{VideoLoop: true}, pool))
	require.NoError(t, v.StartCapture())
	require.Eventually(t, func() bool { return c.count() >= 5 }, 2*time.Second, time.Millisecond)
	fc.mu.Lock()
	assert.GreaterOrEqual(t, fc.rewinds, 2)
	fc.mu.Unlock()
	v.Shutdown()
}

func TestVideoFileOpenFailure(t *testing.T) {
	pool := newPool(t, 2, 2)
	v := NewVideoFile(&fakeOpener{err: errors.New("no such file")})
	require.NoError(t, v.Initialize(context.Background(), config.Video{}, pool))
	require.NoError(t, v.StartCapture())
	require.Eventually(t, func() bool { return v.State() == Stopped }, time.Second, time.Millisecond)
	v.Shutdown()
}

func TestWebcamRetriesEmptyReads(t *testing.T) {
	pool := newPool(t, 2, 2)
	fc := &fakeCapture{live: true, fps: 60, empties: 2}
	opener := &fakeOpener{capture: fc}
	w := NewWebcam(opener)
	c := &collector{pool: pool}
	w.OnFrame(c.handle)

	settings := config.Default().Video
	settings.WebcamIndex = 3
	require.NoError(t, w.Initialize(context.Background(), settings, pool))
	require.NoError(t, w.StartCapture())
	require.Eventually(t, func() bool { return c.count() >= 3 }, 3*time.Second, time.Millisecond)

	opener.mu.Lock()
	assert.Equal(t, 3, opener.index)
	assert.Equal(t, DeviceHints{Width: 1280, Height: 720, FPS: 30, FourCC: "MJPG"}, opener.hints)
	opener.mu.Unlock()
	assert.Equal(t, 1, opener.openCount())
	assert.Equal(t, 60.0, w.FrameRate())
	assert.Equal(t, Capturing, w.State())

	w.StopCapture()
	assert.False(t, fc.isClosed(), "device stays open across stop")
	n := c.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, c.count())

	require.NoError(t, w.StartCapture())
	require.Eventually(t, func() bool { return c.count() > n }, 2*time.Second, time.Millisecond)

	w.Shutdown()
	assert.True(t, fc.isClosed())
	assert.GreaterOrEqual(t, pool.Available(), 4)
}

func TestThreadedDropsFramesOfWrongSize(t *testing.T) {
	pool := newPool(t, 4, 4)
	v := NewVideoFile(&fakeOpener{capture: &fakeCapture{n: 3, fps: 100}})
	c := &collector{pool: pool}
	v.OnFrame(c.handle)
	require.NoError(t, v.Initialize(context.Background(), config.Video{}, pool))
	require.NoError(t, v.StartCapture())
	require.Eventually(t, func() bool { return v.State() == Stopped }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.count())
	v.Shutdown()
	assert.GreaterOrEqual(t, pool.Available(), 4)
}

func TestGeometryKnownAfterInitialize(t *testing.T) {
	pool := newPool(t, 2, 2)
	opener := &fakeOpener{capture: &fakeCapture{live: true, fps: 25}, delay: 30 * time.Millisecond}
	w := NewWebcam(opener)
	require.NoError(t, w.Initialize(context.Background(), config.Default().Video, pool))

	_, _, ok := w.Resolution()
	assert.False(t, ok, "the open is still in progress")
	require.Eventually(t, func() bool { _, _, ok := w.Resolution(); return ok }, time.Second, time.Millisecond)
	assert.Equal(t, 25.0, w.FrameRate())
	assert.Equal(t, Initialized, w.State())

	require.NoError(t, w.StartCapture())
	w.Shutdown()
	assert.Equal(t, 1, opener.openCount())
	assert.True(t, opener.capture.isClosed())
}

func TestShutdownDuringOpenClosesCapture(t *testing.T) {
	pool := newPool(t, 2, 2)
	opener := &fakeOpener{capture: &fakeCapture{n: 1, fps: 10}, delay: 30 * time.Millisecond}
	v := NewVideoFile(opener)
	require.NoError(t, v.Initialize(context.Background(), config.Video{}, pool))
	v.Shutdown()
	require.Eventually(t, opener.capture.isClosed, time.Second, time.Millisecond)
}

func TestVideoFileRestartsAfterEnd(t *testing.T) {
	pool := newPool(t, 2, 2)
	fc := &fakeCapture{n: 3, fps: 200}
	v := NewVideoFile(&fakeOpener{capture: fc})
	c := &collector{pool: pool, keep: true}
	v.OnFrame(c.handle)
	require.NoError(t, v.Initialize(context.Background(), config.Video{}, pool))

	require.NoError(t, v.StartCapture())
	require.Eventually(t, func() bool { return v.State() == Stopped && c.count() == 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, v.StartCapture())
	require.Eventually(t, func() bool { return c.count() == 6 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, byte(1), c.get(3).Data[0], "playback starts over")
	fc.mu.Lock()
	assert.Equal(t, 1, fc.rewinds)
	fc.mu.Unlock()
	v.Shutdown()
}
