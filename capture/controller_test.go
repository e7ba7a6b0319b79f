package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"vrcap/config"
	"vrcap/notify"
	"vrcap/recording"
	"vrcap/video/frame"
	"vrcap/video/session"
	"vrcap/video/source"
)

// countingEncoder creates the take file and counts frames.
type countingEncoder struct {
	pool   *frame.Pool
	frames *atomic.Int64
}

func (e *countingEncoder) Initialize(_ config.Video, _ string, _, _ int, pool *frame.Pool) error {
	e.pool = pool
	return nil
}

func (e *countingEncoder) LaunchEncoder(_ context.Context, path string) error {
	return os.WriteFile(path, []byte("take"), 0644)
}

func (e *countingEncoder) EncodeFrame(f frame.Frame) bool {
	e.frames.Inc()
	f.Release(e.pool)
	return true
}

func (e *countingEncoder) FinishEncoding() {}

func (e *countingEncoder) ShutdownEncoder() {}

type fakeConcat struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *fakeConcat) ConcatenateVideos(_ context.Context, paths []string, out string) error {
	c.mu.Lock()
	c.calls = append(c.calls, paths)
	c.mu.Unlock()
	return os.WriteFile(out, []byte("master"), 0644)
}

func (c *fakeConcat) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type events struct {
	mu   sync.Mutex
	seen []notify.Kind
}

func (e *events) Notify(n *notify.Notification) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, n.Kind)
	return nil
}

func (e *events) has(k notify.Kind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.seen {
		if s == k {
			return true
		}
	}
	return false
}

type previewSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (p *previewSink) PutPreview(f frame.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, f)
}

func (p *previewSink) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

type harness struct {
	c      *Controller
	m      *recording.Manager
	src    source.FrameSource
	frames *atomic.Int64
	concat *fakeConcat
	events *events
}

func newHarness(t *testing.T, src source.FrameSource, cc config.Capture, sink PreviewSink) *harness {
	t.Helper()
	h := &harness{
		src:    src,
		frames: atomic.NewInt64(0),
		concat: &fakeConcat{},
		events: &events{},
	}
	m, err := recording.New(recording.Options{
		Dir:        filepath.Join(t.TempDir(), "Recordings"),
		NewEncoder: func() session.Encoder { return &countingEncoder{frames: h.frames} },
		Concat:     h.concat,
		Probe:      func(string) (time.Duration, error) { return time.Second, nil },
	})
	require.NoError(t, err)
	h.m = m

	n := &notify.Notifier{}
	n.AddListener(h.events)

	v := config.Default().Video
	v.Width, v.Height, v.FPS = 4, 4, 200
	if cc.PoolSize == 0 {
		cc.PoolSize = 8
	}
	h.c, err = New(context.Background(), Options{
		Video:    v,
		Capture:  cc,
		Source:   src,
		Recorder: m,
		Preview:  sink,
		Notifier: n,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.c.Close()
		m.Shutdown()
	})
	return h
}

func TestStartRecordStop(t *testing.T) {
	h := newHarness(t, source.NewSimulated(), config.Capture{}, nil)

	require.NoError(t, h.c.Start())
	assert.ErrorIs(t, h.c.Start(), ErrAlreadyRecording)
	st := h.c.Status()
	assert.True(t, st.Recording)
	assert.Equal(t, 1, st.Take)
	assert.Len(t, st.SessionID, 5)
	assert.Equal(t, "capturing", st.SourceState)

	require.Eventually(t, func() bool { return h.frames.Load() >= 5 }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.c.Stop())
	assert.ErrorIs(t, h.c.Stop(), ErrNotRecording)

	assert.Equal(t, 1, h.concat.count())
	assert.Empty(t, h.m.GetAllTakes())
	assert.Equal(t, "stopped", h.c.Status().SourceState)
	require.Eventually(t, func() bool {
		return h.events.has(notify.RecordingStarted) && h.events.has(notify.TakeCompleted) &&
			h.events.has(notify.MasterCompleted) && h.events.has(notify.RecordingStopped)
	}, time.Second, time.Millisecond)
}

func TestPauseStopsSource(t *testing.T) {
	h := newHarness(t, source.NewSimulated(), config.Capture{}, nil)
	assert.ErrorIs(t, h.c.Pause(), ErrNotRecording)

	require.NoError(t, h.c.Start())
	require.NoError(t, h.c.Pause())
	st := h.c.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, "stopped", st.SourceState)
	assert.ErrorIs(t, h.c.NewTake(), ErrPaused)

	n := h.frames.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, h.frames.Load())

	require.NoError(t, h.c.Resume())
	assert.False(t, h.c.Status().Paused)
	require.Eventually(t, func() bool { return h.frames.Load() > n }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.c.Stop())
	require.Eventually(t, func() bool {
		return h.events.has(notify.RecordingPaused) && h.events.has(notify.RecordingResumed)
	}, time.Second, time.Millisecond)
}

func TestNewTakeAndEndTake(t *testing.T) {
	h := newHarness(t, source.NewSimulated(), config.Capture{}, nil)
	assert.ErrorIs(t, h.c.NewTake(), ErrNotRecording)

	require.NoError(t, h.c.Start())
	first := h.c.Status().SessionID
	require.NoError(t, h.c.NewTake())
	st := h.c.Status()
	assert.Equal(t, 2, st.Take)
	assert.NotEqual(t, first, st.SessionID)
	assert.Len(t, h.m.GetAllTakes(), 1)

	require.NoError(t, h.c.EndTake())
	assert.Empty(t, h.c.Status().SessionID)
	assert.Len(t, h.m.GetAllTakes(), 2)

	require.NoError(t, h.c.NewTake())
	assert.Equal(t, 3, h.c.Status().Take)
	require.NoError(t, h.c.Stop())

	require.Equal(t, 1, h.concat.count())
	assert.Len(t, h.concat.calls[0], 3)
}

func TestTakeRollover(t *testing.T) {
	h := newHarness(t, source.NewSimulated(), config.Capture{TakeDurationSec: 0.05, AutoNewTake: true}, nil)
	require.NoError(t, h.c.Start())
	require.Eventually(t, func() bool { return h.c.Status().Take >= 3 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, h.c.Stop())
	assert.GreaterOrEqual(t, len(h.concat.calls[0]), 3)
}

func TestTakeRolloverWithoutAutoNewTake(t *testing.T) {
	h := newHarness(t, source.NewSimulated(), config.Capture{TakeDurationSec: 0.05}, nil)
	require.NoError(t, h.c.Start())
	require.Eventually(t, func() bool { return len(h.m.GetAllTakes()) == 1 }, 3*time.Second, 5*time.Millisecond)
	st := h.c.Status()
	assert.True(t, st.Recording)
	assert.Empty(t, st.SessionID)
	assert.Equal(t, 1, st.Take)
	require.NoError(t, h.c.Stop())
}

func TestLivePreview(t *testing.T) {
	sink := &previewSink{}
	h := newHarness(t, source.NewSimulated(), config.Capture{
		LivePreview: true,
		PreviewTint: config.Color{R: 1, G: 1, B: 0, A: 1},
	}, sink)

	require.NoError(t, h.c.Start())
	assert.True(t, h.c.Status().LivePreview)
	assert.ErrorIs(t, h.c.NewTake(), ErrLivePreview)
	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.c.Stop())

	sink.mu.Lock()
	f := sink.frames[0]
	sink.mu.Unlock()
	require.Len(t, f.Data, 4*4*4)
	assert.Equal(t, byte(0), f.Data[0], "blue channel removed by tint")
	assert.Equal(t, byte(255), f.Data[3])
	assert.Zero(t, h.frames.Load())
	assert.Zero(t, h.concat.count())
	assert.GreaterOrEqual(t, h.c.Pool().Available(), 8)
}

// resolvingSource reports its geometry only after capture starts.
type resolvingSource struct {
	*source.Simulated
	started atomic.Bool
}

func (r *resolvingSource) Kind() source.Kind { return source.KindVideoFile }

func (r *resolvingSource) StartCapture() error {
	r.started.Store(true)
	return r.Simulated.StartCapture()
}

func (r *resolvingSource) Resolution() (int, int, bool) {
	if !r.started.Load() {
		return 0, 0, false
	}
	return 6, 2, true
}

func (r *resolvingSource) FrameRate() float64 {
	if !r.started.Load() {
		return 0
	}
	return 12
}

func TestResolutionAndRateDiscovery(t *testing.T) {
	src := &resolvingSource{Simulated: source.NewSimulated()}
	h := newHarness(t, src, config.Capture{}, nil)

	require.NoError(t, h.c.Start())
	st := h.c.Status()
	assert.Equal(t, 6, st.Width)
	assert.Equal(t, 2, st.Height)
	assert.Equal(t, 12.0, st.FPS)
	w, hh := h.c.Pool().Size()
	assert.Equal(t, 6, w)
	assert.Equal(t, 2, hh)
	require.NoError(t, h.c.Stop())
}

func TestCloseShutsDown(t *testing.T) {
	src := source.NewSimulated()
	h := newHarness(t, src, config.Capture{}, nil)
	require.NoError(t, h.c.Start())

	h.c.Close()
	<-h.c.Done()
	assert.Equal(t, source.ShutDown, src.State())
	assert.Equal(t, 1, h.concat.count())
	assert.ErrorIs(t, h.c.Start(), ErrClosed)
	h.c.Close()
}

func TestConfigureAppliesOnNextStart(t *testing.T) {
	h := newHarness(t, source.NewSimulated(), config.Capture{}, nil)
	v := config.Default().Video
	v.Width, v.Height, v.FPS = 2, 2, 100
	require.NoError(t, h.c.Configure(v, config.Capture{PoolSize: 3}))
	require.NoError(t, h.c.Start())
	w, hh := h.c.Pool().Size()
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, hh)
	assert.Equal(t, 100.0, h.c.Status().FPS)
	require.NoError(t, h.c.Stop())
}

func TestApplyTint(t *testing.T) {
	pix := []byte{100, 100, 100, 255, 200, 10, 0, 128}
	ApplyTint(pix, config.Color{R: 2, G: 0.5, B: 1, A: 1})
	assert.Equal(t, []byte{100, 50, 200, 255, 200, 5, 0, 128}, pix)

	same := []byte{1, 2, 3, 4}
	ApplyTint(same, config.White)
	ApplyTint(same, config.Color{})
	assert.Equal(t, []byte{1, 2, 3, 4}, same)
}

// slowCamera takes a while to open and then streams 2x2 pictures.
type slowCamera struct {
	delay time.Duration
	opens atomic.Int64
}

func (o *slowCamera) OpenFile(string) (source.Capture, error) {
	return nil, os.ErrNotExist
}

func (o *slowCamera) OpenDevice(int, source.DeviceHints) (source.Capture, error) {
	time.Sleep(o.delay)
	o.opens.Inc()
	return &liveCapture{pix: make([]byte, 2*2*frame.BytesPerPixel)}, nil
}

type liveCapture struct {
	pix []byte
}

func (c *liveCapture) Read() (source.Picture, error) {
	time.Sleep(2 * time.Millisecond)
	return source.Picture{Pix: c.pix, Width: 2, Height: 2, Stride: 2 * frame.BytesPerPixel}, nil
}

func (c *liveCapture) Size() (int, int) { return 2, 2 }
func (c *liveCapture) FPS() float64     { return 60 }
func (c *liveCapture) Rewind() error    { return nil }
func (c *liveCapture) Close() error     { return nil }

func TestSlowCameraResizesBeforeFirstTake(t *testing.T) {
	cam := &slowCamera{delay: 300 * time.Millisecond}
	h := newHarness(t, source.NewWebcam(cam), config.Capture{}, nil)

	require.NoError(t, h.c.Start())
	st := h.c.Status()
	assert.True(t, st.Resolving)
	assert.Equal(t, 0, st.Take)
	assert.ErrorIs(t, h.c.NewTake(), ErrResolving)

	require.Eventually(t, func() bool {
		st := h.c.Status()
		return !st.Resolving && st.Take == 1 && h.frames.Load() > 0
	}, 5*time.Second, 10*time.Millisecond)
	st = h.c.Status()
	assert.Equal(t, 2, st.Width)
	assert.Equal(t, 2, st.Height)
	w, hh := h.c.Pool().Size()
	assert.Equal(t, 2, w)
	assert.Equal(t, 2, hh)
	assert.EqualValues(t, 1, cam.opens.Load())

	require.NoError(t, h.c.Stop())
	assert.Equal(t, 1, h.concat.count())
}

func TestStopWhileResolving(t *testing.T) {
	cam := &slowCamera{delay: 300 * time.Millisecond}
	h := newHarness(t, source.NewWebcam(cam), config.Capture{}, nil)

	require.NoError(t, h.c.Start())
	require.True(t, h.c.Status().Resolving)
	require.NoError(t, h.c.Stop())

	st := h.c.Status()
	assert.False(t, st.Resolving)
	assert.False(t, st.Recording)
	assert.Equal(t, 0, st.Take)
	assert.True(t, h.events.has(notify.RecordingStopped))
}
