package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"vrcap/config"
	"vrcap/metrics"
	"vrcap/notify"
	"vrcap/recording"
	"vrcap/video/frame"
	"vrcap/video/session"
	"vrcap/video/source"
)

var (
	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("already recording")
	ErrPaused           = errors.New("recording is paused")
	ErrLivePreview      = errors.New("takes are disabled in live preview mode")
	ErrClosed           = errors.New("capture controller closed")
	ErrResolving        = errors.New("waiting for the source to report its resolution")
)

// Resolution discovery polls a Resolver this many times before falling back
// to the configured size.
const discoverAttempts = 10

var discoverInterval = 10 * time.Millisecond

// resolveTimeout bounds how long the first take waits for a source that is
// still opening before the configured size is used.
var resolveTimeout = 5 * time.Second

// PreviewSink receives live preview frames. The frame is a private copy and
// is not owned by any pool.
type PreviewSink interface {
	PutPreview(f frame.Frame)
}

// Recorder runs takes. *recording.Manager implements it.
type Recorder interface {
	StartRecording(ctx context.Context, settings config.Video, width, height int, pool *frame.Pool) (*session.Session, error)
	StopRecording(s *session.Session) (recording.TakeInfo, bool)
	GenerateMasterVideo(ctx context.Context) (string, error)
}

type Options struct {
	Video   config.Video
	Capture config.Capture

	Source   source.FrameSource
	Recorder Recorder

	// Preview is optional.
	Preview PreviewSink

	// Notifier is optional.
	Notifier *notify.Notifier
}

// Status is a snapshot of the controller.
type Status struct {
	Recording   bool
	Paused      bool
	LivePreview bool
	Source      string
	SourceState string
	Take        int
	SessionID   string `json:",omitempty"`
	TakeSeconds float64
	Width       int
	Height      int
	FPS         float64
	// Resolving is set while the first take waits for the source geometry.
	Resolving bool `json:",omitempty"`
}

// Controller owns the frame source, the frame pool and the current take. All
// commands run on one goroutine; frames are routed on the source's goroutine.
type Controller struct {
	ctx  context.Context
	src  source.FrameSource
	rec  Recorder
	pool *frame.Pool
	n    *notify.Notifier
	log  *log.Entry

	// Loop state.
	video     config.Video
	capture   config.Capture
	rollover  *time.Timer
	rollc     <-chan time.Time
	resolve   *time.Timer
	resolvc   <-chan time.Time
	resolveBy time.Time

	// Frame path state.
	mu        sync.Mutex
	recording bool
	paused    bool
	preview   bool
	resolving bool
	sess      *session.Session
	take      int
	settings  config.Video
	width     int
	height    int
	tint      config.Color
	sink      PreviewSink

	cmds  chan command
	close chan chan bool
	done  chan struct{}
}

type command struct {
	fn    func() error
	reply chan error
}

// New initializes the source against a fresh pool and starts the command
// loop. The loop ends when ctx is done or Close is called.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Source == nil || opts.Recorder == nil {
		return nil, errors.New("capture controller needs a source and a recorder")
	}
	pool := frame.NewPool()
	if err := pool.Initialize(poolSize(opts.Capture), opts.Video.Width, opts.Video.Height, false); err != nil {
		return nil, err
	}
	if err := opts.Source.Initialize(ctx, opts.Video, pool); err != nil {
		return nil, err
	}

	c := &Controller{
		ctx:     ctx,
		src:     opts.Source,
		rec:     opts.Recorder,
		pool:    pool,
		n:       opts.Notifier,
		log:     log.WithField("source", opts.Source.Kind().String()),
		video:   opts.Video,
		capture: opts.Capture,
		sink:    opts.Preview,
		width:   opts.Video.Width,
		height:  opts.Video.Height,

		cmds:  make(chan command),
		close: make(chan chan bool),
		done:  make(chan struct{}),
	}
	c.src.OnFrame(c.onFrame)
	go c.loop()
	return c, nil
}

func poolSize(c config.Capture) int {
	if c.PoolSize <= 0 {
		return config.Default().Capture.PoolSize
	}
	return c.PoolSize
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			cmd.reply <- cmd.fn()

		case <-c.rollc:
			c.onRollover()

		case <-c.resolvc:
			c.onResolve()

		case <-c.ctx.Done():
			c.shutdown()
			return

		case r := <-c.close:
			c.shutdown()
			r <- true
			return
		}
	}
}

func (c *Controller) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- command{fn: fn, reply: reply}:
	case <-c.done:
		return ErrClosed
	}
	return <-reply
}

// Close stops any recording, shuts the source down and drops the pool.
func (c *Controller) Close() {
	r := make(chan bool)
	select {
	case c.close <- r:
		<-r
	case <-c.done:
	}
}

// Done is closed once the controller has shut down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start begins capture and, unless in live preview mode, the first take.
func (c *Controller) Start() error { return c.do(c.start) }

// Stop ends capture and the current take, then folds all takes into a master
// video.
func (c *Controller) Stop() error { return c.do(c.stop) }

func (c *Controller) Pause() error { return c.do(c.pause) }

func (c *Controller) Resume() error { return c.do(c.resume) }

// NewTake ends the current take, if any, and starts another.
func (c *Controller) NewTake() error {
	return c.do(func() error {
		if err := c.canTake(); err != nil {
			return err
		}
		return c.startTake()
	})
}

// EndTake ends the current take. Capture continues, but frames are dropped
// until NewTake.
func (c *Controller) EndTake() error {
	return c.do(func() error {
		if err := c.canTake(); err != nil {
			return err
		}
		c.endTake()
		return nil
	})
}

// Configure replaces the settings used by the next Start.
func (c *Controller) Configure(v config.Video, cc config.Capture) error {
	return c.do(func() error {
		c.video = v
		c.capture = cc
		c.log.Info("Capture settings updated, applied on next start")
		return nil
	})
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Recording:   c.recording,
		Paused:      c.paused,
		LivePreview: c.preview,
		Source:      c.src.Kind().String(),
		SourceState: c.src.State().String(),
		Take:        c.take,
		Width:       c.width,
		Height:      c.height,
		FPS:         c.settings.FPS,
		Resolving:   c.resolving,
	}
	if c.sess != nil {
		st.SessionID = c.sess.ID()
		st.TakeSeconds = c.sess.Duration().Seconds()
	}
	return st
}

// Pool exposes the frame pool shared by the source and the takes.
func (c *Controller) Pool() *frame.Pool {
	return c.pool
}

func (c *Controller) canTake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.recording:
		return ErrNotRecording
	case c.preview:
		return ErrLivePreview
	case c.paused:
		return ErrPaused
	case c.resolving:
		return ErrResolving
	}
	return nil
}

func (c *Controller) start() error {
	c.mu.Lock()
	active := c.recording
	c.mu.Unlock()
	if active {
		return ErrAlreadyRecording
	}

	settings := c.video
	if err := c.src.StartCapture(); err != nil {
		c.log.Errorf("Failed to start capture: %v", err)
		return err
	}
	switch c.src.Kind() {
	case source.KindFolder:
		settings.FPS = settings.FolderFPS
	case source.KindWebcam:
		settings.FPS = settings.WebcamFPS
	case source.KindVideoFile:
		if fps := c.discoverFPS(); fps > 0 {
			settings.FPS = fps
		} else {
			c.log.Warnf("Could not determine playback rate, encoding at %.2f fps", settings.FPS)
		}
	}
	if settings.FPS <= 0 {
		settings.FPS = 30
	}
	w, h, known := c.discoverResolution(settings)
	if err := c.pool.Initialize(poolSize(c.capture), w, h, true); err != nil {
		c.src.StopCapture()
		return err
	}

	c.mu.Lock()
	c.recording = true
	c.paused = false
	c.preview = c.capture.LivePreview
	c.take = 0
	c.settings = settings
	c.width, c.height = w, h
	c.tint = c.capture.PreviewTint
	c.resolving = !known
	c.mu.Unlock()

	if !known {
		c.log.Warnf("Source has not reported a resolution yet, holding the first take for up to %v", resolveTimeout)
		c.resolveBy = time.Now().Add(resolveTimeout)
		c.armResolve()
	} else if !c.capture.LivePreview {
		if err := c.startTake(); err != nil {
			c.log.Errorf("Failed to start first take, aborting: %v", err)
			c.src.StopCapture()
			c.mu.Lock()
			c.recording = false
			c.mu.Unlock()
			return err
		}
	}
	c.log.Infof("Capture started at %dx%d, %.2f fps", w, h, settings.FPS)
	c.n.Started()
	return nil
}

func (c *Controller) discoverFPS() float64 {
	r, ok := c.src.(source.Resolver)
	if !ok {
		return 0
	}
	for i := 0; i < discoverAttempts; i++ {
		if fps := r.FrameRate(); fps > 0 {
			return fps
		}
		time.Sleep(discoverInterval)
	}
	return 0
}

// discoverResolution reports false if a Resolver source has not opened yet.
func (c *Controller) discoverResolution(settings config.Video) (int, int, bool) {
	r, ok := c.src.(source.Resolver)
	if !ok {
		return settings.Width, settings.Height, true
	}
	for i := 0; i < discoverAttempts; i++ {
		if w, h, ok := r.Resolution(); ok {
			c.log.Infof("Source resolution %dx%d after %d polls", w, h, i+1)
			return w, h, true
		}
		time.Sleep(discoverInterval)
	}
	return settings.Width, settings.Height, false
}

func (c *Controller) armResolve() {
	c.disarmResolve()
	c.resolve = time.NewTimer(discoverInterval)
	c.resolvc = c.resolve.C
}

func (c *Controller) disarmResolve() {
	if c.resolve != nil {
		c.resolve.Stop()
	}
	c.resolve = nil
	c.resolvc = nil
}

// onResolve polls a late source until it reports its size, resizes the pool
// to match and starts the first take.
func (c *Controller) onResolve() {
	c.resolve, c.resolvc = nil, nil
	c.mu.Lock()
	resolving, w, h := c.resolving, c.width, c.height
	c.mu.Unlock()
	if !resolving {
		return
	}

	r, _ := c.src.(source.Resolver)
	if rw, rh, ok := r.Resolution(); ok {
		if rw != w || rh != h {
			if err := c.pool.Initialize(poolSize(c.capture), rw, rh, true); err != nil {
				c.abort("Failed to resize the frame pool", err)
				return
			}
			w, h = rw, rh
		}
		c.log.Infof("Source resolution %dx%d", w, h)
	} else if time.Now().Before(c.resolveBy) {
		c.armResolve()
		return
	} else {
		c.log.Warnf("Source did not report a resolution, using %dx%d", w, h)
	}

	c.mu.Lock()
	c.resolving = false
	c.width, c.height = w, h
	preview := c.preview
	c.mu.Unlock()
	if preview {
		return
	}
	if err := c.startTake(); err != nil {
		c.abort("Failed to start first take", err)
	}
}

// abort ends capture after a failure on the loop goroutine.
func (c *Controller) abort(what string, err error) {
	c.log.Errorf("%v, stopping capture: %v", what, err)
	c.disarmResolve()
	c.src.StopCapture()
	c.mu.Lock()
	c.recording = false
	c.resolving = false
	c.mu.Unlock()
	c.n.Stopped()
}

func (c *Controller) stop() error {
	c.mu.Lock()
	active, preview := c.recording, c.preview
	c.mu.Unlock()
	if !active {
		return ErrNotRecording
	}

	c.disarmResolve()
	c.src.StopCapture()
	c.endTake()
	c.mu.Lock()
	c.recording = false
	c.paused = false
	c.preview = false
	c.resolving = false
	c.mu.Unlock()

	var err error
	if !preview {
		var master string
		master, err = c.rec.GenerateMasterVideo(context.Background())
		switch {
		case err == nil:
			c.n.MasterCompleted(master)
		case errors.Is(err, recording.ErrNoTakes):
			err = nil
		default:
			c.n.MasterFailed(err)
		}
	}
	c.log.Info("Capture stopped")
	c.n.Stopped()
	return err
}

func (c *Controller) pause() error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	if c.paused {
		c.mu.Unlock()
		return nil
	}
	c.paused = true
	s := c.sess
	c.mu.Unlock()

	if s != nil {
		s.PauseRecording()
	}
	c.src.StopCapture()
	c.disarmRollover()
	c.disarmResolve()
	c.log.Info("Capture paused")
	c.n.Paused()
	return nil
}

func (c *Controller) resume() error {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	s, resolving := c.sess, c.resolving
	c.mu.Unlock()

	if resolving {
		c.resolveBy = time.Now().Add(resolveTimeout)
		c.armResolve()
	}
	if s != nil {
		s.ResumeRecording()
		c.armRollover(c.capture.TakeDuration() - s.Duration())
	}
	if err := c.src.StartCapture(); err != nil {
		c.log.Errorf("Failed to restart capture: %v", err)
		return err
	}
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.log.Info("Capture resumed")
	c.n.Resumed()
	return nil
}

func (c *Controller) startTake() error {
	c.endTake()

	c.mu.Lock()
	settings, w, h := c.settings, c.width, c.height
	c.mu.Unlock()

	s, err := c.rec.StartRecording(c.ctx, settings, w, h, c.pool)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sess = s
	c.take++
	n := c.take
	c.mu.Unlock()
	c.armRollover(c.capture.TakeDuration())
	c.log.WithField("session", s.ID()).Infof("Started take %d", n)
	return nil
}

func (c *Controller) endTake() {
	c.disarmRollover()
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	n := c.take
	c.mu.Unlock()
	if s == nil {
		return
	}
	info, ok := c.rec.StopRecording(s)
	if ok {
		c.n.TakeCompleted(info.SessionID, info.TakeNumber, info.FilePath)
	}
	c.log.WithField("session", s.ID()).Infof("Ended take %d", n)
}

func (c *Controller) armRollover(d time.Duration) {
	c.disarmRollover()
	if c.capture.TakeDuration() <= 0 {
		return
	}
	if d < 0 {
		d = 0
	}
	c.rollover = time.NewTimer(d)
	c.rollc = c.rollover.C
}

func (c *Controller) disarmRollover() {
	if c.rollover != nil {
		c.rollover.Stop()
	}
	c.rollover = nil
	c.rollc = nil
}

func (c *Controller) onRollover() {
	c.rollover, c.rollc = nil, nil
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	limit := c.capture.TakeDuration()
	if left := limit - s.Duration(); left > 0 {
		c.armRollover(left)
		return
	}
	c.log.Infof("Take reached %v", limit)
	c.endTake()
	if !c.capture.AutoNewTake {
		return
	}
	if err := c.startTake(); err != nil {
		c.abort("Failed to start next take", err)
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	active := c.recording
	c.mu.Unlock()
	if active {
		if err := c.stop(); err != nil {
			c.log.Errorf("Stop during shutdown: %v", err)
		}
	}
	c.src.Shutdown()
	c.pool.Close()
	c.log.Info("Capture controller shut down")
}

// onFrame runs on the source's delivery goroutine.
func (c *Controller) onFrame(f frame.Frame) {
	c.mu.Lock()
	active := c.recording && !c.paused
	preview, s, sink, tint := c.preview, c.sess, c.sink, c.tint
	c.mu.Unlock()

	switch {
	case !active:
		metrics.FramesDropped.WithLabelValues(metrics.DropNotRecording).Inc()
		f.Release(c.pool)
	case preview:
		if sink == nil {
			f.Release(c.pool)
			return
		}
		p := f.Clone()
		f.Release(c.pool)
		ApplyTint(p.Data, tint)
		sink.PutPreview(p)
	case s == nil:
		metrics.FramesDropped.WithLabelValues(metrics.DropNotRecording).Inc()
		c.log.Debug("Dropping frame, no take in progress")
		f.Release(c.pool)
	default:
		s.AddVideoFrame(f)
	}
}
