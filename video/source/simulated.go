package source

import (
	"context"
	"math"
	"time"

	"vrcap/config"
	"vrcap/video/frame"
)

// Simulated produces a solid color that drifts over time, multiplied by the
// configured tint. With RandomPattern off every frame is the plain tint.
type Simulated struct {
	base

	ticker *Ticker
	start  time.Time
	tint   config.Color
	random bool
}

func NewSimulated() *Simulated {
	return &Simulated{base: newBase(KindSimulated)}
}

func (s *Simulated) Initialize(ctx context.Context, settings config.Video, pool *frame.Pool) error {
	if err := s.initialize(ctx, settings, pool); err != nil {
		return err
	}
	s.tint = tintOrWhite(settings.Tint)
	s.random = settings.RandomPattern
	s.ticker = NewTicker(ctx, PeriodForFPS(settings.FPS), s.tick)
	s.log.Infof("Initialized at %.2f fps", 1/s.ticker.Period().Seconds())
	return nil
}

func (s *Simulated) StartCapture() error {
	ok, err := s.beginCapture()
	if err != nil || !ok {
		return err
	}
	if s.start.IsZero() {
		s.start = time.Now()
	}
	s.ticker.Start()
	s.log.Info("Capture started")
	return nil
}

func (s *Simulated) StopCapture() {
	if !s.endCapture() {
		return
	}
	s.ticker.Stop()
	s.log.Info("Capture stopped")
}

func (s *Simulated) Shutdown() {
	if !s.beginShutdown() {
		return
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.finishShutdown()
	s.log.Info("Shut down")
}

// PatternColor returns the BGRA color for time t seconds into capture.
func PatternColor(t float64, tint config.Color, random bool) (b, g, r, a byte) {
	rv, gv, bv := 255.0, 255.0, 255.0
	if random {
		rv = math.Sin(t*0.5)*127 + 128
		gv = math.Sin(t*0.7+math.Pi/2)*127 + 128
		bv = math.Sin(t*0.9+math.Pi)*127 + 128
	}
	return scale(bv, tint.B), scale(gv, tint.G), scale(rv, tint.R), scale(255, tint.A)
}

func (s *Simulated) tick() bool {
	pool := s.framePool()
	if pool == nil {
		return false
	}
	buf := pool.Acquire()
	if buf == nil {
		return true
	}
	w, h := pool.Size()
	now := time.Now()
	b, g, r, a := PatternColor(now.Sub(s.start).Seconds(), s.tint, s.random)
	fillBGRA(buf, b, g, r, a)
	s.emit(frame.Frame{Data: buf, Width: w, Height: h, Time: now})
	return true
}
