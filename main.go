package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"go.uber.org/atomic"

	"vrcap/capture"
	"vrcap/config"
	"vrcap/notify"
	"vrcap/preview"
	"vrcap/recording"
	"vrcap/recording/ledger"
	"vrcap/serve"
	"vrcap/util"
	"vrcap/video/source"
	"vrcap/video/source/cv"
)

var (
	configPath  = flag.StringP("config", "c", "", "JSON or YAML config file. Reloaded when it changes.")
	port        = flag.Int("port", 0, "Port to host the control API. Overrides the config.")
	record      = flag.Bool("record", false, "Start recording immediately.")
	duration    = flag.Duration("duration", 0, "Stop recording after this long. Requires --record.")
	decoder     = flag.String("decoder", "bild", "Image decoder for folder sources: bild or opencv.")
	window      = flag.Bool("window", false, "Also show the live preview in a desktop window.")
	listDevices = flag.Bool("list-devices", false, "Print the cameras that can be opened and exit.")
	verbose     = flag.BoolP("verbose", "v", false, "Debug logging.")
)

func loadConfig(ctx context.Context, onChange func(*config.Config)) (*config.Config, error) {
	if *configPath == "" {
		c := config.Default()
		config.Set(&c)
		return &c, nil
	}
	if err := config.Load(ctx, *configPath, onChange); err != nil {
		return nil, err
	}
	return config.Get(), nil
}

func newSource(c *config.Config) (source.FrameSource, func(context.Context), error) {
	kind, err := source.ParseKind(c.Video.Source)
	if err != nil {
		return nil, nil, err
	}
	deps := source.Deps{
		Opener: cv.Opener{},
	}
	if *decoder == "opencv" {
		deps.Decoder = cv.Decoder{}
	}
	var animate func(context.Context)
	if kind == source.KindRender {
		s := source.NewSoftwareSurface(c.Video.Width, c.Video.Height)
		deps.Surface = s
		animate = func(ctx context.Context) { sweep(ctx, s, c.Video.FPS) }
	}
	src, err := source.New(kind, deps)
	return src, animate, err
}

// sweep draws a moving bar into s at fps until ctx is done.
func sweep(ctx context.Context, s *source.SoftwareSurface, fps float64) {
	if fps <= 0 {
		fps = 30
	}
	t := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer t.Stop()
	x := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.Update(func(img *image.RGBA) {
			b := img.Bounds()
			draw.Draw(img, b, &image.Uniform{color.RGBA{A: 255}}, image.Point{}, draw.Src)
			w := b.Dx() / 16
			if w == 0 {
				w = 1
			}
			bar := image.Rect(x, 0, x+w, b.Dy())
			draw.Draw(img, bar, &image.Uniform{color.RGBA{R: 255, G: 255, B: 255, A: 255}}, image.Point{}, draw.Src)
			x = (x + w/4 + 1) % b.Dx()
		})
		s.Present()
	}
}

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *listDevices {
		for _, d := range cv.ListDevices(10) {
			fmt.Println(d)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var current atomic.Pointer[capture.Controller]
	cfg, err := loadConfig(ctx, func(c *config.Config) {
		ctrl := current.Load()
		if ctrl == nil {
			return
		}
		if err := ctrl.Configure(c.Video, c.Capture); err != nil {
			log.Warnf("New configuration not applied: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ffmpegp := cfg.FFmpegPath
	if ffmpegp == "" {
		ffmpegp, err = util.LocateFFmpeg()
		if err != nil {
			fmt.Println("Unable to locate ffmpeg binary", err)
			fmt.Println("FFmpeg is required for saving video files.")
			fmt.Println("Either ensure the ffmpeg binary is in $PATH,")
			fmt.Println("or set the FFMPEG environment variable.")
			os.Exit(1)
		}
	}
	log.Infof("Located ffmpeg binary, %v", ffmpegp)

	var store recording.Store
	if cfg.Ledger.DSN != "" {
		l, err := ledger.Open(cfg.Ledger.DSN)
		if err != nil {
			log.Fatalf("Failed to open ledger: %v", err)
		}
		defer l.Close()
		store = l
	}

	mgr, err := recording.New(recording.Options{
		FFmpegPath: ffmpegp,
		Dir:        filepath.Join(cfg.DataRoot, "Recordings"),
		Store:      store,
		KeepTakes:  cfg.Capture.KeepTakes,
	})
	if err != nil {
		log.Fatalf("Failed to create recording manager: %v", err)
	}
	defer mgr.Shutdown()

	events := serve.NewEventStream()
	defer events.Close()
	notifier := &notify.Notifier{}
	notifier.AddListener(&notify.LogListener{})
	notifier.AddListener(events)

	mjpegServer := preview.NewMJPEGServer()
	pv := preview.New(mjpegServer, "Capture")
	defer pv.Close()
	var sink preview.Sink = pv
	if *window {
		w := preview.NewWindow("Capture")
		defer w.Close()
		sink = preview.Tee(pv, w)
	}

	src, animate, err := newSource(cfg)
	if err != nil {
		log.Fatalf("Failed to create %v source: %v", cfg.Video.Source, err)
	}
	if animate != nil {
		go animate(ctx)
	}

	ctrl, err := capture.New(ctx, capture.Options{
		Video:    cfg.Video,
		Capture:  cfg.Capture,
		Source:   src,
		Recorder: mgr,
		Preview:  sink,
		Notifier: notifier,
	})
	if err != nil {
		log.Fatalf("Failed to start capture: %v", err)
	}
	defer ctrl.Close()
	current.Store(ctrl)

	httpPort := cfg.HTTPPort
	if *port != 0 {
		httpPort = *port
	}
	http.Handle("/", serve.NewHandler(serve.Options{
		Control:   ctrl,
		Takes:     mgr,
		Events:    events,
		Preview:   mjpegServer,
		AccessLog: log.StandardLogger().WriterLevel(log.DebugLevel),
	}))
	go func() {
		log.Infof("Hosting control API on port %d", httpPort)
		log.Error(http.ListenAndServe(fmt.Sprintf(":%d", httpPort), nil))
	}()

	var stopc <-chan time.Time
	if *record {
		if err := ctrl.Start(); err != nil {
			log.Fatalf("Failed to start recording: %v", err)
		}
		if *duration > 0 {
			stopc = time.After(*duration)
		}
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-stopc:
			log.Infof("Recorded for %v, stopping", *duration)
			if err := ctrl.Stop(); err != nil {
				log.Errorf("Stop failed: %v", err)
			}
			stopc = nil
		case <-ctrl.Done():
			log.Info("Capture controller exited")
			return
		case sig := <-sigs:
			log.Infof("Caught signal %v", sig)
			return
		}
	}
}
