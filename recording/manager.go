package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pillash/mp4util"
	log "github.com/sirupsen/logrus"

	"vrcap/config"
	"vrcap/metrics"
	"vrcap/recording/ledger"
	"vrcap/video/encoder"
	"vrcap/video/frame"
	"vrcap/video/session"
)

var ErrNoTakes = errors.New("no completed takes")

// TakeInfo describes a finished take whose file exists on disk.
type TakeInfo struct {
	TakeNumber int
	Duration   time.Duration
	Start      time.Time
	End        time.Time
	FilePath   string
	SessionID  string

	ledgerID uint
}

// Concatenator joins videos into one file.
type Concatenator interface {
	ConcatenateVideos(ctx context.Context, paths []string, outputPath string) error
}

// Store persists takes and masters. *ledger.Ledger implements it.
type Store interface {
	AddTake(t *ledger.Take) error
	AddMaster(m *ledger.Master, takeIDs []uint) error
}

type Options struct {
	FFmpegPath string

	// Dir is the recordings directory, normally <DataRoot>/Recordings.
	Dir string

	NewEncoder session.EncoderFactory

	// Concat defaults to an ffmpeg encoder used only for concatenation.
	Concat Concatenator

	// Store is optional.
	Store Store

	// KeepTakes leaves take files on disk after a successful master.
	KeepTakes bool

	// Probe reads a video's duration from its container. Defaults to the mp4
	// header.
	Probe func(path string) (time.Duration, error)
}

// Manager tracks the active sessions and the completed takes, and folds
// takes into master videos.
type Manager struct {
	opts Options
	fs   *Filesystem

	mu     sync.Mutex
	active map[*session.Session]struct{}
	takes  []TakeInfo
	closed bool
}

func New(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("recording directory required")
	}
	if opts.NewEncoder == nil {
		ffmpeg := opts.FFmpegPath
		opts.NewEncoder = func() session.Encoder {
			return encoder.New(encoder.Options{FFmpegPath: ffmpeg})
		}
	}
	if opts.Concat == nil {
		opts.Concat = encoder.New(encoder.Options{FFmpegPath: opts.FFmpegPath})
	}
	if opts.Probe == nil {
		opts.Probe = probeMP4
	}
	fs, err := NewFilesystem(opts.Dir)
	if err != nil {
		return nil, err
	}
	log.Infof("Recording manager writing to %v", opts.Dir)
	return &Manager{
		opts:   opts,
		fs:     fs,
		active: make(map[*session.Session]struct{}),
	}, nil
}

func probeMP4(path string) (time.Duration, error) {
	secs, err := mp4util.Duration(path)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Filesystem returns the index of the recordings directory.
func (m *Manager) Filesystem() *Filesystem {
	return m.fs
}

// StartRecording creates, initializes and starts a session for one take.
func (m *Manager) StartRecording(ctx context.Context, settings config.Video, width, height int, pool *frame.Pool) (*session.Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, errors.New("recording manager shut down")
	}

	s := session.New(session.Options{
		Dir:        m.opts.Dir,
		NewEncoder: m.opts.NewEncoder,
	})
	if err := s.Initialize(settings, m.opts.FFmpegPath, width, height, pool); err != nil {
		return nil, err
	}
	if err := s.StartRecording(ctx); err != nil {
		s.StopRecording()
		return nil, err
	}

	m.mu.Lock()
	m.active[s] = struct{}{}
	n := len(m.active)
	m.mu.Unlock()
	log.WithField("session", s.ID()).Infof("Started take (%d active)", n)
	return s, nil
}

// StopRecording stops s and, if it produced a file, appends it to the take
// list.
func (m *Manager) StopRecording(s *session.Session) (TakeInfo, bool) {
	if s == nil {
		return TakeInfo{}, false
	}
	s.StopRecording()

	m.mu.Lock()
	_, tracked := m.active[s]
	delete(m.active, s)
	m.mu.Unlock()

	l := log.WithField("session", s.ID())
	if !tracked {
		l.Debug("Session already stopped")
		return TakeInfo{}, false
	}
	path := s.OutputPath()
	if path == "" {
		l.Warn("Take stopped before it produced a file")
		return TakeInfo{}, false
	}
	if _, err := os.Stat(path); err != nil {
		l.Warnf("Take finished but %v is missing, not keeping it", path)
		return TakeInfo{}, false
	}

	m.mu.Lock()
	info := TakeInfo{
		TakeNumber: len(m.takes) + 1,
		Duration:   s.Duration(),
		Start:      s.StartTime(),
		End:        time.Now(),
		FilePath:   path,
		SessionID:  s.ID(),
	}
	m.mu.Unlock()

	contained := -1
	if d, err := m.opts.Probe(path); err != nil {
		l.Debugf("Could not read container duration: %v", err)
	} else {
		contained = int(d / time.Second)
		if diff := d - info.Duration; diff > 2*time.Second || diff < -2*time.Second {
			l.Warnf("Container holds %v but the take ran %v", d, info.Duration.Round(time.Millisecond))
		}
	}

	if m.opts.Store != nil {
		row := &ledger.Take{
			SessionID:        info.SessionID,
			TakeNumber:       info.TakeNumber,
			FilePath:         info.FilePath,
			Start:            info.Start,
			End:              info.End,
			Duration:         info.Duration,
			ContainerSeconds: contained,
		}
		if err := m.opts.Store.AddTake(row); err != nil {
			l.Errorf("Failed to record take in ledger: %v", err)
		} else {
			info.ledgerID = row.ID
		}
	}

	m.mu.Lock()
	m.takes = append(m.takes, info)
	m.mu.Unlock()
	metrics.TakesCompleted.Inc()
	l.Infof("Take %d completed: %v", info.TakeNumber, path)
	return info, true
}

// ActiveSessions returns the number of sessions still recording.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) GetAllTakes() []TakeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TakeInfo(nil), m.takes...)
}

func (m *Manager) ClearAllTakes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.takes = nil
	log.Info("Cleared all takes")
}

// FinalizeAllRecordings concatenates the completed takes into masterPath.
// The take list is cleared only on success; the take files are left alone.
func (m *Manager) FinalizeAllRecordings(ctx context.Context, masterPath string) error {
	takes := m.GetAllTakes()
	if len(takes) == 0 {
		log.Warn("No completed takes to finalize")
		return ErrNoTakes
	}
	if err := m.concat(ctx, takes, masterPath); err != nil {
		return err
	}
	m.dropTakes(takes)
	return nil
}

// GenerateMasterVideo concatenates the completed takes into a new master file
// in the recordings directory and returns its path. On success the take list
// is cleared and, unless KeepTakes is set, the take files are deleted. On
// failure both are kept.
func (m *Manager) GenerateMasterVideo(ctx context.Context) (string, error) {
	takes := m.GetAllTakes()
	if len(takes) == 0 {
		log.Warn("No completed takes to generate a master from")
		return "", ErrNoTakes
	}
	id := takes[len(takes)-1].SessionID
	if id == "" {
		id = uuid.New().String()[:5]
	}
	path := session.MasterPath(m.opts.Dir, time.Now(), id)
	if err := m.concat(ctx, takes, path); err != nil {
		return "", err
	}
	m.dropTakes(takes)

	if !m.opts.KeepTakes {
		for _, t := range takes {
			if err := os.Remove(t.FilePath); err != nil && !os.IsNotExist(err) {
				log.Warnf("Failed to delete take %v: %v", t.FilePath, err)
				continue
			}
			log.Debugf("Deleted take %v", filepath.Base(t.FilePath))
		}
	}
	if err := m.fs.Refresh(); err != nil {
		log.Warnf("Failed to rescan recordings: %v", err)
	}
	return path, nil
}

func (m *Manager) concat(ctx context.Context, takes []TakeInfo, out string) error {
	paths := make([]string, len(takes))
	ids := make([]uint, 0, len(takes))
	for i, t := range takes {
		paths[i] = t.FilePath
		if t.ledgerID != 0 {
			ids = append(ids, t.ledgerID)
		}
	}

	log.Infof("Concatenating %d takes into %v", len(takes), out)
	err := m.opts.Concat.ConcatenateVideos(ctx, paths, out)
	if err == nil {
		if _, serr := os.Stat(out); serr != nil {
			err = fmt.Errorf("master %v not written: %w", out, serr)
		}
	}

	if m.opts.Store != nil {
		row := &ledger.Master{FilePath: out, TakeCount: len(takes), Succeeded: err == nil}
		if err != nil {
			row.Error = err.Error()
		}
		if lerr := m.opts.Store.AddMaster(row, ids); lerr != nil {
			log.Errorf("Failed to record master in ledger: %v", lerr)
		}
	}

	if err != nil {
		metrics.MastersGenerated.WithLabelValues("failed").Inc()
		log.Errorf("Master generation failed, keeping %d takes: %v", len(takes), err)
		return err
	}
	metrics.MastersGenerated.WithLabelValues("ok").Inc()
	log.Infof("Master video written to %v", out)
	return nil
}

// dropTakes removes the given takes from the list, keeping any completed
// while the concatenation ran.
func (m *Manager) dropTakes(done []TakeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(done) >= len(m.takes) {
		m.takes = nil
		return
	}
	rest := append([]TakeInfo(nil), m.takes[len(done):]...)
	for i := range rest {
		rest[i].TakeNumber = i + 1
	}
	m.takes = rest
}

// Shutdown stops every active session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*session.Session, 0, len(m.active))
	for s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.StopRecording(s)
	}
	log.Info("Recording manager shut down")
}
