package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrcap/config"
	"vrcap/recording/ledger"
	"vrcap/video/frame"
	"vrcap/video/session"
)

// fileEncoder writes one byte per frame to the output file.
type fileEncoder struct {
	pool   *frame.Pool
	out    *os.File
	noFile bool
}

func (e *fileEncoder) Initialize(_ config.Video, _ string, _, _ int, pool *frame.Pool) error {
	e.pool = pool
	return nil
}

func (e *fileEncoder) LaunchEncoder(_ context.Context, path string) error {
	if e.noFile {
		return nil
	}
	f, err := os.Create(path)
	e.out = f
	return err
}

func (e *fileEncoder) EncodeFrame(f frame.Frame) bool {
	if e.out != nil {
		e.out.Write(f.Data[:1])
	}
	f.Release(e.pool)
	return true
}

func (e *fileEncoder) FinishEncoding() {}

func (e *fileEncoder) ShutdownEncoder() {
	if e.out != nil {
		e.out.Close()
		e.out = nil
	}
}

// catConcat appends the inputs into the output, or fails.
type catConcat struct {
	err   error
	calls [][]string
}

func (c *catConcat) ConcatenateVideos(_ context.Context, paths []string, out string) error {
	c.calls = append(c.calls, paths)
	if c.err != nil {
		return c.err
	}
	var all []byte
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		all = append(all, b...)
	}
	return os.WriteFile(out, all, 0644)
}

type memStore struct {
	mu      sync.Mutex
	takes   []*ledger.Take
	masters []*ledger.Master
	links   [][]uint
}

func (s *memStore) AddTake(t *ledger.Take) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = uint(len(s.takes) + 1)
	s.takes = append(s.takes, t)
	return nil
}

func (s *memStore) AddMaster(m *ledger.Master, ids []uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters = append(s.masters, m)
	s.links = append(s.links, ids)
	return nil
}

type fixture struct {
	m      *Manager
	dir    string
	pool   *frame.Pool
	concat *catConcat
	store  *memStore
}

func newFixture(t *testing.T, keep bool, enc func() session.Encoder) *fixture {
	t.Helper()
	f := &fixture{
		dir:    filepath.Join(t.TempDir(), "Recordings"),
		pool:   frame.NewPool(),
		concat: &catConcat{},
		store:  &memStore{},
	}
	require.NoError(t, f.pool.Initialize(8, 1, 1, false))
	if enc == nil {
		enc = func() session.Encoder { return &fileEncoder{} }
	}
	m, err := New(Options{
		Dir:        f.dir,
		NewEncoder: enc,
		Concat:     f.concat,
		Store:      f.store,
		KeepTakes:  keep,
		Probe:      func(string) (time.Duration, error) { return 0, errors.New("not an mp4") },
	})
	require.NoError(t, err)
	f.m = m
	return f
}

func (f *fixture) record(t *testing.T, payload ...byte) TakeInfo {
	t.Helper()
	s, err := f.m.StartRecording(context.Background(), config.Video{FPS: 30}, 1, 1, f.pool)
	require.NoError(t, err)
	for _, b := range payload {
		buf := f.pool.Acquire()
		buf[0] = b
		s.AddVideoFrame(frame.Frame{Data: buf, Width: 1, Height: 1})
	}
	info, ok := f.m.StopRecording(s)
	require.True(t, ok)
	return info
}

func TestStopRecordingTracksTakes(t *testing.T) {
	f := newFixture(t, false, nil)

	a := f.record(t, 'a')
	b := f.record(t, 'b')

	assert.Equal(t, 1, a.TakeNumber)
	assert.Equal(t, 2, b.TakeNumber)
	assert.NotEqual(t, a.FilePath, b.FilePath)
	assert.False(t, b.End.Before(b.Start))
	assert.Len(t, f.m.GetAllTakes(), 2)
	assert.Equal(t, 0, f.m.ActiveSessions())

	require.Len(t, f.store.takes, 2)
	assert.Equal(t, a.SessionID, f.store.takes[0].SessionID)
	assert.Equal(t, -1, f.store.takes[0].ContainerSeconds)
}

func TestStopRecordingWithoutFile(t *testing.T) {
	f := newFixture(t, false, func() session.Encoder { return &fileEncoder{noFile: true} })
	s, err := f.m.StartRecording(context.Background(), config.Video{}, 1, 1, f.pool)
	require.NoError(t, err)
	_, ok := f.m.StopRecording(s)
	assert.False(t, ok)
	assert.Empty(t, f.m.GetAllTakes())

	_, ok = f.m.StopRecording(s)
	assert.False(t, ok)
	_, ok = f.m.StopRecording(nil)
	assert.False(t, ok)
}

func TestGenerateMasterVideo(t *testing.T) {
	f := newFixture(t, false, nil)
	a := f.record(t, 'x', 'y')
	b := f.record(t, 'z')

	master, err := f.m.GenerateMasterVideo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.dir, filepath.Dir(master))
	assert.Contains(t, filepath.Base(master), b.SessionID+session.ExtMaster)

	got, err := os.ReadFile(master)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(got))
	assert.Equal(t, [][]string{{a.FilePath, b.FilePath}}, f.concat.calls)

	assert.Empty(t, f.m.GetAllTakes())
	assert.NoFileExists(t, a.FilePath)
	assert.NoFileExists(t, b.FilePath)

	require.Len(t, f.store.masters, 1)
	assert.True(t, f.store.masters[0].Succeeded)
	assert.Equal(t, []uint{1, 2}, f.store.links[0])

	recs := f.m.Filesystem().GetRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, KindMaster, recs[0].Kind)
}

func TestGenerateMasterKeepsTakesWhenAsked(t *testing.T) {
	f := newFixture(t, true, nil)
	a := f.record(t, 'x')
	_, err := f.m.GenerateMasterVideo(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, a.FilePath)
	assert.Empty(t, f.m.GetAllTakes())
}

func TestFailedMasterKeepsTakes(t *testing.T) {
	f := newFixture(t, false, nil)
	a := f.record(t, 'x')
	f.concat.err = errors.New("exit status 1")

	_, err := f.m.GenerateMasterVideo(context.Background())
	require.Error(t, err)
	assert.Len(t, f.m.GetAllTakes(), 1)
	assert.FileExists(t, a.FilePath)
	require.Len(t, f.store.masters, 1)
	assert.False(t, f.store.masters[0].Succeeded)
	assert.Equal(t, "exit status 1", f.store.masters[0].Error)
}

func TestNoTakes(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.m.GenerateMasterVideo(context.Background())
	assert.ErrorIs(t, err, ErrNoTakes)
	assert.ErrorIs(t, f.m.FinalizeAllRecordings(context.Background(), filepath.Join(f.dir, "m.mp4")), ErrNoTakes)
	assert.Empty(t, f.concat.calls)
}

func TestFinalizeAllRecordings(t *testing.T) {
	f := newFixture(t, false, nil)
	a := f.record(t, 'q')
	out := filepath.Join(t.TempDir(), "final.mp4")
	require.NoError(t, f.m.FinalizeAllRecordings(context.Background(), out))
	assert.FileExists(t, out)
	assert.FileExists(t, a.FilePath)
	assert.Empty(t, f.m.GetAllTakes())
}

func TestShutdownStopsActiveSessions(t *testing.T) {
	f := newFixture(t, false, nil)
	s, err := f.m.StartRecording(context.Background(), config.Video{}, 1, 1, f.pool)
	require.NoError(t, err)
	assert.Equal(t, 1, f.m.ActiveSessions())

	f.m.Shutdown()
	assert.Equal(t, session.Stopped, s.State())
	assert.Equal(t, 0, f.m.ActiveSessions())
	assert.Len(t, f.m.GetAllTakes(), 1)

	_, err = f.m.StartRecording(context.Background(), config.Video{}, 1, 1, f.pool)
	assert.Error(t, err)
	f.m.Shutdown()
}
