//go:build unix

package encoder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrcap/config"
	"vrcap/video/frame"
)

// fakeFFmpeg copies the -i input to the last argument, or for a concat list
// appends every listed file.
const fakeFFmpeg = `#!/bin/sh
in=""; out=""; prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"; out="$a"
done
case " $* " in
  *" concat "*)
    sed -n "s/^file '\(.*\)'$/\1/p" "$in" | while read -r f; do cat "$f"; done > "$out" ;;
  *)
    cat "$in" > "$out" ;;
esac
echo "fake encoder wrote $out" >&2
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func TestLaunchStreamsFramesToProcess(t *testing.T) {
	ffmpeg := writeScript(t, fakeFFmpeg)
	out := filepath.Join(t.TempDir(), "take.mp4")

	pool := frame.NewPool()
	require.NoError(t, pool.Initialize(4, 2, 2, false))

	e := New(Options{ConnectTimeout: 5 * time.Second})
	require.NoError(t, e.Initialize(config.Video{FPS: 30}, ffmpeg, 2, 2, pool))
	fifo := e.pipe.Path()

	require.NoError(t, e.LaunchEncoder(context.Background(), out))
	assert.ErrorIs(t, e.LaunchEncoder(context.Background(), out), ErrAlreadyRunning)

	for i := 0; i < 3; i++ {
		f := frame.Frame{Data: pool.Acquire(), Width: 2, Height: 2}
		copy(f.Data, bytes.Repeat([]byte{byte(i + 1)}, 16))
		require.True(t, e.EncodeFrame(f))
	}
	e.FinishEncoding()
	e.ShutdownEncoder()

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, b, 48)
	assert.Equal(t, byte(1), b[0])
	assert.Equal(t, byte(3), b[47])
	assert.NoError(t, e.ExitError())
	assert.Equal(t, 4, pool.Available())

	_, err = os.Stat(fifo)
	assert.True(t, os.IsNotExist(err))
}

func TestLaunchFailsWhenProcessExits(t *testing.T) {
	ffmpeg := writeScript(t, "#!/bin/sh\necho boom >&2\nexit 1\n")

	pool := frame.NewPool()
	require.NoError(t, pool.Initialize(1, 2, 2, false))

	e := New(Options{ConnectTimeout: 5 * time.Second})
	require.NoError(t, e.Initialize(config.Video{}, ffmpeg, 2, 2, pool))

	start := time.Now()
	err := e.LaunchEncoder(context.Background(), filepath.Join(t.TempDir(), "x.mp4"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	// Torn down and ready for another attempt.
	assert.False(t, e.initialized.Load())
	require.NoError(t, e.Initialize(config.Video{}, ffmpeg, 2, 2, pool))
	e.ShutdownEncoder()
}

func TestLaunchFailsForMissingBinary(t *testing.T) {
	pool := frame.NewPool()
	require.NoError(t, pool.Initialize(1, 2, 2, false))

	e := New(Options{})
	require.NoError(t, e.Initialize(config.Video{}, filepath.Join(t.TempDir(), "nope"), 2, 2, pool))
	assert.Error(t, e.LaunchEncoder(context.Background(), "x.mp4"))
	assert.False(t, e.initialized.Load())
}

func TestConcatenateVideos(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp4")
	b := filepath.Join(dir, "b.mp4")
	require.NoError(t, os.WriteFile(a, []byte("AAA"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("BB"), 0644))
	out := filepath.Join(dir, "master.mp4")

	e := New(Options{FFmpegPath: writeScript(t, fakeFFmpeg)})
	require.NoError(t, e.ConcatenateVideos(context.Background(), []string{a, b}, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "AAABB", string(got))

	assert.Error(t, e.ConcatenateVideos(context.Background(), nil, out))

	bad := New(Options{FFmpegPath: writeScript(t, "#!/bin/sh\nexit 3\n")})
	assert.Error(t, bad.ConcatenateVideos(context.Background(), []string{a}, out))
}
