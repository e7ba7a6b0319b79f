package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConcatenateVideos joins paths, in order, into outputPath by stream copy.
func (e *Encoder) ConcatenateVideos(ctx context.Context, paths []string, outputPath string) error {
	if len(paths) == 0 {
		return errors.New("no videos to concatenate")
	}

	list, err := writeConcatList(paths)
	if err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(list)

	l := log.WithField("master", filepath.Base(outputPath))
	stdout := l.WithField("stream", "stdout").WriterLevel(log.DebugLevel)
	defer stdout.Close()
	stderr := l.WithField("stream", "stderr").WriterLevel(log.DebugLevel)
	defer stderr.Close()

	c := exec.CommandContext(ctx, e.ffmpegPath, ConcatArgs(list, outputPath)...)
	c.Stdout = stdout
	c.Stderr = stderr

	l.Infof("Concatenating %d videos", len(paths))
	if err := c.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w", err)
	}
	return nil
}

func writeConcatList(paths []string) (string, error) {
	f, err := os.CreateTemp("", "vrcap-concat-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		// The concat demuxer quotes with ' and escapes an embedded one as '\''.
		p = strings.ReplaceAll(filepath.ToSlash(p), "'", `'\''`)
		if _, err := fmt.Fprintf(f, "file '%s'\n", p); err != nil {
			os.Remove(f.Name())
			return "", err
		}
	}
	return f.Name(), nil
}
