package encoder

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// scanLogLines splits on either \n or \r; ffmpeg rewrites its progress line
// with carriage returns.
func scanLogLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// readLog drains r until EOF, logging each line. It must keep reading even
// when lines are unparseable so the child never blocks on a full pipe.
func readLog(r io.ReadCloser, l *log.Entry) {
	defer r.Close()
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), 1<<20)
	s.Split(scanLogLines)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if strings.Contains(strings.ToLower(line), "error") {
			l.Warn(line)
		} else {
			l.Debug(line)
		}
	}
	if err := s.Err(); err != nil {
		l.Debugf("Log reader stopped parsing: %v", err)
		io.Copy(io.Discard, r)
	}
}
