package recording

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vrcap/video/session"
)

// RecordKind tells takes from masters.
type RecordKind string

const (
	KindTake   RecordKind = "take"
	KindMaster RecordKind = "master"
)

// Record is one video file found in the recordings directory.
type Record struct {
	Name      string
	Path      string `json:"-"`
	Kind      RecordKind
	Time      time.Time
	SessionID string
	Size      int64
}

// Filesystem indexes the recordings directory.
type Filesystem struct {
	BasePath string

	records []*Record
	l       sync.Mutex
}

func NewFilesystem(path string) (*Filesystem, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &Filesystem{
		BasePath: path,
	}, nil
}

// parseName splits "<time>_<id>_Take.mp4" style names.
func parseName(name string) (time.Time, string, RecordKind, bool) {
	var kind RecordKind
	var stem string
	switch {
	case strings.HasSuffix(name, session.ExtTake):
		kind, stem = KindTake, strings.TrimSuffix(name, session.ExtTake)
	case strings.HasSuffix(name, session.ExtMaster):
		kind, stem = KindMaster, strings.TrimSuffix(name, session.ExtMaster)
	default:
		return time.Time{}, "", "", false
	}
	n := len(session.FileTimeLayout)
	if len(stem) < n+2 || stem[n] != '_' {
		return time.Time{}, "", "", false
	}
	t, err := time.ParseInLocation(session.FileTimeLayout, stem[:n], time.Local)
	if err != nil {
		return time.Time{}, "", "", false
	}
	return t, stem[n+1:], kind, true
}

// Refresh rescans the directory.
func (f *Filesystem) Refresh() error {
	files, err := os.ReadDir(f.BasePath)
	if err != nil {
		return err
	}

	var records []*Record
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		b := file.Name()
		t, id, kind, ok := parseName(b)
		if !ok {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		records = append(records, &Record{
			Name:      b,
			Path:      filepath.Join(f.BasePath, b),
			Kind:      kind,
			Time:      t,
			SessionID: id,
			Size:      info.Size(),
		})
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Time.Equal(records[j].Time) {
			return records[i].Name < records[j].Name
		}
		return records[i].Time.Before(records[j].Time)
	})

	f.l.Lock()
	defer f.l.Unlock()
	f.records = records
	return nil
}

func (f *Filesystem) GetRecords() []*Record {
	f.l.Lock()
	defer f.l.Unlock()
	return f.records[:]
}

var ErrNotFound = errors.New("recording not found")

// Lookup resolves a bare file name from the last refresh to its path.
func (f *Filesystem) Lookup(name string) (string, error) {
	if name != filepath.Base(name) {
		return "", ErrNotFound
	}
	f.l.Lock()
	defer f.l.Unlock()
	for _, r := range f.records {
		if r.Name == name {
			return r.Path, nil
		}
	}
	return "", ErrNotFound
}
