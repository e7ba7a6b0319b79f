package session

import (
	"fmt"
	"path/filepath"
	"time"
)

// FileTimeLayout is the timestamp prefix of every recording file name.
// See https://golang.org/src/time/format.go.
const FileTimeLayout = "20060102_150405"

const (
	ExtTake   = "_Take.mp4"
	ExtMaster = "_Master.mp4"
)

// TakePath names the output file of a take started at t.
func TakePath(dir string, t time.Time, id string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", t.Format(FileTimeLayout), id, ExtTake))
}

// MasterPath names a master video generated at t.
func MasterPath(dir string, t time.Time, id string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", t.Format(FileTimeLayout), id, ExtMaster))
}
