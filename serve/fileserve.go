package serve

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"vrcap/recording"
)

func baseName(p string) string {
	return filepath.Base(p)
}

// FileServer serves recordings by file name, with range support.
type FileServer struct {
	FS *recording.Filesystem
}

func (s *FileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.Form.Get("name")
	path, err := s.FS.Lookup(name)
	if err != nil {
		// The file may be newer than the last scan.
		if rerr := s.FS.Refresh(); rerr == nil {
			path, err = s.FS.Lookup(name)
		}
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("No recording found for name %v", name), http.StatusNotFound)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, name, st.ModTime(), f)
}
