package serve

import (
	"fmt"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"

	"vrcap/recording"
)

type DeleteServer struct {
	M Takes
}

func (s *DeleteServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fs := s.M.Filesystem()
	name := r.Form.Get("name")
	fs.Refresh()
	path, err := fs.Lookup(name)
	if err != nil {
		http.Error(w, fmt.Sprintf("No recording found for name %v", name), http.StatusNotFound)
		return
	}
	for _, t := range s.M.GetAllTakes() {
		if t.FilePath == path {
			http.Error(w, "take is waiting to be joined into a master", http.StatusConflict)
			return
		}
	}

	if err := os.Remove(path); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.WithField("addr", r.RemoteAddr).Infof("Deleted recording %v", name)
	fs.Refresh()
	w.WriteHeader(http.StatusNoContent)
}

var _ Takes = (*recording.Manager)(nil)
