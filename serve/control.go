package serve

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"vrcap/capture"
)

// Controller is the part of capture.Controller driven over HTTP.
type Controller interface {
	Start() error
	Stop() error
	Pause() error
	Resume() error
	NewTake() error
	EndTake() error
	Status() capture.Status
}

// ControlServer maps POST /record/<action> onto the capture controller.
type ControlServer struct {
	C Controller
}

func (s *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/record"), "/")
	if action == "" || action == "status" {
		writeJSON(w, s.C.Status())
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch action {
	case "start":
		err = s.C.Start()
	case "stop":
		err = s.C.Stop()
	case "pause":
		err = s.C.Pause()
	case "resume":
		err = s.C.Resume()
	case "take":
		err = s.C.NewTake()
	case "endtake":
		err = s.C.EndTake()
	default:
		http.Error(w, "unknown action "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithField("addr", r.RemoteAddr).Warnf("Record %v failed: %v", action, err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, s.C.Status())
}

func statusFor(err error) int {
	switch err {
	case capture.ErrNotRecording, capture.ErrAlreadyRecording, capture.ErrPaused, capture.ErrLivePreview, capture.ErrResolving:
		return http.StatusConflict
	case capture.ErrClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
