package serve

import (
	"net/http"

	"vrcap/recording"
)

type TakeEntry struct {
	TakeNumber  int
	SessionID   string
	Name        string
	Start       int64
	DurationSec float64
}

type FileEntry struct {
	Name      string
	Kind      recording.RecordKind
	SessionID string
	Timestamp int64
	Size      int64
}

type MetaResponse struct {
	// Takes are completed but not yet part of a master.
	Takes []*TakeEntry

	Items          []*FileEntry
	ItemsTotalSize int64
	ItemsCount     int
}

// Takes lists completed takes and the files in the recordings directory.
type Takes interface {
	GetAllTakes() []recording.TakeInfo
	Filesystem() *recording.Filesystem
}

type MetaServer struct {
	M Takes
}

func (s *MetaServer) BuildResponse() (*MetaResponse, error) {
	resp := &MetaResponse{
		Takes: []*TakeEntry{},
		Items: []*FileEntry{},
	}
	for _, t := range s.M.GetAllTakes() {
		resp.Takes = append(resp.Takes, &TakeEntry{
			TakeNumber:  t.TakeNumber,
			SessionID:   t.SessionID,
			Name:        baseName(t.FilePath),
			Start:       t.Start.Unix(),
			DurationSec: t.Duration.Seconds(),
		})
	}

	fs := s.M.Filesystem()
	if err := fs.Refresh(); err != nil {
		return nil, err
	}
	var sz int64
	for _, r := range fs.GetRecords() {
		resp.Items = append(resp.Items, &FileEntry{
			Name:      r.Name,
			Kind:      r.Kind,
			SessionID: r.SessionID,
			Timestamp: r.Time.Unix(),
			Size:      r.Size,
		})
		sz += r.Size
	}
	resp.ItemsTotalSize = sz
	resp.ItemsCount = len(resp.Items)
	return resp, nil
}

func (s *MetaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := s.BuildResponse()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}
