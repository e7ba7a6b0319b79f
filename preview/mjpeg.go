package preview

import (
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %.6f\r\n" +
	"\r\n"

// DefaultStream is the stream fed by the capture controller.
const DefaultStream = "live"

// MJPEGServer serves named MJPEG streams over HTTP.
type MJPEGServer struct {
	m map[string]*MJPEGStream

	lock sync.Mutex
}

func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		m: make(map[string]*MJPEGStream),
	}
}

// Stream returns the stream called name, creating it if needed.
func (s *MJPEGServer) Stream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ms, ok := s.m[name]; ok {
		return ms
	}
	ms := &MJPEGStream{
		name: name,
		m:    make(map[chan []byte]bool),
	}
	s.m[name] = ms
	return ms
}

func (s *MJPEGServer) getStream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.m[name]
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.Form.Get("name")
	if name == "" {
		name = DefaultStream
	}
	stream := s.getStream(name)
	if stream == nil {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	l := log.WithField("addr", r.RemoteAddr)
	l.Infof("MJPEG stream connected to %v", name)
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	c := make(chan []byte, 1)
	stream.lock.Lock()
	stream.m[c] = true
	stream.lock.Unlock()

loop:
	for {
		select {
		case b := <-c:
			if _, err := w.Write(b); err != nil {
				break loop
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			break loop
		}
	}

	stream.lock.Lock()
	delete(stream.m, c)
	stream.lock.Unlock()
	l.Infof("MJPEG stream disconnected from %v", name)
}

// MJPEGStream fans encoded JPEG frames out to connected clients.
type MJPEGStream struct {
	name string
	m    map[chan []byte]bool

	lock sync.Mutex
}

// Listening reports whether any client is connected.
func (s *MJPEGStream) Listening() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m) > 0
}

// PutJPEG sends one encoded frame to every client ready for it.
func (s *MJPEGStream) PutJPEG(jpeg []byte, ts float64) {
	header := fmt.Sprintf(headerf, len(jpeg), ts)
	frame := make([]byte, len(header)+len(jpeg))
	copy(frame, header)
	copy(frame[len(header):], jpeg)

	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.m {
		select {
		case c <- frame:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}
